package app

import (
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"draftdesk/api/internal/export"
	"draftdesk/api/internal/gitrepo"
	"draftdesk/api/internal/ingest"
	"draftdesk/api/internal/orchestrator"
	"draftdesk/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", fieldErrs
	}

	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Session not found", nil
	case errors.Is(err, store.ErrVersionNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Version not found", nil
	case errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Message not found", nil
	case errors.Is(err, store.ErrDuplicateSession):
		return http.StatusConflict, "DUPLICATE_SESSION", "Session already exists", nil
	case errors.Is(err, orchestrator.ErrGenerationInFlight):
		return http.StatusConflict, "GENERATION_IN_FLIGHT", "A generation is already running for this session", nil
	case errors.Is(err, orchestrator.ErrAlreadyInitialized):
		return http.StatusConflict, "ALREADY_INITIALIZED", "Session already has a draft", nil
	case errors.Is(err, orchestrator.ErrNotInitialized):
		return http.StatusConflict, "NOT_INITIALIZED", "Session has no draft yet", nil
	case errors.Is(err, orchestrator.ErrUnknownQuickAction):
		return http.StatusNotFound, "NOT_FOUND", "Unknown quick action", nil
	case errors.Is(err, orchestrator.ErrEmptyRequest), errors.Is(err, orchestrator.ErrEmptyProductName):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, gitrepo.ErrNoRepository):
		return http.StatusNotFound, "NOT_FOUND", "Session has no mirror history", nil
	case errors.Is(err, gitrepo.ErrNoTag):
		return http.StatusNotFound, "NOT_FOUND", "Version is not in the mirror history", nil
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_FILE", "Supported seed files: .txt, .md, .pdf, .docx", nil
	case errors.Is(err, ingest.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Seed file is too large", nil
	case errors.Is(err, ingest.ErrNotText):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Seed file is not valid text", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Supported formats: md, html, pdf, docx", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	}

	var storageErr *store.StorageError
	if errors.As(err, &storageErr) {
		return http.StatusInternalServerError, "STORAGE_ERROR", "Storage error", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
