package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"draftdesk/api/internal/export"
	"draftdesk/api/internal/ingest"
	"draftdesk/api/internal/logger"
	"draftdesk/api/internal/metrics"
	"draftdesk/api/internal/search"
	"draftdesk/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    *metrics.Metrics
	log        *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, m *metrics.Metrics, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: m, log: log.Component("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.Handle("/", http.HandlerFunc(s.handle))
	return s.cors().Handler(s.withMiddleware(mux))
}

func (s *HTTPServer) cors() *cors.Cors {
	origins := []string{"*"}
	if strings.TrimSpace(s.corsOrigin) != "" {
		origins = strings.Split(s.corsOrigin, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
	})
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, err := range s.service.Readiness(ctx) {
			if err == nil {
				checks[name] = map[string]any{"status": "ok"}
				continue
			}
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/quick-actions" {
		writeJSON(w, http.StatusOK, map[string]any{"actions": s.service.QuickActions()})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		payload, err := s.service.Search(r.Context(), search.Query{
			Text:      query.Get("q"),
			SessionID: strings.TrimSpace(query.Get("sessionId")),
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "sessions" {
		s.handleSessions(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodGet {
		sessions, err := s.service.ListSessions(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPost {
		var body StartSessionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.StartSession(r.Context(), body)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, outcome)
		return
	}

	if len(parts) == 3 && parts[2] == "upload" && r.Method == http.MethodPost {
		s.handleUpload(w, r)
		return
	}

	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	sessionID := parts[2]

	if len(parts) == 3 && r.Method == http.MethodGet {
		summary, err := s.service.GetSession(r.Context(), sessionID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": summary})
		return
	}

	if len(parts) == 4 && parts[3] == "initialize" && r.Method == http.MethodPost {
		var body StartSessionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.Initialize(r.Context(), sessionID, body)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
		return
	}

	if len(parts) >= 4 && parts[3] == "versions" && r.Method == http.MethodGet {
		s.handleVersions(w, r, sessionID, parts)
		return
	}

	if len(parts) == 4 && parts[3] == "messages" && r.Method == http.MethodGet {
		messages, err := s.service.Messages(r.Context(), sessionID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
		return
	}

	if len(parts) == 4 && parts[3] == "messages" && r.Method == http.MethodPost {
		var body MessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.SubmitMessage(r.Context(), sessionID, body)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
		return
	}

	if len(parts) == 5 && parts[3] == "actions" && r.Method == http.MethodPost {
		outcome, err := s.service.RunQuickAction(r.Context(), sessionID, parts[4])
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
		return
	}

	if len(parts) == 4 && parts[3] == "rollback" && r.Method == http.MethodPost {
		var body RollbackInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Rollback(r.Context(), sessionID, body)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(parts) >= 4 && parts[3] == "compare" && r.Method == http.MethodGet {
		from, err := queryInt(r, "from")
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		to, err := queryInt(r, "to")
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		input := CompareInput{From: from, To: to}

		if len(parts) == 5 && parts[4] == "report" {
			report, err := s.service.CompareReport(r.Context(), sessionID, input)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeFile(w, report, false)
			return
		}
		if len(parts) == 4 {
			comparison, err := s.service.Compare(r.Context(), sessionID, input)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, comparison)
			return
		}
	}

	if len(parts) == 4 && parts[3] == "commits" && r.Method == http.MethodGet {
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		commits, err := s.service.Commits(r.Context(), sessionID, limit)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
		return
	}

	if len(parts) == 5 && parts[3] == "commits" && r.Method == http.MethodGet {
		number, err := strconv.Atoi(parts[4])
		if err != nil || number < 1 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a positive integer", nil)
			return
		}
		content, err := s.service.CommittedContent(r.Context(), sessionID, number)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": number, "content": content})
		return
	}

	if len(parts) == 4 && parts[3] == "export" && r.Method == http.MethodGet {
		version, err := queryInt(r, "version")
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		result, err := s.service.Export(r.Context(), sessionID, r.URL.Query().Get("format"), version)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeFile(w, result, true)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, sessionID string, parts []string) {
	if len(parts) == 4 {
		versions, err := s.service.Versions(r.Context(), sessionID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
		return
	}

	if len(parts) == 5 && parts[4] == "latest" {
		version, err := s.service.LatestVersion(r.Context(), sessionID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": version})
		return
	}

	if len(parts) == 5 && parts[4] == "max" {
		maxVersion, err := s.service.MaxVersion(r.Context(), sessionID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"maxVersion": maxVersion})
		return
	}

	number, err := strconv.Atoi(parts[4])
	if err != nil || number < 1 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a positive integer", nil)
		return
	}

	if len(parts) == 5 {
		version, err := s.service.Version(r.Context(), sessionID, number)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": version})
		return
	}

	if len(parts) == 6 && parts[5] == "history" {
		contextLimit, err := queryInt(r, "contextLimit")
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		history, err := s.service.HistoryUntilVersion(r.Context(), sessionID, number, contextLimit)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, ingest.MaxSeedBytes+1<<20)
	if err := r.ParseMultipartForm(ingest.MaxSeedBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart form", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, ingest.MaxSeedBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read file", nil)
		return
	}
	if len(data) > ingest.MaxSeedBytes {
		s.writeMappedError(w, ingest.ErrTooLarge)
		return
	}

	outcome, err := s.service.StartSessionWithFile(r.Context(), StartSessionInput{
		ProductName:       r.FormValue("productName"),
		SeedText:          r.FormValue("seedText"),
		AdditionalContext: r.FormValue("additionalContext"),
	}, SeedFile{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setDefaultHeaders(writer.Header())
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.log.LogRequest(requestID, r.Method, r.URL.Path, writer.status, elapsed)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(routeLabel(r.URL.Path), writer.status, elapsed)
		}
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setDefaultHeaders(header http.Header) {
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// routeLabel collapses ids and version numbers so metric labels stay
// bounded.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "sessions" && parts[2] != "upload" {
		parts[2] = ":id"
		if len(parts) >= 5 && (parts[3] == "versions" || parts[3] == "commits") {
			if _, err := strconv.Atoi(parts[4]); err == nil {
				parts[4] = ":n"
			}
		}
		if len(parts) >= 5 && parts[3] == "actions" {
			parts[4] = ":action"
		}
	}
	if len(parts) > 6 {
		parts = parts[:6]
	}
	return "/" + strings.Join(parts, "/")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeFile(w http.ResponseWriter, result *export.Result, attachment bool) {
	w.Header().Set("Content-Type", result.MimeType)
	disposition := "inline"
	if attachment {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// queryInt reads an optional integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validationError(name + " must be an integer")
	}
	return value, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
