package export

import (
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"draftdesk/api/internal/diff"
	"draftdesk/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	GetVersion(ctx context.Context, sessionID string, number int) (store.Version, error)
	GetLatestVersion(ctx context.Context, sessionID string) (store.Version, error)
}

// Service provides draft export functionality
type Service struct {
	store DataStore
	now   func() time.Time
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	session, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var version store.Version
	if req.Version > 0 {
		version, err = s.store.GetVersion(ctx, req.SessionID, req.Version)
	} else {
		version, err = s.store.GetLatestVersion(ctx, req.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}

	base := DownloadName(session.ProductName, s.now())

	if req.Format == FormatMarkdown || req.Format == "" {
		return &Result{
			Data:     []byte(version.Content),
			Filename: base + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	}

	switch req.Format {
	case FormatHTML, FormatPDF:
		body, err := MarkdownToHTML(version.Content)
		if err != nil {
			return nil, fmt.Errorf("convert markdown: %w", err)
		}
		html, err := RenderDocumentHTML(TemplateData{
			Title:       session.ProductName,
			ContentHTML: template.HTML(body),
			Version:     version.Number,
			Section:     version.SectionName,
			Description: version.ChangeDescription,
			UpdatedAt:   version.CreatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		if req.Format == FormatPDF {
			return exportPDF(ctx, html, base)
		}
		return &Result{
			Data:     []byte(html),
			Filename: base + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatDOCX:
		return exportDOCX(ctx, version.Content, base)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// DiffReport renders a standalone HTML page comparing two versions.
func (s *Service) DiffReport(ctx context.Context, sessionID string, from, to int) (*Result, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	oldVersion, err := s.store.GetVersion(ctx, sessionID, from)
	if err != nil {
		return nil, fmt.Errorf("get version %d: %w", from, err)
	}
	newVersion, err := s.store.GetVersion(ctx, sessionID, to)
	if err != nil {
		return nil, fmt.Errorf("get version %d: %w", to, err)
	}

	fromLabel, toLabel := fmt.Sprintf("Version %d", from), fmt.Sprintf("Version %d", to)
	panels, err := diff.RenderHTML(diff.SideBySide(oldVersion.Content, newVersion.Content), fromLabel, toLabel)
	if err != nil {
		return nil, fmt.Errorf("render side by side: %w", err)
	}
	unified, err := diff.Unified(oldVersion.Content, newVersion.Content, fromLabel, toLabel, 3)
	if err != nil {
		return nil, fmt.Errorf("render unified diff: %w", err)
	}

	html, err := RenderDiffReportHTML(DiffReportData{
		Title:     session.ProductName,
		FromLabel: fromLabel,
		ToLabel:   toLabel,
		Stats:     diff.ChangeStats(oldVersion.Content, newVersion.Content),
		Panels:    template.HTML(panels),
		Unified:   unified,
	})
	if err != nil {
		return nil, fmt.Errorf("render diff report: %w", err)
	}
	return &Result{
		Data:     []byte(html),
		Filename: fmt.Sprintf("%s_diff_v%d_v%d.html", sanitizeFilename(session.ProductName), from, to),
		MimeType: "text/html; charset=utf-8",
	}, nil
}

// DownloadName is PRD_<product>_<YYYYmmdd_HHMMSS> with spaces replaced by
// underscores.
func DownloadName(productName string, at time.Time) string {
	return fmt.Sprintf("PRD_%s_%s", sanitizeFilename(productName), at.Format("20060102_150405"))
}

// sanitizeFilename keeps letters, digits, hyphens and underscores. Spaces
// become underscores.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}
