package export

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"draftdesk/api/internal/diff"
)

var (
	documentTemplate   = template.Must(template.New("document").Parse(documentHTML))
	diffReportTemplate = template.Must(template.New("diff-report").Funcs(template.FuncMap{
		"percent": formatPercent,
	}).Parse(diffReportHTML))
)

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	ContentHTML template.HTML
	Version     int
	Section     string
	Description string
	UpdatedAt   time.Time
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type DiffReportData struct {
	Title     string
	FromLabel string
	ToLabel   string
	Stats     diff.Stats
	Panels    template.HTML
	Unified   string
}

func RenderDiffReportHTML(data DiffReportData) (string, error) {
	var buf bytes.Buffer
	if err := diffReportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func formatPercent(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

const documentHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
  </style>
</head>
<body>
  <div class="meta">{{.Title}} | Version {{.Version}}{{if .Section}} | {{.Section}}{{end}} | {{.UpdatedAt.Format "Jan 2, 2006 15:04"}}</div>
  {{if .Description}}<p class="meta">{{.Description}}</p>{{end}}
  <div>{{.ContentHTML}}</div>
</body>
</html>`

const diffReportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}: {{.FromLabel}} vs {{.ToLabel}}</title>
  <style>
    body { font-family: Arial, sans-serif; margin: 2rem; }
    .stats span { margin-right: 1.5rem; }
    .diff-side-by-side { display: flex; gap: 20px; }
    .diff-panel { flex: 1; }
    .diff-lines { border: 1px solid #ddd; padding: 10px; background: #f8f9fa; max-height: 400px; overflow-y: auto; }
    .diff-line { padding: 2px; white-space: pre-wrap; }
    .diff-added { background-color: #d4edda; color: #155724; border-left: 3px solid #28a745; }
    .diff-removed { background-color: #f8d7da; color: #721c24; border-left: 3px solid #dc3545; }
    pre { background: #f8f9fa; padding: 10px; overflow-x: auto; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <h2>{{.FromLabel}} vs {{.ToLabel}}</h2>
  <div class="stats">
    <span>Lines added: {{.Stats.LinesAdded}}</span>
    <span>Lines removed: {{.Stats.LinesRemoved}}</span>
    <span>Total changes: {{.Stats.LinesChanged}}</span>
    <span>Similarity: {{percent .Stats.SimilarityRatio}}</span>
  </div>
  {{.Panels}}
  {{if .Unified}}<h3>Unified diff</h3><pre>{{.Unified}}</pre>{{end}}
</body>
</html>`
