package diff

import (
	"bytes"
	"html/template"
)

type Mark string

const (
	MarkUnchanged Mark = "unchanged"
	MarkAdded     Mark = "added"
	MarkRemoved   Mark = "removed"
)

type Line struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
	Mark   Mark   `json:"mark"`
}

// SideBySideView holds two independent panels. Rows are not aligned
// across panels.
type SideBySideView struct {
	Old []Line `json:"old"`
	New []Line `json:"new"`
}

// SideBySide marks removed lines in the old panel and added lines in the
// new panel. Lines no opcode covers are appended unmarked.
func SideBySide(oldText, newText string) SideBySideView {
	m, a, b := matcher(oldText, newText)
	ops := convert(m.GetOpCodes())

	view := SideBySideView{Old: make([]Line, 0, len(a)), New: make([]Line, 0, len(b))}
	oldSeen := make([]bool, len(a))
	newSeen := make([]bool, len(b))

	for _, op := range ops {
		var mark Mark
		switch op.Tag {
		case TagEqual:
			mark = MarkUnchanged
		case TagDelete, TagReplace:
			mark = MarkRemoved
		default:
			continue
		}
		for i := op.I1; i < op.I2 && i < len(a); i++ {
			view.Old = append(view.Old, Line{Number: i + 1, Text: a[i], Mark: mark})
			oldSeen[i] = true
		}
	}
	for i, seen := range oldSeen {
		if !seen {
			view.Old = append(view.Old, Line{Number: i + 1, Text: a[i], Mark: MarkUnchanged})
		}
	}

	for _, op := range ops {
		var mark Mark
		switch op.Tag {
		case TagEqual:
			mark = MarkUnchanged
		case TagInsert, TagReplace:
			mark = MarkAdded
		default:
			continue
		}
		for j := op.J1; j < op.J2 && j < len(b); j++ {
			view.New = append(view.New, Line{Number: j + 1, Text: b[j], Mark: mark})
			newSeen[j] = true
		}
	}
	for j, seen := range newSeen {
		if !seen {
			view.New = append(view.New, Line{Number: j + 1, Text: b[j], Mark: MarkUnchanged})
		}
	}

	return view
}

var sideBySideTemplate = template.Must(template.New("sidebyside").Parse(`<div class="diff-side-by-side">
<div class="diff-panel diff-old"><h4>{{.OldLabel}}</h4><div class="diff-lines">
{{- range .View.Old}}<div class="diff-line diff-{{.Mark}}" data-line="{{.Number}}">{{.Text}}</div>{{end -}}
</div></div>
<div class="diff-panel diff-new"><h4>{{.NewLabel}}</h4><div class="diff-lines">
{{- range .View.New}}<div class="diff-line diff-{{.Mark}}" data-line="{{.Number}}">{{.Text}}</div>{{end -}}
</div></div>
</div>`))

// RenderHTML renders the view as two escaped HTML panels.
func RenderHTML(view SideBySideView, oldLabel, newLabel string) (string, error) {
	var buf bytes.Buffer
	err := sideBySideTemplate.Execute(&buf, struct {
		View               SideBySideView
		OldLabel, NewLabel string
	}{view, oldLabel, newLabel})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
