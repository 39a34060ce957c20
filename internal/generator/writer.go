package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var ErrRateLimited = errors.New("rate limit exceeded, please try again later")

const (
	summaryExcerptRunes = 1000
	SummaryFallback     = "Unable to generate change summary"
)

// Models overrides the model named in the catalog. Empty fields keep the
// catalog value.
type Models struct {
	Initial string
	Update  string
	Summary string
}

type InitialInput struct {
	ProductName       string
	Seed              string
	AdditionalContext string
}

type UpdateInput struct {
	ProductName       string
	Current           string
	Request           string
	AdditionalContext string
}

// Writer turns drafting requests into prompts and model output into
// Results.
type Writer struct {
	client  Client
	catalog *Catalog
	models  Models
}

func NewWriter(client Client, catalog *Catalog, models Models) *Writer {
	return &Writer{client: client, catalog: catalog, models: models}
}

func (w *Writer) Initial(ctx context.Context, in InitialInput) Result {
	prompt, err := w.catalog.Initial.render(in)
	if err != nil {
		return Failed(fmt.Sprintf("render initial prompt: %v", err))
	}
	if w.models.Initial != "" {
		prompt.Model = w.models.Initial
	}
	return w.complete(ctx, prompt)
}

func (w *Writer) Update(ctx context.Context, in UpdateInput) Result {
	prompt, err := w.catalog.Update.render(in)
	if err != nil {
		return Failed(fmt.Sprintf("render update prompt: %v", err))
	}
	if w.models.Update != "" {
		prompt.Model = w.models.Update
	}
	return w.complete(ctx, prompt)
}

// Summarize describes the change between two drafts. It always returns
// text; any failure yields SummaryFallback.
func (w *Writer) Summarize(ctx context.Context, oldText, newText string) string {
	prompt, err := w.catalog.Summary.render(struct{ Old, New string }{
		Old: excerpt(oldText, summaryExcerptRunes),
		New: excerpt(newText, summaryExcerptRunes),
	})
	if err != nil {
		return SummaryFallback
	}
	if w.models.Summary != "" {
		prompt.Model = w.models.Summary
	}
	result := w.complete(ctx, prompt)
	if !result.OK() {
		return SummaryFallback
	}
	return result.Text()
}

func (w *Writer) QuickAction(name string) (string, bool) {
	action, ok := w.catalog.QuickAction(name)
	if !ok {
		return "", false
	}
	return action.Request, true
}

func (w *Writer) QuickActions() []QuickAction {
	return append([]QuickAction(nil), w.catalog.QuickActions...)
}

func (w *Writer) complete(ctx context.Context, prompt Prompt) Result {
	text, err := w.client.Complete(ctx, prompt)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return Failed("generation timed out")
		case errors.Is(err, context.Canceled):
			return Failed("generation cancelled")
		default:
			return Failed(err.Error())
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Failed("the writer returned an empty draft")
	}
	return Succeeded(text)
}

func excerpt(value string, max int) string {
	if utf8.RuneCountInString(value) <= max {
		return value
	}
	return string([]rune(value)[:max])
}
