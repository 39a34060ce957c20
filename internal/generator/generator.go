// Package generator is the boundary with the text-generation service. The
// rest of the application only sees Result values; errors from the remote
// model never cross this package as Go errors.
package generator

import "context"

// Client abstracts the model backend so it can be swapped or faked.
type Client interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

type Prompt struct {
	System      string
	User        string
	Model       string
	Temperature float64
	MaxTokens   int
	History     []Message
}

type Message struct {
	Role    string
	Content string
}

// Result is either a generated text or a failure reason, never both.
type Result struct {
	ok     bool
	text   string
	reason string
}

func Succeeded(text string) Result {
	return Result{ok: true, text: text}
}

func Failed(reason string) Result {
	return Result{reason: reason}
}

func (r Result) OK() bool {
	return r.ok
}

func (r Result) Text() string {
	return r.text
}

func (r Result) Reason() string {
	return r.reason
}
