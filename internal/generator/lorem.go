package generator

import (
	"context"
	"strings"
	"sync"

	lorem "github.com/bozaro/golorem"
)

// LoremClient writes placeholder markdown without calling a model. It
// honours MaxTokens roughly (one token per word) and never fails.
type LoremClient struct {
	mu  sync.Mutex
	gen *lorem.Lorem
}

func NewLoremClient() *LoremClient {
	return &LoremClient{gen: lorem.New()}
}

func (l *LoremClient) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	maxWords := prompt.MaxTokens
	if maxWords <= 0 {
		maxWords = 400
	}
	if maxWords <= 200 {
		return l.gen.Sentence(5, 15), nil
	}

	var sb strings.Builder
	sb.WriteString("# ")
	sb.WriteString(strings.TrimSuffix(l.gen.Sentence(2, 4), "."))
	sb.WriteString("\n\n")
	words := 0
	for words < maxWords/4 {
		sb.WriteString("## ")
		sb.WriteString(strings.TrimSuffix(l.gen.Sentence(1, 3), "."))
		sb.WriteString("\n\n")
		paragraph := l.gen.Paragraph(3, 5)
		sb.WriteString(paragraph)
		sb.WriteString("\n\n")
		words += len(strings.Fields(paragraph))
	}
	return strings.TrimSpace(sb.String()), nil
}
