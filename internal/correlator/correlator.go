// Package correlator reconstructs the conversation around a historical
// version: the messages leading up to it, the request that produced it and
// the assistant reply that followed.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"draftdesk/api/internal/store"
)

const DefaultContextLimit = 5

// Store is the slice of the version store the correlator reads from.
type Store interface {
	GetVersion(ctx context.Context, sessionID string, number int) (store.Version, error)
	GetMessage(ctx context.Context, sessionID string, id int64) (store.ChatMessage, error)
	MessagesBefore(ctx context.Context, sessionID string, ts time.Time) ([]store.ChatMessage, error)
	FirstAssistantAtOrAfter(ctx context.Context, sessionID string, ts time.Time) (store.ChatMessage, error)
}

// History is the view of one version. VersionMessage and AssistantResponse
// are nil when nothing matches; that is not an error.
type History struct {
	SessionID         string              `json:"sessionId"`
	Version           int                 `json:"version"`
	ContextMessages   []store.ChatMessage `json:"contextMessages"`
	VersionMessage    *store.ChatMessage  `json:"versionMessage"`
	AssistantResponse *store.ChatMessage  `json:"assistantResponse"`
}

type Correlator struct {
	store Store
}

func New(s Store) *Correlator {
	return &Correlator{store: s}
}

// ChatHistoryUntilVersion returns store.ErrVersionNotFound when the version
// does not exist. contextLimit <= 0 selects DefaultContextLimit.
func (c *Correlator) ChatHistoryUntilVersion(ctx context.Context, sessionID string, number, contextLimit int) (History, error) {
	if contextLimit <= 0 {
		contextLimit = DefaultContextLimit
	}

	version, err := c.store.GetVersion(ctx, sessionID, number)
	if err != nil {
		return History{}, err
	}

	history := History{
		SessionID:       sessionID,
		Version:         number,
		ContextMessages: []store.ChatMessage{},
	}

	history.VersionMessage, err = c.versionMessage(ctx, version)
	if err != nil {
		return History{}, err
	}

	if number > 1 {
		before, err := c.store.MessagesBefore(ctx, sessionID, version.CreatedAt)
		if err != nil {
			return History{}, fmt.Errorf("load context messages: %w", err)
		}
		if len(before) > contextLimit {
			before = before[len(before)-contextLimit:]
		}
		history.ContextMessages = before
	}

	reply, err := c.store.FirstAssistantAtOrAfter(ctx, sessionID, version.CreatedAt)
	switch {
	case errors.Is(err, store.ErrMessageNotFound):
	case err != nil:
		return History{}, fmt.Errorf("load assistant response: %w", err)
	default:
		history.AssistantResponse = &reply
	}

	return history, nil
}

// versionMessage prefers the linked originating message. Rows without a
// link fall back to the prompt copied onto the version.
func (c *Correlator) versionMessage(ctx context.Context, version store.Version) (*store.ChatMessage, error) {
	if version.OriginMessageID != nil {
		message, err := c.store.GetMessage(ctx, version.SessionID, *version.OriginMessageID)
		switch {
		case err == nil:
			return &message, nil
		case !errors.Is(err, store.ErrMessageNotFound):
			return nil, fmt.Errorf("load origin message: %w", err)
		}
	}
	if version.UserPrompt == "" {
		return nil, nil
	}
	return &store.ChatMessage{
		SessionID: version.SessionID,
		Role:      store.RoleUser,
		Content:   version.UserPrompt,
		CreatedAt: version.CreatedAt,
	}, nil
}
