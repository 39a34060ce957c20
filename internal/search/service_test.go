package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"draftdesk/api/internal/store"
)

type fakeEngine struct {
	mu      sync.Mutex
	healthy bool
	hits    []store.VersionHit
	err     error
	indexed []VersionRecord
	deleted []string
}

func (f *fakeEngine) Search(Query) ([]store.VersionHit, int, error) {
	return f.hits, len(f.hits), f.err
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) IndexVersion(v VersionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, v)
	return nil
}

func (f *fakeEngine) IndexVersions(records []VersionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, records...)
	return nil
}

func (f *fakeEngine) DeleteVersion(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeEngine) snapshot() ([]VersionRecord, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]VersionRecord(nil), f.indexed...), append([]string(nil), f.deleted...)
}

type fakeFallback struct {
	calls int
	hits  []store.VersionHit
	err   error
}

func (f *fakeFallback) SearchVersions(_ context.Context, _, _ string, _ int) ([]store.VersionHit, error) {
	f.calls++
	return f.hits, f.err
}

func TestSearchPrefersHealthyMeili(t *testing.T) {
	engine := &fakeEngine{healthy: true, hits: []store.VersionHit{{SessionID: "S1", Number: 2}}}
	fallback := &fakeFallback{}
	resp := NewService(engine, fallback, nil).Search(context.Background(), Query{Text: "pricing"})

	if resp.Source != "meilisearch" || len(resp.Results) != 1 || fallback.calls != 0 {
		t.Fatalf("unexpected response %+v (fallback calls %d)", resp, fallback.calls)
	}
}

func TestSearchFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		engine Engine
	}{
		{name: "not configured", engine: nil},
		{name: "unhealthy", engine: &fakeEngine{healthy: false}},
		{name: "meili error", engine: &fakeEngine{healthy: true, err: errors.New("timeout")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback := &fakeFallback{hits: []store.VersionHit{{SessionID: "S1", Number: 1}}}
			resp := NewService(tt.engine, fallback, nil).Search(context.Background(), Query{Text: "x"})
			if resp.Source != "store" || resp.Total != 1 || fallback.calls != 1 {
				t.Fatalf("unexpected response %+v", resp)
			}
		})
	}
}

func TestSearchFallbackErrorReturnsEmpty(t *testing.T) {
	resp := NewService(nil, &fakeFallback{err: errors.New("db down")}, nil).Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp.Results)
	}
}

func TestIndexAndDeleteAreAsync(t *testing.T) {
	engine := &fakeEngine{healthy: true}
	svc := NewService(engine, &fakeFallback{}, nil)

	svc.IndexVersion("Widget", store.Version{SessionID: "S1", Number: 3, Content: "body"})
	svc.DeleteVersions("S1", 1, 3)

	deadline := time.Now().Add(2 * time.Second)
	for {
		indexed, deleted := engine.snapshot()
		if len(indexed) == 1 && len(deleted) == 2 {
			if indexed[0].ID != "S1_v3" || indexed[0].ProductName != "Widget" {
				t.Fatalf("unexpected record %+v", indexed[0])
			}
			if deleted[0] != "S1_v2" || deleted[1] != "S1_v3" {
				t.Fatalf("unexpected deletions %v", deleted)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: indexed=%v deleted=%v", indexed, deleted)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIndexSkippedWhenUnhealthy(t *testing.T) {
	engine := &fakeEngine{healthy: false}
	svc := NewService(engine, &fakeFallback{}, nil)
	svc.Reindex([]VersionRecord{{ID: "S1_v1"}})
	svc.IndexVersion("Widget", store.Version{SessionID: "S1", Number: 1})
	time.Sleep(10 * time.Millisecond)
	if indexed, _ := engine.snapshot(); len(indexed) != 0 {
		t.Fatalf("expected nothing indexed, got %v", indexed)
	}
}

func TestHitToVersion(t *testing.T) {
	hit := meili.Hit{
		"sessionId":     json.RawMessage(`"S1"`),
		"productName":   json.RawMessage(`"Widget"`),
		"versionNumber": json.RawMessage(`4`),
		"content":       json.RawMessage(`"long content"`),
		"_formatted":    json.RawMessage(`{"content":"…<mark>content</mark>", "versionNumber":"4"}`),
	}
	got := hitToVersion(hit)
	if got.SessionID != "S1" || got.ProductName != "Widget" || got.Number != 4 {
		t.Fatalf("unexpected hit %+v", got)
	}
	if got.Snippet != "…<mark>content</mark>" {
		t.Fatalf("expected highlighted snippet, got %q", got.Snippet)
	}
}
