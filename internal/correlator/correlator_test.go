package correlator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"draftdesk/api/internal/store"
)

type fakeStore struct {
	versions map[int]store.Version
	messages []store.ChatMessage
	failWith error
}

func (f *fakeStore) GetVersion(_ context.Context, _ string, number int) (store.Version, error) {
	v, ok := f.versions[number]
	if !ok {
		return store.Version{}, store.ErrVersionNotFound
	}
	return v, nil
}

func (f *fakeStore) GetMessage(_ context.Context, _ string, id int64) (store.ChatMessage, error) {
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return store.ChatMessage{}, store.ErrMessageNotFound
}

func (f *fakeStore) MessagesBefore(_ context.Context, _ string, ts time.Time) ([]store.ChatMessage, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []store.ChatMessage
	for _, m := range f.sorted() {
		if m.CreatedAt.Before(ts) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) FirstAssistantAtOrAfter(_ context.Context, _ string, ts time.Time) (store.ChatMessage, error) {
	for _, m := range f.sorted() {
		if m.Role == store.RoleAssistant && !m.CreatedAt.Before(ts) {
			return m, nil
		}
	}
	return store.ChatMessage{}, store.ErrMessageNotFound
}

func (f *fakeStore) sorted() []store.ChatMessage {
	out := append([]store.ChatMessage(nil), f.messages...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return base.Add(time.Duration(seconds) * time.Second)
}

func TestFirstVersionUsesStoredPrompt(t *testing.T) {
	fs := &fakeStore{
		versions: map[int]store.Version{
			1: {SessionID: "S1", Number: 1, UserPrompt: "Create initial draft", CreatedAt: at(10)},
		},
		messages: []store.ChatMessage{
			{ID: 1, SessionID: "S1", Role: store.RoleAssistant, Content: "draft ready", CreatedAt: at(10)},
		},
	}

	history, err := New(fs).ChatHistoryUntilVersion(context.Background(), "S1", 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(history.ContextMessages) != 0 {
		t.Fatalf("expected no context for version 1, got %+v", history.ContextMessages)
	}
	if history.VersionMessage == nil || history.VersionMessage.Role != store.RoleUser || history.VersionMessage.Content != "Create initial draft" {
		t.Fatalf("unexpected version message %+v", history.VersionMessage)
	}
	if !history.VersionMessage.CreatedAt.Equal(at(10)) {
		t.Fatalf("expected version timestamp on synthesized message")
	}
	if history.AssistantResponse == nil || history.AssistantResponse.Content != "draft ready" {
		t.Fatalf("expected tied assistant reply, got %+v", history.AssistantResponse)
	}
}

func TestLaterVersionContextWindow(t *testing.T) {
	fs := &fakeStore{
		versions: map[int]store.Version{
			3: {SessionID: "S1", Number: 3, UserPrompt: "shorten it", CreatedAt: at(100)},
		},
	}
	for i := 0; i < 8; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		fs.messages = append(fs.messages, store.ChatMessage{ID: int64(i + 1), Role: role, Content: fmt.Sprintf("m%d", i), CreatedAt: at(i * 10)})
	}
	fs.messages = append(fs.messages,
		store.ChatMessage{ID: 20, Role: store.RoleAssistant, Content: "shortened", CreatedAt: at(101)},
		store.ChatMessage{ID: 21, Role: store.RoleAssistant, Content: "later", CreatedAt: at(150)},
	)

	history, err := New(fs).ChatHistoryUntilVersion(context.Background(), "S1", 3, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(history.ContextMessages) != 3 {
		t.Fatalf("expected 3 context messages, got %d", len(history.ContextMessages))
	}
	for i, want := range []string{"m5", "m6", "m7"} {
		if history.ContextMessages[i].Content != want {
			t.Fatalf("context[%d] = %q, want %q", i, history.ContextMessages[i].Content, want)
		}
	}
	if history.VersionMessage == nil || history.VersionMessage.Content != "shorten it" {
		t.Fatalf("unexpected version message %+v", history.VersionMessage)
	}
	if history.AssistantResponse == nil || history.AssistantResponse.Content != "shortened" {
		t.Fatalf("expected the nearest reply, got %+v", history.AssistantResponse)
	}
}

func TestContextLimitDefault(t *testing.T) {
	fs := &fakeStore{versions: map[int]store.Version{2: {Number: 2, CreatedAt: at(100)}}}
	for i := 0; i < 9; i++ {
		fs.messages = append(fs.messages, store.ChatMessage{ID: int64(i + 1), Role: store.RoleUser, CreatedAt: at(i)})
	}

	for _, limit := range []int{0, -3} {
		history, err := New(fs).ChatHistoryUntilVersion(context.Background(), "S1", 2, limit)
		if err != nil {
			t.Fatal(err)
		}
		if len(history.ContextMessages) != DefaultContextLimit {
			t.Fatalf("limit %d: expected %d context messages, got %d", limit, DefaultContextLimit, len(history.ContextMessages))
		}
	}
}

func TestLinkedOriginMessageWins(t *testing.T) {
	origin := int64(7)
	fs := &fakeStore{
		versions: map[int]store.Version{
			2: {SessionID: "S1", Number: 2, UserPrompt: "add pricing", OriginMessageID: &origin, CreatedAt: at(50)},
		},
		messages: []store.ChatMessage{
			{ID: 6, Role: store.RoleUser, Content: "add pricing", CreatedAt: at(20)},
			{ID: 7, Role: store.RoleUser, Content: "add pricing", CreatedAt: at(40)},
		},
	}

	history, err := New(fs).ChatHistoryUntilVersion(context.Background(), "S1", 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if history.VersionMessage == nil || history.VersionMessage.ID != 7 {
		t.Fatalf("expected linked message 7, got %+v", history.VersionMessage)
	}
	if history.AssistantResponse != nil {
		t.Fatalf("expected no assistant response yet, got %+v", history.AssistantResponse)
	}
}

func TestMissingPromptYieldsNilVersionMessage(t *testing.T) {
	missing := int64(99)
	fs := &fakeStore{versions: map[int]store.Version{
		1: {Number: 1, CreatedAt: at(0)},
		2: {Number: 2, OriginMessageID: &missing, CreatedAt: at(5)},
	}}

	for _, n := range []int{1, 2} {
		history, err := New(fs).ChatHistoryUntilVersion(context.Background(), "S1", n, 5)
		if err != nil {
			t.Fatalf("version %d: %v", n, err)
		}
		if history.VersionMessage != nil {
			t.Fatalf("version %d: expected nil version message", n)
		}
	}
}

func TestDuplicateTimestamps(t *testing.T) {
	fs := &fakeStore{
		versions: map[int]store.Version{2: {Number: 2, UserPrompt: "x", CreatedAt: at(10)}},
		messages: []store.ChatMessage{
			{ID: 1, Role: store.RoleUser, Content: "same tick user", CreatedAt: at(10)},
			{ID: 2, Role: store.RoleAssistant, Content: "same tick reply", CreatedAt: at(10)},
			{ID: 3, Role: store.RoleAssistant, Content: "second reply", CreatedAt: at(10)},
		},
	}

	history, err := New(fs).ChatHistoryUntilVersion(context.Background(), "S1", 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(history.ContextMessages) != 0 {
		t.Fatalf("messages at the version timestamp are not context: %+v", history.ContextMessages)
	}
	if history.AssistantResponse == nil || history.AssistantResponse.ID != 2 {
		t.Fatalf("expected first tied reply, got %+v", history.AssistantResponse)
	}
}

func TestVersionNotFound(t *testing.T) {
	_, err := New(&fakeStore{}).ChatHistoryUntilVersion(context.Background(), "S1", 4, 5)
	if !errors.Is(err, store.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	boom := errors.New("disk gone")
	fs := &fakeStore{
		versions: map[int]store.Version{2: {Number: 2, CreatedAt: at(1)}},
		failWith: boom,
	}
	_, err := New(fs).ChatHistoryUntilVersion(context.Background(), "S1", 2, 5)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestSameSecondRepliesInLegacyDatabase(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.DialectSQLite, filepath.Join(t.TempDir(), "prd_versions.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	// Second-resolution rows as written by CURRENT_TIMESTAMP defaults.
	seed := `
		CREATE TABLE sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT UNIQUE NOT NULL,
			product_name TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			content TEXT NOT NULL,
			section_name TEXT,
			change_description TEXT,
			user_prompt TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO sessions (session_id, product_name, created_at, updated_at)
			VALUES ('S1', 'Widget', '2024-03-01 10:05:00', '2024-03-01 10:06:00');
		INSERT INTO versions (session_id, version_number, content, user_prompt, created_at)
			VALUES ('S1', 1, '# Widget v1', 'Product: Widget', '2024-03-01 10:05:00');
		INSERT INTO chat_messages (session_id, message_type, content, created_at)
			VALUES ('S1', 'assistant', 'A1', '2024-03-01 10:05:00');
		INSERT INTO chat_messages (session_id, message_type, content, created_at)
			VALUES ('S1', 'user', 'Add pricing', '2024-03-01 10:06:00');
		INSERT INTO versions (session_id, version_number, content, user_prompt, created_at)
			VALUES ('S1', 2, '# Widget v2', 'Add pricing', '2024-03-01 10:06:00');
		INSERT INTO chat_messages (session_id, message_type, content, created_at)
			VALUES ('S1', 'assistant', 'A2', '2024-03-01 10:06:00');
	`
	if _, err := db.ExecContext(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.ApplyMigrations(ctx, db, store.DialectSQLite, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	c := New(store.NewSQLStore(db, store.DialectSQLite))

	first, err := c.ChatHistoryUntilVersion(ctx, "S1", 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if first.AssistantResponse == nil || first.AssistantResponse.Content != "A1" {
		t.Fatalf("reply for v1 = %+v", first.AssistantResponse)
	}

	second, err := c.ChatHistoryUntilVersion(ctx, "S1", 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.ContextMessages) != 1 || second.ContextMessages[0].Content != "A1" {
		t.Fatalf("context for v2 = %+v", second.ContextMessages)
	}
	if second.VersionMessage == nil || second.VersionMessage.Content != "Add pricing" {
		t.Fatalf("version message for v2 = %+v", second.VersionMessage)
	}
	if second.AssistantResponse == nil || second.AssistantResponse.Content != "A2" {
		t.Fatalf("reply for v2 = %+v", second.AssistantResponse)
	}
}
