package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"draftdesk/api/internal/correlator"
	"draftdesk/api/internal/export"
	"draftdesk/api/internal/generator"
	"draftdesk/api/internal/gitrepo"
	"draftdesk/api/internal/metrics"
	"draftdesk/api/internal/orchestrator"
	"draftdesk/api/internal/search"
	"draftdesk/api/internal/store"
)

type fakeClient struct {
	calls int
	err   error
}

func (f *fakeClient) Complete(_ context.Context, p generator.Prompt) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if p.MaxTokens <= 200 {
		return "Adjusted wording", nil
	}
	return fmt.Sprintf("# Widget PRD\n\n## Executive Summary\nrevision %d\n", f.calls), nil
}

type fakeArchive struct {
	keys []string
}

func (f *fakeArchive) Put(_ context.Context, sessionID, filename, _ string, _ []byte) (string, error) {
	key := sessionID + "/" + filename
	f.keys = append(f.keys, key)
	return key, nil
}

type testEnv struct {
	server  http.Handler
	client  *fakeClient
	archive *fakeArchive
	store   *store.SQLStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DialectSQLite, filepath.Join(t.TempDir(), "draftdesk.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db, store.DialectSQLite, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	st := store.NewSQLStore(db, store.DialectSQLite)

	catalog, err := generator.LoadCatalog("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	client := &fakeClient{}
	writer := generator.NewWriter(client, catalog, generator.Models{})
	m := metrics.New(nil)
	mirror := gitrepo.New(t.TempDir())
	orch := orchestrator.New(st, writer, orchestrator.Options{Metrics: m, Mirror: mirror})
	archive := &fakeArchive{}

	svc := New(Deps{
		Store:        st,
		Sessions:     orch,
		History:      correlator.New(st),
		Search:       search.NewService(nil, st, nil),
		Export:       export.NewService(st),
		Archive:      archive,
		Commits:      mirror,
		QuickActions: writer.QuickActions(),
	})
	return &testEnv{
		server:  NewHTTPServer(svc, "*", m, nil).Handler(),
		client:  client,
		archive: archive,
		store:   st,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func (e *testEnv) startSession(t *testing.T) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"productName": "Widget",
		"seedText":    "Buyers want something small",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var outcome orchestrator.Outcome
	decode(t, rr, &outcome)
	if outcome.SessionID == "" || outcome.Version == nil || outcome.Version.Number != 1 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	return outcome.SessionID
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

type fakePinger struct {
	dataStore
	pingFn func(context.Context) error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.pingFn(ctx) }

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadyEndpoint(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		dbErr      error
		checks     map[string]Pinger
		wantCode   int
		wantOK     bool
		wantFailed string
	}{
		{name: "database ok", wantCode: http.StatusOK, wantOK: true},
		{name: "database down", dbErr: errors.New("connection refused"), wantCode: http.StatusServiceUnavailable, wantFailed: "database"},
		{name: "redis ok", checks: map[string]Pinger{"redis": ok}, wantCode: http.StatusOK, wantOK: true},
		{name: "redis down", checks: map[string]Pinger{"redis": down}, wantCode: http.StatusServiceUnavailable, wantFailed: "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(Deps{
				Store:       &fakePinger{pingFn: func(context.Context) error { return tt.dbErr }},
				ReadyChecks: tt.checks,
			})
			rr := httptest.NewRecorder()
			NewHTTPServer(svc, "*", nil, nil).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rr.Code)
			}
			var response struct {
				OK     bool                         `json:"ok"`
				Checks map[string]map[string]string `json:"checks"`
			}
			decode(t, rr, &response)
			if response.OK != tt.wantOK {
				t.Fatalf("unexpected ready payload %s", rr.Body.String())
			}
			if len(response.Checks) != 1+len(tt.checks) {
				t.Fatalf("unexpected checks %v", response.Checks)
			}
			if tt.wantFailed != "" && response.Checks[tt.wantFailed]["status"] != "error" {
				t.Fatalf("expected %s to fail, got %v", tt.wantFailed, response.Checks)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:8501")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)
	base := "/api/sessions/" + id

	rr := env.do(t, http.MethodPost, base+"/messages", map[string]any{"content": "Add pricing"})
	if rr.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	var outcome orchestrator.Outcome
	decode(t, rr, &outcome)
	if outcome.Version == nil || outcome.Version.Number != 2 || outcome.Version.ChangeDescription != "Adjusted wording" {
		t.Fatalf("unexpected submit outcome %+v", outcome)
	}

	rr = env.do(t, http.MethodPost, base+"/actions/simplify", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("quick action: %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, base+"/versions/max", nil)
	var maxPayload struct {
		MaxVersion int `json:"maxVersion"`
	}
	decode(t, rr, &maxPayload)
	if maxPayload.MaxVersion != 3 {
		t.Fatalf("maxVersion = %d", maxPayload.MaxVersion)
	}

	rr = env.do(t, http.MethodGet, base+"/versions", nil)
	var versions struct {
		Versions []store.Version `json:"versions"`
	}
	decode(t, rr, &versions)
	if len(versions.Versions) != 3 || versions.Versions[0].Number != 3 {
		t.Fatalf("unexpected versions %+v", versions.Versions)
	}

	rr = env.do(t, http.MethodGet, base+"/versions/2/history", nil)
	var history correlator.History
	decode(t, rr, &history)
	if history.VersionMessage == nil || history.VersionMessage.Content != "Add pricing" {
		t.Fatalf("unexpected version message %+v", history.VersionMessage)
	}
	if history.AssistantResponse == nil || !strings.HasPrefix(history.AssistantResponse.Content, "I've updated the PRD") {
		t.Fatalf("unexpected assistant response %+v", history.AssistantResponse)
	}
	if len(history.ContextMessages) != 2 || history.ContextMessages[1].Content != "Add pricing" {
		t.Fatalf("expected the initial reply and the request as context, got %+v", history.ContextMessages)
	}

	rr = env.do(t, http.MethodGet, base+"/compare?from=1&to=2", nil)
	var comparison Comparison
	decode(t, rr, &comparison)
	if comparison.Stats.LinesAdded != 1 || comparison.Stats.LinesRemoved != 1 || !strings.Contains(comparison.Unified, "--- Version 1") {
		t.Fatalf("unexpected comparison %+v", comparison)
	}

	rr = env.do(t, http.MethodGet, base+"/compare/report?from=1&to=2", nil)
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("report: %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}

	rr = env.do(t, http.MethodPost, base+"/rollback", map[string]any{"version": 1})
	if rr.Code != http.StatusOK {
		t.Fatalf("rollback: %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodGet, base+"/versions/2", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after rollback, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, base, nil)
	var summary struct {
		Session SessionSummary `json:"session"`
	}
	decode(t, rr, &summary)
	if summary.Session.State != orchestrator.StateRolledBack || summary.Session.LatestVersion != 1 {
		t.Fatalf("unexpected summary %+v", summary.Session)
	}
}

func TestGenerationFailureIsReturnedAsMessage(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)
	env.client.err = errors.New("model overloaded")

	rr := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{"content": "Add pricing"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var outcome orchestrator.Outcome
	decode(t, rr, &outcome)
	if outcome.Failure != "model overloaded" || outcome.Assistant.Content != "Sorry, I encountered an error: model overloaded" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestErrorResponses(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)
	base := "/api/sessions/" + id

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"unknown session", http.MethodGet, "/api/sessions/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"unknown version", http.MethodGet, base + "/versions/7", nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad version number", http.MethodGet, base + "/versions/abc", nil, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"missing product", http.MethodPost, "/api/sessions", map[string]any{"productName": "  "}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"empty message", http.MethodPost, base + "/messages", map[string]any{"content": ""}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"rollback to zero", http.MethodPost, base + "/rollback", map[string]any{"version": 0}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"rollback missing target", http.MethodPost, base + "/rollback", map[string]any{"version": 9}, http.StatusNotFound, "NOT_FOUND"},
		{"compare without range", http.MethodGet, base + "/compare", nil, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"unknown action", http.MethodPost, base + "/actions/translate", nil, http.StatusNotFound, "NOT_FOUND"},
		{"already initialized", http.MethodPost, base + "/initialize", map[string]any{}, http.StatusConflict, "ALREADY_INITIALIZED"},
		{"bad export format", http.MethodGet, base + "/export?format=odt", nil, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"empty search", http.MethodGet, "/api/search?q=", nil, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"unknown route", http.MethodGet, "/api/nowhere", nil, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
			var payload map[string]any
			decode(t, rr, &payload)
			if payload["code"] != tt.wantErr {
				t.Fatalf("code = %v, want %s", payload["code"], tt.wantErr)
			}
		})
	}
}

func TestMapErrorStatuses(t *testing.T) {
	status, code, _, _ := mapError(fmt.Errorf("create: %w", store.ErrDuplicateSession))
	if status != http.StatusConflict || code != "DUPLICATE_SESSION" {
		t.Fatalf("mapError() = %d %s", status, code)
	}
	status, code, _, _ = mapError(&store.StorageError{Op: "save version", Err: errors.New("disk I/O error")})
	if status != http.StatusInternalServerError || code != "STORAGE_ERROR" {
		t.Fatalf("mapError() = %d %s", status, code)
	}
	status, code, _, _ = mapError(orchestrator.ErrGenerationInFlight)
	if status != http.StatusConflict || code != "GENERATION_IN_FLIGHT" {
		t.Fatalf("mapError() = %d %s", status, code)
	}
}

func TestExportMarkdownDownload(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)

	rr := env.do(t, http.MethodGet, "/api/sessions/"+id+"/export", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rr.Code, rr.Body.String())
	}
	disposition := rr.Header().Get("Content-Disposition")
	if !strings.HasPrefix(disposition, `attachment; filename="PRD_Widget_`) || !strings.HasSuffix(disposition, `.md"`) {
		t.Fatalf("Content-Disposition = %q", disposition)
	}
	if !strings.Contains(rr.Body.String(), "# Widget PRD") {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestSearchFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	env.startSession(t)

	rr := env.do(t, http.MethodGet, "/api/search?q=executive", nil)
	var response search.Response
	decode(t, rr, &response)
	if response.Source != "store" || response.Total != 1 || response.Results[0].ProductName != "Widget" {
		t.Fatalf("unexpected search response %+v", response)
	}
}

func TestUploadStartsSessionFromFile(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("productName", "Widget")
	part, err := mw.CreateFormFile("file", "mrd.md")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte("# Market\n\nBuyers want **small** widgets.\n"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rr.Code, rr.Body.String())
	}
	var outcome orchestrator.Outcome
	decode(t, rr, &outcome)
	if outcome.Version == nil || !strings.Contains(outcome.Version.UserPrompt, "MRD Content: Market") {
		t.Fatalf("seed text not used: %+v", outcome.Version)
	}
	if len(env.archive.keys) != 1 || env.archive.keys[0] != outcome.SessionID+"/mrd.md" {
		t.Fatalf("archive keys = %v", env.archive.keys)
	}
}

func TestUploadRejectsUnsupportedFile(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("productName", "Widget")
	part, _ := mw.CreateFormFile("file", "mrd.odt")
	_, _ = part.Write([]byte("x"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rr.Code)
	}
	sessions, _ := env.store.ListSessions(context.Background())
	if len(sessions) != 0 {
		t.Fatalf("no session should be created, got %d", len(sessions))
	}
}

func TestCommitLogFollowsRollback(t *testing.T) {
	env := newTestEnv(t)
	id := env.startSession(t)
	base := "/api/sessions/" + id

	if rr := env.do(t, http.MethodPost, base+"/messages", map[string]any{"content": "Add pricing"}); rr.Code != http.StatusOK {
		t.Fatalf("submit: %d", rr.Code)
	}

	rr := env.do(t, http.MethodGet, base+"/commits", nil)
	var log struct {
		Commits []gitrepo.CommitInfo `json:"commits"`
	}
	decode(t, rr, &log)
	if len(log.Commits) != 2 {
		t.Fatalf("expected 2 commits, got %+v", log.Commits)
	}

	rr = env.do(t, http.MethodGet, base+"/commits/2", nil)
	var committed struct {
		Content string `json:"content"`
	}
	decode(t, rr, &committed)
	if !strings.Contains(committed.Content, "revision 2") {
		t.Fatalf("unexpected committed content %q", committed.Content)
	}

	if rr := env.do(t, http.MethodPost, base+"/rollback", map[string]any{"version": 1}); rr.Code != http.StatusOK {
		t.Fatalf("rollback: %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, base+"/commits/2", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a rolled back commit, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.startSession(t)

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	for _, want := range []string{
		`draftdesk_generations_total{kind="initial",outcome="success"} 1`,
		`draftdesk_http_requests_total{route="/api/sessions",status="201"} 1`,
	} {
		if !strings.Contains(rr.Body.String(), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/sessions", "/api/sessions"},
		{"/api/sessions/upload", "/api/sessions/upload"},
		{"/api/sessions/abc/versions/3/history", "/api/sessions/:id/versions/:n/history"},
		{"/api/sessions/abc/versions/latest", "/api/sessions/:id/versions/latest"},
		{"/api/sessions/abc/actions/simplify", "/api/sessions/:id/actions/:action"},
		{"/api/sessions/abc/commits/2", "/api/sessions/:id/commits/:n"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := routeLabel(tt.path); got != tt.want {
				t.Errorf("routeLabel(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
