package app

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"draftdesk/api/internal/correlator"
	"draftdesk/api/internal/diff"
	"draftdesk/api/internal/export"
	"draftdesk/api/internal/generator"
	"draftdesk/api/internal/gitrepo"
	"draftdesk/api/internal/ingest"
	"draftdesk/api/internal/logger"
	"draftdesk/api/internal/orchestrator"
	"draftdesk/api/internal/search"
	"draftdesk/api/internal/store"
	"draftdesk/api/internal/util"
)

// HistoryContextLimit matches what the chat view shows alongside a version.
const HistoryContextLimit = 10

const maxCommitLogLimit = 200

type dataStore interface {
	Ping(context.Context) error
	ListSessions(context.Context) ([]store.Session, error)
	GetSession(context.Context, string) (store.Session, error)
	GetVersions(context.Context, string) ([]store.Version, error)
	GetVersion(context.Context, string, int) (store.Version, error)
	GetLatestVersion(context.Context, string) (store.Version, error)
	GetMaxVersionNumber(context.Context, string) (int, error)
	GetChatHistory(context.Context, string) ([]store.ChatMessage, error)
}

type sessionRunner interface {
	StartSession(context.Context, orchestrator.StartInput) (orchestrator.Outcome, error)
	Initialize(ctx context.Context, sessionID, seed, additionalContext string) (orchestrator.Outcome, error)
	Submit(ctx context.Context, sessionID, request string) (orchestrator.Outcome, error)
	RunQuickAction(ctx context.Context, sessionID, action string) (orchestrator.Outcome, error)
	Rollback(ctx context.Context, sessionID string, target int) (store.RollbackResult, error)
	State(ctx context.Context, sessionID string) (orchestrator.State, error)
}

type historyReader interface {
	ChatHistoryUntilVersion(ctx context.Context, sessionID string, number, contextLimit int) (correlator.History, error)
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
}

type exportService interface {
	Export(context.Context, export.Request) (*export.Result, error)
	DiffReport(ctx context.Context, sessionID string, from, to int) (*export.Result, error)
}

type seedArchive interface {
	Put(ctx context.Context, sessionID, filename, contentType string, data []byte) (string, error)
}

// Pinger is a dependency the readiness check probes.
type Pinger interface {
	Ping(context.Context) error
}

type commitLog interface {
	History(sessionID string, limit int) ([]gitrepo.CommitInfo, error)
	ContentAt(sessionID string, number int) (string, error)
}

// Deps are the collaborators behind the HTTP surface. Archive and Commits
// may be nil.
type Deps struct {
	Store               dataStore
	Sessions            sessionRunner
	History             historyReader
	Search              searchService
	Export              exportService
	Archive             seedArchive
	Commits             commitLog
	QuickActions        []generator.QuickAction
	HistoryContextLimit int // default message window of the historical view
	ReadyChecks         map[string]Pinger
	Logger              *logger.Logger
}

type Service struct {
	store        dataStore
	sessions     sessionRunner
	history      historyReader
	search       searchService
	export       exportService
	archive      seedArchive
	commits      commitLog
	quickActions []generator.QuickAction
	contextLimit int
	readyChecks  map[string]Pinger
	log          *logger.Logger
}

func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.HistoryContextLimit <= 0 {
		deps.HistoryContextLimit = HistoryContextLimit
	}
	return &Service{
		store:        deps.Store,
		sessions:     deps.Sessions,
		history:      deps.History,
		search:       deps.Search,
		export:       deps.Export,
		archive:      deps.Archive,
		commits:      deps.Commits,
		quickActions: deps.QuickActions,
		contextLimit: deps.HistoryContextLimit,
		readyChecks:  deps.ReadyChecks,
		log:          deps.Logger.Component("app"),
	}
}

type StartSessionInput struct {
	ProductName       string `json:"productName"`
	SeedText          string `json:"seedText"`
	AdditionalContext string `json:"additionalContext"`
}

func (in StartSessionInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.ProductName, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.SeedText, validation.Length(0, ingest.MaxSeedBytes)),
		validation.Field(&in.AdditionalContext, validation.Length(0, 20000)),
	)
}

type MessageInput struct {
	Content string `json:"content"`
}

func (in MessageInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Content, validation.Required, validation.Length(1, 20000)),
	)
}

type RollbackInput struct {
	Version int `json:"version"`
}

func (in RollbackInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Version, validation.Required, validation.Min(1)),
	)
}

type CompareInput struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (in CompareInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.From, validation.Required, validation.Min(1)),
		validation.Field(&in.To, validation.Required, validation.Min(1)),
	)
}

// SeedFile is an uploaded seed document.
type SeedFile struct {
	Name        string
	ContentType string
	Data        []byte
}

type SessionSummary struct {
	store.Session
	State         orchestrator.State `json:"state"`
	LatestVersion int                `json:"latestVersion"`
}

type Comparison struct {
	From       int                 `json:"from"`
	To         int                 `json:"to"`
	Stats      diff.Stats          `json:"stats"`
	SideBySide diff.SideBySideView `json:"sideBySide"`
	Unified    string              `json:"unified"`
}

// Readiness pings the database under "database" plus every configured
// check. A nil error means the dependency answered.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	results := map[string]error{"database": s.store.Ping(ctx)}
	for name, check := range s.readyChecks {
		results[name] = check.Ping(ctx)
	}
	return results
}

func (s *Service) QuickActions() []generator.QuickAction {
	return s.quickActions
}

func (s *Service) ListSessions(ctx context.Context) ([]store.Session, error) {
	return s.store.ListSessions(ctx)
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (SessionSummary, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	state, err := s.sessions.State(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	latest, err := s.store.GetMaxVersionNumber(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	return SessionSummary{Session: session, State: state, LatestVersion: latest}, nil
}

func (s *Service) StartSession(ctx context.Context, in StartSessionInput) (orchestrator.Outcome, error) {
	in.ProductName = strings.TrimSpace(in.ProductName)
	if err := in.Validate(); err != nil {
		return orchestrator.Outcome{}, err
	}
	return s.sessions.StartSession(ctx, orchestrator.StartInput{
		ProductName:       in.ProductName,
		Seed:              in.SeedText,
		AdditionalContext: in.AdditionalContext,
	})
}

// StartSessionWithFile extracts seed text from an upload, starts the
// session and archives the original file.
func (s *Service) StartSessionWithFile(ctx context.Context, in StartSessionInput, file SeedFile) (orchestrator.Outcome, error) {
	in.ProductName = strings.TrimSpace(in.ProductName)
	if err := in.Validate(); err != nil {
		return orchestrator.Outcome{}, err
	}
	seed, err := ingest.Extract(file.Name, bytes.NewReader(file.Data))
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	if in.SeedText != "" {
		seed = in.SeedText + "\n\n" + seed
	}

	sessionID := util.NewID("")
	outcome, err := s.sessions.StartSession(ctx, orchestrator.StartInput{
		SessionID:         sessionID,
		ProductName:       in.ProductName,
		Seed:              seed,
		AdditionalContext: in.AdditionalContext,
	})
	if err != nil {
		return orchestrator.Outcome{}, err
	}

	if s.archive != nil {
		key, err := s.archive.Put(ctx, sessionID, file.Name, file.ContentType, file.Data)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Str("file", file.Name).Msg("archive seed file")
		} else if key != "" {
			s.log.Info().Str("session_id", sessionID).Str("key", key).Msg("seed file archived")
		}
	}
	return outcome, nil
}

func (s *Service) Initialize(ctx context.Context, sessionID string, in StartSessionInput) (orchestrator.Outcome, error) {
	return s.sessions.Initialize(ctx, sessionID, in.SeedText, in.AdditionalContext)
}

func (s *Service) Versions(ctx context.Context, sessionID string) ([]store.Version, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.GetVersions(ctx, sessionID)
}

func (s *Service) Version(ctx context.Context, sessionID string, number int) (store.Version, error) {
	return s.store.GetVersion(ctx, sessionID, number)
}

func (s *Service) LatestVersion(ctx context.Context, sessionID string) (store.Version, error) {
	return s.store.GetLatestVersion(ctx, sessionID)
}

func (s *Service) MaxVersion(ctx context.Context, sessionID string) (int, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}
	return s.store.GetMaxVersionNumber(ctx, sessionID)
}

func (s *Service) HistoryUntilVersion(ctx context.Context, sessionID string, number, contextLimit int) (correlator.History, error) {
	if contextLimit <= 0 {
		contextLimit = s.contextLimit
	}
	return s.history.ChatHistoryUntilVersion(ctx, sessionID, number, contextLimit)
}

func (s *Service) Compare(ctx context.Context, sessionID string, in CompareInput) (Comparison, error) {
	if err := in.Validate(); err != nil {
		return Comparison{}, err
	}
	oldVersion, err := s.store.GetVersion(ctx, sessionID, in.From)
	if err != nil {
		return Comparison{}, err
	}
	newVersion, err := s.store.GetVersion(ctx, sessionID, in.To)
	if err != nil {
		return Comparison{}, err
	}
	unified, err := diff.Unified(oldVersion.Content, newVersion.Content,
		fmt.Sprintf("Version %d", in.From), fmt.Sprintf("Version %d", in.To), 3)
	if err != nil {
		return Comparison{}, fmt.Errorf("unified diff: %w", err)
	}
	return Comparison{
		From:       in.From,
		To:         in.To,
		Stats:      diff.ChangeStats(oldVersion.Content, newVersion.Content),
		SideBySide: diff.SideBySide(oldVersion.Content, newVersion.Content),
		Unified:    unified,
	}, nil
}

func (s *Service) CompareReport(ctx context.Context, sessionID string, in CompareInput) (*export.Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return s.export.DiffReport(ctx, sessionID, in.From, in.To)
}

// Commits lists the mirror log for a session, newest first.
func (s *Service) Commits(ctx context.Context, sessionID string, limit int) ([]gitrepo.CommitInfo, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if s.commits == nil {
		return nil, gitrepo.ErrNoRepository
	}
	if limit <= 0 || limit > maxCommitLogLimit {
		limit = maxCommitLogLimit
	}
	return s.commits.History(sessionID, limit)
}

func (s *Service) CommittedContent(ctx context.Context, sessionID string, number int) (string, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return "", err
	}
	if s.commits == nil {
		return "", gitrepo.ErrNoRepository
	}
	return s.commits.ContentAt(sessionID, number)
}

func (s *Service) Rollback(ctx context.Context, sessionID string, in RollbackInput) (store.RollbackResult, error) {
	if err := in.Validate(); err != nil {
		return store.RollbackResult{}, err
	}
	return s.sessions.Rollback(ctx, sessionID, in.Version)
}

func (s *Service) Messages(ctx context.Context, sessionID string) ([]store.ChatMessage, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.GetChatHistory(ctx, sessionID)
}

func (s *Service) SubmitMessage(ctx context.Context, sessionID string, in MessageInput) (orchestrator.Outcome, error) {
	in.Content = strings.TrimSpace(in.Content)
	if err := in.Validate(); err != nil {
		return orchestrator.Outcome{}, err
	}
	return s.sessions.Submit(ctx, sessionID, in.Content)
}

func (s *Service) RunQuickAction(ctx context.Context, sessionID, action string) (orchestrator.Outcome, error) {
	return s.sessions.RunQuickAction(ctx, sessionID, action)
}

func (s *Service) Export(ctx context.Context, sessionID, format string, version int) (*export.Result, error) {
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, validationError("version must be positive")
	}
	return s.export.Export(ctx, export.Request{SessionID: sessionID, Version: version, Format: parsed})
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, validationError("q is required")
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return s.search.Search(ctx, q), nil
}
