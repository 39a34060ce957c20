// Package orchestrator runs drafting turns for a session: it keeps the
// per-session state machine, allows one generation in flight, bounds each
// call to the writer with a timeout and records failures in the chat log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"draftdesk/api/internal/generator"
	"draftdesk/api/internal/gitrepo"
	"draftdesk/api/internal/lease"
	"draftdesk/api/internal/logger"
	"draftdesk/api/internal/metrics"
	"draftdesk/api/internal/store"
	"draftdesk/api/internal/util"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateGenerating    State = "generating"
	StateReady         State = "ready"
	StateRolledBack    State = "rolled_back"
)

var (
	ErrGenerationInFlight = errors.New("a generation is already in progress for this session")
	ErrNotInitialized     = errors.New("session has no draft yet")
	ErrAlreadyInitialized = errors.New("session already has a draft")
	ErrUnknownQuickAction = errors.New("unknown quick action")
	ErrEmptyRequest       = errors.New("request text is empty")
	ErrEmptyProductName   = errors.New("product name is empty")
)

const (
	DefaultGenerationTimeout = 120 * time.Second

	initialSection     = "Initial PRD"
	initialDescription = "Generated initial PRD from MRD and context"
	updateSection      = "User Request Update"
	seedPreviewRunes   = 200
)

// Store is the part of the version store the orchestrator writes through.
type Store interface {
	CreateSession(ctx context.Context, sessionID, productName string) (store.Session, error)
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	GetLatestVersion(ctx context.Context, sessionID string) (store.Version, error)
	GetMaxVersionNumber(ctx context.Context, sessionID string) (int, error)
	SaveVersion(ctx context.Context, sessionID, content string, meta store.VersionMeta) (store.Version, error)
	SaveChatMessage(ctx context.Context, sessionID string, role store.Role, content string) (store.ChatMessage, error)
	RollbackToVersion(ctx context.Context, sessionID string, target int) (store.RollbackResult, error)
}

type Writer interface {
	Initial(ctx context.Context, in generator.InitialInput) generator.Result
	Update(ctx context.Context, in generator.UpdateInput) generator.Result
	Summarize(ctx context.Context, oldText, newText string) string
	QuickAction(name string) (string, bool)
}

// Mirror receives every saved version. Failures are logged, never returned.
type Mirror interface {
	CommitVersion(sessionID string, number int, content, message string) (gitrepo.CommitInfo, error)
	ResetTo(sessionID string, number int) error
}

type Indexer interface {
	IndexVersion(productName string, v store.Version)
	DeleteVersions(sessionID string, from, to int)
}

type Options struct {
	GenerationTimeout time.Duration
	Locker            lease.Locker
	Mirror            Mirror
	Indexer           Indexer
	Metrics           *metrics.Metrics
	Logger            *logger.Logger
}

// Outcome is the visible result of a turn. Failure is set, and Version is
// nil, when the writer failed; Assistant then carries the failure message.
type Outcome struct {
	SessionID string             `json:"sessionId"`
	Version   *store.Version     `json:"version,omitempty"`
	User      *store.ChatMessage `json:"userMessage,omitempty"`
	Assistant store.ChatMessage  `json:"assistantMessage"`
	Failure   string             `json:"failure,omitempty"`
}

func (o Outcome) OK() bool { return o.Failure == "" }

type StartInput struct {
	SessionID         string
	ProductName       string
	Seed              string
	AdditionalContext string
}

// sessionContext is the in-memory half of a session. It is hydrated from
// the store on first use.
type sessionContext struct {
	state             State
	productName       string
	additionalContext string
}

type Orchestrator struct {
	store   Store
	writer  Writer
	locker  lease.Locker
	mirror  Mirror
	indexer Indexer
	metrics *metrics.Metrics
	log     *logger.Logger
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionContext
}

func New(s Store, w Writer, opts Options) *Orchestrator {
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = DefaultGenerationTimeout
	}
	if opts.Locker == nil {
		opts.Locker = lease.NewMemoryLocker()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Orchestrator{
		store:    s,
		writer:   w,
		locker:   opts.Locker,
		mirror:   opts.Mirror,
		indexer:  opts.Indexer,
		metrics:  opts.Metrics,
		log:      opts.Logger.Component("orchestrator"),
		timeout:  opts.GenerationTimeout,
		now:      time.Now,
		sessions: make(map[string]*sessionContext),
	}
}

// StartSession creates a session and runs its initial generation. The
// session exists even if generation fails; Initialize retries it.
func (o *Orchestrator) StartSession(ctx context.Context, in StartInput) (Outcome, error) {
	name := strings.TrimSpace(in.ProductName)
	if name == "" {
		return Outcome{}, ErrEmptyProductName
	}
	if in.SessionID == "" {
		in.SessionID = util.NewID("")
	}
	session, err := o.store.CreateSession(ctx, in.SessionID, name)
	if err != nil {
		return Outcome{}, err
	}

	o.mu.Lock()
	o.sessions[session.ID] = &sessionContext{
		state:             StateUninitialized,
		productName:       session.ProductName,
		additionalContext: in.AdditionalContext,
	}
	o.mu.Unlock()

	o.log.Info().Str("session_id", session.ID).Str("product", session.ProductName).Msg("session created")
	return o.Initialize(ctx, session.ID, in.Seed, in.AdditionalContext)
}

// Initialize generates version 1 for a session that has none.
func (o *Orchestrator) Initialize(ctx context.Context, sessionID, seed, additionalContext string) (Outcome, error) {
	sc, err := o.session(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	held, err := o.acquire(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	defer o.release(ctx, held)

	existing, err := o.store.GetMaxVersionNumber(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if existing > 0 {
		o.setState(sessionID, StateReady)
		return Outcome{}, ErrAlreadyInitialized
	}

	productName := o.remember(sessionID, additionalContext)
	if productName == "" {
		productName = sc.productName
	}

	o.setState(sessionID, StateGenerating)
	result := o.generate(ctx, "initial", func(gctx context.Context) generator.Result {
		return o.writer.Initial(gctx, generator.InitialInput{
			ProductName:       productName,
			Seed:              seed,
			AdditionalContext: additionalContext,
		})
	})

	// Writes below outlive a caller that went away mid-generation.
	wctx := context.WithoutCancel(ctx)
	if !result.OK() {
		o.setState(sessionID, StateUninitialized)
		return o.recordFailure(wctx, sessionID, nil, result.Reason())
	}

	version, err := o.store.SaveVersion(wctx, sessionID, result.Text(), store.VersionMeta{
		SectionName:       initialSection,
		ChangeDescription: initialDescription,
		UserPrompt:        initialUserPrompt(productName, seed, additionalContext),
	})
	if err != nil {
		o.setState(sessionID, StateUninitialized)
		return Outcome{}, err
	}
	o.setState(sessionID, StateReady)

	assistant, err := o.store.SaveChatMessage(wctx, sessionID, store.RoleAssistant, fmt.Sprintf(
		"I've generated an initial PRD for '%s'. You can see it in the preview panel. How would you like to modify it?",
		productName))
	if err != nil {
		return Outcome{}, err
	}

	o.afterSave(productName, version)
	return Outcome{SessionID: sessionID, Version: &version, Assistant: assistant}, nil
}

// Submit runs one update turn for a free-text request.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, request string) (Outcome, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return Outcome{}, ErrEmptyRequest
	}
	sc, err := o.session(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	held, err := o.acquire(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	defer o.release(ctx, held)

	current, err := o.store.GetLatestVersion(ctx, sessionID)
	if errors.Is(err, store.ErrVersionNotFound) {
		return Outcome{}, ErrNotInitialized
	}
	if err != nil {
		return Outcome{}, err
	}

	userMsg, err := o.store.SaveChatMessage(ctx, sessionID, store.RoleUser, request)
	if err != nil {
		return Outcome{}, err
	}

	o.setState(sessionID, StateGenerating)
	result := o.generate(ctx, "update", func(gctx context.Context) generator.Result {
		return o.writer.Update(gctx, generator.UpdateInput{
			ProductName:       sc.productName,
			Current:           current.Content,
			Request:           request,
			AdditionalContext: o.additionalContext(sessionID),
		})
	})

	wctx := context.WithoutCancel(ctx)
	if !result.OK() {
		o.setState(sessionID, StateReady)
		return o.recordFailure(wctx, sessionID, &userMsg, result.Reason())
	}

	summary := o.summarize(ctx, current.Content, result.Text())

	originID := userMsg.ID
	version, err := o.store.SaveVersion(wctx, sessionID, result.Text(), store.VersionMeta{
		SectionName:       updateSection,
		ChangeDescription: summary,
		UserPrompt:        request,
		OriginMessageID:   &originID,
	})
	o.setState(sessionID, StateReady)
	if err != nil {
		return Outcome{}, err
	}

	assistant, err := o.store.SaveChatMessage(wctx, sessionID, store.RoleAssistant,
		"I've updated the PRD based on your request. Changes: "+summary)
	if err != nil {
		return Outcome{}, err
	}

	o.afterSave(sc.productName, version)
	return Outcome{SessionID: sessionID, Version: &version, User: &userMsg, Assistant: assistant}, nil
}

// RunQuickAction submits the canned request behind a named action.
func (o *Orchestrator) RunQuickAction(ctx context.Context, sessionID, action string) (Outcome, error) {
	request, ok := o.writer.QuickAction(action)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownQuickAction, action)
	}
	return o.Submit(ctx, sessionID, request)
}

// Rollback truncates the session to target. It takes the generation lease
// so it cannot interleave with a turn in flight.
func (o *Orchestrator) Rollback(ctx context.Context, sessionID string, target int) (store.RollbackResult, error) {
	if _, err := o.session(ctx, sessionID); err != nil {
		return store.RollbackResult{}, err
	}
	held, err := o.acquire(ctx, sessionID)
	if err != nil {
		return store.RollbackResult{}, err
	}
	defer o.release(ctx, held)

	before, err := o.store.GetMaxVersionNumber(ctx, sessionID)
	if err != nil {
		return store.RollbackResult{}, err
	}
	result, err := o.store.RollbackToVersion(ctx, sessionID, target)
	if err != nil {
		return store.RollbackResult{}, err
	}
	o.setState(sessionID, StateRolledBack)

	if o.metrics != nil {
		o.metrics.RollbacksTotal.Inc()
	}
	if o.mirror != nil {
		if err := o.mirror.ResetTo(sessionID, target); err != nil {
			o.log.Warn().Err(err).Str("session_id", sessionID).Int("version", target).Msg("reset mirror")
		}
	}
	if o.indexer != nil {
		o.indexer.DeleteVersions(sessionID, target, before)
	}
	o.log.Info().
		Str("session_id", sessionID).
		Int("target", target).
		Int("versions_removed", result.VersionsRemoved).
		Int("messages_removed", result.MessagesRemoved).
		Msg("session rolled back")
	return result, nil
}

// State reports the session's state, hydrating it from the store if this
// process has not seen the session yet.
func (o *Orchestrator) State(ctx context.Context, sessionID string) (State, error) {
	sc, err := o.session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return sc.state, nil
}

// session returns a snapshot of the session context.
func (o *Orchestrator) session(ctx context.Context, sessionID string) (sessionContext, error) {
	o.mu.Lock()
	sc, ok := o.sessions[sessionID]
	if ok {
		snapshot := *sc
		o.mu.Unlock()
		return snapshot, nil
	}
	o.mu.Unlock()

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return sessionContext{}, err
	}
	state := StateUninitialized
	if session.VersionCount > 0 {
		state = StateReady
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if sc, ok := o.sessions[sessionID]; ok {
		return *sc, nil
	}
	sc = &sessionContext{state: state, productName: session.ProductName}
	o.sessions[sessionID] = sc
	return *sc, nil
}

func (o *Orchestrator) setState(sessionID string, state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sc, ok := o.sessions[sessionID]; ok {
		sc.state = state
	}
}

// remember stores additional context for later update turns and returns
// the product name.
func (o *Orchestrator) remember(sessionID, additionalContext string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	sc, ok := o.sessions[sessionID]
	if !ok {
		return ""
	}
	if additionalContext != "" {
		sc.additionalContext = additionalContext
	}
	return sc.productName
}

func (o *Orchestrator) additionalContext(sessionID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sc, ok := o.sessions[sessionID]; ok {
		return sc.additionalContext
	}
	return ""
}

func (o *Orchestrator) acquire(ctx context.Context, sessionID string) (lease.Lease, error) {
	// The lease outlives the update call plus its change summary.
	ttl := 2*o.timeout + 30*time.Second
	held, err := o.locker.Acquire(ctx, lease.GenerationKey(sessionID), ttl)
	if errors.Is(err, lease.ErrHeld) {
		if o.metrics != nil {
			o.metrics.LeaseRejections.Inc()
		}
		o.log.Warn().Str("session_id", sessionID).Msg("generation already in flight")
		return nil, ErrGenerationInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("acquire generation lease: %w", err)
	}
	return held, nil
}

func (o *Orchestrator) release(ctx context.Context, held lease.Lease) {
	if err := held.Release(context.WithoutCancel(ctx)); err != nil {
		o.log.Warn().Err(err).Str("key", held.Key()).Msg("release generation lease")
	}
}

func (o *Orchestrator) generate(ctx context.Context, kind string, call func(context.Context) generator.Result) generator.Result {
	gctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	started := o.now()
	result := call(gctx)
	elapsed := o.now().Sub(started)
	if o.metrics != nil {
		o.metrics.RecordGeneration(kind, result.OK(), elapsed)
	}
	if !result.OK() {
		o.log.Warn().Str("kind", kind).Str("reason", result.Reason()).Dur("elapsed", elapsed).Msg("generation failed")
	}
	return result
}

func (o *Orchestrator) summarize(ctx context.Context, oldText, newText string) string {
	sctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.writer.Summarize(sctx, oldText, newText)
}

func (o *Orchestrator) recordFailure(ctx context.Context, sessionID string, user *store.ChatMessage, reason string) (Outcome, error) {
	msg, err := o.store.SaveChatMessage(ctx, sessionID, store.RoleAssistant, "Sorry, I encountered an error: "+reason)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{SessionID: sessionID, User: user, Assistant: msg, Failure: reason}, nil
}

func (o *Orchestrator) afterSave(productName string, v store.Version) {
	if o.metrics != nil {
		o.metrics.VersionsSaved.Inc()
	}
	if o.mirror != nil {
		if _, err := o.mirror.CommitVersion(v.SessionID, v.Number, v.Content, v.ChangeDescription); err != nil {
			o.log.Warn().Err(err).Str("session_id", v.SessionID).Int("version", v.Number).Msg("mirror version")
		}
	}
	if o.indexer != nil {
		o.indexer.IndexVersion(productName, v)
	}
	o.log.Info().Str("session_id", v.SessionID).Int("version", v.Number).Str("section", v.SectionName).Msg("version saved")
}

func initialUserPrompt(productName, seed, additionalContext string) string {
	var b strings.Builder
	b.WriteString("Product: ")
	b.WriteString(productName)
	if seed != "" {
		b.WriteString("\nMRD Content: ")
		b.WriteString(firstRunes(seed, seedPreviewRunes))
		b.WriteString("...")
	}
	if additionalContext != "" {
		b.WriteString("\nAdditional Context: ")
		b.WriteString(additionalContext)
	}
	return b.String()
}

func firstRunes(value string, n int) string {
	if utf8.RuneCountInString(value) <= n {
		return value
	}
	return string([]rune(value)[:n])
}
