// Package agentsession implements the Agent Session facade (C7): the single
// entry point SPEC_FULL.md's surface (prompt/queue_message/abort/
// execute_bash/compact/branch/reset/subscribe) is built around. It owns
// nothing the append-only log (C1, internal/sessionlog) doesn't already
// own — every mutating method is either an Append to the log or a read of
// it; there is no parallel KV-store-backed session object underneath.
package agentsession

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentcore/agentsession/internal/compactor"
	"github.com/agentcore/agentsession/internal/credential"
	"github.com/agentcore/agentsession/internal/event"
	"github.com/agentcore/agentsession/internal/sessionerr"
	"github.com/agentcore/agentsession/internal/sessionlog"
	"github.com/agentcore/agentsession/internal/turnengine"
	"github.com/agentcore/agentsession/pkg/types"
)

// Deps are the shared, process-wide collaborators every Agent Session in a
// process is built from. Only the event.Bus and the sessionlog.Log are
// per-session (§9): everything else here is safe to share.
type Deps struct {
	Engine      *turnengine.Engine
	Compactor   *compactor.Compactor
	Credentials *credential.Store
	Agent       *turnengine.Agent
	ProviderID  string
	ModelID     string
}

// Session is one Agent Session: a cwd-scoped append-only log plus the
// engine/compactor/credential collaborators needed to act on it. Each
// Session owns its own event.Bus — there is no process-wide bus (§9).
type Session struct {
	deps Deps
	bus  *event.Bus

	store     *sessionlog.Store
	log       *sessionlog.Log
	sessionID string
	cwd       string

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func newID() string { return ulid.Make().String() }

// Create starts a brand-new Agent Session rooted at cwd.
func Create(ctx context.Context, store *sessionlog.Store, cwd string, deps Deps) (*Session, error) {
	log, header, err := store.Create(ctx, cwd, nil)
	if err != nil {
		return nil, err
	}
	s := &Session{
		deps:      deps,
		bus:       event.New(),
		store:     store,
		log:       log,
		sessionID: header.SessionID,
		cwd:       cwd,
	}
	s.publishAppended(header)
	return s, nil
}

// Open attaches to an existing Agent Session without appending anything.
func Open(store *sessionlog.Store, cwd, sessionID string, deps Deps) *Session {
	return &Session{
		deps:      deps,
		bus:       event.New(),
		store:     store,
		log:       store.Open(cwd, sessionID),
		sessionID: sessionID,
		cwd:       cwd,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.sessionID }

// Bus returns this session's own event bus (§9: never a process-wide one).
func (s *Session) Bus() *event.Bus { return s.bus }

// WithAgent returns a shallow copy of the session configured to run turns
// with a different agent profile (e.g. switching from a default to a
// plan-only agent mid-session).
func (s *Session) WithAgent(agent *turnengine.Agent) *Session {
	cp := *s
	cp.deps.Agent = agent
	return &cp
}

func (s *Session) publishAppended(entry types.Entry) {
	s.bus.Publish(event.Event{Type: event.EntryAppended, Data: event.EntryAppendedData{SessionID: s.sessionID, Entry: entry}})
}

// History returns every entry in the session's log, in on-disk order.
func (s *Session) History(ctx context.Context) ([]types.Entry, error) {
	return s.log.LoadAll(ctx)
}

// Prompt appends a user message and runs a full turn of the engine to
// completion, returning the resulting assistant MessageEntry. Only one
// turn may be active per Session at a time.
func (s *Session) Prompt(ctx context.Context, text string, attachments []types.Attachment) (*types.MessageEntry, error) {
	userEntry := &types.MessageEntry{
		ID:          newID(),
		Type:        types.EntryMessage.String(),
		Role:        "user",
		Text:        text,
		Attachments: attachments,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := s.log.Append(ctx, userEntry); err != nil {
		return nil, err
	}
	s.publishAppended(userEntry)

	return s.runTurn(ctx)
}

// QueueMessage appends a user message to the log without starting a turn.
// It's used to queue follow-up input while a turn may already be running;
// a later Prompt/runTurn call will see it as part of history.
func (s *Session) QueueMessage(ctx context.Context, text string, attachments []types.Attachment) (*types.MessageEntry, error) {
	entry := &types.MessageEntry{
		ID:          newID(),
		Type:        types.EntryMessage.String(),
		Role:        "user",
		Text:        text,
		Attachments: attachments,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := s.log.Append(ctx, entry); err != nil {
		return nil, err
	}
	s.publishAppended(entry)
	return entry, nil
}

// Run executes one turn over whatever is already in the log (e.g. after a
// QueueMessage) without appending a new user message first.
func (s *Session) Run(ctx context.Context) (*types.MessageEntry, error) {
	return s.runTurn(ctx)
}

func (s *Session) runTurn(ctx context.Context) (*types.MessageEntry, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("a turn is already active for session %s", s.sessionID)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	return s.deps.Engine.Run(turnCtx, s.log, s.sessionID, s.deps.Agent, s.deps.ProviderID, s.deps.ModelID)
}

// Abort cancels the in-flight turn, if any.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return fmt.Errorf("no active turn to abort for session %s", s.sessionID)
	}
	s.cancel()
	return nil
}

// ExecuteBash runs a shell command directly (not as an assistant tool call)
// and records it as a BashExecutionEntry, independent of the turn engine
// (§3.1, §4.7 execute_bash).
func (s *Session) ExecuteBash(ctx context.Context, command string) (*types.BashExecutionEntry, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	exitCode := 0
	cancelled := false
	if runErr != nil {
		if ctx.Err() != nil {
			cancelled = true
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if !cancelled {
			exitCode = -1
		}
	}

	entry := &types.BashExecutionEntry{
		ID:        newID(),
		Type:      types.EntryBash.String(),
		Command:   command,
		Output:    buf.String(),
		ExitCode:  exitCode,
		Cancelled: cancelled,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.log.Append(ctx, entry); err != nil {
		return nil, err
	}
	s.publishAppended(entry)
	return entry, nil
}

// Compact summarises the session's older history into a single
// CompactionEntry (C6). Returns (nil, nil) when there isn't enough history
// yet to be worth compacting.
func (s *Session) Compact(ctx context.Context) (*types.CompactionEntry, error) {
	return s.deps.Compactor.Compact(ctx, s.log, s.sessionID)
}

// Branch forks the session at atEntryID ("" forks the whole log) into a
// brand-new, independently appendable Agent Session (§4.7 branch).
func (s *Session) Branch(ctx context.Context, atEntryID string) (*Session, error) {
	childLog, header, err := s.store.Fork(ctx, s.log, s.cwd, atEntryID)
	if err != nil {
		return nil, err
	}
	child := &Session{
		deps:      s.deps,
		bus:       event.New(),
		store:     s.store,
		log:       childLog,
		sessionID: header.SessionID,
		cwd:       s.cwd,
	}
	return child, nil
}

// Reset appends a revert marker pointing at the session's header, making
// the entire conversation invisible to the turn engine without deleting a
// single line of the underlying log (§4.7 reset).
func (s *Session) Reset(ctx context.Context) (*types.RevertEntry, error) {
	entries, err := s.log.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, sessionerr.StorageError{Op: "reset", Err: fmt.Errorf("session has no header")}
	}
	header, ok := entries[0].(*types.HeaderEntry)
	if !ok {
		return nil, sessionerr.StorageError{Op: "reset", Err: fmt.Errorf("first entry is not a header")}
	}
	return s.Revert(ctx, header.ID)
}

// Revert appends a compaction-like marker entry (§3.2, §4.7): everything
// after toEntryID becomes invisible to the turn engine and to History
// callers that respect markers, but nothing on disk is rewritten or
// removed — the marker is just the newest line.
func (s *Session) Revert(ctx context.Context, toEntryID string) (*types.RevertEntry, error) {
	marker := &types.RevertEntry{
		ID:              newID(),
		Type:            types.EntryRevert.String(),
		RevertToEntryID: toEntryID,
		CreatedAt:       time.Now().UnixMilli(),
	}
	if err := s.log.Append(ctx, marker); err != nil {
		return nil, err
	}
	s.publishAppended(marker)
	return marker, nil
}

// Unrevert appends a marker lifting the effect of the most recent Revert,
// restoring the full log as live history.
func (s *Session) Unrevert(ctx context.Context) (*types.RevertEntry, error) {
	return s.Revert(ctx, "")
}

// Subscribe registers fn for a single event type on this session's own bus.
func (s *Session) Subscribe(t event.Type, fn event.Subscriber) func() {
	return s.bus.Subscribe(t, fn)
}

// SubscribeAll registers fn for every event type on this session's own bus.
func (s *Session) SubscribeAll(fn event.Subscriber) func() {
	return s.bus.SubscribeAll(fn)
}

// Credential proxies to the shared credential store (C2), refreshing the
// record first if it's within its safety window of expiring.
func (s *Session) Credential(ctx context.Context, provider string) (credential.Record, error) {
	return s.deps.Credentials.Get(ctx, provider)
}
