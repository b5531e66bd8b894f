// Package credential implements the Credential Store (C2): provider
// authentication material, refreshed eagerly within a safety window, with
// at most one refresh in flight per provider and atomic, owner-only
// (0600) writes to disk.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentcore/agentsession/internal/sessionerr"
	"github.com/agentcore/agentsession/internal/storage"
)

// Kind enumerates the supported credential mechanisms (§4.2).
type Kind string

const (
	KindAPIKey      Kind = "api-key"
	KindOAuthDevice Kind = "oauth-device"  // GitHub Copilot
	KindOAuthPKCE   Kind = "oauth-pkce"    // Google
	KindOAuthRefresh Kind = "oauth-refresh" // Anthropic, ChatGPT-Codex, Kimi, Cursor, Antigravity
)

// Record is one provider's stored credential (§3.1 Credential Record).
// Composite credentials (e.g. an API key plus a fallback OAuth token) are
// represented by setting more than one field.
type Record struct {
	Provider     string    `json:"provider"`
	Kind         Kind      `json:"kind"`
	APIKey       string    `json:"apiKey,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"` // e.g. deviceClientID, accountID
}

// file is the on-disk shape (§6: one credential file, map of provider -> record).
type file struct {
	Providers map[string]Record `json:"providers"`
}

// safetyWindow is how far ahead of expiry a token is proactively refreshed.
const safetyWindow = 2 * time.Minute

// Refresher performs the provider-specific refresh-token exchange. Each
// supported provider's refresh endpoint is registered under its name.
type Refresher func(ctx context.Context, rec Record) (Record, error)

// Store is the single-writer-with-refresh-singleton credential file.
type Store struct {
	path string
	lock *storage.FileLock

	mu      sync.Mutex
	cache   map[string]Record // read-mostly in-memory cache, §5 shared-resource exception
	loaded  bool

	refreshMu sync.Mutex
	inflight  map[string]*refreshCall // at most one refresh per provider

	refreshers map[string]Refresher
}

// refreshCall is shared by every caller waiting on the same in-flight
// refresh. done is closed exactly once, after result is set, so every
// waiter's receive-completes-after-close happens-after the write.
type refreshCall struct {
	done   chan struct{}
	result refreshResult
}

type refreshResult struct {
	rec Record
	err error
}

// New creates a Store backed by path (typically config.Paths.CredentialsPath,
// ~/.local/share/opencode/credentials.json).
func New(path string) *Store {
	return &Store{
		path:       path,
		lock:       storage.NewFileLock(path),
		cache:      make(map[string]Record),
		inflight:   make(map[string]*refreshCall),
		refreshers: make(map[string]Refresher),
	}
}

// RegisterRefresher installs the refresh-endpoint implementation for a
// provider (§4.2: "OAuth with provider-specific refresh endpoints").
func (s *Store) RegisterRefresher(provider string, r Refresher) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	s.refreshers[provider] = r
}

func (s *Store) load() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return sessionerr.IoError{Op: "read", Err: err}
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return sessionerr.StorageError{Op: "unmarshal", Err: err}
	}
	for k, v := range f.Providers {
		s.cache[k] = v
	}
	s.loaded = true
	return nil
}

// persist writes the full credential file atomically (temp file + rename,
// following storage.Storage.Put) with owner-only permissions — credentials
// never get the 0644 default the rest of the log uses.
func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return sessionerr.IoError{Op: "mkdir", Err: err}
	}
	if err := s.lock.Lock(); err != nil {
		return sessionerr.StorageError{Op: "lock", Err: err}
	}
	defer s.lock.Unlock()

	f := file{Providers: s.cache}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return sessionerr.StorageError{Op: "marshal", Err: err}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return sessionerr.IoError{Op: "write-temp", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return sessionerr.IoError{Op: "rename", Err: err}
	}
	return nil
}

// Put stores or overwrites a provider's credential and persists it
// immediately (credentials are never held dirty in memory only).
func (s *Store) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	s.cache[rec.Provider] = rec
	return s.persist()
}

// Delete removes a provider's credential.
func (s *Store) Delete(ctx context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	delete(s.cache, provider)
	return s.persist()
}

// List returns every stored provider's credential metadata (never logged
// or put on a subscriber stream — see sessionerr and §3.2 invariant).
func (s *Store) List(ctx context.Context) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out, nil
}

// Get returns a provider's credential, refreshing it first if it is an
// OAuth credential within the safety window of expiring. At most one
// refresh per provider runs at a time; concurrent callers wait on the same
// result rather than racing the refresh endpoint.
func (s *Store) Get(ctx context.Context, provider string) (Record, error) {
	s.mu.Lock()
	if err := s.load(); err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	rec, ok := s.cache[provider]
	s.mu.Unlock()
	if !ok {
		return Record{}, sessionerr.UnauthorizedError{Provider: provider, Err: fmt.Errorf("no credential stored")}
	}

	if !needsRefresh(rec) {
		return rec, nil
	}
	return s.refresh(ctx, provider, rec)
}

func needsRefresh(rec Record) bool {
	if rec.RefreshToken == "" || rec.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(safetyWindow).After(rec.ExpiresAt)
}

// refresh implements the at-most-one-refresh-in-flight rule: the first
// caller for a provider performs the exchange; later callers arriving
// while it is in flight block on the same channel instead of issuing their
// own request.
func (s *Store) refresh(ctx context.Context, provider string, rec Record) (Record, error) {
	s.refreshMu.Lock()
	if call, inFlight := s.inflight[provider]; inFlight {
		s.refreshMu.Unlock()
		select {
		case <-call.done:
			return call.result.rec, call.result.err
		case <-ctx.Done():
			return Record{}, sessionerr.AbortedError{Reason: "refresh cancelled"}
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	s.inflight[provider] = call
	refresher := s.refreshers[provider]
	s.refreshMu.Unlock()

	// The refresh itself runs detached from ctx: a caller that abandons
	// the wait (its own ctx cancelled) must not cancel the exchange for
	// every other waiter blocked on the same call.
	go func() {
		var result refreshResult
		if refresher == nil {
			result.err = sessionerr.UnauthorizedError{Provider: provider, Err: fmt.Errorf("no refresher registered")}
		} else {
			result.rec, result.err = refresher(context.Background(), rec)
		}
		if result.err == nil {
			_ = s.Put(context.Background(), result.rec)
		}

		call.result = result

		s.refreshMu.Lock()
		delete(s.inflight, provider)
		s.refreshMu.Unlock()

		close(call.done)
	}()

	select {
	case <-call.done:
		return call.result.rec, call.result.err
	case <-ctx.Done():
		return Record{}, sessionerr.AbortedError{Reason: "refresh cancelled"}
	}
}
