// Package sessionlog implements the append-only, event-sourced session log
// (C1): the single source of truth for a session's history. Every mutation
// is an appended JSONL line; nothing is ever rewritten in place. Branching
// and compaction are themselves log operations (fork / compaction entry),
// never in-place edits of prior lines.
package sessionlog

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentcore/agentsession/internal/sessionerr"
	"github.com/agentcore/agentsession/internal/storage"
	"github.com/agentcore/agentsession/pkg/types"
	"github.com/oklog/ulid/v2"
)

// Log is a single session's append-only JSONL file. One Log instance owns
// exactly one underlying file and serialises all writers to it through a
// storage.FileLock, mirroring the single-writer-per-resource rule (§5).
type Log struct {
	path string
	lock *storage.FileLock
	mu   sync.Mutex // serialises in-process appenders ahead of the flock
}

// Store locates and opens session logs rooted at a base directory. Session
// files are partitioned into a subdirectory per hashed cwd (§4.1 rotation),
// so sessions for distinct projects never share a directory.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir (typically the user's data
// directory, e.g. ~/.local/share/agentsession/sessions).
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// cwdHash returns the stable directory-partition key for a working
// directory, per §4.1's "rotation by cwd hash".
func cwdHash(cwd string) string {
	sum := sha256.Sum256([]byte(cwd))
	return hex.EncodeToString(sum[:])[:16]
}

func (s *Store) sessionPath(cwd, sessionID string) string {
	return filepath.Join(s.baseDir, cwdHash(cwd), sessionID+".jsonl")
}

// newID mints a new monotonic ulid for an entry or session.
func newID() string {
	return ulid.Make().String()
}

// Create starts a brand-new session rooted at cwd and writes its header
// entry as the first line.
func (s *Store) Create(ctx context.Context, cwd string, parentSessionID *string) (*Log, *types.HeaderEntry, error) {
	sessionID := newID()
	path := s.sessionPath(cwd, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, sessionerr.IoError{Op: "mkdir", Err: err}
	}

	header := &types.HeaderEntry{
		ID:              newID(),
		Type:            types.EntryHeader.String(),
		SessionID:       sessionID,
		CreatedAt:       nowUnixMilli(),
		Cwd:             cwd,
		ParentSessionID: parentSessionID,
	}

	l := &Log{path: path, lock: storage.NewFileLock(path)}
	if err := l.appendRaw(header); err != nil {
		return nil, nil, err
	}
	return l, header, nil
}

// Open attaches to an existing session's log file without appending
// anything.
func (s *Store) Open(cwd, sessionID string) *Log {
	path := s.sessionPath(cwd, sessionID)
	return &Log{path: path, lock: storage.NewFileLock(path)}
}

// Path exposes the underlying file path (§6 external interface: one
// <session-id>.jsonl per session).
func (l *Log) Path() string { return l.path }

// Append writes one entry as the next line, with the id it already carries
// (Append does not assign ids). Append is the ONLY mutation primitive; entries
// already on disk are never rewritten.
func (l *Log) Append(ctx context.Context, entry types.Entry) error {
	return l.appendRaw(entry)
}

func (l *Log) appendRaw(entry types.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.lock.Lock(); err != nil {
		return sessionerr.StorageError{Op: "lock", Err: err}
	}
	defer l.lock.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return sessionerr.StorageError{Op: "marshal", Err: err}
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return sessionerr.IoError{Op: "open", Err: err}
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return sessionerr.IoError{Op: "write", Err: err}
	}
	return f.Sync()
}

// LoadAll reads every entry in the log, in on-disk (== emission) order.
func (l *Log) LoadAll(ctx context.Context) ([]types.Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sessionerr.StorageError{Op: "open", Err: err}
		}
		return nil, sessionerr.IoError{Op: "open", Err: err}
	}
	defer f.Close()

	var entries []types.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, err := types.UnmarshalEntry(line)
		if err != nil {
			return nil, sessionerr.StorageError{Op: "unmarshal-entry", Err: err}
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, sessionerr.IoError{Op: "scan", Err: err}
	}
	return entries, nil
}

// LatestCompaction returns the most recent compaction entry in the log, if
// any, along with its index among LoadAll's result.
func (l *Log) LatestCompaction(ctx context.Context) (*types.CompactionEntry, int, error) {
	entries, err := l.LoadAll(ctx)
	if err != nil {
		return nil, -1, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if c, ok := entries[i].(*types.CompactionEntry); ok {
			return c, i, nil
		}
	}
	return nil, -1, nil
}

// Fork copies entries [0, atEntryID] (inclusive, or the whole log when
// atEntryID is "") from the receiver into a brand-new session whose header
// records the receiver's session as its parent (§3.2 branch lineage,
// §4.7 `branch` operation). The new session is otherwise an independent,
// appendable log — forking is a log read-then-append, never a mutation of
// the parent.
func (s *Store) Fork(ctx context.Context, parent *Log, cwd string, atEntryID string) (*Log, *types.HeaderEntry, error) {
	entries, err := parent.LoadAll(ctx)
	if err != nil {
		return nil, nil, err
	}

	var header *types.HeaderEntry
	if len(entries) > 0 {
		h, ok := entries[0].(*types.HeaderEntry)
		if !ok {
			return nil, nil, sessionerr.StorageError{Op: "fork", Err: fmt.Errorf("first entry is not a session header")}
		}
		header = h
	}
	if header == nil {
		return nil, nil, sessionerr.StorageError{Op: "fork", Err: fmt.Errorf("parent session has no header")}
	}

	child, childHeader, err := s.Create(ctx, cwd, &header.SessionID)
	if err != nil {
		return nil, nil, err
	}

	for _, e := range entries[1:] {
		if _, ok := e.(*types.HeaderEntry); ok {
			continue
		}
		if err := child.Append(ctx, e); err != nil {
			return nil, nil, err
		}
		if atEntryID != "" && e.EntryID() == atEntryID {
			break
		}
	}
	return child, childHeader, nil
}

// List returns the session ids rooted at cwd, oldest first, so callers
// wanting "the most recent session" (e.g. `--continue`) take the last
// element.
func (s *Store) List(cwd string) ([]string, error) {
	dir := filepath.Join(s.baseDir, cwdHash(cwd))
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, sessionerr.IoError{Op: "readdir", Err: err}
	}

	type sessionFile struct {
		id      string
		modTime time.Time
	}
	var files []sessionFile
	for _, e := range dirEntries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, sessionFile{id: strings.TrimSuffix(e.Name(), ".jsonl"), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.id
	}
	return ids, nil
}

var nowUnixMilli = func() int64 { return time.Now().UnixMilli() }
