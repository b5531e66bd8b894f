// Package session provides session management functionality.
package session

import (
	"context"

	"github.com/agentcore/agentsession/internal/storage"
	"github.com/agentcore/agentsession/pkg/types"
)

// GetTodos retrieves todos for a session.
func GetTodos(ctx context.Context, store *storage.Storage, sessionID string) ([]types.TodoInfo, error) {
	var todos []types.TodoInfo
	err := store.Get(ctx, []string{"todo", sessionID}, &todos)
	if err == storage.ErrNotFound {
		return []types.TodoInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	return todos, nil
}

// UpdateTodos updates todos for a session. Todo state is session-scoped
// storage, not part of the normalized event taxonomy (§4.3) — callers
// read it back via storage, not the subscriber stream.
func UpdateTodos(ctx context.Context, store *storage.Storage, sessionID string, todos []types.TodoInfo) error {
	return store.Put(ctx, []string{"todo", sessionID}, todos)
}
