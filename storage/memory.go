// Package storage provides core.ResultStore implementations: an in-memory
// store for tests and single-process operation, and a Redis-backed store
// for durable reads.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/maestro-run/maestro/core"
)

// MemoryStore is a core.ResultStore backed by maps. Safe for concurrent
// use; unbounded, so production deployments front a durable store instead.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*core.TaskResult
	collabs map[string]*core.CollabResult
}

var _ core.ResultStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*core.TaskResult),
		collabs: make(map[string]*core.CollabResult),
	}
}

func (s *MemoryStore) PutTaskResult(ctx context.Context, result *core.TaskResult) error {
	if result == nil || result.TaskID == "" {
		return fmt.Errorf("storage: task result must have a task id")
	}
	s.mu.Lock()
	s.tasks[result.TaskID] = result
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetTaskResult(ctx context.Context, taskID string) (*core.TaskResult, error) {
	s.mu.RLock()
	result, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: task %s: %w", taskID, core.ErrNotFound)
	}
	return result, nil
}

func (s *MemoryStore) PutCollabResult(ctx context.Context, result *core.CollabResult) error {
	if result == nil || result.CollabID == "" {
		return fmt.Errorf("storage: collab result must have a collab id")
	}
	s.mu.Lock()
	s.collabs[result.CollabID] = result
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetCollabResult(ctx context.Context, collabID string) (*core.CollabResult, error) {
	s.mu.RLock()
	result, ok := s.collabs[collabID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: collab %s: %w", collabID, core.ErrNotFound)
	}
	return result, nil
}
