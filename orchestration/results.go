package orchestration

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/telemetry"
)

// CachedResultStore fronts a core.ResultStore with a bounded expirable LRU
// so terminal results stay readable for at least the TTL without a round
// trip. Writes go through to the backing store; reads fall back to it on
// miss.
type CachedResultStore struct {
	backing core.ResultStore
	tasks   *expirable.LRU[string, *core.TaskResult]
	collabs *expirable.LRU[string, *core.CollabResult]
}

var _ core.ResultStore = (*CachedResultStore)(nil)

// NewCachedResultStore creates the cache. Size defaults to 4096 entries and
// TTL to 5 minutes.
func NewCachedResultStore(backing core.ResultStore, size int, ttl time.Duration) *CachedResultStore {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedResultStore{
		backing: backing,
		tasks:   expirable.NewLRU[string, *core.TaskResult](size, nil, ttl),
		collabs: expirable.NewLRU[string, *core.CollabResult](size, nil, ttl),
	}
}

func (s *CachedResultStore) PutTaskResult(ctx context.Context, result *core.TaskResult) error {
	s.tasks.Add(result.TaskID, result)
	return s.backing.PutTaskResult(ctx, result)
}

func (s *CachedResultStore) GetTaskResult(ctx context.Context, taskID string) (*core.TaskResult, error) {
	if result, ok := s.tasks.Get(taskID); ok {
		telemetry.Counter("result_cache_total", "kind", "task", "status", "hit")
		return result, nil
	}
	telemetry.Counter("result_cache_total", "kind", "task", "status", "miss")
	result, err := s.backing.GetTaskResult(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.tasks.Add(taskID, result)
	return result, nil
}

func (s *CachedResultStore) PutCollabResult(ctx context.Context, result *core.CollabResult) error {
	s.collabs.Add(result.CollabID, result)
	return s.backing.PutCollabResult(ctx, result)
}

func (s *CachedResultStore) GetCollabResult(ctx context.Context, collabID string) (*core.CollabResult, error) {
	if result, ok := s.collabs.Get(collabID); ok {
		telemetry.Counter("result_cache_total", "kind", "collab", "status", "hit")
		return result, nil
	}
	telemetry.Counter("result_cache_total", "kind", "collab", "status", "miss")
	result, err := s.backing.GetCollabResult(ctx, collabID)
	if err != nil {
		return nil, err
	}
	s.collabs.Add(collabID, result)
	return result, nil
}
