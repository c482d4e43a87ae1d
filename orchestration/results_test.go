package orchestration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/storage"
)

// countingStore wraps a store and counts reads that reach it.
type countingStore struct {
	core.ResultStore
	taskReads   atomic.Int64
	collabReads atomic.Int64
}

func (s *countingStore) GetTaskResult(ctx context.Context, taskID string) (*core.TaskResult, error) {
	s.taskReads.Add(1)
	return s.ResultStore.GetTaskResult(ctx, taskID)
}

func (s *countingStore) GetCollabResult(ctx context.Context, collabID string) (*core.CollabResult, error) {
	s.collabReads.Add(1)
	return s.ResultStore.GetCollabResult(ctx, collabID)
}

func TestCachedResultStoreHit(t *testing.T) {
	backing := &countingStore{ResultStore: storage.NewMemoryStore()}
	cache := NewCachedResultStore(backing, 16, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.PutTaskResult(ctx, &core.TaskResult{TaskID: "t1", Status: core.TaskCompleted}))

	for i := 0; i < 3; i++ {
		result, err := cache.GetTaskResult(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, core.TaskCompleted, result.Status)
	}
	assert.Zero(t, backing.taskReads.Load(), "writes warm the cache")
}

func TestCachedResultStoreMissFallsBack(t *testing.T) {
	mem := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.PutTaskResult(ctx, &core.TaskResult{TaskID: "cold", Status: core.TaskFailed}))

	backing := &countingStore{ResultStore: mem}
	cache := NewCachedResultStore(backing, 16, time.Minute)

	result, err := cache.GetTaskResult(ctx, "cold")
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, result.Status)
	assert.Equal(t, int64(1), backing.taskReads.Load())

	// The miss populated the cache.
	_, err = cache.GetTaskResult(ctx, "cold")
	require.NoError(t, err)
	assert.Equal(t, int64(1), backing.taskReads.Load())
}

func TestCachedResultStoreNotFound(t *testing.T) {
	cache := NewCachedResultStore(storage.NewMemoryStore(), 16, time.Minute)
	_, err := cache.GetTaskResult(context.Background(), "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCachedResultStoreCollab(t *testing.T) {
	backing := &countingStore{ResultStore: storage.NewMemoryStore()}
	cache := NewCachedResultStore(backing, 16, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.PutCollabResult(ctx, &core.CollabResult{CollabID: "c1", Status: core.TaskCompleted}))
	result, err := cache.GetCollabResult(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", result.CollabID)
	assert.Zero(t, backing.collabReads.Load())
}
