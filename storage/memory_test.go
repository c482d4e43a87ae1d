package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/core"
)

func TestMemoryStoreTaskResults(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	result := &core.TaskResult{
		TaskID:     "t1",
		AgentID:    "coder",
		Status:     core.TaskCompleted,
		Content:    "done",
		FinishedAt: time.Now(),
	}
	require.NoError(t, s.PutTaskResult(ctx, result))

	got, err := s.GetTaskResult(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, result, got)

	_, err = s.GetTaskResult(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryStoreCollabResults(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	result := &core.CollabResult{
		CollabID: "c1",
		Status:   core.TaskCompleted,
		Strategy: core.StrategyParallel,
	}
	require.NoError(t, s.PutCollabResult(ctx, result))

	got, err := s.GetCollabResult(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, result, got)

	_, err = s.GetCollabResult(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryStoreOverwrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutTaskResult(ctx, &core.TaskResult{TaskID: "t1", Status: core.TaskRunning}))
	require.NoError(t, s.PutTaskResult(ctx, &core.TaskResult{TaskID: "t1", Status: core.TaskCompleted}))

	got, err := s.GetTaskResult(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, got.Status)
}

func TestMemoryStoreRejectsEmptyID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.Error(t, s.PutTaskResult(ctx, &core.TaskResult{}))
	assert.Error(t, s.PutTaskResult(ctx, nil))
	assert.Error(t, s.PutCollabResult(ctx, &core.CollabResult{}))
}

func TestRedisStoreKeys(t *testing.T) {
	s := NewRedisStore(nil, RedisStoreConfig{})
	assert.Equal(t, "maestro:results:task:t1", s.taskKey("t1"))
	assert.Equal(t, "maestro:results:collab:c1", s.collabKey("c1"))

	s = NewRedisStore(nil, RedisStoreConfig{KeyPrefix: "custom"})
	assert.Equal(t, "custom:task:t1", s.taskKey("t1"))
	assert.Equal(t, 24*time.Hour, s.config.TTL)
}
