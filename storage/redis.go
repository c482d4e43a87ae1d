package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/resilience"
)

// RedisStore is a core.ResultStore backed by Redis. Results are stored as
// JSON values under namespaced keys with a TTL; writes retry with backoff
// so transient connectivity blips do not lose terminal results.
type RedisStore struct {
	client *redis.Client
	config RedisStoreConfig
	logger core.Logger
}

var _ core.ResultStore = (*RedisStore)(nil)

// RedisStoreConfig configures the Redis store.
type RedisStoreConfig struct {
	// KeyPrefix namespaces all keys. Default "maestro:results".
	KeyPrefix string

	// TTL is how long results stay readable. Default 24h.
	TTL time.Duration

	// Retry configures write retries. Nil uses resilience defaults.
	Retry *resilience.RetryConfig

	Logger core.Logger
}

// NewRedisStore creates a store over an already-connected client.
func NewRedisStore(client *redis.Client, cfg RedisStoreConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "maestro:results"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	return &RedisStore{client: client, config: cfg, logger: cfg.Logger}
}

// NewRedisStoreFromURL parses a Redis URL, verifies connectivity and
// returns a store.
func NewRedisStoreFromURL(ctx context.Context, url string, cfg RedisStoreConfig) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, cfg), nil
}

func (s *RedisStore) taskKey(id string) string {
	return s.config.KeyPrefix + ":task:" + id
}

func (s *RedisStore) collabKey(id string) string {
	return s.config.KeyPrefix + ":collab:" + id
}

func (s *RedisStore) PutTaskResult(ctx context.Context, result *core.TaskResult) error {
	if result == nil || result.TaskID == "" {
		return fmt.Errorf("storage: task result must have a task id")
	}
	return s.put(ctx, s.taskKey(result.TaskID), result)
}

func (s *RedisStore) GetTaskResult(ctx context.Context, taskID string) (*core.TaskResult, error) {
	var result core.TaskResult
	if err := s.get(ctx, s.taskKey(taskID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *RedisStore) PutCollabResult(ctx context.Context, result *core.CollabResult) error {
	if result == nil || result.CollabID == "" {
		return fmt.Errorf("storage: collab result must have a collab id")
	}
	return s.put(ctx, s.collabKey(result.CollabID), result)
}

func (s *RedisStore) GetCollabResult(ctx context.Context, collabID string) (*core.CollabResult, error) {
	var result core.CollabResult
	if err := s.get(ctx, s.collabKey(collabID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *RedisStore) put(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	err = resilience.Retry(ctx, s.config.Retry, func() error {
		return s.client.Set(ctx, key, data, s.config.TTL).Err()
	})
	if err != nil {
		s.logger.Error("Failed to persist result", map[string]interface{}{
			"operation": "result_store_put",
			"key":       key,
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to persist result: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string, out interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("storage: %s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to deserialize result: %w", err)
	}
	return nil
}
