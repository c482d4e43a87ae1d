package core

import (
	"context"
	"time"
)

// Logger is the minimal structured logging interface every component
// accepts. Components treat it as optional and fall back to NoOpLogger.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// NoOpLogger discards all log output.
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}

// ResultStore is the narrow persistence interface the core consumes.
// The runtime keeps a bounded in-memory cache in front of it; the external
// store is the source of truth for longer-lived reads. Implementations
// return ErrNotFound for missing records. A conformant runtime operates
// correctly with the in-memory store.
type ResultStore interface {
	PutTaskResult(ctx context.Context, result *TaskResult) error
	GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error)
	PutCollabResult(ctx context.Context, result *CollabResult) error
	GetCollabResult(ctx context.Context, collabID string) (*CollabResult, error)
}

// Authorizer is the injected authorization check-point. The hub calls it for
// every inbound frame before touching downstream components.
type Authorizer interface {
	Authorize(ctx context.Context, principal, action, resource string) bool
}

// AllowAll authorizes everything. The default when none is injected.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, principal, action, resource string) bool {
	return true
}

// RateLimiter is the admission-control interface consumed by the hub.
// Check is atomic; retryAfter is only meaningful when allowed is false.
type RateLimiter interface {
	Check(key string, cost int) (allowed bool, retryAfter time.Duration)
}

// SecretSource retrieves named secrets. Implementations return ErrNotFound
// for unknown names. The secrets package layers a TTL cache on top.
type SecretSource interface {
	Get(ctx context.Context, name string) ([]byte, error)
}
