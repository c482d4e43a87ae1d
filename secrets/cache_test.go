package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/core"
)

// mapSource serves secrets from a map and counts lookups.
type mapSource struct {
	values map[string][]byte
	calls  int
}

func (s *mapSource) Get(ctx context.Context, name string) ([]byte, error) {
	s.calls++
	v, ok := s.values[name]
	if !ok {
		return nil, core.ErrNotFound
	}
	return v, nil
}

func TestCacheHitSkipsSource(t *testing.T) {
	src := &mapSource{values: map[string][]byte{"api-key": []byte("s3cr3t")}}
	c := NewCache(src, time.Minute)

	v, err := c.Get(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cr3t"), v)

	v, err = c.Get(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cr3t"), v)
	assert.Equal(t, 1, src.calls)
}

func TestCacheExpiryRefetches(t *testing.T) {
	src := &mapSource{values: map[string][]byte{"api-key": []byte("v1")}}
	c := NewCache(src, time.Minute)

	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }

	_, err := c.Get(context.Background(), "api-key")
	require.NoError(t, err)

	src.values["api-key"] = []byte("v2")
	clock = clock.Add(2 * time.Minute)

	v, err := c.Get(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
	assert.Equal(t, 2, src.calls)
}

func TestCacheMissNotCached(t *testing.T) {
	src := &mapSource{values: map[string][]byte{}}
	c := NewCache(src, time.Minute)

	_, err := c.Get(context.Background(), "late")
	assert.ErrorIs(t, err, core.ErrNotFound)

	// The secret appears after the miss and is visible immediately.
	src.values["late"] = []byte("now")
	v, err := c.Get(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, []byte("now"), v)
}

func TestCacheInvalidate(t *testing.T) {
	src := &mapSource{values: map[string][]byte{"api-key": []byte("v1")}}
	c := NewCache(src, time.Hour)

	_, err := c.Get(context.Background(), "api-key")
	require.NoError(t, err)

	src.values["api-key"] = []byte("rotated")
	c.Invalidate("api-key")

	v, err := c.Get(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), v)
}

func TestNewCacheDefaultTTL(t *testing.T) {
	c := NewCache(&mapSource{}, 0)
	assert.Equal(t, DefaultTTL, c.ttl)
}
