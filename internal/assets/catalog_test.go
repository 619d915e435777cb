package assets

import (
	"context"
	"errors"
	"kiln/internal/cache"
	"kiln/internal/ratelimit"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := f.data[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeCache) Ping(context.Context) error { return nil }
func (f *fakeCache) Close() error               { return nil }

type fakeSource struct {
	models []string
	err    error
	calls  int
}

func (f *fakeSource) AvailableModels() ([]string, error) {
	f.calls++
	return f.models, f.err
}

func TestModelsCachesBackendList(t *testing.T) {
	src := &fakeSource{models: []string{"base.safetensors", "anime-v3.safetensors"}}
	cat := NewCatalog(src, newFakeCache(), ratelimit.New(10, time.Minute), time.Minute)
	ctx := context.Background()

	got, err := cat.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, src.models, got)

	got, err = cat.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, src.models, got)
	assert.Equal(t, 1, src.calls, "second lookup served from cache")
}

func TestModelsRateLimited(t *testing.T) {
	src := &fakeSource{models: []string{"base.safetensors"}}
	c := newFakeCache()
	cat := NewCatalog(src, c, ratelimit.New(1, time.Minute), time.Minute)
	ctx := context.Background()

	_, err := cat.Models(ctx)
	require.NoError(t, err)

	// Drop the cache so the next lookup needs the backend again.
	require.NoError(t, cat.Invalidate(ctx))

	_, err = cat.Models(ctx)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, src.calls)
}

func TestModelsBackendError(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	cat := NewCatalog(src, newFakeCache(), ratelimit.New(10, time.Minute), time.Minute)

	_, err := cat.Models(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch model catalog")
}

func TestHas(t *testing.T) {
	src := &fakeSource{models: []string{"base.safetensors", "anime-v3.safetensors"}}
	cat := NewCatalog(src, newFakeCache(), ratelimit.New(10, time.Minute), time.Minute)
	ctx := context.Background()

	ok, err := cat.Has(ctx, "anime-v3.safetensors")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cat.Has(ctx, "missing.safetensors")
	require.NoError(t, err)
	assert.False(t, ok)
}
