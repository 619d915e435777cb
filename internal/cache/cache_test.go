package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}}
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := f.data[key]
	if !ok {
		return nil, ErrCacheMiss
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

func TestJSONRoundTrip(t *testing.T) {
	c := newFakeCache()
	ctx := context.Background()

	models := []string{"sd_xl_base.safetensors", "anime-v3.safetensors"}
	require.NoError(t, SetJSON(ctx, c, "models", models, time.Minute))

	var got []string
	require.NoError(t, GetJSON(ctx, c, "models", &got))
	assert.Equal(t, models, got)
}

func TestGetJSONMissPassesThrough(t *testing.T) {
	c := newFakeCache()

	var got []string
	err := GetJSON(context.Background(), c, "absent", &got)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestGetJSONCorruptValue(t *testing.T) {
	c := newFakeCache()
	c.data["bad"] = []byte("{not json")

	var got map[string]string
	err := GetJSON(context.Background(), c, "bad", &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error decoding cached value")
}
