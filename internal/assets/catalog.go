package assets

import (
	"context"
	"errors"
	"fmt"
	"kiln/internal/cache"
	"kiln/internal/ratelimit"
	"time"

	"github.com/rs/zerolog/log"
)

const catalogKey = "assets:checkpoints"

// ModelSource is the slice of the backend client the catalog needs.
type ModelSource interface {
	AvailableModels() ([]string, error)
}

// RateLimitError reports that a lookup was refused because the window budget
// is spent. RetryAfter tells the caller when a slot frees.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("model catalog rate limited, retry in %s", e.RetryAfter)
}

// Catalog serves the backend's model list with a cache in front so callers
// can populate pickers and validate fallbacks without hammering the
// backend's object info endpoint.
type Catalog struct {
	backend ModelSource
	cache   cache.Cache
	limiter *ratelimit.Limiter
	ttl     time.Duration
}

func NewCatalog(backend ModelSource, c cache.Cache, limiter *ratelimit.Limiter, ttl time.Duration) *Catalog {
	return &Catalog{
		backend: backend,
		cache:   c,
		limiter: limiter,
		ttl:     ttl,
	}
}

// Models returns the checkpoint names the backend can load, served from
// cache when fresh. Cache failures other than a miss fall through to the
// backend; only the uncached path spends rate limit budget.
func (c *Catalog) Models(ctx context.Context) ([]string, error) {
	var models []string
	err := cache.GetJSON(ctx, c.cache, catalogKey, &models)
	if err == nil {
		return models, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		log.Warn().Err(err).Msg("Model catalog cache read failed, falling through to backend")
	}

	if ok, retryAfter := c.limiter.Allow(); !ok {
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	models, err = c.backend.AvailableModels()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model catalog: %w", err)
	}

	if err := cache.SetJSON(ctx, c.cache, catalogKey, models, c.ttl); err != nil {
		log.Warn().Err(err).Msg("Failed to cache model catalog")
	}

	return models, nil
}

// Has reports whether name is a model the backend can currently load.
func (c *Catalog) Has(ctx context.Context, name string) (bool, error) {
	models, err := c.Models(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m == name {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate drops the cached list, forcing the next lookup to refresh.
func (c *Catalog) Invalidate(ctx context.Context) error {
	return c.cache.Delete(ctx, catalogKey)
}
