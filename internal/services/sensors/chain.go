package sensors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

type cachedReading struct {
	reading entities.WaterLevelReading
	at      time.Time
}

// Chain serves a short-lived cache, then the primary source, then each fallback in order.
// Fallback answers are tagged as such.
type Chain struct {
	primary   Provider
	fallbacks []Provider
	ttl       time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cachedReading
}

// NewChain builds a chain; ttl <= 0 disables the cache.
func NewChain(primary Provider, ttl time.Duration, fallbacks ...Provider) *Chain {
	return &Chain{
		primary:   primary,
		fallbacks: fallbacks,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]cachedReading),
	}
}

func (c *Chain) GetWaterLevel(ctx context.Context, fieldID string) (entities.WaterLevelReading, error) {
	if r, ok := c.cached(fieldID); ok {
		return r, nil
	}

	var errs []error
	if c.primary != nil {
		r, err := c.primary.GetWaterLevel(ctx, fieldID)
		if err == nil {
			c.store(fieldID, r)
			return r, nil
		}
		errs = append(errs, err)
	}
	for _, fb := range c.fallbacks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		r, err := fb.GetWaterLevel(ctx, fieldID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.Source = entities.SourceFallback
		c.store(fieldID, r)
		return r, nil
	}
	return entities.WaterLevelReading{}, fmt.Errorf("%w: %s: %v", model.ErrNotAvailable, fieldID, errors.Join(errs...))
}

func (c *Chain) cached(fieldID string) (entities.WaterLevelReading, bool) {
	if c.ttl <= 0 {
		return entities.WaterLevelReading{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[fieldID]
	if !ok || c.now().Sub(e.at) >= c.ttl {
		return entities.WaterLevelReading{}, false
	}
	return e.reading, true
}

func (c *Chain) store(fieldID string, r entities.WaterLevelReading) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.cache[fieldID] = cachedReading{reading: r, at: c.now()}
	c.mu.Unlock()
}
