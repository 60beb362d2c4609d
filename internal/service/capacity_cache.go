package service

import (
	"context"
	"sync"
	"time"
)

type capacityLoader interface {
	LoadAll(ctx context.Context) (map[string]int, error)
	LoadBuildingCodes(ctx context.Context) (map[string]string, error)
}

// CapacityCache fronts the room capacity tables with a TTL cache. Room data
// moves on a facilities timescale, so compute runs share one snapshot instead
// of re-reading both tables per run. Returned maps are shared and must not be
// mutated.
type CapacityCache struct {
	source  capacityLoader
	metrics *MetricsService
	ttl     time.Duration

	mu       sync.Mutex
	caps     map[string]int
	codes    map[string]string
	loadedAt time.Time
}

// NewCapacityCache constructs the cache. A non-positive ttl disables caching
// and every call hits the database.
func NewCapacityCache(source capacityLoader, metrics *MetricsService, ttl time.Duration) *CapacityCache {
	return &CapacityCache{source: source, metrics: metrics, ttl: ttl}
}

// LoadAll returns the room capacity snapshot, refreshing it when stale.
func (c *CapacityCache) LoadAll(ctx context.Context) (map[string]int, error) {
	caps, _, err := c.snapshot(ctx)
	return caps, err
}

// LoadBuildingCodes returns the building code snapshot, refreshing it when
// stale.
func (c *CapacityCache) LoadBuildingCodes(ctx context.Context) (map[string]string, error) {
	_, codes, err := c.snapshot(ctx)
	return codes, err
}

func (c *CapacityCache) snapshot(ctx context.Context) (map[string]int, map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.caps != nil && c.ttl > 0 && time.Since(c.loadedAt) < c.ttl {
		return c.caps, c.codes, nil
	}

	start := time.Now()
	caps, err := c.source.LoadAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	c.metrics.ObserveDBQuery("room_capacities_load", time.Since(start))

	start = time.Now()
	codes, err := c.source.LoadBuildingCodes(ctx)
	if err != nil {
		return nil, nil, err
	}
	c.metrics.ObserveDBQuery("building_mappings_load", time.Since(start))

	c.caps = caps
	c.codes = codes
	c.loadedAt = time.Now()
	return caps, codes, nil
}
