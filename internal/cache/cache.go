package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Cache wraps a ristretto cache with feature toggle awareness.
type Cache struct {
	enabled bool
	ttl     time.Duration
	store   *ristretto.Cache
}

// Config captures cache construction parameters.
type Config struct {
	Enabled     bool
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
}

// Stats summarises cache effectiveness.
type Stats struct {
	Enabled   bool          `json:"enabled"`
	TTL       time.Duration `json:"ttl"`
	MaxCost   int64         `json:"max_cost"`
	Hits      uint64        `json:"hits"`
	Misses    uint64        `json:"misses"`
	KeysAdded uint64        `json:"keys_added"`
	CostAdded uint64        `json:"cost_added"`
	Ratio     float64       `json:"hit_ratio"`
}

// New creates a Cache instance according to the configuration.
func New(cfg Config) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{enabled: false}, nil
	}

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64OrDefault(cfg.NumCounters, 1e4),
		MaxCost:     int64OrDefault(cfg.MaxCost, 64<<20),
		BufferItems: int64OrDefault(cfg.BufferItems, 64),
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	return &Cache{enabled: true, ttl: ttl, store: rc}, nil
}

// Get returns cached bytes for the key, if available.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}
	if v, ok := c.store.Get(key); ok {
		if b, ok := v.([]byte); ok {
			return b, true
		}
	}
	return nil, false
}

// Set stores the payload and waits until it is visible to Get.
func (c *Cache) Set(_ context.Context, key string, val []byte, cost int64) bool {
	if !c.enabled {
		return false
	}
	if cost <= 0 {
		cost = int64(len(val))
	}
	ok := c.store.SetWithTTL(key, val, cost, c.ttl)
	c.store.Wait()
	return ok
}

// Stats reports hit and miss counters.
func (c *Cache) Stats() Stats {
	if !c.enabled {
		return Stats{}
	}
	m := c.store.Metrics
	return Stats{
		Enabled:   true,
		TTL:       c.ttl,
		MaxCost:   c.store.MaxCost(),
		Hits:      m.Hits(),
		Misses:    m.Misses(),
		KeysAdded: m.KeysAdded(),
		CostAdded: m.CostAdded(),
		Ratio:     m.Ratio(),
	}
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	if c.enabled {
		c.store.Close()
	}
}

func int64OrDefault(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}
