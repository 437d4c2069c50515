package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend that knows real driving times.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

// keys are rounded to ~11m so a driver creeping forward still hits
func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Naive ETA: straight-line distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Estimator answers "how long until the driver reaches the pickup". It tries
// the cache, then the routing client, then the straight-line estimate. It
// never fails.
type Estimator struct {
	Client   Client // optional
	Cache    *Cache // optional
	SpeedMps float64
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) time.Duration {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return seconds(v)
		}
	}
	v := -1.0
	if e.Client != nil {
		if got, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			v = got
		}
	}
	if v < 0 {
		v = EstimateSeconds(from, to, e.SpeedMps)
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, v)
	}
	return seconds(v)
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v)) * time.Second
}

// Text renders an ETA the way rider apps show it, rounded up to whole
// minutes.
func Text(d time.Duration) string {
	if d < 30*time.Second {
		return "Arriving now"
	}
	mins := int(math.Ceil(d.Minutes()))
	if mins == 1 {
		return "1 min"
	}
	return fmt.Sprintf("%d mins", mins)
}
