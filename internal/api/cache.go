package api

import (
	"strings"
	"sync"
	"time"

	"market-price-router/internal/model"
)

// LivePriceCache holds the latest observed quote per symbol. The stream
// client's read loop is the sole writer; lookups happen concurrently from
// router callers, so the read path takes a lock only for the duration of a
// map access.
type LivePriceCache struct {
	mu    sync.RWMutex
	now   func() time.Time
	items map[string]model.PricePoint
}

// NewLivePriceCache creates an empty cache.
func NewLivePriceCache() *LivePriceCache {
	return &LivePriceCache{now: time.Now, items: make(map[string]model.PricePoint)}
}

// Put stores the latest observation for symbol. Partial ticks merge with the
// previous entry: a zero bid or ask keeps the last known value for that side.
func (c *LivePriceCache) Put(symbol string, bid, ask float64, observedAt time.Time) {
	key := strings.ToUpper(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.items[key]
	if bid > 0 {
		p.Bid = bid
	}
	if ask > 0 {
		p.Ask = ask
	}
	p.ObservedAt = observedAt
	c.items[key] = p
}

// Lookup returns the cached point for symbol if it is complete and younger
// than maxAge. Stale entries and unmerged partial ticks are reported as
// absent so callers fall back to the quote backend instead of serving old
// data as fresh.
func (c *LivePriceCache) Lookup(symbol string, maxAge time.Duration) (model.PricePoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.items[strings.ToUpper(symbol)]
	if !ok || p.Bid <= 0 || p.Ask <= 0 {
		return model.PricePoint{}, false
	}
	if maxAge > 0 && c.now().Sub(p.ObservedAt) > maxAge {
		return model.PricePoint{}, false
	}
	return p, true
}

// Len reports how many symbols currently have an entry.
func (c *LivePriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
