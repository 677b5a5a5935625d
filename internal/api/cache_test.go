package api_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"market-price-router/internal/api"
)

func TestCacheLookupFreshAndStale(t *testing.T) {
	t.Parallel()

	c := api.NewLivePriceCache()
	c.Put("EURUSD", 1.0840, 1.0842, time.Now())

	// Fresh entry is served, case-insensitively.
	p, ok := c.Lookup("eurusd", 30*time.Second)
	require.True(t, ok)
	require.InDelta(t, 1.0841, p.Mid(), 1e-9)

	// An entry older than maxAge is treated as absent, not returned stale.
	c.Put("GBPUSD", 1.2700, 1.2702, time.Now().Add(-time.Minute))
	_, ok = c.Lookup("GBPUSD", 30*time.Second)
	require.False(t, ok)

	// Unknown symbols are absent.
	_, ok = c.Lookup("USDJPY", 30*time.Second)
	require.False(t, ok)
}

func TestCacheMergesPartialTicks(t *testing.T) {
	t.Parallel()

	c := api.NewLivePriceCache()

	// A bid-only tick alone is not servable.
	c.Put("XAUUSD", 2350.10, 0, time.Now())
	_, ok := c.Lookup("XAUUSD", 30*time.Second)
	require.False(t, ok)

	// The matching ask-only tick completes the quote.
	c.Put("XAUUSD", 0, 2350.60, time.Now())
	p, ok := c.Lookup("XAUUSD", 30*time.Second)
	require.True(t, ok)
	require.InDelta(t, 2350.10, p.Bid, 1e-9)
	require.InDelta(t, 2350.60, p.Ask, 1e-9)

	// A later full tick replaces both sides.
	c.Put("XAUUSD", 2351.00, 2351.50, time.Now())
	p, ok = c.Lookup("XAUUSD", 30*time.Second)
	require.True(t, ok)
	require.InDelta(t, 2351.25, p.Mid(), 1e-9)
}
