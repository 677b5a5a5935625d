package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"market-price-router/internal/model"
)

//go:generate mockgen -package=router_test -destination=mock_sources_test.go -source=router.go PriceCache,QuoteClient

// PriceCache serves recent streamed prices. Lookup reports a miss for
// symbols that are unknown, incomplete, or older than maxAge.
type PriceCache interface {
	Lookup(symbol string, maxAge time.Duration) (model.PricePoint, bool)
}

// QuoteClient fetches a single price over HTTP with its own retry and
// circuit-breaker policy.
type QuoteClient interface {
	GetPrice(ctx context.Context, symbol string, maxRetries int) (float64, model.Reason)
}

const (
	// DefaultStaleAfter is the cutoff beyond which a streamed price is no
	// longer served and the request falls through to the quote backend.
	DefaultStaleAfter = 30 * time.Second

	defaultMaxRetries = 2
)

// Router resolves a symbol's current price from the freshest available
// source: the live stream cache first, the HTTP quote backend as fallback.
type Router struct {
	cache      PriceCache
	quotes     QuoteClient
	log        *zap.Logger
	staleAfter time.Duration
	maxRetries int
}

// Option adjusts router policy.
type Option func(*Router)

// WithStaleAfter overrides how old a streamed price may be and still be
// served without falling back.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Router) { r.staleAfter = d }
}

// WithMaxRetries sets the retry budget handed to the quote backend on
// fallback. Zero means a single attempt.
func WithMaxRetries(n int) Option {
	return func(r *Router) { r.maxRetries = n }
}

func New(cache PriceCache, quotes QuoteClient, log *zap.Logger, opts ...Option) *Router {
	r := &Router{
		cache:      cache,
		quotes:     quotes,
		log:        log,
		staleAfter: DefaultStaleAfter,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetPrice returns the best available price for symbol. A fresh streamed
// price wins without touching the quote backend; otherwise the quote
// backend's outcome is returned as-is, including its failure reason. The
// router never waits for the stream to warm up.
func (r *Router) GetPrice(ctx context.Context, symbol string) model.PriceResult {
	start := time.Now()

	if point, ok := r.cache.Lookup(symbol, r.staleAfter); ok {
		r.log.Debug("price served from stream",
			zap.String("symbol", symbol),
			zap.Float64("price", point.Mid()),
			zap.Duration("age", time.Since(point.ObservedAt)),
		)
		return model.PriceResult{
			Symbol: symbol,
			Price:  point.Mid(),
			Source: model.SourceStream,
		}
	}

	price, reason := r.quotes.GetPrice(ctx, symbol, r.maxRetries)
	result := model.PriceResult{
		Symbol: symbol,
		Price:  price,
		Reason: reason,
		Source: model.SourceQuote,
	}
	if result.OK() {
		r.log.Debug("price served from quote backend",
			zap.String("symbol", symbol),
			zap.Float64("price", price),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
	} else {
		r.log.Warn("price unavailable",
			zap.String("symbol", symbol),
			zap.String("reason", string(reason)),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
	}
	return result
}
