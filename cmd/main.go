package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"market-price-router/internal/api"
	"market-price-router/internal/breaker"
	"market-price-router/internal/model"
	"market-price-router/internal/quote"
	"market-price-router/internal/router"
	"market-price-router/internal/service"
)

func main() {
	// Credentials live in .env during development; in production they come
	// from the real environment.
	_ = godotenv.Load()

	service.InitLogger()
	defer service.Logger.Sync()

	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.Logger.Fatal("Configuration directory 'config/' not found. Please create it.")
	}
	cfg := service.LoadConfig(configPath)
	if len(cfg.Symbols) == 0 {
		service.Logger.Fatal("No symbols configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. The quote backend sits behind its own circuit breaker. One breaker
	// per backend, shared across every symbol.
	quoteBreaker := breaker.New("twelve_data", service.Logger)

	quoteOpts := []quote.Option{}
	if cfg.Quote.BaseURL != "" {
		quoteOpts = append(quoteOpts, quote.WithBaseURL(cfg.Quote.BaseURL))
	}
	if cfg.Quote.MinInterval > 0 {
		quoteOpts = append(quoteOpts, quote.WithMinInterval(cfg.Quote.MinInterval))
	}
	quoteClient := quote.New(cfg.Quote.APIKey, quoteBreaker, service.Logger, quoteOpts...)

	// 2. The stream client owns the live price cache; everything else reads
	// through the router.
	cache := api.NewLivePriceCache()
	stream := api.NewStreamClient(api.Config{
		WSURL:        cfg.Stream.WSURL,
		ClientID:     cfg.Stream.ClientID,
		ClientSecret: cfg.Stream.ClientSecret,
		AccessToken:  cfg.Stream.AccessToken,
		AccountID:    cfg.Stream.AccountID,
		Symbols:      cfg.Symbols,
		StepTimeout:  cfg.Stream.StepTimeout,
		ReadTimeout:  cfg.Stream.ReadTimeout,
		ReconnectMax: cfg.Stream.ReconnectMax,
	}, cache, service.Logger)

	routerOpts := []router.Option{router.WithMaxRetries(cfg.Quote.MaxRetries)}
	if cfg.Router.StaleAfter > 0 {
		routerOpts = append(routerOpts, router.WithStaleAfter(cfg.Router.StaleAfter))
	}
	priceRouter := router.New(cache, quoteClient, service.Logger, routerOpts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stream.Run(ctx)
	})
	g.Go(func() error {
		return pollLoop(ctx, cfg, priceRouter, stream)
	})

	service.Logger.Info("price router started",
		zap.Strings("symbols", cfg.Symbols),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	if err := g.Wait(); err != nil && err != context.Canceled {
		service.Logger.Fatal("shutdown with error", zap.Error(err))
	}
	service.Logger.Info("shutdown complete")
}

// pollLoop resolves every configured symbol once per interval and logs the
// outcome alongside its stream subscription state.
func pollLoop(ctx context.Context, cfg *service.Config, pr *router.Router, stream *api.StreamClient) error {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, sym := range cfg.Symbols {
			result := pr.GetPrice(ctx, sym)
			state, reason := stream.SubscriptionStatus(sym)

			fields := []zap.Field{
				zap.String("symbol", sym),
				zap.String("source", result.Source),
				zap.String("stream_state", state.String()),
			}
			if reason != model.ReasonNone {
				fields = append(fields, zap.String("stream_reason", string(reason)))
			}
			if result.OK() {
				service.Logger.Info("price", append(fields, zap.Float64("price", result.Price))...)
			} else {
				service.Logger.Warn("price unavailable", append(fields, zap.String("reason", string(result.Reason)))...)
			}
		}
	}
}
