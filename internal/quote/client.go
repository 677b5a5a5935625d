package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-price-router/internal/breaker"
	"market-price-router/internal/model"
)

// HTTPClient describes the outbound HTTP transport.
//
//go:generate mockgen -package=quote_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultBaseURL     = "https://api.twelvedata.com"
	defaultTimeout     = 10 * time.Second
	defaultMinInterval = 100 * time.Millisecond

	// bodyExcerptLimit bounds how much of an error response is kept for logs.
	bodyExcerptLimit = 4096
)

// Client fetches single-symbol prices from the HTTP quote API with bounded
// retries and a shared circuit breaker. All symbols funneled through this
// client share the one breaker instance, so a failure burst on any symbol
// cools down the whole backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPClient
	breaker    *breaker.Breaker
	log        *zap.Logger

	retryWait   func(attempt int) time.Duration
	minInterval time.Duration

	mu   sync.Mutex
	last time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the quote API endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient replaces the HTTP transport.
func WithHTTPClient(httpClient HTTPClient) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMinInterval sets the minimum spacing between outbound requests.
// Zero disables the gate.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) {
		c.minInterval = d
	}
}

// WithRetryWait replaces the backoff schedule between retry attempts.
func WithRetryWait(fn func(attempt int) time.Duration) Option {
	return func(c *Client) {
		c.retryWait = fn
	}
}

// New creates a quote client guarded by the given breaker.
func New(apiKey string, b *breaker.Breaker, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:     defaultBaseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		breaker:     b,
		log:         log,
		retryWait:   defaultRetryWait,
		minInterval: defaultMinInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultRetryWait is 1s, 2s, 4s, ... per retry attempt.
func defaultRetryWait(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Second * time.Duration(1<<attempt)
}

// attemptResult captures one HTTP attempt for retry decisions and logging.
type attemptResult struct {
	price      float64
	reason     model.Reason
	httpStatus int
	latencyMs  int64
	detail     string
}

// GetPrice fetches the current price for symbol.
//
// maxRetries counts retries after the first attempt: maxRetries=0 issues
// exactly one request, maxRetries=N at most N+1. Permanent failure classes
// stop the loop regardless of remaining budget. When the breaker is open the
// call returns cooldown without touching the network and without logging an
// outbound request.
func (c *Client) GetPrice(ctx context.Context, symbol string, maxRetries int) (float64, model.Reason) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if !c.breaker.Allow() {
		return 0, model.ReasonCooldown
	}

	apiSymbol := NormalizeSymbol(symbol)

	var res attemptResult
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.throttle(ctx); err != nil {
			res = attemptResult{reason: model.ReasonTimeout, detail: fmt.Sprintf("throttle: %v", err)}
			break
		}

		c.log.Info("quote request",
			zap.String("symbol", apiSymbol),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
		)
		res = c.attempt(ctx, apiSymbol)

		if res.reason == model.ReasonNone {
			c.breaker.OnSuccess()
			c.log.Info("quote received",
				zap.String("symbol", apiSymbol),
				zap.Float64("price", res.price),
				zap.Int64("latency_ms", res.latencyMs),
			)
			return res.price, model.ReasonNone
		}

		c.log.Warn("quote attempt failed",
			zap.String("symbol", apiSymbol),
			zap.Int("attempt", attempt),
			zap.String("reason", string(res.reason)),
			zap.Int("http_status", res.httpStatus),
			zap.Int64("latency_ms", res.latencyMs),
			zap.String("detail", res.detail),
		)

		if !res.reason.Retryable() || attempt >= maxRetries {
			break
		}
		if err := sleepCtx(ctx, c.retryWait(attempt)); err != nil {
			break
		}
	}

	c.breaker.OnFailure(res.reason)
	return 0, res.reason
}

// throttle enforces the minimum interval since the last outbound request.
func (c *Client) throttle(ctx context.Context) error {
	if c.minInterval <= 0 {
		return nil
	}
	c.mu.Lock()
	wait := time.Until(c.last.Add(c.minInterval))
	c.mu.Unlock()
	return sleepCtx(ctx, wait)
}

// attempt performs one HTTP round trip and classifies the outcome.
func (c *Client) attempt(ctx context.Context, apiSymbol string) attemptResult {
	start := time.Now()
	elapsed := func() int64 { return time.Since(start).Milliseconds() }

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/price", nil)
	if err != nil {
		return attemptResult{reason: model.ReasonUnknown, latencyMs: elapsed(), detail: err.Error()}
	}
	q := req.URL.Query()
	q.Set("symbol", apiSymbol)
	q.Set("apikey", c.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)

	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()

	if err != nil {
		return attemptResult{
			reason:    classifyTransportError(err),
			latencyMs: elapsed(),
			detail:    fmt.Sprintf("%T: %v", err, err),
		}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, bodyExcerptLimit))
	if readErr != nil {
		return attemptResult{
			reason:     model.ReasonNetworkError,
			httpStatus: resp.StatusCode,
			latencyMs:  elapsed(),
			detail:     fmt.Sprintf("read body: %v", readErr),
		}
	}
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return attemptResult{reason: model.ReasonRateLimited, httpStatus: resp.StatusCode, latencyMs: elapsed(), detail: excerpt}
	case resp.StatusCode >= 500:
		return attemptResult{reason: model.ReasonServerError, httpStatus: resp.StatusCode, latencyMs: elapsed(), detail: excerpt}
	case resp.StatusCode == http.StatusUnauthorized:
		return attemptResult{reason: model.ReasonInvalidCredentials, httpStatus: resp.StatusCode, latencyMs: elapsed(), detail: excerpt}
	case resp.StatusCode >= 400:
		return attemptResult{reason: model.ReasonClientError, httpStatus: resp.StatusCode, latencyMs: elapsed(), detail: excerpt}
	}

	var payload struct {
		Price   string `json:"price"`
		Status  string `json:"status"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return attemptResult{
			reason:     model.ReasonParseError,
			httpStatus: resp.StatusCode,
			latencyMs:  elapsed(),
			detail:     fmt.Sprintf("invalid json: %v; body: %s", err, excerpt),
		}
	}

	// The API reports many failures with HTTP 200 and an error body.
	if payload.Status == "error" {
		reason := model.ReasonClientError
		switch payload.Code {
		case http.StatusTooManyRequests:
			reason = model.ReasonRateLimited
		case http.StatusUnauthorized:
			reason = model.ReasonInvalidCredentials
		}
		return attemptResult{
			reason:     reason,
			httpStatus: resp.StatusCode,
			latencyMs:  elapsed(),
			detail:     fmt.Sprintf("api error code=%d: %s", payload.Code, payload.Message),
		}
	}

	if payload.Price == "" {
		return attemptResult{
			reason:     model.ReasonParseError,
			httpStatus: resp.StatusCode,
			latencyMs:  elapsed(),
			detail:     "missing price field; body: " + excerpt,
		}
	}
	price, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil || price <= 0 {
		return attemptResult{
			reason:     model.ReasonParseError,
			httpStatus: resp.StatusCode,
			latencyMs:  elapsed(),
			detail:     "unparseable price " + strconv.Quote(payload.Price),
		}
	}

	return attemptResult{price: price, httpStatus: resp.StatusCode, latencyMs: elapsed()}
}

// classifyTransportError maps transport failures onto the reason taxonomy.
func classifyTransportError(err error) model.Reason {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return model.ReasonTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.ReasonTimeout
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return model.ReasonNetworkError
	}
	return model.ReasonUnknown
}

// NormalizeSymbol converts compact pair names to the API's slash form:
// EURUSD -> EUR/USD, XAUUSD -> XAU/USD. Anything that is not a six-letter
// pair is passed through upper-cased.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
	if len(s) == 6 {
		return s[:3] + "/" + s[3:]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
