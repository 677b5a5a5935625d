package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"market-price-router/internal/model"
)

// Policy values for every backend breaker.
const (
	FailThreshold = 3
	CooldownStart = 120 * time.Second
	CooldownMax   = 900 * time.Second
	backoffMult   = 2
)

// Breaker guards one remote backend. All symbols routed through the same
// backend share a single instance, so a failure burst on one symbol cools
// down the whole source. State lives for the process lifetime only.
type Breaker struct {
	name string
	log  *zap.Logger
	now  func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	cooldown  time.Duration
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New creates a closed breaker for the named backend.
func New(name string, log *zap.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		log:      log,
		now:      time.Now,
		cooldown: CooldownStart,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a request may be issued right now. It never mutates
// state: an open window simply denies callers until it elapses. Callers that
// get false must skip the network call entirely and surface a cooldown
// reason.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

// OnSuccess closes the breaker: the failure streak ends, any open window is
// cleared, and the next open period starts again from CooldownStart.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
	b.cooldown = CooldownStart
}

// OnFailure records one terminal failure. Reaching FailThreshold opens the
// breaker for the current cooldown and doubles the cooldown for the next
// open cycle, capped at CooldownMax.
func (b *Breaker) OnFailure(reason model.Reason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < FailThreshold {
		return
	}

	b.openUntil = b.now().Add(b.cooldown)
	b.log.Warn("circuit breaker open",
		zap.String("backend", b.name),
		zap.String("reason", string(reason)),
		zap.Int("consecutive_failures", b.failures),
		zap.Duration("cooldown", b.cooldown),
	)

	next := b.cooldown * backoffMult
	if next > CooldownMax {
		next = CooldownMax
	}
	b.cooldown = next
}

// State is a diagnostic snapshot.
type State struct {
	Failures  int
	OpenUntil time.Time
	Cooldown  time.Duration
}

// State returns a copy of the current breaker state for logging.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Failures: b.failures, OpenUntil: b.openUntil, Cooldown: b.cooldown}
}
