// Package guard implements a per-session circuit breaker for outbound
// assistant calls.
package guard

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimited marks a failure caused by the backend throttling us.
var ErrRateLimited = errors.New("rate limited")

// Config holds breaker thresholds.
type Config struct {
	MaxFailures int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	OpenWindow  time.Duration
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		OpenWindow:  30 * time.Second,
	}
}

// CircuitState is a snapshot of the breaker.
type CircuitState struct {
	FailureCount int
	LastFailure  time.Time
	IsOpen       bool
	NextRetry    time.Time
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// WithLogger attaches a logger for state transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// Guard is a circuit breaker. It is safe for concurrent use.
type Guard struct {
	mu     sync.Mutex
	cfg    Config
	state  CircuitState
	now    func() time.Time
	logger *zap.Logger
}

func New(cfg Config, opts ...Option) *Guard {
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.OpenWindow <= 0 {
		cfg.OpenWindow = def.OpenWindow
	}

	g := &Guard{
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsCallAllowed reports whether a call may be made now. Once the open
// window has elapsed the breaker closes and the failure count is reset,
// letting one trial call through.
func (g *Guard) IsCallAllowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.state.IsOpen {
		return true
	}
	if g.now().After(g.state.NextRetry) {
		g.state.IsOpen = false
		g.state.FailureCount = 0
		g.logger.Info("Circuit half-open, allowing trial call")
		return true
	}
	return false
}

// RecordFailure counts a failed call and opens the breaker when needed.
func (g *Guard) RecordFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.state.FailureCount++
	g.state.LastFailure = now

	switch {
	case IsRateLimited(err):
		delay := g.backoff(g.state.FailureCount)
		g.state.IsOpen = true
		g.state.NextRetry = now.Add(delay)
		g.logger.Warn("Circuit opened by rate limit",
			zap.Int("failures", g.state.FailureCount),
			zap.Duration("delay", delay))
	case g.state.FailureCount >= g.cfg.MaxFailures:
		g.state.IsOpen = true
		g.state.NextRetry = now.Add(g.cfg.OpenWindow)
		g.logger.Warn("Circuit opened after repeated failures",
			zap.Int("failures", g.state.FailureCount),
			zap.Error(err))
	}
}

// RecordSuccess closes the breaker and clears all counters.
func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = CircuitState{}
}

// State returns a snapshot of the breaker.
func (g *Guard) State() CircuitState {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state
}

// RetryAfter returns how long until the breaker lets a call through.
func (g *Guard) RetryAfter() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.state.IsOpen {
		return 0
	}
	d := g.state.NextRetry.Sub(g.now())
	if d < 0 {
		return 0
	}
	return d
}

// Backoff returns the rate-limit delay after the given number of
// consecutive failures: BaseDelay doubled per failure beyond the first,
// capped at MaxDelay.
func (g *Guard) Backoff(failures int) time.Duration {
	return g.backoff(failures)
}

func (g *Guard) backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := g.cfg.BaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= g.cfg.MaxDelay {
			return g.cfg.MaxDelay
		}
	}
	if delay > g.cfg.MaxDelay {
		return g.cfg.MaxDelay
	}
	return delay
}

// IsRateLimited reports whether err was caused by throttling, either by
// wrapping ErrRateLimited or by implementing RateLimited() bool.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var rl interface{ RateLimited() bool }
	if errors.As(err, &rl) {
		return rl.RateLimited()
	}
	return false
}
