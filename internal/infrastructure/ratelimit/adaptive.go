// Package ratelimit provides adaptive rate limiting for outbound data-source
// calls, self-tuning the active ceiling from success/failure feedback.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimitExceeded is returned by Acquire once all backoff retries are
// exhausted. It is non-fatal; callers decide whether to retry later.
var ErrRateLimitExceeded = errors.New("ratelimit: retries exhausted waiting for a slot")

// Strategy selects the windowing algorithm.
type Strategy string

const (
	// StrategyFixed resets the call counter at each period boundary. The
	// reset is evaluated lazily on the next check, which can admit a burst
	// right after a boundary under concurrent callers.
	StrategyFixed Strategy = "fixed"
	// StrategySliding evicts expired call timestamps on every check.
	StrategySliding Strategy = "sliding"
)

// StatusCoder is implemented by errors that carry an HTTP status code,
// letting Do feed upstream throttling responses into the limiter.
type StatusCoder interface {
	StatusCode() int
}

// Config configures an AdaptiveLimiter.
type Config struct {
	MaxCalls       int           `json:"max_calls" yaml:"max_calls" mapstructure:"max_calls"`
	MinCalls       int           `json:"min_calls" yaml:"min_calls" mapstructure:"min_calls"`
	Period         time.Duration `json:"period" yaml:"period" mapstructure:"period"`
	Strategy       Strategy      `json:"strategy" yaml:"strategy" mapstructure:"strategy"`
	IncreaseFactor float64       `json:"increase_factor" yaml:"increase_factor" mapstructure:"increase_factor"`
	DecreaseFactor float64       `json:"decrease_factor" yaml:"decrease_factor" mapstructure:"decrease_factor"`
	RetryCount     int           `json:"retry_count" yaml:"retry_count" mapstructure:"retry_count"`
	RetryInterval  time.Duration `json:"retry_interval" yaml:"retry_interval" mapstructure:"retry_interval"`
	Jitter         float64       `json:"jitter" yaml:"jitter" mapstructure:"jitter"`
}

// DefaultConfig returns sensible defaults for a vendor API limiter.
func DefaultConfig() Config {
	return Config{
		MaxCalls:       60,
		MinCalls:       5,
		Period:         time.Minute,
		Strategy:       StrategySliding,
		IncreaseFactor: 1.1,
		DecreaseFactor: 0.5,
		RetryCount:     5,
		RetryInterval:  100 * time.Millisecond,
		Jitter:         0.1,
	}
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	switch {
	case c.MaxCalls <= 0:
		return errors.New("ratelimit: max_calls must be positive")
	case c.MinCalls <= 0 || c.MinCalls > c.MaxCalls:
		return errors.New("ratelimit: min_calls must be in [1, max_calls]")
	case c.Period <= 0:
		return errors.New("ratelimit: period must be positive")
	case c.Strategy != StrategyFixed && c.Strategy != StrategySliding:
		return errors.New("ratelimit: strategy must be fixed or sliding")
	case c.IncreaseFactor < 1.0:
		return errors.New("ratelimit: increase_factor must be >= 1.0")
	case c.DecreaseFactor <= 0 || c.DecreaseFactor > 1.0:
		return errors.New("ratelimit: decrease_factor must be in (0, 1]")
	case c.RetryCount < 0:
		return errors.New("ratelimit: retry_count must not be negative")
	case c.RetryInterval <= 0:
		return errors.New("ratelimit: retry_interval must be positive")
	case c.Jitter < 0:
		return errors.New("ratelimit: jitter must not be negative")
	}
	return nil
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	CurrentMaxCalls     int           `json:"current_max_calls"`
	MinCalls            int           `json:"min_calls"`
	MaxCalls            int           `json:"max_calls"`
	Strategy            Strategy      `json:"strategy"`
	Period              time.Duration `json:"period"`
	WindowOccupancy     int           `json:"window_occupancy"`
	Acquired            int64         `json:"acquired"`
	Throttled           int64         `json:"throttled"`
	Successes           int           `json:"successes"`
	Failures            int           `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Increases           int64         `json:"increases"`
	Decreases           int64         `json:"decreases"`
}

// successesPerIncrease is how many successes are tallied before the active
// ceiling is raised.
const successesPerIncrease = 10

// AdaptiveLimiter gates outbound calls against a tunable ceiling. One
// instance typically protects one upstream resource and is safe for
// concurrent use from arbitrary goroutines.
type AdaptiveLimiter struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	currentMax int

	// sliding window state: call timestamps within the active period
	timestamps []time.Time

	// fixed window state
	windowStart time.Time
	windowCount int

	// rolling feedback tallies
	successes           int
	failures            int
	consecutiveFailures int

	acquired  int64
	throttled int64
	increases int64
	decreases int64
}

// NewAdaptiveLimiter creates a limiter from cfg. The active ceiling starts
// at cfg.MaxCalls and adapts from there.
func NewAdaptiveLimiter(cfg Config, logger *zap.Logger) (*AdaptiveLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdaptiveLimiter{
		cfg:        cfg,
		logger:     logger.Named("ratelimit"),
		currentMax: cfg.MaxCalls,
		timestamps: make([]time.Time, 0, cfg.MaxCalls+1),
	}, nil
}

// Acquire blocks until a slot is free under the active ceiling, retrying
// with exponential backoff and jitter. It returns ErrRateLimitExceeded once
// retries are exhausted, or the context error if ctx is done first.
func (l *AdaptiveLimiter) Acquire(ctx context.Context) error {
	wait := l.cfg.RetryInterval
	for attempt := 0; ; attempt++ {
		if l.tryAcquire(time.Now()) {
			return nil
		}
		if attempt >= l.cfg.RetryCount {
			l.mu.Lock()
			l.throttled++
			l.mu.Unlock()
			l.logger.Debug("rate limit slot not acquired",
				zap.Int("attempts", attempt+1),
				zap.Int("current_max_calls", l.CurrentMaxCalls()))
			return ErrRateLimitExceeded
		}

		sleep := wait
		if l.cfg.Jitter > 0 {
			sleep += time.Duration(rand.Float64() * l.cfg.Jitter * float64(wait))
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}
}

// Do runs fn under a scoped acquisition and feeds its outcome back into the
// limiter. Errors implementing StatusCoder report their HTTP status.
func (l *AdaptiveLimiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		status := 0
		var sc StatusCoder
		if errors.As(err, &sc) {
			status = sc.StatusCode()
		}
		l.ReportFailure(status)
		return err
	}
	l.ReportSuccess()
	return nil
}

// tryAcquire records one call if the active window has room.
func (l *AdaptiveLimiter) tryAcquire(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.cfg.Strategy {
	case StrategyFixed:
		if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.cfg.Period {
			l.windowStart = now
			l.windowCount = 0
		}
		if l.windowCount < l.currentMax {
			l.windowCount++
			l.acquired++
			return true
		}
	default: // sliding
		l.evictExpired(now)
		if len(l.timestamps) < l.currentMax {
			l.timestamps = append(l.timestamps, now)
			l.acquired++
			return true
		}
	}
	return false
}

// evictExpired drops timestamps older than one period. Caller holds mu.
func (l *AdaptiveLimiter) evictExpired(now time.Time) {
	cutoff := now.Add(-l.cfg.Period)
	idx := 0
	for idx < len(l.timestamps) && l.timestamps[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		l.timestamps = l.timestamps[idx:]
	}
}

// ReportSuccess tallies a successful upstream call. Every ten successes the
// active ceiling is raised by IncreaseFactor, capped at MaxCalls.
func (l *AdaptiveLimiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successes++
	l.consecutiveFailures = 0
	if l.successes < successesPerIncrease {
		return
	}

	raised := int(math.Ceil(float64(l.currentMax) * l.cfg.IncreaseFactor))
	if raised > l.cfg.MaxCalls {
		raised = l.cfg.MaxCalls
	}
	if raised != l.currentMax {
		l.increases++
		l.logger.Debug("raising rate limit ceiling",
			zap.Int("old", l.currentMax),
			zap.Int("new", raised))
		l.currentMax = raised
	}
	l.successes = 0
	l.failures = 0
}

// ReportFailure tallies a failed upstream call. On HTTP 429 or three
// consecutive failures the active ceiling is cut by DecreaseFactor, floored
// at MinCalls. Pass 0 when no status code is known.
func (l *AdaptiveLimiter) ReportFailure(statusCode int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures++
	l.consecutiveFailures++
	if statusCode != 429 && l.consecutiveFailures < 3 {
		return
	}

	lowered := int(math.Floor(float64(l.currentMax) * l.cfg.DecreaseFactor))
	if lowered < l.cfg.MinCalls {
		lowered = l.cfg.MinCalls
	}
	if lowered != l.currentMax {
		l.decreases++
		l.logger.Warn("lowering rate limit ceiling",
			zap.Int("old", l.currentMax),
			zap.Int("new", lowered),
			zap.Int("status_code", statusCode),
			zap.Int("consecutive_failures", l.consecutiveFailures))
		l.currentMax = lowered
	}
	l.successes = 0
	l.failures = 0
	l.consecutiveFailures = 0
}

// CurrentMaxCalls returns the active ceiling.
func (l *AdaptiveLimiter) CurrentMaxCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentMax
}

// Stats returns a snapshot of limiter state.
func (l *AdaptiveLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	occupancy := l.windowCount
	switch l.cfg.Strategy {
	case StrategyFixed:
		if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.cfg.Period {
			occupancy = 0
		}
	default: // sliding
		l.evictExpired(now)
		occupancy = len(l.timestamps)
	}
	return Stats{
		CurrentMaxCalls:     l.currentMax,
		MinCalls:            l.cfg.MinCalls,
		MaxCalls:            l.cfg.MaxCalls,
		Strategy:            l.cfg.Strategy,
		Period:              l.cfg.Period,
		WindowOccupancy:     occupancy,
		Acquired:            l.acquired,
		Throttled:           l.throttled,
		Successes:           l.successes,
		Failures:            l.failures,
		ConsecutiveFailures: l.consecutiveFailures,
		Increases:           l.increases,
		Decreases:           l.decreases,
	}
}
