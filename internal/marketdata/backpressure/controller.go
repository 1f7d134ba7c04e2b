// Package backpressure converts queue occupancy into consumer-side pacing,
// throttling a processing loop under load and relaxing it when load subsides.
package backpressure

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config configures a Controller.
type Config struct {
	MaxQueueSize      int           `json:"max_queue_size" yaml:"max_queue_size" mapstructure:"max_queue_size"`
	WarningThreshold  float64       `json:"warning_threshold" yaml:"warning_threshold" mapstructure:"warning_threshold"`
	CriticalThreshold float64       `json:"critical_threshold" yaml:"critical_threshold" mapstructure:"critical_threshold"`
	AdjustmentFactor  float64       `json:"adjustment_factor" yaml:"adjustment_factor" mapstructure:"adjustment_factor"`
	MinInterval       time.Duration `json:"min_interval" yaml:"min_interval" mapstructure:"min_interval"`
	MaxInterval       time.Duration `json:"max_interval" yaml:"max_interval" mapstructure:"max_interval"`
	HistorySize       int           `json:"history_size" yaml:"history_size" mapstructure:"history_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:      1000,
		WarningThreshold:  0.7,
		CriticalThreshold: 0.9,
		AdjustmentFactor:  0.2,
		MinInterval:       time.Millisecond,
		MaxInterval:       time.Second,
		HistorySize:       100,
	}
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	switch {
	case c.MaxQueueSize <= 0:
		return errors.New("backpressure: max_queue_size must be positive")
	case c.WarningThreshold <= 0 || c.WarningThreshold >= 1:
		return errors.New("backpressure: warning_threshold must be in (0, 1)")
	case c.CriticalThreshold <= c.WarningThreshold || c.CriticalThreshold > 1:
		return errors.New("backpressure: critical_threshold must be in (warning_threshold, 1]")
	case c.AdjustmentFactor <= 0:
		return errors.New("backpressure: adjustment_factor must be positive")
	case c.MinInterval <= 0 || c.MaxInterval < c.MinInterval:
		return errors.New("backpressure: intervals must satisfy 0 < min_interval <= max_interval")
	case c.HistorySize <= 0:
		return errors.New("backpressure: history_size must be positive")
	}
	return nil
}

// Adjustment is one recorded CheckAndAdjust outcome.
type Adjustment struct {
	Depth    int           `json:"depth"`
	Ratio    float64       `json:"ratio"`
	Interval time.Duration `json:"interval"`
	Event    bool          `json:"event"`
	At       time.Time     `json:"at"`
}

// Stats is a point-in-time snapshot of controller state.
type Stats struct {
	CurrentInterval    time.Duration `json:"current_interval"`
	MinInterval        time.Duration `json:"min_interval"`
	MaxInterval        time.Duration `json:"max_interval"`
	LastDepth          int           `json:"last_depth"`
	LastRatio          float64       `json:"last_ratio"`
	Adjustments        int64         `json:"adjustments"`
	BackpressureEvents int64         `json:"backpressure_events"`
	History            []Adjustment  `json:"history"`
}

// Controller recommends a processing interval from queue occupancy. All
// adjustments are appended to a bounded rolling history. Safe for concurrent
// use; in practice one processing loop owns it.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	interval    time.Duration
	lastDepth   int
	lastRatio   float64
	adjustments int64
	events      int64
	history     []Adjustment
}

// NewController creates a controller starting at MinInterval.
func NewController(cfg Config, logger *zap.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		logger:   logger.Named("backpressure"),
		interval: cfg.MinInterval,
		history:  make([]Adjustment, 0, cfg.HistorySize),
	}, nil
}

// CheckAndAdjust refreshes the recommended interval from the current queue
// depth and returns it. Depths in the hysteresis band between half the
// warning threshold and the warning threshold leave the interval unchanged.
func (c *Controller) CheckAndAdjust(queueDepth int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	ratio := float64(queueDepth) / float64(c.cfg.MaxQueueSize)
	event := false

	switch {
	case ratio >= c.cfg.CriticalThreshold:
		c.interval = minDuration(
			scale(c.interval, 1+2*c.cfg.AdjustmentFactor), c.cfg.MaxInterval)
		event = true
		c.events++
		c.logger.Warn("critical queue pressure",
			zap.Int("depth", queueDepth),
			zap.Float64("ratio", ratio),
			zap.Duration("interval", c.interval))
	case ratio >= c.cfg.WarningThreshold:
		c.interval = minDuration(
			scale(c.interval, 1+c.cfg.AdjustmentFactor), c.cfg.MaxInterval)
	case ratio < c.cfg.WarningThreshold/2:
		c.interval = maxDuration(
			scale(c.interval, 1-0.5*c.cfg.AdjustmentFactor), c.cfg.MinInterval)
	}

	c.lastDepth = queueDepth
	c.lastRatio = ratio
	c.adjustments++
	c.history = append(c.history, Adjustment{
		Depth:    queueDepth,
		Ratio:    ratio,
		Interval: c.interval,
		Event:    event,
		At:       time.Now(),
	})
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}
	return c.interval
}

// CurrentInterval returns the last recommended interval.
func (c *Controller) CurrentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Stats returns a snapshot including a copy of the rolling history.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := make([]Adjustment, len(c.history))
	copy(history, c.history)
	return Stats{
		CurrentInterval:    c.interval,
		MinInterval:        c.cfg.MinInterval,
		MaxInterval:        c.cfg.MaxInterval,
		LastDepth:          c.lastDepth,
		LastRatio:          c.lastRatio,
		Adjustments:        c.adjustments,
		BackpressureEvents: c.events,
		History:            history,
	}
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
