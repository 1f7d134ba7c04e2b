// Package failover tracks per-source health and circuit-breaker state,
// selects the best available source per priority group, and runs periodic
// background probes so the ingestion layer survives flaky upstream vendors.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	// ErrNoSourceAvailable is returned by GetBestSource when the group is
	// unknown, empty, or every member is circuit-open or unhealthy. Callers
	// must treat it as a degraded, retryable condition.
	ErrNoSourceAvailable = errors.New("failover: no healthy source available")
	// ErrUnknownSource is returned for operations on an unregistered source.
	ErrUnknownSource = errors.New("failover: unknown source")
)

// ConfigurationError reports a wiring mistake, such as a priority order
// naming an unregistered source. It is raised immediately and never retried.
type ConfigurationError struct {
	Op     string
	Group  string
	Source string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("failover: %s: source %q is not registered (group %q)", e.Op, e.Source, e.Group)
}

// EventType classifies failover events.
type EventType string

const (
	EventFailover       EventType = "failover"
	EventRecovery       EventType = "recovery"
	EventManualFailover EventType = "manual_failover"
	EventManualRecovery EventType = "manual_recovery"
)

// Event is one recorded health transition.
type Event struct {
	ID     string    `json:"id"`
	Type   EventType `json:"type"`
	Source string    `json:"source"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Config configures a Manager.
type Config struct {
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" yaml:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
	CircuitBreakerTimeout  time.Duration `json:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout" mapstructure:"circuit_breaker_timeout"`
	HealthCheckInterval    time.Duration `json:"health_check_interval" yaml:"health_check_interval" mapstructure:"health_check_interval"`
	ProbeTimeout           time.Duration `json:"probe_timeout" yaml:"probe_timeout" mapstructure:"probe_timeout"`
	ResponseTimeWindow     int           `json:"response_time_window" yaml:"response_time_window" mapstructure:"response_time_window"`
	RecentErrorLimit       int           `json:"recent_error_limit" yaml:"recent_error_limit" mapstructure:"recent_error_limit"`
	EventHistoryLimit      int           `json:"event_history_limit" yaml:"event_history_limit" mapstructure:"event_history_limit"`
	StopTimeout            time.Duration `json:"stop_timeout" yaml:"stop_timeout" mapstructure:"stop_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 3,
		CircuitBreakerTimeout:  60 * time.Second,
		HealthCheckInterval:    30 * time.Second,
		ProbeTimeout:           10 * time.Second,
		ResponseTimeWindow:     100,
		RecentErrorLimit:       10,
		EventHistoryLimit:      200,
		StopTimeout:            5 * time.Second,
	}
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	switch {
	case c.MaxConsecutiveFailures <= 0:
		return errors.New("failover: max_consecutive_failures must be positive")
	case c.CircuitBreakerTimeout <= 0:
		return errors.New("failover: circuit_breaker_timeout must be positive")
	case c.HealthCheckInterval <= 0:
		return errors.New("failover: health_check_interval must be positive")
	case c.ProbeTimeout <= 0:
		return errors.New("failover: probe_timeout must be positive")
	case c.ResponseTimeWindow <= 0:
		return errors.New("failover: response_time_window must be positive")
	case c.RecentErrorLimit <= 0:
		return errors.New("failover: recent_error_limit must be positive")
	case c.EventHistoryLimit <= 0:
		return errors.New("failover: event_history_limit must be positive")
	case c.StopTimeout <= 0:
		return errors.New("failover: stop_timeout must be positive")
	}
	return nil
}

// managerMetrics tracks failover activity for scraping.
type managerMetrics struct {
	failovers    prometheus.Counter
	recoveries   prometheus.Counter
	probes       prometheus.Counter
	openCircuits prometheus.Gauge
}

func initManagerMetrics(reg prometheus.Registerer) *managerMetrics {
	m := &managerMetrics{
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failover_events_total",
			Help: "Total number of sources marked unhealthy",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failover_recoveries_total",
			Help: "Total number of sources restored to healthy",
		}),
		probes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failover_health_probes_total",
			Help: "Total number of background health probes executed",
		}),
		openCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "failover_open_circuits",
			Help: "Current number of open circuit breakers",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.failovers, m.recoveries, m.probes, m.openCircuits)
	}
	return m
}

// Manager owns the SourceHealth map and circuit-breaker map behind one lock.
// Concurrent result reports for the same source are linearized; probes run
// outside the lock.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *managerMetrics

	mu       sync.Mutex
	sources  map[string]*sourceState
	circuits map[string]time.Time // source -> opened_at
	groups   map[string][]string
	events   []Event

	monitoring bool
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewManager creates a manager from cfg. The manager's collectors are
// registered with reg; pass nil to skip registration (one registered manager
// per registry).
func NewManager(cfg Config, logger *zap.Logger, reg prometheus.Registerer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("failover"),
		metrics:  initManagerMetrics(reg),
		sources:  make(map[string]*sourceState),
		circuits: make(map[string]time.Time),
		groups:   make(map[string][]string),
	}, nil
}

// RegisterDataSource registers a named source with fresh health state and
// appends it to each listed priority group when absent. Re-registering the
// same name resets its health record.
func (m *Manager) RegisterDataSource(name string, adapter any, healthCheck HealthCheckFunc, groups ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sources[name] = &sourceState{
		adapter:      adapter,
		healthCheck:  healthCheck,
		healthy:      true,
		registeredAt: time.Now(),
	}
	delete(m.circuits, name)
	m.metrics.openCircuits.Set(float64(len(m.circuits)))

	for _, group := range groups {
		if !contains(m.groups[group], name) {
			m.groups[group] = append(m.groups[group], name)
		}
	}

	m.logger.Info("data source registered",
		zap.String("source", name),
		zap.Strings("groups", groups),
		zap.Bool("custom_health_check", healthCheck != nil))
}

// SetPriorityOrder replaces a group's ordered source list. Every name must
// already be registered.
func (m *Manager) SetPriorityOrder(group string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range names {
		if _, ok := m.sources[name]; !ok {
			return &ConfigurationError{Op: "set priority order", Group: group, Source: name}
		}
	}
	m.groups[group] = append([]string(nil), names...)
	m.logger.Info("priority order updated",
		zap.String("group", group),
		zap.Strings("order", names))
	return nil
}

// GetBestSource returns the first source in the group's priority order whose
// circuit breaker is closed and whose health flag is set. It returns
// ErrNoSourceAvailable rather than falling back to a known-bad source.
func (m *Manager) GetBestSource(group string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, name := range m.groups[group] {
		state, ok := m.sources[name]
		if !ok {
			continue
		}
		if m.circuitOpen(name, now) {
			continue
		}
		if state.healthy {
			return name, nil
		}
	}
	return "", ErrNoSourceAvailable
}

// circuitOpen reports whether the source's circuit breaker is still open,
// lazily expiring entries past the cooldown. Caller holds the lock.
func (m *Manager) circuitOpen(name string, now time.Time) bool {
	openedAt, ok := m.circuits[name]
	if !ok {
		return false
	}
	if now.Sub(openedAt) < m.cfg.CircuitBreakerTimeout {
		return true
	}
	delete(m.circuits, name)
	m.metrics.openCircuits.Set(float64(len(m.circuits)))
	m.logger.Info("circuit breaker expired",
		zap.String("source", name),
		zap.Time("opened_at", openedAt))
	return false
}

// RecordRequestResult updates a source's health from one request outcome.
// Crossing the consecutive-failure threshold marks the source unhealthy and
// opens its circuit breaker.
func (m *Manager) RecordRequestResult(name string, success bool, responseTime time.Duration, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sources[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}

	if success {
		if state.recordSuccess(responseTime, m.cfg.ResponseTimeWindow) {
			m.metrics.recoveries.Inc()
			m.appendEvent(EventRecovery, name, "health restored by successful request")
			m.logger.Info("source recovered", zap.String("source", name))
		}
		return nil
	}

	if state.recordFailure(errMsg, m.cfg.MaxConsecutiveFailures, m.cfg.RecentErrorLimit) {
		m.circuits[name] = time.Now()
		m.metrics.openCircuits.Set(float64(len(m.circuits)))
		m.metrics.failovers.Inc()
		m.appendEvent(EventFailover, name,
			fmt.Sprintf("%d consecutive failures: %s", state.consecutiveFailures, errMsg))
		m.logger.Warn("source marked unhealthy, circuit opened",
			zap.String("source", name),
			zap.Int("consecutive_failures", state.consecutiveFailures),
			zap.Duration("circuit_timeout", m.cfg.CircuitBreakerTimeout),
			zap.String("error", errMsg))
	}
	return nil
}

// ForceFailover manually marks a source unhealthy and opens its circuit,
// independent of the automatic thresholds.
func (m *Manager) ForceFailover(name, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sources[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	state.healthy = false
	m.circuits[name] = time.Now()
	m.metrics.openCircuits.Set(float64(len(m.circuits)))
	m.appendEvent(EventManualFailover, name, reason)
	m.logger.Warn("manual failover",
		zap.String("source", name),
		zap.String("reason", reason))
	return nil
}

// ForceRecovery manually restores a source to healthy and removes its
// circuit-breaker entry.
func (m *Manager) ForceRecovery(name, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sources[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	state.healthy = true
	state.consecutiveFailures = 0
	delete(m.circuits, name)
	m.metrics.openCircuits.Set(float64(len(m.circuits)))
	m.appendEvent(EventManualRecovery, name, reason)
	m.logger.Info("manual recovery",
		zap.String("source", name),
		zap.String("reason", reason))
	return nil
}

// appendEvent records an event in the bounded history. Caller holds the lock.
func (m *Manager) appendEvent(eventType EventType, source, reason string) {
	m.events = append(m.events, Event{
		ID:     uuid.NewString(),
		Type:   eventType,
		Source: source,
		Reason: reason,
		At:     time.Now(),
	})
	if len(m.events) > m.cfg.EventHistoryLimit {
		m.events = m.events[len(m.events)-m.cfg.EventHistoryLimit:]
	}
}

// StartHealthMonitoring launches the background probe loop. It is a no-op
// when monitoring is already active.
func (m *Manager) StartHealthMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.monitoring {
		return
	}
	m.monitoring = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.monitorLoop(m.stopCh, m.doneCh)
	m.logger.Info("health monitoring started",
		zap.Duration("interval", m.cfg.HealthCheckInterval))
}

// StopHealthMonitoring stops the probe loop and joins it with a bounded
// timeout; a worker that fails to join within the timeout is abandoned with
// a warning rather than deadlocking the caller.
func (m *Manager) StopHealthMonitoring() {
	m.mu.Lock()
	if !m.monitoring {
		m.mu.Unlock()
		return
	}
	m.monitoring = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	select {
	case <-done:
		m.logger.Info("health monitoring stopped")
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn("health monitor did not stop within timeout")
	}
}

func (m *Manager) monitorLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.probeAll(stopCh)
		}
	}
}

// probeAll probes every source that offers a probe, outside the manager
// lock, and feeds each boolean outcome back through RecordRequestResult.
func (m *Manager) probeAll(stopCh chan struct{}) {
	type target struct {
		name        string
		healthCheck HealthCheckFunc
		adapter     any
	}

	m.mu.Lock()
	targets := make([]target, 0, len(m.sources))
	for name, state := range m.sources {
		targets = append(targets, target{name: name, healthCheck: state.healthCheck, adapter: state.adapter})
	}
	m.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	for _, t := range targets {
		select {
		case <-stopCh:
			return
		default:
		}
		ok, elapsed, errMsg, probed := m.runProbe(t.name, t.healthCheck, t.adapter)
		if !probed {
			continue
		}
		m.metrics.probes.Inc()
		if err := m.RecordRequestResult(t.name, ok, elapsed, errMsg); err != nil {
			// source unregistered mid-probe
			m.logger.Debug("probe result discarded", zap.String("source", t.name), zap.Error(err))
		}
	}
}

// runProbe executes one health probe with a timeout. Probe panics are
// converted to failures so a single bad probe can never kill the loop.
func (m *Manager) runProbe(name string, healthCheck HealthCheckFunc, adapter any) (ok bool, elapsed time.Duration, errMsg string, probed bool) {
	start := time.Now()
	defer func() {
		elapsed = time.Since(start)
		if r := recover(); r != nil {
			ok = false
			errMsg = fmt.Sprintf("health probe panicked: %v", r)
			probed = true
			m.logger.Error("health probe panicked",
				zap.String("source", name),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	switch {
	case healthCheck != nil:
		if err := healthCheck(ctx); err != nil {
			return false, 0, err.Error(), true
		}
		return true, 0, "", true
	default:
		if tester, isTester := adapter.(ConnectionTester); isTester {
			if !tester.TestConnection(ctx) {
				return false, 0, "connectivity probe failed", true
			}
			return true, 0, "", true
		}
	}
	return false, 0, "", false
}

// GetHealthSummary aggregates current health across all sources.
func (m *Manager) GetHealthSummary() HealthSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	summary := HealthSummary{
		TotalSources: len(m.sources),
		Monitoring:   m.monitoring,
		Sources:      make(map[string]bool, len(m.sources)),
	}
	for name, state := range m.sources {
		summary.Sources[name] = state.healthy
		if state.healthy {
			summary.HealthySources++
		} else {
			summary.UnhealthySources++
		}
		if m.circuitOpen(name, now) {
			summary.OpenCircuits++
		}
	}
	return summary
}

// GetSourceStats returns the health snapshot for one source.
func (m *Manager) GetSourceStats(name string) (SourceStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sources[name]
	if !ok {
		return SourceStats{}, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return m.snapshotLocked(name, state, time.Now()), nil
}

// GetAllStats returns a deep-copied snapshot of every source, group, and
// recorded event.
func (m *Manager) GetAllStats() AllStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stats := AllStats{
		Sources: make([]SourceStats, 0, len(m.sources)),
		Groups:  make(map[string][]string, len(m.groups)),
		Events:  append([]Event(nil), m.events...),
	}
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	stats.Summary = HealthSummary{
		TotalSources: len(m.sources),
		Monitoring:   m.monitoring,
		Sources:      make(map[string]bool, len(m.sources)),
	}
	for _, name := range names {
		state := m.sources[name]
		snap := m.snapshotLocked(name, state, now)
		stats.Sources = append(stats.Sources, snap)
		stats.Summary.Sources[name] = state.healthy
		if state.healthy {
			stats.Summary.HealthySources++
		} else {
			stats.Summary.UnhealthySources++
		}
		if snap.CircuitOpen {
			stats.Summary.OpenCircuits++
		}
	}
	for group, order := range m.groups {
		stats.Groups[group] = append([]string(nil), order...)
	}
	return stats
}

// snapshotLocked builds a SourceStats copy. Caller holds the lock.
func (m *Manager) snapshotLocked(name string, state *sourceState, now time.Time) SourceStats {
	snap := SourceStats{
		Name:                name,
		Healthy:             state.healthy,
		ConsecutiveFailures: state.consecutiveFailures,
		TotalRequests:       state.totalRequests,
		SuccessCount:        state.successCount,
		FailureCount:        state.failureCount,
		AvgResponseTime:     state.averageResponseTime(),
		LastSuccess:         state.lastSuccess,
		LastFailure:         state.lastFailure,
		RecentErrors:        append([]string(nil), state.recentErrors...),
		RegisteredAt:        state.registeredAt,
	}
	if state.totalRequests > 0 {
		snap.SuccessRate = float64(state.successCount) / float64(state.totalRequests)
	}
	if snap.CircuitOpen = m.circuitOpen(name, now); snap.CircuitOpen {
		openedAt := m.circuits[name]
		snap.CircuitOpenedAt = openedAt
		snap.CircuitResetAt = openedAt.Add(m.cfg.CircuitBreakerTimeout)
	}
	return snap
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
