package failover

import (
	"context"
	"time"
)

// ConnectionTester is implemented by source adapters that support a
// connectivity probe. The background monitor falls back to it when no custom
// health-check function was registered.
type ConnectionTester interface {
	TestConnection(ctx context.Context) bool
}

// HealthCheckFunc is a custom health probe for one source. A nil error means
// the source is healthy. Panics are recovered and treated as failures.
type HealthCheckFunc func(ctx context.Context) error

// sourceState is the per-source health record. It is owned by the Manager
// and mutated only under the manager lock.
type sourceState struct {
	adapter     any
	healthCheck HealthCheckFunc

	healthy             bool
	consecutiveFailures int

	totalRequests int64
	successCount  int64
	failureCount  int64

	responseTimes []time.Duration // bounded rolling window
	lastSuccess   time.Time
	lastFailure   time.Time
	recentErrors  []string // bounded
	registeredAt  time.Time
}

// recordSuccess applies a successful request. It returns true when the
// source transitions back to healthy.
func (s *sourceState) recordSuccess(responseTime time.Duration, window int) bool {
	s.totalRequests++
	s.successCount++
	s.consecutiveFailures = 0
	s.lastSuccess = time.Now()
	s.responseTimes = append(s.responseTimes, responseTime)
	if len(s.responseTimes) > window {
		s.responseTimes = s.responseTimes[len(s.responseTimes)-window:]
	}
	if !s.healthy {
		s.healthy = true
		return true
	}
	return false
}

// recordFailure applies a failed request. It returns true when the
// consecutive-failure threshold is crossed.
func (s *sourceState) recordFailure(errMsg string, threshold, errLimit int) bool {
	s.totalRequests++
	s.failureCount++
	s.consecutiveFailures++
	s.lastFailure = time.Now()
	if errMsg != "" {
		s.recentErrors = append(s.recentErrors, errMsg)
		if len(s.recentErrors) > errLimit {
			s.recentErrors = s.recentErrors[len(s.recentErrors)-errLimit:]
		}
	}
	if s.consecutiveFailures >= threshold && s.healthy {
		s.healthy = false
		return true
	}
	return false
}

func (s *sourceState) averageResponseTime() time.Duration {
	if len(s.responseTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, rt := range s.responseTimes {
		total += rt
	}
	return total / time.Duration(len(s.responseTimes))
}

// SourceStats is a point-in-time health snapshot for one source.
type SourceStats struct {
	Name                string        `json:"name"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalRequests       int64         `json:"total_requests"`
	SuccessCount        int64         `json:"success_count"`
	FailureCount        int64         `json:"failure_count"`
	SuccessRate         float64       `json:"success_rate"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	LastSuccess         time.Time     `json:"last_success"`
	LastFailure         time.Time     `json:"last_failure"`
	RecentErrors        []string      `json:"recent_errors"`
	CircuitOpen         bool          `json:"circuit_open"`
	CircuitOpenedAt     time.Time     `json:"circuit_opened_at,omitempty"`
	CircuitResetAt      time.Time     `json:"circuit_reset_at,omitempty"`
	RegisteredAt        time.Time     `json:"registered_at"`
}

// HealthSummary aggregates source health across the manager.
type HealthSummary struct {
	TotalSources     int             `json:"total_sources"`
	HealthySources   int             `json:"healthy_sources"`
	UnhealthySources int             `json:"unhealthy_sources"`
	OpenCircuits     int             `json:"open_circuits"`
	Monitoring       bool            `json:"monitoring"`
	Sources          map[string]bool `json:"sources"`
}

// AllStats is the full manager snapshot.
type AllStats struct {
	Summary HealthSummary       `json:"summary"`
	Sources []SourceStats       `json:"sources"`
	Groups  map[string][]string `json:"groups"`
	Events  []Event             `json:"events"`
}
