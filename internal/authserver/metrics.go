package authserver

import "sync/atomic"

// Metrics captures lightweight in-process counters for observability.
type Metrics struct {
	Requests         atomic.Uint64
	RegisterAttempts atomic.Uint64
	LoginAttempts    atomic.Uint64
	TokensIssued     atomic.Uint64
	HealthChecks     atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Requests         uint64 `json:"requests"`
	RegisterAttempts uint64 `json:"register_attempts"`
	LoginAttempts    uint64 `json:"login_attempts"`
	TokensIssued     uint64 `json:"tokens_issued"`
	HealthChecks     uint64 `json:"health_checks"`
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:         m.Requests.Load(),
		RegisterAttempts: m.RegisterAttempts.Load(),
		LoginAttempts:    m.LoginAttempts.Load(),
		TokensIssued:     m.TokensIssued.Load(),
		HealthChecks:     m.HealthChecks.Load(),
	}
}
