package memberauth

import "sync/atomic"

// MetricID identifies one in-process counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts fully authenticated logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected credential checks.
	MetricLoginFailure
	// MetricLoginBotRejected counts fail-closed bot rejections.
	MetricLoginBotRejected
	// MetricAccountLocked counts lockout activations.
	MetricAccountLocked
	// MetricLockedAttempt counts logins attempted during a lockout.
	MetricLockedAttempt
	// MetricTwoFactorRequired counts logins branched into a challenge.
	MetricTwoFactorRequired
	// MetricTwoFactorSuccess counts verified challenges.
	MetricTwoFactorSuccess
	// MetricTwoFactorFailure counts failed challenges.
	MetricTwoFactorFailure
	// MetricSessionIssued counts minted sessions.
	MetricSessionIssued
	// MetricSessionRejected counts ValidateSession mismatches.
	MetricSessionRejected
	// MetricPasswordChanged counts successful password changes.
	MetricPasswordChanged
	// MetricPasswordChangeRejected counts rejected change attempts.
	MetricPasswordChangeRejected
	// MetricResetTokenIssued counts generated reset tokens.
	MetricResetTokenIssued
	// MetricPasswordReset counts successful resets by token.
	MetricPasswordReset
	// MetricResetRejected counts rejected reset attempts.
	MetricResetRejected
	// MetricAccountCreated counts created accounts.
	MetricAccountCreated
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters. A disabled Metrics is a no-op.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// NewMetrics creates a Metrics instance. When cfg.Enabled is false all
// operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Inc increments one counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{Counters: map[MetricID]uint64{}}
	if m == nil || !m.enabled {
		return s
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return s
}
