// Package safety is the engine's safety envelope: per-key circuit breakers,
// the per-site flapping controller, and the bounded loop guard. These gates
// decide whether an incident may be admitted and whether a fix loop may
// continue.
package safety

import (
	"log"
	"sync"
	"time"

	"github.com/wpautohealer/backend/internal/metrics"
)

// BreakerState is the classic three-state breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds the thresholds for one registry.
type BreakerConfig struct {
	Threshold        int           // consecutive failures to trip
	RecoveryTimeout  time.Duration // open duration before a half-open probe
	MonitoringPeriod time.Duration // failures older than this decay
}

// DefaultBreakerConfig matches the engine defaults: 5 failures, 60 s
// recovery, 5 min monitoring.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:        5,
		RecoveryTimeout:  60 * time.Second,
		MonitoringPeriod: 5 * time.Minute,
	}
}

type breaker struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// BreakerRegistry tracks one breaker per key (site/server). All methods
// are safe for concurrent use.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*breaker
	logger   *log.Logger
	now      func() time.Time // injectable clock for tests
}

// NewBreakerRegistry creates a registry. Zero-valued config fields take
// the defaults.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = def.MonitoringPeriod
	}
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		logger:   log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
		now:      time.Now,
	}
}

func (r *BreakerRegistry) get(key string) *breaker {
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{state: BreakerClosed}
		r.breakers[key] = b
	}
	return b
}

// CanExecute reports whether a call for key may proceed. An OPEN breaker
// whose recovery timeout has elapsed moves to HALF_OPEN and admits one
// probe.
func (r *BreakerRegistry) CanExecute(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(key)
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if r.now().Sub(b.lastFailure) >= r.cfg.RecoveryTimeout {
			r.transition(key, b, BreakerHalfOpen)
			return true
		}
		return false
	}
	return false
}

// OnSuccess records a successful call. A HALF_OPEN probe success closes
// the breaker and clears the failure count.
func (r *BreakerRegistry) OnSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(key)
	if b.state == BreakerHalfOpen || b.state == BreakerOpen {
		r.transition(key, b, BreakerClosed)
	}
	b.failures = 0
}

// OnFailure records a failed call. Failures older than the monitoring
// period decay first; reaching the threshold opens the breaker; a failure
// during HALF_OPEN reopens it and restarts the recovery timer.
func (r *BreakerRegistry) OnFailure(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(key)
	now := r.now()

	if b.state == BreakerHalfOpen {
		b.lastFailure = now
		b.failures++
		r.transition(key, b, BreakerOpen)
		r.logger.Printf("half-open probe failed for %s: %v", key, err)
		return
	}

	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > r.cfg.MonitoringPeriod {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	if b.state == BreakerClosed && b.failures >= r.cfg.Threshold {
		r.transition(key, b, BreakerOpen)
		r.logger.Printf("breaker opened for %s after %d failures: %v", key, b.failures, err)
	}
}

// State returns the current state without side effects on counters, but
// reflecting recovery-timeout expiry.
func (r *BreakerRegistry) State(key string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(key)
	if b.state == BreakerOpen && r.now().Sub(b.lastFailure) >= r.cfg.RecoveryTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset clears the breaker for a key. Admin/test use.
func (r *BreakerRegistry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

func (r *BreakerRegistry) transition(key string, b *breaker, to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	metrics.BreakerTransitions.WithLabelValues(key, to.String()).Inc()
}
