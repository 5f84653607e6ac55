// Package metrics registers the Prometheus metrics for the remediation
// engine. All metrics are registered once via promauto at package init and
// served by the ops listener.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IncidentsTotal counts incidents by terminal state.
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autohealer_incidents_total",
			Help: "Incidents driven to a terminal state",
		},
		[]string{"outcome"}, // FIXED, ESCALATED
	)

	// StateTransitions counts every state machine transition.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autohealer_state_transitions_total",
			Help: "Incident state machine transitions",
		},
		[]string{"from", "to"},
	)

	// FixesApplied counts applied fixes per tier and playbook.
	FixesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autohealer_fixes_applied_total",
			Help: "Fixes applied by tier and playbook",
		},
		[]string{"tier", "playbook"},
	)

	// RollbacksTotal counts rollback plan executions and their outcome.
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autohealer_rollbacks_total",
			Help: "Rollback plan executions",
		},
		[]string{"result"}, // succeeded, failed
	)

	// SSHCommandDuration observes remote command wall time.
	SSHCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autohealer_ssh_command_duration_seconds",
			Help:    "Wall time of remote SSH commands",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"result"}, // ok, error, timeout
	)

	// SSHPoolSize gauges current pool occupancy.
	SSHPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autohealer_ssh_pool_connections",
			Help: "SSH pool occupancy",
		},
		[]string{"state"}, // active, idle
	)

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autohealer_breaker_transitions_total",
			Help: "Circuit breaker state changes",
		},
		[]string{"key", "to"},
	)

	// FlappingRefusals counts incident admissions refused by the flapping
	// controller.
	FlappingRefusals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autohealer_flapping_refusals_total",
			Help: "Incident admissions refused for flapping sites",
		},
	)
)

// ObserveSSHCommand records one command execution.
func ObserveSSHCommand(d time.Duration, result string) {
	SSHCommandDuration.WithLabelValues(result).Observe(d.Seconds())
}
