package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Payment Backend Metrics ────────────────────────────────────────────────

// BackendCalls counts backend calls by backend, operation and outcome
// (ok, error, timeout).
var BackendCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "backend",
	Name:      "calls_total",
	Help:      "Total payment backend calls by outcome.",
}, []string{"backend", "op", "outcome"})

// BackendLatency tracks backend call latency.
var BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "satsjar",
	Subsystem: "backend",
	Name:      "latency_seconds",
	Help:      "Payment backend call latency in seconds.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
}, []string{"backend", "op"})

// ─── Payout Metrics ─────────────────────────────────────────────────────────

// PayoutsTotal counts executor outcomes by route (address, invoice,
// internal) and result (paid, internal, failed).
var PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "payout",
	Name:      "attempts_total",
	Help:      "Total outbound payout attempts by route and result.",
}, []string{"route", "result"})

// SatsMoved counts sats written to the ledger by transaction type.
var SatsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "ledger",
	Name:      "sats_total",
	Help:      "Total sats recorded in the ledger by transaction type.",
}, []string{"type"})

// ─── Escrow Metrics ─────────────────────────────────────────────────────────

// EscrowTransitions counts task state changes.
var EscrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "escrow",
	Name:      "transitions_total",
	Help:      "Total task state transitions by target state.",
}, []string{"to"})

// EscrowConflicts counts rejected duplicate approvals.
var EscrowConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "escrow",
	Name:      "conflicts_total",
	Help:      "Total approvals rejected as already processed.",
})

// ─── Limiter Metrics ────────────────────────────────────────────────────────

// LimitRejections counts limiter rejections by kind.
var LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "limiter",
	Name:      "rejections_total",
	Help:      "Total requests rejected by a limit, by kind.",
}, []string{"kind"})

// ─── Recovery Metrics ───────────────────────────────────────────────────────

// FailedPaymentsQueued counts entries added to the recovery queue.
var FailedPaymentsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "recovery",
	Name:      "queued_total",
	Help:      "Total failed payments queued for retry, by payment type.",
}, []string{"type"})

// FailedPaymentRetries counts manual retries by outcome.
var FailedPaymentRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "recovery",
	Name:      "retries_total",
	Help:      "Total failed payment retries by outcome.",
}, []string{"outcome"})

// ─── Scheduler Metrics ──────────────────────────────────────────────────────

// RecurringRuns counts recurring obligation evaluations by outcome
// (created, skipped, lost_race, failed).
var RecurringRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "scheduler",
	Name:      "obligations_total",
	Help:      "Total recurring obligation evaluations by outcome.",
}, []string{"outcome"})

// SchedulerLastTick records when the scheduler last ran.
var SchedulerLastTick = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "satsjar",
	Subsystem: "scheduler",
	Name:      "last_tick_timestamp_seconds",
	Help:      "Unix time of the last scheduler tick.",
})

// ─── Audit Metrics ──────────────────────────────────────────────────────────

// AuditEventsRecorded counts audit events by action.
var AuditEventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "audit",
	Name:      "events_total",
	Help:      "Total audit events recorded by action.",
}, []string{"action"})

// AuditWriteErrors counts audit events that could not be persisted.
var AuditWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "satsjar",
	Subsystem: "audit",
	Name:      "write_errors_total",
	Help:      "Total audit events that failed to persist.",
})
