// Package observability holds the service's metrics, tracing setup and the
// audit trail.
//
// This provides:
//   - An audit ring buffer for recent business events, persisted to a sink
//   - Prometheus metrics for payments, escrow, limits and recovery
//   - OpenTelemetry span helpers and OTLP exporter setup
package observability

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/satsjar/satsjar/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// Audit Trail: ring buffer in memory, every event also written to a sink
// ═══════════════════════════════════════════════════════════════════════════

// AuditSink persists audit events. *sqlite.DB implements it.
type AuditSink interface {
	InsertAuditEvent(ctx context.Context, e domain.AuditEvent) error
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	MaxEvents int // ring buffer size (default 1_000)
}

// DefaultAuditConfig returns production defaults.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{MaxEvents: 1_000}
}

// AuditLog records business events. Record keeps the newest MaxEvents in
// memory and writes each event to the sink before returning.
type AuditLog struct {
	mu        sync.Mutex
	events    []domain.AuditEvent
	maxEvents int
	sink      AuditSink
	clock     domain.Clock
}

// NewAuditLog creates an audit log. A nil sink keeps events in memory only.
func NewAuditLog(cfg AuditConfig, sink AuditSink, clock domain.Clock) *AuditLog {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultAuditConfig().MaxEvents
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &AuditLog{
		events:    make([]domain.AuditEvent, 0, cfg.MaxEvents),
		maxEvents: cfg.MaxEvents,
		sink:      sink,
		clock:     clock,
	}
}

// Record stamps and stores an event. The in-memory copy is always kept; a
// sink failure is logged, counted and returned so callers can decide whether
// it matters. Business operations never fail because of it.
func (l *AuditLog) Record(ctx context.Context, e domain.AuditEvent) error {
	if l == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = l.clock.Now()
	}

	l.mu.Lock()
	// Ring buffer: drop the oldest when at capacity
	if len(l.events) >= l.maxEvents {
		l.events = l.events[1:]
	}
	l.events = append(l.events, e)
	l.mu.Unlock()

	AuditEventsRecorded.WithLabelValues(e.Action).Inc()
	if l.sink == nil {
		return nil
	}
	if err := l.sink.InsertAuditEvent(ctx, e); err != nil {
		AuditWriteErrors.Inc()
		log.Printf("[audit] persist %s %s: %v", e.Action, e.Target, err)
		return err
	}
	return nil
}

// Recent returns up to limit newest events for a family, newest first.
// An empty familyID matches every family; limit <= 0 returns all.
func (l *AuditLog) Recent(familyID string, limit int) []domain.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.AuditEvent
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if familyID != "" && e.FamilyID != familyID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Len returns the number of buffered events.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
