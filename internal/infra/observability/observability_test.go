package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Audit Log ──────────────────────────────────────────────────────────────

type memSink struct {
	events []domain.AuditEvent
	err    error
}

func (s *memSink) InsertAuditEvent(_ context.Context, e domain.AuditEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func TestAuditLog_RecordStampsAndPersists(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sink := &memSink{}
	l := NewAuditLog(DefaultAuditConfig(), sink, domain.FixedClock{T: now})

	if err := l.Record(context.Background(), domain.AuditEvent{FamilyID: "fam", Action: "task.approved", Target: "t1"}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("sink has %d events, want 1", len(sink.events))
	}
	got := sink.events[0]
	if got.ID == "" || !got.Time.Equal(now) {
		t.Errorf("event not stamped: %+v", got)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestAuditLog_SinkFailureKeepsMemoryCopy(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	l := NewAuditLog(DefaultAuditConfig(), sink, nil)

	err := l.Record(context.Background(), domain.AuditEvent{Action: "payout.sent"})
	if err == nil {
		t.Fatal("expected sink error to be returned")
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (buffered despite sink error)", l.Len())
	}
}

func TestAuditLog_RingBufferOverflow(t *testing.T) {
	l := NewAuditLog(AuditConfig{MaxEvents: 3}, nil, nil)
	for i := 0; i < 5; i++ {
		l.Record(context.Background(), domain.AuditEvent{Action: "op"})
	}
	if l.Len() != 3 {
		t.Errorf("Len() = %d, want 3 (ring buffer overflow)", l.Len())
	}
}

func TestAuditLog_RecentFiltersAndOrders(t *testing.T) {
	l := NewAuditLog(DefaultAuditConfig(), nil, nil)
	ctx := context.Background()
	l.Record(ctx, domain.AuditEvent{FamilyID: "a", Action: "first"})
	l.Record(ctx, domain.AuditEvent{FamilyID: "b", Action: "other"})
	l.Record(ctx, domain.AuditEvent{FamilyID: "a", Action: "second"})

	got := l.Recent("a", 0)
	if len(got) != 2 {
		t.Fatalf("Recent(a) returned %d, want 2", len(got))
	}
	if got[0].Action != "second" {
		t.Errorf("newest first: got %q", got[0].Action)
	}
	if n := len(l.Recent("", 1)); n != 1 {
		t.Errorf("Recent limit 1 returned %d", n)
	}
}

func TestAuditLog_NilIsNoop(t *testing.T) {
	var l *AuditLog
	if err := l.Record(context.Background(), domain.AuditEvent{Action: "x"}); err != nil {
		t.Errorf("nil log Record() = %v", err)
	}
}

// ─── Tracing ────────────────────────────────────────────────────────────────

func TestStartEndSpan_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "wallet.pay_invoice", attribute.String("backend", "relay"))
	EndSpan(span, errors.New("boom"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Name() != "wallet.pay_invoice" {
		t.Errorf("Name() = %q", ended[0].Name())
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("Status = %v, want Error", ended[0].Status().Code)
	}
}

func TestSetupTracing_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "satsjar", "")
	if err != nil {
		t.Fatalf("SetupTracing() error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error: %v", err)
	}
}
