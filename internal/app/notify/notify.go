// Package notify holds the notification boundary. Delivery (push, chat,
// e-mail) belongs to external collaborators; this package logs notifications
// and fans them out to whatever sinks are registered.
package notify

import (
	"context"
	"log"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/satsjar/satsjar/internal/domain"
)

var printer = message.NewPrinter(language.English)

// Sats formats an amount with digit grouping, e.g. "1,000 sats".
func Sats(n int64) string {
	if n == 1 {
		return "1 sat"
	}
	return printer.Sprintf("%d sats", n)
}

// Textf formats notification text with the same printer, so numbers are
// grouped consistently.
func Textf(format string, args ...any) string {
	return printer.Sprintf(format, args...)
}

// ─── Log Notifier ───────────────────────────────────────────────────────────

// LogNotifier writes every notification to the process log.
type LogNotifier struct{}

// Notify implements domain.Notifier.
func (LogNotifier) Notify(_ context.Context, n domain.Notification) {
	to := n.AccountID
	if to == "" {
		to = "family:" + n.FamilyID
	}
	log.Printf("[notify] %s -> %s: %s", n.Kind, to, n.Text)
}

// ─── Fan-out ────────────────────────────────────────────────────────────────

// Multi delivers to every notifier in order.
type Multi []domain.Notifier

// Notify implements domain.Notifier.
func (m Multi) Notify(ctx context.Context, n domain.Notification) {
	for _, nn := range m {
		if nn != nil {
			nn.Notify(ctx, n)
		}
	}
}

// ─── Recorder ───────────────────────────────────────────────────────────────

// Recorder keeps notifications in memory. Used by tests and by the API's
// recent-notifications view.
type Recorder struct {
	mu    sync.Mutex
	items []domain.Notification
}

// Notify implements domain.Notifier.
func (r *Recorder) Notify(_ context.Context, n domain.Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

// All returns a copy of every recorded notification.
func (r *Recorder) All() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Notification, len(r.items))
	copy(out, r.items)
	return out
}

// OfKind returns the recorded notifications of one kind.
func (r *Recorder) OfKind(kind domain.NotificationKind) []domain.Notification {
	var out []domain.Notification
	for _, n := range r.All() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}
