// Package limiter gates outbound value: a fixed-window frequency limit on
// payment-creating actions and a rolling daily spending cap with a per-payment
// ceiling. Approvals are never limited; only creation and discretionary
// payouts pass through here.
package limiter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
)

// Limit kinds reported in LimitError.
const (
	KindRate        = "rate"
	KindPerTx       = "per_transaction"
	KindDaily       = "daily"
	rateKeyPrefix   = "rate:"
	spendKeyPrefix  = "spend:"
	defaultRateHits = 10

	// sweepEvery is how many MemoryStore updates pass between sweeps.
	sweepEvery = 256
)

// Config holds the default caps.
type Config struct {
	RateLimit   int           // payment-creating actions per RateWindow (default: 10)
	RateWindow  time.Duration // default: 1h
	DailyCap    int64         // sats per rolling DailyWindow (default: 100,000)
	PerTxCap    int64         // sats per single action (default: 50,000)
	DailyWindow time.Duration // default: 24h
}

// DefaultConfig returns the default caps.
func DefaultConfig() Config {
	return Config{
		RateLimit:   defaultRateHits,
		RateWindow:  time.Hour,
		DailyCap:    100_000,
		PerTxCap:    50_000,
		DailyWindow: 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.DailyCap <= 0 {
		c.DailyCap = d.DailyCap
	}
	if c.PerTxCap <= 0 {
		c.PerTxCap = d.PerTxCap
	}
	if c.DailyWindow <= 0 {
		c.DailyWindow = d.DailyWindow
	}
	return c
}

// ─── Errors ─────────────────────────────────────────────────────────────────

// LimitError reports a rejected action with enough detail to retry.
type LimitError struct {
	Kind       string
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Error implements error.
func (e *LimitError) Error() string {
	switch e.Kind {
	case KindRate:
		return fmt.Sprintf("too many payment actions, retry in %s", e.RetryAfter.Round(time.Second))
	case KindPerTx:
		return fmt.Sprintf("amount exceeds the per-payment limit of %d sats", e.Limit)
	default:
		return fmt.Sprintf("daily spending limit of %d sats reached, %d sats remaining", e.Limit, e.Remaining)
	}
}

// Unwrap ties every limit rejection to domain.ErrLimitExceeded.
func (e *LimitError) Unwrap() error { return domain.ErrLimitExceeded }

// ─── Store ──────────────────────────────────────────────────────────────────

// Store persists limiter windows. Update calls for one key are serialized;
// a window that is absent or expired is replaced by a fresh one starting at
// now, and nothing is persisted when fn fails.
type Store interface {
	Get(ctx context.Context, key string, now time.Time) (domain.LimitWindow, error)
	Update(ctx context.Context, key string, now time.Time, ttl time.Duration, fn func(*domain.LimitWindow) error) (domain.LimitWindow, error)
}

// MemoryStore keeps windows in process memory. Expired windows are swept
// as updates come in.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]domain.LimitWindow
	locks   map[string]*sync.Mutex
	updates int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]domain.LimitWindow),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string, now time.Time) (domain.LimitWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || w.Expired(now) {
		return domain.LimitWindow{}, nil
	}
	return w, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, key string, now time.Time, ttl time.Duration, fn func(*domain.LimitWindow) error) (domain.LimitWindow, error) {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	w, ok := s.windows[key]
	s.mu.Unlock()
	if !ok || w.Expired(now) {
		w = domain.LimitWindow{StartedAt: now, ExpiresAt: now.Add(ttl)}
	}
	if err := fn(&w); err != nil {
		return w, err
	}
	s.mu.Lock()
	s.windows[key] = w
	s.updates++
	sweep := s.updates%sweepEvery == 0
	s.mu.Unlock()
	if sweep {
		if n := s.Sweep(now); n > 0 {
			log.Printf("[limiter] swept %d expired windows", n)
		}
	}
	return w, nil
}

// Sweep drops expired windows. Per-key locks stay, since a caller may be
// waiting on one.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, w := range s.windows {
		if w.Expired(now) {
			delete(s.windows, k)
			n++
		}
	}
	return n
}

// ─── Rate Limiter ───────────────────────────────────────────────────────────

// RateLimiter counts payment-creating actions per account in fixed windows.
type RateLimiter struct {
	store  Store
	limit  int
	window time.Duration
	clock  domain.Clock
}

// NewRateLimiter builds a rate limiter.
func NewRateLimiter(store Store, cfg Config, clock domain.Clock) *RateLimiter {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &RateLimiter{store: store, limit: cfg.RateLimit, window: cfg.RateWindow, clock: clock}
}

// Allow counts one action, or rejects it with a *LimitError once the window
// is full.
func (r *RateLimiter) Allow(ctx context.Context, accountID string) error {
	now := r.clock.Now()
	_, err := r.store.Update(ctx, rateKeyPrefix+accountID, now, r.window, func(w *domain.LimitWindow) error {
		if w.Count >= r.limit {
			return &LimitError{
				Kind:       KindRate,
				Limit:      int64(r.limit),
				ResetAt:    w.ExpiresAt,
				RetryAfter: w.ExpiresAt.Sub(now),
			}
		}
		w.Count++
		return nil
	})
	if err != nil {
		observability.LimitRejections.WithLabelValues(KindRate).Inc()
	}
	return err
}

// Release returns one action to the window, used when the action it
// admitted did not happen.
func (r *RateLimiter) Release(ctx context.Context, accountID string) error {
	now := r.clock.Now()
	w, err := r.store.Get(ctx, rateKeyPrefix+accountID, now)
	if err != nil || w.Count == 0 {
		return err
	}
	_, err = r.store.Update(ctx, rateKeyPrefix+accountID, now, r.window, func(w *domain.LimitWindow) error {
		if w.Count > 0 {
			w.Count--
		}
		return nil
	})
	return err
}

// ─── Spending Limiter ───────────────────────────────────────────────────────

// CapSource looks up per-account cap overrides.
type CapSource interface {
	GetSpendingLimit(ctx context.Context, accountID string) (daily, perTx int64, ok bool, err error)
	UpsertSpendingLimit(ctx context.Context, accountID string, daily, perTx int64, at time.Time) error
}

// SpendingLimiter enforces the per-payment ceiling and the rolling daily cap.
// The daily window starts at an account's first spend and lasts DailyWindow.
type SpendingLimiter struct {
	store Store
	caps  CapSource
	cfg   Config
	clock domain.Clock
}

// NewSpendingLimiter builds a spending limiter. caps may be nil, in which
// case every account uses the configured defaults.
func NewSpendingLimiter(store Store, caps CapSource, cfg Config, clock domain.Clock) *SpendingLimiter {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &SpendingLimiter{store: store, caps: caps, cfg: cfg.withDefaults(), clock: clock}
}

// Caps returns the effective caps of an account.
func (s *SpendingLimiter) Caps(ctx context.Context, accountID string) (daily, perTx int64, err error) {
	daily, perTx = s.cfg.DailyCap, s.cfg.PerTxCap
	if s.caps == nil {
		return daily, perTx, nil
	}
	d, p, ok, err := s.caps.GetSpendingLimit(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}
	if ok {
		if d > 0 {
			daily = d
		}
		if p > 0 {
			perTx = p
		}
	}
	return daily, perTx, nil
}

// SetCaps stores cap overrides for an account.
func (s *SpendingLimiter) SetCaps(ctx context.Context, accountID string, daily, perTx int64) error {
	if daily <= 0 || perTx <= 0 {
		return domain.ErrBadAmount
	}
	if s.caps == nil {
		return fmt.Errorf("no cap storage configured: %w", domain.ErrInvalidInput)
	}
	return s.caps.UpsertSpendingLimit(ctx, accountID, daily, perTx, s.clock.Now())
}

// Authorize reserves sats against the account's caps. A per-payment
// rejection leaves the counter untouched.
func (s *SpendingLimiter) Authorize(ctx context.Context, accountID string, sats int64) error {
	if sats <= 0 {
		return domain.ErrBadAmount
	}
	daily, perTx, err := s.Caps(ctx, accountID)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	if sats > perTx {
		w, err := s.store.Get(ctx, spendKeyPrefix+accountID, now)
		if err != nil {
			return err
		}
		observability.LimitRejections.WithLabelValues(KindPerTx).Inc()
		return &LimitError{Kind: KindPerTx, Limit: perTx, Remaining: max(daily-w.Total, 0), ResetAt: w.ExpiresAt}
	}

	_, err = s.store.Update(ctx, spendKeyPrefix+accountID, now, s.cfg.DailyWindow, func(w *domain.LimitWindow) error {
		if w.Total+sats > daily {
			return &LimitError{
				Kind:       KindDaily,
				Limit:      daily,
				Remaining:  max(daily-w.Total, 0),
				ResetAt:    w.ExpiresAt,
				RetryAfter: w.ExpiresAt.Sub(now),
			}
		}
		w.Total += sats
		w.Count++
		return nil
	})
	if err != nil {
		observability.LimitRejections.WithLabelValues(KindDaily).Inc()
	}
	return err
}

// Refund releases sats reserved by Authorize.
func (s *SpendingLimiter) Refund(ctx context.Context, accountID string, sats int64) error {
	return s.refund(ctx, accountID, sats, time.Time{})
}

// RefundAuthorizedAt releases sats reserved by an Authorize call made at
// authorizedAt. Nothing is released when that reservation belonged to a
// window that has since expired.
func (s *SpendingLimiter) RefundAuthorizedAt(ctx context.Context, accountID string, sats int64, authorizedAt time.Time) error {
	return s.refund(ctx, accountID, sats, authorizedAt)
}

func (s *SpendingLimiter) refund(ctx context.Context, accountID string, sats int64, authorizedAt time.Time) error {
	if sats <= 0 {
		return nil
	}
	now := s.clock.Now()
	w, err := s.store.Get(ctx, spendKeyPrefix+accountID, now)
	if err != nil || w.Total == 0 {
		return err
	}
	if !authorizedAt.IsZero() && w.StartedAt.After(authorizedAt) {
		return nil
	}
	_, err = s.store.Update(ctx, spendKeyPrefix+accountID, now, s.cfg.DailyWindow, func(w *domain.LimitWindow) error {
		if !authorizedAt.IsZero() && w.StartedAt.After(authorizedAt) {
			return nil
		}
		w.Total -= min(sats, w.Total)
		if w.Count > 0 {
			w.Count--
		}
		return nil
	})
	return err
}

// Status reports an account's caps and live counter.
func (s *SpendingLimiter) Status(ctx context.Context, accountID string) (domain.SpendingLimit, error) {
	daily, perTx, err := s.Caps(ctx, accountID)
	if err != nil {
		return domain.SpendingLimit{}, err
	}
	w, err := s.store.Get(ctx, spendKeyPrefix+accountID, s.clock.Now())
	if err != nil {
		return domain.SpendingLimit{}, err
	}
	return domain.SpendingLimit{
		AccountID:  accountID,
		DailyCap:   daily,
		PerTxCap:   perTx,
		DailySpent: w.Total,
		Remaining:  max(daily-w.Total, 0),
		ResetAt:    w.ExpiresAt,
	}, nil
}

// ─── Combined Gate ──────────────────────────────────────────────────────────

// Limiter is the gate every payment-creating action passes.
type Limiter struct {
	Rate  *RateLimiter
	Spend *SpendingLimiter
}

// New builds both limiters over one store.
func New(store Store, caps CapSource, cfg Config, clock domain.Clock) *Limiter {
	return &Limiter{
		Rate:  NewRateLimiter(store, cfg, clock),
		Spend: NewSpendingLimiter(store, caps, cfg, clock),
	}
}

// Check authorizes sats and counts one action. On a rate rejection the
// spend reservation is released again.
func (l *Limiter) Check(ctx context.Context, accountID string, sats int64) error {
	if err := l.Spend.Authorize(ctx, accountID, sats); err != nil {
		return err
	}
	if err := l.Rate.Allow(ctx, accountID); err != nil {
		if rerr := l.Spend.Refund(ctx, accountID, sats); rerr != nil {
			log.Printf("[limiter] refund after rate rejection for %s: %v", accountID, rerr)
		}
		return err
	}
	return nil
}

// Undo releases what Check reserved, for actions that failed afterwards.
func (l *Limiter) Undo(ctx context.Context, accountID string, sats int64) {
	if err := l.Spend.Refund(ctx, accountID, sats); err != nil {
		log.Printf("[limiter] refund for %s: %v", accountID, err)
	}
	if err := l.Rate.Release(ctx, accountID); err != nil {
		log.Printf("[limiter] release for %s: %v", accountID, err)
	}
}
