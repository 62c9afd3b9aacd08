package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/satsjar/satsjar/internal/app/apptest"
	"github.com/satsjar/satsjar/internal/app/escrow"
	"github.com/satsjar/satsjar/internal/app/executor"
	"github.com/satsjar/satsjar/internal/app/ledger"
	"github.com/satsjar/satsjar/internal/app/limiter"
	"github.com/satsjar/satsjar/internal/app/notify"
	"github.com/satsjar/satsjar/internal/app/payout"
	"github.com/satsjar/satsjar/internal/app/recovery"
	"github.com/satsjar/satsjar/internal/app/scheduler"
	"github.com/satsjar/satsjar/internal/app/walletsvc"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
)

// ─── Test Harness ───────────────────────────────────────────────────────────

type harness struct {
	db       *sqlite.DB
	backends *apptest.Backends
	handler  http.Handler
}

func newHarness(t *testing.T, limits limiter.Config) *harness {
	t.Helper()
	db := apptest.NewDB(t)
	apptest.Account(t, db, "g1", "fam", domain.RoleGuardian)
	apptest.Account(t, db, "d1", "fam", domain.RoleDependent)
	apptest.Account(t, db, "g2", "other", domain.RoleGuardian)

	clock := domain.FixedClock{T: apptest.T0}
	backends := apptest.NewBackends()
	notes := &notify.Recorder{}
	audit := observability.NewAuditLog(observability.DefaultAuditConfig(), db, clock)
	l := ledger.New(db, nil, clock)
	lim := limiter.New(limiter.NewMemoryStore(), db, limits, clock)
	exec := executor.New(executor.Config{PaymentTimeout: 100 * time.Millisecond}, db, apptest.Vault(), backends.Open)
	rec := recovery.New(recovery.Config{}, db, l, exec, notes, audit, clock)
	esc := escrow.New(escrow.DefaultConfig(), escrow.Deps{
		DB: db, Ledger: l, Limits: lim, Executor: exec, Recovery: rec, Notifier: notes, Audit: audit, Clock: clock,
	})
	srv := NewServer(Services{
		DB:     db,
		Ledger: l,
		Escrow: esc,
		Payouts: payout.New(payout.Deps{
			DB: db, Ledger: l, Limits: lim, Executor: exec, Recovery: rec, Notifier: notes, Audit: audit, Clock: clock,
		}),
		Wallets:   walletsvc.New(db, apptest.Vault(), exec, audit, clock),
		Recovery:  rec,
		Limits:    lim,
		Scheduler: scheduler.New(scheduler.Config{Location: time.UTC}, db, esc, notes, audit, clock),
		Audit:     audit,
		Clock:     clock,
	})
	srv.EnableMetrics()
	srv.SetVersion("test")
	return &harness{db: db, backends: backends, handler: srv.Handler()}
}

// wallet gives g1 a fake backend and d1 a payout address.
func (h *harness) wallet(t *testing.T, balance int64) *apptest.FakeBackend {
	t.Helper()
	fb := h.backends.Add("http://guardian", apptest.NewFakeBackend(balance))
	apptest.AttachWallet(t, h.db, "g1", "http://guardian")
	if err := h.db.SetPayoutAddress(context.Background(), "d1", "kid@wallet.example"); err != nil {
		t.Fatal(err)
	}
	return fb
}

func (h *harness) do(t *testing.T, as, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set(HeaderAccountID, as)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, w.Body.String())
	}
}

// ─── Error Mapping ──────────────────────────────────────────────────────────

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("task x: %w", domain.ErrNotFound), 404, "not_found"},
		{"forbidden", domain.ErrForbidden, 403, "forbidden"},
		{"locked", domain.ErrTaskLocked, 403, "task_locked"},
		{"transition", domain.ErrInvalidTransition, 409, "invalid_transition"},
		{"conflict", &escrow.ConflictError{Task: &domain.Task{ID: "t"}}, 409, "conflict"},
		{"bad amount", domain.ErrBadAmount, 400, "invalid_input"},
		{"descriptor", domain.ErrInvalidDescriptor, 400, "invalid_config"},
		{"no backend", domain.ErrNoBackend, 412, "no_backend"},
		{"funds", domain.ErrInsufficientFunds, 402, "insufficient_funds"},
		{"reconfigure", domain.ErrCredentialsUnusable, 422, "reconfigure_wallet"},
		{"backend", domain.NewBackendError(domain.BackendInvoiceAPI, "pay_invoice", errors.New("status 500: https://lnbits.example/api/v1/payments")), 502, "backend_error"},
		{"timeout", domain.ErrPaymentTimeout, 502, "backend_error"},
		{"limit", &limiter.LimitError{Kind: limiter.KindDaily, RetryAfter: time.Minute}, 429, "limit_exceeded"},
		{"other", errors.New("disk on fire"), 500, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := classify(tt.err)
			if status != tt.status || body.Code != tt.code {
				t.Errorf("classify() = %d %q, want %d %q", status, body.Code, tt.status, tt.code)
			}
			if tt.code == "backend_error" && body.Error != domain.PaymentBackendUnavailable {
				t.Errorf("backend detail leaked: %q", body.Error)
			}
		})
	}
}

// ─── Identity ───────────────────────────────────────────────────────────────

func TestIdentity(t *testing.T) {
	h := newHarness(t, limiter.Config{})

	expectStatus(t, h.do(t, "", http.MethodGet, "/api/tasks", nil), http.StatusForbidden)
	expectStatus(t, h.do(t, "ghost", http.MethodGet, "/api/tasks", nil), http.StatusForbidden)
	expectStatus(t, h.do(t, "g1", http.MethodGet, "/api/tasks", nil), http.StatusOK)

	hash, _ := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.MinCost)
	h.db.CreateAccount(context.Background(), &domain.Account{
		ID: "p1", FamilyID: "fam", Role: domain.RoleDependent, Name: "p1", PINHash: string(hash), CreatedAt: apptest.T0,
	})
	expectStatus(t, h.do(t, "p1", http.MethodGet, "/api/accounts/me", nil), http.StatusForbidden)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/me", nil)
	req.Header.Set(HeaderAccountID, "p1")
	req.Header.Set(HeaderAccountPIN, "1234")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusOK)
}

func TestCreateAccount(t *testing.T) {
	h := newHarness(t, limiter.Config{})

	w := h.do(t, "", http.MethodPost, "/api/accounts", map[string]any{"name": "Alex", "pin": "0000"})
	expectStatus(t, w, http.StatusCreated)
	founder := decodeBody[domain.Account](t, w)
	if founder.Role != domain.RoleGuardian || founder.FamilyID == "" || founder.FamilyID == "fam" {
		t.Errorf("founder = %+v", founder)
	}
	stored, _ := h.db.GetAccount(context.Background(), founder.ID)
	if bcrypt.CompareHashAndPassword([]byte(stored.PINHash), []byte("0000")) != nil {
		t.Error("pin not hashed")
	}

	expectStatus(t, h.do(t, "", http.MethodPost, "/api/accounts", map[string]any{"name": "Kid", "role": "dependent"}), http.StatusBadRequest)

	w = h.do(t, "g1", http.MethodPost, "/api/accounts", map[string]any{"name": "Sam", "role": "dependent"})
	expectStatus(t, w, http.StatusCreated)
	if a := decodeBody[domain.Account](t, w); a.FamilyID != "fam" || a.Role != domain.RoleDependent {
		t.Errorf("member = %+v", a)
	}
	expectStatus(t, h.do(t, "d1", http.MethodPost, "/api/accounts", map[string]any{"name": "x", "role": "dependent"}), http.StatusForbidden)
}

func TestAccountVisibility(t *testing.T) {
	h := newHarness(t, limiter.Config{})
	expectStatus(t, h.do(t, "g1", http.MethodGet, "/api/accounts/d1", nil), http.StatusOK)
	expectStatus(t, h.do(t, "d1", http.MethodGet, "/api/accounts/g1", nil), http.StatusForbidden)
	expectStatus(t, h.do(t, "g2", http.MethodGet, "/api/accounts/d1", nil), http.StatusNotFound)
}

// ─── Task Flow ──────────────────────────────────────────────────────────────

func TestTaskFlow(t *testing.T) {
	h := newHarness(t, limiter.Config{})
	fb := h.wallet(t, 1000)

	w := h.do(t, "g1", http.MethodPost, "/api/tasks", map[string]any{"title": "Mow the lawn", "sats": 200})
	expectStatus(t, w, http.StatusCreated)
	task := decodeBody[domain.Task](t, w)

	expectStatus(t, h.do(t, "g1", http.MethodPost, "/api/tasks/"+task.ID+"/accept", nil), http.StatusForbidden)
	expectStatus(t, h.do(t, "d1", http.MethodPost, "/api/tasks/"+task.ID+"/accept", nil), http.StatusOK)
	expectStatus(t, h.do(t, "d1", http.MethodPost, "/api/tasks/"+task.ID+"/submit", map[string]string{"proof_ref": "photo://lawn"}), http.StatusOK)

	w = h.do(t, "g1", http.MethodPost, "/api/tasks/"+task.ID+"/approve", nil)
	expectStatus(t, w, http.StatusOK)
	res := decodeBody[escrow.ApprovalResult](t, w)
	if res.Task.Status != domain.TaskApproved || res.PaymentStatus != domain.TxCompleted || res.PaymentRef == "" {
		t.Errorf("approval = %+v", res)
	}
	if fb.Payments() != 1 {
		t.Errorf("payments = %d", fb.Payments())
	}

	w = h.do(t, "g1", http.MethodPost, "/api/tasks/"+task.ID+"/approve", nil)
	expectStatus(t, w, http.StatusConflict)
	body := decodeBody[errorBody](t, w)
	if body.Code != "conflict" || body.Task == nil || body.Task.PaymentRef != res.PaymentRef {
		t.Errorf("second approve body = %+v", body)
	}

	w = h.do(t, "d1", http.MethodGet, "/api/accounts/d1/reconcile", nil)
	expectStatus(t, w, http.StatusOK)
	if rec := decodeBody[ledger.Reconciliation](t, w); !rec.OK || rec.Balance != 200 {
		t.Errorf("reconcile = %+v", rec)
	}

	w = h.do(t, "d1", http.MethodGet, "/api/tasks?status=approved", nil)
	expectStatus(t, w, http.StatusOK)
	list := decodeBody[struct {
		Tasks []domain.Task `json:"tasks"`
	}](t, w)
	if len(list.Tasks) != 1 {
		t.Errorf("approved tasks = %d", len(list.Tasks))
	}
	expectStatus(t, h.do(t, "g1", http.MethodPost, "/api/tasks/"+task.ID+"/archive", nil), http.StatusNoContent)
}

func TestConcurrentApprovalOverHTTP(t *testing.T) {
	h := newHarness(t, limiter.Config{})
	fb := h.wallet(t, 1000)
	w := h.do(t, "g1", http.MethodPost, "/api/tasks", map[string]any{"title": "Dishes", "sats": 50, "assignee_id": "d1"})
	expectStatus(t, w, http.StatusCreated)
	task := decodeBody[domain.Task](t, w)

	var mu sync.Mutex
	codes := map[int]int{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := h.do(t, "g1", http.MethodPost, "/api/tasks/"+task.ID+"/approve", nil)
			mu.Lock()
			codes[w.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if codes[http.StatusOK] != 1 || codes[http.StatusConflict] != 9 {
		t.Errorf("status counts = %v", codes)
	}
	if fb.Payments() != 1 {
		t.Errorf("payments = %d", fb.Payments())
	}
}

func TestCreateTask_Rejections(t *testing.T) {
	h := newHarness(t, limiter.Config{PerTxCap: 500})
	h.wallet(t, 100)

	w := h.do(t, "g1", http.MethodPost, "/api/tasks", map[string]any{"title": "Big", "sats": 600})
	expectStatus(t, w, http.StatusTooManyRequests)
	body := decodeBody[errorBody](t, w)
	if body.LimitKind != limiter.KindPerTx || body.RetryAfterMS == nil {
		t.Errorf("limit body = %+v", body)
	}

	w = h.do(t, "g1", http.MethodPost, "/api/tasks", map[string]any{"title": "Too rich", "sats": 400})
	expectStatus(t, w, http.StatusPaymentRequired)

	expectStatus(t, h.do(t, "g1", http.MethodPost, "/api/tasks", map[string]any{"title": "", "sats": 1}), http.StatusBadRequest)
	expectStatus(t, h.do(t, "g1", http.MethodPost, "/api/tasks", map[string]any{"title": "x", "colour": "red"}), http.StatusBadRequest)
	expectStatus(t, h.do(t, "d1", http.MethodPost, "/api/tasks", map[string]any{"title": "x"}), http.StatusForbidden)
}

func TestRateLimitHeaders(t *testing.T) {
	h := newHarness(t, limiter.Config{RateLimit: 1})
	h.wallet(t, 10_000)

	expectStatus(t, h.do(t, "g1", http.MethodPost, "/api/payouts/instant", map[string]any{"dependent_id": "d1", "sats": 10}), http.StatusOK)
	w := h.do(t, "g1", http.MethodPost, "/api/payouts/instant", map[string]any{"dependent_id": "d1", "sats": 10})
	expectStatus(t, w, http.StatusTooManyRequests)
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if body := decodeBody[errorBody](t, w); body.LimitKind != limiter.KindRate || body.RetryAfterMS == nil || *body.RetryAfterMS <= 0 {
		t.Errorf("rate body = %+v", body)
	}
}

// ─── Payouts and Recovery ───────────────────────────────────────────────────

func TestPayoutFailureQueuesAndRetries(t *testing.T) {
	h := newHarness(t, limiter.Config{})
	fb := h.wallet(t, 10_000)
	fb.FailPayments(errors.New("route not found"))

	w := h.do(t, "g1", http.MethodPost, "/api/payouts/allowance", map[string]any{"dependent_id": "d1", "sats": 300})
	expectStatus(t, w, http.StatusAccepted)
	res := decodeBody[payout.Result](t, w)
	if res.FailedPayment == nil {
		t.Fatalf("result = %+v", res)
	}

	w = h.do(t, "g1", http.MethodGet, "/api/failed-payments", nil)
	expectStatus(t, w, http.StatusOK)
	list := decodeBody[struct {
		FailedPayments []domain.FailedPayment `json:"failed_payments"`
	}](t, w)
	if len(list.FailedPayments) != 1 {
		t.Fatalf("queue = %+v", list)
	}
	expectStatus(t, h.do(t, "d1", http.MethodGet, "/api/failed-payments", nil), http.StatusForbidden)

	fb.FailPayments(nil)
	w = h.do(t, "g1", http.MethodPost, "/api/failed-payments/"+res.FailedPayment.ID+"/retry", nil)
	expectStatus(t, w, http.StatusOK)
	if rr := decodeBody[recovery.RetryResult](t, w); !rr.Resolved {
		t.Errorf("retry = %+v", rr)
	}
	expectStatus(t, h.do(t, "g1", http.MethodPost, "/api/failed-payments/"+res.FailedPayment.ID+"/cancel", nil), http.StatusConflict)
	if got := apptest.Balance(t, h.db, "d1"); got != 300 {
		t.Errorf("d1 balance = %d, want 300", got)
	}
}

func TestWithdrawWithoutWallet(t *testing.T) {
	h := newHarness(t, limiter.Config{})
	apptest.Deposit(t, h.db, "d1", 100)
	w := h.do(t, "d1", http.MethodPost, "/api/withdrawals", map[string]any{"sats": 50, "address": "kid@wallet.example"})
	expectStatus(t, w, http.StatusPreconditionFailed)
	if got := apptest.Balance(t, h.db, "d1"); got != 100 {
		t.Errorf("balance = %d", got)
	}
}

// ─── Wallet ─────────────────────────────────────────────────────────────────

func TestWalletSetup(t *testing.T) {
	h := newHarness(t, limiter.Config{})
	h.backends.Add("http://wallet.example", apptest.NewFakeBackend(777))

	w := h.do(t, "g1", http.MethodPut, "/api/wallet/lnbits", map[string]string{"endpoint": "http://wallet.example", "api_key": "k"})
	expectStatus(t, w, http.StatusOK)
	if st := decodeBody[walletsvc.Status](t, w); st.Balance != 777 || st.Kind != domain.BackendInvoiceAPI {
		t.Errorf("status = %+v", st)
	}
	expectStatus(t, h.do(t, "g1", http.MethodPut, "/api/wallet/paypal", map[string]string{}), http.StatusBadRequest)
	expectStatus(t, h.do(t, "g1", http.MethodPut, "/api/wallet/relay", map[string]string{"descriptor": "garbage"}), http.StatusBadRequest)
	expectStatus(t, h.do(t, "g1", http.MethodPut, "/api/wallet/active", map[string]string{"kind": "relay"}), http.StatusPreconditionFailed)
	expectStatus(t, h.do(t, "g1", http.MethodPost, "/api/wallet/invoice_api/test", nil), http.StatusOK)
	expectStatus(t, h.do(t, "g1", http.MethodDelete, "/api/wallet/invoice_api", nil), http.StatusNoContent)
}

// ─── Limits / Recurring / Audit ─────────────────────────────────────────────

func TestLimitsEndpoints(t *testing.T) {
	h := newHarness(t, limiter.Config{})
	w := h.do(t, "g1", http.MethodPut, "/api/limits/g1", map[string]int64{"daily_cap": 5000, "per_tx_cap": 1000})
	expectStatus(t, w, http.StatusOK)
	if st := decodeBody[domain.SpendingLimit](t, w); st.DailyCap != 5000 || st.PerTxCap != 1000 {
		t.Errorf("limits = %+v", st)
	}
	expectStatus(t, h.do(t, "d1", http.MethodPut, "/api/limits/g1", map[string]int64{"daily_cap": 1, "per_tx_cap": 1}), http.StatusForbidden)
	expectStatus(t, h.do(t, "g2", http.MethodPut, "/api/limits/g1", map[string]int64{"daily_cap": 1, "per_tx_cap": 1}), http.StatusNotFound)
	expectStatus(t, h.do(t, "g1", http.MethodPut, "/api/limits/g1", map[string]int64{"daily_cap": 0, "per_tx_cap": 1}), http.StatusBadRequest)
	expectStatus(t, h.do(t, "g1", http.MethodGet, "/api/limits", nil), http.StatusOK)
}

func TestRecurringEndpoints(t *testing.T) {
	h := newHarness(t, limiter.Config{})
	w := h.do(t, "g1", http.MethodPost, "/api/recurring", map[string]any{"title": "Trash", "frequency": "weekly", "day_of_week": 1})
	expectStatus(t, w, http.StatusCreated)
	o := decodeBody[domain.RecurringObligation](t, w)

	w = h.do(t, "d1", http.MethodGet, "/api/recurring", nil)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), o.ID) {
		t.Errorf("list = %s", w.Body.String())
	}
	expectStatus(t, h.do(t, "g1", http.MethodDelete, "/api/recurring/"+o.ID, nil), http.StatusNoContent)

	w = h.do(t, "g1", http.MethodGet, "/api/audit", nil)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), "recurring.deactivated") {
		t.Errorf("audit = %s", w.Body.String())
	}
	expectStatus(t, h.do(t, "d1", http.MethodGet, "/api/audit", nil), http.StatusForbidden)
}

// ─── Health / Metrics ───────────────────────────────────────────────────────

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, limiter.Config{})
	w := h.do(t, "", http.MethodGet, "/health", nil)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health = %s", w.Body.String())
	}
	expectStatus(t, h.do(t, "", http.MethodGet, "/metrics", nil), http.StatusOK)

	w = h.do(t, "", http.MethodGet, "/api/version", nil)
	if decodeBody[map[string]string](t, w)["version"] != "test" {
		t.Errorf("version = %s", w.Body.String())
	}
}
