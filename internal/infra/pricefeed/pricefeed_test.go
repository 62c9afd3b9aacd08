package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satsjar/satsjar/internal/domain"
)

func TestFeed_PriceAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/simple/price" || r.URL.Query().Get("vs_currencies") != "eur" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"bitcoin":{"eur":60000}}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := domain.FuncClock(func() time.Time { return now })
	f := New(Config{BaseURL: srv.URL}, srv.Client(), clock)

	q, err := f.Price(context.Background())
	if err != nil {
		t.Fatalf("Price() error: %v", err)
	}
	if q.Price != 60000 || q.Currency != "eur" {
		t.Errorf("quote = %+v", q)
	}

	f.Price(context.Background())
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1 (cached)", hits.Load())
	}

	now = now.Add(DefaultCacheTTL)
	f.Price(context.Background())
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2 after expiry", hits.Load())
	}
}

func TestFeed_MissingCurrency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin":{"usd":70000}}`))
	}))
	defer srv.Close()

	f := New(Config{BaseURL: srv.URL, Currency: "EUR"}, srv.Client(), nil)
	if _, err := f.Price(context.Background()); err == nil {
		t.Error("expected error when currency is missing")
	}
}

func TestFeed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := New(Config{BaseURL: srv.URL}, srv.Client(), nil)
	if _, err := f.Price(context.Background()); err == nil {
		t.Error("expected error on 429")
	}
}
