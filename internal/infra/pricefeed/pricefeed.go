// Package pricefeed fetches the BTC spot price used to value earnings.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/satsjar/satsjar/internal/domain"
)

// Defaults for the CoinGecko simple-price endpoint.
const (
	DefaultBaseURL  = "https://api.coingecko.com/api/v3"
	DefaultCurrency = "eur"
	DefaultTimeout  = 10 * time.Second
	DefaultCacheTTL = 5 * time.Minute
)

// Config configures a Feed.
type Config struct {
	BaseURL  string
	Currency string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Quote is one price observation.
type Quote struct {
	Price    float64   `json:"price"`
	Currency string    `json:"currency"`
	At       time.Time `json:"at"`
}

// Feed fetches and caches the BTC price in one fiat currency.
type Feed struct {
	cfg    Config
	client *http.Client
	clock  domain.Clock

	mu     sync.Mutex
	cached Quote
}

// New returns a feed. Zero config fields take the defaults.
func New(cfg Config, client *http.Client, clock domain.Clock) *Feed {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	cfg.Currency = strings.ToLower(cfg.Currency)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if client == nil {
		client = &http.Client{}
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Feed{cfg: cfg, client: client, clock: clock}
}

// Currency returns the configured fiat currency code.
func (f *Feed) Currency() string { return f.cfg.Currency }

// Price returns the cached quote while it is fresh, otherwise fetches a new one.
func (f *Feed) Price(ctx context.Context) (Quote, error) {
	now := f.clock.Now()
	f.mu.Lock()
	if f.cached.Price > 0 && now.Sub(f.cached.At) < f.cfg.CacheTTL {
		q := f.cached
		f.mu.Unlock()
		return q, nil
	}
	f.mu.Unlock()

	price, err := f.fetch(ctx)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{Price: price, Currency: f.cfg.Currency, At: now}
	f.mu.Lock()
	f.cached = q
	f.mu.Unlock()
	return q, nil
}

func (f *Feed) fetch(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	q := url.Values{"ids": {"bitcoin"}, "vs_currencies": {f.cfg.Currency}}
	endpoint := strings.TrimRight(f.cfg.BaseURL, "/") + "/simple/price?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return 0, fmt.Errorf("price request status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]map[string]float64
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode price response: %w", err)
	}
	price := payload["bitcoin"][f.cfg.Currency]
	if price <= 0 {
		return 0, fmt.Errorf("price response missing bitcoin/%s", f.cfg.Currency)
	}
	return price, nil
}
