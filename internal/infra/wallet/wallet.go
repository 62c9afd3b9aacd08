// Package wallet implements the payment backends: a direct invoice API
// (LNbits-compatible REST) and a relay-connected wallet reached through a
// connection descriptor. Both satisfy domain.PaymentBackend.
//
// Backends are built from unsealed configuration only and hold no mutable
// state between calls. Every transport or protocol failure is returned as a
// *domain.PaymentBackendError.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
)

// Options carries the shared collaborators of every backend.
type Options struct {
	// HTTPClient is used for all outbound calls. Defaults to a client with
	// DefaultHTTPTimeout; per-call deadlines come from the context.
	HTTPClient *http.Client
	// Resolver turns lightning addresses into invoices. Defaults to one
	// sharing HTTPClient.
	Resolver *AddressResolver
	// Transport overrides the relay transport (tests, alternative relays).
	Transport RelayTransport
}

// DefaultHTTPTimeout caps a single HTTP exchange when the caller sets no deadline.
const DefaultHTTPTimeout = 30 * time.Second

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if o.Resolver == nil {
		o.Resolver = NewAddressResolver(o.HTTPClient)
	}
	return o
}

// Open builds the backend for a wallet configuration.
func Open(cfg domain.WalletConfig, opts Options) (domain.PaymentBackend, error) {
	if cfg == nil {
		return nil, domain.ErrNoBackend
	}
	opts = opts.withDefaults()
	switch c := cfg.(type) {
	case domain.InvoiceAPIConfig:
		return NewInvoiceClient(c, opts)
	case *domain.InvoiceAPIConfig:
		return NewInvoiceClient(*c, opts)
	case domain.RelayConfig:
		return NewRelayClient(c, opts)
	case *domain.RelayConfig:
		return NewRelayClient(*c, opts)
	}
	return nil, fmt.Errorf("wallet config %T: %w", cfg, domain.ErrInvalidConfig)
}

// DecodeConfig parses the JSON form of a wallet configuration, as stored
// (sealed) in the wallets table.
func DecodeConfig(kind domain.BackendKind, raw []byte) (domain.WalletConfig, error) {
	switch kind {
	case domain.BackendInvoiceAPI:
		var c domain.InvoiceAPIConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode invoice api config: %w", domain.ErrCredentialsUnusable)
		}
		return c, nil
	case domain.BackendRelay:
		var c domain.RelayConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode relay config: %w", domain.ErrCredentialsUnusable)
		}
		if c.WalletPubkey == "" && c.Descriptor != "" {
			return ParseDescriptor(c.Descriptor)
		}
		return c, nil
	}
	return nil, fmt.Errorf("backend kind %q: %w", kind, domain.ErrInvalidConfig)
}

// ─── Instrumentation ────────────────────────────────────────────────────────

// observe runs one backend operation inside a span, records metrics and
// normalizes the error into a PaymentBackendError.
func observe(ctx context.Context, kind domain.BackendKind, op string, fn func(ctx context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "wallet."+op,
		attribute.String("wallet.backend", string(kind)))
	start := time.Now()

	err := fn(ctx)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		if !domain.IsBackendError(err) {
			err = domain.NewBackendError(kind, op, err)
		}
	}
	observability.BackendCalls.WithLabelValues(string(kind), op, outcome).Inc()
	observability.BackendLatency.WithLabelValues(string(kind), op).Observe(time.Since(start).Seconds())
	observability.EndSpan(span, err)
	return err
}

// ─── HTTP helper ────────────────────────────────────────────────────────────

// doJSON sends body (if non-nil) as JSON and decodes a 2xx response into out.
func doJSON(ctx context.Context, client *http.Client, method, url string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkAmount(sats int64) error {
	if sats <= 0 {
		return domain.ErrBadAmount
	}
	return nil
}
