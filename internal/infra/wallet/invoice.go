package wallet

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Invoice API Backend ────────────────────────────────────────────────────

// InvoiceClient talks to an LNbits-compatible wallet API.
//
//	POST {endpoint}/api/v1/payments {"out":false,"amount":n,"memo":m} → invoice
//	POST {endpoint}/api/v1/payments {"out":true,"bolt11":pr}          → payment
//	GET  {endpoint}/api/v1/wallet                                     → balance (msat)
type InvoiceClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	resolver *AddressResolver
}

// NewInvoiceClient validates cfg and returns a client.
func NewInvoiceClient(cfg domain.InvoiceAPIConfig, opts Options) (*InvoiceClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &InvoiceClient{
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		http:     opts.HTTPClient,
		resolver: opts.Resolver,
	}, nil
}

// Kind implements domain.PaymentBackend.
func (c *InvoiceClient) Kind() domain.BackendKind { return domain.BackendInvoiceAPI }

func (c *InvoiceClient) header() http.Header {
	h := http.Header{}
	h.Set("X-Api-Key", c.apiKey)
	return h
}

// CreateInvoice implements domain.PaymentBackend.
func (c *InvoiceClient) CreateInvoice(ctx context.Context, amountSats int64, memo string) (domain.Invoice, error) {
	var inv domain.Invoice
	err := observe(ctx, c.Kind(), "create_invoice", func(ctx context.Context) error {
		if err := checkAmount(amountSats); err != nil {
			return err
		}
		var resp struct {
			PaymentHash    string `json:"payment_hash"`
			PaymentRequest string `json:"payment_request"`
			Bolt11         string `json:"bolt11"`
		}
		body := map[string]any{"out": false, "amount": amountSats, "memo": memo}
		if err := doJSON(ctx, c.http, http.MethodPost, c.endpoint+"/api/v1/payments", c.header(), body, &resp); err != nil {
			return err
		}
		pr := resp.PaymentRequest
		if pr == "" {
			pr = resp.Bolt11
		}
		if pr == "" {
			return fmt.Errorf("response missing payment_request")
		}
		inv = domain.Invoice{PaymentRequest: pr, PaymentHash: resp.PaymentHash, AmountSats: amountSats}
		return nil
	})
	return inv, err
}

// PayInvoice implements domain.PaymentBackend.
func (c *InvoiceClient) PayInvoice(ctx context.Context, invoice string) (domain.Payment, error) {
	var p domain.Payment
	err := observe(ctx, c.Kind(), "pay_invoice", func(ctx context.Context) error {
		var err error
		p, err = c.payInvoice(ctx, invoice)
		return err
	})
	return p, err
}

func (c *InvoiceClient) payInvoice(ctx context.Context, invoice string) (domain.Payment, error) {
	if strings.TrimSpace(invoice) == "" {
		return domain.Payment{}, fmt.Errorf("empty invoice: %w", domain.ErrInvalidInput)
	}
	var resp struct {
		PaymentHash string `json:"payment_hash"`
		CheckingID  string `json:"checking_id"`
		Preimage    string `json:"preimage"`
		FeeMsat     int64  `json:"fee"`
	}
	body := map[string]any{"out": true, "bolt11": invoice}
	if err := doJSON(ctx, c.http, http.MethodPost, c.endpoint+"/api/v1/payments", c.header(), body, &resp); err != nil {
		return domain.Payment{}, err
	}
	hash := resp.PaymentHash
	if hash == "" {
		hash = resp.CheckingID
	}
	if hash == "" {
		return domain.Payment{}, fmt.Errorf("response missing payment_hash")
	}
	return domain.Payment{PaymentHash: hash, Preimage: resp.Preimage, FeeSats: absMsat(resp.FeeMsat) / 1000}, nil
}

// PayToAddress implements domain.PaymentBackend.
func (c *InvoiceClient) PayToAddress(ctx context.Context, address string, amountSats int64, memo string) (domain.Payment, error) {
	var p domain.Payment
	err := observe(ctx, c.Kind(), "pay_to_address", func(ctx context.Context) error {
		pr, err := c.resolver.Resolve(ctx, address, amountSats, memo)
		if err != nil {
			return err
		}
		p, err = c.payInvoice(ctx, pr)
		return err
	})
	return p, err
}

// GetBalance implements domain.PaymentBackend.
func (c *InvoiceClient) GetBalance(ctx context.Context) (int64, error) {
	var sats int64
	err := observe(ctx, c.Kind(), "get_balance", func(ctx context.Context) error {
		var resp struct {
			Balance *int64 `json:"balance"`
		}
		if err := doJSON(ctx, c.http, http.MethodGet, c.endpoint+"/api/v1/wallet", c.header(), nil, &resp); err != nil {
			return err
		}
		if resp.Balance == nil {
			return fmt.Errorf("response missing balance")
		}
		sats = *resp.Balance / 1000
		return nil
	})
	return sats, err
}

// LNbits reports outgoing fees as negative msat.
func absMsat(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
