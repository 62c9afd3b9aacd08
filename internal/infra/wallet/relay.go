package wallet

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Relay Backend ──────────────────────────────────────────────────────────

// DescriptorScheme is the URI scheme of a relay connection descriptor:
//
//	nostr+walletconnect://<64-hex wallet pubkey>?relay=<wss url>&secret=<64-hex>[&lud16=<address>]
const DescriptorScheme = "nostr+walletconnect"

// ParseDescriptor validates a connection descriptor and extracts its fields.
// Every failure wraps domain.ErrInvalidDescriptor.
func ParseDescriptor(descriptor string) (domain.RelayConfig, error) {
	descriptor = strings.TrimSpace(descriptor)
	bad := func(reason string) (domain.RelayConfig, error) {
		return domain.RelayConfig{}, fmt.Errorf("%s: %w", reason, domain.ErrInvalidDescriptor)
	}

	scheme, rest, ok := strings.Cut(descriptor, "://")
	if !ok || !strings.EqualFold(scheme, DescriptorScheme) {
		return bad("descriptor must start with " + DescriptorScheme + "://")
	}
	pubkey, rawQuery, _ := strings.Cut(rest, "?")
	pubkey = strings.ToLower(strings.TrimSuffix(pubkey, "/"))
	if !isHex32(pubkey) {
		return bad("wallet pubkey must be 64 hex characters")
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return bad("malformed query")
	}

	relay := strings.TrimSpace(q.Get("relay"))
	if relay == "" {
		return bad("relay is required")
	}
	ru, err := url.Parse(relay)
	if err != nil || ru.Host == "" {
		return bad("relay must be a URL")
	}
	switch ru.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return bad("relay must be a ws(s) URL")
	}

	secret := strings.ToLower(strings.TrimSpace(q.Get("secret")))
	if secret == "" {
		return bad("secret is required")
	}
	if !isHex32(secret) {
		return bad("secret must be 64 hex characters")
	}

	cfg := domain.RelayConfig{
		Descriptor:       descriptor,
		WalletPubkey:     pubkey,
		RelayURL:         relay,
		Secret:           secret,
		LightningAddress: strings.TrimSpace(q.Get("lud16")),
	}
	return cfg, cfg.Validate()
}

func isHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Envelope is what travels through the relay. Content is the encrypted
// request or response.
type Envelope struct {
	ID      string `json:"id"`
	Pubkey  string `json:"pubkey"`
	Content string `json:"content"`
}

// RelayTransport exchanges one request envelope for its response.
type RelayTransport interface {
	RoundTrip(ctx context.Context, req Envelope) (Envelope, error)
}

// HTTPTransport posts envelopes to a relay's HTTP bridge. ws:// and wss://
// relay URLs map to http:// and https://.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

// NewHTTPTransport maps the relay URL scheme and returns a transport.
func NewHTTPTransport(relayURL string, client *http.Client) *HTTPTransport {
	u := relayURL
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	}
	return &HTTPTransport{URL: u, Client: client}
}

// RoundTrip implements RelayTransport.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req Envelope) (Envelope, error) {
	var resp Envelope
	if err := doJSON(ctx, t.Client, http.MethodPost, t.URL, nil, req, &resp); err != nil {
		return Envelope{}, err
	}
	return resp, nil
}

// RelayClient speaks the wallet-connect request/response protocol through a
// RelayTransport.
type RelayClient struct {
	cfg       domain.RelayConfig
	key       []byte
	transport RelayTransport
	resolver  *AddressResolver
}

// NewRelayClient validates cfg and returns a client.
func NewRelayClient(cfg domain.RelayConfig, opts Options) (*RelayClient, error) {
	if cfg.WalletPubkey == "" && cfg.Descriptor != "" {
		parsed, err := ParseDescriptor(cfg.Descriptor)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	transport := opts.Transport
	if transport == nil {
		transport = NewHTTPTransport(cfg.RelayURL, opts.HTTPClient)
	}
	return &RelayClient{
		cfg:       cfg,
		key:       RelayKey(cfg.Secret),
		transport: transport,
		resolver:  opts.Resolver,
	}, nil
}

// Kind implements domain.PaymentBackend.
func (c *RelayClient) Kind() domain.BackendKind { return domain.BackendRelay }

type relayRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type relayResponse struct {
	ResultType string `json:"result_type"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

// call encrypts a request, exchanges it and decodes the result into out.
func (c *RelayClient) call(ctx context.Context, method string, params map[string]any, out any) error {
	plain, err := json.Marshal(relayRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	content, err := SealContent(c.key, plain)
	if err != nil {
		return err
	}
	reqID := uuid.NewString()
	respEnv, err := c.transport.RoundTrip(ctx, Envelope{ID: reqID, Pubkey: c.cfg.WalletPubkey, Content: content})
	if err != nil {
		return err
	}
	if respEnv.ID != "" && respEnv.ID != reqID {
		return fmt.Errorf("response id %q does not match request", respEnv.ID)
	}
	raw, err := OpenContent(c.key, respEnv.Content)
	if err != nil {
		return err
	}

	var resp relayResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil && (resp.Error.Code != "" || resp.Error.Message != "") {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.ResultType != "" && resp.ResultType != method {
		return fmt.Errorf("unexpected result_type %q", resp.ResultType)
	}
	if out == nil {
		return nil
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return fmt.Errorf("response missing result")
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// CreateInvoice implements domain.PaymentBackend.
func (c *RelayClient) CreateInvoice(ctx context.Context, amountSats int64, memo string) (domain.Invoice, error) {
	var inv domain.Invoice
	err := observe(ctx, c.Kind(), "create_invoice", func(ctx context.Context) error {
		if err := checkAmount(amountSats); err != nil {
			return err
		}
		var res struct {
			Invoice     string `json:"invoice"`
			PaymentHash string `json:"payment_hash"`
		}
		if err := c.call(ctx, "make_invoice", map[string]any{"amount": amountSats * 1000, "description": memo}, &res); err != nil {
			return err
		}
		if res.Invoice == "" {
			return fmt.Errorf("result missing invoice")
		}
		inv = domain.Invoice{PaymentRequest: res.Invoice, PaymentHash: res.PaymentHash, AmountSats: amountSats}
		return nil
	})
	return inv, err
}

// PayInvoice implements domain.PaymentBackend.
func (c *RelayClient) PayInvoice(ctx context.Context, invoice string) (domain.Payment, error) {
	var p domain.Payment
	err := observe(ctx, c.Kind(), "pay_invoice", func(ctx context.Context) error {
		var err error
		p, err = c.payInvoice(ctx, invoice)
		return err
	})
	return p, err
}

func (c *RelayClient) payInvoice(ctx context.Context, invoice string) (domain.Payment, error) {
	if strings.TrimSpace(invoice) == "" {
		return domain.Payment{}, fmt.Errorf("empty invoice: %w", domain.ErrInvalidInput)
	}
	var res struct {
		Preimage    string `json:"preimage"`
		PaymentHash string `json:"payment_hash"`
		FeesPaid    int64  `json:"fees_paid"`
	}
	if err := c.call(ctx, "pay_invoice", map[string]any{"invoice": invoice}, &res); err != nil {
		return domain.Payment{}, err
	}
	if res.Preimage == "" && res.PaymentHash == "" {
		return domain.Payment{}, fmt.Errorf("result missing preimage")
	}
	ref := res.PaymentHash
	if ref == "" {
		sum := sha256.Sum256(mustHex(res.Preimage))
		ref = hex.EncodeToString(sum[:])
	}
	return domain.Payment{PaymentHash: ref, Preimage: res.Preimage, FeeSats: res.FeesPaid / 1000}, nil
}

// PayToAddress implements domain.PaymentBackend.
func (c *RelayClient) PayToAddress(ctx context.Context, address string, amountSats int64, memo string) (domain.Payment, error) {
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
func (c *RelayClient) GetBalance(ctx context.Context) (int64, error) {
	var sats int64
	err := observe(ctx, c.Kind(), "get_balance", func(ctx context.Context) error {
		var res struct {
			Balance *int64 `json:"balance"`
		}
		if err := c.call(ctx, "get_balance", map[string]any{}, &res); err != nil {
			return err
		}
		if res.Balance == nil {
			return fmt.Errorf("result missing balance")
		}
		sats = *res.Balance / 1000
		return nil
	})
	return sats, err
}

// ─── Content encryption ─────────────────────────────────────────────────────
// Content = base64(nonce ‖ AES-256-GCM ciphertext), key = SHA-256(secret).

// RelayKey derives the content key from a descriptor secret.
func RelayKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// SealContent encrypts a payload for the relay.
func SealContent(key, plain []byte) (string, error) {
	aead, err := relayAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenContent decrypts a relay payload.
func OpenContent(key []byte, content string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("content is not base64")
	}
	aead, err := relayAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("content too short")
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("content authentication failed")
	}
	return plain, nil
}

func relayAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("relay cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return []byte(s)
	}
	return b
}
