package wallet

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Lightning Address Resolution (LUD-16 / LNURL-pay) ──────────────────────

// AddressResolver turns user@domain into a payable invoice.
type AddressResolver struct {
	http   *http.Client
	scheme string
}

// NewAddressResolver returns a resolver that fetches over HTTPS.
func NewAddressResolver(client *http.Client) *AddressResolver {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &AddressResolver{http: client, scheme: "https"}
}

// ParseAddress splits a lightning address into user and domain.
func ParseAddress(address string) (user, host string, err error) {
	address = strings.TrimSpace(strings.ToLower(address))
	user, host, ok := strings.Cut(address, "@")
	if !ok || user == "" || host == "" || strings.ContainsAny(user, "/?# ") || strings.ContainsAny(host, "/?#@ ") {
		return "", "", fmt.Errorf("lightning address %q: %w", address, domain.ErrInvalidInput)
	}
	return user, host, nil
}

// Resolve fetches the pay endpoint for address and requests an invoice for
// amountSats. The amount must sit inside the endpoint's sendable range.
func (r *AddressResolver) Resolve(ctx context.Context, address string, amountSats int64, comment string) (string, error) {
	if err := checkAmount(amountSats); err != nil {
		return "", err
	}
	user, host, err := ParseAddress(address)
	if err != nil {
		return "", err
	}

	var params struct {
		Status         string `json:"status"`
		Reason         string `json:"reason"`
		Callback       string `json:"callback"`
		MinSendable    int64  `json:"minSendable"`
		MaxSendable    int64  `json:"maxSendable"`
		CommentAllowed int    `json:"commentAllowed"`
	}
	wellKnown := fmt.Sprintf("%s://%s/.well-known/lnurlp/%s", r.scheme, host, url.PathEscape(user))
	if err := doJSON(ctx, r.http, http.MethodGet, wellKnown, nil, nil, &params); err != nil {
		return "", fmt.Errorf("lnurlp %s: %w", address, err)
	}
	if strings.EqualFold(params.Status, "ERROR") {
		return "", fmt.Errorf("lnurlp %s: %s", address, params.Reason)
	}
	if params.Callback == "" {
		return "", fmt.Errorf("lnurlp %s: missing callback", address)
	}

	msat := amountSats * 1000
	if msat < params.MinSendable || (params.MaxSendable > 0 && msat > params.MaxSendable) {
		return "", fmt.Errorf("amount %d msat outside sendable range [%d, %d]", msat, params.MinSendable, params.MaxSendable)
	}

	cb, err := url.Parse(params.Callback)
	if err != nil {
		return "", fmt.Errorf("lnurlp callback: %w", err)
	}
	q := cb.Query()
	q.Set("amount", strconv.FormatInt(msat, 10))
	if comment != "" && params.CommentAllowed > 0 {
		q.Set("comment", truncateRunes(comment, params.CommentAllowed))
	}
	cb.RawQuery = q.Encode()

	var inv struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
		PR     string `json:"pr"`
	}
	if err := doJSON(ctx, r.http, http.MethodGet, cb.String(), nil, nil, &inv); err != nil {
		return "", fmt.Errorf("lnurlp callback: %w", err)
	}
	if strings.EqualFold(inv.Status, "ERROR") {
		return "", fmt.Errorf("lnurlp callback: %s", inv.Reason)
	}
	if inv.PR == "" {
		return "", fmt.Errorf("lnurlp callback: missing pr")
	}
	return inv.PR, nil
}

// truncateRunes cuts s to at most n characters without splitting one.
func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
