package lightning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client resolves lightning addresses into BOLT11 invoices via LNURL-pay.
type Client struct {
	httpClient *http.Client
	scheme     string
}

// NewClient creates a new LNURL-pay client with reasonable defaults.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		scheme: "https",
	}
}

// NewClientWithHTTP creates a client with a custom http.Client and URL
// scheme. Tests pass "http" to talk to httptest servers.
func NewClientWithHTTP(c *http.Client, scheme string) *Client {
	return &Client{httpClient: c, scheme: scheme}
}

// IsAddress reports whether dest looks like a lightning address
// (user@domain) rather than an on-chain address.
func IsAddress(dest string) bool {
	user, domain, ok := strings.Cut(dest, "@")
	return ok && user != "" && domain != "" && !strings.Contains(domain, "@")
}

// LNURLPayMetadata contains response from LNURL-pay well-known endpoint.
type LNURLPayMetadata struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`    // millisats
	MaxSendable    int64  `json:"maxSendable"`    // millisats
	CommentAllowed int    `json:"commentAllowed"` // max comment length, 0 = not allowed
	Tag            string `json:"tag"`
}

// InvoiceResponse contains the bolt11 invoice from callback.
type InvoiceResponse struct {
	PR     string `json:"pr"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// FetchMetadata retrieves LNURL-pay metadata for a lightning address.
func (c *Client) FetchMetadata(ctx context.Context, lightningAddress string) (*LNURLPayMetadata, error) {
	if !IsAddress(lightningAddress) {
		return nil, fmt.Errorf("%w: expected user@domain format", ErrInvalidLightningAddress)
	}
	user, domain, _ := strings.Cut(lightningAddress, "@")

	url := fmt.Sprintf("%s://%s/.well-known/lnurlp/%s", c.scheme, domain, user)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrLNURLMetadataFetch, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLNURLMetadataFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrLNURLMetadataFetch, resp.StatusCode)
	}

	var meta LNURLPayMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrLNURLMetadataFetch, err)
	}
	if meta.Callback == "" {
		return nil, fmt.Errorf("%w: missing callback URL", ErrLNURLMetadataFetch)
	}
	return &meta, nil
}

// checkRange validates amountMsats against the service's sendable bounds.
func (m *LNURLPayMetadata) checkRange(amountMsats int64) error {
	if amountMsats < m.MinSendable {
		return fmt.Errorf("%w: %d sats below minimum %d sats", ErrInvoiceAmountOutOfRange, amountMsats/1000, m.MinSendable/1000)
	}
	if amountMsats > m.MaxSendable {
		return fmt.Errorf("%w: %d sats above maximum %d sats", ErrInvoiceAmountOutOfRange, amountMsats/1000, m.MaxSendable/1000)
	}
	return nil
}

// RequestInvoice requests a bolt11 invoice for amountSats and verifies that
// the returned invoice is for exactly that amount.
func (c *Client) RequestInvoice(ctx context.Context, lightningAddress string, amountSats int64) (string, error) {
	meta, err := c.FetchMetadata(ctx, lightningAddress)
	if err != nil {
		return "", err
	}

	amountMsats := amountSats * 1000
	if err := meta.checkRange(amountMsats); err != nil {
		return "", err
	}

	separator := "?"
	if strings.Contains(meta.Callback, "?") {
		separator = "&"
	}
	callbackURL := fmt.Sprintf("%s%samount=%d", meta.Callback, separator, amountMsats)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callbackURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %v", ErrLNURLInvoiceRequest, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLNURLInvoiceRequest, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", ErrLNURLInvoiceRequest, resp.StatusCode)
	}

	var invoiceResp InvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&invoiceResp); err != nil {
		return "", fmt.Errorf("%w: invalid JSON: %v", ErrLNURLInvoiceRequest, err)
	}
	if invoiceResp.Status == "ERROR" {
		return "", fmt.Errorf("%w: %s", ErrLNURLInvoiceRequest, invoiceResp.Reason)
	}
	if invoiceResp.PR == "" {
		return "", fmt.Errorf("%w: empty invoice returned", ErrLNURLInvoiceRequest)
	}

	got, err := InvoiceAmountMsat(invoiceResp.PR)
	if err != nil {
		return "", err
	}
	if got != amountMsats {
		return "", fmt.Errorf("%w: requested %d msats, invoice is for %d msats", ErrInvoiceAmountMismatch, amountMsats, got)
	}

	return invoiceResp.PR, nil
}
