// Package trader talks to the operator server: it polls rates and balances,
// forwards sends, and re-emits the outcome as trader events.
package trader

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

	"github.com/lidio601/lamassu-machine/internal/logging"
)

var (
	ErrUnpaired  = errors.New("trader: machine is not paired")
	ErrBadStatus = errors.New("trader: unexpected response status")
	ErrBusy      = errors.New("trader: send queue full")
)

// PollResult is the operator server's answer to a poll.
type PollResult struct {
	Rate       float64 `json:"rate"`
	FiatCode   string  `json:"fiatCode"`
	CryptoCode string  `json:"cryptoCode"`
	Balance    float64 `json:"balance"`
	TxLimit    int64   `json:"txLimit"`
	Locale     string  `json:"locale"`
	Restart    bool    `json:"restart"`
}

const (
	DispenseSent    = "sent"
	DispenseFailed  = "failed"
	DispensePending = "pending"
)

// Dispense reports the outcome of a send.
type Dispense struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	TxHash    string `json:"txHash,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendRequest asks the operator server to send coins for a session.
type SendRequest struct {
	SessionID  string `json:"sessionId"`
	Address    string `json:"address"`
	Invoice    string `json:"invoice,omitempty"`
	Fiat       int64  `json:"fiat"`
	Satoshis   int64  `json:"satoshis"`
	FiatCode   string `json:"fiatCode"`
	CryptoCode string `json:"cryptoCode"`
}

// SendError is the payload of a trader error event caused by a send.
type SendError struct {
	SessionID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.SessionID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// API is the operator server boundary.
type API interface {
	Poll(ctx context.Context) (*PollResult, error)
	Send(ctx context.Context, req SendRequest) (*Dispense, error)
}

var _ API = (*Client)(nil)

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	machineID  string
	httpClient *http.Client
}

// NewClient creates a client for the operator server at baseURL.
func NewClient(baseURL, machineID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		machineID:  machineID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP creates a client with a custom http.Client (for testing).
func NewClientWithHTTP(baseURL, machineID string, c *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), machineID: machineID, httpClient: c}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.machineID != "" {
		req.Header.Set("X-Machine-Id", c.machineID)
	}
	if id := logging.SessionID(ctx); id != "" {
		req.Header.Set("X-Session-Id", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnpaired
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s %s: HTTP %d", ErrBadStatus, method, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Poll(ctx context.Context) (*PollResult, error) {
	var res PollResult
	if err := c.do(ctx, http.MethodGet, "/poll", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Send(ctx context.Context, req SendRequest) (*Dispense, error) {
	var d Dispense
	if err := c.do(ctx, http.MethodPost, "/send", req, &d); err != nil {
		return nil, err
	}
	if d.SessionID == "" {
		d.SessionID = req.SessionID
	}
	return &d, nil
}
