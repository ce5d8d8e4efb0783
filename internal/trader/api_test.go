package trader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lidio601/lamassu-machine/internal/logging"
)

func TestClient_Poll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/poll", r.URL.Path)
		assert.Equal(t, "kiosk-7", r.Header.Get("X-Machine-Id"))
		_ = json.NewEncoder(w).Encode(PollResult{Rate: 60000, FiatCode: "EUR", CryptoCode: "BTC", Balance: 5000, TxLimit: 1000})
	}))
	defer server.Close()

	c := NewClientWithHTTP(server.URL+"/", "kiosk-7", server.Client())
	res, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60000.0, res.Rate)
	assert.Equal(t, "EUR", res.FiatCode)
	assert.Equal(t, int64(1000), res.TxLimit)
}

func TestClient_PollUnpaired(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		c := NewClientWithHTTP(server.URL, "", server.Client())
		_, err := c.Poll(context.Background())
		assert.True(t, errors.Is(err, ErrUnpaired), "status %d: %v", code, err)
		server.Close()
	}
}

func TestClient_PollServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClientWithHTTP(server.URL, "", server.Client()).Poll(context.Background())
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestClient_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(40), req.Fiat)
		assert.Equal(t, "s1", r.Header.Get("X-Session-Id"))
		_ = json.NewEncoder(w).Encode(Dispense{Status: DispenseSent, TxHash: "abc"})
	}))
	defer server.Close()

	ctx := logging.WithSessionID(context.Background(), "s1")
	d, err := NewClientWithHTTP(server.URL, "", server.Client()).Send(ctx, SendRequest{SessionID: "s1", Fiat: 40})
	require.NoError(t, err)
	assert.Equal(t, "s1", d.SessionID)
	assert.Equal(t, "abc", d.TxHash)
}

func TestSendError_Unwrap(t *testing.T) {
	err := &SendError{SessionID: "s1", Err: ErrBusy}
	assert.ErrorIs(t, err, ErrBusy)
	assert.Contains(t, err.Error(), "s1")
}
