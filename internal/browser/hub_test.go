package browser

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lidio601/lamassu-machine/internal/events"
	"github.com/lidio601/lamassu-machine/internal/logging"
)

type harness struct {
	hub    *Hub
	server *httptest.Server
	events chan events.Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(append([]Option{WithLogger(logging.Discard())}, opts...)...)
	ch := make(chan events.Event, 32)
	for _, name := range events.Vocabulary(events.SourceBrowser) {
		require.NoError(t, hub.Events().On(name, func(ev events.Event) { ch <- ev }))
	}

	r := gin.New()
	r.GET("/ws", hub.Handler())
	server := httptest.NewServer(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		server.Close()
	})
	return &harness{hub: hub, server: server, events: ch}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func (h *harness) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for browser event")
		return events.Event{}
	}
}

func TestHub_ConnectMessageClose(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	ev := h.next(t)
	require.Equal(t, events.Connected, ev.Name)
	assert.Equal(t, Connection{Clients: 1}, ev.Payload)
	assert.Equal(t, 1, h.hub.Clients())

	require.NoError(t, conn.WriteJSON(Message{Button: "start"}))
	ev = h.next(t)
	require.Equal(t, events.Message, ev.Name)
	assert.Equal(t, "start", ev.Payload.(Message).Button)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	ev = h.next(t)
	require.Equal(t, events.MessageError, ev.Name)
	assert.ErrorIs(t, ev.Payload.(error), ErrMalformedMessage)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	ev = h.next(t)
	require.Equal(t, events.Closed, ev.Name)
	assert.Equal(t, Closure{Clients: 0}, ev.Payload)
	_ = conn.Close()
}

func TestHub_SendReachesClientAndReplays(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t)
	defer first.Close()
	h.next(t)

	h.hub.Send(Screen{Action: "idle", Rate: 50000, FiatCode: "EUR"})

	var got Screen
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := first.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "idle", got.Action)
	assert.Equal(t, "EUR", got.FiatCode)

	late := h.dial(t)
	defer late.Close()
	assert.Equal(t, Connection{Clients: 2}, h.next(t).Payload)

	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = late.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "idle", got.Action)
}

func TestHub_HeartbeatLost(t *testing.T) {
	h := newHarness(t, WithHeartbeat(100*time.Millisecond))
	conn := h.dial(t)
	defer conn.Close()
	h.next(t)

	// The dialer never reads, so pings go unanswered.
	ev := h.next(t)
	require.Equal(t, events.Closed, ev.Name)
	assert.True(t, ev.Payload.(Closure).HeartbeatLost)
}
