package brain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lidio601/lamassu-machine/internal/browser"
	"github.com/lidio601/lamassu-machine/internal/clock"
	"github.com/lidio601/lamassu-machine/internal/events"
	"github.com/lidio601/lamassu-machine/internal/fsm"
	"github.com/lidio601/lamassu-machine/internal/idle"
	"github.com/lidio601/lamassu-machine/internal/logging"
	"github.com/lidio601/lamassu-machine/internal/trader"
)

type fakeAcceptor struct {
	em   *events.Emitter
	mu   sync.Mutex
	cmds []string
}

func (f *fakeAcceptor) Events() *events.Emitter { return f.em }
func (f *fakeAcceptor) Enable()                 { f.record("enable") }
func (f *fakeAcceptor) Disable()                { f.record("disable") }
func (f *fakeAcceptor) Stack()                  { f.record("stack") }
func (f *fakeAcceptor) Reject()                 { f.record("reject") }

func (f *fakeAcceptor) record(cmd string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
}

func (f *fakeAcceptor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

type fakeTrader struct {
	em    *events.Emitter
	mu    sync.Mutex
	sent  []trader.SendRequest
	polls int
}

func (f *fakeTrader) Events() *events.Emitter { return f.em }

func (f *fakeTrader) Send(req trader.SendRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
}

func (f *fakeTrader) PollNow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
}

func (f *fakeTrader) requests() []trader.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trader.SendRequest(nil), f.sent...)
}

type fakeWifi struct {
	em       *events.Emitter
	mu       sync.Mutex
	scans    int
	connects []string
}

func (f *fakeWifi) Events() *events.Emitter { return f.em }

func (f *fakeWifi) Scan() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
}

func (f *fakeWifi) Connect(ssid, passphrase string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, ssid)
}

type fakeDisplay struct {
	em      *events.Emitter
	clients atomic.Int32
	mu      sync.Mutex
	screens []browser.Screen
}

func (f *fakeDisplay) Events() *events.Emitter { return f.em }
func (f *fakeDisplay) Clients() int            { return int(f.clients.Load()) }

func (f *fakeDisplay) Send(s browser.Screen) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screens = append(f.screens, s)
}

func (f *fakeDisplay) last() browser.Screen {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.screens) == 0 {
		return browser.Screen{}
	}
	return f.screens[len(f.screens)-1]
}

func newPeers() (Collaborators, *fakeAcceptor, *fakeTrader, *fakeWifi, *fakeDisplay) {
	acc := &fakeAcceptor{em: events.NewEmitter(events.SourceBillValidator)}
	tr := &fakeTrader{em: events.NewEmitter(events.SourceTrader)}
	wf := &fakeWifi{em: events.NewEmitter(events.SourceWifi)}
	disp := &fakeDisplay{em: events.NewEmitter(events.SourceBrowser)}
	return Collaborators{Acceptor: acc, Trader: tr, Wifi: wf, Display: disp}, acc, tr, wf, disp
}

// testTimer mirrors the kiosk defaults: check every 2s, idle after 10s,
// exit after 20s.
var testTimer = idle.Config{
	CheckInterval: 2 * time.Second,
	IdleThreshold: 10 * time.Second,
	ExitThreshold: 20 * time.Second,
}

type harness struct {
	b    *Brain
	clk  *clock.Fake
	acc  *fakeAcceptor
	tr   *fakeTrader
	wf   *fakeWifi
	disp *fakeDisplay

	mu      sync.Mutex
	changes []StateChange
	exits   atomic.Int32
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	if cfg.Timer == (idle.Config{}) {
		cfg.Timer = testTimer
	}
	peers, acc, tr, wf, disp := newPeers()
	h := &harness{clk: clock.NewFake(time.Unix(0, 0)), acc: acc, tr: tr, wf: wf, disp: disp}

	var seq atomic.Int32
	base := []Option{
		WithLogger(logging.Discard()),
		WithClock(h.clk),
		WithSessionIDs(func() string { return fmt.Sprintf("session-%d", seq.Add(1)) }),
		WithExitAction(func() { h.exits.Add(1) }),
	}
	b, err := New(cfg, peers, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	require.NoError(t, b.Events().On(events.NewState, func(ev events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.changes = append(h.changes, ev.Payload.(StateChange))
	}))
	h.b = b

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return h
}

// sync waits until every event emitted so far has been processed.
func (h *harness) sync(t *testing.T) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.b.Status(ctx)
	require.NoError(t, err)
	return st
}

func (h *harness) setState(t *testing.T, s fsm.State) {
	t.Helper()
	require.NoError(t, h.b.SetState(context.Background(), s))
}

func (h *harness) stateChanges() []StateChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]StateChange(nil), h.changes...)
}

func (h *harness) resetChanges() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = nil
}
