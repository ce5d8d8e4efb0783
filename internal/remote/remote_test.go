package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lidio601/lamassu-machine/internal/brain"
	"github.com/lidio601/lamassu-machine/internal/clock"
	"github.com/lidio601/lamassu-machine/internal/db"
	"github.com/lidio601/lamassu-machine/internal/fsm"
	"github.com/lidio601/lamassu-machine/internal/logging"
	"github.com/lidio601/lamassu-machine/internal/trader"
)

const (
	machineSecret  = "234702910939c3394838131938e8da0dcfec369df3e51990263eae626aa73f87"
	machinePubkey  = "1eca03bebec0590b918861b4431d57ff574702fa8cb015ccd566b509e9480c42"
	operatorSecret = "d067b66a004de257ff3f467e754d22bb2b64a9a59c669e8224d8c624b7decb4f"
	operatorPubkey = "dcfafaaebf643e0c8517e49e13ad25c60ee4a57a0b5f5fc401adbcb9d151f5f5"
)

type fakePool struct {
	events chan *nostr.Event

	mu        sync.Mutex
	published []*nostr.Event
	err       error
}

func newFakePool() *fakePool {
	return &fakePool{events: make(chan *nostr.Event, 8)}
}

func (p *fakePool) Events() <-chan *nostr.Event { return p.events }

func (p *fakePool) Publish(ctx context.Context, event *nostr.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

func (p *fakePool) replies() []*nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*nostr.Event(nil), p.published...)
}

type fakeController struct {
	mu       sync.Mutex
	status   brain.Status
	restarts int
	err      error
}

func (c *fakeController) Status(ctx context.Context) (brain.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.err
}

func (c *fakeController) RequestRestart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.restarts++
	return nil
}

type fakeLink struct {
	mu      sync.Mutex
	polls   int
	unpairs int
	online  bool
	latest  *trader.PollResult
}

func (l *fakeLink) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

func (l *fakeLink) Latest() *trader.PollResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

func (l *fakeLink) PollNow() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.polls++
}

func (l *fakeLink) MarkUnpaired() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unpairs++
}

func mustKeyer(t *testing.T, secret string) nostr.Keyer {
	t.Helper()
	kr, err := keyer.NewPlainKeySigner(secret)
	require.NoError(t, err)
	return kr
}

func openJournal(t *testing.T) *db.DB {
	t.Helper()
	j, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	require.NoError(t, j.Migrate())
	return j
}

type fixture struct {
	svc     *Service
	pool    *fakePool
	ctrl    *fakeController
	link    *fakeLink
	journal *db.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pool: newFakePool(),
		ctrl: &fakeController{status: brain.Status{
			State:          fsm.StateIdle,
			Class:          fsm.ClassIdle,
			DisplayClients: 1,
			Rate:           50000,
			FiatCode:       "EUR",
		}},
		link:    &fakeLink{},
		journal: openJournal(t),
	}
	ops, err := ParseOperators([]string{operatorPubkey})
	require.NoError(t, err)
	f.svc = NewService(mustKeyer(t, machineSecret), machinePubkey, ops, f.pool, f.journal, f.ctrl, f.link,
		WithLogger(logging.Discard()))
	return f
}

// dm wraps content from the given sender to the machine.
func dm(t *testing.T, senderSecret, content string) *nostr.Event {
	t.Helper()
	kr := mustKeyer(t, senderSecret)
	pub, err := kr.GetPublicKey(context.Background())
	require.NoError(t, err)
	wrap, err := WrapReply(context.Background(), kr, pub, machinePubkey, content)
	require.NoError(t, err)
	return wrap
}

// readReply opens a reply as the operator.
func readReply(t *testing.T, event *nostr.Event) nostr.Event {
	t.Helper()
	rumor, err := Unwrap(context.Background(), mustKeyer(t, operatorSecret), event)
	require.NoError(t, err)
	return rumor
}

func TestService_StatusCommand(t *testing.T) {
	f := newFixture(t)

	f.svc.Handle(context.Background(), dm(t, operatorSecret, "Status"))

	replies := f.pool.replies()
	require.Len(t, replies, 1)
	rumor := readReply(t, replies[0])
	assert.Equal(t, machinePubkey, rumor.PubKey)
	assert.Contains(t, rumor.Content, "state: idle (idle)")
	assert.Contains(t, rumor.Content, "display clients: 1")
	assert.Contains(t, rumor.Content, "rate: 50000.00 EUR")
	assert.Contains(t, rumor.Content, "trader: offline")
	assert.NotContains(t, rumor.Content, "balance:")

	hwm, err := f.journal.GetHighWaterMark(context.Background())
	require.NoError(t, err)
	assert.Positive(t, hwm)
}

func TestService_StatusShowsTraderLink(t *testing.T) {
	f := newFixture(t)
	f.link.online = true
	f.link.latest = &trader.PollResult{Rate: 50000, CryptoCode: "BTC", Balance: 0.5}

	f.svc.Handle(context.Background(), dm(t, operatorSecret, "status"))

	replies := f.pool.replies()
	require.Len(t, replies, 1)
	content := readReply(t, replies[0]).Content
	assert.Contains(t, content, "trader: online")
	assert.Contains(t, content, "balance: 0.5 BTC")
}

func TestService_ActionCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.Handle(ctx, dm(t, operatorSecret, "poll"))
	f.svc.Handle(ctx, dm(t, operatorSecret, "unpair"))
	f.svc.Handle(ctx, dm(t, operatorSecret, "restart"))

	assert.Equal(t, 1, f.link.polls)
	assert.Equal(t, 1, f.link.unpairs)
	assert.Equal(t, 1, f.ctrl.restarts)

	replies := f.pool.replies()
	require.Len(t, replies, 3)
	assert.Equal(t, "restart scheduled for the next idle period", readReply(t, replies[2]).Content)
}

func TestService_UnknownCommandRepliesWithHelp(t *testing.T) {
	f := newFixture(t)

	f.svc.Handle(context.Background(), dm(t, operatorSecret, "dispense 100"))

	replies := f.pool.replies()
	require.Len(t, replies, 1)
	assert.True(t, strings.HasPrefix(readReply(t, replies[0]).Content, "commands:"))
}

func TestService_CommandErrorIsReported(t *testing.T) {
	f := newFixture(t)
	f.ctrl.err = brain.ErrStopped

	f.svc.Handle(context.Background(), dm(t, operatorSecret, "status"))

	replies := f.pool.replies()
	require.Len(t, replies, 1)
	assert.Contains(t, readReply(t, replies[0]).Content, "error: reading status")
}

func TestService_IgnoresStrangers(t *testing.T) {
	f := newFixture(t)

	f.svc.Handle(context.Background(), dm(t, nostr.GeneratePrivateKey(), "restart"))

	assert.Empty(t, f.pool.replies())
	assert.Zero(t, f.ctrl.restarts)
}

func TestService_DeduplicatesAcrossRelaysAndRestarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := dm(t, operatorSecret, "poll")

	f.svc.Handle(ctx, event)
	f.svc.Handle(ctx, event)
	assert.Equal(t, 1, f.link.polls)

	ops, err := ParseOperators([]string{operatorPubkey})
	require.NoError(t, err)
	restarted := NewService(mustKeyer(t, machineSecret), machinePubkey, ops, f.pool, f.journal, f.ctrl, f.link,
		WithLogger(logging.Discard()))
	restarted.Handle(ctx, event)

	assert.Equal(t, 1, f.link.polls)
	assert.Len(t, f.pool.replies(), 1)
}

func TestService_PublishFailureStillRecordsEvent(t *testing.T) {
	f := newFixture(t)
	f.pool.err = errors.New("relay down")
	event := dm(t, operatorSecret, "poll")

	f.svc.Handle(context.Background(), event)
	fresh, err := f.journal.TryProcess(context.Background(), event.ID, event.Kind, int64(event.CreatedAt))
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestService_RunDrainsPool(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	f.pool.events <- dm(t, operatorSecret, "poll")
	close(f.pool.events)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the pool closed")
	}
	assert.Equal(t, 1, f.link.polls)
}

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		wantNil  bool
		wantName string
		wantArgs []string
	}{
		{input: "", wantNil: true},
		{input: "  \t\n ", wantNil: true},
		{input: "status", wantName: "status", wantArgs: []string{}},
		{input: "  RESTART now ", wantName: "restart", wantArgs: []string{"now"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd := Parse(tt.input)
			if tt.wantNil {
				assert.Nil(t, cmd)
				return
			}
			require.NotNil(t, cmd)
			assert.Equal(t, tt.wantName, cmd.Name)
			assert.Equal(t, tt.wantArgs, cmd.Args)
		})
	}
}

func TestCommandIsValid(t *testing.T) {
	for _, name := range []string{CmdStatus, CmdPoll, CmdUnpair, CmdRestart, CmdHelp} {
		assert.True(t, (&Command{Name: name}).IsValid(), name)
	}
	assert.False(t, (&Command{Name: "order"}).IsValid())
}

func TestParseOperators(t *testing.T) {
	npub, err := nip19.EncodePublicKey(operatorPubkey)
	require.NoError(t, err)

	ops, err := ParseOperators([]string{npub, machinePubkey})
	require.NoError(t, err)
	assert.NoError(t, ops.CanExecute(operatorPubkey))
	assert.NoError(t, ops.CanExecute(machinePubkey))
	assert.ErrorIs(t, ops.CanExecute("00"), ErrNotOperator)

	_, err = ParseOperators([]string{"not-a-key"})
	assert.Error(t, err)
}

func TestSecretHex(t *testing.T) {
	nsec, err := nip19.EncodePrivateKey(machineSecret)
	require.NoError(t, err)

	got, err := SecretHex(nsec)
	require.NoError(t, err)
	assert.Equal(t, machineSecret, got)

	got, err = SecretHex(machineSecret)
	require.NoError(t, err)
	assert.Equal(t, machineSecret, got)

	_, err = SecretHex("abc")
	assert.Error(t, err)
}

func TestSeenCache(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	c := newSeenCache(clk, time.Minute)

	assert.True(t, c.firstSighting("a"))
	assert.False(t, c.firstSighting("a"))

	clk.Advance(2 * time.Minute)
	c.expire()
	assert.Equal(t, 0, c.len())
	assert.True(t, c.firstSighting("a"))
}

func TestLogsShowNpubNotHex(t *testing.T) {
	var buf strings.Builder
	f := newFixture(t)
	f.svc.logger = logging.NewWithWriter(&buf, "debug", "text")

	f.svc.Handle(context.Background(), dm(t, operatorSecret, "poll"))

	want, err := nip19.EncodePublicKey(operatorPubkey)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), want)
	assert.NotContains(t, buf.String(), operatorPubkey[:8])
}
