package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lidio601/lamassu-machine/internal/events"
	"github.com/lidio601/lamassu-machine/internal/logging"
)

type recorder struct {
	ch chan events.Event
}

func (r *recorder) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trader event")
		return events.Event{}
	}
}

// nextNamed skips events until one named name arrives.
func (r *recorder) nextNamed(t *testing.T, name events.Name) events.Event {
	t.Helper()
	for {
		if ev := r.next(t); ev.Name == name {
			return ev
		}
	}
}

type stubInvoicer struct {
	invoice string
	err     error
}

func (s stubInvoicer) RequestInvoice(ctx context.Context, addr string, sats int64) (string, error) {
	return s.invoice, s.err
}

func startTrader(t *testing.T, api API, opts ...Option) (*Trader, *recorder) {
	t.Helper()
	base := []Option{
		WithLogger(logging.Discard()),
		WithPollInterval(time.Hour),
		WithBackoff(func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }),
	}
	tr := New(api, append(base, opts...)...)
	r := &recorder{ch: make(chan events.Event, 64)}
	for _, name := range events.Vocabulary(events.SourceTrader) {
		require.NoError(t, tr.Events().On(name, func(ev events.Event) { r.ch <- ev }))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tr, r
}

func TestTrader_FirstPoll(t *testing.T) {
	mock := NewMock(PollResult{Rate: 50000, FiatCode: "USD", CryptoCode: "BTC", Balance: 100})
	tr, r := startTrader(t, mock)

	ev := r.next(t)
	require.Equal(t, events.PollUpdate, ev.Name)
	assert.Equal(t, 50000.0, ev.Payload.(PollResult).Rate)
	assert.True(t, tr.Online())
	assert.Equal(t, "USD", tr.Latest().FiatCode)
}

func TestTrader_NetworkDownThenUp(t *testing.T) {
	mock := NewMock(PollResult{Rate: 50000})
	mock.SetPollError(errors.New("connection refused"))
	tr, r := startTrader(t, mock)

	ev := r.next(t)
	require.Equal(t, events.NetworkDown, ev.Name)
	assert.False(t, tr.Online())

	mock.SetPollError(nil)
	assert.Equal(t, events.NetworkUp, r.nextNamed(t, events.NetworkUp).Name)
	assert.Equal(t, events.PollUpdate, r.next(t).Name)
}

func TestTrader_NetworkDownEmittedOnce(t *testing.T) {
	mock := NewMock(PollResult{})
	mock.SetPollError(errors.New("timeout"))
	_, r := startTrader(t, mock)

	assert.Equal(t, events.NetworkDown, r.next(t).Name)
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected second event %s while still down", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTrader_Unpaired(t *testing.T) {
	mock := NewMock(PollResult{})
	mock.SetPollError(ErrUnpaired)
	_, r := startTrader(t, mock)

	assert.Equal(t, events.Unpair, r.next(t).Name)
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %s after unpair", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTrader_SendOnChain(t *testing.T) {
	mock := NewMock(PollResult{Rate: 50000})
	tr, r := startTrader(t, mock)
	r.next(t)

	tr.Send(SendRequest{SessionID: "s1", Address: "1EyE2nE4hf8JVjV51Veznz9t9vTFv8uRU5", Fiat: 20, Satoshis: 40000})
	ev := r.next(t)
	require.Equal(t, events.DispenseUpdate, ev.Name)
	d := ev.Payload.(Dispense)
	assert.Equal(t, "s1", d.SessionID)
	assert.Equal(t, DispenseSent, d.Status)
	assert.NotEmpty(t, d.TxHash)
	assert.Empty(t, mock.Sent()[0].Invoice)
}

func TestTrader_SendLightning(t *testing.T) {
	mock := NewMock(PollResult{Rate: 50000})
	tr, r := startTrader(t, mock, WithInvoicer(stubInvoicer{invoice: "lnbc400u1pxyz"}))
	r.next(t)

	tr.Send(SendRequest{SessionID: "s2", Address: "alice@example.com", Satoshis: 40000})
	assert.Equal(t, events.DispenseUpdate, r.next(t).Name)
	assert.Equal(t, "lnbc400u1pxyz", mock.Sent()[0].Invoice)
}

func TestTrader_SendLightningWithoutInvoicer(t *testing.T) {
	mock := NewMock(PollResult{Rate: 50000})
	tr, r := startTrader(t, mock)
	r.next(t)

	tr.Send(SendRequest{SessionID: "s3", Address: "alice@example.com"})
	ev := r.next(t)
	require.Equal(t, events.Error, ev.Name)
	var sendErr *SendError
	require.ErrorAs(t, ev.Payload.(error), &sendErr)
	assert.Equal(t, "s3", sendErr.SessionID)
	assert.ErrorIs(t, sendErr, ErrNoInvoicer)
	assert.Empty(t, mock.Sent())
}

func TestTrader_SendFailure(t *testing.T) {
	mock := NewMock(PollResult{Rate: 50000})
	mock.SetSendError(errors.New("hot wallet empty"))
	tr, r := startTrader(t, mock)
	r.next(t)

	tr.Send(SendRequest{SessionID: "s4", Address: "1EyE2nE4hf8JVjV51Veznz9t9vTFv8uRU5"})
	ev := r.next(t)
	require.Equal(t, events.Error, ev.Name)
	var sendErr *SendError
	require.ErrorAs(t, ev.Payload.(error), &sendErr)
	assert.Equal(t, "s4", sendErr.SessionID)
}

func TestTrader_PollNow(t *testing.T) {
	mock := NewMock(PollResult{Rate: 1})
	tr, r := startTrader(t, mock)
	r.next(t)

	mock.SetResult(PollResult{Rate: 2})
	tr.PollNow()
	ev := r.next(t)
	assert.Equal(t, 2.0, ev.Payload.(PollResult).Rate)
}

func TestTrader_MarkUnpaired(t *testing.T) {
	tr := New(NewMock(PollResult{}), WithLogger(logging.Discard()))
	got := 0
	require.NoError(t, tr.Events().On(events.Unpair, func(events.Event) { got++ }))
	tr.MarkUnpaired()
	assert.Equal(t, 1, got)
}
