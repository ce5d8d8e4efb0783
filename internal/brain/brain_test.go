package brain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lidio601/lamassu-machine/internal/events"
	"github.com/lidio601/lamassu-machine/internal/fsm"
	"github.com/lidio601/lamassu-machine/internal/idle"
	"github.com/lidio601/lamassu-machine/internal/logging"
)

func TestNew_StartsInStart(t *testing.T) {
	peers, _, _, _, _ := newPeers()
	b, err := New(Config{Timer: testTimer}, peers, WithLogger(logging.Discard()))
	require.NoError(t, err)
	assert.Equal(t, fsm.StateStart, b.State())
}

func TestNew_RejectsBadConfig(t *testing.T) {
	peers, _, _, _, _ := newPeers()
	_, err := New(Config{Timer: idle.Config{CheckInterval: time.Second, IdleThreshold: 10 * time.Second, ExitThreshold: 5 * time.Second}}, peers)
	assert.ErrorIs(t, err, idle.ErrInvalidConfig)

	peers.Wifi = nil
	_, err = New(Config{Timer: testTimer}, peers)
	assert.ErrorIs(t, err, ErrMissingPeer)
}

func TestStart_OneListenerPerDeclaredEvent(t *testing.T) {
	peers, acc, tr, wf, disp := newPeers()
	b, err := New(Config{Timer: testTimer}, peers, WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, b.Start())

	emitters := map[events.Source]*events.Emitter{
		events.SourceTrader:        tr.em,
		events.SourceBrowser:       disp.em,
		events.SourceWifi:          wf.em,
		events.SourceBillValidator: acc.em,
		events.SourceBrain:         b.Events(),
	}
	for src, em := range emitters {
		for _, name := range events.Vocabulary(src) {
			assert.Equal(t, 1, em.ListenerCount(name), "%s.%s", src, name)
		}
	}

	assert.ErrorIs(t, b.Start(), ErrAlreadyStarted)
	assert.Equal(t, 1, tr.em.ListenerCount(events.PollUpdate))
}

func TestCheckTable(t *testing.T) {
	peers, _, _, _, _ := newPeers()
	b, err := New(Config{Timer: testTimer}, peers, WithLogger(logging.Discard()))
	require.NoError(t, err)

	require.NoError(t, checkTable(b.handlerTable()))

	missing := b.handlerTable()
	delete(missing[events.SourceTrader], events.Unpair)
	assert.ErrorIs(t, checkTable(missing), ErrHandlerTable)

	extra := b.handlerTable()
	extra[events.SourceWifi]["rssi"] = func(events.Event) {}
	assert.ErrorIs(t, checkTable(extra), ErrHandlerTable)

	noSource := b.handlerTable()
	delete(noSource, events.SourceBrain)
	assert.ErrorIs(t, checkTable(noSource), ErrHandlerTable)

	unknownSource := b.handlerTable()
	unknownSource["camera"] = map[events.Name]handler{}
	assert.ErrorIs(t, checkTable(unknownSource), ErrHandlerTable)
}

func TestSetState_Idempotent(t *testing.T) {
	h := newHarness(t, Config{})

	h.setState(t, fsm.StateIdle)
	h.setState(t, fsm.StateIdle)
	h.sync(t)

	changes := h.stateChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, StateChange{Old: fsm.StateStart, New: fsm.StateIdle}, changes[0])
	assert.Equal(t, fsm.StateIdle, h.b.State())
}

func TestSetState_UnknownState(t *testing.T) {
	h := newHarness(t, Config{})

	err := h.b.SetState(context.Background(), fsm.State("dispensing"))
	assert.ErrorIs(t, err, ErrUnknownState)
	h.sync(t)
	assert.Equal(t, fsm.StateStart, h.b.State())
	assert.Empty(t, h.stateChanges())
}

func TestIdle_ExactlyOneNotification(t *testing.T) {
	for _, prior := range []fsm.State{fsm.StateStart, fsm.StateIdle, fsm.StateNetworkDown, fsm.StateAcceptingBills, fsm.StateJammed, fsm.StateCompleted} {
		t.Run(string(prior), func(t *testing.T) {
			h := newHarness(t, Config{})
			h.setState(t, prior)
			h.sync(t)
			h.resetChanges()

			require.NoError(t, h.b.Idle(context.Background()))
			h.sync(t)

			changes := h.stateChanges()
			require.Len(t, changes, 1)
			assert.Equal(t, fsm.StatePendingIdle, changes[0].New)
			assert.Equal(t, fsm.StatePendingIdle, h.b.State())
		})
	}
}

func TestIdle_EntryPollsTrader(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.b.Idle(context.Background()))
	h.sync(t)

	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	assert.Equal(t, 1, h.tr.polls)
	assert.Equal(t, "pendingIdle", h.disp.last().Action)
}

func TestScheduleIdleCallback_FiresOnceInIdleStates(t *testing.T) {
	for _, s := range []fsm.State{fsm.StateIdle, fsm.StatePendingIdle} {
		t.Run(string(s), func(t *testing.T) {
			h := newHarness(t, Config{})
			h.setState(t, s)

			var fired atomic.Int32
			require.NoError(t, h.b.ScheduleIdleCallback(context.Background(), func() { fired.Add(1) }))
			h.clk.Advance(3 * testTimer.IdleThreshold)
			st := h.sync(t)

			assert.Equal(t, int32(1), fired.Load())
			assert.Equal(t, int32(1), h.exits.Load(), "exit threshold should fire once")
			assert.False(t, st.IdlePending, "registration should be torn down after exit")
			assert.Equal(t, 0, h.clk.Tickers())
			assert.Equal(t, s, h.b.State())
		})
	}
}

func TestScheduleIdleCallback_IdleFiresBeforeExit(t *testing.T) {
	h := newHarness(t, Config{})
	h.setState(t, fsm.StateIdle)

	var fired atomic.Int32
	require.NoError(t, h.b.ScheduleIdleCallback(context.Background(), func() { fired.Add(1) }))

	h.clk.Advance(testTimer.IdleThreshold - testTimer.CheckInterval)
	h.sync(t)
	assert.Equal(t, int32(0), fired.Load())

	h.clk.Advance(testTimer.CheckInterval)
	st := h.sync(t)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int32(0), h.exits.Load())
	assert.True(t, st.IdlePending)
	assert.Equal(t, testTimer.IdleThreshold, st.IdleFor)
}

func TestScheduleIdleCallback_NeverFiresWhileActive(t *testing.T) {
	h := newHarness(t, Config{})
	h.setState(t, fsm.StateAcceptingBills)

	var fired atomic.Int32
	require.NoError(t, h.b.ScheduleIdleCallback(context.Background(), func() { fired.Add(1) }))
	h.clk.Advance(3 * testTimer.ExitThreshold)
	st := h.sync(t)

	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, int32(0), h.exits.Load())
	assert.True(t, st.IdlePending)
	assert.Zero(t, st.IdleFor)
}

func TestScheduleIdleCallback_ActiveTickResetsAccumulation(t *testing.T) {
	h := newHarness(t, Config{})
	h.setState(t, fsm.StateIdle)

	var fired atomic.Int32
	require.NoError(t, h.b.ScheduleIdleCallback(context.Background(), func() { fired.Add(1) }))

	h.clk.Advance(8 * time.Second)
	h.setState(t, fsm.StateScanAddress)
	h.clk.Advance(2 * time.Second)
	h.setState(t, fsm.StateIdle)
	h.clk.Advance(8 * time.Second)
	h.sync(t)
	assert.Equal(t, int32(0), fired.Load(), "accumulation should restart after an active tick")

	h.clk.Advance(2 * time.Second)
	h.sync(t)
	assert.Equal(t, int32(1), fired.Load())
}

func TestScheduleIdleCallback_ReplacesPending(t *testing.T) {
	h := newHarness(t, Config{})
	h.setState(t, fsm.StateIdle)

	var first, second atomic.Int32
	require.NoError(t, h.b.ScheduleIdleCallback(context.Background(), func() { first.Add(1) }))
	h.clk.Advance(6 * time.Second)
	require.NoError(t, h.b.ScheduleIdleCallback(context.Background(), func() { second.Add(1) }))
	h.clk.Advance(6 * time.Second)
	h.sync(t)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(0), second.Load(), "replacement starts from zero")

	h.clk.Advance(4 * time.Second)
	h.sync(t)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
	assert.Equal(t, 1, h.clk.Tickers(), "the sampler is reused")
}

func TestScheduleIdleCallback_ReregisteredAtExitSurvives(t *testing.T) {
	timer := testTimer
	timer.ExitThreshold = timer.IdleThreshold
	h := newHarness(t, Config{Timer: timer})
	h.setState(t, fsm.StateIdle)

	var first, second atomic.Int32
	require.NoError(t, h.b.ScheduleIdleCallback(context.Background(), func() {
		first.Add(1)
		h.b.schedule(func() { second.Add(1) })
	}))

	h.clk.Advance(timer.IdleThreshold)
	st := h.sync(t)
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), h.exits.Load())
	assert.True(t, st.IdlePending, "exit keeps the new registration")
	assert.Equal(t, 1, h.clk.Tickers())

	h.clk.Advance(timer.IdleThreshold)
	h.sync(t)
	assert.Equal(t, int32(1), second.Load())
	assert.Equal(t, int32(2), h.exits.Load())
	assert.Equal(t, 0, h.clk.Tickers())
}

func TestRequestRestart(t *testing.T) {
	var restarts atomic.Int32
	h := newHarness(t, Config{}, WithRestartAction(func() { restarts.Add(1) }))
	h.setState(t, fsm.StateIdle)

	require.NoError(t, h.b.RequestRestart(context.Background()))
	h.clk.Advance(testTimer.IdleThreshold)
	h.sync(t)
	assert.Equal(t, int32(1), restarts.Load())
}

func TestRun_StopsAndRejectsCalls(t *testing.T) {
	peers, _, _, _, _ := newPeers()
	b, err := New(Config{Timer: testTimer}, peers, WithLogger(logging.Discard()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	_, err = b.Status(context.Background())
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)
	_, err = b.Status(context.Background())
	assert.True(t, errors.Is(err, ErrStopped))
}
