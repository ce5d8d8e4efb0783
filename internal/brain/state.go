package brain

import (
	"github.com/lidio601/lamassu-machine/internal/events"
	"github.com/lidio601/lamassu-machine/internal/fsm"
	"github.com/lidio601/lamassu-machine/internal/idle"
	"github.com/lidio601/lamassu-machine/internal/metrics"
)

// setState is the only writer of b.state.
func (b *Brain) setState(s fsm.State) {
	if s == b.state {
		return
	}
	old := b.state
	b.state = s
	b.current.Store(s)

	if !s.IdleCompatible() && b.tracker != nil {
		b.tracker.Reset()
	}
	metrics.SetState(string(old), string(s))
	if b.journal != nil {
		if err := b.journal.SaveMachineState(b.ctx, string(s)); err != nil {
			b.logger.Warn("saving machine state", "state", s, "error", err)
		}
	}
	b.logger.Info("state change", "old", old, "new", s)
	b.emitter.Emit(events.NewState, StateChange{Old: old, New: s})
}

// fire applies a named transition from the current state. It reports false
// when the graph has no such transition from here.
func (b *Brain) fire(transition string) bool {
	next, err := b.graph.Next(b.ctx, b.state, transition)
	if err != nil {
		metrics.IgnoredTransitionsTotal.WithLabelValues(string(b.state), transition).Inc()
		b.logger.Debug("transition ignored", "state", b.state, "transition", transition, "reason", err)
		return false
	}
	b.setState(next)
	return true
}

func (b *Brain) enterIdle() {
	b.setState(fsm.StatePendingIdle)
}

func (b *Brain) schedule(action func()) {
	if b.tracker != nil && !b.tracker.Done() {
		b.logger.Debug("replacing pending idle callback")
	}
	b.tracker = idle.NewTracker(b.cfg.Timer, action)
	if b.ticker == nil {
		b.ticker = b.clock.NewTicker(b.cfg.Timer.CheckInterval)
	}
}

func (b *Brain) stopSampler() {
	if b.ticker != nil {
		b.ticker.Stop()
		b.ticker = nil
	}
	b.tracker = nil
}

// sample applies one sampler tick to the pending registration.
func (b *Brain) sample() {
	if b.tracker == nil {
		b.stopSampler()
		return
	}
	t := b.tracker
	out := t.Observe(b.state.IdleCompatible())
	if out.FireIdle {
		metrics.IdleCallbacksTotal.WithLabelValues("idle").Inc()
		b.logger.Info("idle threshold reached", "state", b.state)
		if action := t.Action(); action != nil {
			action()
		}
	}
	if out.FireExit {
		metrics.IdleCallbacksTotal.WithLabelValues("exit").Inc()
		b.logger.Info("exit threshold reached", "state", b.state)
		// The idle action may have registered a new callback.
		if b.tracker == t {
			b.stopSampler()
		}
		b.hardReset()
		if b.exitAction != nil {
			b.exitAction()
		}
	}
}

// hardReset puts the acceptor and display back into a known quiet state.
func (b *Brain) hardReset() {
	b.peers.Acceptor.Disable()
	b.lastError = ""
	b.render()
	b.peers.Trader.PollNow()
}
