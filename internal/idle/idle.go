// Package idle holds the idle and exit timeout policy. It has no clock of its
// own: callers feed it one observation per sampler tick.
package idle

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("idle: invalid timer config")

// Config is the timer configuration supplied at Brain construction.
type Config struct {
	CheckInterval time.Duration
	IdleThreshold time.Duration
	ExitThreshold time.Duration
}

// Validate enforces exit >= idle >= check > 0.
func (c Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("%w: check interval must be positive, got %s", ErrInvalidConfig, c.CheckInterval)
	}
	if c.IdleThreshold < c.CheckInterval {
		return fmt.Errorf("%w: idle threshold %s below check interval %s", ErrInvalidConfig, c.IdleThreshold, c.CheckInterval)
	}
	if c.ExitThreshold < c.IdleThreshold {
		return fmt.Errorf("%w: exit threshold %s below idle threshold %s", ErrInvalidConfig, c.ExitThreshold, c.IdleThreshold)
	}
	return nil
}

// Crossed reports whether adding one check interval to accumulated reaches
// threshold.
func Crossed(accumulated, checkInterval, threshold time.Duration) bool {
	return accumulated+checkInterval >= threshold
}

// Outcome is what a single tick asks the owner to do.
type Outcome struct {
	FireIdle bool
	FireExit bool
}

// Tracker is a single pending idle callback registration. The idle action
// fires at most once. The exit counter runs independently on the same ticks
// and, once it fires, the registration is spent.
type Tracker struct {
	cfg    Config
	action func()

	idleAcc time.Duration
	exitAcc time.Duration

	idleFired bool
	done      bool
}

func NewTracker(cfg Config, action func()) *Tracker {
	return &Tracker{cfg: cfg, action: action}
}

// Action returns the registered idle action.
func (t *Tracker) Action() func() {
	return t.action
}

// Observe applies one sampler tick.
func (t *Tracker) Observe(idleCompatible bool) Outcome {
	if t.done {
		return Outcome{}
	}
	if !idleCompatible {
		t.Reset()
		return Outcome{}
	}

	var out Outcome
	if !t.idleFired && Crossed(t.idleAcc, t.cfg.CheckInterval, t.cfg.IdleThreshold) {
		t.idleFired = true
		out.FireIdle = true
	}
	t.idleAcc += t.cfg.CheckInterval

	if Crossed(t.exitAcc, t.cfg.CheckInterval, t.cfg.ExitThreshold) {
		t.done = true
		out.FireExit = true
	}
	t.exitAcc += t.cfg.CheckInterval
	return out
}

// Reset zeroes both counters. A fired idle action stays fired.
func (t *Tracker) Reset() {
	t.idleAcc = 0
	t.exitAcc = 0
}

// Accumulated returns the idle and exit counters.
func (t *Tracker) Accumulated() (idleAcc, exitAcc time.Duration) {
	return t.idleAcc, t.exitAcc
}

// Done reports whether the exit threshold has torn the registration down.
func (t *Tracker) Done() bool {
	return t.done
}
