// Package billvalidator adapts a cash acceptor's native notifications to the
// normalized billValidator event vocabulary.
package billvalidator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lidio601/lamassu-machine/internal/events"
)

var (
	ErrClosed         = errors.New("billvalidator: device closed")
	ErrDisabled       = errors.New("billvalidator: acceptor disabled")
	ErrNoEscrow       = errors.New("billvalidator: no bill in escrow")
	ErrLinkLost       = errors.New("billvalidator: serial link lost")
	ErrCommandDropped = errors.New("billvalidator: command queue full")
)

// Kind is a notification as reported by the device driver.
type Kind string

const (
	KindFailure         Kind = "failure"
	KindLinkLost        Kind = "linkLost"
	KindAccepting       Kind = "accepting"
	KindEscrow          Kind = "escrow"
	KindStacked         Kind = "stacked"
	KindReturned        Kind = "returned"
	KindInsertTimeout   Kind = "insertTimeout"
	KindIdling          Kind = "idling"
	KindJammed          Kind = "jammed"
	KindCassetteRemoved Kind = "cassetteRemoved"
	KindEnabled         Kind = "enabled"
)

var normalized = map[Kind]events.Name{
	KindFailure:         events.Error,
	KindLinkLost:        events.Disconnected,
	KindAccepting:       events.BillAccepted,
	KindEscrow:          events.BillRead,
	KindStacked:         events.BillValid,
	KindReturned:        events.BillRejected,
	KindInsertTimeout:   events.Timeout,
	KindIdling:          events.Standby,
	KindJammed:          events.Jam,
	KindCassetteRemoved: events.StackerOpen,
	KindEnabled:         events.Enabled,
}

// Normalize maps a native notification kind to its event name.
func Normalize(k Kind) (events.Name, bool) {
	name, ok := normalized[k]
	return name, ok
}

// Notification is a single driver report.
type Notification struct {
	Kind         Kind
	Denomination int64
	Err          error
}

// Device is the driver boundary. Notifications is closed when the device is.
type Device interface {
	Notifications() <-chan Notification
	Enable() error
	Disable() error
	Stack() error
	Reject() error
	Close() error
}

// Bill is the payload of billRead, billValid and billRejected.
type Bill struct {
	Denomination int64
}

type command int

const (
	cmdEnable command = iota
	cmdDisable
	cmdStack
	cmdReject
)

func (c command) String() string {
	switch c {
	case cmdEnable:
		return "enable"
	case cmdDisable:
		return "disable"
	case cmdStack:
		return "stack"
	case cmdReject:
		return "reject"
	default:
		return "unknown"
	}
}

type Option func(*Acceptor)

func WithLogger(l *slog.Logger) Option {
	return func(a *Acceptor) { a.logger = l }
}

// WithDenominations restricts accepted bills. Escrowed bills outside the set
// are returned without being announced.
func WithDenominations(d []int64) Option {
	return func(a *Acceptor) {
		a.denominations = make(map[int64]bool, len(d))
		for _, v := range d {
			a.denominations[v] = true
		}
	}
}

// Acceptor owns a Device and re-emits its notifications.
type Acceptor struct {
	dev           Device
	emitter       *events.Emitter
	commands      chan command
	denominations map[int64]bool
	logger        *slog.Logger
}

func New(dev Device, opts ...Option) *Acceptor {
	a := &Acceptor{
		dev:      dev,
		emitter:  events.NewEmitter(events.SourceBillValidator),
		commands: make(chan command, 16),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Acceptor) Events() *events.Emitter {
	return a.emitter
}

func (a *Acceptor) Enable()  { a.enqueue(cmdEnable) }
func (a *Acceptor) Disable() { a.enqueue(cmdDisable) }
func (a *Acceptor) Stack()   { a.enqueue(cmdStack) }
func (a *Acceptor) Reject()  { a.enqueue(cmdReject) }

func (a *Acceptor) enqueue(c command) {
	select {
	case a.commands <- c:
	default:
		a.logger.Warn("bill validator command dropped", "command", c.String(), "err", ErrCommandDropped)
	}
}

// Run pumps device notifications and queued commands until ctx is done or
// the device closes.
func (a *Acceptor) Run(ctx context.Context) error {
	defer func() {
		if err := a.dev.Close(); err != nil && !errors.Is(err, ErrClosed) {
			a.logger.Warn("closing bill validator", "err", err)
		}
	}()

	notes := a.dev.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				a.emitter.Emit(events.Disconnected, ErrClosed)
				return ErrClosed
			}
			a.handle(n)
		case c := <-a.commands:
			if err := a.exec(c); err != nil {
				a.logger.Error("bill validator command failed", "command", c.String(), "err", err)
				a.emitter.Emit(events.Error, fmt.Errorf("%s: %w", c, err))
			}
		}
	}
}

func (a *Acceptor) exec(c command) error {
	switch c {
	case cmdEnable:
		return a.dev.Enable()
	case cmdDisable:
		return a.dev.Disable()
	case cmdStack:
		return a.dev.Stack()
	case cmdReject:
		return a.dev.Reject()
	}
	return nil
}

func (a *Acceptor) handle(n Notification) {
	name, ok := Normalize(n.Kind)
	if !ok {
		a.logger.Debug("ignoring bill validator notification", "kind", n.Kind)
		return
	}

	var payload any
	switch n.Kind {
	case KindEscrow:
		if a.denominations != nil && !a.denominations[n.Denomination] {
			a.logger.Info("returning unsupported denomination", "denomination", n.Denomination)
			if err := a.dev.Reject(); err != nil {
				a.emitter.Emit(events.Error, fmt.Errorf("reject: %w", err))
			}
			return
		}
		payload = Bill{Denomination: n.Denomination}
	case KindStacked, KindReturned:
		payload = Bill{Denomination: n.Denomination}
	case KindFailure:
		payload = n.Err
	case KindLinkLost:
		if n.Err != nil {
			payload = n.Err
		} else {
			payload = ErrLinkLost
		}
	}

	a.logger.Debug("bill validator event", "event", name, "denomination", n.Denomination)
	a.emitter.Emit(name, payload)
}
