package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/lidio601/lamassu-machine/internal/events"
	"github.com/lidio601/lamassu-machine/internal/lightning"
	"github.com/lidio601/lamassu-machine/internal/logging"
	"github.com/lidio601/lamassu-machine/internal/metrics"
)

var ErrNoInvoicer = errors.New("trader: lightning payouts not configured")

const (
	defaultPollInterval = 10 * time.Second
	sendQueueSize       = 8
)

// Invoicer turns a lightning address into a BOLT11 invoice.
type Invoicer interface {
	RequestInvoice(ctx context.Context, lightningAddress string, amountSats int64) (string, error)
}

type link int

const (
	linkUnknown link = iota
	linkUp
	linkDown
)

type Option func(*Trader)

func WithLogger(l *slog.Logger) Option {
	return func(t *Trader) { t.logger = l }
}

func WithPollInterval(d time.Duration) Option {
	return func(t *Trader) { t.pollInterval = d }
}

func WithInvoicer(inv Invoicer) Option {
	return func(t *Trader) { t.invoicer = inv }
}

// WithBackoff sets the retry policy used while the operator server is
// unreachable.
func WithBackoff(newBackoff func() backoff.BackOff) Option {
	return func(t *Trader) { t.newBackoff = newBackoff }
}

// Trader is the trader event adapter.
type Trader struct {
	api          API
	invoicer     Invoicer
	emitter      *events.Emitter
	pollInterval time.Duration
	newBackoff   func() backoff.BackOff
	logger       *slog.Logger

	pollNow chan struct{}
	sends   chan SendRequest

	mu       sync.Mutex
	link     link
	unpaired bool
	latest   *PollResult
}

func New(api API, opts ...Option) *Trader {
	t := &Trader{
		api:          api,
		emitter:      events.NewEmitter(events.SourceTrader),
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
		pollNow:      make(chan struct{}, 1),
		sends:        make(chan SendRequest, sendQueueSize),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.newBackoff == nil {
		interval := t.pollInterval
		t.newBackoff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(time.Second),
				backoff.WithMaxInterval(interval*6),
				backoff.WithMaxElapsedTime(0),
			)
		}
	}
	return t
}

func (t *Trader) Events() *events.Emitter {
	return t.emitter
}

// PollNow asks for an immediate poll. Requests coalesce.
func (t *Trader) PollNow() {
	select {
	case t.pollNow <- struct{}{}:
	default:
	}
}

// Send queues a send. A full queue is reported as an error event.
func (t *Trader) Send(req SendRequest) {
	select {
	case t.sends <- req:
	default:
		t.logger.Warn("send queue full", "session", req.SessionID)
		go t.emitter.Emit(events.Error, &SendError{SessionID: req.SessionID, Err: ErrBusy})
	}
}

// MarkUnpaired records an operator-initiated unpair and announces it.
func (t *Trader) MarkUnpaired() {
	t.mu.Lock()
	t.unpaired = true
	t.mu.Unlock()
	t.emitter.Emit(events.Unpair, nil)
}

// Latest returns the last successful poll result, or nil.
func (t *Trader) Latest() *PollResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil
	}
	res := *t.latest
	return &res
}

// Online reports whether the last poll reached the operator server.
func (t *Trader) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link == linkUp
}

// Run polls the operator server and processes queued sends until ctx is done.
func (t *Trader) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.pollLoop(ctx) })
	g.Go(func() error { return t.sendLoop(ctx) })
	return g.Wait()
}

func (t *Trader) pollLoop(ctx context.Context) error {
	boff := t.newBackoff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-t.pollNow:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := t.pollInterval
		if err := t.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if wait = boff.NextBackOff(); wait == backoff.Stop {
				wait = t.pollInterval
			}
			t.logger.Debug("poll failed, backing off", "err", err, "retry_in", wait)
		} else {
			boff.Reset()
		}
		timer.Reset(wait)
	}
}

func (t *Trader) poll(ctx context.Context) error {
	res, err := t.api.Poll(ctx)
	if errors.Is(err, ErrUnpaired) {
		t.mu.Lock()
		already := t.unpaired
		t.unpaired = true
		t.mu.Unlock()
		if !already {
			t.logger.Warn("operator server rejected machine credentials")
			t.emitter.Emit(events.Unpair, nil)
		}
		return err
	}
	if err != nil {
		if t.setLink(linkDown) {
			metrics.TraderUp.Set(0)
			t.logger.Warn("operator server unreachable", "err", err)
			t.emitter.Emit(events.NetworkDown, err)
		}
		return err
	}

	t.mu.Lock()
	t.unpaired = false
	latest := *res
	t.latest = &latest
	t.mu.Unlock()

	wasDown := t.linkState() == linkDown
	t.setLink(linkUp)
	metrics.TraderUp.Set(1)
	if wasDown {
		t.logger.Info("operator server reachable again")
		t.emitter.Emit(events.NetworkUp, nil)
	}
	t.emitter.Emit(events.PollUpdate, *res)
	return nil
}

func (t *Trader) linkState() link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link
}

// setLink records the link state and reports whether it changed.
func (t *Trader) setLink(l link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.link != l
	t.link = l
	return changed
}

func (t *Trader) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-t.sends:
			t.send(ctx, req)
		}
	}
}

func (t *Trader) send(ctx context.Context, req SendRequest) {
	ctx = logging.WithSessionID(logging.WithLogger(ctx, t.logger), req.SessionID)
	logger := logging.L(ctx)

	if lightning.IsAddress(req.Address) {
		if t.invoicer == nil {
			t.emitter.Emit(events.Error, &SendError{SessionID: req.SessionID, Err: ErrNoInvoicer})
			return
		}
		invoice, err := t.invoicer.RequestInvoice(ctx, req.Address, req.Satoshis)
		if err != nil {
			logger.Error("resolving lightning address", "address", req.Address, "err", err)
			t.emitter.Emit(events.Error, &SendError{SessionID: req.SessionID, Err: err})
			return
		}
		req.Invoice = invoice
	}

	d, err := t.api.Send(ctx, req)
	if err != nil {
		logger.Error("send failed", "err", err)
		t.emitter.Emit(events.Error, &SendError{SessionID: req.SessionID, Err: fmt.Errorf("sending: %w", err)})
		return
	}
	logger.Info("dispense update", "status", d.Status, "tx", d.TxHash)
	t.emitter.Emit(events.DispenseUpdate, *d)
}
