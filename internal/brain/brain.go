// Package brain is the kiosk's orchestrator. It owns the current machine
// state, reacts to collaborator events through a static handler table and
// runs the idle/exit sampler. All of its state is confined to the goroutine
// running Run; every other entry point is a mailbox round-trip.
package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lidio601/lamassu-machine/internal/browser"
	"github.com/lidio601/lamassu-machine/internal/clock"
	"github.com/lidio601/lamassu-machine/internal/db"
	"github.com/lidio601/lamassu-machine/internal/events"
	"github.com/lidio601/lamassu-machine/internal/fsm"
	"github.com/lidio601/lamassu-machine/internal/idle"
	"github.com/lidio601/lamassu-machine/internal/metrics"
	"github.com/lidio601/lamassu-machine/internal/trader"
)

var (
	ErrUnknownState   = errors.New("brain: unknown state")
	ErrHandlerTable   = errors.New("brain: handler table does not match event vocabulary")
	ErrStopped        = errors.New("brain: stopped")
	ErrAlreadyStarted = errors.New("brain: listeners already attached")
	ErrMissingPeer    = errors.New("brain: missing collaborator")
)

// Acceptor is the bill validator as the Brain sees it.
type Acceptor interface {
	Events() *events.Emitter
	Enable()
	Disable()
	Stack()
	Reject()
}

// Trader is the operator server link.
type Trader interface {
	Events() *events.Emitter
	Send(req trader.SendRequest)
	PollNow()
}

// Wifi is the network manager.
type Wifi interface {
	Events() *events.Emitter
	Scan()
	Connect(ssid, passphrase string)
}

// Display is the kiosk UI channel.
type Display interface {
	Events() *events.Emitter
	Send(s browser.Screen)
	Clients() int
}

// Collaborators are the peers whose events the Brain consumes. Their command
// methods must not block and must not emit synchronously.
type Collaborators struct {
	Acceptor Acceptor
	Trader   Trader
	Wifi     Wifi
	Display  Display
}

func (c Collaborators) validate() error {
	switch {
	case c.Acceptor == nil:
		return fmt.Errorf("%w: acceptor", ErrMissingPeer)
	case c.Trader == nil:
		return fmt.Errorf("%w: trader", ErrMissingPeer)
	case c.Wifi == nil:
		return fmt.Errorf("%w: wifi", ErrMissingPeer)
	case c.Display == nil:
		return fmt.Errorf("%w: display", ErrMissingPeer)
	}
	return nil
}

// Journal persists sessions so inserted cash survives a restart.
type Journal interface {
	OpenSession(ctx context.Context, s db.Session) error
	RecordBill(ctx context.Context, sessionID string, denomination int64) (int64, error)
	UpdateSessionStatus(ctx context.Context, sessionID, event, txHash string) (string, error)
	GetUnfinishedSession(ctx context.Context) (*db.Session, error)
	SaveMachineState(ctx context.Context, state string) error
}

var _ Journal = (*db.DB)(nil)

// Config is supplied at construction.
type Config struct {
	Timer idle.Config
	// TxLimit caps a session's credit. Zero defers to the operator server's
	// limit from the last poll.
	TxLimit int64
	// MinBalance is the operator balance below which the machine goes into
	// maintenance.
	MinBalance float64
}

// StateChange is the payload of brain.newState.
type StateChange struct {
	Old fsm.State
	New fsm.State
}

// Status is a snapshot of the Brain for operators and health checks.
type Status struct {
	State          fsm.State
	Class          fsm.Class
	SessionID      string
	Credit         int64
	DisplayClients int
	IdlePending    bool
	IdleFor        time.Duration
	Rate           float64
	FiatCode       string
}

type Option func(*Brain)

func WithLogger(l *slog.Logger) Option {
	return func(b *Brain) { b.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(b *Brain) { b.clock = c }
}

// WithJournal enables session persistence and crash recovery.
func WithJournal(j Journal) Option {
	return func(b *Brain) { b.journal = j }
}

// WithExitAction runs fn after the hard reset when the exit threshold fires.
func WithExitAction(fn func()) Option {
	return func(b *Brain) { b.exitAction = fn }
}

// WithRestartAction sets the idle action used by RequestRestart and by a
// poll asking for a restart.
func WithRestartAction(fn func()) Option {
	return func(b *Brain) { b.restartAction = fn }
}

// WithSessionIDs overrides session identifier generation.
func WithSessionIDs(next func() string) Option {
	return func(b *Brain) { b.newSessionID = next }
}

type handler func(ev events.Event)

type Brain struct {
	cfg      Config
	peers    Collaborators
	graph    *fsm.Graph
	emitter  *events.Emitter
	handlers map[events.Source]map[events.Name]handler

	logger        *slog.Logger
	clock         clock.Clock
	journal       Journal
	exitAction    func()
	restartAction func()
	newSessionID  func() string

	mailbox chan func()
	done    chan struct{}
	current atomic.Value

	attachMu sync.Mutex
	attached bool

	// Loop-owned.
	ctx           context.Context
	state         fsm.State
	deferred      []events.Event
	tracker       *idle.Tracker
	ticker        clock.Ticker
	tx            *transaction
	resume        *db.Session
	poll          *trader.PollResult
	networks      any
	lastError     string
	unpairPending bool
}

// New builds a Brain in the start state. Listeners are attached by Start.
func New(cfg Config, peers Collaborators, opts ...Option) (*Brain, error) {
	if err := cfg.Timer.Validate(); err != nil {
		return nil, err
	}
	if err := peers.validate(); err != nil {
		return nil, err
	}

	b := &Brain{
		cfg:          cfg,
		peers:        peers,
		graph:        fsm.NewGraph(),
		emitter:      events.NewEmitter(events.SourceBrain),
		logger:       slog.Default(),
		clock:        clock.Real{},
		newSessionID: uuid.NewString,
		mailbox:      make(chan func(), 256),
		done:         make(chan struct{}),
		ctx:          context.Background(),
		state:        fsm.StateStart,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.current.Store(fsm.StateStart)

	b.handlers = b.handlerTable()
	if err := checkTable(b.handlers); err != nil {
		return nil, err
	}
	return b, nil
}

// checkTable requires exactly one handler per declared (source, name).
func checkTable(t map[events.Source]map[events.Name]handler) error {
	for _, src := range events.Sources() {
		row, ok := t[src]
		if !ok {
			return fmt.Errorf("%w: no handlers for %s", ErrHandlerTable, src)
		}
		vocab := events.Vocabulary(src)
		for _, name := range vocab {
			if row[name] == nil {
				return fmt.Errorf("%w: no handler for %s.%s", ErrHandlerTable, src, name)
			}
		}
		if len(row) != len(vocab) {
			for name := range row {
				if !events.Declared(src, name) {
					return fmt.Errorf("%w: handler for undeclared %s.%s", ErrHandlerTable, src, name)
				}
			}
		}
	}
	if len(t) != len(events.Sources()) {
		return fmt.Errorf("%w: %d sources in table, %d declared", ErrHandlerTable, len(t), len(events.Sources()))
	}
	return nil
}

// Events returns the Brain's own emitter. Its listeners run on the loop
// goroutine and must not call blocking Brain methods.
func (b *Brain) Events() *events.Emitter {
	return b.emitter
}

// Start attaches exactly one listener per declared collaborator event.
func (b *Brain) Start() error {
	b.attachMu.Lock()
	defer b.attachMu.Unlock()
	if b.attached {
		return ErrAlreadyStarted
	}

	emitters := map[events.Source]*events.Emitter{
		events.SourceTrader:        b.peers.Trader.Events(),
		events.SourceBrowser:       b.peers.Display.Events(),
		events.SourceWifi:          b.peers.Wifi.Events(),
		events.SourceBillValidator: b.peers.Acceptor.Events(),
		events.SourceBrain:         b.emitter,
	}
	for _, src := range events.Sources() {
		em := emitters[src]
		if em.Source() != src {
			return fmt.Errorf("%w: %s emitter reports source %s", ErrHandlerTable, src, em.Source())
		}
		for _, name := range events.Vocabulary(src) {
			if err := em.On(name, b.listener(src)); err != nil {
				return fmt.Errorf("attaching %s.%s: %w", src, name, err)
			}
		}
	}
	b.attached = true
	return nil
}

// listener routes brain events to the loop-local queue and every other
// source through the mailbox.
func (b *Brain) listener(src events.Source) events.Listener {
	if src == events.SourceBrain {
		return func(ev events.Event) {
			b.deferred = append(b.deferred, ev)
		}
	}
	return func(ev events.Event) {
		select {
		case b.mailbox <- func() { b.dispatch(ev) }:
		case <-b.done:
		}
	}
}

// Run processes events and sampler ticks until ctx is cancelled. It attaches
// listeners first if Start has not been called.
func (b *Brain) Run(ctx context.Context) error {
	if err := b.Start(); err != nil && !errors.Is(err, ErrAlreadyStarted) {
		return err
	}
	defer close(b.done)
	defer b.stopSampler()

	b.ctx = ctx
	metrics.SetState("", string(b.state))
	b.recover()
	b.drain()

	for {
		var tick <-chan time.Time
		if b.ticker != nil {
			tick = b.ticker.C()
		}
		select {
		case <-ctx.Done():
			return nil
		case fn := <-b.mailbox:
			fn()
		case <-tick:
			b.sample()
		}
		b.drain()
	}
}

// drain handles events the Brain emitted while processing the last message.
func (b *Brain) drain() {
	for len(b.deferred) > 0 {
		ev := b.deferred[0]
		b.deferred = b.deferred[1:]
		b.dispatch(ev)
	}
}

// do runs fn on the loop goroutine and waits for it.
func (b *Brain) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case b.mailbox <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// State returns the current state. It is safe from any goroutine.
func (b *Brain) State() fsm.State {
	return b.current.Load().(fsm.State)
}

// SetState moves the machine to s. Setting the current state again is a
// no-op.
func (b *Brain) SetState(ctx context.Context, s fsm.State) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
	return b.do(ctx, func() { b.setState(s) })
}

// Idle enters pendingIdle.
func (b *Brain) Idle(ctx context.Context) error {
	return b.do(ctx, b.enterIdle)
}

// ScheduleIdleCallback runs action once the machine has been idle for the
// idle threshold. A newer registration replaces the pending one. action runs
// on the loop goroutine and must not call blocking Brain methods.
func (b *Brain) ScheduleIdleCallback(ctx context.Context, action func()) error {
	return b.do(ctx, func() { b.schedule(action) })
}

// RequestRestart schedules the restart action for the next idle period.
func (b *Brain) RequestRestart(ctx context.Context) error {
	return b.ScheduleIdleCallback(ctx, b.restartAction)
}

// Status returns a snapshot taken on the loop goroutine.
func (b *Brain) Status(ctx context.Context) (Status, error) {
	var st Status
	err := b.do(ctx, func() {
		st = Status{
			State:          b.state,
			Class:          b.state.Class(),
			DisplayClients: b.peers.Display.Clients(),
			IdlePending:    b.tracker != nil,
		}
		if b.tracker != nil {
			st.IdleFor, _ = b.tracker.Accumulated()
		}
		if b.tx != nil {
			st.SessionID = b.tx.id
			st.Credit = b.tx.credit
		}
		if b.poll != nil {
			st.Rate = b.poll.Rate
			st.FiatCode = b.poll.FiatCode
		}
	})
	return st, err
}
