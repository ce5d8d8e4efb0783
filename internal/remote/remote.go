// Package remote is the operator channel: NIP-17 direct messages from
// allow-listed operator keys carry commands, and replies are wrapped back to
// the sender.
package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/lidio601/lamassu-machine/internal/clock"
)

// Pool is where gift wraps arrive and replies go.
type Pool interface {
	Events() <-chan *nostr.Event
	Publish(ctx context.Context, event *nostr.Event) error
}

// Journal deduplicates events across restarts.
type Journal interface {
	TryProcess(ctx context.Context, eventID string, kind int, createdAt int64) (bool, error)
	SetHighWaterMark(ctx context.Context, ts int64) error
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// Service handles operator DMs.
type Service struct {
	keyer         nostr.Keyer
	machinePubkey string
	operators     Operators
	pool          Pool
	journal       Journal
	ctrl          Controller
	link          Link

	logger *slog.Logger
	clock  clock.Clock
	seen   *seenCache
}

func NewService(kr nostr.Keyer, machinePubkey string, ops Operators, pool Pool, journal Journal, ctrl Controller, link Link, opts ...Option) *Service {
	s := &Service{
		keyer:         kr,
		machinePubkey: machinePubkey,
		operators:     ops,
		pool:          pool,
		journal:       journal,
		ctrl:          ctrl,
		link:          link,
		logger:        slog.Default(),
		clock:         clock.Real{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seen = newSeenCache(s.clock, 10*time.Minute)
	return s
}

// Run handles events until ctx is done or the pool closes.
func (s *Service) Run(ctx context.Context) error {
	expiry := s.clock.NewTicker(time.Minute)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-expiry.C():
			s.seen.expire()
		case event, ok := <-s.pool.Events():
			if !ok {
				return nil
			}
			s.Handle(ctx, event)
		}
	}
}

// Handle processes one gift wrap. Errors are logged; nothing is returned to
// unknown senders.
func (s *Service) Handle(ctx context.Context, event *nostr.Event) {
	if !s.seen.firstSighting(event.ID) {
		return
	}
	fresh, err := s.journal.TryProcess(ctx, event.ID, event.Kind, int64(event.CreatedAt))
	if err != nil {
		s.logger.Error("recording processed event", "event", event.ID, "error", err)
		return
	}
	if !fresh {
		s.logger.Debug("event already processed", "event", event.ID)
		return
	}

	rumor, err := Unwrap(ctx, s.keyer, event)
	if err != nil {
		s.logger.Warn("dropping DM", "event", event.ID, "error", err)
		return
	}
	log := s.logger.With("sender", npub(rumor.PubKey))

	if err := s.operators.CanExecute(rumor.PubKey); err != nil {
		log.Warn("ignoring DM from non-operator")
		return
	}

	cmd := Parse(rumor.Content)
	if cmd == nil {
		log.Debug("empty DM")
		return
	}
	if !cmd.IsValid() {
		log.Info("unknown command", "command", cmd.Name)
		cmd = &Command{Name: CmdHelp}
	}

	log.Info("executing command", "command", cmd.Name, "args", cmd.Args)
	result := Execute(ctx, cmd, s.ctrl, s.link)
	if result.Error != nil {
		log.Warn("command failed", "command", cmd.Name, "error", result.Error)
	}

	if err := s.reply(ctx, rumor.PubKey, result.Text()); err != nil {
		log.Error("sending reply", "error", err)
	}

	if err := s.journal.SetHighWaterMark(ctx, int64(rumor.CreatedAt)); err != nil {
		log.Warn("advancing high water mark", "error", err)
	}
}

func (s *Service) reply(ctx context.Context, recipient, message string) error {
	wrap, err := WrapReply(ctx, s.keyer, s.machinePubkey, recipient, message)
	if err != nil {
		return err
	}
	return s.pool.Publish(ctx, wrap)
}

// npub renders a key for logs.
func npub(pubkey string) string {
	encoded, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return pubkey
	}
	return encoded
}
