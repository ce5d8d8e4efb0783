package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nbd-wtf/go-nostr"
)

var ErrNoRelays = errors.New("remote: could not connect to any relay")

// giftWrapSkew is how far NIP-59 may backdate a gift wrap's created_at.
const giftWrapSkew = 48 * time.Hour

// RelayManager holds the machine's relay connections and a subscription to
// gift-wrapped DMs addressed to it.
type RelayManager struct {
	relayURLs     []string
	machinePubkey string
	logger        *slog.Logger

	mu     sync.RWMutex
	relays []*nostr.Relay

	dmEvents chan *nostr.Event
	wg       sync.WaitGroup
}

func NewRelayManager(relayURLs []string, machinePubkey string, logger *slog.Logger) *RelayManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayManager{
		relayURLs:     relayURLs,
		machinePubkey: machinePubkey,
		logger:        logger,
		dmEvents:      make(chan *nostr.Event, 100),
	}
}

// Connect dials every relay and subscribes from since. It fails only if no
// relay is reachable.
func (rm *RelayManager) Connect(ctx context.Context, since time.Time) error {
	var connected int
	for _, url := range rm.relayURLs {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			rm.logger.Warn("relay connect failed", "relay", url, "error", err)
			continue
		}

		rm.mu.Lock()
		rm.relays = append(rm.relays, relay)
		rm.mu.Unlock()
		connected++

		rm.wg.Add(1)
		go rm.subscribeRelay(ctx, relay, since)
	}

	if connected == 0 {
		return ErrNoRelays
	}
	rm.logger.Info("relays connected", "connected", connected, "configured", len(rm.relayURLs))
	return nil
}

func (rm *RelayManager) filters(since time.Time) nostr.Filters {
	f := nostr.Filter{
		Kinds: []int{nostr.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{rm.machinePubkey}},
	}
	if !since.IsZero() {
		ts := nostr.Timestamp(since.Add(-giftWrapSkew).Unix())
		f.Since = &ts
	}
	return nostr.Filters{f}
}

func newReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// subscribeRelay keeps one relay subscribed until ctx is done.
func (rm *RelayManager) subscribeRelay(ctx context.Context, relay *nostr.Relay, since time.Time) {
	defer rm.wg.Done()

	for {
		sub, err := relay.Subscribe(ctx, rm.filters(since))
		if err != nil {
			rm.logger.Warn("subscription failed", "relay", relay.URL, "error", err)
			if !rm.reconnect(ctx, relay) {
				return
			}
			continue
		}
		rm.logger.Debug("subscribed", "relay", relay.URL)

		if !rm.consume(ctx, sub) {
			return
		}
		rm.logger.Info("subscription closed, reconnecting", "relay", relay.URL)
		if !rm.reconnect(ctx, relay) {
			return
		}
		since = time.Now()
	}
}

// consume forwards events until the subscription closes. It reports false
// when ctx is done.
func (rm *RelayManager) consume(ctx context.Context, sub *nostr.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			sub.Unsub()
			return false
		case event, ok := <-sub.Events:
			if !ok {
				return true
			}
			rm.route(event)
		}
	}
}

// reconnect retries relay.Connect with exponential backoff. It reports false
// when ctx is done.
func (rm *RelayManager) reconnect(ctx context.Context, relay *nostr.Relay) bool {
	err := backoff.RetryNotify(
		func() error { return relay.Connect(ctx) },
		backoff.WithContext(newReconnectBackoff(), ctx),
		func(err error, next time.Duration) {
			rm.logger.Warn("relay reconnect failed", "relay", relay.URL, "error", err, "retry_in", next)
		},
	)
	if err != nil {
		return false
	}
	rm.logger.Info("relay reconnected", "relay", relay.URL)
	return true
}

func (rm *RelayManager) route(event *nostr.Event) {
	if event.Kind != nostr.KindGiftWrap {
		return
	}
	select {
	case rm.dmEvents <- event:
	default:
		rm.logger.Warn("DM channel full, dropping event", "event", event.ID)
	}
}

// Events returns gift-wrapped DMs from every relay. Duplicates across relays
// are not filtered here.
func (rm *RelayManager) Events() <-chan *nostr.Event {
	return rm.dmEvents
}

// Publish sends an event to every connected relay.
func (rm *RelayManager) Publish(ctx context.Context, event *nostr.Event) error {
	rm.mu.RLock()
	relays := make([]*nostr.Relay, len(rm.relays))
	copy(relays, rm.relays)
	rm.mu.RUnlock()
	if len(relays) == 0 {
		return ErrNoRelays
	}

	var lastErr error
	var published int
	for _, relay := range relays {
		if err := relay.Publish(ctx, *event); err != nil {
			lastErr = err
			rm.logger.Warn("publish failed", "relay", relay.URL, "error", err)
			continue
		}
		published++
	}
	if published == 0 {
		return fmt.Errorf("publishing to any relay: %w", lastErr)
	}
	rm.logger.Debug("published", "event", event.ID, "relays", published)
	return nil
}

// Close waits for subscriptions to end and closes every relay. Cancel the
// Connect context first.
func (rm *RelayManager) Close() {
	rm.wg.Wait()

	rm.mu.Lock()
	for _, relay := range rm.relays {
		_ = relay.Close()
	}
	rm.relays = nil
	rm.mu.Unlock()

	close(rm.dmEvents)
	rm.logger.Info("relay manager closed")
}
