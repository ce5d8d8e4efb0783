package remote

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip59"
)

// WrapReply builds a NIP-17 gift-wrapped DM from the machine to recipient.
func WrapReply(ctx context.Context, kr nostr.Keyer, machinePubkey, recipientPubkey, message string) (*nostr.Event, error) {
	rumor := nostr.Event{
		PubKey:    machinePubkey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindDirectMessage,
		Tags:      nostr.Tags{nostr.Tag{"p", recipientPubkey}},
		Content:   message,
	}

	wrap, err := nip59.GiftWrap(
		rumor,
		recipientPubkey,
		func(plaintext string) (string, error) {
			return kr.Encrypt(ctx, plaintext, recipientPubkey)
		},
		func(event *nostr.Event) error {
			return kr.SignEvent(ctx, event)
		},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("gift wrapping reply: %w", err)
	}
	return &wrap, nil
}

// Unwrap opens a gift wrap addressed to the machine and returns the rumor.
func Unwrap(ctx context.Context, kr nostr.Keyer, event *nostr.Event) (nostr.Event, error) {
	rumor, err := nip59.GiftUnwrap(*event, func(pubkey, ciphertext string) (string, error) {
		return kr.Decrypt(ctx, ciphertext, pubkey)
	})
	if err != nil {
		return nostr.Event{}, fmt.Errorf("unwrapping DM: %w", err)
	}
	return rumor, nil
}
