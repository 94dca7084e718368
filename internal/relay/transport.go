// Package relay owns the connections to nostr relays: a pooled transport,
// the long-lived session used by the bot loop and one-shot fetches.
package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Transport is a set of relay connections sharing one event buffer.
// A Transport is single use: after CloseAll a new one must be dialed.
type Transport interface {
	AddRelay(ctx context.Context, url string) error
	// Subscribe issues the same labelled subscription on every added relay.
	Subscribe(ctx context.Context, id string, filters nostr.Filters) error
	// HasEvents and NextEvent never block.
	HasEvents() bool
	NextEvent() *nostr.Event
	// Publish sends the event to every relay and succeeds if any accepted it.
	Publish(ctx context.Context, event nostr.Event) error
	Relays() []string
	CloseAll()
}

// Dialer returns a fresh, empty Transport.
type Dialer func() Transport

const (
	KindMetadata    = 0
	KindTextNote    = 1
	KindContactList = 3
)
