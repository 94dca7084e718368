// Package composer builds and signs the events the bot publishes.
package composer

import (
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/xaenox/nostrchan/internal/models"
	"github.com/xaenox/nostrchan/internal/relay"
)

var ErrEmptyReply = errors.New("empty reply text")

type Composer struct {
	now func() time.Time
}

func New() *Composer {
	return &Composer{now: time.Now}
}

// Reply builds a text note answering source, threaded with an event
// reference and a pubkey reference, signed by persona. The text is used
// verbatim; empty text is refused.
func (c *Composer) Reply(persona *models.Persona, source *nostr.Event, text string) (nostr.Event, error) {
	if text == "" {
		return nostr.Event{}, ErrEmptyReply
	}
	ev := nostr.Event{
		PubKey:    persona.PubKey,
		CreatedAt: nostr.Timestamp(c.now().Unix()),
		Kind:      relay.KindTextNote,
		Tags: nostr.Tags{
			{"e", source.ID},
			{"p", source.PubKey},
		},
		Content: text,
	}
	if err := ev.Sign(persona.SecretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign reply: %w", err)
	}
	return ev, nil
}

// Metadata builds the kind-0 profile event for persona from its stored content.
func (c *Composer) Metadata(persona *models.Persona) (nostr.Event, error) {
	ev := nostr.Event{
		PubKey:    persona.PubKey,
		CreatedAt: nostr.Timestamp(c.now().Unix()),
		Kind:      relay.KindMetadata,
		Tags:      nostr.Tags{},
		Content:   persona.Content,
	}
	if err := ev.Sign(persona.SecretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign metadata: %w", err)
	}
	return ev, nil
}
