// Package relaytest provides an in-memory relay network for tests.
package relaytest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/xaenox/nostrchan/internal/relay"
)

var ErrPublishRejected = errors.New("publish rejected")

// Network stands in for a set of relays. Stored events answer new
// subscriptions; delivered events reach every open subscription once per
// relay, mimicking redundant delivery.
type Network struct {
	mu          sync.Mutex
	stored      []*nostr.Event
	transports  []*Transport
	published   []nostr.Event
	failPublish bool
	down        map[string]bool
}

func NewNetwork() *Network {
	return &Network{down: make(map[string]bool)}
}

func (n *Network) Dial() relay.Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &Transport{net: n, subs: make(map[string]nostr.Filters)}
	n.transports = append(n.transports, t)
	return t
}

// Store makes ev available to future subscriptions whose filter matches.
func (n *Network) Store(ev *nostr.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stored = append(n.stored, ev)
}

// Deliver pushes ev to every open transport with a matching subscription.
func (n *Network) Deliver(ev *nostr.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.transports {
		if t.closed {
			continue
		}
		for _, filters := range t.subs {
			if filters.Match(ev) {
				for range t.relays {
					t.queue = append(t.queue, ev)
				}
				break
			}
		}
	}
}

func (n *Network) SetFailPublish(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failPublish = fail
}

// SetDown makes AddRelay fail for url.
func (n *Network) SetDown(url string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[url] = down
}

func (n *Network) Published() []nostr.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]nostr.Event(nil), n.published...)
}

// PublishedKind returns published events of the given kind.
func (n *Network) PublishedKind(kind int) []nostr.Event {
	var out []nostr.Event
	for _, ev := range n.Published() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (n *Network) Transports() []*Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Transport(nil), n.transports...)
}

// Open counts transports that have not been closed.
func (n *Network) Open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	open := 0
	for _, t := range n.transports {
		if !t.closed {
			open++
		}
	}
	return open
}

type Transport struct {
	net    *Network
	relays []string
	subs   map[string]nostr.Filters
	queue  []*nostr.Event
	closed bool
}

var _ relay.Transport = (*Transport)(nil)

func (t *Transport) AddRelay(ctx context.Context, url string) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.net.down[url] {
		return errors.New("connection refused")
	}
	t.relays = append(t.relays, url)
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, id string, filters nostr.Filters) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.subs[id] = filters

	for _, f := range filters {
		var matched []*nostr.Event
		for _, ev := range t.net.stored {
			if f.Matches(ev) {
				matched = append(matched, ev)
			}
		}
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].CreatedAt > matched[j].CreatedAt
		})
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[:f.Limit]
		}
		t.queue = append(t.queue, matched...)
	}
	return nil
}

// Filters returns the filters of subscription id.
func (t *Transport) Filters(id string) nostr.Filters {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.subs[id]
}

func (t *Transport) Closed() bool {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.closed
}

func (t *Transport) HasEvents() bool {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return len(t.queue) > 0
}

func (t *Transport) NextEvent() *nostr.Event {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	ev := t.queue[0]
	t.queue = t.queue[1:]
	return ev
}

func (t *Transport) Publish(ctx context.Context, event nostr.Event) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.net.failPublish || len(t.relays) == 0 {
		return ErrPublishRejected
	}
	t.net.published = append(t.net.published, event)
	return nil
}

func (t *Transport) Relays() []string {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return append([]string(nil), t.relays...)
}

func (t *Transport) CloseAll() {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.closed = true
	t.queue = nil
}
