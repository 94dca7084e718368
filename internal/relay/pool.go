package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const defaultBufferSize = 4096

// Pool is the go-nostr backed Transport. Events from all subscriptions are
// forwarded into a single buffered channel; when the buffer is full new
// events are dropped rather than stalling the relay readers.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	urls   []string
	relays map[string]*nostr.Relay
	subs   []*nostr.Subscription
	closed bool

	events chan *nostr.Event
	wg     sync.WaitGroup
}

func NewPool(bufferSize int, logger *zap.Logger) *Pool {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		relays: make(map[string]*nostr.Relay),
		events: make(chan *nostr.Event, bufferSize),
	}
}

// PoolDialer returns a Dialer producing go-nostr pools.
func PoolDialer(bufferSize int, logger *zap.Logger) Dialer {
	return func() Transport {
		return NewPool(bufferSize, logger)
	}
}

func (p *Pool) AddRelay(ctx context.Context, url string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("pool is closed")
	}
	if _, ok := p.relays[url]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// the relay lives as long as the pool, not the caller's context
	conn, err := nostr.RelayConnect(p.ctx, url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.relays[url] = conn
	p.urls = append(p.urls, url)
	return nil
}

func (p *Pool) Subscribe(ctx context.Context, id string, filters nostr.Filters) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, url := range p.urls {
		sub, err := p.relays[url].Subscribe(p.ctx, filters, nostr.WithLabel(id))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		p.subs = append(p.subs, sub)
		p.wg.Add(1)
		go p.forward(url, sub)
	}
	if len(errs) > 0 && len(errs) == len(p.urls) {
		return fmt.Errorf("failed to subscribe on any relay: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		p.logger.Warn("Failed to subscribe", zap.Error(err), zap.String("subscription_id", id))
	}
	return nil
}

func (p *Pool) forward(url string, sub *nostr.Subscription) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			select {
			case p.events <- ev:
			default:
				p.logger.Warn("Event buffer full, dropping event",
					zap.String("relay", url),
					zap.String("event_id", ev.ID))
			}
		}
	}
}

func (p *Pool) HasEvents() bool {
	return len(p.events) > 0
}

func (p *Pool) NextEvent() *nostr.Event {
	select {
	case ev := <-p.events:
		return ev
	default:
		return nil
	}
}

func (p *Pool) Publish(ctx context.Context, event nostr.Event) error {
	p.mu.Lock()
	relays := make(map[string]*nostr.Relay, len(p.relays))
	for url, r := range p.relays {
		relays[url] = r
	}
	p.mu.Unlock()

	if len(relays) == 0 {
		return ErrNoRelays
	}

	var errs []error
	accepted := 0
	for url, r := range relays {
		if err := r.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		p.logger.Debug("Relay rejected event", zap.Error(err), zap.String("event_id", event.ID))
	}
	return nil
}

func (p *Pool) Relays() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	subs := p.subs
	relays := p.relays
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Unsub()
	}
	for url, r := range relays {
		if err := r.Close(); err != nil {
			p.logger.Debug("Failed to close relay", zap.Error(err), zap.String("relay", url))
		}
	}
	p.wg.Wait()
}
