package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

var ErrNoRelays = errors.New("no relay addresses configured")

type SessionConfig struct {
	Relays         []string
	SubscriptionID string
	Kinds          []int
	// Lookback is subtracted from the connect time to form the "since"
	// watermark of every (re)subscription.
	Lookback time.Duration
	// SilenceThreshold is the number of consecutive empty polls that
	// triggers a full reconnect.
	SilenceThreshold int
	SettleDelay      time.Duration
	PublishTimeout   time.Duration
}

// Session is the bot's long-lived view of the relay network. It is driven
// by a single goroutine; none of its methods are safe for concurrent use.
type Session struct {
	cfg       SessionConfig
	dial      Dialer
	transport Transport
	since     nostr.Timestamp
	silent    int
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Session)

// WithClock overrides the time source used for the since watermark.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Open connects to every configured relay and subscribes on each. Relays
// that fail to connect are logged and skipped; a dead session is recovered
// later by the silence detector.
func Open(ctx context.Context, cfg SessionConfig, dial Dialer, logger *zap.Logger, opts ...Option) (*Session, error) {
	if len(cfg.Relays) == 0 {
		return nil, ErrNoRelays
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 300
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []int{KindTextNote}
	}

	s := &Session{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	t := s.dial()
	connected := 0
	for _, url := range s.cfg.Relays {
		if err := t.AddRelay(ctx, url); err != nil {
			s.logger.Warn("Failed to add relay", zap.Error(err), zap.String("relay", url))
			continue
		}
		connected++
	}

	since := nostr.Timestamp(s.now().Add(-s.cfg.Lookback).Unix())
	filters := nostr.Filters{{
		Kinds: s.cfg.Kinds,
		Since: &since,
	}}
	if connected > 0 {
		if err := t.Subscribe(ctx, s.cfg.SubscriptionID, filters); err != nil {
			s.logger.Warn("Failed to subscribe", zap.Error(err), zap.String("subscription_id", s.cfg.SubscriptionID))
		}
	} else {
		s.logger.Error("No relay could be connected", zap.Strings("relays", s.cfg.Relays))
	}

	s.transport = t
	s.since = since
	s.silent = 0
	s.logger.Info("Relay session opened",
		zap.Int("connected", connected),
		zap.Int("configured", len(s.cfg.Relays)),
		zap.Int64("since", int64(since)))
	return ctx.Err()
}

// Poll drains every buffered event without blocking. When the drain comes
// back empty SilenceThreshold times in a row the session is torn down and
// reopened; reconnected is true for the poll that did so.
func (s *Session) Poll(ctx context.Context) (events []*nostr.Event, reconnected bool) {
	for s.transport.HasEvents() {
		ev := s.transport.NextEvent()
		if ev == nil {
			break
		}
		events = append(events, ev)
	}

	if len(events) > 0 {
		s.silent = 0
		return events, false
	}

	s.silent++
	if s.silent%100 == 0 {
		s.logger.Debug("No events", zap.Int("empty_polls", s.silent))
	}
	if s.silent < s.cfg.SilenceThreshold {
		return nil, false
	}

	if err := s.Reconnect(ctx); err != nil {
		s.logger.Error("Failed to reconnect relays", zap.Error(err))
	}
	return nil, true
}

// Reconnect closes every relay connection and opens a fresh subscription
// with a refreshed since watermark, settling before and after.
func (s *Session) Reconnect(ctx context.Context) error {
	s.logger.Info("Reconnecting all relays", zap.Int("empty_polls", s.silent))
	s.transport.CloseAll()
	if !Sleep(ctx, s.cfg.SettleDelay) {
		return ctx.Err()
	}
	if err := s.connect(ctx); err != nil {
		return fmt.Errorf("error reopening session: %w", err)
	}
	if !Sleep(ctx, s.cfg.SettleDelay) {
		return ctx.Err()
	}
	s.logger.Info("Reconnected all relays")
	return nil
}

// Publish sends the event once. Failures are logged and returned but never
// retried: a lost reply is preferable to a duplicate one.
func (s *Session) Publish(ctx context.Context, event nostr.Event) error {
	if s.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PublishTimeout)
		defer cancel()
	}
	if err := s.transport.Publish(ctx, event); err != nil {
		s.logger.Error("Failed to publish event",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.Int("kind", event.Kind))
		return err
	}
	return nil
}

func (s *Session) Since() nostr.Timestamp {
	return s.since
}

func (s *Session) Relays() []string {
	return s.transport.Relays()
}

func (s *Session) Close() {
	s.transport.CloseAll()
}

// Sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
