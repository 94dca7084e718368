package relay

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Fetcher runs short-lived queries on their own connections, separate from
// the main session.
type Fetcher struct {
	dial       Dialer
	relays     []string
	retries    int
	retryDelay time.Duration
	settle     time.Duration
	logger     *zap.Logger
}

func NewFetcher(dial Dialer, relays []string, retries int, retryDelay, settle time.Duration, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		dial:       dial,
		relays:     relays,
		retries:    retries,
		retryDelay: retryDelay,
		settle:     settle,
		logger:     logger,
	}
}

// Fetch subscribes with filters and polls until at least one event arrives
// or the retry budget runs out. The connection is always closed. Events are
// returned newest first.
func (f *Fetcher) Fetch(ctx context.Context, label string, filters nostr.Filters) []*nostr.Event {
	t := f.dial()
	defer t.CloseAll()

	connected := 0
	for _, url := range f.relays {
		if err := t.AddRelay(ctx, url); err != nil {
			f.logger.Debug("Failed to add relay", zap.Error(err), zap.String("relay", url))
			continue
		}
		connected++
	}
	if connected == 0 {
		f.logger.Warn("No relay available for fetch", zap.String("label", label))
		return nil
	}

	id := label + "-" + uuid.NewString()[:8]
	if err := t.Subscribe(ctx, id, filters); err != nil {
		f.logger.Warn("Failed to subscribe", zap.Error(err), zap.String("subscription_id", id))
		return nil
	}
	if !Sleep(ctx, f.settle) {
		return nil
	}

	var events []*nostr.Event
	for attempt := 0; ; attempt++ {
		for t.HasEvents() {
			if ev := t.NextEvent(); ev != nil {
				events = append(events, ev)
			}
		}
		if len(events) > 0 || attempt >= f.retries {
			break
		}
		if !Sleep(ctx, f.retryDelay) {
			break
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
	return events
}
