package eligibility

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/xaenox/nostrchan/internal/relay"
	"go.uber.org/zap"
)

type Fetcher interface {
	Fetch(ctx context.Context, label string, filters nostr.Filters) []*nostr.Event
}

type cacheEntry struct {
	follower bool
	expires  time.Time
}

// FollowerChecker answers whether an author's latest contact list follows
// a candidate key. Answers are cached only when cacheTTL is positive.
type FollowerChecker struct {
	fetcher  Fetcher
	cacheTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewFollowerChecker(fetcher Fetcher, cacheTTL time.Duration, logger *zap.Logger) *FollowerChecker {
	return &FollowerChecker{
		fetcher:  fetcher,
		cacheTTL: cacheTTL,
		now:      time.Now,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

func (c *FollowerChecker) IsFollower(ctx context.Context, candidate, author string) bool {
	key := author + ":" + candidate
	if c.cacheTTL > 0 {
		c.mu.Lock()
		entry, ok := c.cache[key]
		c.mu.Unlock()
		if ok && c.now().Before(entry.expires) {
			c.logger.Debug("Follower cache hit", zap.String("pubkey", author), zap.Bool("follower", entry.follower))
			return entry.follower
		}
	}

	events := c.fetcher.Fetch(ctx, "nostr-chan-kind3", nostr.Filters{{
		Authors: []string{author},
		Kinds:   []int{relay.KindContactList},
		Limit:   1,
	}})
	follower := follows(newest(events), candidate)

	if c.cacheTTL > 0 {
		c.mu.Lock()
		c.cache[key] = cacheEntry{follower: follower, expires: c.now().Add(c.cacheTTL)}
		c.mu.Unlock()
	}
	return follower
}

// ClearCache drops every cached answer and reports how many were removed.
func (c *FollowerChecker) ClearCache() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.cache)
	c.cache = make(map[string]cacheEntry)
	return n
}

func newest(events []*nostr.Event) *nostr.Event {
	var latest *nostr.Event
	for _, ev := range events {
		if ev.Kind != relay.KindContactList {
			continue
		}
		if latest == nil || ev.CreatedAt > latest.CreatedAt {
			latest = ev
		}
	}
	return latest
}

func follows(contacts *nostr.Event, candidate string) bool {
	if contacts == nil {
		return false
	}
	for _, tag := range contacts.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == candidate {
			return true
		}
	}
	return false
}
