// Package eligibility decides which inbound notes are worth a reply.
package eligibility

import (
	"unicode/utf8"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

type Config struct {
	Language  string
	MinLength int
	MaxLength int
	Blocklist []string
}

// Filter holds the cheap, local checks. The follower check lives in
// FollowerChecker because it needs a network round-trip.
type Filter struct {
	cfg      Config
	blocked  map[string]struct{}
	detector Detector
	logger   *zap.Logger
}

func NewFilter(cfg Config, detector Detector, logger *zap.Logger) *Filter {
	blocked := make(map[string]struct{}, len(cfg.Blocklist))
	for _, pk := range cfg.Blocklist {
		blocked[pk] = struct{}{}
	}
	return &Filter{
		cfg:      cfg,
		blocked:  blocked,
		detector: detector,
		logger:   logger,
	}
}

func (f *Filter) Blocked(pubkey string) bool {
	_, ok := f.blocked[pubkey]
	return ok
}

// IsEligible requires an unblocked author, content length within
// [MinLength, MaxLength] characters, no content warning and content
// detected as the target language.
func (f *Filter) IsEligible(ev *nostr.Event) bool {
	if f.Blocked(ev.PubKey) {
		f.logger.Debug("Author is blocklisted", zap.String("pubkey", ev.PubKey))
		return false
	}

	n := utf8.RuneCountInString(ev.Content)
	if n < f.cfg.MinLength || n > f.cfg.MaxLength {
		return false
	}

	if hasContentWarning(ev.Tags) {
		return false
	}

	lang, ok := f.detector.Detect(ev.Content)
	if !ok || lang != f.cfg.Language {
		return false
	}
	f.logger.Debug("Event is eligible", zap.String("event_id", ev.ID), zap.String("lang", lang))
	return true
}

func hasContentWarning(tags nostr.Tags) bool {
	for _, tag := range tags {
		if len(tag) >= 1 && tag[0] == "content-warning" {
			return true
		}
	}
	return false
}
