package bot

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/xaenox/nostrchan/internal/composer"
	"github.com/xaenox/nostrchan/internal/dedup"
	"github.com/xaenox/nostrchan/internal/generator"
	"github.com/xaenox/nostrchan/internal/metrics"
	"github.com/xaenox/nostrchan/internal/models"
	"github.com/xaenox/nostrchan/internal/relay"
	"github.com/xaenox/nostrchan/internal/scheduler"
	"github.com/xaenox/nostrchan/internal/storage"
	"go.uber.org/zap"
)

type Session interface {
	Poll(ctx context.Context) ([]*nostr.Event, bool)
	Publish(ctx context.Context, event nostr.Event) error
	Relays() []string
}

type CommandHandler interface {
	Handle(ctx context.Context, ev *nostr.Event) (bool, error)
}

type EligibilityFilter interface {
	IsEligible(ev *nostr.Event) bool
}

type FollowerChecker interface {
	IsFollower(ctx context.Context, candidate, author string) bool
}

type Config struct {
	// RootPubkey is the identity users follow to opt in to replies.
	RootPubkey    string
	PollInterval  time.Duration
	RecencyWindow int
}

type Deps struct {
	Session   Session
	Storage   storage.Storage
	Commands  CommandHandler
	Filter    EligibilityFilter
	Followers FollowerChecker
	Scheduler *scheduler.Scheduler
	Generator generator.Generator
	Composer  *composer.Composer
	Metrics   *metrics.Metrics
}

// Bot runs the single control loop. The recency window and the last reply
// time are owned by that loop and touched by nothing else.
type Bot struct {
	cfg       Config
	session   Session
	storage   storage.Storage
	commands  CommandHandler
	filter    EligibilityFilter
	followers FollowerChecker
	scheduler *scheduler.Scheduler
	generator generator.Generator
	composer  *composer.Composer
	metrics   *metrics.Metrics
	logger    *zap.Logger

	recent    *dedup.Window
	lastReply time.Time
	now       func() time.Time
	pick      func(n int) int
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Bot {
	b := &Bot{
		cfg:       cfg,
		session:   deps.Session,
		storage:   deps.Storage,
		commands:  deps.Commands,
		filter:    deps.Filter,
		followers: deps.Followers,
		scheduler: deps.Scheduler,
		generator: deps.Generator,
		composer:  deps.Composer,
		metrics:   deps.Metrics,
		logger:    logger,
		recent:    dedup.NewWindow(cfg.RecencyWindow),
		now:       time.Now,
		pick:      rand.Intn,
	}
	b.lastReply = b.now()
	return b
}

// Bootstrap stores root as the first persona when no enabled persona
// exists, and announces its profile.
func (b *Bot) Bootstrap(ctx context.Context, root *models.Persona) error {
	personas, err := b.storage.SelectEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list personas: %w", err)
	}
	if len(personas) > 0 || root == nil {
		return nil
	}

	created, err := b.storage.InsertIfAbsent(ctx, root)
	if err != nil {
		return fmt.Errorf("failed to store root persona: %w", err)
	}
	if !created {
		return nil
	}
	b.logger.Info("Bootstrapped root persona", zap.String("pubkey", root.PubKey))

	meta, err := b.composer.Metadata(root)
	if err != nil {
		return err
	}
	if err := b.session.Publish(ctx, meta); err != nil {
		b.metrics.PublishFailures.Inc()
	}
	return nil
}

// Run polls until ctx is cancelled. Per-event failures are logged and
// never stop the loop.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Listening for events", zap.Strings("relays", b.session.Relays()))
	for {
		b.tick(ctx)
		if !relay.Sleep(ctx, b.cfg.PollInterval) {
			b.logger.Info("Stopping event loop")
			return nil
		}
	}
}

func (b *Bot) tick(ctx context.Context) {
	events, reconnected := b.session.Poll(ctx)
	for _, ev := range events {
		b.handleEvent(ctx, ev)
	}
	if reconnected {
		// skip the backlog the new subscription replays
		b.lastReply = b.now()
		b.metrics.Reconnects.Inc()
	}
}

func (b *Bot) handleEvent(ctx context.Context, ev *nostr.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic while handling event",
				zap.Any("panic", r),
				zap.String("event_id", ev.ID))
		}
	}()

	b.metrics.EventsReceived.Inc()
	if b.recent.Contains(ev.ID) {
		b.metrics.DuplicatesSkipped.Inc()
		return
	}
	if ev.Kind != relay.KindTextNote || !ev.CreatedAt.Time().After(b.lastReply) {
		return
	}
	b.recent.Add(ev.ID)

	b.logger.Debug("Processing event",
		zap.String("event_id", ev.ID),
		zap.String("pubkey", ev.PubKey),
		zap.String("content", ev.Content))

	handled, err := b.commands.Handle(ctx, ev)
	if err != nil {
		b.logger.Error("Failed to execute command", zap.Error(err), zap.String("event_id", ev.ID))
	}
	if handled {
		return
	}

	if !b.filter.IsEligible(ev) {
		return
	}

	personas, err := b.storage.SelectEnabled(ctx)
	if err != nil {
		b.logger.Error("Failed to list personas", zap.Error(err))
		return
	}
	if len(personas) == 0 || ownedBy(personas, ev.PubKey) {
		return
	}

	if !b.scheduler.ShouldReply(ev.CreatedAt.Time(), b.lastReply) {
		return
	}

	persona := b.selectPersona(personas, ev)
	candidate := b.cfg.RootPubkey
	if candidate == "" {
		candidate = persona.PubKey
	}
	if !b.followers.IsFollower(ctx, candidate, ev.PubKey) {
		b.logger.Debug("Author is not a follower", zap.String("pubkey", ev.PubKey))
		return
	}

	b.reply(ctx, persona, ev)
}

func (b *Bot) reply(ctx context.Context, persona *models.Persona, source *nostr.Event) {
	text, ok := b.generator.Complete(ctx, persona.Prompt, source.Content)
	if !ok {
		b.metrics.RepliesSuppressed.Inc()
		b.logger.Warn("No answer generated", zap.String("event_id", source.ID))
		return
	}

	ev, err := b.composer.Reply(persona, source, text)
	if err != nil {
		b.logger.Error("Failed to compose reply", zap.Error(err), zap.String("event_id", source.ID))
		return
	}

	// advances even if the publish below fails
	b.lastReply = b.now()
	if err := b.session.Publish(ctx, ev); err != nil {
		b.metrics.PublishFailures.Inc()
		return
	}

	b.metrics.RepliesPublished.Inc()
	b.metrics.LastReply.Set(float64(b.lastReply.Unix()))
	b.logger.Info("Replied",
		zap.String("note", relay.NoteID(source.ID)),
		zap.String("persona", persona.PubKey),
		zap.String("reply", text))
}

// selectPersona prefers a persona the event tags, otherwise picks one at random.
func (b *Bot) selectPersona(personas []*models.Persona, ev *nostr.Event) *models.Persona {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		for _, p := range personas {
			if p.PubKey == tag[1] {
				return p
			}
		}
	}
	return personas[b.pick(len(personas))]
}

func ownedBy(personas []*models.Persona, pubkey string) bool {
	for _, p := range personas {
		if p.PubKey == pubkey {
			return true
		}
	}
	return false
}
