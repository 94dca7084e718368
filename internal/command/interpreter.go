package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/xaenox/nostrchan/internal/composer"
	"github.com/xaenox/nostrchan/internal/metrics"
	"github.com/xaenox/nostrchan/internal/models"
	"github.com/xaenox/nostrchan/internal/relay"
	"github.com/xaenox/nostrchan/internal/storage"
	"go.uber.org/zap"
)

type handlerFunc func(ctx context.Context, in *Interpreter, req Request) error

type Publisher interface {
	Publish(ctx context.Context, event nostr.Event) error
}

type CacheClearer interface {
	ClearCache() int
}

type Config struct {
	AdminPubkeys []string
	RootPubkey   string
}

type Interpreter struct {
	admins    map[string]struct{}
	root      string
	store     storage.Storage
	publisher Publisher
	composer  *composer.Composer
	cache     CacheClearer
	metrics   *metrics.Metrics
	keygen    func() string
	logger    *zap.Logger
}

func New(cfg Config, store storage.Storage, publisher Publisher, comp *composer.Composer,
	cache CacheClearer, m *metrics.Metrics, logger *zap.Logger) *Interpreter {
	admins := make(map[string]struct{}, len(cfg.AdminPubkeys))
	for _, pk := range cfg.AdminPubkeys {
		admins[pk] = struct{}{}
	}
	return &Interpreter{
		admins:    admins,
		root:      cfg.RootPubkey,
		store:     store,
		publisher: publisher,
		composer:  comp,
		cache:     cache,
		metrics:   m,
		keygen:    nostr.GeneratePrivateKey,
		logger:    logger,
	}
}

// Handle gets first refusal on every event. It reports whether the event
// was consumed as a command. Refused admin commands are indistinguishable
// from ordinary notes. The error is non-nil only for a command that was
// authorised and failed while running.
func (in *Interpreter) Handle(ctx context.Context, ev *nostr.Event) (bool, error) {
	mention, ok := mentionedPubkey(ev)
	if !ok {
		return false, nil
	}

	text := stripMention(ev.Content)
	cmd, ok := lookup(verbOf(text))
	if !ok || cmd.handler == nil {
		return false, nil
	}

	if cmd.admin && !in.authorised(ev.PubKey, mention) {
		in.logger.Debug("Refused admin command",
			zap.String("command", cmd.verb),
			zap.String("pubkey", ev.PubKey))
		return false, nil
	}

	prompt, params := parseParams(text)
	in.logger.Info("Executing command",
		zap.String("command", cmd.verb),
		zap.String("pubkey", ev.PubKey),
		zap.String("event_id", ev.ID))

	err := cmd.handler(ctx, in, Request{
		Event:   ev,
		Mention: mention,
		Prompt:  prompt,
		Params:  params,
	})
	in.metrics.CommandsHandled.WithLabelValues(cmd.kind.String()).Inc()
	if err != nil {
		return true, fmt.Errorf("command %s: %w", cmd.verb, err)
	}
	return true, nil
}

func (in *Interpreter) authorised(author, mention string) bool {
	if _, ok := in.admins[author]; !ok {
		return false
	}
	return in.root != "" && mention == in.root
}

func handleNew(ctx context.Context, in *Interpreter, req Request) error {
	sk := in.keygen()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return fmt.Errorf("failed to derive public key: %w", err)
	}

	content, err := json.Marshal(req.Params)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	persona := &models.Persona{
		Status:    models.StatusEnabled,
		Prompt:    req.Prompt,
		PubKey:    pk,
		SecretKey: sk,
		Content:   string(content),
	}
	if _, err := in.store.InsertIfAbsent(ctx, persona); err != nil {
		return fmt.Errorf("failed to save persona: %w", err)
	}

	in.publishMetadata(ctx, persona)

	greeting := "はじめまして。\nコンゴトモヨロシク！"
	if name := persona.Profile().Label(); name != "" {
		greeting = fmt.Sprintf("はじめまして。\n%sです。\nコンゴトモヨロシク！", name)
	}
	in.reply(ctx, persona, req.Event, greeting)

	in.logger.Info("Created persona",
		zap.String("pubkey", pk),
		zap.String("name", persona.Profile().Label()))
	return nil
}

func handleSuspend(ctx context.Context, in *Interpreter, req Request) error {
	return in.setStatus(ctx, req, models.StatusSuspended, "お休みします")
}

func handleResume(ctx context.Context, in *Interpreter, req Request) error {
	return in.setStatus(ctx, req, models.StatusEnabled, "再開しました")
}

func handleDelete(ctx context.Context, in *Interpreter, req Request) error {
	return in.setStatus(ctx, req, models.StatusDeleted, "削除しました")
}

func handleUpdate(ctx context.Context, in *Interpreter, req Request) error {
	persona, err := in.target(ctx, req)
	if err != nil {
		return err
	}

	profile := map[string]any{}
	if persona.Content != "" {
		if err := json.Unmarshal([]byte(persona.Content), &profile); err != nil {
			in.logger.Warn("Stored profile is not valid JSON, replacing it",
				zap.Error(err),
				zap.String("pubkey", persona.PubKey))
			profile = map[string]any{}
		}
	}
	for k, v := range req.Params {
		if k == "pubkey" {
			continue
		}
		profile[k] = v
	}
	content, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	if err := in.store.UpdateContent(ctx, persona.PubKey, string(content)); err != nil {
		return fmt.Errorf("failed to update persona: %w", err)
	}
	persona.Content = string(content)

	in.publishMetadata(ctx, persona)
	in.ack(ctx, req.Event, "データベースのkind 0を更新してブロードキャストしました")
	return nil
}

func handleBroadcast(ctx context.Context, in *Interpreter, req Request) error {
	persona, err := in.target(ctx, req)
	if err != nil {
		return err
	}
	in.publishMetadata(ctx, persona)
	in.ack(ctx, req.Event, "データベースのkind 0の情報をブロードキャストしました")
	return nil
}

func handleClearCache(ctx context.Context, in *Interpreter, req Request) error {
	if in.cache == nil {
		return nil
	}
	n := in.cache.ClearCache()
	in.ack(ctx, req.Event, fmt.Sprintf("フォロワーキャッシュをクリアしました（%d件削除）", n))
	return nil
}

func (in *Interpreter) setStatus(ctx context.Context, req Request, status models.PersonaStatus, ack string) error {
	persona, err := in.target(ctx, req)
	if err != nil {
		return err
	}
	if err := in.store.SetStatus(ctx, persona.PubKey, status); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	in.logger.Info("Changed persona status",
		zap.String("pubkey", persona.PubKey),
		zap.Stringer("status", status))

	name := persona.Profile().Label()
	if name == "" {
		name = persona.PubKey[:8]
	}
	in.ack(ctx, req.Event, fmt.Sprintf("%sを%s", name, ack))
	return nil
}

// target resolves the persona named by the pubkey parameter.
func (in *Interpreter) target(ctx context.Context, req Request) (*models.Persona, error) {
	raw, ok := req.Params["pubkey"]
	if !ok {
		return nil, errors.New("missing pubkey parameter")
	}
	pk, err := relay.PubKeyHex(raw)
	if err != nil {
		return nil, err
	}
	persona, err := in.store.GetPersona(ctx, pk)
	if err != nil {
		return nil, fmt.Errorf("failed to load persona %s: %w", pk, err)
	}
	return persona, nil
}

func (in *Interpreter) publishMetadata(ctx context.Context, persona *models.Persona) {
	ev, err := in.composer.Metadata(persona)
	if err != nil {
		in.logger.Error("Failed to build metadata", zap.Error(err), zap.String("pubkey", persona.PubKey))
		return
	}
	if err := in.publisher.Publish(ctx, ev); err != nil {
		in.metrics.PublishFailures.Inc()
	}
}

// ack answers the command as the root persona, when it is stored.
func (in *Interpreter) ack(ctx context.Context, source *nostr.Event, text string) {
	root, err := in.store.GetPersona(ctx, in.root)
	if err != nil {
		in.logger.Debug("No root persona to acknowledge command", zap.Error(err))
		return
	}
	in.reply(ctx, root, source, text)
}

func (in *Interpreter) reply(ctx context.Context, persona *models.Persona, source *nostr.Event, text string) {
	ev, err := in.composer.Reply(persona, source, text)
	if err != nil {
		in.logger.Error("Failed to build reply", zap.Error(err), zap.String("pubkey", persona.PubKey))
		return
	}
	if err := in.publisher.Publish(ctx, ev); err != nil {
		in.metrics.PublishFailures.Inc()
	}
}
