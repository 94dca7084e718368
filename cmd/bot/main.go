package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/xaenox/nostrchan/internal/bot"
	"github.com/xaenox/nostrchan/internal/command"
	"github.com/xaenox/nostrchan/internal/composer"
	"github.com/xaenox/nostrchan/internal/eligibility"
	"github.com/xaenox/nostrchan/internal/generator"
	"github.com/xaenox/nostrchan/internal/metrics"
	"github.com/xaenox/nostrchan/internal/relay"
	"github.com/xaenox/nostrchan/internal/scheduler"
	"github.com/xaenox/nostrchan/internal/storage"
	"github.com/xaenox/nostrchan/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the configuration file")
	pflag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger, _ := zap.NewProduction()
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	// Initialize logger
	logger, _ := zap.NewProduction()
	if cfg.Log.Debug {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
	logger.Info("Bot stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := openStorage(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	dial := relay.PoolDialer(cfg.Relay.BufferSize, logger)
	session, err := relay.Open(ctx, relay.SessionConfig{
		Relays:           cfg.Relay.Servers,
		SubscriptionID:   cfg.Relay.SubscriptionID,
		Kinds:            []int{relay.KindTextNote},
		Lookback:         cfg.Relay.Lookback,
		SilenceThreshold: cfg.Relay.SilenceThreshold,
		SettleDelay:      cfg.Relay.SettleDelay,
		PublishTimeout:   cfg.Relay.PublishTimeout,
	}, dial, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	m := metrics.New()
	comp := composer.New()

	fetcher := relay.NewFetcher(dial, cfg.Relay.Servers,
		cfg.Follower.Retries, cfg.Follower.RetryDelay, cfg.Follower.SettleDelay, logger)
	followers := eligibility.NewFollowerChecker(fetcher, cfg.Follower.CacheTTL, logger)

	filter := eligibility.NewFilter(eligibility.Config{
		Language:  cfg.Bot.Language,
		MinLength: cfg.Bot.MinContentLength,
		MaxLength: cfg.Bot.MaxContentLength,
		Blocklist: cfg.Bot.Blacklist,
	}, eligibility.WhatlangDetector{}, logger)

	gen := generator.NewOpenAIGenerator(generator.Config{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		Model:        cfg.OpenAI.Model,
		MaxTokens:    cfg.OpenAI.MaxTokens,
		Temperature:  cfg.OpenAI.Temperature,
		AnswerLength: cfg.OpenAI.AnswerLength,
		Timeout:      cfg.OpenAI.Timeout,
	}, logger)

	interpreter := command.New(command.Config{
		AdminPubkeys: cfg.Bot.AdminPubkeys,
		RootPubkey:   cfg.Bot.RootPubkey,
	}, store, session, comp, followers, m, logger)

	b := bot.New(bot.Config{
		RootPubkey:    cfg.Bot.RootPubkey,
		PollInterval:  cfg.Relay.PollInterval,
		RecencyWindow: cfg.Bot.RecencyWindow,
	}, bot.Deps{
		Session:   session,
		Storage:   store,
		Commands:  interpreter,
		Filter:    filter,
		Followers: followers,
		Scheduler: scheduler.New(cfg.MinReplyInterval(), cfg.Bot.ReactionPercent, nil),
		Generator: gen,
		Composer:  comp,
		Metrics:   m,
	}, logger)

	root, err := cfg.RootPersona()
	if err != nil {
		return err
	}
	if err := b.Bootstrap(ctx, root); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(ctx)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return m.Serve(ctx, cfg.Metrics.Listen, logger)
		})
	}
	return g.Wait()
}

func openStorage(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		logger.Info("Using SQLite storage", zap.String("path", cfg.Path))
		return storage.NewSQLiteStorage(ctx, cfg.Path, logger)
	case "postgres", "":
		logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Host), zap.String("dbname", cfg.DBName))
		return storage.NewPostgresStorage(ctx, storage.DatabaseConfig{
			Driver:   cfg.Driver,
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
			Path:     cfg.Path,
		}, logger)
	default:
		return nil, errors.New("unknown database driver: " + cfg.Driver)
	}
}
