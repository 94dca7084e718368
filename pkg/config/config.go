package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/viper"
	"github.com/xaenox/nostrchan/internal/models"
	"github.com/xaenox/nostrchan/internal/relay"
)

type Config struct {
	Relay    RelayConfig    `mapstructure:"relay"`
	Bot      BotConfig      `mapstructure:"bot"`
	Follower FollowerConfig `mapstructure:"follower"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Database DatabaseConfig `mapstructure:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

type RelayConfig struct {
	Servers          []string      `mapstructure:"servers"`
	SubscriptionID   string        `mapstructure:"subscription_id"`
	Lookback         time.Duration `mapstructure:"lookback"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SilenceThreshold int           `mapstructure:"silence_threshold"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
	// BufferSize bounds the events held between polls; overflow is dropped.
	BufferSize int `mapstructure:"buffer_size"`
}

type BotConfig struct {
	SecretKey        string   `mapstructure:"secret_key"`
	RootPubkey       string   `mapstructure:"root_pubkey"`
	AdminPubkeys     []string `mapstructure:"admin_pubkeys"`
	Blacklist        []string `mapstructure:"blacklist"`
	Language         string   `mapstructure:"language"`
	MinContentLength int      `mapstructure:"min_content_length"`
	MaxContentLength int      `mapstructure:"max_content_length"`
	// ReactionFreq is the minimum number of seconds between replies.
	ReactionFreq    int     `mapstructure:"reaction_freq"`
	ReactionPercent float64 `mapstructure:"reaction_percent"`
	RecencyWindow   int     `mapstructure:"recency_window"`

	Prompt      string `mapstructure:"prompt"`
	Name        string `mapstructure:"name"`
	DisplayName string `mapstructure:"display_name"`
	Picture     string `mapstructure:"picture"`
	About       string `mapstructure:"about"`
}

type FollowerConfig struct {
	Retries     int           `mapstructure:"retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type OpenAIConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	AnswerLength int           `mapstructure:"answer_length"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.subscription_id", "nostr-chan")
	v.SetDefault("relay.lookback", 20*time.Minute)
	v.SetDefault("relay.poll_interval", time.Second)
	v.SetDefault("relay.silence_threshold", 300)
	v.SetDefault("relay.settle_delay", 2*time.Second)
	v.SetDefault("relay.publish_timeout", 10*time.Second)
	v.SetDefault("relay.buffer_size", 4096)

	v.SetDefault("bot.language", "ja")
	v.SetDefault("bot.min_content_length", 10)
	v.SetDefault("bot.max_content_length", 140)
	v.SetDefault("bot.reaction_freq", 600)
	v.SetDefault("bot.reaction_percent", 5)
	v.SetDefault("bot.recency_window", 1024)

	v.SetDefault("follower.retries", 10)
	v.SetDefault("follower.retry_delay", time.Second)
	v.SetDefault("follower.settle_delay", 1250*time.Millisecond)
	v.SetDefault("follower.cache_ttl", 0)

	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 150)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.answer_length", 50)
	v.SetDefault("openai.timeout", 30*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "nostrchan.db")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		dbConfig.Path = config.Database.Path
		config.Database = dbConfig
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if secretKey := v.GetString("BOT_SECRETKEY"); secretKey != "" {
		config.Bot.SecretKey = secretKey
	}

	if err := config.normalize(); err != nil {
		return nil, err
	}
	return &config, nil
}

// normalize converts every key to lowercase hex and fills in the root
// pubkey from the secret key.
func (c *Config) normalize() error {
	if len(c.Relay.Servers) == 0 {
		return relay.ErrNoRelays
	}

	if c.Bot.SecretKey != "" {
		sk, err := relay.SecretKeyHex(c.Bot.SecretKey)
		if err != nil {
			return fmt.Errorf("invalid bot.secret_key: %w", err)
		}
		c.Bot.SecretKey = sk
	}

	switch {
	case c.Bot.RootPubkey != "":
		pk, err := relay.PubKeyHex(c.Bot.RootPubkey)
		if err != nil {
			return fmt.Errorf("invalid bot.root_pubkey: %w", err)
		}
		c.Bot.RootPubkey = pk
	case c.Bot.SecretKey != "":
		pk, err := nostr.GetPublicKey(c.Bot.SecretKey)
		if err != nil {
			return fmt.Errorf("failed to derive root pubkey: %w", err)
		}
		c.Bot.RootPubkey = pk
	default:
		return errors.New("either bot.secret_key or bot.root_pubkey must be set")
	}

	var err error
	if c.Bot.AdminPubkeys, err = normalizeKeys(c.Bot.AdminPubkeys); err != nil {
		return fmt.Errorf("invalid bot.admin_pubkeys: %w", err)
	}
	if c.Bot.Blacklist, err = normalizeKeys(c.Bot.Blacklist); err != nil {
		return fmt.Errorf("invalid bot.blacklist: %w", err)
	}
	return nil
}

func normalizeKeys(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		pk, err := relay.PubKeyHex(k)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// RootPersona builds the persona stored on first start. It is nil when no
// secret key is configured.
func (c *Config) RootPersona() (*models.Persona, error) {
	if c.Bot.SecretKey == "" {
		return nil, nil
	}
	pk, err := nostr.GetPublicKey(c.Bot.SecretKey)
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(models.Profile{
		Name:        c.Bot.Name,
		DisplayName: c.Bot.DisplayName,
		Picture:     c.Bot.Picture,
		About:       c.Bot.About,
	})
	if err != nil {
		return nil, err
	}
	return &models.Persona{
		Status:    models.StatusEnabled,
		Prompt:    c.Bot.Prompt,
		PubKey:    pk,
		SecretKey: c.Bot.SecretKey,
		Content:   string(content),
	}, nil
}

// MinReplyInterval is ReactionFreq as a duration.
func (c *Config) MinReplyInterval() time.Duration {
	return time.Duration(c.Bot.ReactionFreq) * time.Second
}
