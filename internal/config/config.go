// Package config loads runtime settings from an optional YAML file with
// PEDIATRIC_* environment overrides.
package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

const EnvPrefix = "PEDIATRIC"

type Config struct {
	Storage      Storage      `mapstructure:"storage" yaml:"storage"`
	OpenAI       OpenAI       `mapstructure:"openai" yaml:"openai"`
	Triage       Triage       `mapstructure:"triage" yaml:"triage"`
	Retrieval    Retrieval    `mapstructure:"retrieval" yaml:"retrieval"`
	Queue        Queue        `mapstructure:"queue" yaml:"queue"`
	Conversation Conversation `mapstructure:"conversation" yaml:"conversation"`
	Log          Log          `mapstructure:"log" yaml:"log"`
	HTTP         HTTP         `mapstructure:"http" yaml:"http"`
}

type Storage struct {
	// dynamodb in Lambda, sqlite for local runs
	Backend    string `mapstructure:"backend" yaml:"backend" validate:"oneof=dynamodb sqlite"`
	Table      string `mapstructure:"table" yaml:"table" validate:"required_if=Backend dynamodb"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
}

type OpenAI struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	ChatModel      string `mapstructure:"chat_model" yaml:"chat_model" validate:"required"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model" validate:"required"`
	ParamPrefix    string `mapstructure:"param_prefix" yaml:"param_prefix" validate:"required,startswith=/"`
	// APIKey short-circuits the SSM lookup. Local runs only.
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	ExtractTimeout  time.Duration `mapstructure:"extract_timeout" yaml:"extract_timeout" validate:"gt=0"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown" validate:"gt=0"`
}

type Triage struct {
	// RulesPath empty means the embedded rule set.
	RulesPath string `mapstructure:"rules_path" yaml:"rules_path"`
	Watch     bool   `mapstructure:"watch" yaml:"watch"`
}

type Retrieval struct {
	// CorpusPath empty means the embedded corpus.
	CorpusPath string `mapstructure:"corpus_path" yaml:"corpus_path"`
	Embeddings bool   `mapstructure:"embeddings" yaml:"embeddings"`
	CacheSize  int    `mapstructure:"cache_size" yaml:"cache_size" validate:"min=1"`
}

type Queue struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff" validate:"gt=0"`
}

type Conversation struct {
	MaxMessageLength int `mapstructure:"max_message_length" yaml:"max_message_length" validate:"min=1"`
	CacheSize        int `mapstructure:"cache_size" yaml:"cache_size" validate:"min=1"`
}

type Log struct {
	Format   string      `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
	Level    string      `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Telegram TelegramLog `mapstructure:"telegram" yaml:"telegram"`
}

type TelegramLog struct {
	// Chat bot token, obtain it via BotFather
	Token  string `mapstructure:"token" yaml:"token"`
	ChatID string `mapstructure:"chat_id" yaml:"chat_id" validate:"required_with=Token"`
}

type HTTP struct {
	Addr string `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
}

// Default returns the settings used when neither file nor environment says
// otherwise.
func Default() Config {
	return Config{
		Storage: Storage{Backend: "sqlite", SQLitePath: "pediatric.db"},
		OpenAI: OpenAI{
			ChatModel:       "gpt-4o-mini",
			EmbeddingModel:  "text-embedding-3-small",
			ParamPrefix:     "/pediatric-assistant",
			ExtractTimeout:  8 * time.Second,
			BreakerCooldown: 30 * time.Second,
		},
		Retrieval:    Retrieval{Embeddings: true, CacheSize: 512},
		Queue:        Queue{Interval: 2 * time.Second, MaxAttempts: 3, Backoff: 5 * time.Second},
		Conversation: Conversation{MaxMessageLength: 1000, CacheSize: 1024},
		Log:          Log{Format: "console", Level: "info"},
		HTTP:         HTTP{Addr: "127.0.0.1:8080"},
	}
}

// Load reads path (skipped when empty), applies PEDIATRIC_* overrides such as
// PEDIATRIC_STORAGE_BACKEND and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, oops.In("config").With("path", path).Wrapf(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, oops.In("config").With("path", path).Wrapf(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, oops.In("config").With("path", path).Wrap(err)
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return oops.With("field", verrs[0].Namespace()).Errorf("failed to validate config: %w", err)
		}
		return oops.Errorf("failed to validate config: %w", err)
	}
	return nil
}

// SlogLevel maps the configured level name.
func (l Log) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// setDefaults registers every key so that environment overrides reach
// Unmarshal even when no file mentions them.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.table", d.Storage.Table)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)

	v.SetDefault("openai.base_url", d.OpenAI.BaseURL)
	v.SetDefault("openai.chat_model", d.OpenAI.ChatModel)
	v.SetDefault("openai.embedding_model", d.OpenAI.EmbeddingModel)
	v.SetDefault("openai.param_prefix", d.OpenAI.ParamPrefix)
	v.SetDefault("openai.api_key", d.OpenAI.APIKey)
	v.SetDefault("openai.extract_timeout", d.OpenAI.ExtractTimeout)
	v.SetDefault("openai.breaker_cooldown", d.OpenAI.BreakerCooldown)

	v.SetDefault("triage.rules_path", d.Triage.RulesPath)
	v.SetDefault("triage.watch", d.Triage.Watch)

	v.SetDefault("retrieval.corpus_path", d.Retrieval.CorpusPath)
	v.SetDefault("retrieval.embeddings", d.Retrieval.Embeddings)
	v.SetDefault("retrieval.cache_size", d.Retrieval.CacheSize)

	v.SetDefault("queue.interval", d.Queue.Interval)
	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("queue.backoff", d.Queue.Backoff)

	v.SetDefault("conversation.max_message_length", d.Conversation.MaxMessageLength)
	v.SetDefault("conversation.cache_size", d.Conversation.CacheSize)

	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.telegram.token", d.Log.Telegram.Token)
	v.SetDefault("log.telegram.chat_id", d.Log.Telegram.ChatID)

	v.SetDefault("http.addr", d.HTTP.Addr)
}
