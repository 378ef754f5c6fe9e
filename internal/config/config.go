// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Port            string                `mapstructure:"port"`
	FrontendURL     string                `mapstructure:"frontend_url"`
	AllowedOrigins  []string              `mapstructure:"allowed_origins"`
	DB              DBConfig              `mapstructure:"db"`
	LLM             LLMConfig             `mapstructure:"llm"`
	HistoryWindow   int                   `mapstructure:"history_window"`
	FinalizeTimeout time.Duration         `mapstructure:"finalize_timeout"`
	PhasesFile      string                `mapstructure:"phases_file"`
	RateLimit       RateLimitConfig       `mapstructure:"rate_limit"`
	SSE             SSEConfig             `mapstructure:"sse"`
	ConversationLog ConversationLogConfig `mapstructure:"conversation_log"`
	Log             LogConfig             `mapstructure:"log"`
	Archive         ArchiveConfig         `mapstructure:"archive"`
}

// DBConfig selects and locates the database.
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

// LLMConfig configures the model token source.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	GatewayAddr string        `mapstructure:"gateway_addr"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig controls per-student turn throttling.
type RateLimitConfig struct {
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
}

// SSEConfig controls Server-Sent Events behavior.
type SSEConfig struct {
	KeepaliveInterval  time.Duration `mapstructure:"keepalive_interval"`
	MaxRequestBodySize int64         `mapstructure:"max_request_body_size"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Dir           string `mapstructure:"dir"`
	GlobalEnabled bool   `mapstructure:"global_enabled"`
	GlobalPath    string `mapstructure:"global_path"`
	QueueSize     int    `mapstructure:"queue_size"`
	MaxSizeMB     int    `mapstructure:"max_size_mb"`
	MaxBackups    int    `mapstructure:"max_backups"`
}

// LogConfig controls operational logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ArchiveConfig controls archiving of idle conversations.
type ArchiveConfig struct {
	After    time.Duration `mapstructure:"after"`
	Interval time.Duration `mapstructure:"interval"`
}

// Supported backends.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ProviderOpenAI  = "openai"
	ProviderGateway = "gateway"
)

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"port":        "port",
	"db-driver":   "db.driver",
	"db-path":     "db.path",
	"db-url":      "db.url",
	"phases-file": "phases_file",
	"log-level":   "log.level",
	"log-format":  "log.format",
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for environment overrides to apply when unmarshalling.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("frontend_url", "")
	v.SetDefault("allowed_origins", []string{"*"})

	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.path", "./data/jingjin.db")
	v.SetDefault("db.url", "")

	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.base_url", "https://api.deepseek.com")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "deepseek-chat")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.gateway_addr", "")
	v.SetDefault("llm.timeout", 120*time.Second)

	v.SetDefault("history_window", 30)
	v.SetDefault("finalize_timeout", 15*time.Second)
	v.SetDefault("phases_file", "")

	v.SetDefault("rate_limit.requests_per_window", 10)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("sse.keepalive_interval", 10*time.Second)
	v.SetDefault("sse.max_request_body_size", 1<<20)
	v.SetDefault("sse.retry_delay", 5*time.Second)

	v.SetDefault("conversation_log.enabled", true)
	v.SetDefault("conversation_log.dir", "./data/logs/conversations")
	v.SetDefault("conversation_log.global_enabled", false)
	v.SetDefault("conversation_log.global_path", "./data/logs/conversations/all.ndjson")
	v.SetDefault("conversation_log.queue_size", 1000)
	v.SetDefault("conversation_log.max_size_mb", 100)
	v.SetDefault("conversation_log.max_backups", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	v.SetDefault("archive.after", 720*time.Hour)
	v.SetDefault("archive.interval", time.Hour)
}

// Options locates the optional config file and flags layered over it.
type Options struct {
	ConfigFile string
	Flags      *pflag.FlagSet
	// SkipDotEnv leaves the process environment untouched.
	SkipDotEnv bool
}

// Load reads configuration from .env, an optional config file, environment
// variables, and flags, in increasing precedence.
func Load(opts Options) (*Config, error) {
	if !opts.SkipDotEnv {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "LLM_API_KEY", "DEEPSEEK_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key env: %w", err)
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // One flat list of checks reads better than helpers.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DB.Driver {
	case DriverSQLite:
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case DriverPostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("DB_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DB.Driver)
	}
	switch c.LLM.Provider {
	case ProviderOpenAI:
		if c.LLM.Model == "" {
			return fmt.Errorf("LLM_MODEL cannot be empty")
		}
	case ProviderGateway:
		if c.LLM.GatewayAddr == "" {
			return fmt.Errorf("LLM_GATEWAY_ADDR is required for the gateway provider")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderGateway, c.LLM.Provider)
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be > 0")
	}
	if c.FinalizeTimeout <= 0 {
		return fmt.Errorf("FINALIZE_TIMEOUT must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS_PER_WINDOW and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if !slices.Contains([]string{"json", "text"}, strings.ToLower(c.Log.Format)) {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if c.Archive.After <= 0 || c.Archive.Interval <= 0 {
		return fmt.Errorf("ARCHIVE_AFTER and ARCHIVE_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}
