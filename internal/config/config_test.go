package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{SkipDotEnv: true})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, DriverSQLite, cfg.DB.Driver)
	assert.Equal(t, "./data/jingjin.db", cfg.DB.Path)
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "https://api.deepseek.com", cfg.LLM.BaseURL)
	assert.Equal(t, "deepseek-chat", cfg.LLM.Model)
	assert.InDelta(t, 0.7, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, 2000, cfg.LLM.MaxTokens)
	assert.Equal(t, 30, cfg.HistoryWindow)
	assert.Equal(t, 15*time.Second, cfg.FinalizeTimeout)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerWindow)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, int64(1<<20), cfg.SSE.MaxRequestBodySize)
	assert.Equal(t, 1000, cfg.ConversationLog.QueueSize)
	assert.Equal(t, 720*time.Hour, cfg.Archive.After)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_PATH", "/tmp/j.db")
	t.Setenv("DEEPSEEK_API_KEY", "sk-env")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("FRONTEND_URL", "https://jingjin.example")

	cfg, err := Load(Options{SkipDotEnv: true})
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "/tmp/j.db", cfg.DB.Path)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jingjin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
history_window: 12
llm:
  model: deepseek-reasoner
conversation_log:
  enabled: false
`), 0o600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("port", "8080", "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	cfg, err := Load(Options{ConfigFile: path, Flags: flags, SkipDotEnv: true})
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Port, "unset flag must not override the file")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 12, cfg.HistoryWindow)
	assert.Equal(t, "deepseek-reasoner", cfg.LLM.Model)
	assert.False(t, cfg.ConversationLog.Enabled)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(Options{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml"), SkipDotEnv: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestValidate(t *testing.T) {
	base, err := Load(Options{SkipDotEnv: true})
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT cannot be empty"},
		{"unknown driver", func(c *Config) { c.DB.Driver = "mysql" }, "DB_DRIVER must be"},
		{"postgres without url", func(c *Config) { c.DB.Driver = DriverPostgres }, "DB_URL is required"},
		{"gateway without address", func(c *Config) { c.LLM.Provider = ProviderGateway }, "LLM_GATEWAY_ADDR is required"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "claude" }, "LLM_PROVIDER must be"},
		{"zero history", func(c *Config) { c.HistoryWindow = 0 }, "HISTORY_WINDOW"},
		{"zero rate window", func(c *Config) { c.RateLimit.Window = 0 }, "RATE_LIMIT"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "LOG_FORMAT"},
		{"zero queue", func(c *Config) { c.ConversationLog.QueueSize = 0 }, "CONVERSATION_LOG_QUEUE_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
