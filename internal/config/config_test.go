package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), *cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
storage:
  backend: dynamodb
  table: pediatric-state
queue:
  interval: 500ms
  max_attempts: 5
log:
  format: json
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "dynamodb", cfg.Storage.Backend)
	require.Equal(t, "pediatric-state", cfg.Storage.Table)
	require.Equal(t, 500*time.Millisecond, cfg.Queue.Interval)
	require.Equal(t, 5, cfg.Queue.MaxAttempts)
	require.Equal(t, 5*time.Second, cfg.Queue.Backoff)
	require.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	require.Equal(t, "gpt-4o-mini", cfg.OpenAI.ChatModel)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeFile(t, "http:\n  addr: 127.0.0.1:9000\n")
	t.Setenv("PEDIATRIC_HTTP_ADDR", "0.0.0.0:7000")
	t.Setenv("PEDIATRIC_OPENAI_API_KEY", "sk-local")
	t.Setenv("PEDIATRIC_RETRIEVAL_EMBEDDINGS", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:7000", cfg.HTTP.Addr)
	require.Equal(t, "sk-local", cfg.OpenAI.APIKey)
	require.False(t, cfg.Retrieval.Embeddings)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown backend", body: "storage:\n  backend: postgres\n", want: "Backend"},
		{name: "dynamodb without table", body: "storage:\n  backend: dynamodb\n", want: "Table"},
		{name: "bad log format", body: "log:\n  format: xml\n", want: "Format"},
		{name: "zero attempts", body: "queue:\n  max_attempts: 0\n", want: "MaxAttempts"},
		{name: "telegram without chat", body: "log:\n  telegram:\n    token: abc\n", want: "ChatID"},
		{name: "relative param prefix", body: "openai:\n  param_prefix: pediatric\n", want: "ParamPrefix"},
		{name: "broken yaml", body: "storage: [", want: "read config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestSlogLevel_UnknownFallsBackToInfo(t *testing.T) {
	require.Equal(t, slog.LevelInfo, Log{Level: "verbose"}.SlogLevel())
	require.Equal(t, slog.LevelWarn, Log{Level: "warn"}.SlogLevel())
}
