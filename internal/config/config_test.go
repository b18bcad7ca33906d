package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  path: /tmp/router.db
escalation:
  reminder_threshold: 2h
  escalation_threshold: 6h
  sweep_interval: 0s
notify:
  channels: [log, slack]
  slack:
    webhook_url: https://hooks.example.com/x
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/router.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Hour, cfg.Escalation.ReminderThreshold)
	assert.Equal(t, 6*time.Hour, cfg.Escalation.EscalationThreshold)
	assert.Zero(t, cfg.Escalation.SweepInterval)
	assert.Equal(t, []string{"log", "slack"}, cfg.Notify.Channels)
	assert.Equal(t, "https://hooks.example.com/x", cfg.Notify.Slack.WebhookURL)

	// Незаданные ключи берутся из значений по умолчанию
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Routing.StoreTimeout)
	assert.Equal(t, uint(3), cfg.Notify.Attempts)
	assert.Equal(t, int32(25), cfg.Database.MaxConns)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: postgres\n  host: db.internal\n")
	t.Setenv("DB_HOST", "override.internal")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SWEEP_INTERVAL", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "override.internal", cfg.Database.Host)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, time.Minute, cfg.Escalation.SweepInterval)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unknown driver",
			content: "database:\n  driver: mysql\n",
		},
		{
			name:    "escalation before reminder",
			content: "escalation:\n  reminder_threshold: 6h\n  escalation_threshold: 2h\n",
		},
		{
			name:    "reminder below minimum interval",
			content: "escalation:\n  reminder_threshold: 30s\n  escalation_threshold: 2h\n",
		},
		{
			name:    "thresholds closer than minimum interval",
			content: "escalation:\n  reminder_threshold: 1h\n  escalation_threshold: 1h30s\n",
		},
		{
			name:    "unknown channel",
			content: "notify:\n  channels: [pager]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestGetDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "localhost", Port: "5432", User: "u", Password: "p", Name: "pr_router", SSLMode: "disable"}
	assert.Equal(t, "host=localhost port=5432 user=u password=p dbname=pr_router sslmode=disable", cfg.GetDSN())
}
