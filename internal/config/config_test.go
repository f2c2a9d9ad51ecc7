package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-service/internal/config"
)

const sampleConfig = `
database:
  user: settlement
  password: secret
  name: settlement
  host: db.internal
  port: "5433"
settlement:
  holding-window: 240h
  auto-release:
    enabled: false
  payout-interval: 15m
payment:
  platform-fee-rate: "0.15"
transfer:
  url: http://provider.internal
  timeout-ms: 3000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "5433", cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 240*time.Hour, cfg.Settlement.HoldingWindow)
	assert.False(t, cfg.Settlement.AutoRelease.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Settlement.PayoutInterval)
	assert.Equal(t, time.Minute, cfg.Settlement.ReleaseInterval)
	assert.Equal(t, 100, cfg.Settlement.FetchSize)
	assert.Equal(t, "0.15", cfg.Payment.FeeRate().String())
	assert.Equal(t, 3000, cfg.Transfer.TimeoutMs)
	assert.Equal(t, "booking-events", cfg.Kafka.Topic.BookingEvents)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, "database:\n  name: settlement\n"))
	require.NoError(t, err)

	assert.Equal(t, 14*24*time.Hour, cfg.Settlement.HoldingWindow)
	assert.True(t, cfg.Settlement.AutoRelease.Enabled)
	assert.Equal(t, 72*time.Hour, cfg.Settlement.AutoRelease.Window)
	assert.Equal(t, 30*time.Minute, cfg.Settlement.StaleProcessingAfter)
	assert.Equal(t, "USD", cfg.Payment.DefaultCurrency)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("SETTLEMENT_HOLDING_WINDOW", "48h")
	t.Setenv("DATABASE_HOST", "env-host")

	cfg, err := config.LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, cfg.Settlement.HoldingWindow)
	assert.Equal(t, "env-host", cfg.Database.Host)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing database name", content: "database:\n  host: x\n"},
		{name: "bad fee rate", content: "database:\n  name: s\npayment:\n  platform-fee-rate: lots\n"},
		{name: "fee rate of one", content: "database:\n  name: s\npayment:\n  platform-fee-rate: \"1\"\n"},
		{name: "zero fetch size", content: "database:\n  name: s\nsettlement:\n  fetch-size: 0\n"},
		{name: "zero transfer timeout", content: "database:\n  name: s\ntransfer:\n  timeout-ms: 0\n"},
		{
			name:    "transfer timeout outlasts stale reclaim",
			content: "database:\n  name: s\nsettlement:\n  stale-processing-after: 1m\ntransfer:\n  timeout-ms: 60000\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
