package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcdev12/symbolduel/go/internal/round"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "symbolduel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, RelayNATS, cfg.Relay)
	assert.Equal(t, 120*time.Second, cfg.Session.RoundLength)
	assert.Equal(t, 2, cfg.Session.Matchmaking.MaxPlayers)
	assert.Equal(t, []string{"Player1", "Player2"}, cfg.Session.Matchmaking.ScoreKeys)
	assert.Equal(t, round.StreakBonusOnce, cfg.Session.Round.Scoring.StreakPolicy)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
log_level: debug
relay: memory
session:
  round_length: 30s
  auto_restart: true
  round:
    beat: 500ms
    scoring:
      streak_policy: repeat
      match_points: 500
nats:
  url: nats://relay:4222
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RelayMemory, cfg.Relay)
	assert.Equal(t, 30*time.Second, cfg.Session.RoundLength)
	assert.True(t, cfg.Session.AutoRestart)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.Round.Beat)
	assert.Equal(t, round.StreakBonusRepeat, cfg.Session.Round.Scoring.StreakPolicy)
	assert.Equal(t, 500, cfg.Session.Round.Scoring.MatchPoints)
	assert.Equal(t, 2000, cfg.Session.Round.Scoring.MismatchPenalty, "unset keys keep their defaults")
	assert.Equal(t, "nats://relay:4222", cfg.NATS.URL)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "relay: memory\nsession:\n  round_length: 30s\n")
	t.Setenv("RELAY", "NATS")
	t.Setenv("ROUND_LENGTH", "45s")
	t.Setenv("ROUND_STREAK_POLICY", "reset")
	t.Setenv("DB_ENABLED", "true")
	t.Setenv("DB_HOST", "db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RelayNATS, cfg.Relay)
	assert.Equal(t, 45*time.Second, cfg.Session.RoundLength)
	assert.Equal(t, round.StreakBonusReset, cfg.Session.Round.Scoring.StreakPolicy)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "db", cfg.Database.Host)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "relay", body: "relay: carrier-pigeon\n"},
		{name: "log level", body: "log_level: loud\n"},
		{name: "round length", body: "session:\n  round_length: 0s\n"},
		{name: "resolve grace", body: "session:\n  resolve_grace: -1s\n"},
		{name: "policy", body: "session:\n  round:\n    scoring:\n      streak_policy: sometimes\n"},
		{name: "players", body: "session:\n  matchmaking:\n    max_players: 1\n"},
		{name: "outbox without database", body: "outbox:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
