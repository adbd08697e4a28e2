package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "arena-core", cfg.Name)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 35.0, cfg.Rounds.AIWinRateMin)
	assert.Equal(t, 55.0, cfg.Rounds.AIWinRateMax)
	assert.Equal(t, 3, cfg.AntiCheat.EscalationThreshold)
	assert.Equal(t, 24*time.Hour, cfg.AntiCheat.EscalationWindow)
	assert.Equal(t, 3*time.Second, cfg.Matchmaking.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Rounds.PayoutRetry)
	assert.Equal(t, 4096, cfg.AntiCheat.ReplayBacklog)
	assert.Equal(t, 15*time.Minute, cfg.AntiCheat.ReplayWait)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load(context.Background())
	assert.Error(t, err)
}

func TestLoadRejectsInvertedWinRateBand(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("AI_WIN_RATE_MIN", "60")
	t.Setenv("AI_WIN_RATE_MAX", "40")

	_, err := Load(context.Background())
	assert.ErrorContains(t, err, "AI_WIN_RATE_MIN")
}

func TestPostgresDSN(t *testing.T) {
	p := Postgres{Host: "db", Port: 5433, User: "u", Password: "p", Database: "arena", SSLMode: "disable", MaxConns: 4}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=arena sslmode=disable pool_max_conns=4", p.DSN())
}
