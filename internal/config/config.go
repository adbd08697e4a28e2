package config

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// App holds core runtime configuration shared across services.
type App struct {
	Name                    string        `env:"APP_NAME" envDefault:"arena-core"`
	Env                     string        `env:"APP_ENV" envDefault:"development"`
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_SECONDS" envDefault:"20s"`

	Storage     Storage
	Postgres    Postgres
	Redis       Redis
	Security    Security
	Fairness    Fairness
	Rounds      Rounds
	AntiCheat   AntiCheat
	Matchmaking Matchmaking
	Wallet      Wallet
}

// Storage selects the durable backend for rounds and anti-cheat logs.
type Storage struct {
	Driver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
}

// Postgres captures connection info for the SQL database.
type Postgres struct {
	Host     string `env:"PG_HOST" envDefault:"localhost"`
	Port     int    `env:"PG_PORT" envDefault:"5432"`
	User     string `env:"PG_USER" envDefault:"arena"`
	Password string `env:"PG_PASSWORD" envDefault:""`
	Database string `env:"PG_DATABASE" envDefault:"arena"`
	SSLMode  string `env:"PG_SSL_MODE" envDefault:"disable"`
	MaxConns int    `env:"PG_MAX_CONNS" envDefault:"10"`
}

// DSN renders a pgx connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode, p.MaxConns)
}

// Redis holds cache, lock and pub/sub configuration.
type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

// Security stores secrets for verifying identity-service tokens.
type Security struct {
	JWTSecret string `env:"JWT_SECRET,notEmpty"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"identity"`
}

// Fairness configures seed commitment storage.
type Fairness struct {
	SeedTTL time.Duration `env:"FAIRNESS_SEED_TTL" envDefault:"720h"`
}

// Rounds governs the round lifecycle envelope.
type Rounds struct {
	GamesConfigPath string        `env:"GAMES_CONFIG_PATH" envDefault:"configs/games.json"`
	AIWinRateMin    float64       `env:"AI_WIN_RATE_MIN" envDefault:"35"`
	AIWinRateMax    float64       `env:"AI_WIN_RATE_MAX" envDefault:"55"`
	LockTTL         time.Duration `env:"ROUND_LOCK_TTL" envDefault:"30s"`
	TickInterval    time.Duration `env:"ROUND_TICK_INTERVAL" envDefault:"1s"`
	PayoutTimeout   time.Duration `env:"ROUND_PAYOUT_TIMEOUT" envDefault:"10s"`
	PayoutRetry     time.Duration `env:"ROUND_PAYOUT_RETRY_INTERVAL" envDefault:"30s"`
}

// AntiCheat holds ingestion and escalation policy knobs.
type AntiCheat struct {
	Workers             int           `env:"ANTICHEAT_WORKERS" envDefault:"4"`
	QueueSize           int           `env:"ANTICHEAT_QUEUE_SIZE" envDefault:"4096"`
	SamplesPerSecond    float64       `env:"ANTICHEAT_SAMPLES_PER_SECOND" envDefault:"20"`
	SampleBurst         int           `env:"ANTICHEAT_SAMPLE_BURST" envDefault:"40"`
	EscalationThreshold int           `env:"ANTICHEAT_ESCALATION_THRESHOLD" envDefault:"3"`
	EscalationWindow    time.Duration `env:"ANTICHEAT_ESCALATION_WINDOW" envDefault:"24h"`
	TemporaryBan        time.Duration `env:"ANTICHEAT_TEMPORARY_BAN" envDefault:"72h"`
	SessionIdle         time.Duration `env:"ANTICHEAT_SESSION_IDLE" envDefault:"30m"`
	ReplayBacklog       int           `env:"ANTICHEAT_REPLAY_BACKLOG" envDefault:"4096"`
	ReplayWait          time.Duration `env:"ANTICHEAT_REPLAY_WAIT" envDefault:"15m"`
	ReplayRecheck       time.Duration `env:"ANTICHEAT_REPLAY_RECHECK_INTERVAL" envDefault:"5s"`
}

// Matchmaking configures queue sizing, expiry and sweep cadence.
type Matchmaking struct {
	MinPlayers        int           `env:"MM_MIN_PLAYERS" envDefault:"2"`
	MaxPlayers        int           `env:"MM_MAX_PLAYERS" envDefault:"2"`
	QueueCapacity     int           `env:"MM_QUEUE_CAPACITY" envDefault:"500"`
	EntryTTL          time.Duration `env:"MM_ENTRY_TTL" envDefault:"5m"`
	IdleTeardown      time.Duration `env:"MM_IDLE_TEARDOWN" envDefault:"10m"`
	SweepInterval     time.Duration `env:"MM_SWEEP_INTERVAL" envDefault:"3s"`
	BaseMMRTolerance  int           `env:"MM_BASE_MMR_TOLERANCE" envDefault:"100"`
	MMRWidenPerSecond float64       `env:"MM_MMR_WIDEN_PER_SECOND" envDefault:"5"`
	MaxMMRTolerance   int           `env:"MM_MAX_MMR_TOLERANCE" envDefault:"600"`
	DefaultWait       time.Duration `env:"MM_DEFAULT_WAIT" envDefault:"20s"`
}

// Wallet points at the external ledger service.
type Wallet struct {
	BaseURL     string        `env:"WALLET_BASE_URL" envDefault:"http://localhost:9090"`
	APIKey      string        `env:"WALLET_API_KEY"`
	HTTPTimeout time.Duration `env:"WALLET_HTTP_TIMEOUT" envDefault:"5s"`
}

// Load parses environment variables into App config.
func Load(ctx context.Context) (*App, error) {
	cfg := &App{}
	if err := env.ParseWithOptions(cfg, env.Options{RequiredIfNoDef: false}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Rounds.AIWinRateMin > cfg.Rounds.AIWinRateMax {
		return nil, fmt.Errorf("AI_WIN_RATE_MIN %.2f exceeds AI_WIN_RATE_MAX %.2f", cfg.Rounds.AIWinRateMin, cfg.Rounds.AIWinRateMax)
	}
	if cfg.Matchmaking.MinPlayers <= 0 || cfg.Matchmaking.MinPlayers > cfg.Matchmaking.MaxPlayers {
		return nil, fmt.Errorf("invalid matchmaking group size [%d, %d]", cfg.Matchmaking.MinPlayers, cfg.Matchmaking.MaxPlayers)
	}
	return cfg, nil
}
