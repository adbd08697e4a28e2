package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/gokatarajesh/arena-core/internal/anticheat"
	"github.com/gokatarajesh/arena-core/internal/auth/jwt"
	"github.com/gokatarajesh/arena-core/internal/config"
	"github.com/gokatarajesh/arena-core/internal/db/repository"
	"github.com/gokatarajesh/arena-core/internal/events"
	"github.com/gokatarajesh/arena-core/internal/fairness"
	"github.com/gokatarajesh/arena-core/internal/logging"
	"github.com/gokatarajesh/arena-core/internal/matchmaking"
	"github.com/gokatarajesh/arena-core/internal/metrics"
	"github.com/gokatarajesh/arena-core/internal/round"
	"github.com/gokatarajesh/arena-core/internal/scheduler"
	"github.com/gokatarajesh/arena-core/internal/server"
	"github.com/gokatarajesh/arena-core/internal/wallet"
	ws "github.com/gokatarajesh/arena-core/pkg/http/ws"
)

// StorageMemory keeps every store in-process; for local play and demos only.
const StorageMemory = "memory"

// memoryOpeningBalance funds each player of the in-process wallet.
const memoryOpeningBalance = 100_000

// Application aggregates shared infrastructure and the lifecycle workers.
type Application struct {
	cfg    *config.App
	logger zerolog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client
	http  *http.Server

	rounds      *round.Manager
	queues      *matchmaking.Manager
	monitor     *anticheat.Monitor
	scheduler   *scheduler.Scheduler
	broadcaster *events.Broadcaster
	bgCancels   []context.CancelFunc
}

// backends are the storage-dependent pieces chosen by the storage driver.
type backends struct {
	rounds    round.Store
	logs      anticheat.LogStore
	seeds     fairness.SeedStore
	locker    round.Locker
	history   anticheat.HistoryStore
	blocklist anticheat.Blocklist
	queue     matchmaking.QueueStore
	ledger    round.Ledger
}

// New bootstraps config, logger, storage, the round engine, anti-cheat, matchmaking and HTTP.
func New(ctx context.Context, cfg *config.App) (*Application, error) {
	logger := logging.New(cfg.Name, cfg.Env)
	logger.Info().Str("storage", cfg.Storage.Driver).Msg("starting application bootstrap")

	catalog, err := round.LoadCatalog(cfg.Rounds.GamesConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load games: %w", err)
	}

	a := &Application{cfg: cfg, logger: logger, bgCancels: make([]context.CancelFunc, 0, 4)}
	be, err := a.openBackends(ctx)
	if err != nil {
		return nil, err
	}

	collector := metrics.New("arena")
	hub := ws.NewHub(logger)

	a.broadcaster = events.NewBroadcaster(a.redis, hub, events.DefaultChannel, logger)
	var publisher round.EventPublisher = events.NewLocalPublisher(a.broadcaster)
	if a.redis != nil {
		publisher = events.NewRedisPublisher(a.redis, events.DefaultChannel)
	}

	engine := fairness.NewEngine(be.seeds, logger)
	a.rounds = round.NewManager(
		catalog,
		engine,
		be.rounds,
		be.ledger,
		be.locker,
		rulesFor(catalog, logger),
		publisher,
		collector,
		round.Options{
			Band:          round.WinRateBand{Min: cfg.Rounds.AIWinRateMin, Max: cfg.Rounds.AIWinRateMax},
			LockTTL:       cfg.Rounds.LockTTL,
			PayoutTimeout: cfg.Rounds.PayoutTimeout,
		},
		logger,
	)

	policy := anticheat.DefaultPolicy()
	policy.EscalationThreshold = cfg.AntiCheat.EscalationThreshold
	policy.EscalationWindow = cfg.AntiCheat.EscalationWindow
	policy.TemporaryBan = cfg.AntiCheat.TemporaryBan
	a.monitor = anticheat.NewMonitor(
		be.logs,
		be.history,
		be.blocklist,
		a.rounds,
		a.rounds,
		hub,
		collector,
		anticheat.Options{
			Workers:          cfg.AntiCheat.Workers,
			QueueSize:        cfg.AntiCheat.QueueSize,
			SamplesPerSecond: cfg.AntiCheat.SamplesPerSecond,
			SampleBurst:      cfg.AntiCheat.SampleBurst,
			SessionIdle:      cfg.AntiCheat.SessionIdle,
			ReplayBacklog:    cfg.AntiCheat.ReplayBacklog,
			ReplayWait:       cfg.AntiCheat.ReplayWait,
			Policy:           policy,
		},
		logger,
	)

	mmOpts := matchmaking.DefaultOptions()
	mmOpts.MinPlayers = cfg.Matchmaking.MinPlayers
	mmOpts.MaxPlayers = cfg.Matchmaking.MaxPlayers
	mmOpts.QueueCapacity = cfg.Matchmaking.QueueCapacity
	mmOpts.EntryTTL = cfg.Matchmaking.EntryTTL
	mmOpts.IdleTeardown = cfg.Matchmaking.IdleTeardown
	mmOpts.BaseMMRTolerance = cfg.Matchmaking.BaseMMRTolerance
	mmOpts.MMRWidenPerSecond = cfg.Matchmaking.MMRWidenPerSecond
	mmOpts.MaxMMRTolerance = cfg.Matchmaking.MaxMMRTolerance
	mmOpts.DefaultWait = cfg.Matchmaking.DefaultWait
	a.queues = matchmaking.NewManager(
		be.queue,
		be.blocklist,
		server.NewMatchNotifier(a.rounds, hub, logger),
		collector,
		mmOpts,
		logger,
	)
	restored, err := a.queues.Restore(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not restore matchmaking queues")
	} else if restored > 0 {
		logger.Info().Int("players", restored).Msg("matchmaking queues restored")
	}

	a.scheduler = scheduler.New(a.rounds, a.queues, a.monitor, scheduler.Intervals{
		RoundTick:     cfg.Rounds.TickInterval,
		Sweep:         cfg.Matchmaking.SweepInterval,
		PayoutRetry:   cfg.Rounds.PayoutRetry,
		ReplayRecheck: cfg.AntiCheat.ReplayRecheck,
	}, logger)

	tokens := jwt.NewManager(jwt.TokenConfig{
		Secret: []byte(cfg.Security.JWTSecret),
		Issuer: cfg.Security.JWTIssuer,
	})

	a.http = server.NewHTTPServer(cfg.HTTPAddr, server.Deps{
		Rounds:    a.rounds,
		Catalog:   catalog,
		Queues:    a.queues,
		Telemetry: a.monitor,
		Hub:       hub,
		Tokens:    tokens,
		Metrics:   collector,
		Ping:      a.ping,
	}, logger)

	return a, nil
}

func (a *Application) openBackends(ctx context.Context) (backends, error) {
	if a.cfg.Storage.Driver == StorageMemory {
		a.logger.Warn().Msg("memory storage selected; state is lost on restart")
		return backends{
			rounds:    round.NewMemoryStore(),
			logs:      anticheat.NewMemoryLogStore(),
			seeds:     fairness.NewMemorySeedStore(),
			locker:    round.NewLocalLocker(),
			history:   anticheat.NewMemoryHistoryStore(),
			blocklist: anticheat.NewMemoryBlocklist(),
			ledger:    wallet.NewMemoryLedger(memoryOpeningBalance),
		}, nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.Postgres.DSN())
	if err != nil {
		return backends{}, fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool

	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	return backends{
		rounds:    repository.NewRoundRepository(pool),
		logs:      repository.NewAntiCheatRepository(pool),
		seeds:     fairness.NewRedisSeedStore(a.redis, a.cfg.Fairness.SeedTTL),
		locker:    round.NewRedisLocker(a.redis),
		history:   anticheat.NewRedisHistoryStore(a.redis, anticheat.DefaultPolicy().HistoryRetention),
		blocklist: anticheat.NewRedisBlocklist(a.redis),
		queue:     matchmaking.NewRedisQueueStore(a.redis),
		ledger: wallet.NewClient(a.cfg.Wallet.BaseURL, a.cfg.Wallet.APIKey, &http.Client{
			Timeout: a.cfg.Wallet.HTTPTimeout,
		}),
	}, nil
}

// rulesFor registers the shipped payout rule for each game by outcome kind.
func rulesFor(catalog *round.Catalog, logger zerolog.Logger) *round.Rules {
	rules := round.NewRules()
	for _, g := range catalog.All() {
		switch g.Outcome {
		case fairness.OutcomePick:
			rules.Register(g.GameID, round.WinnerTakesPool{})
		case fairness.OutcomeCrash:
			rules.Register(g.GameID, round.CrashCashout{Target: decimal.NewFromInt(2)})
		default:
			logger.Warn().Str("game_id", g.GameID).Str("outcome", string(g.Outcome)).Msg("no payout rule shipped; settlement will block")
		}
	}
	return rules
}

func (a *Application) ping(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Run starts the HTTP server and workers and waits for termination signals.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	a.startBackgroundWorkers(ctx)

	go func() {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
		a.logger.Warn().Msg("context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracefulShutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("http shutdown error")
	}

	for _, cancel := range a.bgCancels {
		cancel()
	}

	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error().Err(err).Msg("redis shutdown error")
		}
	}

	a.logger.Info().Msg("shutdown complete")
	return nil
}

func (a *Application) startBackgroundWorkers(ctx context.Context) {
	a.background(ctx, "event broadcaster", a.broadcaster.Run)
	a.background(ctx, "anti-cheat monitor", a.monitor.Run)
	a.background(ctx, "scheduler", a.scheduler.Run)
}

func (a *Application) background(ctx context.Context, name string, run func(context.Context) error) {
	bgCtx, cancel := context.WithCancel(ctx)
	a.bgCancels = append(a.bgCancels, cancel)
	go func() {
		if err := run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Str("worker", name).Msg("background worker stopped")
		}
	}()
}
