package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/arena-core/internal/matchmaking"
)

// RoundTicker drives bucketed round lifecycles.
type RoundTicker interface {
	OpenDue(ctx context.Context, now time.Time) int
	LockDue(ctx context.Context, now time.Time) (locked, settled int, err error)
	RetryPendingPayouts(ctx context.Context) (credited int, err error)
}

// QueueSweeper drives matchmaking expiry and matching.
type QueueSweeper interface {
	Sweep(ctx context.Context) matchmaking.SweepResult
	MatchAll(ctx context.Context) []matchmaking.Match
}

// ReplayRechecker re-runs replay checks parked until their round settled.
type ReplayRechecker interface {
	RecheckReplays(ctx context.Context) int
}

// Intervals for each periodic job.
type Intervals struct {
	RoundTick     time.Duration
	Sweep         time.Duration
	PayoutRetry   time.Duration
	ReplayRecheck time.Duration
}

// Scheduler runs the periodic lifecycle jobs on gocron.
type Scheduler struct {
	rounds    RoundTicker
	queues    QueueSweeper
	replays   ReplayRechecker
	intervals Intervals
	clock     func() time.Time
	logger    zerolog.Logger
}

// New builds the scheduler. Any of rounds, queues and replays may be nil.
func New(rounds RoundTicker, queues QueueSweeper, replays ReplayRechecker, intervals Intervals, logger zerolog.Logger) *Scheduler {
	if intervals.RoundTick <= 0 {
		intervals.RoundTick = time.Second
	}
	if intervals.Sweep <= 0 {
		intervals.Sweep = 3 * time.Second
	}
	if intervals.PayoutRetry <= 0 {
		intervals.PayoutRetry = 30 * time.Second
	}
	if intervals.ReplayRecheck <= 0 {
		intervals.ReplayRecheck = 5 * time.Second
	}
	return &Scheduler{
		rounds:    rounds,
		queues:    queues,
		replays:   replays,
		intervals: intervals,
		clock:     time.Now,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run registers the jobs and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	singleton := gocron.WithSingletonMode(gocron.LimitModeReschedule)
	if s.rounds != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(s.intervals.RoundTick),
			gocron.NewTask(func() { s.tickRounds(ctx) }),
			gocron.WithName("rounds"),
			singleton,
		); err != nil {
			return fmt.Errorf("register round job: %w", err)
		}
		if _, err := sched.NewJob(
			gocron.DurationJob(s.intervals.PayoutRetry),
			gocron.NewTask(func() { s.retryPayouts(ctx) }),
			gocron.WithName("payouts"),
			singleton,
		); err != nil {
			return fmt.Errorf("register payout job: %w", err)
		}
	}
	if s.queues != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(s.intervals.Sweep),
			gocron.NewTask(func() { s.sweepQueues(ctx) }),
			gocron.WithName("matchmaking"),
			singleton,
		); err != nil {
			return fmt.Errorf("register matchmaking job: %w", err)
		}
	}
	if s.replays != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(s.intervals.ReplayRecheck),
			gocron.NewTask(func() { s.recheckReplays(ctx) }),
			gocron.WithName("replays"),
			singleton,
		); err != nil {
			return fmt.Errorf("register replay job: %w", err)
		}
	}

	sched.Start()
	s.logger.Info().Dur("round_tick", s.intervals.RoundTick).Dur("sweep", s.intervals.Sweep).Msg("scheduler started")
	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		s.logger.Warn().Err(err).Msg("scheduler shutdown")
	}
	return nil
}

func (s *Scheduler) tickRounds(ctx context.Context) {
	now := s.clock()
	if opened := s.rounds.OpenDue(ctx, now); opened > 0 {
		s.logger.Debug().Int("opened", opened).Msg("rounds opened")
	}
	locked, settled, err := s.rounds.LockDue(ctx, now)
	if err != nil {
		s.logger.Warn().Err(err).Msg("lock due rounds")
	}
	if locked > 0 || settled > 0 {
		s.logger.Debug().Int("locked", locked).Int("settled", settled).Msg("rounds advanced")
	}
}

func (s *Scheduler) retryPayouts(ctx context.Context) {
	credited, err := s.rounds.RetryPendingPayouts(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("retry pending payouts")
	}
	if credited > 0 {
		s.logger.Info().Int("rounds", credited).Msg("pending payouts credited")
	}
}

func (s *Scheduler) recheckReplays(ctx context.Context) {
	if flagged := s.replays.RecheckReplays(ctx); flagged > 0 {
		s.logger.Info().Int("flagged", flagged).Msg("replay mismatches flagged")
	}
}

func (s *Scheduler) sweepQueues(ctx context.Context) {
	res := s.queues.Sweep(ctx)
	if res.Expired > 0 || res.Closed > 0 {
		s.logger.Info().Int("expired", res.Expired).Int("closed", res.Closed).Msg("queues swept")
	}
	if made := s.queues.MatchAll(ctx); len(made) > 0 {
		s.logger.Debug().Int("matches", len(made)).Msg("matches formed on sweep")
	}
}
