package anticheat

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gokatarajesh/arena-core/internal/fairness"
	"github.com/gokatarajesh/arena-core/internal/metrics"
)

// flaggedReason is all a terminated player is told.
const flaggedReason = "session flagged"

// ReplayVerifier derives the server's replay hash for a round from its stored
// inputs. ready stays false until the round settles; a voided round is ready
// with an empty hash.
type ReplayVerifier interface {
	ReplayHash(ctx context.Context, key fairness.RoundKey) (hash string, ready bool, err error)
}

// DirectiveSink applies invalidation directives to rounds.
type DirectiveSink interface {
	ApplyDirective(ctx context.Context, d Directive) error
}

// SessionTerminator ends a player's live session.
type SessionTerminator interface {
	Terminate(ctx context.Context, userID uuid.UUID, sessionID, reason string) error
}

// Options configures ingestion and classification.
type Options struct {
	Workers          int
	QueueSize        int
	SamplesPerSecond float64
	SampleBurst      int
	SessionIdle      time.Duration
	ReplayBacklog    int           // replay hashes parked until their round settles
	ReplayWait       time.Duration // how long a parked hash waits for settlement
	Limits           Limits
	GameLimits       map[string]Limits
	Policy           Policy
	Clock            func() time.Time
}

type job struct {
	sample   Sample
	received time.Time
}

type parkedReplay struct {
	sample Sample
	parked time.Time
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	queue    chan job
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Monitor classifies telemetry off the gameplay path. Samples of one session
// always land on the same worker so they are processed in order.
type Monitor struct {
	logs       LogStore
	history    HistoryStore
	blocklist  Blocklist
	replays    ReplayVerifier
	directives DirectiveSink
	terminator SessionTerminator
	metrics    *metrics.Collector
	opts       Options
	shards     []*shard

	limMu    sync.Mutex
	limiters map[string]*limiterEntry

	parkMu sync.Mutex
	parked []parkedReplay

	stopped atomic.Bool
	logger  zerolog.Logger
}

// NewMonitor builds a monitor. replays, directives, terminator and collector may be nil.
func NewMonitor(
	logs LogStore,
	history HistoryStore,
	blocklist Blocklist,
	replays ReplayVerifier,
	directives DirectiveSink,
	terminator SessionTerminator,
	collector *metrics.Collector,
	opts Options,
	logger zerolog.Logger,
) *Monitor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.SamplesPerSecond <= 0 {
		opts.SamplesPerSecond = 20
	}
	if opts.SampleBurst <= 0 {
		opts.SampleBurst = int(opts.SamplesPerSecond * 2)
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = 30 * time.Minute
	}
	if opts.ReplayBacklog <= 0 {
		opts.ReplayBacklog = 4096
	}
	if opts.ReplayWait <= 0 {
		opts.ReplayWait = 15 * time.Minute
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.Policy.EscalationWindow <= 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	perShard := max(opts.QueueSize/opts.Workers, 1)
	shards := make([]*shard, opts.Workers)
	for i := range shards {
		shards[i] = &shard{
			sessions: make(map[string]*sessionState),
			queue:    make(chan job, perShard),
		}
	}

	return &Monitor{
		logs:       logs,
		history:    history,
		blocklist:  blocklist,
		replays:    replays,
		directives: directives,
		terminator: terminator,
		metrics:    collector,
		opts:       opts,
		shards:     shards,
		limiters:   make(map[string]*limiterEntry),
		logger:     logger.With().Str("component", "anticheat").Logger(),
	}
}

func sessionKey(userID uuid.UUID, sessionID string) string {
	return userID.String() + ":" + sessionID
}

func (m *Monitor) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *Monitor) limitsFor(gameID string) Limits {
	if l, ok := m.opts.GameLimits[gameID]; ok {
		return l
	}
	return m.opts.Limits
}

// Ingest queues a sample from an authenticated session and returns immediately.
// Flooding sessions are rate limited; a full backlog drops the sample.
func (m *Monitor) Ingest(userID uuid.UUID, gameID, sessionID string, sample Sample) error {
	if userID == uuid.Nil || sessionID == "" {
		return ErrMissingSessionID
	}
	if m.stopped.Load() {
		return ErrMonitorStopped
	}
	sample.UserID = userID
	sample.GameID = gameID
	sample.SessionID = sessionID
	now := m.opts.Clock()

	key := sessionKey(userID, sessionID)
	if !m.allow(key, now) {
		m.metrics.TelemetryDropped("rate_limited")
		return ErrRateLimited
	}

	select {
	case m.shardFor(key).queue <- job{sample: sample, received: now}:
		return nil
	default:
		m.metrics.TelemetryDropped("backlog_full")
		return ErrBacklogFull
	}
}

func (m *Monitor) allow(key string, now time.Time) bool {
	m.limMu.Lock()
	defer m.limMu.Unlock()
	entry, ok := m.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(m.opts.SamplesPerSecond), m.opts.SampleBurst)}
		m.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Run processes queued samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.shards {
		g.Go(func() error {
			m.work(gctx, s)
			return nil
		})
	}
	g.Go(func() error {
		m.janitor(gctx)
		return nil
	})
	_ = g.Wait()
	m.stopped.Store(true)
	return ctx.Err()
}

func (m *Monitor) work(ctx context.Context, s *shard) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			if _, err := m.process(ctx, s, j.sample, j.received); err != nil {
				m.logger.Warn().Err(err).
					Str("user_id", j.sample.UserID.String()).
					Str("session_id", j.sample.SessionID).
					Msg("telemetry processing failed")
			}
		}
	}
}

func (m *Monitor) janitor(ctx context.Context) {
	interval := min(m.opts.SessionIdle/2, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle(m.opts.Clock())
		}
	}
}

// evictIdle drops session accumulators and limiters not seen within SessionIdle.
func (m *Monitor) evictIdle(now time.Time) int {
	cutoff := now.Add(-m.opts.SessionIdle)
	evicted := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, state := range s.sessions {
			if state.lastSeen.Before(cutoff) {
				delete(s.sessions, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	m.limMu.Lock()
	for key, entry := range m.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(m.limiters, key)
		}
	}
	m.limMu.Unlock()
	return evicted
}

// Process classifies one sample synchronously and returns the logs it produced.
func (m *Monitor) Process(ctx context.Context, sample Sample) ([]Log, error) {
	if sample.UserID == uuid.Nil || sample.SessionID == "" {
		return nil, ErrMissingSessionID
	}
	key := sessionKey(sample.UserID, sample.SessionID)
	return m.process(ctx, m.shardFor(key), sample, m.opts.Clock())
}

func (m *Monitor) process(ctx context.Context, s *shard, sample Sample, received time.Time) ([]Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(sample.UserID, sample.SessionID)
	state, ok := s.sessions[key]
	if !ok {
		state = &sessionState{}
		s.sessions[key] = state
	}

	var serverHash string
	if m.replays != nil && sample.ReplayHash != "" && sample.Round != nil {
		hash, ready, err := m.replays.ReplayHash(ctx, *sample.Round)
		switch {
		case err != nil:
			m.logger.Debug().Err(err).Str("round", sample.Round.String()).Msg("replay check skipped")
		case !ready:
			m.park(sample, received)
		default:
			serverHash = hash
		}
	}

	limits := m.limitsFor(sample.GameID)
	findings := classify(sample, received, limits, state, serverHash)

	logs := make([]Log, 0, len(findings))
	for _, ev := range findings {
		log, err := m.record(ctx, sample, ev, received, limits)
		if err != nil {
			return logs, err
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// park holds a replay hash until its round settles and the seed is public.
func (m *Monitor) park(sample Sample, received time.Time) {
	sample.ReactionTimesMs = nil
	m.parkMu.Lock()
	defer m.parkMu.Unlock()
	if len(m.parked) >= m.opts.ReplayBacklog {
		m.metrics.TelemetryDropped("replay_backlog_full")
		return
	}
	m.parked = append(m.parked, parkedReplay{sample: sample, parked: received})
}

// RecheckReplays compares parked replay hashes against rounds that have settled
// since and returns how many mismatches it flagged. Hashes whose round is still
// unsettled after ReplayWait are dropped.
func (m *Monitor) RecheckReplays(ctx context.Context) int {
	if m.replays == nil {
		return 0
	}
	m.parkMu.Lock()
	batch := m.parked
	m.parked = nil
	m.parkMu.Unlock()

	now := m.opts.Clock()
	var keep []parkedReplay
	flagged := 0
	for _, p := range batch {
		sample := p.sample
		hash, ready, err := m.replays.ReplayHash(ctx, *sample.Round)
		if err != nil || !ready {
			if err != nil {
				m.logger.Debug().Err(err).Str("round", sample.Round.String()).Msg("replay recheck failed")
			}
			if now.Sub(p.parked) < m.opts.ReplayWait {
				keep = append(keep, p)
			} else {
				m.metrics.TelemetryDropped("replay_expired")
			}
			continue
		}
		ev, mismatch := checkReplay(sample.ReplayHash, hash)
		if !mismatch {
			continue
		}
		if _, err := m.record(ctx, sample, ev, now, m.limitsFor(sample.GameID)); err != nil {
			m.logger.Warn().Err(err).
				Str("user_id", sample.UserID.String()).
				Str("round", sample.Round.String()).
				Msg("record replay mismatch failed")
			continue
		}
		flagged++
	}

	if len(keep) > 0 {
		m.parkMu.Lock()
		m.parked = append(keep, m.parked...)
		m.parkMu.Unlock()
	}
	return flagged
}

func (m *Monitor) record(ctx context.Context, sample Sample, ev Evidence, now time.Time, limits Limits) (Log, error) {
	policy := m.opts.Policy
	entries, err := m.history.Since(ctx, sample.UserID, now.Add(-policy.HistoryRetention))
	if err != nil {
		return Log{}, fmt.Errorf("load history: %w", err)
	}
	h := Summarize(entries, now, policy.EscalationWindow)

	base := AssignSeverity(ev.Kind, ev.Deviation)
	severity, escalated := Escalate(base, h, policy)

	log := Log{
		ID:        uuid.New(),
		UserID:    sample.UserID,
		GameID:    sample.GameID,
		SessionID: sample.SessionID,
		Round:     sample.Round,
		FlagType:  ev.Kind,
		Severity:  severity,
		Escalated: escalated,
		Details:   ev,
		Status:    StatusOpen,
		CreatedAt: now.UTC(),
	}
	log.ActionTaken = DecideAction(log, h, policy)

	if err := m.logs.Append(ctx, log); err != nil {
		return Log{}, fmt.Errorf("append log: %w", err)
	}
	if err := m.history.Record(ctx, sample.UserID, Entry{
		LogID:    log.ID,
		Flag:     log.FlagType,
		Severity: log.Severity,
		Action:   log.ActionTaken,
		At:       now,
	}); err != nil {
		m.logger.Warn().Err(err).Str("log_id", log.ID.String()).Msg("record history failed")
	}

	m.metrics.FlagRaised(string(log.FlagType), log.Severity.String())
	m.logger.Info().
		Str("log_id", log.ID.String()).
		Str("user_id", log.UserID.String()).
		Str("flag", string(log.FlagType)).
		Str("severity", log.Severity.String()).
		Bool("escalated", escalated).
		Float64("deviation", ev.Deviation).
		Str("action", string(log.ActionTaken)).
		Msg("anomaly flagged")

	m.enforce(ctx, log, limits)
	return log, nil
}

// enforce applies side effects of the chosen action. Failures are logged;
// the audit entry already exists.
func (m *Monitor) enforce(ctx context.Context, log Log, limits Limits) {
	action := log.ActionTaken
	logger := m.logger.With().Str("log_id", log.ID.String()).Str("action", string(action)).Logger()

	if action.InvalidatesPlay() && log.Round != nil && m.directives != nil {
		d := Directive{
			LogID:     log.ID,
			UserID:    log.UserID,
			SessionID: log.SessionID,
			GameID:    log.GameID,
			Round:     log.Round,
			RoundWide: action.TerminatesSession() && limits.RoundWideOnTermination,
			Action:    action,
			Reason:    string(log.FlagType),
		}
		if err := m.directives.ApplyDirective(ctx, d); err != nil {
			logger.Error().Err(err).Msg("apply directive failed")
		}
	}

	if action.TerminatesSession() && m.terminator != nil {
		if err := m.terminator.Terminate(ctx, log.UserID, log.SessionID, flaggedReason); err != nil {
			logger.Error().Err(err).Msg("terminate session failed")
		}
	}

	var ban time.Duration
	switch action {
	case ActionTemporaryBan:
		ban = m.opts.Policy.TemporaryBan
	case ActionPermanentBan:
		ban = 0
	default:
		return
	}
	if m.blocklist == nil {
		return
	}
	if err := m.blocklist.Ban(ctx, log.UserID, ban); err != nil {
		logger.Error().Err(err).Msg("ban failed")
	}
}
