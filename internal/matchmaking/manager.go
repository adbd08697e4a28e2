package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/arena-core/internal/metrics"
)

var (
	ErrQueueFull     = errors.New("queue full")
	ErrAlreadyQueued = errors.New("already queued")
	ErrPlayerBlocked = errors.New("player blocked from matchmaking")
)

// Match is a group handed to the round manager.
type Match struct {
	ID        string        `json:"id"`
	Key       QueueKey      `json:"key"`
	Players   []QueuePlayer `json:"players"`
	CreatedAt time.Time     `json:"created_at"`
}

// MatchHandler receives formed matches.
type MatchHandler interface {
	HandleMatch(ctx context.Context, m Match) error
}

// BlockChecker reports players barred from queueing.
type BlockChecker interface {
	IsBlocked(ctx context.Context, userID uuid.UUID) (bool, error)
}

// JoinRequest carries identity-service attributes for a queue entry.
type JoinRequest struct {
	UserID      uuid.UUID
	SessionID   string
	MMR         int
	Tier        Tier
	Preferences Preferences
}

// JoinResult reports where the player landed.
type JoinResult struct {
	Player   QueuePlayer
	Position int
	Match    *Match
}

// Options configures matchmaking.
type Options struct {
	MinPlayers        int
	MaxPlayers        int
	QueueCapacity     int
	EntryTTL          time.Duration
	IdleTeardown      time.Duration
	BaseMMRTolerance  int
	MMRWidenPerSecond float64
	MaxMMRTolerance   int
	DefaultWait       time.Duration
	TierWeights       map[Tier]int
	Clock             func() time.Time
}

func DefaultOptions() Options {
	return Options{
		MinPlayers:        2,
		MaxPlayers:        2,
		QueueCapacity:     500,
		EntryTTL:          5 * time.Minute,
		IdleTeardown:      10 * time.Minute,
		BaseMMRTolerance:  100,
		MMRWidenPerSecond: 5,
		MaxMMRTolerance:   600,
		DefaultWait:       20 * time.Second,
		TierWeights:       map[Tier]int{TierStandard: 0, TierPremium: 5, TierVIP: 10},
	}
}

// ewmaAlpha weights the newest observed wait.
const ewmaAlpha = 0.2

type queueEntry struct {
	mu      sync.Mutex
	queue   *Queue
	avgWait time.Duration
}

// Manager maintains skill-bucketed queues. Each queue has its own lock.
type Manager struct {
	store   QueueStore
	blocks  BlockChecker
	handler MatchHandler
	metrics *metrics.Collector
	opts    Options
	logger  zerolog.Logger
	mu      sync.Mutex
	queues  map[QueueKey]*queueEntry
	members map[uuid.UUID]QueueKey
}

// NewManager creates a matchmaking manager. store, blocks, handler and collector may be nil.
func NewManager(store QueueStore, blocks BlockChecker, handler MatchHandler, collector *metrics.Collector, opts Options, logger zerolog.Logger) *Manager {
	def := DefaultOptions()
	if opts.MinPlayers <= 0 {
		opts.MinPlayers = def.MinPlayers
	}
	if opts.MaxPlayers < opts.MinPlayers {
		opts.MaxPlayers = opts.MinPlayers
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = def.QueueCapacity
	}
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = def.EntryTTL
	}
	if opts.IdleTeardown <= 0 {
		opts.IdleTeardown = def.IdleTeardown
	}
	if opts.MaxMMRTolerance < opts.BaseMMRTolerance {
		opts.MaxMMRTolerance = opts.BaseMMRTolerance
	}
	if opts.DefaultWait <= 0 {
		opts.DefaultWait = def.DefaultWait
	}
	if opts.TierWeights == nil {
		opts.TierWeights = def.TierWeights
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		store:   store,
		blocks:  blocks,
		handler: handler,
		metrics: collector,
		opts:    opts,
		logger:  logger.With().Str("component", "matchmaking").Logger(),
		queues:  make(map[QueueKey]*queueEntry),
		members: make(map[uuid.UUID]QueueKey),
	}
}

// SetHandler wires the match consumer after construction.
func (m *Manager) SetHandler(h MatchHandler) {
	m.handler = h
}

func (m *Manager) now() time.Time {
	return m.opts.Clock().UTC()
}

func (m *Manager) entry(key QueueKey, create bool) *queueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queues[key]
	if !ok && create {
		e = &queueEntry{queue: newQueue(key, m.opts.QueueCapacity, m.now())}
		m.queues[key] = e
	}
	return e
}

func (m *Manager) reserve(userID uuid.UUID, key QueueKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.members[userID]; ok {
		return fmt.Errorf("%w in %s", ErrAlreadyQueued, current)
	}
	m.members[userID] = key
	return nil
}

func (m *Manager) release(key QueueKey, userIDs ...uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range userIDs {
		if m.members[id] == key {
			delete(m.members, id)
		}
	}
}

// Join inserts the player and matches opportunistically when a full group is waiting.
func (m *Manager) Join(ctx context.Context, key QueueKey, req JoinRequest) (*JoinResult, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if m.blocks != nil {
		blocked, err := m.blocks.IsBlocked(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("check blocklist: %w", err)
		}
		if blocked {
			return nil, ErrPlayerBlocked
		}
	}
	if err := m.reserve(req.UserID, key); err != nil {
		return nil, err
	}

	result, match, err := m.join(ctx, key, req)
	if err != nil {
		m.release(key, req.UserID)
		return nil, err
	}
	if match != nil {
		m.dispatch(ctx, *match)
	}
	return result, nil
}

func (m *Manager) join(ctx context.Context, key QueueKey, req JoinRequest) (*JoinResult, *Match, error) {
	for {
		e := m.entry(key, true)
		e.mu.Lock()
		if e.queue.Status == StatusClosed {
			// torn down between lookup and lock; fetch the replacement
			e.mu.Unlock()
			continue
		}
		defer e.mu.Unlock()

		q := e.queue
		if q.size >= q.Capacity {
			return nil, nil, fmt.Errorf("%w: %s", ErrQueueFull, key)
		}

		now := m.now()
		player := QueuePlayer{
			UserID:      req.UserID,
			SessionID:   req.SessionID,
			MMR:         req.MMR,
			Tier:        req.Tier,
			Priority:    m.opts.TierWeights[req.Tier],
			JoinedAt:    now,
			Preferences: req.Preferences,
		}
		q.add(player)
		pos := q.position(req.UserID)
		player.EstimatedWait = m.estimate(e, pos)
		q.slots[q.index[req.UserID]].player = player
		q.LastActivity = now
		q.refreshStatus(m.opts.MinPlayers, now)

		if m.store != nil {
			if err := m.store.SavePlayer(ctx, key, player, m.opts.EntryTTL); err != nil {
				q.remove(req.UserID)
				q.refreshStatus(m.opts.MinPlayers, now)
				return nil, nil, fmt.Errorf("persist queue entry: %w", err)
			}
		}
		m.logger.Info().
			Str("queue", key.String()).
			Str("user_id", req.UserID.String()).
			Int("priority", player.Priority).
			Dur("estimated_wait", player.EstimatedWait).
			Msg("player enqueued")

		result := &JoinResult{Player: player, Position: pos}
		var match *Match
		if q.size >= m.opts.MaxPlayers {
			var err error
			match, err = m.tryMatchLocked(ctx, e)
			if err != nil {
				return nil, nil, err
			}
			if match != nil && match.includes(req.UserID) {
				result.Match = match
				result.Position = -1
			}
		}
		m.metrics.QueueDepth(key.String(), q.size)
		return result, match, nil
	}
}

// estimate is the EWMA wait multiplied by the match waves ahead of pos.
func (m *Manager) estimate(e *queueEntry, pos int) time.Duration {
	avg := e.avgWait
	if avg <= 0 {
		avg = m.opts.DefaultWait
	}
	waves := pos/m.opts.MaxPlayers + 1
	return time.Duration(waves) * avg
}

// Leave removes the player; leaving an absent player is a no-op.
func (m *Manager) Leave(ctx context.Context, key QueueKey, userID uuid.UUID) error {
	if err := key.Validate(); err != nil {
		return err
	}
	e := m.entry(key, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	_, removed := e.queue.remove(userID)
	if removed {
		now := m.now()
		e.queue.LastActivity = now
		e.queue.refreshStatus(m.opts.MinPlayers, now)
		m.metrics.QueueDepth(key.String(), e.queue.size)
	}
	e.mu.Unlock()
	if !removed {
		return nil
	}

	m.release(key, userID)
	if m.store != nil {
		if err := m.store.RemovePlayers(ctx, key, userID); err != nil {
			m.logger.Warn().Err(err).Str("queue", key.String()).Msg("remove persisted entry")
		}
	}
	m.logger.Info().Str("queue", key.String()).Str("user_id", userID.String()).Msg("player left queue")
	return nil
}

// TryMatch forms at most one group. A nil match with nil error means still waiting.
func (m *Manager) TryMatch(ctx context.Context, key QueueKey) (*Match, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	e := m.entry(key, false)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	match, err := m.tryMatchLocked(ctx, e)
	e.mu.Unlock()
	if err != nil || match == nil {
		return nil, err
	}
	m.dispatch(ctx, *match)
	return match, nil
}

// MatchAll runs TryMatch over every queue until each is waiting; it returns the matches made.
func (m *Manager) MatchAll(ctx context.Context) []Match {
	var made []Match
	for _, key := range m.keys() {
		for {
			match, err := m.TryMatch(ctx, key)
			if err != nil {
				m.logger.Error().Err(err).Str("queue", key.String()).Msg("try match failed")
				break
			}
			if match == nil {
				break
			}
			made = append(made, *match)
		}
	}
	return made
}

func (m *Manager) tryMatchLocked(ctx context.Context, e *queueEntry) (*Match, error) {
	q := e.queue
	if err := q.check(); err != nil {
		m.logger.Error().Err(err).Msg("queue invariant violated")
		return nil, err
	}
	if q.size < m.opts.MinPlayers {
		return nil, nil
	}

	now := m.now()
	group := m.selectGroup(q.ordered(), now)
	if len(group) == 0 {
		return nil, nil
	}
	if len(group) > m.opts.MaxPlayers {
		return nil, &InvariantViolation{Key: q.Key, Detail: fmt.Sprintf("group of %d exceeds max %d", len(group), m.opts.MaxPlayers)}
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("match id: %w", err)
	}
	match := &Match{ID: id, Key: q.Key, Players: group, CreatedAt: now}

	ids := make([]uuid.UUID, len(group))
	waits := make([]time.Duration, len(group))
	for i, p := range group {
		q.remove(p.UserID)
		ids[i] = p.UserID
		waits[i] = now.Sub(p.JoinedAt)
		e.observeWait(waits[i])
	}
	q.LastActivity = now
	q.refreshStatus(m.opts.MinPlayers, now)
	m.release(q.Key, ids...)

	if m.store != nil {
		if err := m.store.RemovePlayers(ctx, q.Key, ids...); err != nil {
			m.logger.Warn().Err(err).Str("queue", q.Key.String()).Msg("remove matched entries")
		}
	}
	m.metrics.MatchMade(q.Key.GameType, waits)
	m.metrics.QueueDepth(q.Key.String(), q.size)
	m.logger.Info().Str("queue", q.Key.String()).Str("match_id", id).Int("players", len(group)).Msg("match formed")
	return match, nil
}

// selectGroup anchors on each player in priority order and gathers compatible
// players in the same order until the group is full.
func (m *Manager) selectGroup(ordered []QueuePlayer, now time.Time) []QueuePlayer {
	for a, anchor := range ordered {
		tolerance := m.tolerance(anchor, now)
		group := []QueuePlayer{anchor}
		for i, p := range ordered {
			if i == a {
				continue
			}
			if !compatible(anchor, p, tolerance, m.tolerance(p, now)) {
				continue
			}
			group = append(group, p)
			if len(group) == m.opts.MaxPlayers {
				break
			}
		}
		if len(group) >= m.opts.MinPlayers {
			return group
		}
	}
	return nil
}

// tolerance widens with the player's wait, capped by config and preference.
func (m *Manager) tolerance(p QueuePlayer, now time.Time) int {
	waited := now.Sub(p.JoinedAt).Seconds()
	t := float64(m.opts.BaseMMRTolerance) + m.opts.MMRWidenPerSecond*math.Max(waited, 0)
	limit := min(int(t), m.opts.MaxMMRTolerance)
	if p.Preferences.MaxMMRGap > 0 {
		limit = min(limit, p.Preferences.MaxMMRGap)
	}
	return limit
}

func compatible(anchor, p QueuePlayer, anchorTol, playerTol int) bool {
	gap := anchor.MMR - p.MMR
	if gap < 0 {
		gap = -gap
	}
	return gap <= anchorTol && gap <= playerTol
}

func (e *queueEntry) observeWait(w time.Duration) {
	if e.avgWait == 0 {
		e.avgWait = w
		return
	}
	e.avgWait = time.Duration(ewmaAlpha*float64(w) + (1-ewmaAlpha)*float64(e.avgWait))
}

func (mt Match) includes(userID uuid.UUID) bool {
	for _, p := range mt.Players {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func (m *Manager) dispatch(ctx context.Context, match Match) {
	if m.handler == nil {
		return
	}
	if err := m.handler.HandleMatch(ctx, match); err != nil {
		m.logger.Error().Err(err).Str("match_id", match.ID).Str("queue", match.Key.String()).Msg("match handler failed")
	}
}

func (m *Manager) keys() []QueueKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]QueueKey, 0, len(m.queues))
	for k := range m.queues {
		keys = append(keys, k)
	}
	return keys
}

// SweepResult counts what a sweep removed.
type SweepResult struct {
	Expired int
	Closed  int
}

// Sweep drops entries older than EntryTTL and tears down queues empty past IdleTeardown.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := m.now()
	for _, key := range m.keys() {
		e := m.entry(key, false)
		if e == nil {
			continue
		}
		e.mu.Lock()
		q := e.queue
		var expired []uuid.UUID
		for _, p := range q.ordered() {
			if now.Sub(p.JoinedAt) >= m.opts.EntryTTL {
				q.remove(p.UserID)
				expired = append(expired, p.UserID)
			}
		}
		if len(expired) > 0 {
			q.LastActivity = now
		}
		q.refreshStatus(m.opts.MinPlayers, now)
		teardown := q.size == 0 && !q.EmptySince.IsZero() && now.Sub(q.EmptySince) >= m.opts.IdleTeardown
		if teardown {
			q.Status = StatusClosed
		}
		m.metrics.QueueDepth(key.String(), q.size)
		e.mu.Unlock()

		if len(expired) > 0 {
			res.Expired += len(expired)
			m.release(key, expired...)
			if m.store != nil {
				if err := m.store.RemovePlayers(ctx, key, expired...); err != nil {
					m.logger.Warn().Err(err).Str("queue", key.String()).Msg("remove expired entries")
				}
			}
			m.logger.Info().Str("queue", key.String()).Int("expired", len(expired)).Msg("queue entries expired")
		}
		if teardown {
			m.mu.Lock()
			if m.queues[key] == e {
				delete(m.queues, key)
			}
			m.mu.Unlock()
			res.Closed++
			if m.store != nil {
				if err := m.store.DeleteQueue(ctx, key); err != nil {
					m.logger.Warn().Err(err).Str("queue", key.String()).Msg("delete idle queue")
				}
			}
		}
	}
	return res
}

// Restore reloads persisted entries that have not expired.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	loaded, err := m.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	restored := 0
	for key, players := range loaded {
		e := m.entry(key, true)
		e.mu.Lock()
		for _, p := range players {
			if now.Sub(p.JoinedAt) >= m.opts.EntryTTL || e.queue.contains(p.UserID) || e.queue.size >= e.queue.Capacity {
				continue
			}
			if err := m.reserve(p.UserID, key); err != nil {
				continue
			}
			e.queue.add(p)
			restored++
		}
		e.queue.refreshStatus(m.opts.MinPlayers, now)
		e.mu.Unlock()
	}
	return restored, nil
}

// Snapshot returns a copy of a queue's status and players in match order.
func (m *Manager) Snapshot(key QueueKey) (Status, []QueuePlayer, bool) {
	e := m.entry(key, false)
	if e == nil {
		return StatusClosed, nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Status, e.queue.ordered(), true
}

// QueueOf returns the queue the user is waiting in.
func (m *Manager) QueueOf(userID uuid.UUID) (QueueKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.members[userID]
	return key, ok
}
