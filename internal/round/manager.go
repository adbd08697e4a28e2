package round

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gokatarajesh/arena-core/internal/anticheat"
	"github.com/gokatarajesh/arena-core/internal/fairness"
	"github.com/gokatarajesh/arena-core/internal/metrics"
)

// generic reason shown to players; operators get the full error in logs
const voidedReason = "round voided"

// Manager owns the round state machine.
type Manager struct {
	catalog   *Catalog
	fairness  *fairness.Engine
	store     Store
	ledger    Ledger
	locker    Locker
	rules     *Rules
	publisher EventPublisher
	metrics   *metrics.Collector
	gates     *gateSet
	opts      Options
	logger    zerolog.Logger
}

// Options configures the round manager.
type Options struct {
	Band          WinRateBand
	LockTTL       time.Duration
	PayoutTimeout time.Duration
	Clock         func() time.Time
}

// NewManager wires the round manager. publisher and collector may be nil.
func NewManager(
	catalog *Catalog,
	engine *fairness.Engine,
	store Store,
	ledger Ledger,
	locker Locker,
	rules *Rules,
	publisher EventPublisher,
	collector *metrics.Collector,
	opts Options,
	logger zerolog.Logger,
) *Manager {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.PayoutTimeout <= 0 {
		opts.PayoutTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Manager{
		catalog:   catalog,
		fairness:  engine,
		store:     store,
		ledger:    ledger,
		locker:    locker,
		rules:     rules,
		publisher: publisher,
		metrics:   collector,
		gates:     newGateSet(),
		opts:      opts,
		logger:    logger.With().Str("component", "round").Logger(),
	}
}

func (m *Manager) now() time.Time {
	return m.opts.Clock().UTC()
}

// Get returns the stored round.
func (m *Manager) Get(ctx context.Context, key Key) (*Round, error) {
	return m.store.GetRound(ctx, key)
}

// Bets lists the bets recorded against a round.
func (m *Manager) Bets(ctx context.Context, key Key) ([]Bet, error) {
	r, err := m.store.GetRound(ctx, key)
	if err != nil {
		return nil, err
	}
	return m.store.ListBets(ctx, r.ID)
}

// Verify checks a seed against the round's published commitment.
func (m *Manager) Verify(ctx context.Context, key Key, seed string) (bool, error) {
	r, err := m.store.GetRound(ctx, key)
	if err != nil {
		return false, err
	}
	return m.fairness.Verify(seed, r.SeedHash), nil
}

// ReplayHash returns the replay hash of a settled round computed from the stored
// round inputs. ready stays false until the round settles; a voided round is
// ready with an empty hash since there is nothing left to compare against.
func (m *Manager) ReplayHash(ctx context.Context, key Key) (hash string, ready bool, err error) {
	r, err := m.store.GetRound(ctx, NewKey(key.GameID, key.BucketStart))
	if err != nil {
		return "", false, err
	}
	switch {
	case r.Invalidated || r.Status == StatusSettlementBlocked:
		return "", true, nil
	case r.Status != StatusSettled:
		return "", false, nil
	}
	cfg, err := m.catalog.Get(r.GameID)
	if err != nil {
		return "", false, err
	}
	bets, err := m.store.ListBets(ctx, r.ID)
	if err != nil {
		return "", false, fmt.Errorf("list bets: %w", err)
	}
	hash, err = fairness.ReplayHash(r.SeedRevealed, roundInputs(cfg, r, bets))
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// OpenRound commits a seed and creates the round in the open state.
func (m *Manager) OpenRound(ctx context.Context, gameID string, bucketStart time.Time) (*Round, error) {
	return m.openRound(ctx, gameID, bucketStart, nil)
}

func (m *Manager) openRound(ctx context.Context, gameID string, bucketStart time.Time, players []uuid.UUID) (*Round, error) {
	cfg, err := m.catalog.Get(gameID)
	if err != nil {
		return nil, err
	}
	if err := CheckAIWinRate(cfg, m.opts.Band); err != nil {
		return nil, err
	}

	key := NewKey(gameID, bucketStart)
	release := m.gates.lock(key)
	defer release()

	seedHash, err := m.fairness.Commit(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("commit seed: %w", err)
	}

	id := uuid.New()
	r := &Round{
		ID:           id,
		GameID:       key.GameID,
		BucketStart:  key.BucketStart,
		ClientSeed:   id.String(),
		SeedHash:     seedHash,
		Status:       StatusOpen,
		Players:      players,
		LockDeadline: key.BucketStart.Add(cfg.BetWindow()),
		CreatedAt:    m.now(),
	}
	if err := m.store.CreateRound(ctx, r); err != nil {
		if errors.Is(err, ErrDuplicateRound) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRound, key)
		}
		return nil, fmt.Errorf("create round: %w", err)
	}

	m.metrics.RoundOpened(gameID)
	m.publish(ctx, TopicOpened, Event{Round: r.Public()})
	m.logger.Info().Str("round", key.String()).Str("seed_hash", seedHash).Msg("round opened")
	return r, nil
}

// OpenMatchRound opens a round only the matched players may bet on, nudging the
// bucket forward by a millisecond when another match of the same game landed on
// the same instant.
func (m *Manager) OpenMatchRound(ctx context.Context, gameID string, matchedAt time.Time, players []uuid.UUID) (*Round, error) {
	if len(players) == 0 {
		return nil, fmt.Errorf("%w: match without players", ErrNotParticipant)
	}
	at := matchedAt
	for attempt := 0; attempt < 5; attempt++ {
		r, err := m.openRound(ctx, gameID, at, players)
		if !errors.Is(err, ErrDuplicateRound) {
			return r, err
		}
		at = at.Add(time.Millisecond)
	}
	return nil, fmt.Errorf("%w: %s at %s", ErrDuplicateRound, gameID, matchedAt)
}

// PlaceBet debits the wallet and records the bet while the round is open.
// Retrying with the same RequestID returns success without a second debit.
func (m *Manager) PlaceBet(ctx context.Context, req BetRequest) (*Bet, *Round, error) {
	cfg, err := m.catalog.Get(req.Key.GameID)
	if err != nil {
		return nil, nil, err
	}
	if req.Amount <= 0 || req.Amount < cfg.MinBet || (cfg.MaxBet > 0 && req.Amount > cfg.MaxBet) {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	if err := CheckAIWinRate(cfg, m.opts.Band); err != nil {
		return nil, nil, err
	}
	if req.RequestID == uuid.Nil {
		req.RequestID = uuid.New()
	}

	key := NewKey(req.Key.GameID, req.Key.BucketStart)
	bet, r, err := m.placeBet(ctx, key, cfg, req)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Capacity > 0 && r.BetCount >= cfg.Capacity {
		if _, err := m.LockRound(ctx, key); err != nil && !isLockRace(err) {
			m.logger.Warn().Err(err).Str("round", key.String()).Msg("lock on capacity failed")
		}
	}
	return bet, r, nil
}

func (m *Manager) placeBet(ctx context.Context, key Key, cfg GameConfig, req BetRequest) (*Bet, *Round, error) {
	release := m.gates.rlock(key)
	defer release()

	r, err := m.store.GetRound(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != StatusOpen || !m.now().Before(r.LockDeadline) {
		return nil, nil, ErrRoundClosed
	}
	if cfg.Capacity > 0 && r.BetCount >= cfg.Capacity {
		return nil, nil, ErrRoundClosed
	}
	if !r.Admits(req.UserID) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotParticipant, key)
	}

	debitKey := fmt.Sprintf("bet:%s:%s:%s", r.ID, req.UserID, req.RequestID)
	if err := m.ledger.Debit(ctx, debitKey, req.UserID, req.Amount); err != nil {
		return nil, nil, fmt.Errorf("debit wallet: %w", err)
	}

	bet := Bet{
		ID:        uuid.New(),
		RoundID:   r.ID,
		UserID:    req.UserID,
		RequestID: req.RequestID,
		Amount:    req.Amount,
		PlacedAt:  m.now(),
	}
	updated, err := m.store.AddBet(ctx, key, bet, cfg.Capacity)
	switch {
	case errors.Is(err, ErrDuplicateBet):
		// the debit key equals the recorded bet's, so the ledger applied nothing new
		return m.recordedBet(ctx, key, r.ID, req)
	case err != nil:
		refundKey := fmt.Sprintf("refund:%s:%s:%s", r.ID, req.UserID, req.RequestID)
		if cerr := m.ledger.Credit(context.WithoutCancel(ctx), refundKey, req.UserID, req.Amount); cerr != nil {
			m.logger.Error().Err(cerr).
				Str("round", key.String()).
				Str("user_id", req.UserID.String()).
				Int64("amount", req.Amount).
				Msg("refund after rejected bet failed")
		}
		if errors.Is(err, ErrRoundClosed) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("record bet: %w", err)
	}

	m.metrics.BetPlaced(key.GameID, req.Amount)
	return &bet, updated, nil
}

// recordedBet resolves a repeated RequestID. The stored bet is returned only
// when the retry asks for the same amount.
func (m *Manager) recordedBet(ctx context.Context, key Key, roundID uuid.UUID, req BetRequest) (*Bet, *Round, error) {
	bets, err := m.store.ListBets(ctx, roundID)
	if err != nil {
		return nil, nil, fmt.Errorf("list bets: %w", err)
	}
	for _, b := range bets {
		if b.UserID != req.UserID || b.RequestID != req.RequestID {
			continue
		}
		if b.Amount != req.Amount {
			return nil, nil, fmt.Errorf("%w: %s", ErrRequestConflict, req.RequestID)
		}
		current, err := m.store.GetRound(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		return &b, current, nil
	}
	return nil, nil, fmt.Errorf("%w: %s not found in %s", ErrDuplicateBet, req.RequestID, key)
}

// LockRound stops accepting bets. Only an open round can be locked.
func (m *Manager) LockRound(ctx context.Context, key Key) (*Round, error) {
	key = NewKey(key.GameID, key.BucketStart)
	release := m.gates.lock(key)
	defer release()

	unlock, err := m.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer m.releaseLock(key, unlock)

	r, err := m.store.GetRound(ctx, key)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyLocked, key, r.Status)
	}
	if err := m.store.TransitionStatus(ctx, key, StatusOpen, StatusLocked, m.now()); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyLocked, key)
		}
		return nil, fmt.Errorf("lock round: %w", err)
	}

	locked, err := m.store.GetRound(ctx, key)
	if err != nil {
		return nil, err
	}
	m.publish(ctx, TopicLocked, Event{Round: locked.Public()})
	m.logger.Info().Str("round", key.String()).Int64("total_bets", locked.Totals.Bets).Msg("round locked")
	return locked, nil
}

// SettleRound reveals the seed, derives the outcome, applies the payout rule and
// credits winners. Fairness or envelope failures block the round permanently.
// A settled round with failed credits is returned together with ErrPayoutIncomplete.
func (m *Manager) SettleRound(ctx context.Context, key Key) (*Round, error) {
	key = NewKey(key.GameID, key.BucketStart)
	release := m.gates.lock(key)
	defer release()

	unlock, err := m.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer m.releaseLock(key, unlock)

	r, err := m.store.GetRound(ctx, key)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusOpen:
		return nil, fmt.Errorf("%w: %s", ErrRoundNotLocked, key)
	case StatusSettled:
		return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, key)
	case StatusSettlementBlocked:
		return nil, fmt.Errorf("%w: %s", ErrSettlementBlocked, key)
	}

	settlement, bets, err := m.computeSettlement(ctx, r)
	if err != nil {
		var blocked *blockedError
		if errors.As(err, &blocked) {
			return nil, m.blockRound(ctx, r, blocked)
		}
		return nil, err
	}

	if err := m.store.SaveSettlement(ctx, key, settlement); err != nil {
		return nil, fmt.Errorf("save settlement: %w", err)
	}
	settled, err := m.store.GetRound(ctx, key)
	if err != nil {
		return nil, err
	}

	m.metrics.RoundSettled(key.GameID, settlement.TotalPayouts)
	m.publish(ctx, TopicSettled, Event{Round: settled.Public()})
	m.logger.Info().
		Str("round", key.String()).
		Int64("total_bets", settled.Totals.Bets).
		Int64("total_payouts", settled.Totals.Payouts).
		Msg("round settled")

	paid := make(map[uuid.UUID]int64, len(settlement.Payouts))
	for _, p := range settlement.Payouts {
		paid[p.BetID] = p.Amount
	}
	for i := range bets {
		bets[i].Payout = paid[bets[i].ID]
	}
	if err := m.creditPayouts(ctx, settled, bets); err != nil {
		return settled, err
	}
	m.markCredited(ctx, key)
	settled.PayoutsPending = false
	return settled, nil
}

func (m *Manager) computeSettlement(ctx context.Context, r *Round) (Settlement, []Bet, error) {
	key := r.Key()

	cfg, err := m.catalog.Get(r.GameID)
	if err != nil {
		return Settlement{}, nil, block("game_config", err)
	}
	// configuration may have changed since the round opened
	if err := CheckAIWinRate(cfg, m.opts.Band); err != nil {
		return Settlement{}, nil, block("ai_win_rate", err)
	}

	seed, err := m.fairness.Reveal(ctx, key)
	if err != nil {
		if errors.Is(err, fairness.ErrNotFound) || errors.Is(err, fairness.ErrAlreadyRevealed) {
			return Settlement{}, nil, block("fairness", err)
		}
		return Settlement{}, nil, fmt.Errorf("reveal seed: %w", err)
	}
	if !m.fairness.Verify(seed, r.SeedHash) {
		return Settlement{}, nil, block("fairness", errors.New("revealed seed does not match commitment"))
	}

	bets, err := m.store.ListBets(ctx, r.ID)
	if err != nil {
		return Settlement{}, nil, fmt.Errorf("list bets: %w", err)
	}

	outcome, err := fairness.DeriveOutcome(seed, roundInputs(cfg, r, bets))
	if err != nil {
		return Settlement{}, nil, block("fairness", err)
	}

	rule, err := m.rules.Lookup(r.GameID)
	if err != nil {
		return Settlement{}, nil, block("payout_rule", err)
	}
	payouts, err := rule.Payouts(cfg, outcome, bets)
	if err != nil {
		return Settlement{}, nil, block("payout_rule", err)
	}
	total, err := CheckPayoutEnvelope(cfg, r.Totals.Bets, bets, payouts)
	if err != nil {
		return Settlement{}, nil, block("payout_envelope", err)
	}

	return Settlement{
		RoundID:      r.ID,
		SeedRevealed: seed,
		Outcome:      outcome,
		Payouts:      payouts,
		TotalPayouts: total,
		SettledAt:    m.now(),
	}, bets, nil
}

// roundInputs fixes everything besides the seed that feeds the outcome.
func roundInputs(cfg GameConfig, r *Round, bets []Bet) fairness.RoundInputs {
	inputs := fairness.RoundInputs{
		Key:        r.Key(),
		ClientSeed: r.ClientSeed,
		Nonce:      int64(r.BetCount),
		Kind:       cfg.Outcome,
	}
	if cfg.Outcome == fairness.OutcomePick {
		inputs.Choices = max(len(Participants(bets)), 1)
	}
	return inputs
}

func (m *Manager) blockRound(ctx context.Context, r *Round, cause *blockedError) error {
	key := r.Key()
	m.logger.Error().
		Err(cause).
		Str("round", key.String()).
		Str("reason", cause.reason).
		Str("seed_hash", r.SeedHash).
		Int64("total_bets", r.Totals.Bets).
		Msg("settlement blocked")

	if err := m.store.BlockSettlement(ctx, key, cause.Error(), m.now()); err != nil {
		return fmt.Errorf("block settlement: %w", err)
	}
	m.metrics.SettlementBlocked(key.GameID)

	r.Status = StatusSettlementBlocked
	m.publish(ctx, TopicBlocked, Event{Round: r.Public(), Reason: voidedReason})
	return fmt.Errorf("%w: %s: %s", ErrSettlementBlocked, key, cause.reason)
}

// creditPayouts sums valid payouts per user and credits each user once.
func (m *Manager) creditPayouts(ctx context.Context, r *Round, bets []Bet) error {
	owed := make(map[uuid.UUID]int64)
	for _, b := range bets {
		if b.Invalid || b.Payout <= 0 {
			continue
		}
		owed[b.UserID] += b.Payout
	}
	if len(owed) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.PayoutTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for userID, amount := range owed {
		g.Go(func() error {
			creditKey := fmt.Sprintf("payout:%s:%s", r.ID, userID)
			if err := m.ledger.Credit(gctx, creditKey, userID, amount); err != nil {
				m.logger.Error().Err(err).
					Str("round", r.Key().String()).
					Str("user_id", userID.String()).
					Int64("amount", amount).
					Msg("payout credit failed")
				return fmt.Errorf("credit %s: %w", userID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrPayoutIncomplete, err)
	}
	return nil
}

// RetryPayouts re-issues credits for a settled round. The ledger deduplicates.
func (m *Manager) RetryPayouts(ctx context.Context, key Key) error {
	r, err := m.store.GetRound(ctx, NewKey(key.GameID, key.BucketStart))
	if err != nil {
		return err
	}
	if r.Status != StatusSettled {
		return fmt.Errorf("%w: %s is %s", ErrRoundNotLocked, key, r.Status)
	}
	bets, err := m.store.ListBets(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := m.creditPayouts(ctx, r, bets); err != nil {
		return err
	}
	m.markCredited(ctx, r.Key())
	return nil
}

// RetryPendingPayouts re-issues credits for every settled round still marked as
// having payouts pending and returns how many rounds were fully credited.
func (m *Manager) RetryPendingPayouts(ctx context.Context) (int, error) {
	pending, err := m.store.ListPayoutsPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending payouts: %w", err)
	}
	credited := 0
	for _, r := range pending {
		if err := m.RetryPayouts(ctx, r.Key()); err != nil {
			m.logger.Warn().Err(err).Str("round", r.Key().String()).Msg("payout retry failed")
			continue
		}
		credited++
	}
	return credited, nil
}

func (m *Manager) markCredited(ctx context.Context, key Key) {
	if err := m.store.MarkPayoutsCredited(context.WithoutCancel(ctx), key); err != nil {
		// left pending; the next retry re-credits idempotently
		m.logger.Warn().Err(err).Str("round", key.String()).Msg("mark payouts credited")
	}
}

// ApplyDirective voids play flagged by the anti-cheat monitor. Round-wide directives
// invalidate the whole round and block an unsettled one; otherwise only the user's bets.
func (m *Manager) ApplyDirective(ctx context.Context, d anticheat.Directive) error {
	if d.Round == nil {
		return nil
	}
	key := NewKey(d.Round.GameID, d.Round.BucketStart)
	release := m.gates.lock(key)
	defer release()

	r, err := m.store.GetRound(ctx, key)
	if err != nil {
		return err
	}
	log := m.logger.With().
		Str("round", key.String()).
		Str("user_id", d.UserID.String()).
		Str("action", string(d.Action)).
		Str("log_id", d.LogID.String()).
		Logger()

	if d.RoundWide {
		if err := m.store.InvalidateRound(ctx, key, d.Reason); err != nil {
			return fmt.Errorf("invalidate round: %w", err)
		}
		if r.Status == StatusOpen {
			if err := m.store.TransitionStatus(ctx, key, StatusOpen, StatusLocked, m.now()); err != nil {
				return fmt.Errorf("lock invalidated round: %w", err)
			}
			r.Status = StatusLocked
		}
		if r.Status == StatusLocked {
			if err := m.store.BlockSettlement(ctx, key, "invalidated: "+d.Reason, m.now()); err != nil {
				return fmt.Errorf("block invalidated round: %w", err)
			}
			m.metrics.SettlementBlocked(key.GameID)
			r.Status = StatusSettlementBlocked
		}
		r.Invalidated = true
		log.Warn().Msg("round invalidated")
		m.publish(ctx, TopicInvalidated, Event{Round: r.Public(), Reason: voidedReason})
		return nil
	}

	changed, err := m.store.InvalidateBets(ctx, r.ID, d.UserID)
	if err != nil {
		return fmt.Errorf("invalidate bets: %w", err)
	}
	if changed == 0 {
		return nil
	}
	if r.Status == StatusSettled {
		// payout already released; the audit log and event carry it to moderation
		log.Warn().Int("bets", changed).Msg("bets invalidated after settlement")
	} else {
		log.Warn().Int("bets", changed).Msg("bets invalidated")
	}
	userID := d.UserID
	m.publish(ctx, TopicInvalidated, Event{Round: r.Public(), UserID: &userID, Reason: voidedReason})
	return nil
}

// OpenDue opens the current bucket for every game that runs on a fixed cadence.
func (m *Manager) OpenDue(ctx context.Context, now time.Time) int {
	opened := 0
	for _, cfg := range m.catalog.All() {
		if cfg.Bucket() <= 0 {
			continue
		}
		bucket := now.UTC().Truncate(cfg.Bucket())
		_, err := m.OpenRound(ctx, cfg.GameID, bucket)
		switch {
		case err == nil:
			opened++
		case errors.Is(err, ErrDuplicateRound):
		default:
			m.logger.Warn().Err(err).Str("game_id", cfg.GameID).Msg("open due round failed")
		}
	}
	return opened
}

// LockDue locks open rounds past their deadline and settles locked rounds of
// auto-settle games. It returns the number of rounds locked and settled.
func (m *Manager) LockDue(ctx context.Context, now time.Time) (locked, settled int, err error) {
	open, err := m.store.ListDue(ctx, StatusOpen, now)
	if err != nil {
		return 0, 0, fmt.Errorf("list open rounds: %w", err)
	}
	for _, r := range open {
		if _, err := m.LockRound(ctx, r.Key()); err != nil {
			if !isLockRace(err) {
				m.logger.Warn().Err(err).Str("round", r.Key().String()).Msg("lock due round failed")
			}
			continue
		}
		locked++
	}

	due, err := m.store.ListDue(ctx, StatusLocked, now)
	if err != nil {
		return locked, 0, fmt.Errorf("list locked rounds: %w", err)
	}
	for _, r := range due {
		cfg, err := m.catalog.Get(r.GameID)
		if err != nil || !cfg.AutoSettle {
			continue
		}
		if _, err := m.SettleRound(ctx, r.Key()); err != nil {
			if errors.Is(err, ErrPayoutIncomplete) {
				settled++
			}
			if !isLockRace(err) {
				m.logger.Warn().Err(err).Str("round", r.Key().String()).Msg("settle due round failed")
			}
			continue
		}
		settled++
	}
	return locked, settled, nil
}

func (m *Manager) acquire(ctx context.Context, key Key) (func() error, error) {
	unlock, err := m.locker.Acquire(ctx, key, m.opts.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s", ErrTransitionInProgress, key)
		}
		return nil, err
	}
	return unlock, nil
}

func (m *Manager) releaseLock(key Key, unlock func() error) {
	if err := unlock(); err != nil {
		m.logger.Warn().Err(err).Str("round", key.String()).Msg("release round lock")
	}
}

func (m *Manager) publish(ctx context.Context, topic string, ev Event) {
	if err := m.publisher.Publish(ctx, topic, ev); err != nil {
		m.logger.Warn().Err(err).Str("topic", topic).Msg("publish round event")
	}
}

func isLockRace(err error) bool {
	return errors.Is(err, ErrAlreadyLocked) || errors.Is(err, ErrTransitionInProgress)
}
