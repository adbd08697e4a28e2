package round

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokatarajesh/arena-core/internal/anticheat"
	"github.com/gokatarajesh/arena-core/internal/fairness"
)

type fakeLedger struct {
	mu          sync.Mutex
	debits      map[string]int64
	credits     map[string]int64
	failCredits bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{debits: map[string]int64{}, credits: map[string]int64{}}
}

func (l *fakeLedger) Debit(_ context.Context, key string, _ uuid.UUID, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debits[key] = amount
	return nil
}

func (l *fakeLedger) Credit(_ context.Context, key string, _ uuid.UUID, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failCredits {
		return errors.New("wallet unavailable")
	}
	l.credits[key] = amount
	return nil
}

func (l *fakeLedger) debitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.debits)
}

func (l *fakeLedger) creditTotal() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, v := range l.credits {
		total += v
	}
	return total
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ any) error {
	p.mu.Lock()
	p.topics = append(p.topics, topic)
	p.mu.Unlock()
	return nil
}

// payEvenly returns every valid stake once, which always fits a 1x ratio.
var payEvenly = PayoutFunc(func(_ GameConfig, _ fairness.Outcome, bets []Bet) ([]Payout, error) {
	out := make([]Payout, 0, len(bets))
	for _, b := range bets {
		p := Payout{BetID: b.ID, UserID: b.UserID}
		if !b.Invalid {
			p.Amount = b.Amount
		}
		out = append(out, p)
	}
	return out, nil
})

type harness struct {
	manager   *Manager
	catalog   *Catalog
	store     *MemoryStore
	ledger    *fakeLedger
	rules     *Rules
	publisher *recordingPublisher
	seeds     fairness.SeedStore
}

func diceConfig() GameConfig {
	return GameConfig{
		GameID:           "dice",
		Outcome:          fairness.OutcomeDice,
		BucketSeconds:    60,
		BetWindowSeconds: 50,
		MinBet:           1,
		MaxBet:           1000,
		MaxPayoutRatio:   decimal.NewFromInt(1),
	}
}

func newHarness(t *testing.T, seeds fairness.SeedStore, configs ...GameConfig) *harness {
	t.Helper()
	if seeds == nil {
		seeds = fairness.NewMemorySeedStore()
	}
	if len(configs) == 0 {
		configs = []GameConfig{diceConfig()}
	}
	catalog, err := NewCatalog(configs...)
	require.NoError(t, err)

	rules := NewRules()
	for _, cfg := range configs {
		rules.Register(cfg.GameID, payEvenly)
	}

	h := &harness{
		catalog:   catalog,
		store:     NewMemoryStore(),
		ledger:    newFakeLedger(),
		rules:     rules,
		publisher: &recordingPublisher{},
		seeds:     seeds,
	}
	h.manager = NewManager(
		catalog,
		fairness.NewEngine(seeds, zerolog.Nop()),
		h.store,
		h.ledger,
		NewLocalLocker(),
		rules,
		h.publisher,
		nil,
		Options{Band: WinRateBand{Min: 35, Max: 55}},
		zerolog.Nop(),
	)
	return h
}

func currentBucket() time.Time {
	return time.Now().UTC().Truncate(time.Minute)
}

func TestRoundLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	opened, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, opened.Status)
	assert.Len(t, opened.SeedHash, 64)
	assert.Empty(t, opened.SeedRevealed)
	key := opened.Key()

	alice, bob := uuid.New(), uuid.New()
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: key, UserID: alice, Amount: 30})
	require.NoError(t, err)
	_, afterBet, err := h.manager.PlaceBet(ctx, BetRequest{Key: key, UserID: bob, Amount: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(50), afterBet.Totals.Bets)
	assert.Equal(t, 2, afterBet.BetCount)

	locked, err := h.manager.LockRound(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, locked.Status)
	assert.NotNil(t, locked.LockedAt)

	settled, err := h.manager.SettleRound(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, settled.Status)
	assert.True(t, fairness.Verify(settled.SeedRevealed, opened.SeedHash))
	require.NotNil(t, settled.Outcome)
	assert.Equal(t, fairness.OutcomeDice, settled.Outcome.Kind)

	replayed, err := fairness.DeriveOutcome(settled.SeedRevealed, fairness.RoundInputs{
		Key:        key,
		ClientSeed: settled.ClientSeed,
		Nonce:      int64(settled.BetCount),
		Kind:       fairness.OutcomeDice,
	})
	require.NoError(t, err)
	assert.Equal(t, replayed, *settled.Outcome)

	assert.Equal(t, int64(50), settled.Totals.Payouts)
	assert.Equal(t, int64(50), h.ledger.creditTotal())
	assert.Equal(t, []string{TopicOpened, TopicLocked, TopicSettled}, h.publisher.topics)

	ok, err := h.manager.Verify(ctx, key, settled.SeedRevealed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenRoundDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	bucket := currentBucket()

	first, err := h.manager.OpenRound(ctx, "dice", bucket)
	require.NoError(t, err)

	_, err = h.manager.OpenRound(ctx, "dice", bucket)
	require.ErrorIs(t, err, ErrDuplicateRound)

	stored, err := h.manager.Get(ctx, NewKey("dice", bucket))
	require.NoError(t, err)
	assert.Equal(t, first.SeedHash, stored.SeedHash, "duplicate open must not replace the commitment")
}

func TestOpenRoundUnknownGame(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.manager.OpenRound(context.Background(), "nope", time.Now())
	require.ErrorIs(t, err, ErrUnknownGame)
}

func TestOpenMatchRoundAvoidsCollision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	at := time.Now()

	a, err := h.manager.OpenMatchRound(ctx, "dice", at, []uuid.UUID{uuid.New(), uuid.New()})
	require.NoError(t, err)
	b, err := h.manager.OpenMatchRound(ctx, "dice", at, []uuid.UUID{uuid.New(), uuid.New()})
	require.NoError(t, err)
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, time.Millisecond, b.BucketStart.Sub(a.BucketStart))
}

func TestMatchRoundOnlyAdmitsPlayers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	alice, bob := uuid.New(), uuid.New()

	r, err := h.manager.OpenMatchRound(ctx, "dice", time.Now(), []uuid.UUID{alice, bob})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, r.Players)

	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 10})
	require.ErrorIs(t, err, ErrNotParticipant)
	assert.Zero(t, h.ledger.debitCount(), "outsiders are rejected before the debit")

	_, after, err := h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: alice, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, after.BetCount)

	_, err = h.manager.OpenMatchRound(ctx, "dice", time.Now(), nil)
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestPlaceBetConcurrentTotals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)

	const (
		n      = 200
		amount = int64(7)
	)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: amount})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := h.manager.Get(ctx, r.Key())
	require.NoError(t, err)
	assert.Equal(t, n*amount, got.Totals.Bets)
	assert.Equal(t, n, got.BetCount)
	assert.Equal(t, n, h.ledger.debitCount())
}

func TestPlaceBetRacingLockNeverDropsBets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)

	const n = 100
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 3})
			if err == nil {
				mu.Lock()
				accepted += 3
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrRoundClosed)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.manager.LockRound(ctx, r.Key())
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, err := h.manager.Get(ctx, r.Key())
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, got.Status)
	assert.Equal(t, accepted, got.Totals.Bets, "every acknowledged bet is counted and nothing else")
}

func TestPlaceBetRejectedAfterLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	_, err = h.manager.LockRound(ctx, r.Key())
	require.NoError(t, err)

	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 5})
	require.ErrorIs(t, err, ErrRoundClosed)
	assert.Zero(t, h.ledger.debitCount(), "no debit for a rejected bet")
}

func TestPlaceBetPastDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now().Add(-2*time.Minute))
	require.NoError(t, err)

	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 5})
	require.ErrorIs(t, err, ErrRoundClosed)
}

func TestPlaceBetAmountLimits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)

	for _, amount := range []int64{0, -5, 1001} {
		_, _, err := h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: amount})
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %d", amount)
	}
}

func TestPlaceBetRetryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)

	req := BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 12, RequestID: uuid.New()}
	first, _, err := h.manager.PlaceBet(ctx, req)
	require.NoError(t, err)
	bet, after, err := h.manager.PlaceBet(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, bet.ID, "the retry returns the recorded bet")
	assert.Equal(t, req.RequestID, bet.RequestID)
	assert.Equal(t, int64(12), after.Totals.Bets)
	assert.Equal(t, 1, h.ledger.debitCount())
}

func TestPlaceBetRequestIDScopedToRound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	first, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	second, err := h.manager.OpenRound(ctx, "dice", first.BucketStart.Add(time.Second))
	require.NoError(t, err)

	user, requestID := uuid.New(), uuid.New()
	for _, r := range []*Round{first, second} {
		bet, after, err := h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: user, Amount: 20, RequestID: requestID})
		require.NoError(t, err)
		assert.Equal(t, r.ID, bet.RoundID)
		assert.Equal(t, int64(20), after.Totals.Bets)
		assert.Equal(t, 1, after.BetCount)
	}
	assert.Equal(t, 2, h.ledger.debitCount(), "each round debits under its own key")

	other, _, err := h.manager.PlaceBet(ctx, BetRequest{Key: first.Key(), UserID: uuid.New(), Amount: 5, RequestID: requestID})
	require.NoError(t, err, "request ids are scoped per user")
	assert.Equal(t, requestID, other.RequestID)
}

func TestPlaceBetRequestIDReusedForDifferentAmount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)

	req := BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 12, RequestID: uuid.New()}
	_, _, err = h.manager.PlaceBet(ctx, req)
	require.NoError(t, err)

	req.Amount = 500
	_, _, err = h.manager.PlaceBet(ctx, req)
	require.ErrorIs(t, err, ErrRequestConflict)

	got, err := h.manager.Get(ctx, r.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Totals.Bets)
	assert.Equal(t, 1, got.BetCount)
}

func TestCapacityLocksRound(t *testing.T) {
	ctx := context.Background()
	cfg := diceConfig()
	cfg.Capacity = 2
	h := newHarness(t, nil, cfg)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 1})
		require.NoError(t, err)
	}
	got, err := h.manager.Get(ctx, r.Key())
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, got.Status)

	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 1})
	require.ErrorIs(t, err, ErrRoundClosed)
}

func TestLockRoundTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)

	_, err = h.manager.LockRound(ctx, r.Key())
	require.NoError(t, err)
	_, err = h.manager.LockRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)

	_, err = h.manager.SettleRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrRoundNotLocked, "settle cannot skip locked")

	_, err = h.manager.LockRound(ctx, r.Key())
	require.NoError(t, err)
	_, err = h.manager.SettleRound(ctx, r.Key())
	require.NoError(t, err)

	_, err = h.manager.SettleRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrAlreadySettled)
	_, err = h.manager.LockRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrAlreadyLocked)

	err = h.store.TransitionStatus(ctx, r.Key(), StatusSettled, StatusOpen, time.Now())
	require.ErrorIs(t, err, ErrStatusConflict)
}

func TestTransitionInProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)

	unlock, err := h.manager.locker.Acquire(ctx, r.Key(), time.Minute)
	require.NoError(t, err)
	defer unlock()

	_, err = h.manager.LockRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrTransitionInProgress)
}

func TestAIWinRateBand(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		wantErr bool
	}{
		{name: "below band", rate: 20, wantErr: true},
		{name: "above band", rate: 80, wantErr: true},
		{name: "inside band", rate: 40},
		{name: "lower edge", rate: 35},
		{name: "upper edge", rate: 55},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, nil)
			r, err := h.manager.OpenRound(ctx, "dice", time.Now())
			require.NoError(t, err)

			cfg := diceConfig()
			cfg.AIAssisted = true
			cfg.AIWinRate = tt.rate
			require.NoError(t, h.catalog.Put(cfg))

			_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 10})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrAIWinRateOutOfBounds)
				assert.Contains(t, err.Error(), "aiWinRate")
				assert.Zero(t, h.ledger.debitCount())
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAIWinRateRejectedAtOpen(t *testing.T) {
	cfg := diceConfig()
	cfg.AIAssisted = true
	cfg.AIWinRate = 80
	h := newHarness(t, nil, cfg)

	_, err := h.manager.OpenRound(context.Background(), "dice", time.Now())
	require.ErrorIs(t, err, ErrAIWinRateOutOfBounds)
	assert.Contains(t, err.Error(), "aiWinRate 80.00")
}

func TestAIWinRateRevalidatedAtSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 10})
	require.NoError(t, err)
	_, err = h.manager.LockRound(ctx, r.Key())
	require.NoError(t, err)

	cfg := diceConfig()
	cfg.AIAssisted = true
	cfg.AIWinRate = 20
	require.NoError(t, h.catalog.Put(cfg))

	_, err = h.manager.SettleRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrSettlementBlocked)

	got, err := h.manager.Get(ctx, r.Key())
	require.NoError(t, err)
	assert.Equal(t, StatusSettlementBlocked, got.Status)
	assert.Contains(t, got.BlockReason, "aiWinRate")
	assert.Zero(t, h.ledger.creditTotal())
}

// divergentSeeds hands back a different seed than the one committed.
type divergentSeeds struct {
	*fairness.MemorySeedStore
}

func (d divergentSeeds) Get(ctx context.Context, key fairness.RoundKey) (string, error) {
	if _, err := d.MemorySeedStore.Get(ctx, key); err != nil {
		return "", err
	}
	return "00" + fmt.Sprintf("%062d", 1), nil
}

func TestSettleBlockedOnFairnessFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, divergentSeeds{fairness.NewMemorySeedStore()})
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 10})
	require.NoError(t, err)
	_, err = h.manager.LockRound(ctx, r.Key())
	require.NoError(t, err)

	_, err = h.manager.SettleRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrSettlementBlocked)

	got, err := h.manager.Get(ctx, r.Key())
	require.NoError(t, err)
	assert.Equal(t, StatusSettlementBlocked, got.Status)
	assert.Empty(t, got.SeedRevealed)
	assert.Zero(t, h.ledger.creditTotal(), "no payouts from a blocked round")
	assert.Contains(t, h.publisher.topics, TopicBlocked)

	_, err = h.manager.SettleRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrSettlementBlocked, "blocked is terminal")
}

func TestSettleBlockedOnMissingCommitment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	key := NewKey("dice", currentBucket())
	require.NoError(t, h.store.CreateRound(ctx, &Round{
		ID:           uuid.New(),
		GameID:       key.GameID,
		BucketStart:  key.BucketStart,
		SeedHash:     fairness.HashCommitment("never-committed"),
		Status:       StatusLocked,
		LockDeadline: key.BucketStart,
	}))

	_, err := h.manager.SettleRound(ctx, key)
	require.ErrorIs(t, err, ErrSettlementBlocked)
}

func TestSettleBlockedOnPayoutEnvelope(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.rules.Register("dice", PayoutFunc(func(_ GameConfig, _ fairness.Outcome, bets []Bet) ([]Payout, error) {
		out := make([]Payout, 0, len(bets))
		for _, b := range bets {
			out = append(out, Payout{BetID: b.ID, UserID: b.UserID, Amount: b.Amount * 10})
		}
		return out, nil
	}))

	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 10})
	require.NoError(t, err)
	_, err = h.manager.LockRound(ctx, r.Key())
	require.NoError(t, err)

	_, err = h.manager.SettleRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrSettlementBlocked)
	assert.Zero(t, h.ledger.creditTotal())
}

func TestPayoutFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 40})
	require.NoError(t, err)
	_, err = h.manager.LockRound(ctx, r.Key())
	require.NoError(t, err)

	h.ledger.failCredits = true
	settled, err := h.manager.SettleRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrPayoutIncomplete)
	require.NotNil(t, settled)
	assert.Equal(t, StatusSettled, settled.Status)

	h.ledger.failCredits = false
	require.NoError(t, h.manager.RetryPayouts(ctx, r.Key()))
	require.NoError(t, h.manager.RetryPayouts(ctx, r.Key()))
	assert.Equal(t, int64(40), h.ledger.creditTotal(), "credits are keyed per round and user")
}

func TestRetryPendingPayouts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 40})
	require.NoError(t, err)
	_, err = h.manager.LockRound(ctx, r.Key())
	require.NoError(t, err)

	h.ledger.failCredits = true
	_, err = h.manager.SettleRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrPayoutIncomplete)

	got, err := h.manager.Get(ctx, r.Key())
	require.NoError(t, err)
	assert.True(t, got.PayoutsPending, "failed credits leave the round pending")

	credited, err := h.manager.RetryPendingPayouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, credited, "wallet still down")

	h.ledger.failCredits = false
	credited, err = h.manager.RetryPendingPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, credited)
	assert.Equal(t, int64(40), h.ledger.creditTotal())

	got, err = h.manager.Get(ctx, r.Key())
	require.NoError(t, err)
	assert.False(t, got.PayoutsPending)

	credited, err = h.manager.RetryPendingPayouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, credited, "nothing left to retry")
}

func TestSettledRoundClearsPendingPayouts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 40})
	require.NoError(t, err)
	_, err = h.manager.LockRound(ctx, r.Key())
	require.NoError(t, err)
	_, err = h.manager.SettleRound(ctx, r.Key())
	require.NoError(t, err)

	pending, err := h.store.ListPayoutsPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayHashFollowsSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	key := r.Key()
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: key, UserID: uuid.New(), Amount: 10})
	require.NoError(t, err)

	_, ready, err := h.manager.ReplayHash(ctx, key)
	require.NoError(t, err)
	assert.False(t, ready, "open round")

	_, err = h.manager.LockRound(ctx, key)
	require.NoError(t, err)
	_, ready, err = h.manager.ReplayHash(ctx, key)
	require.NoError(t, err)
	assert.False(t, ready, "locked round keeps its seed secret")

	settled, err := h.manager.SettleRound(ctx, key)
	require.NoError(t, err)
	hash, ready, err := h.manager.ReplayHash(ctx, key)
	require.NoError(t, err)
	require.True(t, ready)

	want, err := fairness.ReplayHash(settled.SeedRevealed, fairness.RoundInputs{
		Key:        key,
		ClientSeed: settled.ClientSeed,
		Nonce:      1,
		Kind:       fairness.OutcomeDice,
	})
	require.NoError(t, err)
	assert.Equal(t, want, hash)
}

func TestReplayHashOfVoidedRound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, divergentSeeds{fairness.NewMemorySeedStore()})
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	_, err = h.manager.LockRound(ctx, r.Key())
	require.NoError(t, err)
	_, err = h.manager.SettleRound(ctx, r.Key())
	require.ErrorIs(t, err, ErrSettlementBlocked)

	hash, ready, err := h.manager.ReplayHash(ctx, r.Key())
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Empty(t, hash)
}

func TestApplyDirectiveInvalidatesUserBets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)

	cheater, honest := uuid.New(), uuid.New()
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: cheater, Amount: 25})
	require.NoError(t, err)
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: honest, Amount: 15})
	require.NoError(t, err)

	key := r.Key()
	require.NoError(t, h.manager.ApplyDirective(ctx, anticheat.Directive{
		UserID: cheater,
		Round:  &key,
		Action: anticheat.ActionScoreInvalidated,
		Reason: "impossible_score",
	}))

	_, err = h.manager.LockRound(ctx, key)
	require.NoError(t, err)
	settled, err := h.manager.SettleRound(ctx, key)
	require.NoError(t, err)

	assert.False(t, settled.Invalidated, "only the user's play is voided")
	assert.Equal(t, int64(40), settled.Totals.Bets, "committed stake stays on the books")
	assert.Equal(t, int64(15), settled.Totals.Payouts)
	assert.Equal(t, int64(15), h.ledger.creditTotal())

	bets, err := h.manager.Bets(ctx, key)
	require.NoError(t, err)
	for _, b := range bets {
		assert.Equal(t, b.UserID == cheater, b.Invalid)
	}
	assert.Contains(t, h.publisher.topics, TopicInvalidated)
}

func TestApplyDirectiveRoundWide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r, err := h.manager.OpenRound(ctx, "dice", time.Now())
	require.NoError(t, err)
	_, _, err = h.manager.PlaceBet(ctx, BetRequest{Key: r.Key(), UserID: uuid.New(), Amount: 25})
	require.NoError(t, err)

	key := r.Key()
	require.NoError(t, h.manager.ApplyDirective(ctx, anticheat.Directive{
		UserID:    uuid.New(),
		Round:     &key,
		RoundWide: true,
		Action:    anticheat.ActionSessionTerminated,
		Reason:    "replay_mismatch",
	}))

	got, err := h.manager.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Invalidated)
	assert.Equal(t, StatusSettlementBlocked, got.Status)

	_, err = h.manager.SettleRound(ctx, key)
	require.ErrorIs(t, err, ErrSettlementBlocked)
}

func TestApplyDirectiveWithoutRound(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.manager.ApplyDirective(context.Background(), anticheat.Directive{UserID: uuid.New()}))
}

func TestSchedulerDrivenLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := diceConfig()
	cfg.AutoSettle = true
	h := newHarness(t, nil, cfg)

	now := time.Date(2026, 10, 18, 12, 0, 5, 0, time.UTC)
	h.manager.opts.Clock = func() time.Time { return now }

	assert.Equal(t, 1, h.manager.OpenDue(ctx, now))
	assert.Equal(t, 0, h.manager.OpenDue(ctx, now), "bucket already open")

	key := NewKey("dice", time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC))
	_, _, err := h.manager.PlaceBet(ctx, BetRequest{Key: key, UserID: uuid.New(), Amount: 9})
	require.NoError(t, err)

	locked, settled, err := h.manager.LockDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, locked, "deadline not reached")
	assert.Zero(t, settled)

	now = now.Add(50 * time.Second)
	locked, settled, err = h.manager.LockDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, locked)
	assert.Equal(t, 1, settled)

	got, err := h.manager.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, got.Status)
}

func TestPublicHidesSeedUntilSettled(t *testing.T) {
	r := Round{Status: StatusLocked, SeedRevealed: "abc", Outcome: &fairness.Outcome{}}
	pub := r.Public()
	assert.Empty(t, pub.SeedRevealed)
	assert.Nil(t, pub.Outcome)

	r.Status = StatusSettled
	assert.Equal(t, "abc", r.Public().SeedRevealed)
}
