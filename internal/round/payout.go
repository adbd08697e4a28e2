package round

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gokatarajesh/arena-core/internal/fairness"
)

// PayoutRule maps an outcome and the round's bets to per-bet payouts.
// Invalidated bets are passed in and must be paid zero.
type PayoutRule interface {
	Payouts(cfg GameConfig, outcome fairness.Outcome, bets []Bet) ([]Payout, error)
}

// PayoutFunc adapts a plain function to PayoutRule.
type PayoutFunc func(cfg GameConfig, outcome fairness.Outcome, bets []Bet) ([]Payout, error)

func (f PayoutFunc) Payouts(cfg GameConfig, outcome fairness.Outcome, bets []Bet) ([]Payout, error) {
	return f(cfg, outcome, bets)
}

// Rules is the per-game payout rule registry.
type Rules struct {
	mu    sync.RWMutex
	rules map[string]PayoutRule
}

func NewRules() *Rules {
	return &Rules{rules: make(map[string]PayoutRule)}
}

func (r *Rules) Register(gameID string, rule PayoutRule) {
	r.mu.Lock()
	r.rules[gameID] = rule
	r.mu.Unlock()
}

func (r *Rules) Lookup(gameID string) (PayoutRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPayoutRule, gameID)
	}
	return rule, nil
}

// Participants returns distinct bettors ordered by their first bet.
func Participants(bets []Bet) []uuid.UUID {
	ordered := append([]Bet(nil), bets...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].PlacedAt.Equal(ordered[j].PlacedAt) {
			return ordered[i].PlacedAt.Before(ordered[j].PlacedAt)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	seen := make(map[uuid.UUID]struct{}, len(ordered))
	users := make([]uuid.UUID, 0, len(ordered))
	for _, b := range ordered {
		if _, ok := seen[b.UserID]; ok {
			continue
		}
		seen[b.UserID] = struct{}{}
		users = append(users, b.UserID)
	}
	return users
}

// WinnerTakesPool pays the whole pool, less rake, to the picked participant.
// Pool share is split across the winner's valid bets in proportion to stake.
type WinnerTakesPool struct{}

func (WinnerTakesPool) Payouts(cfg GameConfig, outcome fairness.Outcome, bets []Bet) ([]Payout, error) {
	if outcome.Kind != fairness.OutcomePick || outcome.Pick == nil {
		return nil, fmt.Errorf("winner-takes-pool needs a pick outcome, got %s", outcome.Kind)
	}
	users := Participants(bets)
	if len(users) == 0 {
		return nil, nil
	}
	if outcome.Pick.Index >= len(users) {
		return nil, fmt.Errorf("pick index %d out of %d participants", outcome.Pick.Index, len(users))
	}
	winner := users[outcome.Pick.Index]

	var pool, winnerStake int64
	for _, b := range bets {
		pool += b.Amount
		if b.UserID == winner && !b.Invalid {
			winnerStake += b.Amount
		}
	}
	prize := pool - pool*cfg.RakePercent/100

	payouts := make([]Payout, 0, len(bets))
	var paid int64
	lastWinning := -1
	for _, b := range bets {
		p := Payout{BetID: b.ID, UserID: b.UserID}
		if b.UserID == winner && !b.Invalid && winnerStake > 0 {
			p.Amount = prize * b.Amount / winnerStake
			paid += p.Amount
			lastWinning = len(payouts)
		}
		payouts = append(payouts, p)
	}
	// integer division remainder goes to the last winning bet
	if lastWinning >= 0 {
		payouts[lastWinning].Amount += prize - paid
	}
	return payouts, nil
}

// CrashCashout pays bets at a fixed target multiplier when the crash point reaches it.
type CrashCashout struct {
	Target decimal.Decimal
}

func (c CrashCashout) Payouts(_ GameConfig, outcome fairness.Outcome, bets []Bet) ([]Payout, error) {
	if outcome.Kind != fairness.OutcomeCrash || outcome.Crash == nil {
		return nil, fmt.Errorf("crash cashout needs a crash outcome, got %s", outcome.Kind)
	}
	reached := decimal.NewFromFloat(outcome.Crash.Multiplier).GreaterThanOrEqual(c.Target)
	payouts := make([]Payout, 0, len(bets))
	for _, b := range bets {
		p := Payout{BetID: b.ID, UserID: b.UserID}
		if !b.Invalid && reached {
			p.Amount = decimal.NewFromInt(b.Amount).Mul(c.Target).IntPart()
		}
		payouts = append(payouts, p)
	}
	return payouts, nil
}
