package round

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WinRateBand is the inclusive percentage range an AI-assisted game must sit in.
type WinRateBand struct {
	Min float64
	Max float64
}

// CheckAIWinRate rejects AI-assisted games configured outside the band.
func CheckAIWinRate(cfg GameConfig, band WinRateBand) error {
	if !cfg.AIAssisted {
		return nil
	}
	if cfg.AIWinRate < band.Min || cfg.AIWinRate > band.Max {
		return fmt.Errorf("%w: aiWinRate %.2f outside allowed band [%.2f, %.2f] for game %s",
			ErrAIWinRateOutOfBounds, cfg.AIWinRate, band.Min, band.Max, cfg.GameID)
	}
	return nil
}

// CheckPayoutEnvelope validates rule output against the recorded bets and returns the payout total.
func CheckPayoutEnvelope(cfg GameConfig, totalBets int64, bets []Bet, payouts []Payout) (int64, error) {
	owners := make(map[uuid.UUID]Bet, len(bets))
	for _, b := range bets {
		owners[b.ID] = b
	}

	seen := make(map[uuid.UUID]struct{}, len(payouts))
	var total int64
	for _, p := range payouts {
		if p.Amount < 0 {
			return 0, fmt.Errorf("%w: negative payout %d for bet %s", ErrPayoutEnvelope, p.Amount, p.BetID)
		}
		bet, ok := owners[p.BetID]
		if !ok || bet.UserID != p.UserID {
			return 0, fmt.Errorf("%w: payout for unknown bet %s", ErrPayoutEnvelope, p.BetID)
		}
		if bet.Invalid && p.Amount > 0 {
			return 0, fmt.Errorf("%w: payout for invalidated bet %s", ErrPayoutEnvelope, p.BetID)
		}
		if _, dup := seen[p.BetID]; dup {
			return 0, fmt.Errorf("%w: duplicate payout for bet %s", ErrPayoutEnvelope, p.BetID)
		}
		seen[p.BetID] = struct{}{}
		total += p.Amount
		if total < 0 {
			return 0, fmt.Errorf("%w: payout total overflow", ErrPayoutEnvelope)
		}
	}

	ceiling := decimal.NewFromInt(totalBets).Mul(cfg.MaxPayoutRatio)
	if decimal.NewFromInt(total).GreaterThan(ceiling) {
		return 0, fmt.Errorf("%w: payouts %d exceed %s x bets %d",
			ErrPayoutEnvelope, total, cfg.MaxPayoutRatio.String(), totalBets)
	}
	return total, nil
}
