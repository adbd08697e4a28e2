package round

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists rounds and bets. Every write must be durable before it returns.
type Store interface {
	// CreateRound returns ErrDuplicateRound when the key already exists.
	CreateRound(ctx context.Context, r *Round) error
	GetRound(ctx context.Context, key Key) (*Round, error)
	// AddBet records the bet and increments totals only while the round is open and,
	// when capacity > 0, holds fewer than capacity bets. Returns ErrRoundClosed otherwise
	// and ErrDuplicateBet when the round already holds the user's RequestID.
	AddBet(ctx context.Context, key Key, bet Bet, capacity int) (*Round, error)
	// TransitionStatus moves from -> to, or returns ErrStatusConflict.
	TransitionStatus(ctx context.Context, key Key, from, to Status, at time.Time) error
	ListBets(ctx context.Context, roundID uuid.UUID) ([]Bet, error)
	// SaveSettlement writes seed, outcome, payouts and the settled status in one step,
	// leaving the round marked as having payouts pending.
	SaveSettlement(ctx context.Context, key Key, s Settlement) error
	MarkPayoutsCredited(ctx context.Context, key Key) error
	// ListPayoutsPending returns settled rounds whose credits have not all landed.
	ListPayoutsPending(ctx context.Context) ([]Round, error)
	BlockSettlement(ctx context.Context, key Key, reason string, at time.Time) error
	// InvalidateBets voids a user's bets in a round and returns how many changed.
	InvalidateBets(ctx context.Context, roundID, userID uuid.UUID) (int, error)
	InvalidateRound(ctx context.Context, key Key, reason string) error
	// ListDue returns rounds in status whose lock deadline is at or before before.
	ListDue(ctx context.Context, status Status, before time.Time) ([]Round, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	rounds map[Key]*Round
	bets   map[uuid.UUID][]Bet
	seen   map[betRequest]struct{}
}

type betRequest struct {
	roundID, userID, requestID uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds: make(map[Key]*Round),
		bets:   make(map[uuid.UUID][]Bet),
		seen:   make(map[betRequest]struct{}),
	}
}

func (s *MemoryStore) CreateRound(_ context.Context, r *Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.Key()
	if _, ok := s.rounds[key]; ok {
		return ErrDuplicateRound
	}
	cp := *r
	s.rounds[key] = &cp
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, key Key) (*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[key]
	if !ok {
		return nil, ErrRoundNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) AddBet(_ context.Context, key Key, bet Bet, capacity int) (*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[key]
	if !ok {
		return nil, ErrRoundNotFound
	}
	req := betRequest{roundID: r.ID, userID: bet.UserID, requestID: bet.RequestID}
	if _, dup := s.seen[req]; dup {
		return nil, ErrDuplicateBet
	}
	if r.Status != StatusOpen || (capacity > 0 && r.BetCount >= capacity) {
		return nil, ErrRoundClosed
	}
	bet.RoundID = r.ID
	s.seen[req] = struct{}{}
	s.bets[r.ID] = append(s.bets[r.ID], bet)
	r.Totals.Bets += bet.Amount
	r.BetCount++
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, key Key, from, to Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[key]
	if !ok {
		return ErrRoundNotFound
	}
	if r.Status != from || !from.CanTransition(to) {
		return ErrStatusConflict
	}
	r.Status = to
	if to == StatusLocked {
		r.LockedAt = &at
	}
	return nil
}

func (s *MemoryStore) ListBets(_ context.Context, roundID uuid.UUID) ([]Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Bet(nil), s.bets[roundID]...), nil
}

func (s *MemoryStore) SaveSettlement(_ context.Context, key Key, st Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[key]
	if !ok {
		return ErrRoundNotFound
	}
	if r.Status != StatusLocked {
		return ErrStatusConflict
	}
	amounts := make(map[uuid.UUID]int64, len(st.Payouts))
	for _, p := range st.Payouts {
		amounts[p.BetID] = p.Amount
	}
	bets := s.bets[r.ID]
	for i := range bets {
		bets[i].Payout = amounts[bets[i].ID]
	}
	outcome := st.Outcome
	settledAt := st.SettledAt
	r.SeedRevealed = st.SeedRevealed
	r.Outcome = &outcome
	r.Totals.Payouts = st.TotalPayouts
	r.Status = StatusSettled
	r.SettledAt = &settledAt
	r.PayoutsPending = true
	return nil
}

func (s *MemoryStore) MarkPayoutsCredited(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[key]
	if !ok {
		return ErrRoundNotFound
	}
	r.PayoutsPending = false
	return nil
}

func (s *MemoryStore) ListPayoutsPending(_ context.Context) ([]Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Round
	for _, r := range s.rounds {
		if r.Status == StatusSettled && r.PayoutsPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.Before(*out[j].SettledAt) })
	return out, nil
}

func (s *MemoryStore) BlockSettlement(_ context.Context, key Key, reason string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[key]
	if !ok {
		return ErrRoundNotFound
	}
	if r.Status != StatusLocked {
		return ErrStatusConflict
	}
	r.Status = StatusSettlementBlocked
	r.BlockReason = reason
	return nil
}

func (s *MemoryStore) InvalidateBets(_ context.Context, roundID, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bets := s.bets[roundID]
	changed := 0
	for i := range bets {
		if bets[i].UserID == userID && !bets[i].Invalid {
			bets[i].Invalid = true
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryStore) InvalidateRound(_ context.Context, key Key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[key]
	if !ok {
		return ErrRoundNotFound
	}
	r.Invalidated = true
	r.InvalidReason = reason
	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, status Status, before time.Time) ([]Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Round
	for _, r := range s.rounds {
		if r.Status == status && !r.LockDeadline.After(before) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockDeadline.Before(out[j].LockDeadline) })
	return out, nil
}
