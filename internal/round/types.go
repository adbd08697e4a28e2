package round

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gokatarajesh/arena-core/internal/fairness"
)

// Key identifies a round by (gameId, bucketStart).
type Key = fairness.RoundKey

// NewKey builds a normalized round key.
func NewKey(gameID string, bucketStart time.Time) Key {
	return fairness.NewRoundKey(gameID, bucketStart)
}

// Status lifecycle states. Transitions only move forward.
type Status string

const (
	StatusOpen              Status = "open"
	StatusLocked            Status = "locked"
	StatusSettled           Status = "settled"
	StatusSettlementBlocked Status = "settlement_blocked"
)

// CanTransition reports whether from -> to is a legal forward step.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusOpen:
		return to == StatusLocked
	case StatusLocked:
		return to == StatusSettled || to == StatusSettlementBlocked
	}
	return false
}

// Totals are aggregate coin amounts for a round.
type Totals struct {
	Bets    int64 `json:"bets"`
	Payouts int64 `json:"payouts"`
}

// Round is the GameRound aggregate.
type Round struct {
	ID            uuid.UUID         `json:"id"`
	GameID        string            `json:"game_id"`
	BucketStart   time.Time         `json:"bucket_start"`
	ClientSeed    string            `json:"client_seed"`
	SeedHash      string            `json:"seed_hash"`
	SeedRevealed  string            `json:"seed_revealed,omitempty"`
	Outcome       *fairness.Outcome `json:"outcome,omitempty"`
	Totals        Totals            `json:"totals"`
	BetCount      int               `json:"bet_count"`
	Status        Status            `json:"status"`
	Players       []uuid.UUID       `json:"players,omitempty"` // empty admits anyone
	BlockReason   string            `json:"-"`
	Invalidated   bool              `json:"invalidated"`
	InvalidReason string            `json:"-"`
	LockDeadline  time.Time         `json:"lock_deadline"`
	CreatedAt     time.Time         `json:"created_at"`
	LockedAt      *time.Time        `json:"locked_at,omitempty"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`

	// PayoutsPending is set with the settlement and cleared once every credit landed.
	PayoutsPending bool `json:"-"`
}

// Key returns the round's aggregate key.
func (r *Round) Key() Key {
	return NewKey(r.GameID, r.BucketStart)
}

// Admits reports whether userID may bet on the round.
func (r *Round) Admits(userID uuid.UUID) bool {
	if len(r.Players) == 0 {
		return true
	}
	for _, p := range r.Players {
		if p == userID {
			return true
		}
	}
	return false
}

// Public strips the seed until the round is settled.
func (r Round) Public() Round {
	if r.Status != StatusSettled {
		r.SeedRevealed = ""
		r.Outcome = nil
	}
	return r
}

// Bet is one wager. RequestID is the caller's retry key, unique per (round, user).
type Bet struct {
	ID        uuid.UUID `json:"id"`
	RoundID   uuid.UUID `json:"round_id"`
	UserID    uuid.UUID `json:"user_id"`
	RequestID uuid.UUID `json:"request_id"`
	Amount    int64     `json:"amount"`
	Payout    int64     `json:"payout"`
	Invalid   bool      `json:"invalid"`
	PlacedAt  time.Time `json:"placed_at"`
}

// BetRequest is a play request against an open round.
type BetRequest struct {
	Key       Key
	UserID    uuid.UUID
	Amount    int64
	RequestID uuid.UUID
}

// Payout is a rule's decision for one bet.
type Payout struct {
	BetID  uuid.UUID
	UserID uuid.UUID
	Amount int64
}

// Settlement is persisted atomically when a round settles.
type Settlement struct {
	RoundID      uuid.UUID
	SeedRevealed string
	Outcome      fairness.Outcome
	Payouts      []Payout
	TotalPayouts int64
	SettledAt    time.Time
}

// Ledger is the external wallet service. Calls must be idempotent per key.
type Ledger interface {
	Debit(ctx context.Context, idempotencyKey string, userID uuid.UUID, amount int64) error
	Credit(ctx context.Context, idempotencyKey string, userID uuid.UUID, amount int64) error
}

// EventPublisher fans round events out to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Event topics.
const (
	TopicOpened      = "round.opened"
	TopicLocked      = "round.locked"
	TopicSettled     = "round.settled"
	TopicBlocked     = "round.blocked"
	TopicInvalidated = "round.invalidated"
)

// Event is the payload published on every transition.
type Event struct {
	Round  Round      `json:"round"`
	UserID *uuid.UUID `json:"user_id,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }
