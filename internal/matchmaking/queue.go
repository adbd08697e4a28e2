package matchmaking

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status of a queue record.
type Status string

const (
	StatusActive   Status = "active"
	StatusMatching Status = "matching"
	StatusFull     Status = "full"
	StatusClosed   Status = "closed"
)

// Tier is the player's account tier, weighted into priority.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierVIP      Tier = "vip"
)

// Preferences narrow who a player accepts as an opponent.
type Preferences struct {
	// MaxMMRGap caps the skill distance the player accepts; zero means no cap.
	MaxMMRGap int `json:"max_mmr_gap,omitempty"`
}

// QueuePlayer is one waiting entry.
type QueuePlayer struct {
	UserID        uuid.UUID     `json:"user_id"`
	SessionID     string        `json:"session_id"`
	MMR           int           `json:"mmr"`
	Tier          Tier          `json:"tier"`
	Priority      int           `json:"priority"`
	JoinedAt      time.Time     `json:"joined_at"`
	EstimatedWait time.Duration `json:"estimated_wait"`
	Preferences   Preferences   `json:"preferences"`
}

type slot struct {
	player QueuePlayer
	used   bool
}

// Queue stores players in a slot arena with an index and free list, so a
// join or leave touches one slot instead of rewriting the whole collection.
type Queue struct {
	Key          QueueKey
	Status       Status
	Capacity     int
	CreatedAt    time.Time
	LastActivity time.Time
	EmptySince   time.Time

	slots []slot
	index map[uuid.UUID]int
	free  []int
	size  int
}

func newQueue(key QueueKey, capacity int, now time.Time) *Queue {
	return &Queue{
		Key:          key,
		Status:       StatusActive,
		Capacity:     capacity,
		CreatedAt:    now,
		LastActivity: now,
		EmptySince:   now,
		index:        make(map[uuid.UUID]int),
	}
}

func (q *Queue) Size() int { return q.size }

func (q *Queue) contains(userID uuid.UUID) bool {
	_, ok := q.index[userID]
	return ok
}

func (q *Queue) add(p QueuePlayer) {
	var i int
	if n := len(q.free); n > 0 {
		i = q.free[n-1]
		q.free = q.free[:n-1]
		q.slots[i] = slot{player: p, used: true}
	} else {
		i = len(q.slots)
		q.slots = append(q.slots, slot{player: p, used: true})
	}
	q.index[p.UserID] = i
	q.size++
}

func (q *Queue) remove(userID uuid.UUID) (QueuePlayer, bool) {
	i, ok := q.index[userID]
	if !ok {
		return QueuePlayer{}, false
	}
	p := q.slots[i].player
	q.slots[i] = slot{}
	q.free = append(q.free, i)
	delete(q.index, userID)
	q.size--
	return p, true
}

// ordered returns players by priority descending, then joinedAt ascending.
func (q *Queue) ordered() []QueuePlayer {
	out := make([]QueuePlayer, 0, q.size)
	for _, s := range q.slots {
		if s.used {
			out = append(out, s.player)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID.String() < b.UserID.String()
	})
	return out
}

// position is the player's zero-based place in match order.
func (q *Queue) position(userID uuid.UUID) int {
	for i, p := range q.ordered() {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (q *Queue) refreshStatus(minPlayers int, now time.Time) {
	if q.Status == StatusClosed {
		return
	}
	switch {
	case q.Capacity > 0 && q.size >= q.Capacity:
		q.Status = StatusFull
	case q.size >= minPlayers:
		q.Status = StatusMatching
	default:
		q.Status = StatusActive
	}
	if q.size == 0 {
		if q.EmptySince.IsZero() {
			q.EmptySince = now
		}
	} else {
		q.EmptySince = time.Time{}
	}
}

// check verifies arena bookkeeping.
func (q *Queue) check() error {
	if q.size != len(q.index) {
		return &InvariantViolation{Key: q.Key, Detail: fmt.Sprintf("size %d but %d indexed players", q.size, len(q.index))}
	}
	if q.Capacity > 0 && q.size > q.Capacity {
		return &InvariantViolation{Key: q.Key, Detail: fmt.Sprintf("size %d exceeds capacity %d", q.size, q.Capacity)}
	}
	for id, i := range q.index {
		if i >= len(q.slots) || !q.slots[i].used || q.slots[i].player.UserID != id {
			return &InvariantViolation{Key: q.Key, Detail: fmt.Sprintf("index for %s points at slot %d", id, i)}
		}
	}
	return nil
}
