package anticheat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLogNotFound      = errors.New("anti-cheat log not found")
	ErrInvalidReview    = errors.New("invalid review transition")
	ErrRateLimited      = errors.New("telemetry rate limited")
	ErrBacklogFull      = errors.New("telemetry backlog full")
	ErrMonitorStopped   = errors.New("monitor stopped")
	ErrMissingSessionID = errors.New("telemetry requires user and session")
)

// CanTransition reports whether moderation may move a log from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusInvestigating || next == StatusResolved || next == StatusFalsePositive
	case StatusInvestigating:
		return next == StatusResolved || next == StatusFalsePositive
	}
	return false
}

// Review is a moderator's decision on a log entry.
type Review struct {
	ReviewerID uuid.UUID
	Status     Status
	Notes      string
	At         time.Time
}

// LogStore is the append-only audit trail. Entries are never deleted;
// only review fields change after Append.
type LogStore interface {
	Append(ctx context.Context, log Log) error
	Get(ctx context.Context, id uuid.UUID) (*Log, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Log, error)
	Review(ctx context.Context, id uuid.UUID, r Review) (*Log, error)
}

// ApplyReview validates and applies r to log in place.
func ApplyReview(log *Log, r Review) error {
	if !log.Status.CanTransition(r.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidReview, log.Status, r.Status)
	}
	reviewer := r.ReviewerID
	at := r.At
	log.Status = r.Status
	log.Reviewed = true
	log.ReviewedBy = &reviewer
	log.ReviewedAt = &at
	log.ReviewNotes = r.Notes
	return nil
}

// MemoryLogStore is an in-process LogStore.
type MemoryLogStore struct {
	mu   sync.Mutex
	logs map[uuid.UUID]*Log
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{logs: make(map[uuid.UUID]*Log)}
}

func (s *MemoryLogStore) Append(_ context.Context, log Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[log.ID]; ok {
		return fmt.Errorf("log %s already appended", log.ID)
	}
	s.logs[log.ID] = &log
	return nil
}

func (s *MemoryLogStore) Get(_ context.Context, id uuid.UUID) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[id]
	if !ok {
		return nil, ErrLogNotFound
	}
	cp := *log
	return &cp, nil
}

// ListByUser returns the newest entries first.
func (s *MemoryLogStore) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Log
	for _, log := range s.logs {
		if log.UserID == userID {
			out = append(out, *log)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryLogStore) Review(_ context.Context, id uuid.UUID, r Review) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[id]
	if !ok {
		return nil, ErrLogNotFound
	}
	if err := ApplyReview(log, r); err != nil {
		return nil, err
	}
	cp := *log
	return &cp, nil
}
