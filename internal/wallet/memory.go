package wallet

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process ledger for the memory storage driver and tests.
// Accounts start at the opening balance on first use.
type MemoryLedger struct {
	mu       sync.Mutex
	opening  int64
	balances map[uuid.UUID]int64
	applied  map[string]struct{}
}

func NewMemoryLedger(opening int64) *MemoryLedger {
	return &MemoryLedger{
		opening:  opening,
		balances: make(map[uuid.UUID]int64),
		applied:  make(map[string]struct{}),
	}
}

func (l *MemoryLedger) balance(userID uuid.UUID) int64 {
	b, ok := l.balances[userID]
	if !ok {
		b = l.opening
		l.balances[userID] = b
	}
	return b
}

func (l *MemoryLedger) Debit(_ context.Context, idempotencyKey string, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.applied[idempotencyKey]; ok {
		return nil
	}
	b := l.balance(userID)
	if b < amount {
		return ErrInsufficientFunds
	}
	l.balances[userID] = b - amount
	l.applied[idempotencyKey] = struct{}{}
	return nil
}

func (l *MemoryLedger) Credit(_ context.Context, idempotencyKey string, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.applied[idempotencyKey]; ok {
		return nil
	}
	l.balances[userID] = l.balance(userID) + amount
	l.applied[idempotencyKey] = struct{}{}
	return nil
}

// Balance reports the user's current balance.
func (l *MemoryLedger) Balance(userID uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(userID)
}
