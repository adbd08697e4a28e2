package round

import "errors"

var (
	ErrUnknownGame          = errors.New("unknown game")
	ErrDuplicateRound       = errors.New("round already exists")
	ErrRoundNotFound        = errors.New("round not found")
	ErrRoundClosed          = errors.New("round locked")
	ErrAlreadyLocked        = errors.New("round already locked")
	ErrRoundNotLocked       = errors.New("round still open")
	ErrAlreadySettled       = errors.New("round already settled")
	ErrSettlementBlocked    = errors.New("round voided")
	ErrTransitionInProgress = errors.New("round transition in progress")
	ErrStatusConflict       = errors.New("round status changed concurrently")
	ErrInvalidAmount        = errors.New("invalid bet amount")
	ErrDuplicateBet         = errors.New("bet already recorded")
	ErrRequestConflict      = errors.New("request id already used for a different bet")
	ErrNotParticipant       = errors.New("round is reserved for matched players")
	ErrAIWinRateOutOfBounds = errors.New("game configuration rejected")
	ErrPayoutEnvelope       = errors.New("payout envelope violated")
	ErrNoPayoutRule         = errors.New("no payout rule for game")
	ErrPayoutIncomplete     = errors.New("payouts not fully credited")
	ErrLockHeld             = errors.New("lock already held")
)

// blockedError marks a settlement failure that must void the round.
type blockedError struct {
	reason string
	err    error
}

func (e *blockedError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

func (e *blockedError) Unwrap() error { return e.err }

func block(reason string, err error) error {
	return &blockedError{reason: reason, err: err}
}
