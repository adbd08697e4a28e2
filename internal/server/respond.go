package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gokatarajesh/arena-core/internal/anticheat"
	"github.com/gokatarajesh/arena-core/internal/matchmaking"
	"github.com/gokatarajesh/arena-core/internal/round"
	"github.com/gokatarajesh/arena-core/internal/wallet"
	httperrors "github.com/gokatarajesh/arena-core/pkg/http/errors"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type problem struct {
	status  int
	code    string
	message string
}

// classify maps domain errors to client responses. Fairness, configuration and
// anti-cheat internals never reach the client; players see generic messages.
func classify(err error) problem {
	var violation *matchmaking.InvariantViolation
	switch {
	case errors.Is(err, round.ErrUnknownGame):
		return problem{http.StatusNotFound, httperrors.ErrCodeUnknownGame, "Unknown game"}
	case errors.Is(err, round.ErrRoundNotFound):
		return problem{http.StatusNotFound, httperrors.ErrCodeRoundNotFound, "Round not found"}
	case errors.Is(err, round.ErrRoundClosed), errors.Is(err, round.ErrAlreadyLocked):
		return problem{http.StatusConflict, httperrors.ErrCodeRoundClosed, "Round is no longer accepting bets"}
	case errors.Is(err, round.ErrNotParticipant):
		return problem{http.StatusForbidden, httperrors.ErrCodeNotParticipant, "Round is reserved for matched players"}
	case errors.Is(err, round.ErrRequestConflict):
		return problem{http.StatusConflict, httperrors.ErrCodeConflict, "request_id already used for a different bet"}
	case errors.Is(err, round.ErrDuplicateRound):
		return problem{http.StatusConflict, httperrors.ErrCodeConflict, "Round already exists"}
	case errors.Is(err, round.ErrTransitionInProgress):
		return problem{http.StatusConflict, httperrors.ErrCodeTransitionInFlight, "Round is changing state, retry shortly"}
	case errors.Is(err, round.ErrInvalidAmount), errors.Is(err, wallet.ErrInvalidAmount):
		return problem{http.StatusBadRequest, httperrors.ErrCodeInvalidAmount, "Bet amount outside game limits"}
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return problem{http.StatusPaymentRequired, httperrors.ErrCodeInsufficientFunds, "Insufficient funds"}
	case errors.Is(err, round.ErrSettlementBlocked):
		return problem{http.StatusConflict, httperrors.ErrCodeRoundVoided, "Round voided"}
	case errors.Is(err, round.ErrAIWinRateOutOfBounds), errors.Is(err, round.ErrNoPayoutRule), errors.Is(err, round.ErrPayoutEnvelope):
		return problem{http.StatusServiceUnavailable, httperrors.ErrCodeGameUnavailable, "Game temporarily unavailable"}
	case errors.Is(err, matchmaking.ErrQueueFull):
		return problem{http.StatusConflict, httperrors.ErrCodeQueueFull, "Queue is full"}
	case errors.Is(err, matchmaking.ErrAlreadyQueued):
		return problem{http.StatusConflict, httperrors.ErrCodeAlreadyQueued, "Already waiting in a queue"}
	case errors.Is(err, matchmaking.ErrPlayerBlocked):
		return problem{http.StatusForbidden, httperrors.ErrCodeSessionFlagged, "Session flagged"}
	case errors.As(err, &violation):
		return problem{http.StatusBadRequest, httperrors.ErrCodeInvalidQueue, "Invalid queue"}
	case errors.Is(err, anticheat.ErrRateLimited):
		return problem{http.StatusTooManyRequests, httperrors.ErrCodeRateLimited, "Too many telemetry samples"}
	case errors.Is(err, anticheat.ErrBacklogFull), errors.Is(err, anticheat.ErrMonitorStopped):
		return problem{http.StatusServiceUnavailable, httperrors.ErrCodeServiceUnavailable, "Try again later"}
	}
	return problem{http.StatusInternalServerError, httperrors.ErrCodeInternalError, "Internal error"}
}

func (a *api) respondErr(w http.ResponseWriter, err error) {
	p := classify(err)
	if p.status >= http.StatusInternalServerError {
		a.logger.Error().Err(err).Msg("request failed")
	}
	switch p.status {
	case http.StatusNotFound:
		httperrors.RespondNotFound(w, p.code, p.message)
	case http.StatusForbidden:
		httperrors.RespondForbidden(w, p.code, p.message)
	case http.StatusConflict:
		httperrors.RespondConflict(w, p.code, p.message)
	case http.StatusTooManyRequests:
		httperrors.RespondTooManyRequests(w, p.code, p.message)
	case http.StatusServiceUnavailable:
		httperrors.RespondServiceUnavailable(w, p.code, p.message)
	case http.StatusInternalServerError:
		httperrors.RespondInternalError(w, p.message)
	default:
		httperrors.RespondError(w, p.status, p.code, p.message)
	}
}
