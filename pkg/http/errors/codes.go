package errors

// Error codes for standardized error responses
const (
	// Authentication errors
	ErrCodeInvalidToken           = "invalid_token"
	ErrCodeTokenExpired           = "token_expired"
	ErrCodeAuthenticationRequired = "authentication_required"

	// Validation errors
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeMissingField   = "missing_field"

	// Resource errors
	ErrCodeNotFound = "not_found"
	ErrCodeConflict = "conflict"

	// Round errors
	ErrCodeUnknownGame        = "unknown_game"
	ErrCodeRoundNotFound      = "round_not_found"
	ErrCodeRoundClosed        = "round_closed"
	ErrCodeInvalidAmount      = "invalid_amount"
	ErrCodeInsufficientFunds  = "insufficient_funds"
	ErrCodeRoundVoided        = "round_voided"
	ErrCodeGameUnavailable    = "game_unavailable"
	ErrCodeTransitionInFlight = "transition_in_progress"
	ErrCodeNotParticipant     = "not_participant"

	// Queue errors
	ErrCodeQueueFull     = "queue_full"
	ErrCodeAlreadyQueued = "already_queued"
	ErrCodeInvalidQueue  = "invalid_queue"

	// Anti-cheat
	ErrCodeSessionFlagged = "session_flagged"
	ErrCodeRateLimited    = "rate_limited"

	// WebSocket errors
	ErrCodeInvalidPayload     = "invalid_payload"
	ErrCodeUnknownMessageType = "unknown_message_type"

	// Server errors
	ErrCodeInternalError      = "internal_error"
	ErrCodeServiceUnavailable = "service_unavailable"
	ErrCodeUpstreamError      = "upstream_error"
)
