package ws

import (
	"encoding/json"
	"strconv"
)

// MessageType constants for WebSocket protocol.
const (
	// Client -> Server
	TypeTelemetry        = "telemetry"
	TypeJoinQueue        = "join_queue"
	TypeLeaveQueue       = "leave_queue"
	TypeSubscribeRound   = "subscribe_round"
	TypeUnsubscribeRound = "unsubscribe_round"
	TypePing             = "ping"

	// Server -> Client
	TypeQueueUpdate       = "queue_update"
	TypeMatchFound        = "match_found"
	TypeRoundEvent        = "round_event"
	TypeSessionTerminated = "session_terminated"
	TypeError             = "error"
	TypePong              = "pong"
)

// Message wraps all WebSocket payloads with type and optional request ID.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage marshals payload into a typed message.
func NewMessage(msgType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// RoundTopic names the subscription for a round's events.
func RoundTopic(gameID string, bucketMs int64) string {
	return "round:" + gameID + ":" + strconv.FormatInt(bucketMs, 10)
}

// MatchTopic names the subscription for a match's participants.
func MatchTopic(matchID string) string {
	return "match:" + matchID
}

// Client Messages (incoming)

type TelemetryPayload struct {
	GameID                 string    `json:"game_id"`
	ElapsedMs              int64     `json:"elapsed_ms"`
	Score                  int64     `json:"score"`
	Inputs                 int       `json:"inputs"`
	ReactionTimesMs        []float64 `json:"reaction_times_ms,omitempty"`
	RoundBucketMs          *int64    `json:"round_bucket_ms,omitempty"`
	ReplayHash             string    `json:"replay_hash,omitempty"`
	ClientIntegrityFailure string    `json:"client_integrity_failure,omitempty"`
	ClientTimestampMs      int64     `json:"client_timestamp_ms,omitempty"`
}

type JoinQueuePayload struct {
	GameType  string `json:"game_type"`
	GameMode  string `json:"game_mode"`
	Region    string `json:"region"`
	MaxMMRGap int    `json:"max_mmr_gap,omitempty"`
}

type LeaveQueuePayload struct {
	GameType   string `json:"game_type"`
	GameMode   string `json:"game_mode"`
	Region     string `json:"region"`
	SkillLevel int    `json:"skill_level"`
}

type SubscribeRoundPayload struct {
	GameID   string `json:"game_id"`
	BucketMs int64  `json:"bucket_ms"`
}

// Server Messages (outgoing)

type QueueUpdatePayload struct {
	Queue       string `json:"queue"`
	Status      string `json:"status"`
	Position    int    `json:"position"`
	WaitSeconds int    `json:"wait_seconds"`
}

type MatchFoundPayload struct {
	MatchID  string   `json:"match_id"`
	Queue    string   `json:"queue"`
	Players  []Player `json:"players"`
	GameID   string   `json:"game_id"`
	BucketMs int64    `json:"bucket_ms"`
	SeedHash string   `json:"seed_hash"`
}

type Player struct {
	UserID string `json:"user_id"`
	MMR    int    `json:"mmr"`
}

type RoundEventPayload struct {
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
