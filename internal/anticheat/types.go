package anticheat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gokatarajesh/arena-core/internal/fairness"
)

// FlagType names the anomaly class.
type FlagType string

const (
	FlagImpossibleScore     FlagType = "impossible_score"
	FlagAbnormalTiming      FlagType = "abnormal_timing"
	FlagInputRateAnomaly    FlagType = "input_rate_anomaly"
	FlagReplayMismatch      FlagType = "replay_mismatch"
	FlagNetworkManipulation FlagType = "network_manipulation"
	FlagClientModification  FlagType = "client_modification"
	FlagPatternRecognition  FlagType = "pattern_recognition"
)

// Severity is ordered: Low < Medium < High < Critical.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity maps a stored name back to a Severity.
func ParseSeverity(name string) (Severity, error) {
	for sev, n := range severityNames {
		if n == name {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// Escalate raises the severity one level, capped at critical.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Action is the automatic response recorded on a log entry.
type Action string

const (
	ActionNone              Action = "none"
	ActionWarningIssued     Action = "warning_issued"
	ActionScoreInvalidated  Action = "score_invalidated"
	ActionSessionTerminated Action = "session_terminated"
	ActionTemporaryBan      Action = "temporary_ban"
	ActionPermanentBan      Action = "permanent_ban"
	ActionManualReview      Action = "manual_review"
)

// TerminatesSession reports whether the action ends the player's session.
func (a Action) TerminatesSession() bool {
	switch a {
	case ActionSessionTerminated, ActionTemporaryBan, ActionPermanentBan:
		return true
	}
	return false
}

// InvalidatesPlay reports whether the player's bet in the affected round is voided.
func (a Action) InvalidatesPlay() bool {
	return a == ActionScoreInvalidated || a.TerminatesSession()
}

// Status is the moderation state of a log entry.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Evidence is a tagged variant keyed by Kind; only the matching payload is set.
type Evidence struct {
	Kind      FlagType           `json:"kind"`
	Deviation float64            `json:"deviation"`
	Score     *ScoreEvidence     `json:"score,omitempty"`
	Timing    *TimingEvidence    `json:"timing,omitempty"`
	InputRate *InputRateEvidence `json:"input_rate,omitempty"`
	Replay    *ReplayEvidence    `json:"replay,omitempty"`
	Network   *NetworkEvidence   `json:"network,omitempty"`
	Client    *ClientEvidence    `json:"client,omitempty"`
	Pattern   *PatternEvidence   `json:"pattern,omitempty"`
}

type ScoreEvidence struct {
	Reported       int64   `json:"reported"`
	TheoreticalMax float64 `json:"theoretical_max"`
	ElapsedMs      int64   `json:"elapsed_ms"`
}

type TimingEvidence struct {
	ReactionMs float64 `json:"reaction_ms"`
	ExpectedMs float64 `json:"expected_ms"`
	StdDevMs   float64 `json:"stddev_ms"`
	ZScore     float64 `json:"z_score"`
}

type InputRateEvidence struct {
	PerSecond float64 `json:"per_second"`
	Ceiling   float64 `json:"ceiling"`
}

type ReplayEvidence struct {
	ClientHash string `json:"client_hash"`
	ServerHash string `json:"server_hash"`
}

type NetworkEvidence struct {
	ClockSkewMs    int64 `json:"clock_skew_ms"`
	MaxClockSkewMs int64 `json:"max_clock_skew_ms"`
}

type ClientEvidence struct {
	Reason string `json:"reason"`
}

type PatternEvidence struct {
	Samples     int64   `json:"samples"`
	StdDevMs    float64 `json:"stddev_ms"`
	MinStdDevMs float64 `json:"min_stddev_ms"`
}

// Log is one append-only anti-cheat record.
type Log struct {
	ID          uuid.UUID          `json:"id"`
	UserID      uuid.UUID          `json:"user_id"`
	GameID      string             `json:"game_id"`
	SessionID   string             `json:"session_id"`
	Round       *fairness.RoundKey `json:"-"`
	FlagType    FlagType           `json:"flag_type"`
	Severity    Severity           `json:"severity"`
	Escalated   bool               `json:"escalated"`
	Details     Evidence           `json:"details"`
	ActionTaken Action             `json:"action_taken"`
	Status      Status             `json:"status"`
	Reviewed    bool               `json:"reviewed"`
	ReviewedBy  *uuid.UUID         `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time         `json:"reviewed_at,omitempty"`
	ReviewNotes string             `json:"review_notes,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Sample is one telemetry submission from an authenticated session.
type Sample struct {
	UserID    uuid.UUID `json:"-"`
	SessionID string    `json:"-"`
	GameID    string    `json:"game_id"`
	Timestamp time.Time `json:"timestamp"`
	ElapsedMs int64     `json:"elapsed_ms"`
	Score     int64     `json:"score"`
	Inputs    int       `json:"inputs"`

	ReactionTimesMs []float64 `json:"reaction_times_ms,omitempty"`

	Round      *fairness.RoundKey `json:"-"`
	ReplayHash string             `json:"replay_hash,omitempty"`

	ClientIntegrityFailure string `json:"client_integrity_failure,omitempty"`
	ClockSkewMs            int64  `json:"clock_skew_ms,omitempty"`
}

// Directive asks the round manager to void play affected by an anomaly.
type Directive struct {
	LogID     uuid.UUID
	UserID    uuid.UUID
	SessionID string
	GameID    string
	Round     *fairness.RoundKey
	RoundWide bool
	Action    Action
	Reason    string
}
