package anticheat

import (
	"time"
)

// Limits are the per-game plausibility ceilings the classifier checks against.
type Limits struct {
	MaxScorePerSecond  float64
	MaxInputsPerSecond float64
	InputWindow        time.Duration
	ReactionMeanMs     float64
	ReactionStdDevMs   float64
	SigmaThreshold     float64
	MinHumanStdDevMs   float64
	PatternMinSamples  int64
	MaxClockSkewMs     int64
	// RoundWideOnTermination voids the whole round when a participant is
	// terminated, for head-to-head games where one cheater decides everyone's outcome.
	RoundWideOnTermination bool
}

func DefaultLimits() Limits {
	return Limits{
		MaxScorePerSecond:  50,
		MaxInputsPerSecond: 20,
		InputWindow:        2 * time.Second,
		ReactionMeanMs:     250,
		ReactionStdDevMs:   40,
		SigmaThreshold:     3,
		MinHumanStdDevMs:   8,
		PatternMinSamples:  30,
		MaxClockSkewMs:     2000,
	}
}

// Policy tunes escalation and action selection.
type Policy struct {
	// EscalationThreshold prior flags of the same severity inside EscalationWindow raise the next one a level.
	EscalationThreshold int
	EscalationWindow    time.Duration
	// HistoryRetention bounds how far back repeat-offense counts look.
	HistoryRetention time.Duration
	TemporaryBan     time.Duration

	WarnAfterLowFlags           int
	InvalidateAfterWarnings     int
	TerminateAfterInvalidations int
	PermanentBanAfterBans       int

	// ReviewFlags route below-high findings of these types to a human.
	ReviewFlags map[FlagType]bool
}

func DefaultPolicy() Policy {
	return Policy{
		EscalationThreshold:         3,
		EscalationWindow:            24 * time.Hour,
		HistoryRetention:            90 * 24 * time.Hour,
		TemporaryBan:                72 * time.Hour,
		WarnAfterLowFlags:           5,
		InvalidateAfterWarnings:     2,
		TerminateAfterInvalidations: 2,
		PermanentBanAfterBans:       2,
		ReviewFlags:                 map[FlagType]bool{FlagPatternRecognition: true},
	}
}

type severityBand struct {
	below    float64
	severity Severity
}

// severityBands maps deviation magnitude to severity per flag; the last band is open-ended.
// Ratios for score, input, network and pattern; z-score for timing.
var severityBands = map[FlagType][]severityBand{
	FlagImpossibleScore: {
		{below: 1.5, severity: SeverityMedium},
		{below: 3, severity: SeverityHigh},
		{severity: SeverityCritical},
	},
	FlagAbnormalTiming: {
		{below: 4, severity: SeverityLow},
		{below: 6, severity: SeverityMedium},
		{severity: SeverityHigh},
	},
	FlagInputRateAnomaly: {
		{below: 1.5, severity: SeverityLow},
		{below: 2.5, severity: SeverityMedium},
		{below: 5, severity: SeverityHigh},
		{severity: SeverityCritical},
	},
	FlagReplayMismatch: {
		{severity: SeverityHigh},
	},
	FlagNetworkManipulation: {
		{below: 2, severity: SeverityLow},
		{below: 5, severity: SeverityMedium},
		{severity: SeverityHigh},
	},
	FlagClientModification: {
		{severity: SeverityCritical},
	},
	FlagPatternRecognition: {
		{below: 2, severity: SeverityMedium},
		{severity: SeverityHigh},
	},
}

// AssignSeverity is a pure function of flag type and deviation magnitude.
func AssignSeverity(flag FlagType, deviation float64) Severity {
	bands, ok := severityBands[flag]
	if !ok {
		return SeverityLow
	}
	for _, b := range bands {
		if b.below == 0 || deviation < b.below {
			return b.severity
		}
	}
	return bands[len(bands)-1].severity
}

// Escalate raises base one level when the user already has enough flags of
// that severity inside the window.
func Escalate(base Severity, h History, p Policy) (Severity, bool) {
	if p.EscalationThreshold <= 0 {
		return base, false
	}
	if h.SameSeverity[base] >= p.EscalationThreshold && base < SeverityCritical {
		return base.Escalate(), true
	}
	return base, false
}

// DecideAction maps a log's severity and the user's history to an action.
// Critical always yields at least session termination.
func DecideAction(log Log, h History, p Policy) Action {
	if p.ReviewFlags[log.FlagType] && log.Severity < SeverityHigh && !log.Escalated {
		return ActionManualReview
	}

	switch log.Severity {
	case SeverityLow:
		if h.RecentFlags >= p.WarnAfterLowFlags {
			return ActionWarningIssued
		}
		return ActionNone
	case SeverityMedium:
		if h.Warnings >= p.InvalidateAfterWarnings {
			return ActionScoreInvalidated
		}
		return ActionWarningIssued
	case SeverityHigh:
		switch {
		case h.TemporaryBans > 0:
			return ActionTemporaryBan
		case h.Invalidations >= p.TerminateAfterInvalidations:
			return ActionSessionTerminated
		}
		return ActionScoreInvalidated
	default:
		switch {
		case h.TemporaryBans >= p.PermanentBanAfterBans:
			return ActionPermanentBan
		case h.TemporaryBans > 0 || h.Terminations > 0:
			return ActionTemporaryBan
		}
		return ActionSessionTerminated
	}
}
