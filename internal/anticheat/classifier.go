package anticheat

import (
	"math"
	"time"
)

type inputMark struct {
	at     time.Time
	inputs int
}

// reactionStats is a running mean/variance (Welford).
type reactionStats struct {
	n    int64
	mean float64
	m2   float64
}

func (r *reactionStats) add(x float64) {
	r.n++
	delta := x - r.mean
	r.mean += delta / float64(r.n)
	r.m2 += delta * (x - r.mean)
}

func (r *reactionStats) stddev() float64 {
	if r.n < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.n-1))
}

// sessionState accumulates signals across a session's samples.
type sessionState struct {
	inputs         []inputMark
	reactions      reactionStats
	lastScore      int64
	lastElapsedMs  int64
	seen           bool
	patternFlagged bool
	lastSeen       time.Time
}

func (s *sessionState) inputRate(now time.Time, add int, window time.Duration) float64 {
	s.inputs = append(s.inputs, inputMark{at: now, inputs: add})
	cutoff := now.Add(-window)
	drop := 0
	for drop < len(s.inputs) && s.inputs[drop].at.Before(cutoff) {
		drop++
	}
	s.inputs = s.inputs[drop:]

	total := 0
	for _, m := range s.inputs {
		total += m.inputs
	}
	return float64(total) / window.Seconds()
}

// classify runs every rule over one sample. serverHash is the replay hash the
// server derived for the sample's round; empty skips the replay rule.
func classify(sample Sample, received time.Time, limits Limits, state *sessionState, serverHash string) []Evidence {
	var found []Evidence

	if ev, ok := checkScore(sample, limits, state); ok {
		found = append(found, ev)
	}
	if ev, ok := checkTiming(sample, limits); ok {
		found = append(found, ev)
	}
	if limits.InputWindow > 0 && limits.MaxInputsPerSecond > 0 {
		rate := state.inputRate(received, sample.Inputs, limits.InputWindow)
		if rate > limits.MaxInputsPerSecond {
			found = append(found, Evidence{
				Kind:      FlagInputRateAnomaly,
				Deviation: rate / limits.MaxInputsPerSecond,
				InputRate: &InputRateEvidence{PerSecond: rate, Ceiling: limits.MaxInputsPerSecond},
			})
		}
	}
	if ev, ok := checkReplay(sample.ReplayHash, serverHash); ok {
		found = append(found, ev)
	}
	if ev, ok := checkNetwork(sample, received, limits); ok {
		found = append(found, ev)
	}
	if sample.ClientIntegrityFailure != "" {
		found = append(found, Evidence{
			Kind:      FlagClientModification,
			Deviation: 1,
			Client:    &ClientEvidence{Reason: sample.ClientIntegrityFailure},
		})
	}
	if ev, ok := checkPattern(sample, limits, state); ok {
		found = append(found, ev)
	}

	state.lastScore = sample.Score
	state.lastElapsedMs = sample.ElapsedMs
	state.seen = true
	state.lastSeen = received
	return found
}

// checkScore compares both the cumulative score and the delta since the last
// sample against what the elapsed time allows.
func checkScore(sample Sample, limits Limits, state *sessionState) (Evidence, bool) {
	if limits.MaxScorePerSecond <= 0 {
		return Evidence{}, false
	}
	elapsedMs := max(sample.ElapsedMs, 1)
	theoretical := limits.MaxScorePerSecond * float64(elapsedMs) / 1000
	ratio := float64(sample.Score) / theoretical

	if state.seen && sample.ElapsedMs > state.lastElapsedMs {
		deltaMs := sample.ElapsedMs - state.lastElapsedMs
		deltaMax := limits.MaxScorePerSecond * float64(deltaMs) / 1000
		if deltaRatio := float64(sample.Score-state.lastScore) / deltaMax; deltaRatio > ratio {
			ratio = deltaRatio
			theoretical = deltaMax
			elapsedMs = deltaMs
		}
	}
	if ratio <= 1 {
		return Evidence{}, false
	}
	return Evidence{
		Kind:      FlagImpossibleScore,
		Deviation: ratio,
		Score: &ScoreEvidence{
			Reported:       sample.Score,
			TheoreticalMax: theoretical,
			ElapsedMs:      elapsedMs,
		},
	}, true
}

// checkTiming flags reactions faster than the human distribution allows.
func checkTiming(sample Sample, limits Limits) (Evidence, bool) {
	if limits.ReactionStdDevMs <= 0 || len(sample.ReactionTimesMs) == 0 {
		return Evidence{}, false
	}
	fastest := math.Inf(1)
	for _, rt := range sample.ReactionTimesMs {
		fastest = math.Min(fastest, rt)
	}
	z := (limits.ReactionMeanMs - fastest) / limits.ReactionStdDevMs
	if z <= limits.SigmaThreshold {
		return Evidence{}, false
	}
	return Evidence{
		Kind:      FlagAbnormalTiming,
		Deviation: z,
		Timing: &TimingEvidence{
			ReactionMs: fastest,
			ExpectedMs: limits.ReactionMeanMs,
			StdDevMs:   limits.ReactionStdDevMs,
			ZScore:     z,
		},
	}, true
}

func checkReplay(clientHash, serverHash string) (Evidence, bool) {
	if clientHash == "" || serverHash == "" || clientHash == serverHash {
		return Evidence{}, false
	}
	return Evidence{
		Kind:      FlagReplayMismatch,
		Deviation: 1,
		Replay:    &ReplayEvidence{ClientHash: clientHash, ServerHash: serverHash},
	}, true
}

func checkNetwork(sample Sample, received time.Time, limits Limits) (Evidence, bool) {
	if limits.MaxClockSkewMs <= 0 {
		return Evidence{}, false
	}
	skew := abs(sample.ClockSkewMs)
	if !sample.Timestamp.IsZero() {
		skew = max(skew, abs(received.Sub(sample.Timestamp).Milliseconds()))
	}
	if skew <= limits.MaxClockSkewMs {
		return Evidence{}, false
	}
	return Evidence{
		Kind:      FlagNetworkManipulation,
		Deviation: float64(skew) / float64(limits.MaxClockSkewMs),
		Network:   &NetworkEvidence{ClockSkewMs: skew, MaxClockSkewMs: limits.MaxClockSkewMs},
	}, true
}

// checkPattern flags machine-like consistency once per session.
func checkPattern(sample Sample, limits Limits, state *sessionState) (Evidence, bool) {
	for _, rt := range sample.ReactionTimesMs {
		state.reactions.add(rt)
	}
	if state.patternFlagged || limits.MinHumanStdDevMs <= 0 || state.reactions.n < limits.PatternMinSamples {
		return Evidence{}, false
	}
	sd := state.reactions.stddev()
	if sd >= limits.MinHumanStdDevMs {
		return Evidence{}, false
	}
	state.patternFlagged = true
	return Evidence{
		Kind:      FlagPatternRecognition,
		Deviation: limits.MinHumanStdDevMs / math.Max(sd, 0.01),
		Pattern: &PatternEvidence{
			Samples:     state.reactions.n,
			StdDevMs:    sd,
			MinStdDevMs: limits.MinHumanStdDevMs,
		},
	}, true
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
