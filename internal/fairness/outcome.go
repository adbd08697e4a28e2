package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const (
	MinMultiplier = 1.00
	MaxMultiplier = 1000000.00
	HouseEdge     = 0.01

	diceSides = 10000
)

// OutcomeKind selects the shape of a derived outcome.
type OutcomeKind string

const (
	OutcomeCrash OutcomeKind = "crash"
	OutcomeDice  OutcomeKind = "dice"
	OutcomePick  OutcomeKind = "pick"
)

// RoundInputs are the public values mixed with the seed.
type RoundInputs struct {
	Key        RoundKey    `json:"-"`
	ClientSeed string      `json:"client_seed"`
	Nonce      int64       `json:"nonce"`
	Kind       OutcomeKind `json:"kind"`
	Choices    int         `json:"choices,omitempty"`
}

// Outcome is a tagged variant: exactly one payload matches Kind.
type Outcome struct {
	Kind   OutcomeKind  `json:"kind"`
	Digest string       `json:"digest"`
	Crash  *CrashResult `json:"crash,omitempty"`
	Dice   *DiceResult  `json:"dice,omitempty"`
	Pick   *PickResult  `json:"pick,omitempty"`
}

type CrashResult struct {
	Multiplier float64 `json:"multiplier"`
}

type DiceResult struct {
	Roll float64 `json:"roll"`
}

type PickResult struct {
	Index   int `json:"index"`
	Choices int `json:"choices"`
}

// DeriveOutcome is a pure function of the seed and inputs.
func DeriveOutcome(seed string, in RoundInputs) (Outcome, error) {
	if seed == "" {
		return Outcome{}, fmt.Errorf("%w: empty seed", ErrInvalidInputs)
	}
	digest := roundDigest(seed, in)
	out := Outcome{Kind: in.Kind, Digest: hex.EncodeToString(digest)}

	switch in.Kind {
	case OutcomeCrash:
		out.Crash = &CrashResult{Multiplier: crashMultiplier(digest)}
	case OutcomeDice:
		n, err := sampleIndex(outcomeStream(digest, in), diceSides)
		if err != nil {
			return Outcome{}, err
		}
		out.Dice = &DiceResult{Roll: float64(n) / 100}
	case OutcomePick:
		if in.Choices <= 0 {
			return Outcome{}, fmt.Errorf("%w: pick needs at least one choice", ErrInvalidInputs)
		}
		n, err := sampleIndex(outcomeStream(digest, in), uint64(in.Choices))
		if err != nil {
			return Outcome{}, err
		}
		out.Pick = &PickResult{Index: int(n), Choices: in.Choices}
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownOutcomeKind, in.Kind)
	}
	return out, nil
}

// ReplayHash is the digest a client must reproduce from the revealed seed and its inputs.
func ReplayHash(seed string, in RoundInputs) (string, error) {
	out, err := DeriveOutcome(seed, in)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, part := range []string{out.Digest, in.Key.String(), in.ClientSeed, strconv.FormatInt(in.Nonce, 10), string(in.Kind)} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func roundDigest(seed string, in RoundInputs) []byte {
	mac := hmac.New(sha256.New, []byte(seed))
	fmt.Fprintf(mac, "%s:%d:%s:%d", in.Key.GameID, in.Key.BucketStart.UnixMilli(), in.ClientSeed, in.Nonce)
	return mac.Sum(nil)
}

func outcomeStream(digest []byte, in RoundInputs) io.Reader {
	return hkdf.New(sha256.New, digest, []byte(in.Key.String()), []byte("outcome/"+string(in.Kind)))
}

func crashMultiplier(digest []byte) float64 {
	// 53 high bits give a uniform float in [0, 1).
	r := float64(binary.BigEndian.Uint64(digest[:8])>>11) / float64(uint64(1)<<53)
	if r < HouseEdge {
		return MinMultiplier
	}
	crash := (1 - HouseEdge) / (1 - r)
	crash = math.Floor(crash*100) / 100
	if crash < MinMultiplier {
		return MinMultiplier
	}
	if crash > MaxMultiplier {
		return MaxMultiplier
	}
	return crash
}

// sampleIndex draws an unbiased value in [0, n) by rejection sampling.
func sampleIndex(r io.Reader, n uint64) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("%w: empty range", ErrInvalidInputs)
	}
	limit := math.MaxUint64 - math.MaxUint64%n
	var buf [8]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, fmt.Errorf("outcome stream: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return v % n, nil
		}
	}
}
