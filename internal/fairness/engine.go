package fairness

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound           = errors.New("fairness: no commitment for round")
	ErrAlreadyRevealed    = errors.New("fairness: round already revealed with a different seed")
	ErrUnknownOutcomeKind = errors.New("fairness: unknown outcome kind")
	ErrInvalidInputs      = errors.New("fairness: invalid round inputs")
)

// RoundKey identifies one round bucket of a game.
type RoundKey struct {
	GameID      string
	BucketStart time.Time
}

// NewRoundKey normalizes the bucket start to UTC millisecond precision so keys
// round-trip through Redis and Postgres unchanged.
func NewRoundKey(gameID string, bucketStart time.Time) RoundKey {
	return RoundKey{GameID: gameID, BucketStart: bucketStart.UTC().Truncate(time.Millisecond)}
}

func (k RoundKey) String() string {
	return fmt.Sprintf("%s:%d", k.GameID, k.BucketStart.UnixMilli())
}

// SeedStore keeps committed seeds server-side until reveal.
type SeedStore interface {
	// PutIfAbsent stores seed unless a commitment exists and returns the seed now on record.
	PutIfAbsent(ctx context.Context, key RoundKey, seed string) (string, error)
	// Get returns the committed seed or ErrNotFound.
	Get(ctx context.Context, key RoundKey) (string, error)
	// RecordReveal marks seed as revealed unless already marked and returns the recorded value.
	RecordReveal(ctx context.Context, key RoundKey, seed string) (string, error)
}

// Engine runs the commit-reveal protocol for round buckets.
type Engine struct {
	store  SeedStore
	random io.Reader
	logger zerolog.Logger
}

// NewEngine creates a fairness engine backed by store.
func NewEngine(store SeedStore, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		random: rand.Reader,
		logger: logger.With().Str("component", "fairness").Logger(),
	}
}

// Commit generates a secret seed for the round and returns only its digest.
// Retrying a commit returns the original digest; an existing seed is never replaced.
func (e *Engine) Commit(ctx context.Context, key RoundKey) (string, error) {
	seed, err := GenerateSeed(e.random)
	if err != nil {
		return "", err
	}
	stored, err := e.store.PutIfAbsent(ctx, key, seed)
	if err != nil {
		return "", fmt.Errorf("store seed: %w", err)
	}
	if stored != seed {
		e.logger.Debug().Str("round", key.String()).Msg("commitment already present")
	}
	return HashCommitment(stored), nil
}

// Reveal returns the committed seed. Re-revealing yields the identical seed.
func (e *Engine) Reveal(ctx context.Context, key RoundKey) (string, error) {
	seed, err := e.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	recorded, err := e.store.RecordReveal(ctx, key, seed)
	if err != nil {
		return "", fmt.Errorf("record reveal: %w", err)
	}
	if recorded != seed {
		e.logger.Error().Str("round", key.String()).Msg("recorded reveal diverges from committed seed")
		return "", ErrAlreadyRevealed
	}
	return seed, nil
}

// Verify reports whether seed hashes to seedHash.
func (e *Engine) Verify(seed, seedHash string) bool {
	return Verify(seed, seedHash)
}

// GenerateSeed reads 32 random bytes and hex-encodes them.
func GenerateSeed(r io.Reader) (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("generate seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashCommitment is the hex SHA-256 digest published before the round locks.
func HashCommitment(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the commitment and compares in constant time.
func Verify(seed, seedHash string) bool {
	if seed == "" || seedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashCommitment(seed)), []byte(seedHash)) == 1
}
