package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gokatarajesh/arena-core/internal/anticheat"
	"github.com/gokatarajesh/arena-core/internal/fairness"
)

const logColumns = `id, user_id, game_id, session_id, round_game_id, round_bucket, flag_type, severity,
	escalated, details, action_taken, status, reviewed, reviewed_by, reviewed_at, review_notes, created_at`

// AntiCheatRepository is the Postgres anticheat.LogStore. Rows are only
// inserted and reviewed, never deleted.
type AntiCheatRepository struct {
	pool *pgxpool.Pool
}

// NewAntiCheatRepository constructs a new anti-cheat log repository.
func NewAntiCheatRepository(pool *pgxpool.Pool) *AntiCheatRepository {
	return &AntiCheatRepository{pool: pool}
}

func scanLog(row pgx.Row) (*anticheat.Log, error) {
	var (
		l           anticheat.Log
		roundGame   *string
		roundBucket *time.Time
		severity    string
		details     []byte
		notes       *string
	)
	err := row.Scan(&l.ID, &l.UserID, &l.GameID, &l.SessionID, &roundGame, &roundBucket, &l.FlagType, &severity,
		&l.Escalated, &details, &l.ActionTaken, &l.Status, &l.Reviewed, &l.ReviewedBy, &l.ReviewedAt, &notes, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, anticheat.ErrLogNotFound
	}
	if err != nil {
		return nil, err
	}
	if l.Severity, err = anticheat.ParseSeverity(severity); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(details, &l.Details); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	if roundGame != nil && roundBucket != nil {
		key := fairness.NewRoundKey(*roundGame, *roundBucket)
		l.Round = &key
	}
	if notes != nil {
		l.ReviewNotes = *notes
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}

func (r *AntiCheatRepository) Append(ctx context.Context, l anticheat.Log) error {
	details, err := json.Marshal(l.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	var roundGame *string
	var roundBucket *time.Time
	if l.Round != nil {
		roundGame, roundBucket = &l.Round.GameID, &l.Round.BucketStart
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO anti_cheat_logs (id, user_id, game_id, session_id, round_game_id, round_bucket, flag_type,
			severity, escalated, details, action_taken, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		l.ID, l.UserID, l.GameID, l.SessionID, roundGame, roundBucket, string(l.FlagType),
		l.Severity.String(), l.Escalated, details, string(l.ActionTaken), string(l.Status), l.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("log %s already appended", l.ID)
	}
	return err
}

func (r *AntiCheatRepository) Get(ctx context.Context, id uuid.UUID) (*anticheat.Log, error) {
	return scanLog(r.pool.QueryRow(ctx, `SELECT `+logColumns+` FROM anti_cheat_logs WHERE id = $1`, id))
}

func (r *AntiCheatRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]anticheat.Log, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+logColumns+` FROM anti_cheat_logs WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (anticheat.Log, error) {
		l, err := scanLog(row)
		if err != nil {
			return anticheat.Log{}, err
		}
		return *l, nil
	})
}

func (r *AntiCheatRepository) Review(ctx context.Context, id uuid.UUID, rv anticheat.Review) (*anticheat.Log, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	l, err := scanLog(tx.QueryRow(ctx, `SELECT `+logColumns+` FROM anti_cheat_logs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := anticheat.ApplyReview(l, rv); err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE anti_cheat_logs
		SET status = $2, reviewed = TRUE, reviewed_by = $3, reviewed_at = $4, review_notes = $5
		WHERE id = $1`,
		id, string(l.Status), l.ReviewedBy, l.ReviewedAt, l.ReviewNotes)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return l, nil
}
