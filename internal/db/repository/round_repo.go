package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gokatarajesh/arena-core/internal/fairness"
	"github.com/gokatarajesh/arena-core/internal/round"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const roundColumns = `id, game_id, bucket_start, client_seed, seed_hash, seed_revealed, outcome,
	total_bets, total_payouts, bet_count, status, block_reason, invalidated, invalid_reason,
	lock_deadline, created_at, locked_at, settled_at, players, payouts_pending`

// RoundRepository is the Postgres round.Store.
type RoundRepository struct {
	pool *pgxpool.Pool
}

// NewRoundRepository constructs a new round repository.
func NewRoundRepository(pool *pgxpool.Pool) *RoundRepository {
	return &RoundRepository{pool: pool}
}

func scanRound(row pgx.Row) (*round.Round, error) {
	var (
		r             round.Round
		seedRevealed  *string
		outcome       []byte
		status        string
		blockReason   *string
		invalidReason *string
	)
	err := row.Scan(&r.ID, &r.GameID, &r.BucketStart, &r.ClientSeed, &r.SeedHash, &seedRevealed, &outcome,
		&r.Totals.Bets, &r.Totals.Payouts, &r.BetCount, &status, &blockReason, &r.Invalidated, &invalidReason,
		&r.LockDeadline, &r.CreatedAt, &r.LockedAt, &r.SettledAt, &r.Players, &r.PayoutsPending)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, round.ErrRoundNotFound
	}
	if err != nil {
		return nil, err
	}
	// timestamptz comes back in the session zone
	r.BucketStart = round.NewKey(r.GameID, r.BucketStart).BucketStart
	r.LockDeadline = r.LockDeadline.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.Status = round.Status(status)
	if len(r.Players) == 0 {
		r.Players = nil
	}
	if seedRevealed != nil {
		r.SeedRevealed = *seedRevealed
	}
	if blockReason != nil {
		r.BlockReason = *blockReason
	}
	if invalidReason != nil {
		r.InvalidReason = *invalidReason
	}
	if len(outcome) > 0 {
		var o fairness.Outcome
		if err := json.Unmarshal(outcome, &o); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
		r.Outcome = &o
	}
	return &r, nil
}

func (r *RoundRepository) CreateRound(ctx context.Context, rd *round.Round) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO game_rounds (id, game_id, bucket_start, client_seed, seed_hash, status, lock_deadline, created_at, players)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rd.ID, rd.GameID, rd.BucketStart, rd.ClientSeed, rd.SeedHash, string(rd.Status), rd.LockDeadline, rd.CreatedAt, players(rd.Players))
	if isUniqueViolation(err) {
		return round.ErrDuplicateRound
	}
	return err
}

// players keeps an open round's column as an empty array rather than NULL.
func players(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func (r *RoundRepository) GetRound(ctx context.Context, key round.Key) (*round.Round, error) {
	return scanRound(r.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM game_rounds WHERE game_id = $1 AND bucket_start = $2`,
		key.GameID, key.BucketStart))
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// missingOrConflict resolves a zero-row conditional update into the right error.
func missingOrConflict(ctx context.Context, q rowQuerier, key round.Key, conflict error) error {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM game_rounds WHERE game_id = $1 AND bucket_start = $2)`,
		key.GameID, key.BucketStart).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return round.ErrRoundNotFound
	}
	return conflict
}

func (r *RoundRepository) AddBet(ctx context.Context, key round.Key, bet round.Bet, capacity int) (*round.Round, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var dup bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM round_bets b JOIN game_rounds g ON g.id = b.round_id
			WHERE g.game_id = $1 AND g.bucket_start = $2 AND b.user_id = $3 AND b.request_id = $4)`,
		key.GameID, key.BucketStart, bet.UserID, bet.RequestID).Scan(&dup); err != nil {
		return nil, err
	}
	if dup {
		return nil, round.ErrDuplicateBet
	}

	updated, err := scanRound(tx.QueryRow(ctx, `
		UPDATE game_rounds
		SET total_bets = total_bets + $3, bet_count = bet_count + 1
		WHERE game_id = $1 AND bucket_start = $2 AND status = 'open'
		  AND ($4 = 0 OR bet_count < $4)
		RETURNING `+roundColumns,
		key.GameID, key.BucketStart, bet.Amount, capacity))
	if errors.Is(err, round.ErrRoundNotFound) {
		return nil, missingOrConflict(ctx, tx, key, round.ErrRoundClosed)
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO round_bets (id, round_id, user_id, request_id, amount, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		bet.ID, updated.ID, bet.UserID, bet.RequestID, bet.Amount, bet.PlacedAt)
	if isUniqueViolation(err) {
		return nil, round.ErrDuplicateBet
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *RoundRepository) TransitionStatus(ctx context.Context, key round.Key, from, to round.Status, at time.Time) error {
	if !from.CanTransition(to) {
		return round.ErrStatusConflict
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE game_rounds
		SET status = $4, locked_at = CASE WHEN $4 = 'locked' THEN $5 ELSE locked_at END
		WHERE game_id = $1 AND bucket_start = $2 AND status = $3`,
		key.GameID, key.BucketStart, string(from), string(to), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, r.pool, key, round.ErrStatusConflict)
	}
	return nil
}

func (r *RoundRepository) ListBets(ctx context.Context, roundID uuid.UUID) ([]round.Bet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, round_id, user_id, request_id, amount, payout, invalid, placed_at
		FROM round_bets WHERE round_id = $1 ORDER BY placed_at, id`, roundID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (round.Bet, error) {
		var b round.Bet
		err := row.Scan(&b.ID, &b.RoundID, &b.UserID, &b.RequestID, &b.Amount, &b.Payout, &b.Invalid, &b.PlacedAt)
		b.PlacedAt = b.PlacedAt.UTC()
		return b, err
	})
}

func (r *RoundRepository) SaveSettlement(ctx context.Context, key round.Key, s round.Settlement) error {
	outcome, err := json.Marshal(s.Outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE game_rounds
		SET seed_revealed = $3, outcome = $4, total_payouts = $5, status = 'settled', settled_at = $6,
		    payouts_pending = TRUE
		WHERE game_id = $1 AND bucket_start = $2 AND status = 'locked'`,
		key.GameID, key.BucketStart, s.SeedRevealed, outcome, s.TotalPayouts, s.SettledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, tx, key, round.ErrStatusConflict)
	}

	batch := &pgx.Batch{}
	batch.Queue(`UPDATE round_bets SET payout = 0 WHERE round_id = $1`, s.RoundID)
	for _, p := range s.Payouts {
		batch.Queue(`UPDATE round_bets SET payout = $2 WHERE id = $1 AND round_id = $3`, p.BetID, p.Amount, s.RoundID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write payouts: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *RoundRepository) MarkPayoutsCredited(ctx context.Context, key round.Key) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE game_rounds SET payouts_pending = FALSE WHERE game_id = $1 AND bucket_start = $2`,
		key.GameID, key.BucketStart)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return round.ErrRoundNotFound
	}
	return nil
}

func (r *RoundRepository) ListPayoutsPending(ctx context.Context) ([]round.Round, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roundColumns+` FROM game_rounds WHERE status = 'settled' AND payouts_pending ORDER BY settled_at`)
	if err != nil {
		return nil, err
	}
	return collectRounds(rows)
}

func (r *RoundRepository) BlockSettlement(ctx context.Context, key round.Key, reason string, _ time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE game_rounds SET status = 'settlement_blocked', block_reason = $3
		WHERE game_id = $1 AND bucket_start = $2 AND status = 'locked'`,
		key.GameID, key.BucketStart, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, r.pool, key, round.ErrStatusConflict)
	}
	return nil
}

func (r *RoundRepository) InvalidateBets(ctx context.Context, roundID, userID uuid.UUID) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE round_bets SET invalid = TRUE WHERE round_id = $1 AND user_id = $2 AND NOT invalid`,
		roundID, userID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *RoundRepository) InvalidateRound(ctx context.Context, key round.Key, reason string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE game_rounds SET invalidated = TRUE, invalid_reason = $3 WHERE game_id = $1 AND bucket_start = $2`,
		key.GameID, key.BucketStart, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return round.ErrRoundNotFound
	}
	return nil
}

func (r *RoundRepository) ListDue(ctx context.Context, status round.Status, before time.Time) ([]round.Round, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roundColumns+` FROM game_rounds WHERE status = $1 AND lock_deadline <= $2 ORDER BY lock_deadline`,
		string(status), before)
	if err != nil {
		return nil, err
	}
	return collectRounds(rows)
}

func collectRounds(rows pgx.Rows) ([]round.Round, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (round.Round, error) {
		rd, err := scanRound(row)
		if err != nil {
			return round.Round{}, err
		}
		return *rd, nil
	})
}
