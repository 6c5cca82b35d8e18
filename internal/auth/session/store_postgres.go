package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (latch.refresh_tokens).
// The pool is owned by the caller.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore creates a Postgres-backed refresh token store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{"latch", "refresh_tokens"}.Sanitize(),
	}
}

const recordColumns = `id, principal_id, token_hash, expires_at, revoked, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(
		&r.ID,
		&r.PrincipalID,
		&r.TokenHash,
		&r.ExpiresAt,
		&r.Revoked,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// Insert adds a new refresh token record.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (
			id, principal_id, token_hash, expires_at, revoked, created_at, updated_at
		) VALUES ($1, $2, $3, $4, false, $5, $5)
	`, rec.ID, rec.PrincipalID, rec.TokenHash, rec.ExpiresAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// Get loads a record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	return scanRecord(s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM `+s.table+`
		WHERE id = $1
	`, id))
}

// FindActive loads the valid record matching principal and hash.
func (s *PostgresStore) FindActive(ctx context.Context, principalID int64, hash string, now time.Time) (Record, error) {
	return scanRecord(s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM `+s.table+`
		WHERE principal_id = $1
		  AND token_hash = $2
		  AND revoked = false
		  AND expires_at > $3
		LIMIT 1
	`, principalID, hash, now))
}

// Rotate overwrites hash and expiry of one row. Without ExpectHash this is a
// plain UPDATE by id, so concurrent rotations resolve as last-writer-wins.
func (s *PostgresStore) Rotate(ctx context.Context, p RotateParams) (Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `
		UPDATE `+s.table+`
		SET token_hash = $3,
		    expires_at = $4,
		    updated_at = $5
		WHERE id = $1
		  AND ($2::text = '' OR (token_hash = $2::text AND revoked = false))
		RETURNING `+recordColumns,
		p.ID, p.ExpectHash, p.NewHash, p.ExpiresAt, p.Now))
	if !errors.Is(err, ErrNotFound) || p.ExpectHash == "" {
		return rec, err
	}

	// Conditional update matched nothing: distinguish a lost race from a missing row.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table+` WHERE id = $1)`, p.ID,
	).Scan(&exists); err != nil {
		return Record{}, err
	}
	if exists {
		return Record{}, ErrRotationConflict
	}
	return Record{}, ErrNotFound
}

// Revoke revokes a single record (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked = true,
		    updated_at = CASE WHEN revoked THEN updated_at ELSE $2 END
		WHERE id = $1
	`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAll revokes every active record for a principal.
func (s *PostgresStore) RevokeAll(ctx context.Context, principalID int64, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked = true,
		    updated_at = $2
		WHERE principal_id = $1
		  AND revoked = false
	`, principalID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes rows past their stored expiry.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM `+s.table+`
		WHERE expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
