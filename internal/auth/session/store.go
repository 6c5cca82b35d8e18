package session

import (
	"context"
	"time"
)

// Record mirrors one latch.refresh_tokens row.
type Record struct {
	ID          string
	PrincipalID int64
	TokenHash   string
	ExpiresAt   time.Time
	Revoked     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Valid reports whether the record is unrevoked and unexpired at now.
func (r Record) Valid(now time.Time) bool {
	return !r.Revoked && now.Before(r.ExpiresAt)
}

// RotateParams describes an in-place rotation.
type RotateParams struct {
	ID string

	// ExpectHash, when non-empty, makes the update conditional on the stored hash
	// still being ExpectHash and the record being unrevoked.
	ExpectHash string

	NewHash   string
	ExpiresAt time.Time
	Now       time.Time
}

// Store abstracts refresh token persistence. Implementations hold no
// cross-request state beyond the rows themselves.
type Store interface {
	// Insert adds rec. The caller assigns ID.
	Insert(ctx context.Context, rec Record) error

	// Get loads a record by id regardless of validity. ErrNotFound if missing.
	Get(ctx context.Context, id string) (Record, error)

	// FindActive returns the record for (principalID, hash) that is unrevoked and
	// expires after now. ErrNotFound otherwise.
	FindActive(ctx context.Context, principalID int64, hash string, now time.Time) (Record, error)

	// Rotate overwrites hash and expiry of one record. ErrNotFound when the id is
	// missing; ErrRotationConflict when ExpectHash is set and does not hold.
	Rotate(ctx context.Context, p RotateParams) (Record, error)

	// Revoke flags one record. Idempotent; ErrNotFound when the id is missing.
	Revoke(ctx context.Context, id string, now time.Time) error

	// RevokeAll flags every unrevoked record of principalID and returns how many changed.
	RevokeAll(ctx context.Context, principalID int64, now time.Time) (int64, error)

	// DeleteExpired removes records whose expires_at is before now, revoked or not.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
