package session

import (
	"context"
	"sync"
	"time"

	tokenhash "latch/security/token"
)

// MemoryStore is a process-local Store for tests and database-less runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Record)}
}

func (s *MemoryStore) Insert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Revoked = false
	rec.UpdatedAt = rec.CreatedAt
	s.rows[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) FindActive(ctx context.Context, principalID int64, hash string, now time.Time) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.rows {
		if rec.PrincipalID == principalID && tokenhash.EqualHex64(rec.TokenHash, hash) && rec.Valid(now) {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (s *MemoryStore) Rotate(ctx context.Context, p RotateParams) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rows[p.ID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if p.ExpectHash != "" && (!tokenhash.EqualHex64(rec.TokenHash, p.ExpectHash) || rec.Revoked) {
		return Record{}, ErrRotationConflict
	}
	rec.TokenHash = p.NewHash
	rec.ExpiresAt = p.ExpiresAt
	rec.UpdatedAt = p.Now
	s.rows[p.ID] = rec
	return rec, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if !rec.Revoked {
		rec.Revoked = true
		rec.UpdatedAt = now
		s.rows[id] = rec
	}
	return nil
}

func (s *MemoryStore) RevokeAll(ctx context.Context, principalID int64, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.rows {
		if rec.PrincipalID != principalID || rec.Revoked {
			continue
		}
		rec.Revoked = true
		rec.UpdatedAt = now
		s.rows[id] = rec
		n++
	}
	return n, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.rows {
		if rec.ExpiresAt.Before(now) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records, revoked ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
