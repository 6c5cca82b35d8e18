package identity

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used when no database is configured and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*Principal
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[int64]*Principal)}
}

func (s *MemoryStore) find(match func(*Principal) bool) (Principal, bool) {
	var best *Principal
	for _, p := range s.byID {
		if match(p) && (best == nil || p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return Principal{}, false
	}
	return best.clone(), true
}

func (s *MemoryStore) GetByID(ctx context.Context, id int64) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return Principal{}, NotFoundError{Op: "identity.GetByID", Resource: "principal"}
	}
	return p.clone(), nil
}

func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	u := NormalizeUsername(username)

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.find(func(p *Principal) bool { return u != "" && p.Username == u }); ok {
		return p, nil
	}
	return Principal{}, NotFoundError{Op: "identity.GetByUsername", Resource: "principal"}
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	e := NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.find(func(p *Principal) bool { return e != "" && p.Email != nil && *p.Email == e }); ok {
		return p, nil
	}
	return Principal{}, NotFoundError{Op: "identity.GetByEmail", Resource: "principal"}
}

func (s *MemoryStore) FindAnonymousByFingerprint(ctx context.Context, hash string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.find(func(p *Principal) bool {
		return hash != "" &&
			p.FingerprintHash != nil && *p.FingerprintHash == hash &&
			!p.IsRegistered && p.Active()
	})
	if !ok {
		return Principal{}, NotFoundError{Op: "identity.FindAnonymousByFingerprint", Resource: "principal"}
	}
	return p, nil
}

func (s *MemoryStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	u := NormalizeUsername(username)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.find(func(p *Principal) bool { return p.Username == u })
	return ok, nil
}

// checkUniqueLocked enforces the username/email unique constraints. Caller holds mu.
func (s *MemoryStore) checkUniqueLocked(op string, selfID int64, username string, email *string) error {
	for _, p := range s.byID {
		if p.ID == selfID {
			continue
		}
		if p.Username == username {
			return ConflictError{Op: op, Field: "username"}
		}
		if email != nil && p.Email != nil && *p.Email == *email {
			return ConflictError{Op: op, Field: "email"}
		}
	}
	return nil
}

func (s *MemoryStore) insertLocked(p Principal) Principal {
	s.nextID++
	p.ID = s.nextID
	stored := p.clone()
	s.byID[p.ID] = &stored
	return p.clone()
}

func (s *MemoryStore) CreateAnonymous(ctx context.Context, in CreateAnonymousInput) (Principal, error) {
	const op = "identity.CreateAnonymous"
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	in, err := in.normalize(op)
	if err != nil {
		return Principal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUniqueLocked(op, 0, in.Username, nil); err != nil {
		return Principal{}, err
	}

	fp := in.FingerprintHash
	seen := in.Now
	return s.insertLocked(Principal{
		Username:        in.Username,
		FingerprintHash: &fp,
		FingerprintData: maps.Clone(in.FingerprintData),
		RegistrationIP:  in.IP,
		LastSeenAt:      &seen,
		CreatedAt:       in.Now,
		UpdatedAt:       in.Now,
	}), nil
}

func (s *MemoryStore) CreateRegistered(ctx context.Context, in CreateRegisteredInput) (Principal, error) {
	const op = "identity.CreateRegistered"
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	in, err := in.normalize(op)
	if err != nil {
		return Principal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUniqueLocked(op, 0, in.Username, in.Email); err != nil {
		return Principal{}, err
	}

	hash := in.PasswordHash
	seen := in.Now
	return s.insertLocked(Principal{
		Username:       in.Username,
		Email:          in.Email,
		PasswordHash:   &hash,
		IsRegistered:   true,
		RegistrationIP: in.IP,
		LastSeenAt:     &seen,
		CreatedAt:      in.Now,
		UpdatedAt:      in.Now,
	}), nil
}

func (s *MemoryStore) Register(ctx context.Context, id int64, in RegisterInput) (Principal, error) {
	const op = "identity.Register"
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	in, err := in.normalize(op)
	if err != nil {
		return Principal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return Principal{}, NotFoundError{Op: op, Resource: "principal"}
	}
	if p.IsRegistered {
		return Principal{}, OpError{Op: op, Kind: ErrConflict, Msg: "principal is already registered"}
	}
	if err := s.checkUniqueLocked(op, id, in.Username, in.Email); err != nil {
		return Principal{}, err
	}

	hash := in.PasswordHash
	p.Username = in.Username
	p.Email = in.Email
	p.PasswordHash = &hash
	p.IsRegistered = true
	p.FingerprintHash = nil
	p.FingerprintData = nil
	p.UpdatedAt = in.Now
	return p.clone(), nil
}

func (s *MemoryStore) RecordLogin(ctx context.Context, id int64, ip *string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now = defaultNow(now)
	ip = trimPtr(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return NotFoundError{Op: "identity.RecordLogin", Resource: "principal"}
	}
	p.LastSeenAt = &now
	if ip != nil {
		p.LastLoginIP = ip
	}
	p.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkAbandoned(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now = defaultNow(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.byID {
		if p.IsRegistered || p.IsAbandoned {
			continue
		}
		seen := p.CreatedAt
		if p.LastSeenAt != nil {
			seen = *p.LastSeenAt
		}
		if !seen.Before(cutoff) {
			continue
		}
		p.IsAbandoned = true
		p.FingerprintHash = nil
		p.UpdatedAt = now
		n++
	}
	return n, nil
}

// SetDisabled flips the disabled flag. Administrative tooling and tests use it;
// it is not part of Store.
func (s *MemoryStore) SetDisabled(id int64, disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byID[id]; ok {
		p.IsDisabled = disabled
	}
}
