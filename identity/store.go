package identity

import (
	"context"
	"maps"
	"time"
)

// Principal is the single identity type for registered and anonymous callers.
type Principal struct {
	ID           int64
	Username     string
	Email        *string
	PasswordHash *string

	IsRegistered bool
	IsDisabled   bool
	IsAbandoned  bool
	IsAdmin      bool

	// Set only while anonymous; cleared on registration and abandonment.
	FingerprintHash *string
	FingerprintData map[string]string

	RegistrationIP *string
	LastLoginIP    *string
	LastSeenAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the principal may authenticate.
func (p Principal) Active() bool { return !p.IsDisabled && !p.IsAbandoned }

// Anonymous reports whether the principal was bootstrapped without credentials.
func (p Principal) Anonymous() bool { return !p.IsRegistered }

func (p Principal) clone() Principal {
	out := p
	out.FingerprintData = maps.Clone(p.FingerprintData)
	return out
}

// CreateAnonymousInput describes a fingerprint-bootstrapped principal.
type CreateAnonymousInput struct {
	Username        string
	FingerprintHash string
	FingerprintData map[string]string
	IP              *string
	Now             time.Time
}

// CreateRegisteredInput describes a principal created through registration.
// PasswordHash is an already encoded credential; the store never sees plaintext.
type CreateRegisteredInput struct {
	Username     string
	Email        *string
	PasswordHash string
	IP           *string
	Now          time.Time
}

// RegisterInput upgrades an anonymous principal in place.
type RegisterInput struct {
	Username     string
	Email        *string
	PasswordHash string
	Now          time.Time
}

// UsernameChecker is the part of Store that GenerateUsername needs.
type UsernameChecker interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// Store is the principal persistence boundary.
//
// Lookups return a NotFoundError when nothing matches. They do not filter on
// Active; callers decide what an inactive principal means for them.
type Store interface {
	UsernameChecker

	GetByID(ctx context.Context, id int64) (Principal, error)
	GetByUsername(ctx context.Context, username string) (Principal, error)
	GetByEmail(ctx context.Context, email string) (Principal, error)

	// FindAnonymousByFingerprint returns an unregistered, active principal with hash.
	FindAnonymousByFingerprint(ctx context.Context, hash string) (Principal, error)

	CreateAnonymous(ctx context.Context, in CreateAnonymousInput) (Principal, error)
	CreateRegistered(ctx context.Context, in CreateRegisteredInput) (Principal, error)

	// Register sets credentials on an anonymous principal and clears its fingerprint.
	// Returns an ErrConflict OpError if the principal is already registered.
	Register(ctx context.Context, id int64, in RegisterInput) (Principal, error)

	// RecordLogin stamps last_seen_at and, when ip is set, last_login_ip.
	RecordLogin(ctx context.Context, id int64, ip *string, now time.Time) error

	// MarkAbandoned flags anonymous principals not seen since cutoff and clears
	// their fingerprint. Returns the number of principals flagged.
	MarkAbandoned(ctx context.Context, cutoff, now time.Time) (int64, error)
}
