package fingerprint

import (
	"context"
	"time"

	"latch/identity"
)

// Bootstrap finds or creates the anonymous principal behind a fingerprint.
type Bootstrap struct {
	store identity.Store
	now   func() time.Time
}

// NewBootstrap constructs a Bootstrap over store.
func NewBootstrap(store identity.Store, now func() time.Time) *Bootstrap {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Bootstrap{store: store, now: now}
}

// Find returns the active anonymous principal with the signals' fingerprint.
// ok is false when there is none; err is reserved for storage failures.
func (b *Bootstrap) Find(ctx context.Context, s Signals) (p identity.Principal, ok bool, err error) {
	p, err = b.store.FindAnonymousByFingerprint(ctx, Hash(s))
	switch {
	case err == nil:
		return p, true, nil
	case identity.IsNotFound(err):
		return identity.Principal{}, false, nil
	default:
		return identity.Principal{}, false, err
	}
}

// FindOrCreate returns the matching anonymous principal, creating one under a
// generated username when none exists. created reports which happened.
//
// Username collisions between generation and insert are retried within the
// generator's attempt bound; exhaustion surfaces identity.ErrUsernameExhausted.
func (b *Bootstrap) FindOrCreate(ctx context.Context, s Signals) (p identity.Principal, created bool, err error) {
	p, ok, err := b.Find(ctx, s)
	if err != nil || ok {
		return p, false, err
	}

	for range identity.MaxUsernameAttempts {
		name, err := identity.GenerateUsername(ctx, b.store)
		if err != nil {
			return identity.Principal{}, false, err
		}
		p, err = b.store.CreateAnonymous(ctx, identity.CreateAnonymousInput{
			Username:        name,
			FingerprintHash: Hash(s),
			FingerprintData: s.Data(),
			IP:              s.ipPtr(),
			Now:             b.now(),
		})
		if err == nil {
			return p, true, nil
		}
		if !identity.IsConflict(err) || identity.ConflictField(err) != "username" {
			return identity.Principal{}, false, err
		}
	}
	return identity.Principal{}, false, identity.OpError{
		Op:   "fingerprint.FindOrCreate",
		Kind: identity.ErrUsernameExhausted,
		Msg:  "username collisions on insert",
	}
}
