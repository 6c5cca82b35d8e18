package maintenance

import (
	"context"
	"time"

	"latch/identity"
	"latch/internal/auth/session"
)

const (
	SweepExpiredRefreshTokensJob = "sweep_expired_refresh_tokens"
	MarkAbandonedPrincipalsJob   = "mark_abandoned_principals"
)

// SweepExpiredRefreshTokens deletes refresh token records past their expiry.
func SweepExpiredRefreshTokens(sessions *session.Service, interval, jitter time.Duration) Job {
	return Job{
		Name:     SweepExpiredRefreshTokensJob,
		Interval: interval,
		Jitter:   jitter,
		Run:      sessions.SweepExpired,
	}
}

// MarkAbandonedPrincipals flags anonymous principals unseen for longer than after.
func MarkAbandonedPrincipals(store identity.Store, after, interval, jitter time.Duration, now func() time.Time) Job {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return Job{
		Name:     MarkAbandonedPrincipalsJob,
		Interval: interval,
		Jitter:   jitter,
		Run: func(ctx context.Context) (int64, error) {
			t := now()
			return store.MarkAbandoned(ctx, t.Add(-after), t)
		},
	}
}
