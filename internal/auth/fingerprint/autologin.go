package fingerprint

import (
	"log/slog"
	"net/http"
	"time"

	"latch/identity"
	"latch/internal/auth/cookie"
	"latch/internal/auth/resolver"
	"latch/internal/auth/session"
	"latch/internal/httpx"
	"latch/internal/metrics"
)

// Auto-login results, also used as metric labels.
const (
	ResultAuthenticated    = "authenticated"
	ResultNoMatch          = "no_match"
	ResultLoggedIn         = "logged_in"
	ResultStoreUnavailable = "store_unavailable"
	ResultIssueFailed      = "issue_failed"
)

// AutoLogin signs returning anonymous clients back in.
//
// Requests that already carry a principal pass straight through. Otherwise a
// matching anonymous principal (found, never created) is placed on the request
// context, its last-seen stamp is refreshed and a fresh session is attached to
// the response. Any storage failure degrades to an unauthenticated request.
type AutoLogin struct {
	Bootstrap  *Bootstrap
	Identities identity.Store
	Resolver   *resolver.Resolver
	Sessions   *session.Service
	Cookies    cookie.Policy
	TrustProxy bool

	Log     *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (a *AutoLogin) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *AutoLogin) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// Wrap returns next behind the auto-login check.
func (a *AutoLogin) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := resolver.PrincipalFrom(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		if p, ok := a.Resolver.FromRequest(r); ok {
			a.Metrics.AutoLogin(ResultAuthenticated)
			next.ServeHTTP(w, r.WithContext(resolver.WithPrincipal(r.Context(), p)))
			return
		}

		ctx := r.Context()
		sig := Extract(r, a.TrustProxy)
		p, ok, err := a.Bootstrap.Find(ctx, sig)
		if err != nil {
			a.Metrics.AutoLogin(ResultStoreUnavailable)
			a.log().WarnContext(ctx, "fingerprint.autologin.store_unavailable", "err", err)
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			a.Metrics.AutoLogin(ResultNoMatch)
			next.ServeHTTP(w, r)
			return
		}

		if err := a.Identities.RecordLogin(ctx, p.ID, sig.ipPtr(), a.now()); err != nil {
			a.Metrics.AutoLogin(ResultStoreUnavailable)
			a.log().WarnContext(ctx, "fingerprint.autologin.store_unavailable", "err", err, "principal_id", p.ID)
			next.ServeHTTP(w, r)
			return
		}

		hw := httpx.NewHookWriter(w, func(int) {
			pair, err := a.Sessions.Issue(ctx, p)
			if err != nil {
				a.Metrics.AutoLogin(ResultIssueFailed)
				a.log().ErrorContext(ctx, "fingerprint.autologin.issue_session.fail", "err", err, "principal_id", p.ID)
				return
			}
			a.Cookies.SetPair(w, pair.AccessToken, pair.RefreshToken)
			a.Metrics.AutoLogin(ResultLoggedIn)
			a.log().InfoContext(ctx, "fingerprint.autologin.logged_in", "principal_id", p.ID)
		})
		next.ServeHTTP(hw, r.WithContext(resolver.WithPrincipal(ctx, p)))
		hw.Finish()
	})
}
