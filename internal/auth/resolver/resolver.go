// Package resolver turns request credentials into the current principal.
//
// Resolution never fails loudly: malformed, expired or forged tokens and
// unknown or inactive principals all yield "no identity".
package resolver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"latch/identity"
	"latch/internal/auth/cookie"
	"latch/internal/auth/token"
)

// Resolver looks up principals named by access tokens.
type Resolver struct {
	codec *token.Codec
	store identity.Store
	log   *slog.Logger
	now   func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a Resolver.
func New(codec *token.Codec, store identity.Store, opts ...Option) *Resolver {
	r := &Resolver{
		codec: codec,
		store: store,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FromAccessToken decodes tok and resolves its subject.
func (r *Resolver) FromAccessToken(ctx context.Context, tok string) (identity.Principal, bool) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return identity.Principal{}, false
	}
	claims, err := r.codec.Decode(tok, r.now())
	if err != nil {
		return identity.Principal{}, false
	}
	return r.FromSubject(ctx, claims.Subject)
}

// FromRequest resolves the principal named by the access token cookie.
// The Authorization header is not consulted.
func (r *Resolver) FromRequest(req *http.Request) (identity.Principal, bool) {
	if req == nil {
		return identity.Principal{}, false
	}
	return r.FromAccessToken(req.Context(), cookie.Value(req, cookie.Access))
}

// FromSubject resolves a token subject: first as a username, then as a
// numeric principal id. Only active principals are returned.
func (r *Resolver) FromSubject(ctx context.Context, subject string) (identity.Principal, bool) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return identity.Principal{}, false
	}

	p, err := r.store.GetByUsername(ctx, subject)
	if err != nil && identity.IsNotFound(err) {
		id, perr := strconv.ParseInt(subject, 10, 64)
		if perr != nil || id <= 0 {
			return identity.Principal{}, false
		}
		p, err = r.store.GetByID(ctx, id)
	}
	if err != nil {
		if !identity.IsNotFound(err) && !identity.IsInvalidInput(err) {
			r.log.WarnContext(ctx, "resolver.lookup.fail", "err", err)
		}
		return identity.Principal{}, false
	}
	if !p.Active() {
		return identity.Principal{}, false
	}
	return p, true
}

// BearerToken returns the token of an "Authorization: Bearer" header, or "".
func BearerToken(req *http.Request) string {
	if req == nil {
		return ""
	}
	h := strings.TrimSpace(req.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// RefreshToken returns the raw refresh token, preferring the Bearer header
// over the refresh token cookie. Empty when neither carries one.
func RefreshToken(req *http.Request) string {
	if tok := BearerToken(req); tok != "" {
		return tok
	}
	return cookie.Value(req, cookie.Refresh)
}
