// Package autorefresh re-issues session credentials shortly before the access
// token expires, without the client having to call the refresh endpoint.
package autorefresh

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"latch/identity"
	"latch/internal/auth/cookie"
	"latch/internal/auth/resolver"
	"latch/internal/auth/session"
	"latch/internal/auth/token"
	"latch/internal/httpx"
	"latch/internal/metrics"
)

// Threshold is the remaining access token lifetime below which a refresh is attempted.
const Threshold = 300 * time.Second

// Outcome names the state a request ended in.
type Outcome string

const (
	NoAccessCookie Outcome = "no_access_cookie"
	Undecodable    Outcome = "undecodable"
	Fresh          Outcome = "fresh"
	NoPrincipal    Outcome = "no_principal"
	NoRefreshToken Outcome = "no_refresh_token"
	InvalidRefresh Outcome = "invalid_refresh"
	Refreshed      Outcome = "refreshed"

	// Reached after the handler ran, when step 7 could not complete.
	SkippedServerError Outcome = "skipped_server_error"
	RotationFailed     Outcome = "rotation_failed"
)

// Middleware implements the transparent refresh protocol.
type Middleware struct {
	codec    *token.Codec
	sessions *session.Service
	resolver *resolver.Resolver
	cookies  cookie.Policy

	log     *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Middleware.
type Option func(*Middleware)

func WithLogger(l *slog.Logger) Option {
	return func(m *Middleware) {
		if l != nil {
			m.log = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Middleware) {
		if now != nil {
			m.now = now
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Middleware) {
		if tp != nil {
			m.tracer = tp.Tracer("latch/internal/auth/autorefresh")
		}
	}
}

// New constructs a Middleware. The codec must be the one sessions signs with.
func New(sessions *session.Service, res *resolver.Resolver, cookies cookie.Policy, opts ...Option) *Middleware {
	m := &Middleware{
		codec:    sessions.Codec(),
		sessions: sessions,
		resolver: res,
		cookies:  cookies,
		log:      slog.Default(),
		tracer:   otel.GetTracerProvider().Tracer("latch/internal/auth/autorefresh"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// pending is what a request that reached step 7 carries into the response.
type pending struct {
	principal identity.Principal
	record    session.Record
}

// evaluate runs steps 1 to 6. A nil pending means pass through unchanged.
func (m *Middleware) evaluate(r *http.Request) (Outcome, *pending) {
	ctx := r.Context()

	access := cookie.Value(r, cookie.Access)
	if access == "" {
		return NoAccessCookie, nil
	}

	now := m.now()
	claims, err := m.codec.Decode(access, now, token.WithoutExpiry())
	if err != nil {
		return Undecodable, nil
	}
	if claims.Remaining(now) >= Threshold {
		return Fresh, nil
	}

	p, ok := m.resolver.FromSubject(ctx, claims.Subject)
	if !ok {
		return NoPrincipal, nil
	}

	refresh := resolver.RefreshToken(r)
	if refresh == "" {
		return NoRefreshToken, nil
	}

	rec, err := m.sessions.Validate(ctx, refresh, p.ID)
	if err != nil {
		return InvalidRefresh, nil
	}
	return Refreshed, &pending{principal: p, record: rec}
}

// Wrap returns next behind the refresh protocol.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := m.tracer.Start(r.Context(), "autorefresh")
		defer span.End()

		outcome, p := m.evaluate(r.WithContext(ctx))
		if p == nil {
			m.finish(span, outcome, 0)
			next.ServeHTTP(w, r)
			return
		}

		// The handler sees the principal even though the new cookie is only
		// on the response.
		r = r.WithContext(resolver.WithPrincipal(r.Context(), p.principal))

		hw := httpx.NewHookWriter(w, func(status int) {
			if status >= http.StatusInternalServerError {
				m.finish(span, SkippedServerError, p.principal.ID)
				return
			}
			pair, err := m.sessions.Refresh(ctx, p.record, p.principal)
			if err != nil {
				m.log.WarnContext(ctx, "autorefresh.rotate.fail", "err", err, "principal_id", p.principal.ID)
				m.finish(span, RotationFailed, p.principal.ID)
				return
			}
			m.cookies.SetPair(w, pair.AccessToken, pair.RefreshToken)
			m.log.InfoContext(ctx, "autorefresh.refreshed", "principal_id", p.principal.ID)
			m.finish(span, Refreshed, p.principal.ID)
		})
		next.ServeHTTP(hw, r)
		hw.Finish()
	})
}

func (m *Middleware) finish(span trace.Span, o Outcome, principalID int64) {
	span.SetAttributes(attribute.String("latch.autorefresh.outcome", string(o)))
	if principalID != 0 {
		span.SetAttributes(attribute.Int64("latch.principal_id", principalID))
	}
	m.metrics.AutoRefresh(string(o))
}
