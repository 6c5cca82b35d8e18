package autorefresh

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"latch/identity"
	"latch/internal/auth/cookie"
	"latch/internal/auth/resolver"
	"latch/internal/auth/session"
	"latch/internal/auth/token"
	"latch/internal/metrics"
	tokenhash "latch/security/token"
)

var t0 = time.Unix(1_760_000_000, 0).UTC()

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	mw      *Middleware
	svc     *session.Service
	ids     *identity.MemoryStore
	alice   identity.Principal
	login   session.Pair
	clk     *clock
	metrics *metrics.Metrics
	spans   *tracetest.SpanRecorder
}

func newFixture(t *testing.T, strict bool) *fixture {
	t.Helper()

	tcfg := token.DefaultConfig()
	tcfg.Secret = strings.Repeat("r", 32)
	codec, err := token.New(tcfg)
	require.NoError(t, err)

	f := &fixture{
		ids:     identity.NewMemoryStore(),
		clk:     &clock{t: t0},
		metrics: metrics.New(),
		spans:   tracetest.NewSpanRecorder(),
	}

	scfg := session.DefaultConfig()
	scfg.StrictRotation = strict
	f.svc, err = session.NewService(scfg, session.NewMemoryStore(), codec, tokenhash.NewHasher(""),
		session.WithClock(f.clk.Now))
	require.NoError(t, err)

	f.alice, err = f.ids.CreateRegistered(context.Background(), identity.CreateRegisteredInput{Username: "alice", PasswordHash: "h", Now: t0})
	require.NoError(t, err)
	f.login, err = f.svc.Issue(context.Background(), f.alice)
	require.NoError(t, err)

	res := resolver.New(codec, f.ids, resolver.WithClock(f.clk.Now))
	f.mw = New(f.svc, res, cookie.DefaultPolicy(codec.AccessTTL(), codec.RefreshTTL()),
		WithClock(f.clk.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(f.metrics),
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))),
	)
	return f
}

func (f *fixture) request(access, refresh string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/files", nil)
	if access != "" {
		r.AddCookie(&http.Cookie{Name: cookie.AccessName, Value: access})
	}
	if refresh != "" {
		r.AddCookie(&http.Cookie{Name: cookie.RefreshName, Value: refresh})
	}
	return r
}

func (f *fixture) outcome(t *testing.T, r *http.Request) Outcome {
	t.Helper()
	o, _ := f.mw.evaluate(r)
	return o
}

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func cookiesByName(rr *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rr.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestEvaluate_PassThroughStates(t *testing.T) {
	f := newFixture(t, false)
	f.clk.Set(t0.Add(26 * time.Minute))

	ghost, err := f.svc.Codec().IssueAccessToken("ghost", t0)
	require.NoError(t, err)

	revoked := newFixture(t, false)
	revoked.clk.Set(t0.Add(26 * time.Minute))
	require.NoError(t, revoked.svc.Revoke(context.Background(), revoked.login.Record))

	cases := []struct {
		name string
		f    *fixture
		req  *http.Request
		want Outcome
	}{
		{"no access cookie", f, f.request("", f.login.RefreshToken), NoAccessCookie},
		{"garbage access cookie", f, f.request("garbage", f.login.RefreshToken), Undecodable},
		{"unknown subject", f, f.request(ghost, f.login.RefreshToken), NoPrincipal},
		{"no refresh token", f, f.request(f.login.AccessToken, ""), NoRefreshToken},
		{"foreign refresh token", f, f.request(f.login.AccessToken, "not-a-token"), InvalidRefresh},
		{"revoked refresh token", revoked, revoked.request(revoked.login.AccessToken, revoked.login.RefreshToken), InvalidRefresh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.f.outcome(t, tc.req))
		})
	}

	f.clk.Set(t0.Add(10 * time.Minute))
	assert.Equal(t, Fresh, f.outcome(t, f.request(f.login.AccessToken, f.login.RefreshToken)))

	f.clk.Set(t0.Add(25 * time.Minute))
	assert.Equal(t, Fresh, f.outcome(t, f.request(f.login.AccessToken, f.login.RefreshToken)), "exactly 300s left is not below the threshold")

	f.clk.Set(t0.Add(25*time.Minute + time.Second))
	assert.Equal(t, Refreshed, f.outcome(t, f.request(f.login.AccessToken, f.login.RefreshToken)))
}

func TestWrap_RefreshesNearExpiry(t *testing.T) {
	f := newFixture(t, false)
	f.clk.Set(t0.Add(26 * time.Minute))

	var seen identity.Principal
	var authed bool
	rr := httptest.NewRecorder()
	f.mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, authed = resolver.PrincipalFrom(r.Context())
		_, _ = w.Write([]byte("ok"))
	})).ServeHTTP(rr, f.request(f.login.AccessToken, f.login.RefreshToken))

	require.True(t, authed, "handler sees the principal")
	assert.Equal(t, f.alice.ID, seen.ID)

	got := cookiesByName(rr)
	require.Len(t, got, 2)
	assert.NotEqual(t, f.login.AccessToken, got[cookie.AccessName].Value)
	assert.Equal(t, 1800, got[cookie.AccessName].MaxAge)
	assert.Equal(t, 604800, got[cookie.RefreshName].MaxAge)

	ctx := context.Background()
	_, err := f.svc.Validate(ctx, f.login.RefreshToken, f.alice.ID)
	assert.ErrorIs(t, err, session.ErrNotFound, "old refresh token no longer validates")
	rec, err := f.svc.Validate(ctx, got[cookie.RefreshName].Value, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, f.login.Record.ID, rec.ID)

	claims, err := f.svc.Codec().Decode(got[cookie.AccessName].Value, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(f.alice.ID, 10), claims.Subject)

	// The id-subject token resolves on the next round.
	f.clk.Set(f.clk.Now().Add(27 * time.Minute))
	assert.Equal(t, Refreshed, f.outcome(t, f.request(got[cookie.AccessName].Value, got[cookie.RefreshName].Value)))
}

func TestWrap_ExpiredAccessTokenStillRefreshes(t *testing.T) {
	f := newFixture(t, false)
	f.clk.Set(t0.Add(45 * time.Minute))

	r := f.request(f.login.AccessToken, "")
	r.Header.Set("Authorization", "Bearer "+f.login.RefreshToken)

	rr := httptest.NewRecorder()
	f.mw.Wrap(http.HandlerFunc(ok)).ServeHTTP(rr, r)
	assert.Len(t, cookiesByName(rr), 2)
}

func TestWrap_PassThroughLeavesResponseAlone(t *testing.T) {
	f := newFixture(t, false)
	f.clk.Set(t0.Add(5 * time.Minute))

	rr := httptest.NewRecorder()
	called := false
	f.mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, authed := resolver.PrincipalFrom(r.Context())
		assert.False(t, authed)
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, f.request(f.login.AccessToken, f.login.RefreshToken))

	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Empty(t, rr.Result().Cookies())
}

func TestWrap_ServerErrorSkipsRotation(t *testing.T) {
	f := newFixture(t, false)
	f.clk.Set(t0.Add(28 * time.Minute))

	rr := httptest.NewRecorder()
	f.mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})).ServeHTTP(rr, f.request(f.login.AccessToken, f.login.RefreshToken))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, rr.Result().Cookies())
	_, err := f.svc.Validate(context.Background(), f.login.RefreshToken, f.alice.ID)
	assert.NoError(t, err, "session untouched")
}

func TestWrap_StrictRotationConflictPassesThrough(t *testing.T) {
	f := newFixture(t, true)
	f.clk.Set(t0.Add(28 * time.Minute))

	// A concurrent request rotates the same record while this one is in flight.
	rr := httptest.NewRecorder()
	f.mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := f.svc.Refresh(r.Context(), f.login.Record, f.alice)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, f.request(f.login.AccessToken, f.login.RefreshToken))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Result().Cookies())

	err := testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(`
# HELP latch_autorefresh_outcomes_total Transparent refresh decisions by terminal outcome.
# TYPE latch_autorefresh_outcomes_total counter
latch_autorefresh_outcomes_total{outcome="rotation_failed"} 1
`), "latch_autorefresh_outcomes_total")
	assert.NoError(t, err)
}

func TestWrap_RecordsOutcomeOnSpan(t *testing.T) {
	f := newFixture(t, false)

	rr := httptest.NewRecorder()
	f.mw.Wrap(http.HandlerFunc(ok)).ServeHTTP(rr, f.request("", ""))

	ended := f.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "autorefresh", ended[0].Name())
	var found bool
	for _, kv := range ended[0].Attributes() {
		if string(kv.Key) == "latch.autorefresh.outcome" {
			found = true
			assert.Equal(t, string(NoAccessCookie), kv.Value.AsString())
		}
	}
	assert.True(t, found)
}
