package fingerprint

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latch/identity"
	"latch/internal/auth/cookie"
	"latch/internal/auth/resolver"
	"latch/internal/auth/session"
	"latch/internal/auth/token"
	"latch/internal/metrics"
	tokenhash "latch/security/token"
)

type autoLoginFixture struct {
	mw       *AutoLogin
	store    identity.Store
	mem      *identity.MemoryStore
	sessions *session.MemoryStore
	codec    *token.Codec
	metrics  *metrics.Metrics
}

func newAutoLoginFixture(t *testing.T, wrap func(*identity.MemoryStore) identity.Store) *autoLoginFixture {
	t.Helper()

	tcfg := token.DefaultConfig()
	tcfg.Secret = strings.Repeat("s", 32)
	codec, err := token.New(tcfg)
	require.NoError(t, err)

	mem := identity.NewMemoryStore()
	var store identity.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}

	sessions := session.NewMemoryStore()
	svc, err := session.NewService(session.DefaultConfig(), sessions, codec, tokenhash.NewHasher(""),
		session.WithClock(fixedNow))
	require.NoError(t, err)

	f := &autoLoginFixture{store: store, mem: mem, sessions: sessions, codec: codec, metrics: metrics.New()}
	f.mw = &AutoLogin{
		Bootstrap:  NewBootstrap(store, fixedNow),
		Identities: store,
		Resolver:   resolver.New(codec, store, resolver.WithClock(fixedNow)),
		Sessions:   svc,
		Cookies:    cookie.DefaultPolicy(codec.AccessTTL(), codec.RefreshTTL()),
		TrustProxy: true,
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:    f.metrics,
		Now:        func() time.Time { return t0.Add(time.Hour) },
	}
	return f
}

func browser() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/files", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("Accept-Language", "en-US")
	r.Header.Set("Accept-Encoding", "gzip")
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	return r
}

func capture(seen *identity.Principal, ok *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen, *ok = resolver.PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestAutoLogin_MatchIssuesSession(t *testing.T) {
	f := newAutoLoginFixture(t, nil)
	anon, _, err := f.mw.Bootstrap.FindOrCreate(context.Background(), Extract(browser(), true))
	require.NoError(t, err)

	var seen identity.Principal
	var ok bool
	rr := httptest.NewRecorder()
	f.mw.Wrap(capture(&seen, &ok)).ServeHTTP(rr, browser())

	require.True(t, ok)
	assert.Equal(t, anon.ID, seen.ID)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 2)
	assert.Equal(t, cookie.AccessName, cookies[0].Name)
	claims, err := f.codec.Decode(cookies[0].Value, t0)
	require.NoError(t, err)
	assert.Equal(t, anon.Username, claims.Subject)
	assert.Equal(t, 1, f.sessions.Len())

	updated, err := f.mem.GetByID(context.Background(), anon.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastLoginIP)
	assert.Equal(t, "203.0.113.50", *updated.LastLoginIP)
	require.NotNil(t, updated.LastSeenAt)
	assert.Equal(t, t0.Add(time.Hour), *updated.LastSeenAt)

	err = testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(`
# HELP latch_autologin_total Fingerprint auto-login attempts by result.
# TYPE latch_autologin_total counter
latch_autologin_total{result="logged_in"} 1
`), "latch_autologin_total")
	assert.NoError(t, err)
}

func TestAutoLogin_NoMatchDoesNotCreate(t *testing.T) {
	f := newAutoLoginFixture(t, nil)

	var seen identity.Principal
	var ok bool
	rr := httptest.NewRecorder()
	f.mw.Wrap(capture(&seen, &ok)).ServeHTTP(rr, browser())

	assert.False(t, ok)
	assert.Empty(t, rr.Result().Cookies())
	_, found, err := f.mw.Bootstrap.Find(context.Background(), Extract(browser(), true))
	require.NoError(t, err)
	assert.False(t, found, "auto-login never creates principals")
}

func TestAutoLogin_AuthenticatedPassesThrough(t *testing.T) {
	f := newAutoLoginFixture(t, nil)
	_, _, err := f.mw.Bootstrap.FindOrCreate(context.Background(), Extract(browser(), true))
	require.NoError(t, err)
	alice, err := f.mem.CreateRegistered(context.Background(), identity.CreateRegisteredInput{Username: "alice", PasswordHash: "h"})
	require.NoError(t, err)

	access, err := f.codec.IssueAccessToken("alice", t0)
	require.NoError(t, err)
	req := browser()
	req.AddCookie(&http.Cookie{Name: cookie.AccessName, Value: access})

	var seen identity.Principal
	var ok bool
	rr := httptest.NewRecorder()
	f.mw.Wrap(capture(&seen, &ok)).ServeHTTP(rr, req)

	require.True(t, ok)
	assert.Equal(t, alice.ID, seen.ID)
	assert.Empty(t, rr.Result().Cookies())
	assert.Zero(t, f.sessions.Len())
}

func TestAutoLogin_StoreUnavailableFailsOpen(t *testing.T) {
	f := newAutoLoginFixture(t, func(m *identity.MemoryStore) identity.Store { return brokenStore{m} })

	called := false
	rr := httptest.NewRecorder()
	f.mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := resolver.PrincipalFrom(r.Context())
		assert.False(t, ok)
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rr, browser())

	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Empty(t, rr.Result().Cookies())
}

func TestAutoLogin_HandlerWithoutWriteStillGetsCookies(t *testing.T) {
	f := newAutoLoginFixture(t, nil)
	_, _, err := f.mw.Bootstrap.FindOrCreate(context.Background(), Extract(browser(), true))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	f.mw.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rr, browser())

	assert.Len(t, rr.Result().Cookies(), 2)
}
