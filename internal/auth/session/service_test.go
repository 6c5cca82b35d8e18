package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"latch/identity"
	"latch/internal/auth/token"
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

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *Service
	store *MemoryStore
	codec *token.Codec
	clk   *clock
	logs  *bytes.Buffer
	spans *tracetest.SpanRecorder
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	tcfg := token.DefaultConfig()
	tcfg.Secret = "0123456789abcdef0123456789abcdef"
	codec, err := token.New(tcfg)
	require.NoError(t, err)

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		store: NewMemoryStore(),
		codec: codec,
		clk:   &clock{t: t0},
		logs:  &bytes.Buffer{},
		spans: tracetest.NewSpanRecorder(),
	}
	f.svc = f.newService(t, cfg, f.store)
	return f
}

func (f *fixture) newService(t *testing.T, cfg Config, st Store) *Service {
	t.Helper()
	svc, err := NewService(cfg, st, f.codec, tokenhash.NewHasher(""),
		WithClock(f.clk.Now),
		WithLogger(slog.New(slog.NewJSONHandler(f.logs, nil))),
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))),
	)
	require.NoError(t, err)
	return svc
}

func (f *fixture) refreshToken(t *testing.T, principalID int64) string {
	t.Helper()
	tok, err := f.codec.IssueRefreshToken(principalID, f.clk.Now())
	require.NoError(t, err)
	return tok
}

func TestStore_ThenValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.refreshToken(t, 7)
	rec, err := f.svc.Store(ctx, tok, 7)
	require.NoError(t, err)
	assert.Len(t, rec.ID, 26)
	assert.Equal(t, int64(7), rec.PrincipalID)
	assert.False(t, rec.Revoked)
	assert.Equal(t, t0.Add(7*24*time.Hour), rec.ExpiresAt.UTC())
	assert.Len(t, rec.TokenHash, 64)
	assert.NotContains(t, rec.TokenHash, tok)

	got, err := f.svc.Validate(ctx, tok, 7)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = f.svc.Validate(ctx, tok, 8)
	assert.ErrorIs(t, err, ErrNotFound, "record belongs to a different principal")
}

func TestStore_RejectsInvalidToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Store(context.Background(), "garbage", 7)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Zero(t, f.store.Len(), "nothing persisted on decode failure")
}

func TestRotate_InvalidatesPreviousToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.refreshToken(t, 7)
	rec, err := f.svc.Store(ctx, old, 7)
	require.NoError(t, err)

	f.clk.Advance(time.Hour)
	next := f.refreshToken(t, 7)
	rotated, err := f.svc.Rotate(ctx, rec, next, 7)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rotated.ID, "rotation keeps the record identity")
	assert.Equal(t, f.clk.Now().Add(7*24*time.Hour), rotated.ExpiresAt)

	_, err = f.svc.Validate(ctx, old, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.svc.Validate(ctx, next, 7)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, 1, f.store.Len())
}

func TestRotate_TwiceLeavesOnlyLastValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Store(ctx, f.refreshToken(t, 7), 7)
	require.NoError(t, err)

	first := f.refreshToken(t, 7)
	second := f.refreshToken(t, 7)

	_, err = f.svc.Rotate(ctx, rec, first, 7)
	require.NoError(t, err)
	_, err = f.svc.Rotate(ctx, rec, second, 7)
	require.NoError(t, err, "last writer wins by default")

	_, err = f.svc.Validate(ctx, first, 7)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Validate(ctx, second, 7)
	assert.NoError(t, err)
}

func TestRotate_StrictRejectsStaleRecord(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StrictRotation = true })
	ctx := context.Background()

	rec, err := f.svc.Store(ctx, f.refreshToken(t, 7), 7)
	require.NoError(t, err)

	first := f.refreshToken(t, 7)
	_, err = f.svc.Rotate(ctx, rec, first, 7)
	require.NoError(t, err)

	_, err = f.svc.Rotate(ctx, rec, f.refreshToken(t, 7), 7)
	assert.ErrorIs(t, err, ErrRotationConflict)

	_, err = f.svc.Validate(ctx, first, 7)
	assert.NoError(t, err, "winner of the race stays valid")
}

func TestRotate_RejectsForeignToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Store(ctx, f.refreshToken(t, 7), 7)
	require.NoError(t, err)

	_, err = f.svc.Rotate(ctx, rec, f.refreshToken(t, 8), 7)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.svc.Rotate(ctx, rec, f.refreshToken(t, 8), 8)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_ExpiredTokenSkipsStorage(t *testing.T) {
	f := newFixture(t)
	counting := &countingStore{Store: f.store}
	svc := f.newService(t, DefaultConfig(), counting)
	ctx := context.Background()

	tok := f.refreshToken(t, 7)
	_, err := svc.Store(ctx, tok, 7)
	require.NoError(t, err)

	f.clk.Advance(7*24*time.Hour + time.Second)
	_, err = svc.Validate(ctx, tok, 7)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Zero(t, counting.finds)
}

func TestValidate_StoredExpiryAlsoApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.refreshToken(t, 7)
	rec, err := f.svc.Store(ctx, tok, 7)
	require.NoError(t, err)

	// Shorten the stored expiry below the token's own.
	_, err = f.store.Rotate(ctx, RotateParams{ID: rec.ID, NewHash: rec.TokenHash, ExpiresAt: t0.Add(time.Minute), Now: t0})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Minute)
	_, err = f.svc.Validate(ctx, tok, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevoke_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.refreshToken(t, 7)
	rec, err := f.svc.Store(ctx, tok, 7)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, rec))
	require.NoError(t, f.svc.Revoke(ctx, rec))

	_, err = f.svc.Validate(ctx, tok, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Revoked, "revocation keeps the row")
}

func TestRevokeAll_FiveActiveOneAlreadyRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prior, err := f.svc.Store(ctx, f.refreshToken(t, 7), 7)
	require.NoError(t, err)
	require.NoError(t, f.svc.Revoke(ctx, prior))
	priorBefore, err := f.store.Get(ctx, prior.ID)
	require.NoError(t, err)

	var tokens []string
	for range 5 {
		tok := f.refreshToken(t, 7)
		_, err := f.svc.Store(ctx, tok, 7)
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}
	other := f.refreshToken(t, 9)
	_, err = f.svc.Store(ctx, other, 9)
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	n, err := f.svc.RevokeAll(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	for _, tok := range tokens {
		_, err := f.svc.Validate(ctx, tok, 7)
		assert.ErrorIs(t, err, ErrNotFound)
	}

	priorAfter, err := f.store.Get(ctx, prior.ID)
	require.NoError(t, err)
	assert.Equal(t, priorBefore, priorAfter, "already revoked record is untouched")

	_, err = f.svc.Validate(ctx, other, 9)
	assert.NoError(t, err, "other principals keep their sessions")
}

func TestSweepExpired_OnlyPastRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.clk.Now()
	require.NoError(t, f.store.Insert(ctx, Record{ID: "past", PrincipalID: 1, TokenHash: "a", ExpiresAt: now.Add(-time.Second), CreatedAt: now}))
	require.NoError(t, f.store.Insert(ctx, Record{ID: "soon", PrincipalID: 1, TokenHash: "b", ExpiresAt: now.Add(time.Second), CreatedAt: now}))
	require.NoError(t, f.store.Insert(ctx, Record{ID: "revoked-live", PrincipalID: 1, TokenHash: "c", ExpiresAt: now.Add(time.Hour), CreatedAt: now}))
	require.NoError(t, f.store.Revoke(ctx, "revoked-live", now))

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.store.Get(ctx, "past")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.Get(ctx, "soon")
	assert.NoError(t, err)
	_, err = f.store.Get(ctx, "revoked-live")
	assert.NoError(t, err, "revoked but unexpired records survive the sweep")

	f.clk.Advance(2 * time.Second)
	n, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = f.store.Get(ctx, "soon")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorageFailure_LoggedAndReturned(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection reset")
	svc := f.newService(t, DefaultConfig(), &failingStore{err: boom})
	ctx := context.Background()

	_, err := svc.Store(ctx, f.refreshToken(t, 42), 42)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, f.logs.String(), `"msg":"session.store.fail"`)
	assert.Contains(t, f.logs.String(), `"principal_id":42`)

	_, err = svc.Validate(ctx, f.refreshToken(t, 42), 42)
	require.ErrorIs(t, err, boom)

	_, err = svc.RevokeAll(ctx, 42)
	require.ErrorIs(t, err, boom)

	_, err = svc.SweepExpired(ctx)
	require.ErrorIs(t, err, boom)

	var failed int
	for _, s := range f.spans.Ended() {
		if s.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 4, failed)
}

func TestIssue_LoginScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := identity.Principal{ID: 11, Username: "alice"}

	pair, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)

	access, err := f.codec.Decode(pair.AccessToken, t0)
	require.NoError(t, err)
	assert.Equal(t, "alice", access.Subject)
	assert.Equal(t, t0.Add(30*time.Minute), access.ExpiresAt.UTC())

	refresh, err := f.codec.Decode(pair.RefreshToken, t0)
	require.NoError(t, err)
	assert.Equal(t, "11", refresh.Subject)
	assert.Equal(t, t0.Add(7*24*time.Hour), refresh.ExpiresAt.UTC())

	assert.Equal(t, 1, f.store.Len())
	assert.False(t, pair.Record.Revoked)

	id, err := f.svc.PrincipalID(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)

	_, err = f.svc.PrincipalID(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "username subjects are not principal ids")
}

func TestRefresh_RotatesAndKeysAccessOnID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := identity.Principal{ID: 11, Username: "alice"}

	first, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)

	f.clk.Advance(26 * time.Minute)
	second, err := f.svc.Refresh(ctx, first.Record, alice)
	require.NoError(t, err)
	assert.Equal(t, first.Record.ID, second.Record.ID)

	access, err := f.codec.Decode(second.AccessToken, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(alice.ID, 10), access.Subject)

	_, err = f.svc.Validate(ctx, first.RefreshToken, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Validate(ctx, second.RefreshToken, alice.ID)
	assert.NoError(t, err)
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(DefaultConfig(), nil, nil, tokenhash.NewHasher(""))
	assert.ErrorIs(t, err, ErrConfig)
}

type countingStore struct {
	Store
	finds int
}

func (c *countingStore) FindActive(ctx context.Context, principalID int64, hash string, now time.Time) (Record, error) {
	c.finds++
	return c.Store.FindActive(ctx, principalID, hash, now)
}

type failingStore struct{ err error }

func (f *failingStore) Insert(context.Context, Record) error { return f.err }
func (f *failingStore) Get(context.Context, string) (Record, error) {
	return Record{}, f.err
}
func (f *failingStore) FindActive(context.Context, int64, string, time.Time) (Record, error) {
	return Record{}, f.err
}
func (f *failingStore) Rotate(context.Context, RotateParams) (Record, error) {
	return Record{}, f.err
}
func (f *failingStore) Revoke(context.Context, string, time.Time) error { return f.err }
func (f *failingStore) RevokeAll(context.Context, int64, time.Time) (int64, error) {
	return 0, f.err
}
func (f *failingStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, f.err
}
