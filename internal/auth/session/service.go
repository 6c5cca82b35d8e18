package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"latch/identity"
	"latch/internal/auth/token"
	tokenhash "latch/security/token"
)

const tracerName = "latch/internal/auth/session"

// Service implements refresh token bookkeeping on top of a Store.
//
// Storage failures are logged with the affected principal and returned wrapped;
// they are never swallowed. ErrInvalidToken and ErrNotFound are ordinary
// "no session" outcomes and are not logged.
type Service struct {
	cfg    Config
	store  Store
	codec  *token.Codec
	hasher tokenhash.Hasher

	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTracerProvider sets the provider spans are started from. Default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// Pair is an issued access token plus the refresh token and its record.
type Pair struct {
	AccessToken  string
	RefreshToken string
	Record       Record
}

// NewService constructs a Service.
func NewService(cfg Config, store Store, codec *token.Codec, hasher tokenhash.Hasher, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || codec == nil {
		return nil, fmt.Errorf("%w: store and codec are required", ErrConfig)
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		codec:  codec,
		hasher: hasher,
		log:    slog.Default(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Codec exposes the token codec the service signs with.
func (s *Service) Codec() *token.Codec { return s.codec }

// Store decodes tok, hashes it and inserts a new unrevoked record for principalID
// expiring when the token does.
func (s *Service) Store(ctx context.Context, tok string, principalID int64) (Record, error) {
	ctx, span := s.start(ctx, "session.Store", principalID)
	defer span.End()

	now := s.now()
	claims, err := s.decode(tok, now)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:          ulid.Make().String(),
		PrincipalID: principalID,
		TokenHash:   s.hasher.Hex(strings.TrimSpace(tok)),
		ExpiresAt:   claims.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return Record{}, s.storageErr(ctx, span, "store", principalID, err)
	}
	return rec, nil
}

// Rotate replaces rec's hash with newTok's and resets its expiry to now plus the
// refresh TTL. The record id is preserved.
func (s *Service) Rotate(ctx context.Context, rec Record, newTok string, principalID int64) (Record, error) {
	ctx, span := s.start(ctx, "session.Rotate", principalID)
	defer span.End()

	now := s.now()
	claims, err := s.decode(newTok, now)
	if err != nil {
		return Record{}, err
	}
	if rec.PrincipalID != principalID || claims.Subject != strconv.FormatInt(principalID, 10) {
		return Record{}, ErrInvalidToken
	}

	params := RotateParams{
		ID:        rec.ID,
		NewHash:   s.hasher.Hex(strings.TrimSpace(newTok)),
		ExpiresAt: now.Add(s.codec.RefreshTTL()),
		Now:       now,
	}
	if s.cfg.StrictRotation {
		params.ExpectHash = rec.TokenHash
	}

	out, err := s.store.Rotate(ctx, params)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRotationConflict):
		span.SetAttributes(attribute.String("latch.session.outcome", err.Error()))
		return Record{}, err
	default:
		return Record{}, s.storageErr(ctx, span, "rotate", principalID, err)
	}
}

// Validate returns the live record for tok owned by principalID.
// A token past its own expiry fails with ErrInvalidToken before storage is consulted.
func (s *Service) Validate(ctx context.Context, tok string, principalID int64) (Record, error) {
	ctx, span := s.start(ctx, "session.Validate", principalID)
	defer span.End()

	now := s.now()
	if _, err := s.decode(tok, now); err != nil {
		return Record{}, err
	}

	rec, err := s.store.FindActive(ctx, principalID, s.hasher.Hex(strings.TrimSpace(tok)), now)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, ErrNotFound):
		return Record{}, ErrNotFound
	default:
		return Record{}, s.storageErr(ctx, span, "validate", principalID, err)
	}
}

// Revoke flags rec as revoked. Revoking twice is not an error.
func (s *Service) Revoke(ctx context.Context, rec Record) error {
	ctx, span := s.start(ctx, "session.Revoke", rec.PrincipalID)
	defer span.End()

	err := s.store.Revoke(ctx, rec.ID, s.now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	default:
		return s.storageErr(ctx, span, "revoke", rec.PrincipalID, err)
	}
}

// RevokeAll revokes every active record of principalID and returns the count.
func (s *Service) RevokeAll(ctx context.Context, principalID int64) (int64, error) {
	ctx, span := s.start(ctx, "session.RevokeAll", principalID)
	defer span.End()

	n, err := s.store.RevokeAll(ctx, principalID, s.now())
	if err != nil {
		return 0, s.storageErr(ctx, span, "revoke_all", principalID, err)
	}
	span.SetAttributes(attribute.Int64("latch.session.revoked", n))
	return n, nil
}

// SweepExpired permanently deletes records past their stored expiry.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "session.SweepExpired")
	defer span.End()

	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		s.log.ErrorContext(ctx, "session.sweep.fail", "err", err)
		return 0, fmt.Errorf("session sweep: %w", err)
	}
	span.SetAttributes(attribute.Int64("latch.session.deleted", n))
	return n, nil
}

// Issue starts a new session for p: an access token keyed on the username and a
// stored refresh token keyed on the id.
func (s *Service) Issue(ctx context.Context, p identity.Principal) (Pair, error) {
	now := s.now()

	access, err := s.codec.IssueAccessToken(p.Username, now)
	if err != nil {
		return Pair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.codec.IssueRefreshToken(p.ID, now)
	if err != nil {
		return Pair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	rec, err := s.Store(ctx, refresh, p.ID)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh, Record: rec}, nil
}

// Refresh mints a new access token (subject is the numeric id) and rotates rec to
// a fresh refresh token.
func (s *Service) Refresh(ctx context.Context, rec Record, p identity.Principal) (Pair, error) {
	now := s.now()
	subject := strconv.FormatInt(p.ID, 10)

	access, err := s.codec.IssueAccessToken(subject, now)
	if err != nil {
		return Pair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.codec.IssueRefreshToken(p.ID, now)
	if err != nil {
		return Pair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	rotated, err := s.Rotate(ctx, rec, refresh, p.ID)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh, Record: rotated}, nil
}

// PrincipalID returns the principal id embedded in a refresh token, verifying
// signature and expiry.
func (s *Service) PrincipalID(tok string) (int64, error) {
	claims, err := s.decode(tok, s.now())
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

func (s *Service) decode(tok string, now time.Time) (token.Claims, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" || len(tok) > s.cfg.MaxTokenBytes {
		return token.Claims{}, ErrInvalidToken
	}
	claims, err := s.codec.Decode(tok, now)
	if err != nil {
		return token.Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) start(ctx context.Context, name string, principalID int64) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.Int64("latch.principal_id", principalID)))
}

func (s *Service) storageErr(ctx context.Context, span trace.Span, op string, principalID int64, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	s.log.ErrorContext(ctx, "session.store.fail",
		"op", op,
		"principal_id", principalID,
		"err", err,
	)
	return fmt.Errorf("session %s: %w", op, err)
}
