package token

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

var signingMethods = map[string]*jwt.SigningMethodHMAC{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// Claims is the decoded view of a token.
type Claims struct {
	Subject   string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Remaining returns the lifetime left at now. Negative once expired.
func (c Claims) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Expired reports whether the token is past its embedded expiry at now.
func (c Claims) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Codec signs and verifies tokens with a single symmetric secret.
// It is safe for concurrent use.
type Codec struct {
	method     *jwt.SigningMethodHMAC
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// New validates cfg and returns a Codec.
func New(cfg Config) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Codec{
		method:     signingMethods[normalizeAlg(cfg.Algorithm)],
		secret:     []byte(cfg.Secret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
	}, nil
}

func (c *Codec) AccessTTL() time.Duration  { return c.accessTTL }
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccessToken returns a token with sub=subject expiring AccessTTL after now.
func (c *Codec) IssueAccessToken(subject string, now time.Time) (string, error) {
	return c.issue(subject, now, c.accessTTL)
}

// IssueRefreshToken returns a token with sub=<principalID> expiring RefreshTTL after now.
func (c *Codec) IssueRefreshToken(principalID int64, now time.Time) (string, error) {
	return c.issue(strconv.FormatInt(principalID, 10), now, c.refreshTTL)
}

func (c *Codec) issue(subject string, now time.Time, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", ErrInvalidToken
	}

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        ulid.Make().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
}

type decodeOptions struct {
	skipExpiry bool
}

// DecodeOption adjusts Decode.
type DecodeOption func(*decodeOptions)

// WithoutExpiry returns claims even when the token has expired.
// The signature is still verified.
func WithoutExpiry() DecodeOption {
	return func(o *decodeOptions) { o.skipExpiry = true }
}

// Decode verifies tok and returns its claims as of now.
func (c *Codec) Decode(tok string, now time.Time, opts ...DecodeOption) (Claims, error) {
	var o decodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Claims{}, ErrInvalidToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if o.skipExpiry {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}

	var rc jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &rc, func(t *jwt.Token) (any, error) {
		if t.Method != c.method {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if rc.Subject == "" || rc.ExpiresAt == nil {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{
		Subject:   rc.Subject,
		ID:        rc.ID,
		ExpiresAt: rc.ExpiresAt.Time,
	}
	if rc.IssuedAt != nil {
		out.IssuedAt = rc.IssuedAt.Time
	}
	return out, nil
}
