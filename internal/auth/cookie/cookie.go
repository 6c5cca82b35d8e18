// Package cookie maps session tokens to HTTP cookies.
//
// Both cookies are HttpOnly and SameSite=Lax. MaxAge equals the lifetime of
// the token class they carry, so the browser drops a cookie no later than its
// token stops validating.
package cookie

import (
	"net/http"
	"strings"
	"time"
)

// Kind selects which token class a cookie carries.
type Kind int

const (
	Access Kind = iota
	Refresh
)

const (
	AccessName  = "access_token"
	RefreshName = "refresh_token"
)

// Name returns the cookie name for k.
func Name(k Kind) string {
	if k == Refresh {
		return RefreshName
	}
	return AccessName
}

func (k Kind) String() string {
	if k == Refresh {
		return "refresh"
	}
	return "access"
}

// Policy holds the transport attributes shared by both cookies.
type Policy struct {
	Secure     bool
	Domain     string
	Path       string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// DefaultPolicy returns a secure policy for the given token lifetimes.
func DefaultPolicy(accessTTL, refreshTTL time.Duration) Policy {
	return Policy{
		Secure:     true,
		Path:       "/",
		AccessTTL:  accessTTL,
		RefreshTTL: refreshTTL,
	}
}

func (p Policy) ttl(k Kind) time.Duration {
	if k == Refresh {
		return p.RefreshTTL
	}
	return p.AccessTTL
}

func (p Policy) path() string {
	if v := strings.TrimSpace(p.Path); v != "" {
		return v
	}
	return "/"
}

// Cookie builds the cookie carrying value as a token of kind k.
func (p Policy) Cookie(k Kind, value string) *http.Cookie {
	return &http.Cookie{
		Name:     Name(k),
		Value:    value,
		Path:     p.path(),
		Domain:   p.Domain,
		MaxAge:   int(p.ttl(k) / time.Second),
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Set writes the cookie for value onto w.
func (p Policy) Set(w http.ResponseWriter, k Kind, value string) {
	if w == nil {
		return
	}
	http.SetCookie(w, p.Cookie(k, value))
}

// SetPair writes both session cookies.
func (p Policy) SetPair(w http.ResponseWriter, accessToken, refreshToken string) {
	p.Set(w, Access, accessToken)
	p.Set(w, Refresh, refreshToken)
}

// Clear expires both session cookies.
func (p Policy) Clear(w http.ResponseWriter) {
	if w == nil {
		return
	}
	for _, k := range []Kind{Access, Refresh} {
		c := p.Cookie(k, "")
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0).UTC()
		http.SetCookie(w, c)
	}
}

// Value returns the trimmed value of the k cookie on r, or "" when absent.
func Value(r *http.Request, k Kind) string {
	if r == nil {
		return ""
	}
	c, err := r.Cookie(Name(k))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}
