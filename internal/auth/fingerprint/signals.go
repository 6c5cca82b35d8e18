// Package fingerprint recognises returning anonymous clients from passive
// request signals and maps them to anonymous principals.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Signals are the passive request attributes a fingerprint is derived from.
type Signals struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string

	// IP is the best-effort client address; empty when none could be parsed.
	IP string
}

// Extract reads the fingerprint signals from r. With trustProxy the first
// X-Forwarded-For entry wins over the peer address.
func Extract(r *http.Request, trustProxy bool) Signals {
	if r == nil {
		return Signals{}
	}
	s := Signals{
		UserAgent:      strings.TrimSpace(r.Header.Get("User-Agent")),
		AcceptLanguage: strings.TrimSpace(r.Header.Get("Accept-Language")),
		AcceptEncoding: strings.TrimSpace(r.Header.Get("Accept-Encoding")),
	}
	if ip := ClientIP(r, trustProxy); ip != nil {
		s.IP = ip.String()
	}
	return s
}

// ClientIP returns the client address of r, or nil if it cannot be parsed.
func ClientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	return net.ParseIP(remote)
}

// Hash is the hex SHA-256 of "user_agent|accept_language|accept_encoding".
// The client IP is excluded so the fingerprint survives network changes.
func Hash(s Signals) string {
	return digest(s.UserAgent, s.AcceptLanguage, s.AcceptEncoding)
}

// HashWithIP also mixes in the client IP. Nothing in the auto-login path uses it.
func HashWithIP(s Signals) string {
	return digest(s.UserAgent, s.AcceptLanguage, s.AcceptEncoding, s.IP)
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Data is the signal set persisted alongside an anonymous principal.
func (s Signals) Data() map[string]string {
	return map[string]string{
		"user_agent":      s.UserAgent,
		"accept_language": s.AcceptLanguage,
		"accept_encoding": s.AcceptEncoding,
		"client_ip":       s.IP,
	}
}

func (s Signals) ipPtr() *string {
	if s.IP == "" {
		return nil
	}
	ip := s.IP
	return &ip
}
