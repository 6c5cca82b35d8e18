// Package token provides refresh-token hashing for latch.
//
// It is the single place that decides how a refresh token value is turned into
// the digest stored server-side. The raw token never reaches storage.
//
// Modes:
//   - SHA-256(token) when no key is configured.
//   - HMAC-SHA256(token, key) when LATCH_TOKEN_HMAC_KEY is set.
//
// Both modes produce a 64-char lower-case hex string.
package token
