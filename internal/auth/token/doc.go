// Package token issues and decodes the signed JWTs used as access and refresh tokens.
//
// Access tokens carry the principal's username as "sub"; refresh tokens carry the
// numeric principal id so they survive a username change. Both share one symmetric
// secret and differ only in lifetime.
//
// Every decode failure (bad signature, malformed input, wrong algorithm, expiry)
// surfaces as ErrInvalidToken. Callers cannot tell an expired token from a forged one.
package token
