// Package identity holds the Principal model and its persistence.
//
// A Principal is either registered (has a password credential) or anonymous
// (bootstrapped from a client fingerprint with empty credential fields). Principals
// are never deleted here; the abandonment sweep only flags them.
package identity
