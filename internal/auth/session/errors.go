package session

import "errors"

var (
	// ErrInvalidToken is returned when a refresh token cannot be decoded or verified.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNotFound is returned when no valid record matches.
	ErrNotFound = errors.New("session not found")

	// ErrRotationConflict is returned under strict rotation when the record's hash
	// changed (or it was revoked) between validation and rotation.
	ErrRotationConflict = errors.New("session rotation conflict")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)
