package token

import "errors"

var (
	// ErrInvalidToken is the single outcome for any token that fails to decode or verify.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for an unusable codec configuration.
	ErrConfig = errors.New("invalid token config")
)
