package authapi

import "errors"

// Config controls auth API request handling.
type Config struct {
	// TrustProxy honours X-Forwarded-For when recording client addresses and
	// computing fingerprints.
	TrustProxy bool

	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64
}

// DefaultConfig trusts the proxy and allows 1 MiB bodies.
func DefaultConfig() Config {
	return Config{
		TrustProxy:   true,
		MaxBodyBytes: 1 << 20,
	}
}

// Validate reports unusable settings.
func (c Config) Validate() error {
	if c.MaxBodyBytes <= 0 {
		return errors.New("auth api: max body bytes must be positive")
	}
	return nil
}
