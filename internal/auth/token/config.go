package token

import (
	"fmt"
	"strings"
	"time"
)

// MinSecretBytes is the shortest signing secret the codec accepts.
const MinSecretBytes = 32

// Config configures a Codec.
type Config struct {
	// Secret is the shared HMAC signing secret. Required.
	Secret string

	// Algorithm is one of HS256, HS384, HS512. Empty means HS256.
	Algorithm string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// DefaultConfig returns a 30 minute access / 7 day refresh HS256 config with no secret.
func DefaultConfig() Config {
	return Config{
		Algorithm:  "HS256",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}
}

// Validate reports configuration problems wrapped in ErrConfig.
func (c Config) Validate() error {
	if len(c.Secret) < MinSecretBytes {
		return fmt.Errorf("%w: secret must be at least %d bytes", ErrConfig, MinSecretBytes)
	}
	if _, ok := signingMethods[normalizeAlg(c.Algorithm)]; !ok {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrConfig, c.Algorithm)
	}
	if c.AccessTTL <= 0 {
		return fmt.Errorf("%w: access ttl must be positive", ErrConfig)
	}
	if c.RefreshTTL <= 0 {
		return fmt.Errorf("%w: refresh ttl must be positive", ErrConfig)
	}
	return nil
}

func normalizeAlg(alg string) string {
	alg = strings.ToUpper(strings.TrimSpace(alg))
	if alg == "" {
		return "HS256"
	}
	return alg
}
