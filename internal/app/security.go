package app

import (
	"errors"

	"latch/security/token"
)

// ValidateSecurityConfig enforces the token hashing policy at startup.
// Silently falling back to plain SHA-256 under the HMAC policy is refused.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}
	// The key is used as raw bytes, so its length is measured in bytes.
	if _, err := token.NewStrictHasher(cfg.TokenHMACKey, token.MinHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: LATCH_REQUIRE_TOKEN_HMAC=true but LATCH_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: LATCH_REQUIRE_TOKEN_HMAC=true but LATCH_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}
	return nil
}

// tokenHasher returns the refresh token hasher the policy calls for.
func tokenHasher(cfg Config) (token.Hasher, error) {
	if cfg.RequireTokenHMAC {
		return token.NewStrictHasher(cfg.TokenHMACKey, token.MinHMACKeyBytes)
	}
	return token.NewHasher(cfg.TokenHMACKey), nil
}
