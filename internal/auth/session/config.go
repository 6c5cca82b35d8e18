package session

import "fmt"

// Config tunes the session service.
type Config struct {
	// StrictRotation makes Rotate compare-and-swap on the validated hash instead of
	// overwriting unconditionally. A lost race then yields ErrRotationConflict.
	StrictRotation bool

	// MaxTokenBytes bounds accepted refresh token length before any hashing.
	MaxTokenBytes int
}

// DefaultConfig returns last-writer-wins rotation and a 4 KiB token bound.
func DefaultConfig() Config {
	return Config{
		StrictRotation: false,
		MaxTokenBytes:  4096,
	}
}

// Validate reports configuration problems wrapped in ErrConfig.
func (c Config) Validate() error {
	if c.MaxTokenBytes < 64 || c.MaxTokenBytes > 64*1024 {
		return fmt.Errorf("%w: max token bytes %d out of range", ErrConfig, c.MaxTokenBytes)
	}
	return nil
}
