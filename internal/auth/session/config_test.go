package session

import (
	"errors"
	"testing"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.StrictRotation {
		t.Fatalf("default rotation must be last-writer-wins")
	}
}

func TestConfig_InvalidMaxTokenBytes(t *testing.T) {
	for _, n := range []int{0, 16, 1 << 20} {
		cfg := DefaultConfig()
		cfg.MaxTokenBytes = n
		if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
			t.Fatalf("MaxTokenBytes=%d: expected ErrConfig, got %v", n, err)
		}
	}
}
