package identity

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// MaxUsernameAttempts bounds GenerateUsername's search for a free name.
const MaxUsernameAttempts = 10

var (
	usernameAdjectives = []string{
		"amber", "brave", "calm", "clever", "cosmic", "crimson", "dusty", "eager",
		"fuzzy", "gentle", "golden", "hidden", "icy", "jolly", "lucky", "mellow",
		"misty", "nimble", "quiet", "rapid", "rusty", "silent", "sunny", "swift",
		"tidy", "velvet", "wild", "witty",
	}
	usernameNouns = []string{
		"badger", "beacon", "comet", "falcon", "fern", "fox", "harbor", "heron",
		"lantern", "maple", "meadow", "otter", "owl", "panda", "pebble", "pine",
		"raven", "river", "robin", "sparrow", "spruce", "thistle", "tiger", "walrus",
		"willow", "wren",
	}
)

// randIntN is swapped in tests for deterministic output.
var randIntN = rand.IntN

// CandidateUsername returns an adjective-noun-NNNN name.
func CandidateUsername() string {
	return fmt.Sprintf("%s-%s-%04d",
		usernameAdjectives[randIntN(len(usernameAdjectives))],
		usernameNouns[randIntN(len(usernameNouns))],
		randIntN(10000),
	)
}

// GenerateUsername returns a candidate not yet taken according to st.
// It gives up with ErrUsernameExhausted after MaxUsernameAttempts.
func GenerateUsername(ctx context.Context, st UsernameChecker) (string, error) {
	for range MaxUsernameAttempts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name := CandidateUsername()
		taken, err := st.UsernameExists(ctx, name)
		if err != nil {
			return "", fmt.Errorf("identity.GenerateUsername: %w", err)
		}
		if !taken {
			return name, nil
		}
	}
	return "", OpError{Op: "identity.GenerateUsername", Kind: ErrUsernameExhausted,
		Msg: fmt.Sprintf("no free username after %d attempts", MaxUsernameAttempts)}
}
