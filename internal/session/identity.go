package session

import (
	"crypto/rand"
	"fmt"

	"github.com/nerrad567/mqttsession/internal/bus"
)

// identityLength is the number of characters in a generated identity.
const identityLength = 12

const identityAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewIdentity returns a random alphanumeric identity.
func NewIdentity() (bus.Identity, error) {
	buf := make([]byte, identityLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session identity: %w", err)
	}

	// 256 % 62 != 0, so reject bytes in the biased tail.
	const limit = 256 - 256%len(identityAlphabet)
	out := make([]byte, 0, identityLength)
	for len(out) < identityLength {
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, identityAlphabet[int(b)%len(identityAlphabet)])
			if len(out) == identityLength {
				break
			}
		}
		if len(out) < identityLength {
			if _, err := rand.Read(buf); err != nil {
				return "", fmt.Errorf("generating session identity: %w", err)
			}
		}
	}

	return bus.Identity(out), nil
}
