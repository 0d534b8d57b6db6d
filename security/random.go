package security

import (
	"crypto/rand"
	"fmt"
)

// RandomSource produces cryptographically secure random bytes. It is injected
// into the CSRF engine so tests can supply deterministic nonces; production
// code uses CryptoRand.
type RandomSource interface {
	Bytes(n int) ([]byte, error)
}

type cryptoRand struct{}

func (cryptoRand) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto/rand.Read failed: %w", err)
	}
	return b, nil
}

// CryptoRand is the RandomSource backed by crypto/rand.
var CryptoRand RandomSource = cryptoRand{}

// MustRandomBytes returns n random bytes from CryptoRand and panics if the
// system RNG fails. An unreadable RNG is a critical system-level failure;
// continuing without entropy would silently weaken every token we issue.
func MustRandomBytes(n int) []byte {
	b, err := CryptoRand.Bytes(n)
	if err != nil {
		panic(err)
	}
	return b
}
