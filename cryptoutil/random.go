package cryptoutil

import "crypto/rand"

// Random is the random-number capability of spec.md §6: "fill(bytes[n])".
// It is the one crypto-adjacent dependency that is *not* a total
// function of its inputs, per spec.md §4.B.
type Random interface {
	Fill(b []byte) error
}

// SystemRandom implements Random using the OS CSPRNG. Failing to obtain
// randomness is one of spec.md §9's three fatal conditions; callers at
// the server boundary are expected to treat a non-nil error from Fill
// as fatal rather than retry.
type SystemRandom struct{}

// Fill reads len(b) cryptographically secure random bytes into b.
func (SystemRandom) Fill(b []byte) error {
	_, err := rand.Read(b)
	return err
}
