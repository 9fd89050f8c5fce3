package cryptoutil

import "golang.org/x/crypto/curve25519"

// X25519ScalarMultBase computes the public key for private scalar sk,
// per spec.md §4.B `x25519_scalarmult_base`.
func X25519ScalarMultBase(sk [32]byte) [32]byte {
	var out [32]byte
	curve25519.ScalarBaseMult(&out, &sk)
	return out
}

// X25519ScalarMult computes the shared secret sk*pk, per spec.md §4.B
// `x25519_scalarmult`.
func X25519ScalarMult(sk, pk [32]byte) ([32]byte, error) {
	var out [32]byte
	curve25519.ScalarMult(&out, &sk, &pk)
	return out, nil
}

// X25519GenerateKeyPair produces a fresh X25519 key pair using rnd for
// the private scalar, per Pair Verify M2 (spec.md §4.G).
func X25519GenerateKeyPair(rnd Random) (sk, pk [32]byte, err error) {
	if err = rnd.Fill(sk[:]); err != nil {
		return sk, pk, err
	}
	pk = X25519ScalarMultBase(sk)
	return sk, pk, nil
}
