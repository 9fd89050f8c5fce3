package cryptoutil

import "crypto/ed25519"

// Ed25519Sign signs message with the 64-byte Ed25519 private key, per
// spec.md §4.B `ed25519_sign`. Ed25519 is taken from the standard
// library (see DESIGN.md): unlike HKDF/AEAD/X25519, no repo in the
// retrieval pack imports a third-party Ed25519 package, and
// crypto/ed25519 has been the idiomatic Go choice since Go 1.13.
func Ed25519Sign(sk ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(sk, message)
}

// Ed25519Verify verifies sig over message under the 32-byte public key
// pk, per spec.md §4.B `ed25519_verify`.
func Ed25519Verify(pk ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pk, message, sig)
}

// Ed25519GenerateKey produces a fresh Ed25519 key pair using rnd as the
// entropy source, used once to materialize the accessory's long-term
// identity (spec.md §4.C/D).
func Ed25519GenerateKey(rnd Random) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	var seed [ed25519.SeedSize]byte
	if err := rnd.Fill(seed[:]); err != nil {
		return nil, nil, err
	}
	sk := ed25519.NewKeyFromSeed(seed[:])
	return sk.Public().(ed25519.PublicKey), sk, nil
}
