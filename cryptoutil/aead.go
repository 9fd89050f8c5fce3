package cryptoutil

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthenticationFailed is returned by Open when the AEAD tag does
// not verify, mapped by callers to hap.Authentication per spec.md §7.
var ErrAuthenticationFailed = errors.New("cryptoutil: chacha20-poly1305 authentication failed")

// NonceFromLabel builds the 12-byte nonce HAP uses for the fixed
// pairing messages ("PS-Msg04", "PV-Msg02", ...): 4 zero bytes followed
// by the 8-character ASCII label, per spec.md §4.B.
func NonceFromLabel(label string) ([12]byte, error) {
	var n [12]byte
	if len(label) != 8 {
		return n, fmt.Errorf("cryptoutil: nonce label must be 8 bytes, got %d", len(label))
	}
	copy(n[4:], label)
	return n, nil
}

// NonceFromCounter builds the 12-byte nonce used for session traffic: a
// little-endian 64-bit counter in the low 8 bytes, 4 leading zero
// bytes, per spec.md §3/§4.H.
func NonceFromCounter(counter uint64) [12]byte {
	var n [12]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under key/nonce and
// aad, returning ciphertext‖tag16, per spec.md §4.B
// `chacha20_poly1305_encrypt`.
func Seal(key [32]byte, nonce [12]byte, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts ciphertext‖tag16 with ChaCha20-Poly1305 under
// key/nonce and aad, per spec.md §4.B `chacha20_poly1305_decrypt`.
// Returns ErrAuthenticationFailed on tag mismatch.
func Open(key [32]byte, nonce [12]byte, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return out, nil
}
