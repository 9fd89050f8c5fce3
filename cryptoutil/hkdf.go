package cryptoutil

import (
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFSHA512 derives outLen bytes from ikm using HKDF-SHA-512 with the
// given salt and info, per spec.md §4.B `hkdf_sha512`. This is the sole
// key-derivation primitive used throughout pairing and session setup;
// grounded on golang.org/x/crypto/hkdf, the library already present in
// the retrieval pack (chaz8081-gostt-writer/go.mod).
func HKDFSHA512(ikm, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha512.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
