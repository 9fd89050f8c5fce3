package hap

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// UUID is a 128-bit (or, for the Bluetooth SIG reserved range, 16-bit)
// identifier, stored little-endian the way the Bluetooth wire format
// and paypal-gatt's UUID type both do.
type UUID struct {
	b []byte
}

// UUID16 builds a UUID from a 16-bit Bluetooth SIG assigned number,
// stored little-endian, mirroring paypal-gatt's UUID16 helper.
func UUID16(v uint16) UUID {
	return UUID{b: []byte{byte(v), byte(v >> 8)}}
}

// UUID128 builds a UUID from 16 raw big-endian bytes (the conventional
// textual UUID byte order), reversing to the little-endian wire order
// HAP and the Bluetooth stack both expect internally.
func UUID128(b [16]byte) UUID {
	return UUID{b: reverse(b[:])}
}

// MustParseUUID parses a hyphenated 128-bit UUID string (e.g.
// "0000180A-0000-1000-8000-00805F9B34FB") or bare hex, panicking on a
// malformed string. It is intended for static accessory-catalog
// definitions, where a malformed literal is a programming error.
func MustParseUUID(s string) UUID {
	clean := strings.ReplaceAll(s, "-", "")
	raw, err := hex.DecodeString(clean)
	if err != nil {
		panic(fmt.Sprintf("hap: invalid uuid %q: %v", s, err))
	}
	if len(raw) != 16 && len(raw) != 2 {
		panic(fmt.Sprintf("hap: invalid uuid length %q", s))
	}
	return UUID{b: reverse(raw)}
}

// Bytes returns the little-endian wire representation.
func (u UUID) Bytes() []byte { return u.b }

// Len reports 2 for a 16-bit short-form UUID, 16 otherwise.
func (u UUID) Len() int { return len(u.b) }

// Equal reports whether two UUIDs denote the same identifier.
func (u UUID) Equal(o UUID) bool {
	if len(u.b) != len(o.b) {
		return false
	}
	for i := range u.b {
		if u.b[i] != o.b[i] {
			return false
		}
	}
	return true
}

// String renders the UUID in conventional big-endian hyphenated form.
func (u UUID) String() string {
	be := reverse(u.b)
	h := hex.EncodeToString(be)
	if len(be) == 2 {
		return strings.ToUpper(h)
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32])
}

// reverse returns a new slice with b's bytes in reverse order.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func uuidEqual(a, b UUID) bool { return a.Equal(b) }
