// Package setupcode derives the SRP setup parameters from an
// accessory's 8-digit setup code and renders the `X-HM://` setup
// payload used for QR-code pairing, per spec.md §4.E.
package setupcode

import (
	"fmt"
	"strings"
)

const base36Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Category is the HomeKit accessory category advertised in the setup
// payload, per spec.md §8 GLOSSARY.
type Category uint16

// PayloadFlags are the three boolean bits the setup payload encodes
// alongside the setup code, per spec.md §4.E.
type PayloadFlags struct {
	IsPaired     bool
	SupportsIP   bool
	SupportsBLE  bool
}

func (f PayloadFlags) bits() uint64 {
	var b uint64
	if f.IsPaired {
		b |= 1 << 0
	}
	if f.SupportsIP {
		b |= 1 << 1
	}
	if f.SupportsBLE {
		b |= 1 << 2
	}
	return b
}

// EncodePayload renders the `X-HM://` setup payload for setupCode (the
// "XXX-XX-XXX" string), setupID (4 chars) and category, per spec.md
// §7 "Setup payload": a 48-bit field {version:3, reserved:4,
// category:10, flags:4, setup_code:27} base36-encoded into 9
// characters, followed verbatim by the 4-character setup id.
func EncodePayload(setupCode string, setupID string, flags PayloadFlags, category Category) (string, error) {
	code, err := ParseSetupCode(setupCode)
	if err != nil {
		return "", err
	}
	if len(setupID) != 4 {
		return "", fmt.Errorf("setupcode: setup id must be 4 characters, got %d", len(setupID))
	}

	var value uint64
	value |= uint64(code) & 0x7FFFFFF
	value |= flags.bits() << 27
	value |= (uint64(category) & 0x3FF) << 31
	// reserved (4 bits) and version (3 bits) are always zero in this
	// implementation, matching every observed reference payload.

	return "X-HM://" + base36Encode(value, 9) + strings.ToUpper(setupID), nil
}

// base36Encode renders v in base36, left-padded with '0' to width
// characters.
func base36Encode(v uint64, width int) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = base36Alphabet[v%36]
		v /= 36
	}
	return string(buf)
}

// ParseSetupCode validates and returns the numeric value of an 8-digit
// setup code in "XXX-XX-XXX" form.
func ParseSetupCode(setupCode string) (uint32, error) {
	digits := strings.ReplaceAll(setupCode, "-", "")
	if len(digits) != 8 {
		return 0, fmt.Errorf("setupcode: malformed setup code %q", setupCode)
	}
	var v uint32
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("setupcode: malformed setup code %q", setupCode)
		}
		v = v*10 + uint32(r-'0')
	}
	return v, nil
}
