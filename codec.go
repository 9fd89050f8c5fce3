package hap

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// EncodeValue serializes v according to format's little-endian
// fixed-width wire encoding, per spec.md §4.K.
func EncodeValue(format Format, v interface{}) ([]byte, error) {
	switch format {
	case FormatBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("hap: expected bool, got %T", v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case FormatUInt8:
		n, err := asUint64(v)
		if err != nil {
			return nil, err
		}
		return []byte{byte(n)}, nil
	case FormatUInt16:
		n, err := asUint64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(n))
		return b, nil
	case FormatUInt32:
		n, err := asUint64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(n))
		return b, nil
	case FormatUInt64:
		n, err := asUint64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, n)
		return b, nil
	case FormatInt32:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(n)))
		return b, nil
	case FormatFloat32:
		f, err := asFloat64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
		return b, nil
	case FormatString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("hap: expected string, got %T", v)
		}
		if err := validateCharacteristicString(s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	case FormatData, FormatTLV8:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("hap: expected []byte, got %T", v)
		}
		return append([]byte(nil), b...), nil
	default:
		return nil, fmt.Errorf("hap: unknown format %d", format)
	}
}

// DecodeValue parses b according to format's wire encoding, the
// inverse of EncodeValue.
func DecodeValue(format Format, b []byte) (interface{}, error) {
	switch format {
	case FormatBool:
		if len(b) != 1 || (b[0] != 0 && b[0] != 1) {
			return nil, fmt.Errorf("hap: invalid bool encoding")
		}
		return b[0] == 1, nil
	case FormatUInt8:
		if len(b) != 1 {
			return nil, fmt.Errorf("hap: invalid uint8 encoding")
		}
		return uint8(b[0]), nil
	case FormatUInt16:
		if len(b) != 2 {
			return nil, fmt.Errorf("hap: invalid uint16 encoding")
		}
		return binary.LittleEndian.Uint16(b), nil
	case FormatUInt32:
		if len(b) != 4 {
			return nil, fmt.Errorf("hap: invalid uint32 encoding")
		}
		return binary.LittleEndian.Uint32(b), nil
	case FormatUInt64:
		if len(b) != 8 {
			return nil, fmt.Errorf("hap: invalid uint64 encoding")
		}
		return binary.LittleEndian.Uint64(b), nil
	case FormatInt32:
		if len(b) != 4 {
			return nil, fmt.Errorf("hap: invalid int32 encoding")
		}
		return int32(binary.LittleEndian.Uint32(b)), nil
	case FormatFloat32:
		if len(b) != 4 {
			return nil, fmt.Errorf("hap: invalid float32 encoding")
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case FormatString:
		s := string(b)
		if err := validateCharacteristicString(s); err != nil {
			return nil, err
		}
		return s, nil
	case FormatData, FormatTLV8:
		return append([]byte(nil), b...), nil
	default:
		return nil, fmt.Errorf("hap: unknown format %d", format)
	}
}

// validateCharacteristicString enforces spec.md §4.K's string rules:
// valid UTF-8, no embedded NUL.
func validateCharacteristicString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("hap: string is not valid UTF-8")
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("hap: string contains embedded NUL")
	}
	return nil
}

func asUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("hap: negative value for unsigned format")
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("hap: expected unsigned integer, got %T", v)
	}
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("hap: expected signed integer, got %T", v)
	}
}

func asFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("hap: expected float, got %T", v)
	}
}
