package tlv

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrRequiredFieldMissing is returned by Unmarshal when a non-optional
// struct field has no corresponding TLV record.
var ErrRequiredFieldMissing = errors.New("tlv: required field missing")

type fieldSpec struct {
	typ      byte
	index    int
	optional bool
	flat     bool
}

// parseTag reads a `tlv:"<type>[,optional][,flat]"` struct tag.
func parseTag(tag string) (fieldSpec, bool, error) {
	if tag == "" || tag == "-" {
		return fieldSpec{}, false, nil
	}
	parts := strings.Split(tag, ",")
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return fieldSpec{}, false, fmt.Errorf("tlv: bad tag %q: %w", tag, err)
	}
	fs := fieldSpec{typ: byte(n)}
	for _, p := range parts[1:] {
		switch p {
		case "optional":
			fs.optional = true
		case "flat":
			fs.flat = true
		}
	}
	return fs, true, nil
}

// Marshal encodes a struct into a TLV record stream. Every exported
// field with a `tlv:"N"` tag becomes a record of type N. A field tagged
// `flat` must itself be a struct (or pointer to struct); its own fields
// are encoded directly into the parent stream instead of being nested,
// matching spec.md's "isFlat" aggregate member.
func Marshal(v interface{}) ([]byte, error) {
	w := NewWriter(0)
	if err := marshalInto(w, v); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func marshalInto(w *Writer, v interface{}) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("tlv: Marshal requires a struct, got %s", rv.Kind())
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if sf.PkgPath != "" {
			continue // unexported
		}
		fs, ok, err := parseTag(sf.Tag.Get("tlv"))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		fv := rv.Field(i)
		if fs.optional && isZero(fv) {
			continue
		}
		if fs.flat {
			if err := marshalInto(w, fv.Interface()); err != nil {
				return err
			}
			continue
		}
		if err := writeField(w, fs.typ, fv); err != nil {
			return err
		}
	}
	return nil
}

func isZero(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Slice:
		return v.IsNil()
	case reflect.String:
		return v.Len() == 0
	default:
		return v.IsZero()
	}
}

func writeField(w *Writer, t byte, fv reflect.Value) error {
	switch fv.Kind() {
	case reflect.Ptr:
		if fv.IsNil() {
			return nil
		}
		return writeField(w, t, fv.Elem())
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("tlv: unsupported slice element type %s", fv.Type().Elem())
		}
		return w.WriteBytes(t, fv.Bytes())
	case reflect.Uint8:
		return w.WriteByte(t, byte(fv.Uint()))
	case reflect.Uint16:
		return w.WriteUint16(t, uint16(fv.Uint()))
	case reflect.Uint32:
		return w.WriteUint32(t, uint32(fv.Uint()))
	case reflect.String:
		return w.WriteString(t, fv.String())
	case reflect.Array:
		if fv.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("tlv: unsupported array element type %s", fv.Type().Elem())
		}
		b := make([]byte, fv.Len())
		reflect.Copy(reflect.ValueOf(b), fv)
		return w.WriteBytes(t, b)
	case reflect.Struct:
		sub, err := Marshal(fv.Addr().Interface())
		if err != nil {
			return err
		}
		return w.WriteBytes(t, sub)
	default:
		return fmt.Errorf("tlv: unsupported field kind %s", fv.Kind())
	}
}

// Unmarshal decodes a TLV record stream into a struct pointer, the
// inverse of Marshal.
func Unmarshal(data []byte, v interface{}) error {
	r, err := NewReader(data)
	if err != nil {
		return err
	}
	return unmarshalFrom(r, v)
}

func unmarshalFrom(r *Reader, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("tlv: Unmarshal requires a non-nil pointer")
	}
	rv = rv.Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		fs, ok, err := parseTag(sf.Tag.Get("tlv"))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		fv := rv.Field(i)
		if fs.flat {
			if err := unmarshalFrom(r, fv.Addr().Interface()); err != nil {
				return err
			}
			continue
		}
		val, present := r.Get(fs.typ)
		if !present {
			if fs.optional {
				continue
			}
			return fmt.Errorf("%w: type %d", ErrRequiredFieldMissing, fs.typ)
		}
		if err := readField(val.Bytes, fv); err != nil {
			return err
		}
	}
	return nil
}

func readField(b []byte, fv reflect.Value) error {
	switch fv.Kind() {
	case reflect.Ptr:
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		return readField(b, fv.Elem())
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("tlv: unsupported slice element type %s", fv.Type().Elem())
		}
		fv.SetBytes(append([]byte(nil), b...))
		return nil
	case reflect.Uint8:
		if len(b) != 1 {
			return fmt.Errorf("tlv: expected 1 byte, got %d", len(b))
		}
		fv.SetUint(uint64(b[0]))
		return nil
	case reflect.Uint16:
		if len(b) == 0 || len(b) > 2 {
			return fmt.Errorf("tlv: expected <=2 bytes, got %d", len(b))
		}
		var n uint16
		for i := len(b) - 1; i >= 0; i-- {
			n = n<<8 | uint16(b[i])
		}
		fv.SetUint(uint64(n))
		return nil
	case reflect.Uint32:
		if len(b) == 0 || len(b) > 4 {
			return fmt.Errorf("tlv: expected <=4 bytes, got %d", len(b))
		}
		var n uint32
		for i := len(b) - 1; i >= 0; i-- {
			n = n<<8 | uint32(b[i])
		}
		fv.SetUint(uint64(n))
		return nil
	case reflect.String:
		fv.SetString(string(b))
		return nil
	case reflect.Array:
		if fv.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("tlv: unsupported array element type %s", fv.Type().Elem())
		}
		if len(b) != fv.Len() {
			return fmt.Errorf("tlv: expected %d bytes, got %d", fv.Len(), len(b))
		}
		reflect.Copy(fv, reflect.ValueOf(b))
		return nil
	case reflect.Struct:
		return Unmarshal(b, fv.Addr().Interface())
	default:
		return fmt.Errorf("tlv: unsupported field kind %s", fv.Kind())
	}
}

// Sequence encodes a repeated element list with a zero-length separator
// record of type sep between elements, per spec.md's "sequence" member
// kind. Each element is itself a complete TLV record stream (typically
// the output of Marshal for a variant struct).
func EncodeSequence(w *Writer, sep byte, elements [][]byte) error {
	for i, el := range elements {
		if i > 0 {
			if err := w.WriteBytes(sep, nil); err != nil {
				return err
			}
		}
		w.buf.Write(el)
	}
	return nil
}

// DecodeSequence splits a flat byte window on zero-length sep records,
// returning the raw bytes of each element's record stream.
func DecodeSequence(data []byte, sep byte) ([][]byte, error) {
	var out [][]byte
	start := 0
	pos := 0
	for pos < len(data) {
		if pos+2 > len(data) {
			return nil, ErrMalformed
		}
		t := data[pos]
		l := int(data[pos+1])
		recEnd := pos + 2 + l
		if recEnd > len(data) {
			return nil, ErrMalformed
		}
		if t == sep && l == 0 {
			out = append(out, data[start:pos])
			start = recEnd
		}
		pos = recEnd
	}
	out = append(out, data[start:])
	return out, nil
}

// UnmarshalUnion decodes a discriminated union: discType identifies the TLV
// record carrying the 1-byte variant selector, and variants maps
// selector values to a constructor returning a pointer the selected
// variant should be unmarshaled into. Returns the constructed variant.
func UnmarshalUnion(data []byte, discType byte, variants map[byte]func() interface{}) (interface{}, error) {
	r, err := NewReader(data)
	if err != nil {
		return nil, err
	}
	disc, ok := r.GetByte(discType)
	if !ok {
		return nil, fmt.Errorf("%w: union discriminant type %d", ErrRequiredFieldMissing, discType)
	}
	ctor, ok := variants[disc]
	if !ok {
		return nil, fmt.Errorf("tlv: unknown union discriminant %d", disc)
	}
	v := ctor()
	if err := unmarshalFrom(r, v); err != nil {
		return nil, err
	}
	return v, nil
}
