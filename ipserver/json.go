package ipserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	hap "github.com/go-hap/hapcore"
)

// permsJSON returns the `perms` array HAP's JSON accessory database
// uses, derived from a characteristic's Properties, per spec.md §4.K.
func permsJSON(p hap.Properties) []string {
	var out []string
	add := func(cond bool, name string) {
		if cond {
			out = append(out, name)
		}
	}
	add(p.Readable, "pr")
	add(p.Writable, "pw")
	add(p.SupportsEventNotification, "ev")
	add(p.AdminOnlyRead || p.AdminOnlyWrite, "aa")
	add(p.SupportsWriteResponse, "wr")
	add(p.SupportsBroadcastNotification, "bn")
	add(p.Hidden, "hd")
	return out
}

// formatJSON is the lowercase wire name HAP's JSON format field uses
// for each Format constant, per spec.md §3.
func formatJSON(f hap.Format) string {
	switch f {
	case hap.FormatBool:
		return "bool"
	case hap.FormatUInt8:
		return "uint8"
	case hap.FormatUInt16:
		return "uint16"
	case hap.FormatUInt32:
		return "uint32"
	case hap.FormatUInt64:
		return "uint64"
	case hap.FormatInt32:
		return "int"
	case hap.FormatFloat32:
		return "float"
	case hap.FormatString:
		return "string"
	case hap.FormatTLV8:
		return "tlv8"
	case hap.FormatData:
		return "data"
	default:
		return "data"
	}
}

// valueToJSON converts a decoded characteristic value into the form
// HAP's JSON wire format expects it in: numbers and bools pass through
// as JSON-native types, tlv8/data values are base64-encoded strings,
// per spec.md §4.K/§6.
func valueToJSON(format hap.Format, v interface{}) (interface{}, error) {
	switch format {
	case hap.FormatTLV8, hap.FormatData:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("ipserver: expected []byte for format %v, got %T", format, v)
		}
		return base64.StdEncoding.EncodeToString(b), nil
	default:
		return v, nil
	}
}

// jsonToValue converts a raw JSON value back into the interface{} shape
// the root package's handlers and EncodeValue expect for format.
func jsonToValue(format hap.Format, raw json.RawMessage) (interface{}, error) {
	switch format {
	case hap.FormatBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case hap.FormatUInt8, hap.FormatUInt16, hap.FormatUInt32, hap.FormatUInt64:
		var n uint64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case hap.FormatInt32:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case hap.FormatFloat32:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	case hap.FormatString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	case hap.FormatTLV8, hap.FormatData:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("ipserver: invalid base64 value: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("ipserver: unknown format %v", format)
	}
}

// characteristicJSON is one entry of GET /accessories' characteristics
// array, with every field spec.md §4.K's metadata/perms query flags can
// surface.
type characteristicJSON struct {
	IID         uint64      `json:"iid"`
	Type        string      `json:"type"`
	Perms       []string    `json:"perms,omitempty"`
	Format      string      `json:"format,omitempty"`
	Value       interface{} `json:"value,omitempty"`
	Unit        string      `json:"unit,omitempty"`
	MinValue    *float64    `json:"minValue,omitempty"`
	MaxValue    *float64    `json:"maxValue,omitempty"`
	MinStep     *float64    `json:"minStep,omitempty"`
	MaxLen      *int        `json:"maxLen,omitempty"`
	ValidValues []int       `json:"valid-values,omitempty"`
	Event       *bool       `json:"ev,omitempty"`
}

type serviceJSON struct {
	IID             uint64                `json:"iid"`
	Type            string                `json:"type"`
	Hidden          bool                  `json:"hidden,omitempty"`
	Primary         bool                  `json:"primary,omitempty"`
	LinkedServices  []uint64              `json:"linked,omitempty"`
	Characteristics []characteristicJSON  `json:"characteristics"`
}

type accessoryJSON struct {
	AID      uint64        `json:"aid"`
	Services []serviceJSON `json:"services"`
}

type accessoriesResponse struct {
	Accessories []accessoryJSON `json:"accessories"`
}

// characteristicToJSON renders c's static metadata, and - when
// withValue is true - its current value read under level.
func characteristicToJSON(exec *hap.Executor, req hap.Request, c *hap.Characteristic, level hap.AccessLevel, withValue, withMeta, withPerms bool) characteristicJSON {
	out := characteristicJSON{IID: c.IID, Type: c.Type.String()}
	if withPerms {
		out.Perms = permsJSON(c.Properties)
	}
	if withMeta {
		out.Format = formatJSON(c.Format)
		out.Unit = string(c.Unit)
		out.MinValue = c.Constraints.MinValue
		out.MaxValue = c.Constraints.MaxValue
		out.MinStep = c.Constraints.StepValue
		out.MaxLen = c.Constraints.MaxLength
		for _, b := range c.Constraints.ValidValues {
			out.ValidValues = append(out.ValidValues, int(b))
		}
	}
	if withValue {
		b, status := exec.Read(req, level)
		if status == hap.StatusSuccess {
			if v, err := hap.DecodeValue(c.Format, b); err == nil {
				if jv, err := valueToJSON(c.Format, v); err == nil {
					out.Value = jv
				}
			}
		}
	}
	return out
}
