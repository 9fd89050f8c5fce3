package hap

import (
	"sort"
)

// AccessLevel describes which security posture a request arrived
// under, used by the executor to enforce Properties.ReadableWithoutSecurity
// / WritableWithoutSecurity / AdminOnlyRead / AdminOnlyWrite (spec.md
// §4.K).
type AccessLevel int

const (
	AccessUnencrypted AccessLevel = iota
	AccessRegular
	AccessAdmin
)

// Executor validates and dispatches characteristic reads/writes
// against a Characteristic's Properties, Format and Constraints before
// ever calling its handler, per spec.md §4.K. Grounded on paypal-gatt's
// characteristic.go handler dispatch, extended with the permission and
// range/step checks HAPCharacteristic.h performs ahead of the
// application callback.
type Executor struct{}

// CheckReadable enforces the read-permission gate.
func (Executor) CheckReadable(c *Characteristic, level AccessLevel) Status {
	if !c.Properties.Readable {
		return StatusInvalidRequest
	}
	if level == AccessUnencrypted && !c.Properties.ReadableWithoutSecurity {
		return StatusInsufficientAuthentication
	}
	if c.Properties.AdminOnlyRead && level != AccessAdmin {
		return StatusInsufficientAuthorization
	}
	return StatusSuccess
}

// CheckWritable enforces the write-permission gate.
func (Executor) CheckWritable(c *Characteristic, level AccessLevel) Status {
	if !c.Properties.Writable {
		return StatusInvalidRequest
	}
	if level == AccessUnencrypted && !c.Properties.WritableWithoutSecurity {
		return StatusInsufficientAuthentication
	}
	if c.Properties.AdminOnlyWrite && level != AccessAdmin {
		return StatusInsufficientAuthorization
	}
	return StatusSuccess
}

// CheckDirectWriteAllowed enforces spec.md §4.K(c): a characteristic
// that requires a Timed Write rejects any write that did not arrive
// through the park-then-commit split (BLE opcode 4/5, or IP's
// PUT /prepare + pid-gated PUT /characteristics). Callers on the
// commit path never call this.
func (Executor) CheckDirectWriteAllowed(c *Characteristic) Status {
	if c.Properties.RequiresTimedWrite {
		return StatusInvalidRequest
	}
	return StatusSuccess
}

// CheckAuthorizationData enforces spec.md §4.K(d): authData is only
// permitted on a characteristic advertising SupportsAuthorizationData,
// and only when the request carries an explicit local/remote origin
// indicator alongside it.
func (Executor) CheckAuthorizationData(c *Characteristic, req Request) Status {
	if len(req.AuthData) == 0 {
		return StatusSuccess
	}
	if !c.Properties.SupportsAuthorizationData {
		return StatusInvalidRequest
	}
	if !req.HasOrigin {
		return StatusInvalidRequest
	}
	return StatusSuccess
}

// Read runs the full read path: permission check, handler invocation,
// encoding. The returned Status is StatusSuccess only when b is valid.
func (e Executor) Read(req Request, level AccessLevel) ([]byte, Status) {
	c := req.Characteristic
	if st := e.CheckReadable(c, level); st != StatusSuccess {
		return nil, st
	}
	if c.rhandler == nil {
		if c.staticValue == nil {
			return nil, StatusInvalidRequest
		}
		b, err := EncodeValue(c.Format, c.staticValue)
		if err != nil {
			return nil, StatusInvalidRequest
		}
		return b, StatusSuccess
	}
	v, st := c.rhandler.ServeRead(req)
	if st != StatusSuccess {
		return nil, st
	}
	b, err := EncodeValue(c.Format, v)
	if err != nil {
		return nil, StatusInvalidRequest
	}
	return b, StatusSuccess
}

// Write runs the full write path: permission check, format decode,
// range/step validation, handler invocation.
func (e Executor) Write(req Request, raw []byte, level AccessLevel) Status {
	c := req.Characteristic
	if st := e.CheckWritable(c, level); st != StatusSuccess {
		return st
	}
	if c.Format == FormatData || c.Format == FormatTLV8 {
		if max := c.maxLength(); max > 0 && len(raw) > max {
			return StatusInvalidRequest
		}
	}
	if c.Format == FormatString && len(raw) > c.maxLength() {
		return StatusInvalidRequest
	}
	v, err := DecodeValue(c.Format, raw)
	if err != nil {
		return StatusInvalidRequest
	}
	if !validateConstraints(c.Format, c.Constraints, v) {
		return StatusInvalidRequest
	}
	if c.whandler == nil {
		return StatusInvalidRequest
	}
	return c.whandler.ServeWrite(req, v)
}

// validateConstraints enforces min/max/step and enumerated valid
// values, per spec.md §4.K. Non-numeric formats have no constraints to
// check and always pass.
func validateConstraints(format Format, c Constraints, v interface{}) bool {
	f, ok := numericValue(format, v)
	if !ok {
		return true
	}
	if c.MinValue != nil && f < *c.MinValue {
		return false
	}
	if c.MaxValue != nil && f > *c.MaxValue {
		return false
	}
	if c.StepValue != nil && *c.StepValue > 0 {
		min := 0.0
		if c.MinValue != nil {
			min = *c.MinValue
		}
		steps := (f - min) / *c.StepValue
		if !closeToInteger(steps) {
			return false
		}
	}
	if len(c.ValidValues) > 0 {
		u := uint8(f)
		found := false
		for _, vv := range c.ValidValues {
			if vv == u {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(c.ValidValuesRanges) > 0 {
		u := uint8(f)
		found := false
		for _, r := range c.ValidValuesRanges {
			if u >= r[0] && u <= r[1] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func numericValue(format Format, v interface{}) (float64, bool) {
	switch format {
	case FormatUInt8, FormatUInt16, FormatUInt32, FormatUInt64, FormatInt32, FormatFloat32:
	default:
		return 0, false
	}
	f, err := asFloat64(toFloatCompatible(v))
	if err != nil {
		return 0, false
	}
	return f, true
}

func toFloatCompatible(v interface{}) interface{} {
	switch n := v.(type) {
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case int32:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

func closeToInteger(f float64) bool {
	const eps = 1e-6
	r := f - float64(int64(f+0.5))
	if r < 0 {
		r = -r
	}
	return r < eps
}

// BroadcastConfiguration is the per-characteristic broadcast interval
// selection written via Broadcast Configuration TLV (spec.md §4.I
// SUPPLEMENTED), keyed by characteristic iid for deterministic
// iteration when serialized back to a controller.
type BroadcastConfiguration struct {
	entries map[uint64]BroadcastInterval
}

// BroadcastInterval enumerates the HAP broadcast interval codes.
type BroadcastInterval uint8

const (
	BroadcastInterval20ms BroadcastInterval = iota
	BroadcastInterval1280ms
	BroadcastInterval2560ms
)

func NewBroadcastConfiguration() *BroadcastConfiguration {
	return &BroadcastConfiguration{entries: make(map[uint64]BroadcastInterval)}
}

// Set enables broadcast notifications for iid at the given interval. A
// characteristic must have SupportsBroadcastNotification for the
// configuration to take effect; callers are expected to have checked
// that against the catalog before calling Set.
func (b *BroadcastConfiguration) Set(iid uint64, interval BroadcastInterval) {
	b.entries[iid] = interval
}

// Clear removes iid's broadcast configuration.
func (b *BroadcastConfiguration) Clear(iid uint64) {
	delete(b.entries, iid)
}

// Enabled reports whether iid currently has a broadcast configuration.
func (b *BroadcastConfiguration) Enabled(iid uint64) (BroadcastInterval, bool) {
	iv, ok := b.entries[iid]
	return iv, ok
}

// IIDs returns the configured iids in ascending order, for
// deterministic TLV serialization when a controller reads back the
// configuration.
func (b *BroadcastConfiguration) IIDs() []uint64 {
	ids := make([]uint64, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (k Kind) toStatus() Status {
	switch k {
	case KindNotAuthorized:
		return StatusInsufficientAuthorization
	case KindAuthentication:
		return StatusInsufficientAuthentication
	case KindOutOfResources, KindBusy, KindMaxTries, KindMaxPeers:
		return StatusMaxProcedures
	case KindInvalidData:
		return StatusInvalidRequest
	default:
		return StatusInvalidRequest
	}
}
