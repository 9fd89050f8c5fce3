package ble

import (
	"github.com/sirupsen/logrus"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/capability"
	"github.com/go-hap/hapcore/tlv"
)

// timedWriteKey identifies one pending BLE Timed-Write by the
// characteristic it targets; spec.md §4.J's opcode 4/5 split is
// per-characteristic, not per-session, since a BLE link serves exactly
// one controller at a time.
type timedWriteKey struct {
	aid, iid uint64
}

type timedWriteEntry struct {
	value    []byte
	deadline uint64 // capability.Clock.NowMillis() value past which opcode 5 drops it
}

// Dispatcher implements spec.md §4.J's opcode table against one
// accessory's catalog, wired to the root package's Executor for
// permission/format/range checks and to AccessoryServer for CN/GSN
// bookkeeping. Grounded on paypal-gatt's att.go (const opcode table,
// request->response mapping style) generalized from ATT opcodes to
// HAP PDU opcodes.
type Dispatcher struct {
	Server      *hap.AccessoryServer
	AccessoryID uint64
	Executor    hap.Executor
	Broadcast   *hap.BroadcastConfiguration
	Clock       capability.Clock
	Logger      *logrus.Logger

	timedWrites map[timedWriteKey]timedWriteEntry
}

// NewDispatcher constructs a Dispatcher bound to one accessory.
func NewDispatcher(server *hap.AccessoryServer, accessoryID uint64, broadcast *hap.BroadcastConfiguration, clock capability.Clock) *Dispatcher {
	return &Dispatcher{
		Server:      server,
		AccessoryID: accessoryID,
		Broadcast:   broadcast,
		Clock:       clock,
		Logger:      logrus.New(),
		timedWrites: make(map[timedWriteKey]timedWriteEntry),
	}
}

func (d *Dispatcher) log() *logrus.Entry {
	return d.Logger.WithField("transport", "ble")
}

// Dispatch runs one complete BLE PDU request against the accessory
// catalog and returns the response status and body, per spec.md §4.J.
func (d *Dispatcher) Dispatch(sess *hap.Session, hdr RequestHeader, body []byte) (hap.Status, []byte) {
	op := Opcode(hdr.Opcode)
	level := accessLevel(sess)

	if op.isServiceOperation() {
		svc := d.findService(uint64(hdr.IID))
		if svc == nil {
			return hap.StatusInvalidInstanceID, nil
		}
		switch op {
		case OpcodeServiceSignatureRead:
			return d.serviceSignatureRead(svc)
		case OpcodeProtocolConfiguration:
			return d.protocolConfiguration(body)
		}
	}

	switch op {
	case OpcodeInfo:
		return d.info()
	case OpcodeToken, OpcodeTokenUpdate:
		// Software Token authentication requires an out-of-band
		// provisioning flow this core does not model; no wire shape
		// for it appears anywhere in spec.md, so it is reported
		// unsupported rather than guessed at.
		return hap.StatusUnsupportedPDU, nil
	}

	c, svc, a := d.Server.FindCharacteristic(d.AccessoryID, uint64(hdr.IID))
	if c == nil || a == nil {
		return hap.StatusInvalidInstanceID, nil
	}
	req := hap.Request{Session: sess, Accessory: a, Service: svc, Characteristic: c}

	switch op {
	case OpcodeCharacteristicSignatureRead:
		return d.characteristicSignatureRead(c)
	case OpcodeCharacteristicRead:
		return d.characteristicRead(req, level)
	case OpcodeCharacteristicWrite:
		return d.characteristicWrite(req, level, body)
	case OpcodeCharacteristicTimedWrite:
		return d.characteristicTimedWrite(req, level, body)
	case OpcodeCharacteristicExecuteWrite:
		return d.characteristicExecuteWrite(req)
	case OpcodeCharacteristicConfiguration:
		return d.characteristicConfiguration(c, body)
	default:
		return hap.StatusUnsupportedPDU, nil
	}
}

// accessLevel derives the Executor's AccessLevel from session state.
// BLE characteristics are never served unencrypted once a link is up.
// An active session always gets AccessRegular: the dispatcher does not
// look up the session pairing's permissions, so admin-only
// characteristics are refused over BLE.
func accessLevel(sess *hap.Session) hap.AccessLevel {
	if sess == nil || !sess.Active {
		return hap.AccessUnencrypted
	}
	return hap.AccessRegular
}

func (d *Dispatcher) findService(iid uint64) *hap.Service {
	a := d.Server.AccessoryByAID(d.AccessoryID)
	if a == nil {
		return nil
	}
	return a.ServiceByIID(iid)
}

func (d *Dispatcher) characteristicRead(req hap.Request, level hap.AccessLevel) (hap.Status, []byte) {
	b, st := d.Executor.Read(req, level)
	if st != hap.StatusSuccess {
		return st, nil
	}
	w := tlv.NewWriter(0)
	if err := w.WriteBytes(tlvValue, b); err != nil {
		return hap.StatusInvalidRequest, nil
	}
	return hap.StatusSuccess, w.Bytes()
}

func (d *Dispatcher) characteristicWrite(req hap.Request, level hap.AccessLevel, body []byte) (hap.Status, []byte) {
	r, err := tlv.NewReader(body)
	if err != nil {
		return hap.StatusInvalidRequest, nil
	}
	value := r.GetBytes(tlvValue)
	req.AuthData = r.GetBytes(tlvAdditionalAuthData)
	if origin, ok := r.GetByte(tlvOrigin); ok {
		if origin > 1 {
			return hap.StatusInvalidRequest, nil
		}
		req.HasOrigin = true
		req.Remote = origin == 1
	}
	if st := d.Executor.CheckAuthorizationData(req.Characteristic, req); st != hap.StatusSuccess {
		return st, nil
	}
	// opcode 2 is always a direct write; the timed-write split commits
	// through characteristicExecuteWrite instead.
	if st := d.Executor.CheckDirectWriteAllowed(req.Characteristic); st != hap.StatusSuccess {
		return st, nil
	}
	st := d.Executor.Write(req, value, level)
	if st != hap.StatusSuccess {
		return st, nil
	}
	if b, ok := r.GetByte(tlvReturnResponse); ok && b != 0 {
		out, rst := d.Executor.Read(req, level)
		if rst != hap.StatusSuccess {
			return rst, nil
		}
		w := tlv.NewWriter(0)
		_ = w.WriteBytes(tlvValue, out)
		return hap.StatusSuccess, w.Bytes()
	}
	return hap.StatusSuccess, nil
}

// characteristicTimedWrite parses and stashes a write for later commit
// by Execute-Write, per spec.md §4.J "Timed Write is split": opcode 4
// stores the parsed value and a deadline now + ttl*100ms.
func (d *Dispatcher) characteristicTimedWrite(req hap.Request, level hap.AccessLevel, body []byte) (hap.Status, []byte) {
	if st := d.Executor.CheckWritable(req.Characteristic, level); st != hap.StatusSuccess {
		return st, nil
	}
	r, err := tlv.NewReader(body)
	if err != nil {
		return hap.StatusInvalidRequest, nil
	}
	value := r.GetBytes(tlvValue)
	ttl, ok := r.GetByte(tlvTTL)
	if !ok {
		ttl = 100 // implementation default: 100 ticks of 100 ms, i.e. 10 s
	}
	key := timedWriteKey{aid: req.Accessory.AID, iid: req.Characteristic.IID}
	d.timedWrites[key] = timedWriteEntry{
		value:    append([]byte(nil), value...),
		deadline: d.Clock.NowMillis() + uint64(ttl)*100,
	}
	return hap.StatusSuccess, nil
}

// characteristicExecuteWrite commits a pending Timed-Write if it has
// not expired, or silently drops it otherwise; a missing pending write
// is InvalidRequest, per spec.md §4.J.
func (d *Dispatcher) characteristicExecuteWrite(req hap.Request) (hap.Status, []byte) {
	key := timedWriteKey{aid: req.Accessory.AID, iid: req.Characteristic.IID}
	entry, ok := d.timedWrites[key]
	if !ok {
		return hap.StatusInvalidRequest, nil
	}
	delete(d.timedWrites, key)
	if d.Clock.NowMillis() > entry.deadline {
		d.log().WithField("iid", req.Characteristic.IID).Debug("timed write expired, dropping")
		return hap.StatusSuccess, nil
	}
	st := d.Executor.Write(req, entry.value, hap.AccessRegular)
	return st, nil
}

func (d *Dispatcher) characteristicConfiguration(c *hap.Characteristic, body []byte) (hap.Status, []byte) {
	if len(body) > 0 {
		r, err := tlv.NewReader(body)
		if err != nil {
			return hap.StatusInvalidRequest, nil
		}
		if iv, ok := r.GetByte(tlvBroadcastInterval); ok {
			if !c.Properties.SupportsBroadcastNotification {
				return hap.StatusInvalidRequest, nil
			}
			d.Broadcast.Set(c.IID, hap.BroadcastInterval(iv))
		}
	}
	w := tlv.NewWriter(0)
	_ = w.WriteByte(tlvCharacteristicType, boolByte(c.Properties.SupportsBroadcastNotification))
	if iv, ok := d.Broadcast.Enabled(c.IID); ok {
		_ = w.WriteByte(tlvBroadcastInterval, byte(iv))
	}
	return hap.StatusSuccess, w.Bytes()
}

func (d *Dispatcher) characteristicSignatureRead(c *hap.Characteristic) (hap.Status, []byte) {
	w := tlv.NewWriter(0)
	_ = w.WriteBytes(tlvCharacteristicType, c.Type.Bytes())
	_ = w.WriteUint16(tlvHAPCharacteristicPropertiesDescriptor, propertiesBitfield(c.Properties))
	_ = w.WriteBytes(tlvGATTUserDescription, []byte(c.Type.String()))
	_ = w.WriteBytes(tlvGATTPresentationFormat, gattPresentationFormat(c.Format, c.Unit))
	if c.Constraints.MinValue != nil || c.Constraints.MaxValue != nil {
		lo, hi := 0.0, 0.0
		if c.Constraints.MinValue != nil {
			lo = *c.Constraints.MinValue
		}
		if c.Constraints.MaxValue != nil {
			hi = *c.Constraints.MaxValue
		}
		_ = w.WriteBytes(tlvGATTValidRange, float32Pair(lo, hi))
	}
	if c.Constraints.StepValue != nil {
		_ = w.WriteUint32(tlvHAPStepValueDescriptor, floatBits(*c.Constraints.StepValue))
	}
	if len(c.Constraints.ValidValues) > 0 {
		_ = w.WriteBytes(tlvHAPValidValues, c.Constraints.ValidValues)
	}
	for _, r := range c.Constraints.ValidValuesRanges {
		_ = w.WriteBytes(tlvHAPValidValuesRange, r[:])
	}
	return hap.StatusSuccess, w.Bytes()
}

func (d *Dispatcher) serviceSignatureRead(svc *hap.Service) (hap.Status, []byte) {
	w := tlv.NewWriter(0)
	_ = w.WriteBytes(tlvServiceType, svc.Type.Bytes())
	_ = w.WriteByte(tlvServiceProperties, boolPairBits(svc.Primary, svc.Hidden))
	for _, l := range svc.LinkedServices {
		_ = w.WriteUint16(tlvLinkedServices, uint16(l))
	}
	return hap.StatusSuccess, w.Bytes()
}

// protocolConfiguration answers the "Get All Params" sub-operation with
// the current CN/GSN; spec.md does not define the other HAP protocol-
// configuration sub-ops (Generate-Broadcast-Key, Set-Accessory-
// Properties), so only the read path is implemented.
func (d *Dispatcher) protocolConfiguration(body []byte) (hap.Status, []byte) {
	w := tlv.NewWriter(0)
	_ = w.WriteUint32(tlvConfigurationNumber, d.Server.ConfigNumber())
	_ = w.WriteUint32(tlvGlobalStateNumber, d.Server.GlobalStateNumber())
	return hap.StatusSuccess, w.Bytes()
}

func (d *Dispatcher) info() (hap.Status, []byte) {
	w := tlv.NewWriter(0)
	_ = w.WriteUint32(tlvConfigurationNumber, d.Server.ConfigNumber())
	_ = w.WriteUint32(tlvGlobalStateNumber, d.Server.GlobalStateNumber())
	return hap.StatusSuccess, w.Bytes()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func boolPairBits(primary, hidden bool) byte {
	var b byte
	if primary {
		b |= 1 << 0
	}
	if hidden {
		b |= 1 << 1
	}
	return b
}

func propertiesBitfield(p hap.Properties) uint16 {
	var b uint16
	set := func(bit int, v bool) {
		if v {
			b |= 1 << uint(bit)
		}
	}
	set(0, p.Readable)
	set(1, p.Writable)
	set(2, p.SupportsEventNotification)
	set(3, p.RequiresTimedWrite)
	set(4, p.SupportsWriteResponse)
	set(5, p.SupportsBroadcastNotification)
	set(6, p.SupportsDisconnectedNotification)
	set(7, p.ReadableWithoutSecurity)
	set(8, p.WritableWithoutSecurity)
	set(9, p.Hidden)
	set(10, p.AdminOnlyRead)
	set(11, p.AdminOnlyWrite)
	set(12, p.SupportsAuthorizationData)
	return b
}

// gattFormatCode maps a characteristic's Format onto the BT SIG GATT
// Characteristic Presentation Format codes (Assigned Numbers §2.4.1)
// the descriptor's first byte carries.
func gattFormatCode(f hap.Format) byte {
	switch f {
	case hap.FormatBool:
		return 0x01 // boolean
	case hap.FormatUInt8:
		return 0x04 // unsigned 8-bit integer
	case hap.FormatUInt16:
		return 0x06 // unsigned 16-bit integer
	case hap.FormatUInt32:
		return 0x08 // unsigned 32-bit integer
	case hap.FormatUInt64:
		return 0x0A // unsigned 64-bit integer
	case hap.FormatInt32:
		return 0x10 // signed 32-bit integer
	case hap.FormatFloat32:
		return 0x14 // IEEE-754 32-bit float
	case hap.FormatString:
		return 0x19 // UTF-8 string
	default:
		return 0x1B // opaque struct (TLV8, Data)
	}
}

// gattUnitCode maps a characteristic's Unit onto its BT SIG Units
// Assigned Number, 0x2700 ("unitless") when none applies.
func gattUnitCode(u hap.Unit) uint16 {
	switch u {
	case hap.UnitCelsius:
		return 0x272F
	case hap.UnitPercentage:
		return 0x27AD
	case hap.UnitArcDegrees:
		return 0x2763
	case hap.UnitLux:
		return 0x2731
	case hap.UnitSeconds:
		return 0x2703
	default:
		return 0x2700
	}
}

// gattPresentationFormat builds the 7-byte GATT Characteristic
// Presentation Format descriptor (format, exponent, unit, namespace,
// description) spec.md §4.J notes as optional on a Characteristic
// Signature Read response.
func gattPresentationFormat(f hap.Format, u hap.Unit) []byte {
	unit := gattUnitCode(u)
	return []byte{
		gattFormatCode(f),
		0x00,             // exponent
		byte(unit),       // unit low byte
		byte(unit >> 8),  // unit high byte
		0x01,             // namespace: Bluetooth SIG Assigned Numbers
		0x00, 0x00,       // description: none
	}
}

func floatBits(f float64) uint32 {
	return uint32(int32(f * 1000))
}

func float32Pair(lo, hi float64) []byte {
	loB := floatBits(lo)
	hiB := floatBits(hi)
	return []byte{
		byte(loB), byte(loB >> 8), byte(loB >> 16), byte(loB >> 24),
		byte(hiB), byte(hiB >> 8), byte(hiB >> 16), byte(hiB >> 24),
	}
}
