package hap

// Format enumerates the characteristic value encodings spec.md §3
// defines.
type Format int

const (
	FormatBool Format = iota
	FormatUInt8
	FormatUInt16
	FormatUInt32
	FormatUInt64
	FormatInt32
	FormatFloat32
	FormatString
	FormatTLV8
	FormatData
)

// Unit is the optional physical unit tag carried alongside a numeric
// characteristic's value, per spec.md §3 "units".
type Unit string

const (
	UnitNone       Unit = ""
	UnitCelsius    Unit = "celsius"
	UnitPercentage Unit = "percentage"
	UnitArcDegrees Unit = "arcdegrees"
	UnitLux        Unit = "lux"
	UnitSeconds    Unit = "seconds"
)

// Constraints bounds a characteristic's legal values, per spec.md §3
// "constraints" and §4.K.
type Constraints struct {
	MinValue          *float64
	MaxValue          *float64
	StepValue         *float64 // not enforced at the protocol layer, per spec.md §4.K
	MaxLength         *int     // default 2097152 for `data` if unset; unset for `string` falls back to MaxWriteSize
	ValidValues       []uint8  // uint8 only; must be sorted strictly ascending
	ValidValuesRanges [][2]uint8
}

// defaultDataMaxLength is the implementation default for the `data`
// format's maxLength when the catalog does not override it, per
// spec.md §4.K.
const defaultDataMaxLength = 2097152

// MaxWriteSize bounds any single characteristic write, per spec.md
// §4.K.
const MaxWriteSize = 64000

// Properties are the per-characteristic capability bits spec.md §3
// defines.
type Properties struct {
	Readable                          bool
	Writable                          bool
	SupportsEventNotification         bool
	RequiresTimedWrite                bool
	SupportsWriteResponse             bool
	SupportsBroadcastNotification     bool
	SupportsDisconnectedNotification  bool
	ReadableWithoutSecurity           bool
	WritableWithoutSecurity           bool
	Hidden                            bool
	AdminOnlyRead                     bool
	AdminOnlyWrite                    bool
	SupportsAuthorizationData         bool
}

// Request is the shared context of a characteristic access, mirroring
// paypal-gatt's Request{Conn,Service,Characteristic} generalized to
// HAP's Session/Accessory/Service/Characteristic hierarchy.
type Request struct {
	Session        *Session
	Accessory      *Accessory
	Service        *Service
	Characteristic *Characteristic
	Remote         bool // set for BLE "remote" writes relayed by a bridge
	HasOrigin      bool // an explicit local/remote origin indicator accompanied this request
	AuthData       []byte
}

// ReadHandler serves a characteristic read. Implementations return the
// value (in the Go type matching Format, see codec.go) and a status; on
// any status other than StatusSuccess the value is ignored.
type ReadHandler interface {
	ServeRead(req Request) (value interface{}, status Status)
}

// ReadHandlerFunc adapts a function to a ReadHandler.
type ReadHandlerFunc func(req Request) (interface{}, Status)

// ServeRead calls f.
func (f ReadHandlerFunc) ServeRead(req Request) (interface{}, Status) { return f(req) }

// WriteHandler serves a characteristic write. value has already passed
// format/constraint validation (component K); the handler only applies
// application semantics.
type WriteHandler interface {
	ServeWrite(req Request, value interface{}) Status
}

// WriteHandlerFunc adapts a function to a WriteHandler.
type WriteHandlerFunc func(req Request, value interface{}) Status

// ServeWrite calls f.
func (f WriteHandlerFunc) ServeWrite(req Request, value interface{}) Status { return f(req, value) }

// SubscribeHandler is invoked when a session newly subscribes or
// unsubscribes a characteristic's events, per spec.md §4.K.
type SubscribeHandler func(req Request)

// Characteristic is one leaf of the accessory catalog: an immutable
// description (spec.md §3) plus the optional application handlers that
// back it. Handlers must be attached before the server starts, mirroring
// paypal-gatt's characteristic.go "HandleRead must be called before any
// server using c has been started" contract.
type Characteristic struct {
	IID         uint64 // 1..UINT16_MAX on BLE, <=UINT64_MAX on IP
	Type        UUID
	Format      Format
	Unit        Unit
	Constraints Constraints
	Properties  Properties

	rhandler ReadHandler
	whandler WriteHandler
	onSub    SubscribeHandler
	onUnsub  SubscribeHandler

	// staticValue is served verbatim when no ReadHandler is attached,
	// matching paypal-gatt's static Characteristic.value field.
	staticValue interface{}
}

// HandleRead attaches h and marks the characteristic readable.
func (c *Characteristic) HandleRead(h ReadHandler) {
	c.Properties.Readable = true
	c.rhandler = h
}

// HandleReadFunc calls HandleRead(ReadHandlerFunc(f)).
func (c *Characteristic) HandleReadFunc(f func(req Request) (interface{}, Status)) {
	c.HandleRead(ReadHandlerFunc(f))
}

// HandleWrite attaches h and marks the characteristic writable.
func (c *Characteristic) HandleWrite(h WriteHandler) {
	c.Properties.Writable = true
	c.whandler = h
}

// HandleWriteFunc calls HandleWrite(WriteHandlerFunc(f)).
func (c *Characteristic) HandleWriteFunc(f func(req Request, value interface{}) Status) {
	c.HandleWrite(WriteHandlerFunc(f))
}

// HandleSubscribe registers the callback invoked when a session enables
// event notification on this characteristic.
func (c *Characteristic) HandleSubscribe(f SubscribeHandler) { c.onSub = f }

// HandleUnsubscribe registers the callback invoked when a session
// disables event notification on this characteristic.
func (c *Characteristic) HandleUnsubscribe(f SubscribeHandler) { c.onUnsub = f }

// NotifySubscribe invokes the subscribe callback, if any, for a
// session that just enabled event notification.
func (c *Characteristic) NotifySubscribe(req Request) {
	if c.onSub != nil {
		c.onSub(req)
	}
}

// NotifyUnsubscribe invokes the unsubscribe callback, if any, for a
// session that just disabled event notification.
func (c *Characteristic) NotifyUnsubscribe(req Request) {
	if c.onUnsub != nil {
		c.onUnsub(req)
	}
}

// SetValue installs a constant value served to any read when no
// ReadHandler is attached.
func (c *Characteristic) SetValue(v interface{}) { c.staticValue = v }

// maxLength resolves the effective maxLength for this characteristic's
// format, applying the `data` format's implementation default per
// spec.md §4.K.
func (c *Characteristic) maxLength() int {
	if c.Constraints.MaxLength != nil {
		return *c.Constraints.MaxLength
	}
	if c.Format == FormatData {
		return defaultDataMaxLength
	}
	return MaxWriteSize
}
