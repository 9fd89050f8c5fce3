package hap

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/go-hap/hapcore/capability"
)

// ServerState is the AccessoryServer lifecycle, mirroring paypal-gatt's
// server.go Serving/idle split but named for the three states
// spec.md §5 describes.
type ServerState int

const (
	StateIdle ServerState = iota
	StateRunning
	StateStopping
)

// PairingAdmin is the subset of the pairing store AccessoryServer needs
// without importing package pairing directly, avoiding an import cycle
// since pairing will itself depend on capability and (for cascade
// removal) on hap's Notifier/Session types. Concrete wiring happens in
// cmd/hapd, which imports both hap and pairing.
type PairingAdmin interface {
	HasAdminPairing() bool
	RemoveAll() error
}

// AccessoryServer is the top-level coordinator of spec.md §4.M: it
// owns the accessory catalog, the active sessions, the event
// Notifier, and the config-number/global-state-number bookkeeping that
// must survive factory resets and firmware updates. Grounded on
// paypal-gatt's Server (start/close/quitonce sync.Once pattern),
// generalized from one BLE central to many sessions across two
// transports.
type AccessoryServer struct {
	mu    sync.Mutex
	state ServerState

	Accessories []*Accessory
	Notifier    *Notifier
	Pairings    PairingAdmin
	KV          capability.KVStore
	Clock       capability.Clock

	sessions map[uint64]*Session
	nextID   uint64

	// configNumber increments on each BumpConfigNumber call and wraps
	// per HAP's 1..65535 range (spec.md §9 SUPPLEMENTED). gsn
	// increments on each BumpGlobalStateNumber call and likewise wraps,
	// skipping 0.
	configNumber uint32
	gsn          uint32

	quitOnce sync.Once
	quit     chan struct{}

	// StateChange is invoked (if non-nil) on every lifecycle
	// transition, mirroring paypal-gatt's Server.StateChange hook.
	StateChange func(old, new ServerState)
	// OnFatal is invoked for errors the server cannot recover from
	// (corrupt persisted state, KV store failure on a required write).
	// The default implementation logs and leaves the process running;
	// callers that want a hard crash can substitute os.Exit.
	OnFatal func(err error)

	Logger *logrus.Logger
}

// NewAccessoryServer constructs a server bound to ordinalOf for
// subscription bookkeeping (see Bitset), sharing it with the Notifier
// it creates.
func NewAccessoryServer(ordinalOf func(iid uint64) int) *AccessoryServer {
	s := &AccessoryServer{
		sessions: make(map[uint64]*Session),
		Notifier: NewNotifier(ordinalOf),
		quit:     make(chan struct{}),
		Logger:   logrus.New(),
	}
	s.OnFatal = func(err error) {
		s.Logger.WithField("transport", "server").Errorf("fatal: %v", err)
	}
	return s
}

func (s *AccessoryServer) setState(new ServerState) {
	s.mu.Lock()
	old := s.state
	s.state = new
	s.mu.Unlock()
	if old != new && s.StateChange != nil {
		s.StateChange(old, new)
	}
}

// Start transitions Idle -> Running. Calling Start twice is a no-op.
func (s *AccessoryServer) Start() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setState(StateRunning)
	s.Logger.WithField("transport", "server").Info("accessory server started")
}

// Stop transitions Running -> Stopping -> Idle, closing quit exactly
// once and invalidating every active session, mirroring paypal-gatt's
// quitonce sync.Once guard against double-close panics.
func (s *AccessoryServer) Stop() {
	s.setState(StateStopping)
	s.quitOnce.Do(func() { close(s.quit) })

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		s.CloseSession(sess.ID)
	}
	s.setState(StateIdle)
	s.Logger.WithField("transport", "server").Info("accessory server stopped")
}

// Done returns a channel closed when Stop is called, for callers
// selecting alongside it.
func (s *AccessoryServer) Done() <-chan struct{} { return s.quit }

// NewSessionFor registers a new session for the given transport and
// returns it, ready for Pair Verify/Resume.
func (s *AccessoryServer) NewSessionFor(transport Transport, ordinalOf func(iid uint64) int) *Session {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	sess := NewSession(id, transport, ordinalOf)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess
}

// CloseSession invalidates and forgets a session, detaching it from
// the Notifier.
func (s *AccessoryServer) CloseSession(id uint64) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.Invalidate()
	s.Notifier.Detach(id)
}

// Session looks up an active session by ID.
func (s *AccessoryServer) Session(id uint64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// ConfigNumber returns the current accessory-database config number.
func (s *AccessoryServer) ConfigNumber() uint32 {
	return atomic.LoadUint32(&s.configNumber)
}

// BumpConfigNumber increments the config number, wrapping 65535 -> 1,
// per spec.md §9 SUPPLEMENTED "config-number bookkeeping". Within the
// module only FactoryReset and OnFirmwareUpdated call it; adding or
// removing a service or characteristic does not.
func (s *AccessoryServer) BumpConfigNumber() uint32 {
	for {
		old := atomic.LoadUint32(&s.configNumber)
		next := old + 1
		if next > 65535 || next == 0 {
			next = 1
		}
		if atomic.CompareAndSwapUint32(&s.configNumber, old, next) {
			return next
		}
	}
}

// GlobalStateNumber returns the current GSN.
func (s *AccessoryServer) GlobalStateNumber() uint32 {
	return atomic.LoadUint32(&s.gsn)
}

// BumpGlobalStateNumber increments the GSN, wrapping 65535 -> 1 and
// skipping 0, per spec.md §4.I. Nothing in the module calls it on a
// characteristic value change; the GSN changes only when a caller
// bumps or resets it.
func (s *AccessoryServer) BumpGlobalStateNumber() uint32 {
	for {
		old := atomic.LoadUint32(&s.gsn)
		next := old + 1
		if next > 65535 || next == 0 {
			next = 1
		}
		if atomic.CompareAndSwapUint32(&s.gsn, old, next) {
			return next
		}
	}
}

// ResetGlobalStateNumber forces the GSN back to 1, per spec.md §9
// SUPPLEMENTED "firmware-update hook ... resetting GSN".
func (s *AccessoryServer) ResetGlobalStateNumber() {
	atomic.StoreUint32(&s.gsn, 1)
}

// FactoryReset purges every KVStore domain and removes all pairings,
// per spec.md §7 "factory reset". It does not by itself restart
// advertising; the caller (cmd/hapd) is expected to do that once the
// purge completes.
func (s *AccessoryServer) FactoryReset() error {
	if err := s.Pairings.RemoveAll(); err != nil {
		return Wrap(KindUnavailable, err, "factory reset: remove pairings")
	}
	for _, d := range []capability.Domain{
		capability.DomainConfiguration,
		capability.DomainPairings,
		capability.DomainCharacteristicConfiguration,
	} {
		if err := s.KV.PurgeDomain(d); err != nil {
			return Wrap(KindUnavailable, err, "factory reset: purge domain %d", d)
		}
	}
	s.ResetGlobalStateNumber()
	s.BumpConfigNumber()
	return nil
}

// OnFirmwareUpdated bumps the config number and resets the GSN and any
// broadcast encryption key, per spec.md §9 SUPPLEMENTED
// "firmware-update hook incrementing CN/resetting GSN/expiring
// broadcast key". It does not touch pairings.
func (s *AccessoryServer) OnFirmwareUpdated(expireBroadcastKey func()) {
	s.BumpConfigNumber()
	s.ResetGlobalStateNumber()
	if expireBroadcastKey != nil {
		expireBroadcastKey()
	}
}

// InvalidateSessionsForSlot invalidates and detaches every active
// session bound to a removed pairing slot, per spec.md §9 SUPPLEMENTED
// "pairing removal cascade" and invariant 7: removing pairing slot k
// implies every session with pairing_slot==k transitions to
// active=false before the removal completes.
func (s *AccessoryServer) InvalidateSessionsForSlot(slot uint8) {
	s.mu.Lock()
	var affected []*Session
	for _, sess := range s.sessions {
		if sess.PairingSlot != nil && *sess.PairingSlot == slot {
			affected = append(affected, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range affected {
		sess.Invalidate()
		s.Notifier.Detach(sess.ID)
	}
}

// AccessoryByAID looks up a top-level accessory.
func (s *AccessoryServer) AccessoryByAID(aid uint64) *Accessory {
	for _, a := range s.Accessories {
		if a.AID == aid {
			return a
		}
	}
	return nil
}

// FindCharacteristic resolves an (aid, iid) pair across the whole
// catalog.
func (s *AccessoryServer) FindCharacteristic(aid, iid uint64) (*Characteristic, *Service, *Accessory) {
	a := s.AccessoryByAID(aid)
	if a == nil {
		return nil, nil, nil
	}
	c, svc := a.CharacteristicByIID(iid)
	return c, svc, a
}
