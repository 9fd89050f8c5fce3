package hap

import (
	"sync/atomic"

	"github.com/go-hap/hapcore/cryptoutil"
)

// Transport identifies which wire transport a Session was accepted on.
type Transport int

const (
	TransportIP Transport = iota
	TransportBLE
)

// PairSetupState is the M-number cursor for the Pair Setup state
// machine (spec.md §4.F): Idle -> M1_recv -> M2_sent -> ... -> M6_sent
// -> Idle.
type PairSetupState int

const (
	PairSetupIdle PairSetupState = iota
	PairSetupM1Received
	PairSetupM2Sent
	PairSetupM3Received
	PairSetupM4Sent
	PairSetupM5Received
	PairSetupM6Sent
)

// PairVerifyState is the M-number cursor for the Pair Verify state
// machine (spec.md §4.G).
type PairVerifyState int

const (
	PairVerifyIdle PairVerifyState = iota
	PairVerifyM1Received
	PairVerifyM2Sent
	PairVerifyM3Received
	PairVerifyM4Sent
)

// directionalKeys holds one direction's ChaCha20-Poly1305 state: a
// fixed key and a strictly-increasing 64-bit nonce counter, per
// spec.md §3/§4.H. Nonces reset to 0 on every Pair Verify.
type directionalKeys struct {
	key     [32]byte
	counter uint64
}

func (d *directionalKeys) nextNonce() [12]byte {
	n := cryptoutil.NonceFromCounter(d.counter)
	atomic.AddUint64(&d.counter, 1)
	return n
}

// Session is the per-controller-connection state of spec.md §3: crypto
// material, pairing linkage, and subscriptions. It is generalized from
// paypal-gatt's single package-level `*conn` (one active BLE central at
// a time) to a per-connection object so the IP transport can hold many
// concurrently, while the BLE transport still only ever instantiates
// one at a time per spec.md's single-peripheral-link model.
type Session struct {
	ID        uint64
	Transport Transport

	Active    bool // true once Pair Verify/Resume completes
	Transient bool // established via transient Pair Setup

	PairingSlot *uint8 // nil until Pair Verify M4 resolves a pairing

	readKeys  directionalKeys // accessory -> controller
	writeKeys directionalKeys // controller -> accessory

	SharedSecret [32]byte // retained for BLE broadcast key derivation

	subscriptions Bitset
	ordinalOf     func(iid uint64) int

	PairSetupState  PairSetupState
	PairVerifyState PairVerifyState

	// PairSetupScratch carries the in-flight state of Pair Setup
	// (M1..M6) or Pair Verify (M1..M4); opaque to Session, owned by
	// package pairsetup or pairverify.
	PairSetupScratch interface{}
}

// NewSession constructs a Session bound to ordinalOf for subscription
// bookkeeping (see Bitset's doc comment for why iids are not used
// directly as bit indices).
func NewSession(id uint64, transport Transport, ordinalOf func(iid uint64) int) *Session {
	return &Session{ID: id, Transport: transport, ordinalOf: ordinalOf}
}

// OpenControlChannel installs directional keys derived from a Pair
// Verify/Resume shared secret, resets nonce counters to 0, and marks
// the session active, per spec.md §4.G "Opening the HAP session".
func (s *Session) OpenControlChannel(readKey, writeKey [32]byte, sharedSecret [32]byte) {
	s.readKeys = directionalKeys{key: readKey}
	s.writeKeys = directionalKeys{key: writeKey}
	s.SharedSecret = sharedSecret
	s.Active = true
}

// EncryptOutbound seals plaintext under the accessory->controller key,
// consuming the next nonce, per spec.md §4.H.
func (s *Session) EncryptOutbound(aad, plaintext []byte) ([]byte, error) {
	nonce := s.readKeys.nextNonce()
	return cryptoutil.Seal(s.readKeys.key, nonce, aad, plaintext)
}

// DecryptInbound opens ciphertext under the controller->accessory key,
// consuming the next nonce. On authentication failure the caller must
// invalidate the session, per spec.md §4.H/§7.
func (s *Session) DecryptInbound(aad, ciphertext []byte) ([]byte, error) {
	nonce := s.writeKeys.nextNonce()
	return cryptoutil.Open(s.writeKeys.key, nonce, aad, ciphertext)
}

// Subscribe enables event delivery for iid on this session. Subscribe
// is idempotent, per spec.md §4.K.
func (s *Session) Subscribe(iid uint64) {
	s.subscriptions.Set(s.ordinalOf(iid))
}

// Unsubscribe disables event delivery for iid on this session.
func (s *Session) Unsubscribe(iid uint64) {
	s.subscriptions.Clear(s.ordinalOf(iid))
}

// IsSubscribed reports whether this session currently receives events
// for iid.
func (s *Session) IsSubscribed(iid uint64) bool {
	return s.subscriptions.Get(s.ordinalOf(iid))
}

// Invalidate synchronously tears the session down: it stops being
// active, drops its pairing linkage, and clears in-flight crypto state,
// per spec.md §5 "session invalidation is synchronous". The caller
// (AccessoryServer) is still responsible for closing the transport and
// removing any BLE resume-cache entry.
func (s *Session) Invalidate() {
	s.Active = false
	s.PairingSlot = nil
	s.readKeys = directionalKeys{}
	s.writeKeys = directionalKeys{}
	s.PairSetupState = PairSetupIdle
	s.PairVerifyState = PairVerifyIdle
	s.PairSetupScratch = nil
}
