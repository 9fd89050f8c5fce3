package pairverify

import (
	"crypto/ed25519"
	"sync"

	"github.com/sirupsen/logrus"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/capability"
	"github.com/go-hap/hapcore/cryptoutil"
	"github.com/go-hap/hapcore/pairing"
	"github.com/go-hap/hapcore/tlv"
)

// PairingLookup is the subset of pairing.Store the engine needs to
// resolve a controller's long-term public key during M3.
type PairingLookup interface {
	FindByIdentifier(identifier string) (slot uint8, p pairing.Pairing, found bool)
}

// scratch is the in-flight M1..M4 state, stored in
// Session.PairSetupScratch (shared with Pair Setup) for the duration of
// one handshake.
type scratch struct {
	accessorySK  [32]byte
	accessoryPK  [32]byte
	controllerPK [32]byte
	sharedSecret [32]byte
	sessionKey   [32]byte
}

// resumeEntry is one cached session eligible for Pair Resume, per
// spec.md §3 "BLE session cache entry": `{session_id[8], shared_secret
// [32], pairing_slot, last_used}`.
type resumeEntry struct {
	sessionID    [8]byte
	pairingSlot  uint8
	sharedSecret [32]byte
	lastUsed     uint64
}

// resumeCache is spec.md §3's "bounded LRU": a small fixed-capacity set
// of resumable sessions, evicting the entry with the oldest last_used
// counter when full. It is a plain slice rather than a byte-oriented
// ring buffer because lookups are by 8-byte session id, not by byte
// offset — see DESIGN.md's note on why smallnest/ringbuffer does not
// fit this shape.
type resumeCache struct {
	mu      sync.Mutex
	entries []resumeEntry
	cap     int
	clock   capability.Clock
	counter uint64 // fallback monotonic source when clock is nil
}

func newResumeCache(capacity int, clock capability.Clock) *resumeCache {
	return &resumeCache{cap: capacity, clock: clock}
}

func (c *resumeCache) now() uint64 {
	if c.clock != nil {
		return c.clock.NowMillis()
	}
	c.counter++
	return c.counter
}

func (c *resumeCache) put(e resumeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.lastUsed = c.now()
	if len(c.entries) < c.cap {
		c.entries = append(c.entries, e)
		return
	}
	oldest := 0
	for i, existing := range c.entries {
		if existing.lastUsed < c.entries[oldest].lastUsed {
			oldest = i
		}
	}
	c.entries[oldest] = e
}

// find returns entry matching sessionID and bumps its last_used counter
// to the current value, preserving LRU ordering, per spec.md §3.
func (c *resumeCache) find(sessionID [8]byte) (resumeEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.sessionID == sessionID {
			c.entries[i].lastUsed = c.now()
			return c.entries[i], true
		}
	}
	return resumeEntry{}, false
}

func (c *resumeCache) remove(sessionID [8]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.sessionID == sessionID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Engine runs the Pair Verify/Resume state machine of spec.md §4.G. One
// Engine is shared by every session on an AccessoryServer.
type Engine struct {
	Pairings PairingLookup
	Identity *pairing.Identity
	Random   cryptoutil.Random
	Logger   *logrus.Logger

	resume *resumeCache
}

// NewEngine constructs an Engine. resumeCacheSize bounds how many
// completed Pair Verify sessions remain eligible for Pair Resume; pass 0
// to disable Pair Resume entirely (IP-only accessories never need it).
// clock may be nil, in which case the cache falls back to an internal
// monotonic counter for LRU ordering.
func NewEngine(pairings PairingLookup, identity *pairing.Identity, rnd cryptoutil.Random, resumeCacheSize int, clock capability.Clock) *Engine {
	var cache *resumeCache
	if resumeCacheSize > 0 {
		cache = newResumeCache(resumeCacheSize, clock)
	}
	return &Engine{Pairings: pairings, Identity: identity, Random: rnd, resume: cache}
}

func (e *Engine) log() *logrus.Entry {
	if e.Logger == nil {
		e.Logger = logrus.New()
	}
	return e.Logger.WithField("session", "pair-verify")
}

// HandleM1 processes M1 and produces M2, per spec.md §4.G.
func (e *Engine) HandleM1(sess *hap.Session, body []byte) ([]byte, error) {
	var in struct {
		State     uint8  `tlv:"6"`
		PublicKey []byte `tlv:"3"`
	}
	if err := tlv.Unmarshal(body, &in); err != nil {
		return nil, hap.Wrap(hap.KindInvalidData, err, "pair verify M1")
	}
	if in.State != 1 || len(in.PublicKey) != 32 {
		return nil, hap.NewError(hap.KindInvalidData, "pair verify M1: malformed")
	}

	accessorySK, accessoryPK, err := cryptoutil.X25519GenerateKeyPair(e.Random)
	if err != nil {
		return nil, hap.Wrap(hap.KindUnknown, err, "pair verify M1: generate keypair")
	}
	var controllerPK [32]byte
	copy(controllerPK[:], in.PublicKey)

	sharedSecret, err := cryptoutil.X25519ScalarMult(accessorySK, controllerPK)
	if err != nil {
		return nil, hap.Wrap(hap.KindUnknown, err, "pair verify M1: ecdh")
	}

	sessionKeyBytes, err := cryptoutil.HKDFSHA512(sharedSecret[:], []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"), 32)
	if err != nil {
		return nil, err
	}
	var sessionKey [32]byte
	copy(sessionKey[:], sessionKeyBytes)

	st := &scratch{
		accessorySK:  accessorySK,
		accessoryPK:  accessoryPK,
		controllerPK: controllerPK,
		sharedSecret: sharedSecret,
		sessionKey:   sessionKey,
	}
	sess.PairSetupScratch = st
	sess.PairVerifyState = hap.PairVerifyM2Sent

	signMsg := append(append([]byte{}, accessoryPK[:]...), e.Identity.DeviceID[:]...)
	signMsg = append(signMsg, controllerPK[:]...)
	sig := cryptoutil.Ed25519Sign(e.Identity.PrivateKey, signMsg)

	sub := accessorySignedMessage{Identifier: string(e.Identity.DeviceID[:]), Signature: sig}
	subBytes, err := tlv.Marshal(&sub)
	if err != nil {
		return nil, err
	}
	nonce, err := cryptoutil.NonceFromLabel("PV-Msg02")
	if err != nil {
		return nil, err
	}
	enc, err := cryptoutil.Seal(sessionKey, nonce, nil, subBytes)
	if err != nil {
		return nil, err
	}

	out := struct {
		State         uint8  `tlv:"6"`
		PublicKey     []byte `tlv:"3"`
		EncryptedData []byte `tlv:"5"`
	}{State: 2, PublicKey: accessoryPK[:], EncryptedData: enc}
	return tlv.Marshal(&out)
}

// HandleM3 processes M3, opens the session's control channel on success,
// and produces M4, per spec.md §4.G.
func (e *Engine) HandleM3(sess *hap.Session, body []byte) ([]byte, error) {
	st, ok := sess.PairSetupScratch.(*scratch)
	if !ok {
		return nil, hap.NewError(hap.KindInvalidState, "pair verify M3: no attempt in progress")
	}
	var in struct {
		State         uint8  `tlv:"6"`
		EncryptedData []byte `tlv:"5"`
	}
	if err := tlv.Unmarshal(body, &in); err != nil {
		return nil, hap.Wrap(hap.KindInvalidData, err, "pair verify M3")
	}

	nonce, err := cryptoutil.NonceFromLabel("PV-Msg03")
	if err != nil {
		return nil, err
	}
	plain, err := cryptoutil.Open(st.sessionKey, nonce, nil, in.EncryptedData)
	if err != nil {
		e.abort(sess)
		return e.errorResponse(4, ErrorAuthentication)
	}

	var sub controllerSignedMessage
	if err := tlv.Unmarshal(plain, &sub); err != nil {
		return nil, hap.Wrap(hap.KindInvalidData, err, "pair verify M3 sub-TLV")
	}

	slot, p, found := e.Pairings.FindByIdentifier(sub.Identifier)
	if !found {
		e.abort(sess)
		return e.errorResponse(4, ErrorAuthentication)
	}

	signMsg := append(append([]byte{}, st.controllerPK[:]...), []byte(sub.Identifier)...)
	signMsg = append(signMsg, st.accessoryPK[:]...)
	if !cryptoutil.Ed25519Verify(ed25519.PublicKey(p.PublicKey), signMsg, sub.Signature) {
		e.abort(sess)
		return e.errorResponse(4, ErrorAuthentication)
	}

	readKeyBytes, err := cryptoutil.HKDFSHA512(st.sharedSecret[:], []byte("Control-Salt"), []byte("Control-Read-Encryption-Key"), 32)
	if err != nil {
		return nil, err
	}
	writeKeyBytes, err := cryptoutil.HKDFSHA512(st.sharedSecret[:], []byte("Control-Salt"), []byte("Control-Write-Encryption-Key"), 32)
	if err != nil {
		return nil, err
	}
	var readKey, writeKey [32]byte
	copy(readKey[:], readKeyBytes)
	copy(writeKey[:], writeKeyBytes)

	sess.OpenControlChannel(readKey, writeKey, st.sharedSecret)
	slotCopy := slot
	sess.PairingSlot = &slotCopy
	sess.PairVerifyState = hap.PairVerifyM4Sent
	sess.PairSetupScratch = nil

	if e.resume != nil {
		var sessionID [8]byte
		if err := e.Random.Fill(sessionID[:]); err == nil {
			e.resume.put(resumeEntry{sessionID: sessionID, pairingSlot: slot, sharedSecret: st.sharedSecret})
		}
	}

	out := struct {
		State uint8 `tlv:"6"`
	}{State: 4}
	return tlv.Marshal(&out)
}

// HandlePairResume processes a BLE Pair Resume request (method 6 on the
// Pair Verify characteristic): a single request/response pair derived
// from a cached shared secret instead of a fresh X25519 exchange, per
// spec.md §4.G "Pair Resume".
func (e *Engine) HandlePairResume(sess *hap.Session, body []byte) ([]byte, error) {
	if e.resume == nil {
		return e.errorResponse(2, ErrorUnknown)
	}
	var in struct {
		State     uint8  `tlv:"6"`
		PublicKey []byte `tlv:"3"`
		SessionID []byte `tlv:"14"`
		RequestID []byte `tlv:"13"`
	}
	if err := tlv.Unmarshal(body, &in); err != nil {
		return nil, hap.Wrap(hap.KindInvalidData, err, "pair resume M1")
	}
	if len(in.SessionID) != 8 || len(in.PublicKey) != 32 {
		return e.errorResponse(2, ErrorAuthentication)
	}
	var sid [8]byte
	copy(sid[:], in.SessionID)
	var controllerPK [32]byte
	copy(controllerPK[:], in.PublicKey)

	entry, found := e.resume.find(sid)
	if !found {
		return e.errorResponse(2, ErrorAuthentication)
	}

	// salt = controller's Curve25519 public key ∥ session id, per
	// spec.md §4.G Pair Resume.
	salt := append(append([]byte(nil), controllerPK[:]...), sid[:]...)

	requestKey, err := cryptoutil.HKDFSHA512(entry.sharedSecret[:], salt, []byte("Pair-Resume-Request-Info"), 32)
	if err != nil {
		return nil, err
	}
	responseKey, err := cryptoutil.HKDFSHA512(entry.sharedSecret[:], salt, []byte("Pair-Resume-Response-Info"), 32)
	if err != nil {
		return nil, err
	}
	newShared, err := cryptoutil.HKDFSHA512(entry.sharedSecret[:], salt, []byte("Pair-Resume-Shared-Secret-Info"), 32)
	if err != nil {
		return nil, err
	}

	var requestKeyArr [32]byte
	copy(requestKeyArr[:], requestKey)
	nonceReq, err := cryptoutil.NonceFromLabel("PR-Msg01")
	if err != nil {
		return nil, err
	}
	if _, err := cryptoutil.Open(requestKeyArr, nonceReq, nil, in.RequestID); err != nil {
		return e.errorResponse(2, ErrorAuthentication)
	}

	var sharedArr [32]byte
	copy(sharedArr[:], newShared)
	readKeyBytes, err := cryptoutil.HKDFSHA512(sharedArr[:], []byte("Control-Salt"), []byte("Control-Read-Encryption-Key"), 32)
	if err != nil {
		return nil, err
	}
	writeKeyBytes, err := cryptoutil.HKDFSHA512(sharedArr[:], []byte("Control-Salt"), []byte("Control-Write-Encryption-Key"), 32)
	if err != nil {
		return nil, err
	}
	var readKey, writeKey [32]byte
	copy(readKey[:], readKeyBytes)
	copy(writeKey[:], writeKeyBytes)
	sess.OpenControlChannel(readKey, writeKey, sharedArr)
	slotCopy := entry.pairingSlot
	sess.PairingSlot = &slotCopy

	var responseKeyArr [32]byte
	copy(responseKeyArr[:], responseKey)
	nonceResp, err := cryptoutil.NonceFromLabel("PR-Msg02")
	if err != nil {
		return nil, err
	}
	ack, err := cryptoutil.Seal(responseKeyArr, nonceResp, nil, []byte("resume-ack"))
	if err != nil {
		return nil, err
	}

	out := struct {
		State         uint8  `tlv:"6"`
		EncryptedData []byte `tlv:"5"`
	}{State: 2, EncryptedData: ack}
	return tlv.Marshal(&out)
}

// ForgetPairing drops every cached resume entry bound to slot, called
// when that pairing is removed, per spec.md §9 "pairing removal
// cascade".
func (e *Engine) ForgetPairing(slot uint8) {
	if e.resume == nil {
		return
	}
	e.resume.mu.Lock()
	defer e.resume.mu.Unlock()
	kept := e.resume.entries[:0]
	for _, entry := range e.resume.entries {
		if entry.pairingSlot != slot {
			kept = append(kept, entry)
		}
	}
	e.resume.entries = kept
}

func (e *Engine) abort(sess *hap.Session) {
	sess.PairVerifyState = hap.PairVerifyIdle
	sess.PairSetupScratch = nil
}

func (e *Engine) errorResponse(state uint8, code ErrorCode) ([]byte, error) {
	out := struct {
		State uint8 `tlv:"6"`
		Error uint8 `tlv:"7"`
	}{State: state, Error: uint8(code)}
	return tlv.Marshal(&out)
}
