package pairsetup

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/capability"
	"github.com/go-hap/hapcore/cryptoutil"
	"github.com/go-hap/hapcore/pairing"
	"github.com/go-hap/hapcore/setupcode"
	"github.com/go-hap/hapcore/tlv"
)

const (
	authAttemptsKey    uint8 = 0
	maxAuthAttempts          = 100
	serverSlotTimeout        = 20 * time.Second
)

// PairingStore is the subset of pairing.Store the engine needs.
type PairingStore interface {
	Add(p pairing.Pairing) (uint8, error)
}

// claim tracks the server-wide "sessionThatIsCurrentlyPairing" slot
// spec.md §4.F requires, so at most one Pair Setup attempt proceeds at
// a time across every transport.
type claim struct {
	sessionID uint64
	at        time.Time
}

// scratch is the in-flight state threaded across M1..M6, stored in
// Session.PairSetupScratch between messages.
type scratch struct {
	method    Method
	transient bool
	split     bool
	flags     uint32

	setupInfo *setupcode.SetupInfo
	bBytes    []byte
	verifier  []byte
	aBytes    []byte
	sharedK   []byte
}

// Engine runs the Pair Setup state machine of spec.md §4.F. One Engine
// is shared by every session on an AccessoryServer; per-attempt state
// lives on the Session.
type Engine struct {
	mu sync.Mutex

	Setup    *setupcode.Provider
	Pairings PairingStore
	KV       capability.KVStore
	Random   cryptoutil.Random
	Identity *pairing.Identity
	MFi      capability.MFiAuthCoprocessor // optional, nil if unsupported

	AlreadyPaired func() bool

	Logger *logrus.Logger

	current *claim
}

// NewEngine constructs an Engine. MFi may be left nil when the
// accessory does not support PairSetupWithAuth.
func NewEngine(setup *setupcode.Provider, pairings PairingStore, kv capability.KVStore, rnd cryptoutil.Random, identity *pairing.Identity, mfi capability.MFiAuthCoprocessor) *Engine {
	return &Engine{Setup: setup, Pairings: pairings, KV: kv, Random: rnd, Identity: identity, MFi: mfi}
}

// claimSlot enforces the at-most-one-attempt invariant, preempting a
// stale claim older than serverSlotTimeout, per spec.md §4.F M1.
func (e *Engine) claimSlot(sessionID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.sessionID != sessionID {
		if time.Since(e.current.at) <= serverSlotTimeout {
			return false
		}
		// preempt: keepSetupInfo=true means we simply drop the old
		// claim without touching the setupcode.Provider's cache.
	}
	e.current = &claim{sessionID: sessionID, at: time.Now()}
	return true
}

func (e *Engine) releaseSlot(sessionID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.sessionID == sessionID {
		e.current = nil
	}
}

func (e *Engine) log() *logrus.Entry {
	if e.Logger == nil {
		e.Logger = logrus.New()
	}
	return e.Logger.WithField("session", "pair-setup")
}

// HandleM1 processes M1 and produces M2, per spec.md §4.F.
func (e *Engine) HandleM1(sess *hap.Session, body []byte) ([]byte, error) {
	var in struct {
		State  uint8  `tlv:"6"`
		Method uint8  `tlv:"0"`
		Flags  []byte `tlv:"19,optional"`
	}
	if err := tlv.Unmarshal(body, &in); err != nil {
		return nil, hap.Wrap(hap.KindInvalidData, err, "pair setup M1")
	}
	if in.State != 1 {
		return nil, hap.NewError(hap.KindInvalidData, "pair setup M1: bad state")
	}

	method := Method(in.Method)
	if method != MethodPairSetupWithAuth && method != MethodPairSetup {
		return nil, hap.NewError(hap.KindInvalidData, "pair setup M1: bad method")
	}

	var flags uint32
	for i, b := range in.Flags {
		if i >= 4 {
			break
		}
		flags |= uint32(b) << (8 * uint(i))
	}
	transient := flags&FlagTransient != 0
	split := flags&FlagSplit != 0
	if transient && method != MethodPairSetup {
		return nil, hap.NewError(hap.KindInvalidData, "pair setup M1: Transient requires method PairSetup")
	}
	// Unknown bits beyond Transient/Split are logged and ignored, per
	// spec.md §4.F.
	known := FlagTransient | FlagSplit
	if flags&^known != 0 {
		e.log().WithField("flags", flags).Warn("pair setup M1: ignoring unknown flag bits")
	}

	if e.AlreadyPaired != nil && e.AlreadyPaired() {
		return e.errorResponse(2, ErrorUnavailable)
	}
	attempts, err := e.authAttempts()
	if err != nil {
		return nil, err
	}
	if attempts >= maxAuthAttempts {
		return e.errorResponse(2, ErrorMaxTries)
	}
	if !e.claimSlot(sess.ID) {
		return e.errorResponse(2, ErrorBusy)
	}

	info, err := e.Setup.Derive(false)
	if err != nil {
		e.releaseSlot(sess.ID)
		return nil, hap.Wrap(hap.KindUnknown, err, "pair setup M1: derive setup info")
	}

	bBytes, err := cryptoutil.SRPServerEphemeral(e.Random)
	if err != nil {
		e.releaseSlot(sess.ID)
		return nil, hap.Wrap(hap.KindUnknown, err, "pair setup M1: generate b")
	}
	B := cryptoutil.SRPPublicKey(bBytes, info.Verifier)

	sess.PairSetupScratch = &scratch{
		method: method, transient: transient, split: split, flags: flags,
		setupInfo: info, bBytes: bBytes, verifier: info.Verifier,
	}
	sess.PairSetupState = hap.PairSetupM2Sent

	out := struct {
		State uint8  `tlv:"6"`
		Salt  []byte `tlv:"2"`
		B     []byte `tlv:"3"`
		Flags []byte `tlv:"19,optional"`
	}{State: 2, Salt: info.Salt[:], B: B}
	return tlv.Marshal(&out)
}

// HandleM3 processes M3 and produces M4.
func (e *Engine) HandleM3(sess *hap.Session, body []byte) ([]byte, error) {
	st, ok := sess.PairSetupScratch.(*scratch)
	if !ok {
		return nil, hap.NewError(hap.KindInvalidState, "pair setup M3: no attempt in progress")
	}
	var in struct {
		State uint8  `tlv:"6"`
		A     []byte `tlv:"3"`
		Proof []byte `tlv:"4"`
	}
	if err := tlv.Unmarshal(body, &in); err != nil {
		return nil, hap.Wrap(hap.KindInvalidData, err, "pair setup M3")
	}
	if in.State != 3 {
		return nil, hap.NewError(hap.KindInvalidData, "pair setup M3: bad state")
	}

	if cryptoutil.SRPIsIllegalA(in.A) {
		e.abort(sess)
		return e.errorResponse(4, ErrorAuthentication)
	}
	u := cryptoutil.SRPScramblingParameter(in.A, cryptoutil.SRPPublicKey(st.bBytes, st.verifier))
	S, err := cryptoutil.SRPPremasterSecret(in.A, st.bBytes, u, st.verifier)
	if err != nil {
		e.abort(sess)
		return e.errorResponse(4, ErrorAuthentication)
	}
	K := cryptoutil.SRPSessionKey(S)
	B := cryptoutil.SRPPublicKey(st.bBytes, st.verifier)
	expected := cryptoutil.SRPProofM1(in.A, B, K)
	if !constantTimeEqual(expected, in.Proof) {
		if err := e.bumpAuthAttempts(); err != nil {
			return nil, err
		}
		e.abort(sess)
		return e.errorResponse(4, ErrorAuthentication)
	}
	if err := e.resetAuthAttempts(); err != nil {
		return nil, err
	}

	st.aBytes = in.A
	st.sharedK = K
	sess.PairSetupState = hap.PairSetupM4Sent

	sessionKey, err := cryptoutil.HKDFSHA512(K, []byte("Pair-Setup-Encrypt-Salt"), []byte("Pair-Setup-Encrypt-Info"), 32)
	if err != nil {
		return nil, hap.Wrap(hap.KindUnknown, err, "pair setup M4: derive session key")
	}
	var sessionKeyArr [32]byte
	copy(sessionKeyArr[:], sessionKey)

	M2 := cryptoutil.SRPProofM2(in.A, expected, K)

	if st.transient && st.split {
		readKey, writeKey, err := splitSessionKeys(K)
		if err != nil {
			return nil, err
		}
		sess.OpenControlChannel(readKey, writeKey, [32]byte{})
		sess.Transient = true
		sess.PairSetupState = hap.PairSetupIdle
		e.releaseSlot(sess.ID)

		out := struct {
			State uint8  `tlv:"6"`
			Proof []byte `tlv:"4"`
		}{State: 4, Proof: M2}
		return tlv.Marshal(&out)
	}

	out := struct {
		State         uint8  `tlv:"6"`
		Proof         []byte `tlv:"4"`
		EncryptedData []byte `tlv:"5,optional"`
	}{State: 4, Proof: M2}

	if st.method == MethodPairSetupWithAuth && e.MFi != nil {
		nonce, err := cryptoutil.NonceFromLabel("PS-Msg04")
		if err != nil {
			return nil, err
		}
		cert, err := e.MFi.CopyCertificate()
		if err != nil {
			return nil, hap.Wrap(hap.KindUnknown, err, "pair setup M4: MFi certificate")
		}
		challenge, err := cryptoutil.HKDFSHA512(K, []byte("MFi-Pair-Setup-Salt"), []byte("MFi-Pair-Setup-Info"), 32)
		if err != nil {
			return nil, err
		}
		sig, err := e.MFi.CreateSignature(challenge)
		if err != nil {
			return nil, hap.Wrap(hap.KindUnknown, err, "pair setup M4: MFi signature")
		}
		authData := struct {
			Certificate []byte `tlv:"9"`
			Signature   []byte `tlv:"10"`
		}{Certificate: cert, Signature: sig}
		authBytes, err := tlv.Marshal(&authData)
		if err != nil {
			return nil, err
		}
		enc, err := cryptoutil.Seal(sessionKeyArr, nonce, nil, authBytes)
		if err != nil {
			return nil, err
		}
		out.EncryptedData = enc
	}

	return tlv.Marshal(&out)
}

// HandleM5 processes M5 and produces M6.
func (e *Engine) HandleM5(sess *hap.Session, body []byte) ([]byte, error) {
	st, ok := sess.PairSetupScratch.(*scratch)
	if !ok {
		return nil, hap.NewError(hap.KindInvalidState, "pair setup M5: no attempt in progress")
	}
	var in struct {
		State         uint8  `tlv:"6"`
		EncryptedData []byte `tlv:"5"`
	}
	if err := tlv.Unmarshal(body, &in); err != nil {
		return nil, hap.Wrap(hap.KindInvalidData, err, "pair setup M5")
	}

	sessionKey, err := cryptoutil.HKDFSHA512(st.sharedK, []byte("Pair-Setup-Encrypt-Salt"), []byte("Pair-Setup-Encrypt-Info"), 32)
	if err != nil {
		return nil, err
	}
	var sessionKeyArr [32]byte
	copy(sessionKeyArr[:], sessionKey)

	nonce, err := cryptoutil.NonceFromLabel("PS-Msg05")
	if err != nil {
		return nil, err
	}
	plain, err := cryptoutil.Open(sessionKeyArr, nonce, nil, in.EncryptedData)
	if err != nil {
		e.abort(sess)
		return e.errorResponse(6, ErrorAuthentication)
	}

	var sub identifierSignature
	if err := tlv.Unmarshal(plain, &sub); err != nil {
		return nil, hap.Wrap(hap.KindInvalidData, err, "pair setup M5 sub-TLV")
	}

	controllerSign, err := cryptoutil.HKDFSHA512(st.sharedK, []byte("Pair-Setup-Controller-Sign-Salt"), []byte("Pair-Setup-Controller-Sign-Info"), 32)
	if err != nil {
		return nil, err
	}
	msg := append(append([]byte{}, controllerSign...), []byte(sub.Identifier)...)
	msg = append(msg, sub.PublicKey...)
	if !cryptoutil.Ed25519Verify(ed25519.PublicKey(sub.PublicKey), msg, sub.Signature) {
		e.abort(sess)
		return e.errorResponse(6, ErrorAuthentication)
	}

	if _, err := e.Pairings.Add(pairing.Pairing{
		Identifier:  sub.Identifier,
		PublicKey:   append(ed25519.PublicKey(nil), sub.PublicKey...),
		Permissions: pairing.AdminPermission,
	}); err != nil {
		e.abort(sess)
		return nil, err
	}

	sess.PairSetupState = hap.PairSetupM6Sent

	accessorySign, err := cryptoutil.HKDFSHA512(st.sharedK, []byte("Pair-Setup-Accessory-Sign-Salt"), []byte("Pair-Setup-Accessory-Sign-Info"), 32)
	if err != nil {
		return nil, err
	}
	accMsg := append(append([]byte{}, accessorySign...), e.Identity.DeviceID[:]...)
	accMsg = append(accMsg, e.Identity.PublicKey...)
	accSig := cryptoutil.Ed25519Sign(e.Identity.PrivateKey, accMsg)

	m6sub := identifierSignature{
		Identifier: string(e.Identity.DeviceID[:]),
		PublicKey:  e.Identity.PublicKey,
		Signature:  accSig,
	}
	m6Bytes, err := tlv.Marshal(&m6sub)
	if err != nil {
		return nil, err
	}
	nonce6, err := cryptoutil.NonceFromLabel("PS-Msg06")
	if err != nil {
		return nil, err
	}
	enc, err := cryptoutil.Seal(sessionKeyArr, nonce6, nil, m6Bytes)
	if err != nil {
		return nil, err
	}

	sess.Invalidate() // reset pair-setup state; control channel opens via Pair Verify next
	e.releaseSlot(sess.ID)
	e.Setup.Forget()

	out := struct {
		State         uint8  `tlv:"6"`
		EncryptedData []byte `tlv:"5"`
	}{State: 6, EncryptedData: enc}
	return tlv.Marshal(&out)
}

func (e *Engine) abort(sess *hap.Session) {
	sess.PairSetupState = hap.PairSetupIdle
	sess.PairSetupScratch = nil
	e.releaseSlot(sess.ID)
}

func (e *Engine) errorResponse(state uint8, code ErrorCode) ([]byte, error) {
	out := struct {
		State uint8 `tlv:"6"`
		Error uint8 `tlv:"7"`
	}{State: state, Error: uint8(code)}
	return tlv.Marshal(&out)
}

func (e *Engine) authAttempts() (int, error) {
	b, found, err := e.KV.Get(capability.DomainConfiguration, authAttemptsKey)
	if err != nil {
		return 0, hap.Wrap(hap.KindUnknown, err, "read auth attempts")
	}
	if !found || len(b) != 1 {
		return 0, nil
	}
	return int(b[0]), nil
}

func (e *Engine) bumpAuthAttempts() error {
	n, err := e.authAttempts()
	if err != nil {
		return err
	}
	if n < 255 {
		n++
	}
	return e.KV.Set(capability.DomainConfiguration, authAttemptsKey, []byte{byte(n)})
}

func (e *Engine) resetAuthAttempts() error {
	return e.KV.Set(capability.DomainConfiguration, authAttemptsKey, []byte{0})
}

func splitSessionKeys(K []byte) (read, write [32]byte, err error) {
	k, err := cryptoutil.HKDFSHA512(K, []byte("SplitSetupSalt"), []byte("SplitSetupReadEncryptKey"), 32)
	if err != nil {
		return read, write, err
	}
	copy(read[:], k)
	k, err = cryptoutil.HKDFSHA512(K, []byte("SplitSetupSalt"), []byte("SplitSetupWriteEncryptKey"), 32)
	if err != nil {
		return read, write, err
	}
	copy(write[:], k)
	return read, write, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
