package pairverify

import (
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/capability"
	"github.com/go-hap/hapcore/cryptoutil"
	"github.com/go-hap/hapcore/pairing"
	"github.com/go-hap/hapcore/tlv"
)

type memKV struct {
	mu   sync.Mutex
	data map[capability.Domain]map[uint8][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[capability.Domain]map[uint8][]byte)} }

func (m *memKV) Get(domain capability.Domain, key uint8) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[domain][key]
	return v, ok, nil
}
func (m *memKV) Set(domain capability.Domain, key uint8, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[domain] == nil {
		m.data[domain] = make(map[uint8][]byte)
	}
	m.data[domain][key] = append([]byte(nil), value...)
	return nil
}
func (m *memKV) Remove(domain capability.Domain, key uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[domain], key)
	return nil
}
func (m *memKV) Enumerate(domain capability.Domain, fn func(key uint8, value []byte) bool) error {
	m.mu.Lock()
	rows := make(map[uint8][]byte, len(m.data[domain]))
	for k, v := range m.data[domain] {
		rows[k] = v
	}
	m.mu.Unlock()
	for k, v := range rows {
		if !fn(k, v) {
			break
		}
	}
	return nil
}
func (m *memKV) PurgeDomain(domain capability.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, domain)
	return nil
}

func newTestIdentity(t *testing.T) *pairing.Identity {
	t.Helper()
	id, err := pairing.LoadOrCreateIdentity(newMemKV(), cryptoutil.SystemRandom{})
	require.NoError(t, err)
	return id
}

func TestPairVerifyFullHandshakeOpensControlChannel(t *testing.T) {
	identity := newTestIdentity(t)
	store, err := pairing.NewStore(newMemKV())
	require.NoError(t, err)

	controllerPub, controllerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = store.Add(pairing.Pairing{Identifier: "controller-1", PublicKey: controllerPub, Permissions: pairing.AdminPermission})
	require.NoError(t, err)

	engine := NewEngine(store, identity, cryptoutil.SystemRandom{}, 4, nil)
	sess := hap.NewSession(1, hap.TransportIP, func(iid uint64) int { return int(iid) })

	controllerSK, controllerPK, err := cryptoutil.X25519GenerateKeyPair(cryptoutil.SystemRandom{})
	require.NoError(t, err)

	m1 := struct {
		State     uint8  `tlv:"6"`
		PublicKey []byte `tlv:"3"`
	}{State: 1, PublicKey: controllerPK[:]}
	m1Body, err := tlv.Marshal(&m1)
	require.NoError(t, err)

	m2Body, err := engine.HandleM1(sess, m1Body)
	require.NoError(t, err)
	require.False(t, sess.Active)

	var m2 struct {
		State         uint8  `tlv:"6"`
		PublicKey     []byte `tlv:"3"`
		EncryptedData []byte `tlv:"5"`
	}
	require.NoError(t, tlv.Unmarshal(m2Body, &m2))
	require.EqualValues(t, 2, m2.State)

	var accessoryPK [32]byte
	copy(accessoryPK[:], m2.PublicKey)
	sharedSecret, err := cryptoutil.X25519ScalarMult(controllerSK, accessoryPK)
	require.NoError(t, err)
	sessionKeyBytes, err := cryptoutil.HKDFSHA512(sharedSecret[:], []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"), 32)
	require.NoError(t, err)
	var sessionKey [32]byte
	copy(sessionKey[:], sessionKeyBytes)

	nonce2, err := cryptoutil.NonceFromLabel("PV-Msg02")
	require.NoError(t, err)
	plain2, err := cryptoutil.Open(sessionKey, nonce2, nil, m2.EncryptedData)
	require.NoError(t, err)
	var sub2 accessorySignedMessage
	require.NoError(t, tlv.Unmarshal(plain2, &sub2))
	signMsg2 := append(append([]byte{}, accessoryPK[:]...), []byte(sub2.Identifier)...)
	signMsg2 = append(signMsg2, controllerPK[:]...)
	require.True(t, ed25519.Verify(identity.PublicKey, signMsg2, sub2.Signature))

	controllerSignMsg := append(append([]byte{}, controllerPK[:]...), []byte("controller-1")...)
	controllerSignMsg = append(controllerSignMsg, accessoryPK[:]...)
	controllerSig := ed25519.Sign(controllerPriv, controllerSignMsg)
	sub3 := controllerSignedMessage{Identifier: "controller-1", Signature: controllerSig}
	sub3Bytes, err := tlv.Marshal(&sub3)
	require.NoError(t, err)
	nonce3, err := cryptoutil.NonceFromLabel("PV-Msg03")
	require.NoError(t, err)
	enc3, err := cryptoutil.Seal(sessionKey, nonce3, nil, sub3Bytes)
	require.NoError(t, err)

	m3 := struct {
		State         uint8  `tlv:"6"`
		EncryptedData []byte `tlv:"5"`
	}{State: 3, EncryptedData: enc3}
	m3Body, err := tlv.Marshal(&m3)
	require.NoError(t, err)

	m4Body, err := engine.HandleM3(sess, m3Body)
	require.NoError(t, err)

	var m4 struct {
		State uint8 `tlv:"6"`
	}
	require.NoError(t, tlv.Unmarshal(m4Body, &m4))
	require.EqualValues(t, 4, m4.State)
	require.True(t, sess.Active)
	require.NotNil(t, sess.PairingSlot)
}

func TestPairVerifyRejectsUnknownController(t *testing.T) {
	identity := newTestIdentity(t)
	store, err := pairing.NewStore(newMemKV())
	require.NoError(t, err)
	engine := NewEngine(store, identity, cryptoutil.SystemRandom{}, 0, nil)
	sess := hap.NewSession(1, hap.TransportIP, func(iid uint64) int { return int(iid) })

	controllerSK, controllerPK, err := cryptoutil.X25519GenerateKeyPair(cryptoutil.SystemRandom{})
	require.NoError(t, err)
	_ = controllerSK

	m1 := struct {
		State     uint8  `tlv:"6"`
		PublicKey []byte `tlv:"3"`
	}{State: 1, PublicKey: controllerPK[:]}
	m1Body, err := tlv.Marshal(&m1)
	require.NoError(t, err)
	m2Body, err := engine.HandleM1(sess, m1Body)
	require.NoError(t, err)

	var m2 struct {
		State         uint8  `tlv:"6"`
		PublicKey     []byte `tlv:"3"`
		EncryptedData []byte `tlv:"5"`
	}
	require.NoError(t, tlv.Unmarshal(m2Body, &m2))

	var accessoryPK [32]byte
	copy(accessoryPK[:], m2.PublicKey)
	sharedSecret, err := cryptoutil.X25519ScalarMult(controllerSK, accessoryPK)
	require.NoError(t, err)
	sessionKeyBytes, err := cryptoutil.HKDFSHA512(sharedSecret[:], []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"), 32)
	require.NoError(t, err)
	var sessionKey [32]byte
	copy(sessionKey[:], sessionKeyBytes)

	_, unknownPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	controllerSignMsg := append(append([]byte{}, controllerPK[:]...), []byte("ghost")...)
	controllerSignMsg = append(controllerSignMsg, accessoryPK[:]...)
	sig := ed25519.Sign(unknownPriv, controllerSignMsg)
	sub3 := controllerSignedMessage{Identifier: "ghost", Signature: sig}
	sub3Bytes, err := tlv.Marshal(&sub3)
	require.NoError(t, err)
	nonce3, err := cryptoutil.NonceFromLabel("PV-Msg03")
	require.NoError(t, err)
	enc3, err := cryptoutil.Seal(sessionKey, nonce3, nil, sub3Bytes)
	require.NoError(t, err)

	m3 := struct {
		State         uint8  `tlv:"6"`
		EncryptedData []byte `tlv:"5"`
	}{State: 3, EncryptedData: enc3}
	m3Body, err := tlv.Marshal(&m3)
	require.NoError(t, err)

	resp, err := engine.HandleM3(sess, m3Body)
	require.NoError(t, err)
	var out struct {
		State uint8 `tlv:"6"`
		Error uint8 `tlv:"7"`
	}
	require.NoError(t, tlv.Unmarshal(resp, &out))
	require.Equal(t, uint8(ErrorAuthentication), out.Error)
	require.False(t, sess.Active)
}

func TestPairResumeRoundTrip(t *testing.T) {
	identity := newTestIdentity(t)
	store, err := pairing.NewStore(newMemKV())
	require.NoError(t, err)
	controllerPub, controllerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = store.Add(pairing.Pairing{Identifier: "controller-1", PublicKey: controllerPub, Permissions: pairing.AdminPermission})
	require.NoError(t, err)
	_ = controllerPriv

	engine := NewEngine(store, identity, cryptoutil.SystemRandom{}, 4, nil)
	sess := hap.NewSession(1, hap.TransportBLE, func(iid uint64) int { return int(iid) })

	// Seed a resume entry directly, as a completed Pair Verify would.
	var sid [8]byte
	require.NoError(t, cryptoutil.SystemRandom{}.Fill(sid[:]))
	var shared [32]byte
	require.NoError(t, cryptoutil.SystemRandom{}.Fill(shared[:]))
	engine.resume.put(resumeEntry{sessionID: sid, pairingSlot: 0, sharedSecret: shared})

	var controllerCvPK [32]byte
	require.NoError(t, cryptoutil.SystemRandom{}.Fill(controllerCvPK[:]))
	salt := append(append([]byte(nil), controllerCvPK[:]...), sid[:]...)

	requestKey, err := cryptoutil.HKDFSHA512(shared[:], salt, []byte("Pair-Resume-Request-Info"), 32)
	require.NoError(t, err)
	var requestKeyArr [32]byte
	copy(requestKeyArr[:], requestKey)
	nonceReq, err := cryptoutil.NonceFromLabel("PR-Msg01")
	require.NoError(t, err)
	requestID, err := cryptoutil.Seal(requestKeyArr, nonceReq, nil, []byte("resume"))
	require.NoError(t, err)

	body, err := tlv.Marshal(&struct {
		State     uint8  `tlv:"6"`
		PublicKey []byte `tlv:"3"`
		SessionID []byte `tlv:"14"`
		RequestID []byte `tlv:"13"`
	}{State: 1, PublicKey: controllerCvPK[:], SessionID: sid[:], RequestID: requestID})
	require.NoError(t, err)

	resp, err := engine.HandlePairResume(sess, body)
	require.NoError(t, err)

	var out struct {
		State         uint8  `tlv:"6"`
		EncryptedData []byte `tlv:"5"`
	}
	require.NoError(t, tlv.Unmarshal(resp, &out))
	require.EqualValues(t, 2, out.State)
	require.True(t, sess.Active)
}

func TestForgetPairingClearsResumeEntries(t *testing.T) {
	identity := newTestIdentity(t)
	store, err := pairing.NewStore(newMemKV())
	require.NoError(t, err)
	engine := NewEngine(store, identity, cryptoutil.SystemRandom{}, 4, nil)

	var sid [8]byte
	engine.resume.put(resumeEntry{sessionID: sid, pairingSlot: 3})
	require.Len(t, engine.resume.entries, 1)

	engine.ForgetPairing(3)
	require.Len(t, engine.resume.entries, 0)
}
