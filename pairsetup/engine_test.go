package pairsetup

import (
	"crypto/ed25519"
	"crypto/sha512"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/capability"
	"github.com/go-hap/hapcore/cryptoutil"
	"github.com/go-hap/hapcore/pairing"
	"github.com/go-hap/hapcore/setupcode"
	"github.com/go-hap/hapcore/tlv"
)

// RFC 5054 3072-bit group, the same constant cryptoutil.group3072 uses
// internally; reproduced here only so the test can play the
// controller's half of the SRP exchange without a real client library.
var (
	testN, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF", 16)
	testG    = big.NewInt(5)
)

func padN(x *big.Int) []byte {
	b := x.Bytes()
	n := (testN.BitLen() + 7) / 8
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func sha512sum(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func hashInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(sha512sum(parts...))
}

// controllerComputeA derives the controller's SRP public key A = g^a
// mod N for a random private exponent a.
func controllerComputeA(a *big.Int) []byte {
	A := new(big.Int).Exp(testG, a, testN)
	return padN(A)
}

// controllerPremaster derives the controller-side premaster secret and
// proof M1, mirroring the accessory's derivation so the test can drive
// a real handshake against the Engine.
func controllerPremaster(a *big.Int, salt, password, bBytes []byte) (K, M1 []byte) {
	A := controllerComputeA(a)
	B := new(big.Int).SetBytes(bBytes)

	k := hashInt(padN(testN), padN(testG))
	u := hashInt(A, padN(B))

	x := hashInt(salt, password)

	// S = (B - k*g^x)^(a + u*x) mod N
	gx := new(big.Int).Exp(testG, x, testN)
	kgx := new(big.Int).Mul(k, gx)
	kgx.Mod(kgx, testN)
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, testN)
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, a)
	S := new(big.Int).Exp(base, exp, testN)

	Sb := padN(S)
	K = sha512sum(Sb)
	M1 = sha512sum(A, padN(B), K)
	return K, M1
}

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

func newTestEngine(t *testing.T) (*Engine, *pairing.Store) {
	t.Helper()
	kv := newMemKV()
	store, err := pairing.NewStore(kv)
	require.NoError(t, err)
	rnd := cryptoutil.SystemRandom{}
	identity, err := pairing.LoadOrCreateIdentity(kv, rnd)
	require.NoError(t, err)
	provider := setupcode.NewProvider("518-08-582", rnd)
	return NewEngine(provider, store, kv, rnd, identity, nil), store
}

func TestPairSetupFullHandshakePersistsAdminPairing(t *testing.T) {
	engine, store := newTestEngine(t)
	sess := hap.NewSession(1, hap.TransportIP, func(iid uint64) int { return int(iid) })

	m1 := struct {
		State  uint8 `tlv:"6"`
		Method uint8 `tlv:"0"`
	}{State: 1, Method: uint8(MethodPairSetup)}
	m1Body, err := tlv.Marshal(&m1)
	require.NoError(t, err)

	m2Body, err := engine.HandleM1(sess, m1Body)
	require.NoError(t, err)

	var m2 struct {
		State uint8  `tlv:"6"`
		Salt  []byte `tlv:"2"`
		B     []byte `tlv:"3"`
	}
	require.NoError(t, tlv.Unmarshal(m2Body, &m2))
	require.EqualValues(t, 2, m2.State)

	a, ok := new(big.Int).SetString("987654321", 10)
	require.True(t, ok)
	K, M1proof := controllerPremaster(a, m2.Salt, []byte("518-08-582"), m2.B)

	m3 := struct {
		State uint8  `tlv:"6"`
		A     []byte `tlv:"3"`
		Proof []byte `tlv:"4"`
	}{State: 3, A: controllerComputeA(a), Proof: M1proof}
	m3Body, err := tlv.Marshal(&m3)
	require.NoError(t, err)

	m4Body, err := engine.HandleM3(sess, m3Body)
	require.NoError(t, err)

	var m4 struct {
		State uint8  `tlv:"6"`
		Proof []byte `tlv:"4"`
	}
	require.NoError(t, tlv.Unmarshal(m4Body, &m4))
	require.EqualValues(t, 4, m4.State)

	// Controller-side check that the accessory's M2 proof matches what
	// it would independently compute, exercising the same formula
	// SRPProofM2 uses.
	expectedM2 := sha512sum(controllerComputeA(a), M1proof, K)
	require.Equal(t, expectedM2, m4.Proof)

	controllerPub, controllerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	controllerSign, err := cryptoutil.HKDFSHA512(K, []byte("Pair-Setup-Controller-Sign-Salt"), []byte("Pair-Setup-Controller-Sign-Info"), 32)
	require.NoError(t, err)
	identifier := "test-controller"
	signMsg := append(append([]byte{}, controllerSign...), []byte(identifier)...)
	signMsg = append(signMsg, controllerPub...)
	sig := ed25519.Sign(controllerPriv, signMsg)

	sub := struct {
		Identifier string `tlv:"1"`
		PublicKey  []byte `tlv:"3"`
		Signature  []byte `tlv:"10"`
	}{Identifier: identifier, PublicKey: controllerPub, Signature: sig}
	subBytes, err := tlv.Marshal(&sub)
	require.NoError(t, err)

	sessionKey, err := cryptoutil.HKDFSHA512(K, []byte("Pair-Setup-Encrypt-Salt"), []byte("Pair-Setup-Encrypt-Info"), 32)
	require.NoError(t, err)
	var sessionKeyArr [32]byte
	copy(sessionKeyArr[:], sessionKey)
	nonce5, err := cryptoutil.NonceFromLabel("PS-Msg05")
	require.NoError(t, err)
	enc5, err := cryptoutil.Seal(sessionKeyArr, nonce5, nil, subBytes)
	require.NoError(t, err)

	m5 := struct {
		State         uint8  `tlv:"6"`
		EncryptedData []byte `tlv:"5"`
	}{State: 5, EncryptedData: enc5}
	m5Body, err := tlv.Marshal(&m5)
	require.NoError(t, err)

	m6Body, err := engine.HandleM5(sess, m5Body)
	require.NoError(t, err)

	var m6 struct {
		State         uint8  `tlv:"6"`
		EncryptedData []byte `tlv:"5"`
	}
	require.NoError(t, tlv.Unmarshal(m6Body, &m6))
	require.EqualValues(t, 6, m6.State)

	require.Equal(t, 1, store.Len())
	_, found, ok := store.FindByIdentifier(identifier)
	require.True(t, ok)
	require.True(t, found.IsAdmin())
}

func TestPairSetupRejectsWhenAlreadyPaired(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.AlreadyPaired = func() bool { return true }
	sess := hap.NewSession(1, hap.TransportIP, func(iid uint64) int { return int(iid) })

	m1 := struct {
		State  uint8 `tlv:"6"`
		Method uint8 `tlv:"0"`
	}{State: 1, Method: uint8(MethodPairSetup)}
	body, err := tlv.Marshal(&m1)
	require.NoError(t, err)

	resp, err := engine.HandleM1(sess, body)
	require.NoError(t, err)

	var out struct {
		State uint8 `tlv:"6"`
		Error uint8 `tlv:"7"`
	}
	require.NoError(t, tlv.Unmarshal(resp, &out))
	require.Equal(t, uint8(ErrorUnavailable), out.Error)
}

func TestPairSetupSlotIsExclusive(t *testing.T) {
	engine, _ := newTestEngine(t)
	sess1 := hap.NewSession(1, hap.TransportIP, func(iid uint64) int { return int(iid) })
	sess2 := hap.NewSession(2, hap.TransportIP, func(iid uint64) int { return int(iid) })

	m1 := struct {
		State  uint8 `tlv:"6"`
		Method uint8 `tlv:"0"`
	}{State: 1, Method: uint8(MethodPairSetup)}
	body, err := tlv.Marshal(&m1)
	require.NoError(t, err)

	_, err = engine.HandleM1(sess1, body)
	require.NoError(t, err)

	resp, err := engine.HandleM1(sess2, body)
	require.NoError(t, err)
	var out struct {
		State uint8 `tlv:"6"`
		Error uint8 `tlv:"7"`
	}
	require.NoError(t, tlv.Unmarshal(resp, &out))
	require.Equal(t, uint8(ErrorBusy), out.Error)
}
