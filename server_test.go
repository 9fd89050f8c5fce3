package hap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-hap/hapcore/capability"
)

type fakePairingAdmin struct {
	admin       bool
	removeAllN  int
	removeAllFn func() error
}

func (f *fakePairingAdmin) HasAdminPairing() bool { return f.admin }
func (f *fakePairingAdmin) RemoveAll() error {
	f.removeAllN++
	if f.removeAllFn != nil {
		return f.removeAllFn()
	}
	return nil
}

type fakeKV struct {
	purged []capability.Domain
}

func (f *fakeKV) Get(domain capability.Domain, key uint8) ([]byte, bool, error) { return nil, false, nil }
func (f *fakeKV) Set(domain capability.Domain, key uint8, value []byte) error   { return nil }
func (f *fakeKV) Remove(domain capability.Domain, key uint8) error             { return nil }
func (f *fakeKV) Enumerate(domain capability.Domain, fn func(key uint8, value []byte) bool) error {
	return nil
}
func (f *fakeKV) PurgeDomain(domain capability.Domain) error {
	f.purged = append(f.purged, domain)
	return nil
}

func testOrdinalOf(iid uint64) int { return int(iid) }

func TestAccessoryServerStartStopLifecycle(t *testing.T) {
	s := NewAccessoryServer(testOrdinalOf)
	var transitions []ServerState
	s.StateChange = func(old, new ServerState) { transitions = append(transitions, new) }

	require.Equal(t, StateIdle, s.state)
	s.Start()
	require.Equal(t, StateRunning, s.state)
	s.Start() // no-op when already running
	require.Equal(t, []ServerState{StateRunning}, transitions)

	s.Stop()
	require.Equal(t, StateIdle, s.state)
	require.Equal(t, []ServerState{StateRunning, StateStopping, StateIdle}, transitions)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() channel should be closed after Stop")
	}
}

func TestAccessoryServerStopInvalidatesActiveSessions(t *testing.T) {
	s := NewAccessoryServer(testOrdinalOf)
	s.Start()
	sess := s.NewSessionFor(TransportIP, testOrdinalOf)
	var rk, wk, sh [32]byte
	sess.OpenControlChannel(rk, wk, sh)
	require.True(t, sess.Active)

	s.Stop()
	require.False(t, sess.Active)
	_, ok := s.Session(sess.ID)
	require.False(t, ok)
}

func TestAccessoryServerConfigNumberWrapsAt65535(t *testing.T) {
	s := NewAccessoryServer(testOrdinalOf)
	require.Equal(t, uint32(0), s.ConfigNumber())
	require.Equal(t, uint32(1), s.BumpConfigNumber())

	for i := 0; i < 65534; i++ {
		s.BumpConfigNumber()
	}
	require.Equal(t, uint32(65535), s.ConfigNumber())
	require.Equal(t, uint32(1), s.BumpConfigNumber())
}

func TestAccessoryServerGlobalStateNumberWrapsAndSkipsZero(t *testing.T) {
	s := NewAccessoryServer(testOrdinalOf)
	require.Equal(t, uint32(0), s.GlobalStateNumber())
	require.Equal(t, uint32(1), s.BumpGlobalStateNumber())

	for i := 0; i < 65534; i++ {
		s.BumpGlobalStateNumber()
	}
	require.Equal(t, uint32(65535), s.GlobalStateNumber())
	next := s.BumpGlobalStateNumber()
	require.Equal(t, uint32(1), next) // wraps, never lands on 0

	s.ResetGlobalStateNumber()
	require.Equal(t, uint32(1), s.GlobalStateNumber())
}

func TestAccessoryServerFactoryResetPurgesAllDomainsAndPairings(t *testing.T) {
	s := NewAccessoryServer(testOrdinalOf)
	admin := &fakePairingAdmin{}
	kv := &fakeKV{}
	s.Pairings = admin
	s.KV = kv
	s.BumpConfigNumber()
	s.BumpGlobalStateNumber()

	require.NoError(t, s.FactoryReset())
	require.Equal(t, 1, admin.removeAllN)
	require.ElementsMatch(t, []capability.Domain{
		capability.DomainConfiguration,
		capability.DomainPairings,
		capability.DomainCharacteristicConfiguration,
	}, kv.purged)
	require.Equal(t, uint32(1), s.GlobalStateNumber())
	require.Equal(t, uint32(2), s.ConfigNumber())
}

func TestAccessoryServerOnFirmwareUpdated(t *testing.T) {
	s := NewAccessoryServer(testOrdinalOf)
	s.BumpGlobalStateNumber()
	s.BumpGlobalStateNumber()

	var expired bool
	s.OnFirmwareUpdated(func() { expired = true })

	require.Equal(t, uint32(1), s.GlobalStateNumber())
	require.Equal(t, uint32(1), s.ConfigNumber())
	require.True(t, expired)
}

func TestAccessoryServerInvalidateSessionsForSlot(t *testing.T) {
	s := NewAccessoryServer(testOrdinalOf)
	s.Start()
	defer s.Stop()

	slotA := uint8(1)
	slotB := uint8(2)
	sessA := s.NewSessionFor(TransportIP, testOrdinalOf)
	sessA.PairingSlot = &slotA
	var rk, wk, sh [32]byte
	sessA.OpenControlChannel(rk, wk, sh)

	sessB := s.NewSessionFor(TransportIP, testOrdinalOf)
	sessB.PairingSlot = &slotB
	sessB.OpenControlChannel(rk, wk, sh)

	s.InvalidateSessionsForSlot(slotA)
	require.False(t, sessA.Active)
	require.True(t, sessB.Active)
}

func TestAccessoryServerAccessoryAndCharacteristicLookup(t *testing.T) {
	s := NewAccessoryServer(testOrdinalOf)
	c := &Characteristic{IID: 10, Type: UUID16(0x25)}
	svc := &Service{IID: 9, Type: UUID16(0x43)}
	svc.AddCharacteristic(c)
	acc := &Accessory{AID: 1, Services: []*Service{svc}}
	s.Accessories = []*Accessory{acc}

	require.Equal(t, acc, s.AccessoryByAID(1))
	require.Nil(t, s.AccessoryByAID(99))

	gotC, gotSvc, gotAcc := s.FindCharacteristic(1, 10)
	require.Equal(t, c, gotC)
	require.Equal(t, svc, gotSvc)
	require.Equal(t, acc, gotAcc)

	gotC, _, _ = s.FindCharacteristic(1, 999)
	require.Nil(t, gotC)
}
