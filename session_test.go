package hap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionOpenControlChannelEncryptDecryptRoundTrip(t *testing.T) {
	sess := NewSession(1, TransportIP, func(iid uint64) int { return int(iid) })

	var readKey, writeKey, shared [32]byte
	readKey[0] = 1
	writeKey[0] = 2
	sess.OpenControlChannel(readKey, writeKey, shared)
	require.True(t, sess.Active)

	aad := []byte("aad")
	sealed, err := sess.EncryptOutbound(aad, []byte("hello"))
	require.NoError(t, err)

	// A peer session holding the reciprocal keys (read<->write swapped)
	// decrypts what this one sealed.
	peer := NewSession(2, TransportIP, func(iid uint64) int { return int(iid) })
	peer.OpenControlChannel(writeKey, readKey, shared)
	plain, err := peer.DecryptInbound(aad, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plain)
}

func TestSessionDecryptInboundFailsOnTamperedCiphertext(t *testing.T) {
	sess := NewSession(1, TransportIP, func(iid uint64) int { return int(iid) })
	var readKey, writeKey, shared [32]byte
	sess.OpenControlChannel(readKey, writeKey, shared)

	sealed, err := sess.EncryptOutbound(nil, []byte("hello"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	peer := NewSession(2, TransportIP, func(iid uint64) int { return int(iid) })
	peer.OpenControlChannel(writeKey, readKey, shared)
	_, err = peer.DecryptInbound(nil, sealed)
	require.Error(t, err)
}

func TestSessionNoncesAdvanceAndDoNotRepeat(t *testing.T) {
	sess := NewSession(1, TransportIP, func(iid uint64) int { return int(iid) })
	var readKey, writeKey, shared [32]byte
	sess.OpenControlChannel(readKey, writeKey, shared)

	first, err := sess.EncryptOutbound(nil, []byte("a"))
	require.NoError(t, err)
	second, err := sess.EncryptOutbound(nil, []byte("a"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestSessionSubscriptions(t *testing.T) {
	sess := NewSession(1, TransportIP, func(iid uint64) int { return int(iid) })
	require.False(t, sess.IsSubscribed(5))
	sess.Subscribe(5)
	require.True(t, sess.IsSubscribed(5))
	sess.Subscribe(5) // idempotent
	require.True(t, sess.IsSubscribed(5))
	sess.Unsubscribe(5)
	require.False(t, sess.IsSubscribed(5))
}

func TestSessionInvalidateClearsState(t *testing.T) {
	sess := NewSession(1, TransportIP, func(iid uint64) int { return int(iid) })
	var readKey, writeKey, shared [32]byte
	sess.OpenControlChannel(readKey, writeKey, shared)
	slot := uint8(3)
	sess.PairingSlot = &slot
	sess.PairSetupState = PairSetupM3Received
	sess.PairVerifyState = PairVerifyM3Received

	sess.Invalidate()

	require.False(t, sess.Active)
	require.Nil(t, sess.PairingSlot)
	require.Equal(t, PairSetupIdle, sess.PairSetupState)
	require.Equal(t, PairVerifyIdle, sess.PairVerifyState)
	require.Nil(t, sess.PairSetupScratch)
}
