package main

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-hap/hapcore/capability"
	"github.com/go-hap/hapcore/pairing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadFillsDefaultsAndExpandsTilde(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accessory:
  name: "Kitchen Light"
  setup_id: "ABCD"
  setup_code: "111-22-333"
network:
  port: 5100
log_level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Kitchen Light", cfg.Accessory.Name)
	require.Equal(t, uint16(5100), cfg.Network.Port)
	require.Equal(t, "debug", cfg.LogLevel)
	require.NotEmpty(t, cfg.DataDir)
}

func TestLoadRejectsBadSetupID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accessory:
  name: "x"
  setup_id: "toolong"
`), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, "debug", ParseLogLevel("debug").String())
	require.Equal(t, "info", ParseLogLevel("bogus").String())
}

func TestFileKVStoreRoundTrip(t *testing.T) {
	kv, err := NewFileKVStore(t.TempDir())
	require.NoError(t, err)

	_, found, err := kv.Get(capability.DomainConfiguration, 5)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, kv.Set(capability.DomainConfiguration, 5, []byte("hello")))
	v, found, err := kv.Get(capability.DomainConfiguration, 5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hello"), v)

	require.NoError(t, kv.Set(capability.DomainPairings, 1, []byte("a")))
	require.NoError(t, kv.Set(capability.DomainPairings, 2, []byte("b")))
	seen := map[uint8][]byte{}
	require.NoError(t, kv.Enumerate(capability.DomainPairings, func(key uint8, value []byte) bool {
		seen[key] = value
		return true
	}))
	require.Equal(t, map[uint8][]byte{1: []byte("a"), 2: []byte("b")}, seen)

	require.NoError(t, kv.Remove(capability.DomainConfiguration, 5))
	_, found, err = kv.Get(capability.DomainConfiguration, 5)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, kv.PurgeDomain(capability.DomainPairings))
	seen = map[uint8][]byte{}
	require.NoError(t, kv.Enumerate(capability.DomainPairings, func(key uint8, value []byte) bool {
		seen[key] = value
		return true
	}))
	require.Empty(t, seen)
}

func TestOpenStoreAddAndRemovePairing(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()

	store, err := openStore(cfg)
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	slot, err := store.Add(pairing.Pairing{Identifier: "controller-1", PublicKey: pub, Permissions: pairing.AdminPermission})
	require.NoError(t, err)

	found, p, ok := store.FindByIdentifier("controller-1")
	require.True(t, ok)
	require.Equal(t, slot, found)
	require.True(t, p.IsAdmin())
	require.True(t, store.HasAdminPairing())

	require.NoError(t, store.Remove(slot))
	_, _, ok = store.FindByIdentifier("controller-1")
	require.False(t, ok)
}
