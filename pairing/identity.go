// Package pairing implements the durable pairing store and accessory
// identity material of spec.md §4.C-D: the set of paired controllers
// and the accessory's own long-term Ed25519 keypair and device id.
package pairing

import (
	"crypto/ed25519"

	"github.com/go-hap/hapcore/capability"
	"github.com/go-hap/hapcore/cryptoutil"
)

const (
	identityKeyPrivate uint8 = 0
	identityKeyDeviceID uint8 = 1
)

// Identity is the accessory's own long-term signing keypair and
// 6-byte device id, lazily materialized and persisted under the
// configuration domain, per spec.md §4.C-D.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	DeviceID   [6]byte
}

// LoadOrCreateIdentity fetches the persisted identity from kv, or
// generates and persists a fresh one on first boot. Device ids are
// derived from the public key's first 6 bytes with the two most
// significant bits of the first byte set, as in a BLE random static
// address.
func LoadOrCreateIdentity(kv capability.KVStore, rnd cryptoutil.Random) (*Identity, error) {
	priv, found, err := kv.Get(capability.DomainConfiguration, identityKeyPrivate)
	if err != nil {
		return nil, err
	}
	if found && len(priv) == ed25519.PrivateKeySize {
		id := &Identity{
			PrivateKey: ed25519.PrivateKey(priv),
			PublicKey:  ed25519.PrivateKey(priv).Public().(ed25519.PublicKey),
		}
		devID, found, err := kv.Get(capability.DomainConfiguration, identityKeyDeviceID)
		if err != nil {
			return nil, err
		}
		if found && len(devID) == 6 {
			copy(id.DeviceID[:], devID)
			return id, nil
		}
		id.DeviceID = deriveDeviceID(id.PublicKey)
		if err := kv.Set(capability.DomainConfiguration, identityKeyDeviceID, id.DeviceID[:]); err != nil {
			return nil, err
		}
		return id, nil
	}

	pub, sk, err := cryptoutil.Ed25519GenerateKey(rnd)
	if err != nil {
		return nil, err
	}
	id := &Identity{PublicKey: pub, PrivateKey: sk, DeviceID: deriveDeviceID(pub)}
	if err := kv.Set(capability.DomainConfiguration, identityKeyPrivate, []byte(sk)); err != nil {
		return nil, err
	}
	if err := kv.Set(capability.DomainConfiguration, identityKeyDeviceID, id.DeviceID[:]); err != nil {
		return nil, err
	}
	return id, nil
}

// deriveDeviceID takes the first 6 bytes of pub and sets the two most
// significant bits of the first byte (0xC0), the way a BLE random
// static address is constructed.
func deriveDeviceID(pub ed25519.PublicKey) [6]byte {
	var id [6]byte
	copy(id[:], pub)
	id[0] |= 0xC0
	return id
}
