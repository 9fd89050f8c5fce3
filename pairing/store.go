package pairing

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/capability"
)

// MaxIdentifierLength is the wire limit on a pairing identifier,
// enforced on both write and load per spec.md §9's resolution of the
// "identifier length on read" open question.
const MaxIdentifierLength = 36

// MaxSlots bounds the pairing store, per spec.md §7 "the pairing store
// has a fixed maximum slot count". HAPAccessoryServer uses 16 in its
// reference configuration.
const MaxSlots = 16

// AdminPermission is the bit 0 admin flag, per spec.md §3 "Pairing".
const AdminPermission uint8 = 0x01

// Pairing is one stored controller record, per spec.md §3.
type Pairing struct {
	Identifier  string
	PublicKey   ed25519.PublicKey
	Permissions uint8
}

func (p Pairing) IsAdmin() bool { return p.Permissions&AdminPermission != 0 }

// Store is the durable, slot-indexed pairing set of spec.md §4.C-D,
// backed by capability.KVStore's pairings domain. Slots are iterated
// in insertion order via an ordered map so `list pairings` responses
// are deterministic across calls, which a plain Go map cannot
// guarantee.
type Store struct {
	mu   sync.Mutex
	kv   capability.KVStore
	rows *orderedmap.OrderedMap[uint8, Pairing]

	// onRemove fires synchronously, slot-by-slot, inside Remove and
	// RemoveAll, before the KV delete is committed, giving callers
	// (AccessoryServer, the BLE resume cache) a chance to invalidate
	// every session bound to that slot, per spec.md §9 SUPPLEMENTED
	// "pairing removal cascade".
	onRemove []func(slot uint8)
}

// NewStore loads every persisted pairing from kv's pairings domain.
// Rows whose identifier exceeds MaxIdentifierLength are dropped rather
// than trusted, defending against a corrupted store, per spec.md §9's
// resolved open question.
func NewStore(kv capability.KVStore) (*Store, error) {
	s := &Store{kv: kv, rows: orderedmap.New[uint8, Pairing]()}
	err := kv.Enumerate(capability.DomainPairings, func(key uint8, value []byte) bool {
		p, err := decodePairing(value)
		if err != nil || len(p.Identifier) > MaxIdentifierLength {
			return true
		}
		s.rows.Set(key, p)
		return true
	})
	if err != nil {
		return nil, hap.Wrap(hap.KindUnknown, err, "load pairings")
	}
	return s, nil
}

// OnRemove registers a cascade callback invoked for every slot removed
// by Remove or RemoveAll.
func (s *Store) OnRemove(fn func(slot uint8)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

// Add persists a new pairing into the first free slot. It fails with
// KindMaxPeers if the store is full, per spec.md §7.
func (s *Store) Add(p Pairing) (uint8, error) {
	if len(p.Identifier) == 0 || len(p.Identifier) > MaxIdentifierLength {
		return 0, hap.NewError(hap.KindInvalidData, "pairing identifier length out of range")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rows.Len() >= MaxSlots {
		return 0, hap.NewError(hap.KindMaxPeers, "pairing store is full")
	}
	var slot uint8
	found := false
	for candidate := uint8(0); int(candidate) < MaxSlots; candidate++ {
		if _, ok := s.rows.Get(candidate); !ok {
			slot = candidate
			found = true
			break
		}
	}
	if !found {
		return 0, hap.NewError(hap.KindMaxPeers, "pairing store is full")
	}
	enc := encodePairing(p)
	if err := s.kv.Set(capability.DomainPairings, slot, enc); err != nil {
		return 0, hap.Wrap(hap.KindUnknown, err, "persist pairing slot %d", slot)
	}
	s.rows.Set(slot, p)
	return slot, nil
}

// Get returns the pairing stored in slot, if any.
func (s *Store) Get(slot uint8) (Pairing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows.Get(slot)
}

// FindByIdentifier does a linear scan over occupied slots, per
// spec.md §4.C-D "finding a pairing by identifier is linear".
func (s *Store) FindByIdentifier(identifier string) (uint8, Pairing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pair := s.rows.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Identifier == identifier {
			return pair.Key, pair.Value, true
		}
	}
	return 0, Pairing{}, false
}

// HasAdminPairing reports whether any stored pairing has the admin
// bit set, the invariant spec.md §3 requires "at least one admin
// exists while any pairing exists" to be checked against before a
// removal is allowed to proceed.
func (s *Store) HasAdminPairing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pair := s.rows.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.IsAdmin() {
			return true
		}
	}
	return false
}

// Len returns the number of occupied slots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows.Len()
}

// List returns every pairing in insertion order, for the `list
// pairings` admin TLV operation (spec.md §9 SUPPLEMENTED).
func (s *Store) List() []Pairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pairing, 0, s.rows.Len())
	for pair := s.rows.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Remove deletes slot, refusing to remove the last admin pairing
// while other pairings remain (spec.md §3 invariant), then runs the
// cascade callbacks and the KV delete.
func (s *Store) Remove(slot uint8) error {
	return s.remove(slot, true)
}

func (s *Store) remove(slot uint8, enforceAdminInvariant bool) error {
	s.mu.Lock()
	p, ok := s.rows.Get(slot)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if enforceAdminInvariant && p.IsAdmin() {
		admins := 0
		for pair := s.rows.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.IsAdmin() {
				admins++
			}
		}
		if admins <= 1 && s.rows.Len() > 1 {
			s.mu.Unlock()
			return hap.NewError(hap.KindInvalidState, "cannot remove the last admin pairing while other pairings remain")
		}
	}
	callbacks := append([]func(slot uint8){}, s.onRemove...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(slot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Remove(capability.DomainPairings, slot); err != nil {
		return hap.Wrap(hap.KindUnknown, err, "remove pairing slot %d", slot)
	}
	s.rows.Delete(slot)
	return nil
}

// RemoveAll clears every pairing, used by factory reset. The admin
// invariant is moot when every slot is being cleared together, so it
// is not enforced here.
func (s *Store) RemoveAll() error {
	for _, slot := range s.occupiedSlots() {
		if err := s.remove(slot, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) occupiedSlots() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint8, 0, s.rows.Len())
	for pair := s.rows.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func encodePairing(p Pairing) []byte {
	buf := make([]byte, 0, 1+len(p.Identifier)+ed25519.PublicKeySize+1)
	buf = append(buf, byte(len(p.Identifier)))
	buf = append(buf, p.Identifier...)
	buf = append(buf, p.PublicKey...)
	buf = append(buf, p.Permissions)
	return buf
}

func decodePairing(b []byte) (Pairing, error) {
	if len(b) < 1 {
		return Pairing{}, fmt.Errorf("pairing: truncated record")
	}
	n := int(b[0])
	if len(b) != 1+n+ed25519.PublicKeySize+1 {
		return Pairing{}, fmt.Errorf("pairing: malformed record")
	}
	identifier := string(b[1 : 1+n])
	pub := append(ed25519.PublicKey(nil), b[1+n:1+n+ed25519.PublicKeySize]...)
	perm := b[1+n+ed25519.PublicKeySize]
	return Pairing{Identifier: identifier, PublicKey: pub, Permissions: perm}, nil
}
