package ipserver

import (
	"bytes"
	"crypto/ed25519"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/pairing"
	"github.com/go-hap/hapcore/tlv"
)

// pairingsMethod is the `method` TLV value on POST /pairings, per the
// three admin sub-operations spec.md §9 SUPPLEMENTED names: add,
// remove, list.
type pairingsMethod uint8

const (
	pairingsMethodAddPairing    pairingsMethod = 3
	pairingsMethodRemovePairing pairingsMethod = 4
	pairingsMethodListPairings  pairingsMethod = 5
)

// handlePairings implements POST /pairings: an admin-only TLV exchange
// that adds, removes, or lists stored controllers. Every operation
// requires the requesting session to carry an admin pairing, per
// spec.md §3's pairing permission model.
func (s *Server) handlePairings(sess *hap.Session, body []byte) (int, string, []byte) {
	if !s.sessionIsAdmin(sess) {
		return httpInsufficientPrivileges, contentTypeTLV8, mustMarshalPairingError(2, pairingErrAuthentication)
	}

	var in struct {
		State  uint8 `tlv:"6"`
		Method uint8 `tlv:"0"`
	}
	if err := tlv.Unmarshal(body, &in); err != nil {
		return 400, contentTypeTLV8, nil
	}
	if in.State != 1 {
		return 400, contentTypeTLV8, nil
	}

	switch pairingsMethod(in.Method) {
	case pairingsMethodAddPairing:
		return s.addPairing(body)
	case pairingsMethodRemovePairing:
		return s.removePairing(sess, body)
	case pairingsMethodListPairings:
		return s.listPairings()
	default:
		return 400, contentTypeTLV8, nil
	}
}

func (s *Server) sessionIsAdmin(sess *hap.Session) bool {
	if sess.PairingSlot == nil {
		return false
	}
	p, ok := s.Pairings.Get(*sess.PairingSlot)
	return ok && p.IsAdmin()
}

func (s *Server) addPairing(body []byte) (int, string, []byte) {
	var in struct {
		Identifier  string `tlv:"1"`
		PublicKey   []byte `tlv:"3"`
		Permissions uint8  `tlv:"11"`
	}
	if err := tlv.Unmarshal(body, &in); err != nil || len(in.PublicKey) != ed25519.PublicKeySize {
		return 400, contentTypeTLV8, nil
	}
	if slot, existing, found := s.Pairings.FindByIdentifier(in.Identifier); found {
		_ = slot
		if !bytes.Equal(existing.PublicKey, in.PublicKey) {
			return 200, contentTypeTLV8, mustMarshalPairingError(2, pairingErrUnknown)
		}
	} else if _, err := s.Pairings.Add(pairing.Pairing{
		Identifier:  in.Identifier,
		PublicKey:   append(ed25519.PublicKey(nil), in.PublicKey...),
		Permissions: in.Permissions,
	}); err != nil {
		return 200, contentTypeTLV8, mustMarshalPairingError(2, pairingErrMaxPeers)
	}
	out := struct {
		State uint8 `tlv:"6"`
	}{State: 2}
	b, _ := tlv.Marshal(&out)
	return 200, contentTypeTLV8, b
}

func (s *Server) removePairing(sess *hap.Session, body []byte) (int, string, []byte) {
	var in struct {
		Identifier string `tlv:"1"`
	}
	if err := tlv.Unmarshal(body, &in); err != nil {
		return 400, contentTypeTLV8, nil
	}
	slot, _, found := s.Pairings.FindByIdentifier(in.Identifier)
	if found {
		if err := s.Pairings.Remove(slot); err != nil {
			return 200, contentTypeTLV8, mustMarshalPairingError(2, pairingErrUnknown)
		}
		s.HAP.InvalidateSessionsForSlot(slot)
		if s.PairVerify != nil {
			s.PairVerify.ForgetPairing(slot)
		}
	}
	out := struct {
		State uint8 `tlv:"6"`
	}{State: 2}
	b, _ := tlv.Marshal(&out)
	return 200, contentTypeTLV8, b
}

func (s *Server) listPairings() (int, string, []byte) {
	var elements [][]byte
	for _, p := range s.Pairings.List() {
		sub := struct {
			Identifier  string `tlv:"1"`
			PublicKey   []byte `tlv:"3"`
			Permissions uint8  `tlv:"11"`
		}{Identifier: p.Identifier, PublicKey: p.PublicKey, Permissions: p.Permissions}
		b, err := tlv.Marshal(&sub)
		if err != nil {
			return 500, contentTypeTLV8, nil
		}
		elements = append(elements, b)
	}

	w := tlv.NewWriter(0)
	_ = w.WriteByte(0x06, 2)
	if err := tlv.EncodeSequence(w, 0xFF, elements); err != nil {
		return 500, contentTypeTLV8, nil
	}
	return 200, contentTypeTLV8, w.Bytes()
}

const (
	pairingErrUnknown       = 1
	pairingErrAuthentication = 2
	pairingErrMaxPeers      = 4
)

func mustMarshalPairingError(state uint8, code uint8) []byte {
	out := struct {
		State uint8 `tlv:"6"`
		Error uint8 `tlv:"7"`
	}{State: state, Error: code}
	b, _ := tlv.Marshal(&out)
	return b
}
