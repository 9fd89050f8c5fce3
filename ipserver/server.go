// Package ipserver implements HAP's IP transport (spec.md §6): a
// minimal HTTP/1.1-like framing layered on ChaCha20-Poly1305 records,
// carrying the same Pair Setup/Pair Verify/characteristic operations
// the BLE transport (package ble) serves over GATT.
package ipserver

import (
	"github.com/sirupsen/logrus"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/capability"
	"github.com/go-hap/hapcore/pairing"
	"github.com/go-hap/hapcore/pairsetup"
	"github.com/go-hap/hapcore/pairverify"
	"github.com/go-hap/hapcore/tlv"
)

// httpInsufficientPrivileges is returned whenever a non-admin session
// attempts POST /pairings, standing in for HTTP 470 since HAP has no
// standard code for this and accessories commonly reuse 470
// ("Connection Authorization Required").
const httpInsufficientPrivileges = 470

// Server holds everything one accessory's IP transport needs to route
// and answer requests, mirroring paypal-gatt's Server in spirit (one
// struct owning the catalog plus the protocol engines) but generalized
// across many concurrent TCP connections instead of one BLE central.
type Server struct {
	HAP        *hap.AccessoryServer
	Executor   *hap.Executor
	Pairings   *pairing.Store
	PairSetup  *pairsetup.Engine
	PairVerify *pairverify.Engine
	Clock      capability.Clock

	Logger *logrus.Logger

	prepared prepareStore
}

// NewServer wires the accessory catalog and protocol engines into a
// ready-to-serve Server. Each engine is expected to have already been
// constructed against the same Pairings store and identity.
func NewServer(h *hap.AccessoryServer, pairings *pairing.Store, setup *pairsetup.Engine, verify *pairverify.Engine, clock capability.Clock) *Server {
	s := &Server{
		HAP:        h,
		Executor:   &hap.Executor{},
		Pairings:   pairings,
		PairSetup:  setup,
		PairVerify: verify,
		Clock:      clock,
		Logger:     h.Logger,
	}
	s.prepared.entries = make(map[uint64]prepareEntry)
	return s
}

// route dispatches one parsed request to its handler, returning the
// status code, content type, and body to frame back to the peer.
func (s *Server) route(sess *hap.Session, req *request) (int, string, []byte) {
	switch {
	case req.Method == "POST" && req.Path == "/pair-setup":
		return s.dispatchTLV(sess, req.Body, s.PairSetup.HandleM1, s.PairSetup.HandleM3, s.PairSetup.HandleM5)
	case req.Method == "POST" && req.Path == "/pair-verify":
		return s.dispatchTLV(sess, req.Body, s.PairVerify.HandleM1, s.PairVerify.HandleM3, nil)
	case req.Method == "POST" && req.Path == "/pairings":
		return s.handlePairings(sess, req.Body)
	case req.Method == "GET" && req.Path == "/accessories":
		return s.handleGetAccessories(sess)
	case req.Method == "GET" && req.Path == "/characteristics":
		return s.handleGetCharacteristics(sess, req)
	case req.Method == "PUT" && req.Path == "/characteristics":
		return s.handlePutCharacteristics(sess, req)
	case req.Method == "PUT" && req.Path == "/prepare":
		return s.handlePrepare(sess, req)
	default:
		return 404, "", nil
	}
}

// tlvState peeks the State field common to every Pair Setup/Pair
// Verify TLV message without committing to a full Unmarshal against
// the step-specific struct.
func tlvState(body []byte) (uint8, error) {
	var probe struct {
		State uint8 `tlv:"6"`
	}
	if err := tlv.Unmarshal(body, &probe); err != nil {
		return 0, err
	}
	return probe.State, nil
}

// dispatchTLV routes a Pair Setup/Pair Verify body to the handler for
// its State (M1/M3/M5), per spec.md §4.F/§4.G. m5 is nil for Pair
// Verify, which only has two request steps.
func (s *Server) dispatchTLV(sess *hap.Session, body []byte, m1, m3, m5 func(*hap.Session, []byte) ([]byte, error)) (int, string, []byte) {
	state, err := tlvState(body)
	if err != nil {
		return 400, contentTypeTLV8, nil
	}
	var handler func(*hap.Session, []byte) ([]byte, error)
	switch state {
	case 1:
		handler = m1
	case 3:
		handler = m3
	case 5:
		handler = m5
	}
	if handler == nil {
		return 400, contentTypeTLV8, nil
	}
	resp, err := handler(sess, body)
	if err != nil {
		s.Logger.WithField("transport", "ip").WithError(err).Warn("pairing step failed")
		return 200, contentTypeTLV8, resp
	}
	return 200, contentTypeTLV8, resp
}

// accessLevelFor derives the Executor access level a session's current
// state grants, per spec.md §4.K: admin pairings see AccessAdmin,
// regular pairings see AccessRegular, and an unverified session (no
// active control channel) only sees AccessUnencrypted.
func (s *Server) accessLevelFor(sess *hap.Session) hap.AccessLevel {
	if !sess.Active {
		return hap.AccessUnencrypted
	}
	if s.sessionIsAdmin(sess) {
		return hap.AccessAdmin
	}
	return hap.AccessRegular
}

// httpStatusFor maps a characteristic Status onto the HTTP status
// spec.md §6 says the IP transport aligns 1-to-1 with it.
func httpStatusFor(st hap.Status) int {
	switch st {
	case hap.StatusSuccess:
		return 200
	case hap.StatusInsufficientAuthentication:
		return 470
	case hap.StatusInsufficientAuthorization:
		return 470
	case hap.StatusInvalidInstanceID, hap.StatusInvalidRequest:
		return 400
	case hap.StatusMaxProcedures:
		return 429
	case hap.StatusUnsupportedPDU:
		return 400
	default:
		return 500
	}
}
