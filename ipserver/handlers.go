package ipserver

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	hap "github.com/go-hap/hapcore"
)

// prepareEntry is one session's outstanding timed-write reservation,
// per spec.md's "timed write expires" scenario: PUT /prepare registers
// a pid and a deadline; a later PUT /characteristics carrying that pid
// must arrive before the deadline or every write in the request is
// rejected wholesale with InvalidData, unlike BLE's per-characteristic
// silent drop (package ble's opcode 4/5 split).
type prepareEntry struct {
	pid        uint64
	deadlineMS uint64
}

type prepareStore struct {
	mu      sync.Mutex
	entries map[uint64]prepareEntry // session ID -> reservation
}

func (p *prepareStore) set(sessionID uint64, e prepareEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[sessionID] = e
}

func (p *prepareStore) take(sessionID uint64) (prepareEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[sessionID]
	return e, ok
}

func (p *prepareStore) clear(sessionID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, sessionID)
}

// handlePrepare implements PUT /prepare: reserve a pid that a
// subsequent timed write on PUT /characteristics must present before
// ttl milliseconds elapse.
func (s *Server) handlePrepare(sess *hap.Session, req *request) (int, string, []byte) {
	var in struct {
		TTL uint64 `json:"ttl"`
		PID uint64 `json:"pid"`
	}
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return 400, contentTypeHAPJSON, nil
	}
	s.prepared.set(sess.ID, prepareEntry{pid: in.PID, deadlineMS: s.Clock.NowMillis() + in.TTL})

	out := struct {
		Status int `json:"status"`
	}{Status: 0}
	b, _ := json.Marshal(out)
	return 200, contentTypeHAPJSON, b
}

// handleGetAccessories implements GET /accessories: the full catalog
// dump, including current values, per spec.md §6.
func (s *Server) handleGetAccessories(sess *hap.Session) (int, string, []byte) {
	level := s.accessLevelFor(sess)
	resp := accessoriesResponse{}
	for _, a := range s.HAP.Accessories {
		aj := accessoryJSON{AID: a.AID}
		for _, svc := range a.Services {
			sj := serviceJSON{IID: svc.IID, Type: svc.Type.String(), Hidden: svc.Hidden, Primary: svc.Primary, LinkedServices: svc.LinkedServices}
			for _, c := range svc.Characteristics() {
				req := hap.Request{Session: sess, Accessory: a, Service: svc, Characteristic: c}
				sj.Characteristics = append(sj.Characteristics, characteristicToJSON(s.Executor, req, c, level, true, true, true))
			}
			aj.Services = append(aj.Services, sj)
		}
		resp.Accessories = append(resp.Accessories, aj)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return 500, contentTypeHAPJSON, nil
	}
	return 200, contentTypeHAPJSON, b
}

// parsedCharID is one "aid.iid" pair off a /characteristics query or
// PUT body.
type parsedCharID struct {
	AID uint64
	IID uint64
}

func parseCharID(s string) (parsedCharID, bool) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return parsedCharID{}, false
	}
	aid, err1 := strconv.ParseUint(parts[0], 10, 64)
	iid, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return parsedCharID{}, false
	}
	return parsedCharID{AID: aid, IID: iid}, true
}

// handleGetCharacteristics implements GET /characteristics?id=aid.iid,...
// with the meta/perms/type/ev query flags spec.md §6 lists. Any
// unresolvable id degrades the whole response to HTTP 207. The entry
// for a failed id carries only its iid (or nothing, for an unparsable
// id); it has no per-characteristic status field.
func (s *Server) handleGetCharacteristics(sess *hap.Session, req *request) (int, string, []byte) {
	idParam := req.Query.Get("id")
	if idParam == "" {
		return 400, contentTypeHAPJSON, nil
	}
	withMeta := req.Query.Get("meta") == "1"
	withPerms := req.Query.Get("perms") == "1"
	withType := req.Query.Get("type") == "1"
	withEvent := req.Query.Get("ev") == "1"

	level := s.accessLevelFor(sess)
	var out []characteristicJSON
	allOK := true

	for _, idStr := range strings.Split(idParam, ",") {
		id, ok := parseCharID(idStr)
		if !ok {
			allOK = false
			out = append(out, characteristicJSON{})
			continue
		}
		c, svc, a := s.HAP.FindCharacteristic(id.AID, id.IID)
		if c == nil {
			allOK = false
			out = append(out, characteristicJSON{IID: id.IID})
			continue
		}
		creq := hap.Request{Session: sess, Accessory: a, Service: svc, Characteristic: c}
		cj := characteristicToJSON(s.Executor, creq, c, level, true, withMeta, withPerms)
		if !withType {
			cj.Type = ""
		} else {
			cj.Type = c.Type.String()
		}
		if withEvent {
			ev := sess.IsSubscribed(c.IID)
			cj.Event = &ev
		}
		out = append(out, cj)
	}

	status := 200
	if !allOK {
		status = 207
	}
	b, err := json.Marshal(struct {
		Characteristics []characteristicJSON `json:"characteristics"`
	}{out})
	if err != nil {
		return 500, contentTypeHAPJSON, nil
	}
	return status, contentTypeHAPJSON, b
}

type writeRequest struct {
	AID      uint64          `json:"aid"`
	IID      uint64          `json:"iid"`
	Value    json.RawMessage `json:"value,omitempty"`
	Event    *bool           `json:"ev,omitempty"`
	AuthData string          `json:"authData,omitempty"`
	Remote   *bool           `json:"remote,omitempty"`
	Response bool            `json:"r,omitempty"`
}

type writeResult struct {
	AID    uint64      `json:"aid"`
	IID    uint64      `json:"iid"`
	Status int         `json:"status"`
	Value  interface{} `json:"value,omitempty"`
}

// handlePutCharacteristics implements PUT /characteristics: a batch of
// writes and/or subscription toggles, optionally gated by a timed-write
// pid established through PUT /prepare, per spec.md's timed-write
// scenario.
func (s *Server) handlePutCharacteristics(sess *hap.Session, req *request) (int, string, []byte) {
	var in struct {
		Characteristics []writeRequest `json:"characteristics"`
		PID             *uint64        `json:"pid,omitempty"`
	}
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return 400, contentTypeHAPJSON, nil
	}

	if in.PID != nil {
		entry, ok := s.prepared.take(sess.ID)
		expired := !ok || entry.pid != *in.PID || s.Clock.NowMillis() > entry.deadlineMS
		s.prepared.clear(sess.ID)
		if expired {
			return httpStatusFor(hap.StatusInvalidRequest), contentTypeHAPJSON, mustMarshalStatusOnly(hap.StatusInvalidRequest)
		}
	}

	viaTimedWrite := in.PID != nil
	level := s.accessLevelFor(sess)
	results := make([]writeResult, 0, len(in.Characteristics))
	allOK := true

	for _, w := range in.Characteristics {
		c, svc, a := s.HAP.FindCharacteristic(w.AID, w.IID)
		if c == nil {
			allOK = false
			results = append(results, writeResult{AID: w.AID, IID: w.IID, Status: int(hap.StatusInvalidRequest)})
			continue
		}
		creq := hap.Request{Session: sess, Accessory: a, Service: svc, Characteristic: c, HasOrigin: w.Remote != nil}
		if w.Remote != nil {
			creq.Remote = *w.Remote
		}
		if w.AuthData != "" {
			if decoded, err := base64.StdEncoding.DecodeString(w.AuthData); err == nil {
				creq.AuthData = decoded
			}
		}

		st := hap.StatusSuccess
		if len(w.Value) > 0 {
			if st = s.Executor.CheckAuthorizationData(c, creq); st == hap.StatusSuccess && !viaTimedWrite {
				st = s.Executor.CheckDirectWriteAllowed(c)
			}
			if st == hap.StatusSuccess {
				v, err := jsonToValue(c.Format, w.Value)
				if err != nil {
					st = hap.StatusInvalidRequest
				} else {
					raw, err := hap.EncodeValue(c.Format, v)
					if err != nil {
						st = hap.StatusInvalidRequest
					} else {
						st = s.Executor.Write(creq, raw, level)
					}
				}
			}
		}
		if st == hap.StatusSuccess && w.Event != nil {
			if *w.Event {
				sess.Subscribe(c.IID)
				c.NotifySubscribe(creq)
			} else {
				sess.Unsubscribe(c.IID)
				c.NotifyUnsubscribe(creq)
			}
		}
		if st != hap.StatusSuccess {
			allOK = false
		}

		res := writeResult{AID: w.AID, IID: w.IID, Status: int(st)}
		if st == hap.StatusSuccess && w.Response {
			if b, rst := s.Executor.Read(creq, level); rst == hap.StatusSuccess {
				if v, err := hap.DecodeValue(c.Format, b); err == nil {
					if jv, err := valueToJSON(c.Format, v); err == nil {
						res.Value = jv
					}
				}
			}
		}
		results = append(results, res)
	}

	status := 204
	if !allOK {
		status = 207
	}
	if status == 204 {
		return 204, "", nil
	}
	b, err := json.Marshal(struct {
		Characteristics []writeResult `json:"characteristics"`
	}{results})
	if err != nil {
		return 500, contentTypeHAPJSON, nil
	}
	return status, contentTypeHAPJSON, b
}

func mustMarshalStatusOnly(st hap.Status) []byte {
	b, _ := json.Marshal(struct {
		Status int `json:"status"`
	}{int(st)})
	return b
}
