package ble

import (
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"

	hap "github.com/go-hap/hapcore"
)

// errInvalidState reports the spec.md §4.I cancellation rule: a new
// first fragment arriving while the transaction is HandlingRequest is
// rejected outright rather than silently resetting the transaction.
var errInvalidState = errors.New("ble: new request while handling previous request")

// State is the BLE PDU transaction's position in the state machine of
// spec.md §4.I.
type State int

const (
	StateWaitingForInitialWrite State = iota
	StateReadingRequest
	StateHandlingRequest
	StateWaitingForInitialRead
	StateWritingResponse
)

// maxBodyBytes sizes the inbound ring buffer: the largest body a
// 16-bit bodyLength can declare.
const maxBodyBytes = 65535

// Transaction holds one in-flight BLE PDU exchange: the inbound
// request being reassembled from write fragments, and the outbound
// response being streamed out through read fragments. Grounded on
// paypal-gatt's l2cap eventloop (explicit states, switch dispatch) and
// spec.md §4.I's named state machine.
//
// The inbound body is accumulated in a smallnest/ringbuffer.RingBuffer
// the way srgg-blecli's ptyio.go buffers an async byte stream.
// HandleWrite checks every fragment against the declared bodyLength
// before buffering it: a fragment that would overflow it fails the
// transaction with StatusInvalidRequest.
type Transaction struct {
	mu    sync.Mutex
	state State
	mtu   int

	tid     byte
	hdr     RequestHeader
	bodyLen uint16
	inbox   *ringbuffer.RingBuffer

	respStatus hap.Status
	respBody   []byte
	respSent   int // bytes of respBody already streamed out (first fragment and continuations)
	respFirst  bool
}

// NewTransaction constructs a Transaction that chunks responses to mtu
// bytes per GATT read.
func NewTransaction(mtu int) *Transaction {
	if mtu < 3 {
		mtu = 3
	}
	return &Transaction{state: StateWaitingForInitialWrite, mtu: mtu, inbox: ringbuffer.New(maxBodyBytes)}
}

// State reports the transaction's current position, for tests and
// logging.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// reset returns the transaction to its idle state, discarding any
// partially reassembled request or unsent response, per spec.md §4.I
// "on link disconnect the transaction is discarded."
func (t *Transaction) reset() {
	t.state = StateWaitingForInitialWrite
	t.inbox.Reset()
	t.bodyLen = 0
	t.respBody = nil
	t.respSent = 0
	t.respFirst = false
}

// Reset is the exported form of reset, called by the caller on link
// disconnect.
func (t *Transaction) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// HandleWrite processes one GATT write onto the request
// characteristic. complete reports whether the request is now fully
// reassembled and ready for Dispatch; status is only meaningful when
// an error terminates the transaction early (complete==false, status
// != StatusSuccess), in which case the caller must answer immediately
// without calling Dispatch and then Reset.
func (t *Transaction) HandleWrite(fragment []byte) (complete bool, status hap.Status, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateWaitingForInitialWrite:
		hdr, bodyLen, body, ferr := decodeRequestFirstFragment(fragment)
		if ferr != nil {
			return false, hap.StatusInvalidRequest, ferr
		}
		t.hdr = hdr
		t.tid = hdr.TID
		t.bodyLen = bodyLen
		if len(body) > int(bodyLen) {
			t.reset()
			return false, hap.StatusInvalidRequest, nil
		}
		if n, werr := t.inbox.Write(body); werr != nil || n != len(body) {
			t.reset()
			return false, hap.StatusInvalidRequest, nil
		}
		if uint16(t.inbox.Length()) >= bodyLen {
			t.state = StateHandlingRequest
			return true, hap.StatusSuccess, nil
		}
		t.state = StateReadingRequest
		return false, hap.StatusSuccess, nil

	case StateReadingRequest:
		tid, body, ferr := decodeContinuation(fragment)
		if ferr != nil {
			t.reset()
			return false, hap.StatusInvalidRequest, ferr
		}
		if tid != t.tid {
			t.reset()
			return false, hap.StatusInvalidRequest, nil
		}
		if t.inbox.Length()+len(body) > int(t.bodyLen) {
			t.reset()
			return false, hap.StatusInvalidRequest, nil
		}
		if n, werr := t.inbox.Write(body); werr != nil || n != len(body) {
			t.reset()
			return false, hap.StatusInvalidRequest, nil
		}
		if uint16(t.inbox.Length()) >= t.bodyLen {
			t.state = StateHandlingRequest
			return true, hap.StatusSuccess, nil
		}
		return false, hap.StatusSuccess, nil

	case StateHandlingRequest:
		// Cancellation: a new first fragment while still handling the
		// previous request is InvalidState, not a silent reset, per
		// spec.md §4.I. The transaction is left untouched; the caller
		// must not call Dispatch or Reset for this fragment.
		return false, hap.StatusInvalidRequest, errInvalidState

	default:
		return false, hap.StatusInvalidRequest, errInvalidState
	}
}

// RequestHeader returns the reassembled request's fixed header. Valid
// only once HandleWrite has reported complete==true.
func (t *Transaction) RequestHeader() RequestHeader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hdr
}

// RequestBody drains and returns the reassembled request body.
func (t *Transaction) RequestBody() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.inbox.Length()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	_, _ = t.inbox.Read(buf)
	return buf
}

// BeginResponse installs the dispatcher's result and moves the
// transaction to WaitingForInitialRead, ready for the controller to
// poll the response characteristic.
func (t *Transaction) BeginResponse(status hap.Status, body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.respStatus = status
	t.respBody = body
	t.respSent = 0
	t.respFirst = false
	t.state = StateWaitingForInitialRead
}

// HandleRead produces the next chunk of the response, transitioning
// WaitingForInitialRead -> WritingResponse -> WaitingForInitialWrite
// as the body drains, per spec.md §4.I "Read handling."
func (t *Transaction) HandleRead() (chunk []byte, isFinalFragment bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateWaitingForInitialRead:
		chunk = encodeResponseFirstFragment(t.tid, byte(t.respStatus), t.respBody, t.mtu)
		t.respFirst = true
		headerLen := 5
		if len(t.respBody) == 0 {
			headerLen = 3
		}
		sent := len(chunk) - headerLen
		if sent < 0 {
			sent = 0
		}
		t.respSent = sent
		if t.respSent >= len(t.respBody) {
			t.reset()
			return chunk, true
		}
		t.state = StateWritingResponse
		return chunk, false

	case StateWritingResponse:
		remaining := t.respBody[t.respSent:]
		chunk = encodeResponseContinuation(t.tid, remaining, t.mtu)
		t.respSent += len(chunk) - 2
		if t.respSent >= len(t.respBody) {
			t.reset()
			return chunk, true
		}
		return chunk, false

	default:
		return nil, true
	}
}
