package ble

import (
	"sync"

	"github.com/sirupsen/logrus"

	hap "github.com/go-hap/hapcore"
)

// defaultMTU is the ATT_MTU HAP accessories advertise before an MTU
// exchange raises it, per spec.md §6 "MTU for a GATT PDU".
const defaultMTU = 23

// Engine drives one BLE link's PDU transaction end to end: GATT
// writes onto the request characteristic feed Transaction.HandleWrite;
// once complete, Dispatch runs and the result is streamed back out
// through GATT reads on the response characteristic. One Engine serves
// exactly one active central at a time, mirroring paypal-gatt's single-
// package-level-conn model (spec.md §5 "at most one logical thread").
type Engine struct {
	mu     sync.Mutex
	tx     *Transaction
	disp   *Dispatcher
	sess   *hap.Session
	Logger *logrus.Logger
}

// NewEngine constructs an Engine bound to a dispatcher and the
// (single, long-lived) BLE session it serves.
func NewEngine(disp *Dispatcher, sess *hap.Session) *Engine {
	return &Engine{
		tx:     NewTransaction(defaultMTU),
		disp:   disp,
		sess:   sess,
		Logger: logrus.New(),
	}
}

func (e *Engine) log() *logrus.Entry {
	return e.Logger.WithField("transport", "ble")
}

// SetMTU updates the chunk size used for outbound response fragments
// after a GATT MTU exchange raises it above defaultMTU.
func (e *Engine) SetMTU(mtu int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tx.mu.Lock()
	e.tx.mtu = mtu
	e.tx.mu.Unlock()
}

// HandleCharacteristicWrite is the request characteristic's GATT write
// callback. It feeds the fragment to the transaction and, once the
// request is complete, runs the dispatcher synchronously (spec.md §5's
// single cooperative thread of execution means no concurrency concern
// here) and stages the response for the next read.
func (e *Engine) HandleCharacteristicWrite(fragment []byte) hap.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	complete, status, err := e.tx.HandleWrite(fragment)
	if err != nil {
		e.log().WithError(err).Debug("ble pdu write rejected")
		return status
	}
	if !complete {
		return status
	}

	hdr := e.tx.RequestHeader()
	body := e.tx.RequestBody()
	respStatus, respBody := e.disp.Dispatch(e.sess, hdr, body)
	e.tx.BeginResponse(respStatus, respBody)
	return hap.StatusSuccess
}

// HandleCharacteristicRead is the response characteristic's GATT read
// callback. It returns the next outbound fragment and whether it was
// the last one.
func (e *Engine) HandleCharacteristicRead() (chunk []byte, isFinalFragment bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx.HandleRead()
}

// Disconnect discards any in-flight transaction, per spec.md §4.I
// "on link disconnect the transaction is discarded."
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tx.Reset()
}
