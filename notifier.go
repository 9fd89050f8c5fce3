package hap

import "sync"

// Event is a single outbound characteristic-value change, queued for
// delivery to every subscribed session.
type Event struct {
	AID   uint64
	IID   uint64
	Value interface{}
}

// EventSink receives events addressed to one session. The IP
// transport (ipserver.Conn) implements it by framing and encrypting
// onto a TCP connection; package ble has no EventSink implementation.
type EventSink interface {
	DeliverEvent(ev Event) error
}

// EventSinkFunc adapts a function to an EventSink, mirroring
// paypal-gatt's handler/Func-adapter idiom (see ReadHandlerFunc).
type EventSinkFunc func(ev Event) error

func (f EventSinkFunc) DeliverEvent(ev Event) error { return f(ev) }

// Notifier fans a characteristic value change out to every session
// subscribed to it, generalizing paypal-gatt's notifier.go (which
// tracked a single central's subscribed handles) to many concurrent
// sessions each with their own Bitset.
type Notifier struct {
	mu       sync.Mutex
	sinks    map[uint64]EventSink // session ID -> sink
	sessions map[uint64]*Session  // session ID -> session, for subscription checks
	ordinal  func(iid uint64) int
}

// NewNotifier constructs a Notifier. ordinal must be the same
// iid-to-bit-index function used to build every Session's Bitset.
func NewNotifier(ordinal func(iid uint64) int) *Notifier {
	return &Notifier{
		sinks:    make(map[uint64]EventSink),
		sessions: make(map[uint64]*Session),
		ordinal:  ordinal,
	}
}

// Attach registers a session's delivery sink. Detach must be called
// when the session closes.
func (n *Notifier) Attach(s *Session, sink EventSink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions[s.ID] = s
	n.sinks[s.ID] = sink
}

// Detach removes a session, e.g. on disconnect or invalidation.
func (n *Notifier) Detach(sessionID uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sessions, sessionID)
	delete(n.sinks, sessionID)
}

// Publish delivers ev to every currently-subscribed session. Delivery
// errors are collected but do not stop fan-out to other sessions; the
// caller decides whether a delivery failure should invalidate that
// session.
func (n *Notifier) Publish(ev Event) map[uint64]error {
	n.mu.Lock()
	type target struct {
		id   uint64
		sink EventSink
	}
	var targets []target
	for id, s := range n.sessions {
		if !s.Active {
			continue
		}
		if s.IsSubscribed(ev.IID) {
			targets = append(targets, target{id, n.sinks[id]})
		}
	}
	n.mu.Unlock()

	errs := make(map[uint64]error)
	for _, t := range targets {
		if err := t.sink.DeliverEvent(ev); err != nil {
			errs[t.id] = err
		}
	}
	return errs
}

// HasSubscribers reports whether any active session currently
// subscribes to iid. A caller can use it to skip generating
// ProgrammableSwitchEvent notifications when nobody is listening.
func (n *Notifier) HasSubscribers(iid uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sessions {
		if s.Active && s.IsSubscribed(iid) {
			return true
		}
	}
	return false
}

// FireOnce publishes ev exactly as Publish does. Nothing in the module
// special-cases ProgrammableSwitchEvent characteristics: a read of one
// (over IP or BLE) goes through the same read path as any other
// characteristic and does not return null.
func (n *Notifier) FireOnce(ev Event) map[uint64]error {
	return n.Publish(ev)
}
