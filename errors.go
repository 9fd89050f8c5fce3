package hap

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories spec.md §7 defines for
// the core. Every operation that can fail across a wire boundary
// returns one of these, never a bare error.
type Kind uint8

const (
	// KindInvalidData covers malformed TLV/JSON, out-of-constraint
	// values, and bad state transitions.
	KindInvalidData Kind = iota
	// KindInvalidState covers operations not permitted in the current
	// state (e.g. reading a characteristic with no reader).
	KindInvalidState
	// KindOutOfResources covers exhausted buffers or pairing slots.
	KindOutOfResources
	// KindNotAuthorized covers missing admin permission or insufficient
	// authorization data.
	KindNotAuthorized
	// KindBusy covers the Pair Setup slot being held by another
	// session.
	KindBusy
	// KindAuthentication covers SRP proof mismatch, Ed25519 verify
	// failure, and AEAD tag failure.
	KindAuthentication
	// KindUnknown covers an underlying capability reporting failure;
	// callers promote it to KindInvalidState for the peer and
	// invalidate the session, per spec.md §7.
	KindUnknown
	// KindMaxTries covers the persistent auth-attempt cap (>=100)
	// being reached.
	KindMaxTries
	// KindMaxPeers covers the pairing store's fixed slot count being
	// exhausted.
	KindMaxPeers
	// KindUnavailable covers Pair Setup M2 when the accessory is
	// already paired.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidData:
		return "InvalidData"
	case KindInvalidState:
		return "InvalidState"
	case KindOutOfResources:
		return "OutOfResources"
	case KindNotAuthorized:
		return "NotAuthorized"
	case KindBusy:
		return "Busy"
	case KindAuthentication:
		return "Authentication"
	case KindUnknown:
		return "Unknown"
	case KindMaxTries:
		return "MaxTries"
	case KindMaxPeers:
		return "MaxPeers"
	case KindUnavailable:
		return "Unavailable"
	default:
		return "Unspecified"
	}
}

// Error is the error type every core operation returns. It wraps an
// optional underlying cause so callers can still errors.Is/As through
// it, while always exposing a Kind for wire-level status mapping.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error with no wrapped cause.
func NewError(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap builds an *Error of kind k wrapping cause, formatting msg with
// args like fmt.Sprintf.
func Wrap(k Kind, cause error, msg string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(msg, args...), Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// otherwise returns KindUnknown — the promotion spec.md §7 requires for
// capability failures that were never typed in the first place.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
