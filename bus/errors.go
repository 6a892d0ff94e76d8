package bus

import (
	"errors"
	"fmt"
)

// Kind classifies a bus Error for errors.Is-style matching independent of
// the wrapped transport error's message text.
type Kind int

const (
	// KindNotConnected: the operation was invoked before Connect, or after
	// the broker connection was lost.
	KindNotConnected Kind = iota
	// KindAlreadySubscribed: Receive was called on a queue that already
	// has a listener.
	KindAlreadySubscribed
	// KindMissingMetadata: a required reserved metadata key was absent or
	// empty for the attempted operation.
	KindMissingMetadata
	// KindProducerMismatch: Publish targeted a second topic from an
	// instance that already latched a different one.
	KindProducerMismatch
	// KindEncode: the frame codec failed to encode a Message.
	KindEncode
	// KindDecode: the frame codec failed to decode an inbound frame.
	KindDecode
	// KindSend: the broker refused or failed to accept a frame.
	KindSend
	// KindTimeout: a synchronous request waited past its deadline.
	KindTimeout
	// KindNoHandler: a dispatcher miss with no default handler configured.
	KindNoHandler
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not-connected"
	case KindAlreadySubscribed:
		return "already-subscribed"
	case KindMissingMetadata:
		return "missing-metadata"
	case KindProducerMismatch:
		return "producer-mismatch"
	case KindEncode:
		return "encode"
	case KindDecode:
		return "decode"
	case KindSend:
		return "send"
	case KindTimeout:
		return "timeout"
	case KindNoHandler:
		return "no-handler"
	default:
		return "unknown"
	}
}

// Error is the bus's single error type. Op names the failing public
// operation (e.g. "publish", "request"); Err, when non-nil, wraps the
// underlying cause for errors.Unwrap/errors.As.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("bus: %s: %s (%s)", e.Op, e.Kind, e.Key)
	}
	if e.Err != nil {
		return fmt.Sprintf("bus: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("bus: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, letting callers write errors.Is(err, bus.ErrTimeout)
// and similar sentinels without caring about Op or the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds an *Error wrapping err under op/kind.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// NewMissing builds a KindMissingMetadata *Error naming the absent key.
func NewMissing(op, key string) *Error {
	return &Error{Op: op, Kind: KindMissingMetadata, Key: key}
}

// Sentinel values for errors.Is against a specific Kind, e.g.
// errors.Is(err, bus.ErrTimeout).
var (
	ErrNotConnected      = &Error{Kind: KindNotConnected}
	ErrAlreadySubscribed = &Error{Kind: KindAlreadySubscribed}
	ErrMissingMetadata   = &Error{Kind: KindMissingMetadata}
	ErrProducerMismatch  = &Error{Kind: KindProducerMismatch}
	ErrEncode            = &Error{Kind: KindEncode}
	ErrDecode            = &Error{Kind: KindDecode}
	ErrSend              = &Error{Kind: KindSend}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrNoHandler         = &Error{Kind: KindNoHandler}
)

// AsKind reports whether err is a *bus.Error of the given kind.
func AsKind(err error, k Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == k
	}
	return false
}
