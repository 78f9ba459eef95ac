package transport

import (
	"errors"
	"fmt"
)

// Kind classifies adapter errors into the unified taxonomy. Timeout and
// Disconnected are recoverable; the caller decides the retry policy.
// Adapters never retry internally.
type Kind int

const (
	KindConnect Kind = iota
	KindPublish
	KindSubscribe
	KindRequest
	KindTimeout
	KindDisconnected
	KindConfig
	KindNotSupported
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	case KindRequest:
		return "request"
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindConfig:
		return "config"
	case KindNotSupported:
		return "not supported"
	default:
		return "other"
	}
}

// Sentinel causes shared across adapters.
var (
	ErrTimeout      = errors.New("transport: timed out")
	ErrDisconnected = errors.New("transport: disconnected")
	ErrClosed       = errors.New("transport: handle is shut down")
	ErrNotSupported = errors.New("transport: operation not supported by engine")
)

// Error wraps an adapter failure with its taxonomy kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the caller may continue the run after this
// error.
func (e *Error) Recoverable() bool {
	return e.Kind == KindTimeout || e.Kind == KindDisconnected
}

// Errf builds a kinded error from a format string.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err; nil stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the taxonomy kind from err, defaulting to KindOther. The
// sentinels map to their kinds regardless of wrapping.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrDisconnected):
		return KindDisconnected
	case errors.Is(err, ErrNotSupported):
		return KindNotSupported
	default:
		return KindOther
	}
}
