package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures for retry and reporting decisions.
type Kind int

const (
	// KindTransient covers timeouts, 5xx and rate limits. Safe to retry.
	KindTransient Kind = iota
	// KindRejected covers venue rejections (bad price/quantity,
	// insufficient margin). Retrying the same request will fail again;
	// the caller re-derives from fresh data next sweep.
	KindRejected
	// KindUnsupported marks operations the venue does not offer, such
	// as atomic amend.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by Gateway implementations.
type Error struct {
	Kind Kind
	Op   string // gateway operation, e.g. "create_order"
	Code int    // venue return code, 0 when not applicable
	Msg  string
	Err  error // underlying transport error, may be nil
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("gateway %s: %s (%s, retCode=%d)", e.Op, e.Msg, e.Kind, e.Code)
	}
	return fmt.Sprintf("gateway %s: %s (%s)", e.Op, e.Msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps a retryable failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Msg: errMsg(err), Err: err}
}

// Rejected wraps a venue rejection.
func Rejected(op string, code int, msg string) *Error {
	return &Error{Kind: KindRejected, Op: op, Code: code, Msg: msg}
}

// Unsupported marks an operation the venue cannot perform.
func Unsupported(op, msg string) *Error {
	return &Error{Kind: KindUnsupported, Op: op, Msg: msg}
}

func errMsg(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindTransient
}

// IsRejected reports whether err is a venue rejection.
func IsRejected(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindRejected
}

// IsUnsupported reports whether err marks a missing venue capability.
func IsUnsupported(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindUnsupported
}
