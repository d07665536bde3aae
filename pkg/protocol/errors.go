package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry decisions.
type Kind int

const (
	// KindTransport covers refused/reset connections and write failures.
	KindTransport Kind = iota
	// KindParse covers malformed URLs and malformed response headers. Never retried.
	KindParse
	// KindTimeout covers overall and activity timeouts.
	KindTimeout
	// KindProtocol covers non-2xx statuses and premature closes.
	KindProtocol
	// KindNotReady means the readiness precondition failed. Never retried.
	KindNotReady
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindNotReady:
		return "not_ready"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type produced by the transport and the layers above it.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

// Errorf builds an *Error whose cause is formatted from the arguments.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and operation to err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the orchestrator may schedule another attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindProtocol:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of the first *Error in err's chain.
// Errors that carry no kind are treated as transport failures.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransport
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return err != nil
}
