package protocol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Request represents a single HTTP request handed to the transport.
type Request struct {
	URL        string
	Method     string
	Headers    map[string]string
	Body       []byte
	Timeout    time.Duration
	MaxRetries int
}

// Response represents the result of a completed request.
type Response struct {
	StatusCode      int
	ContentLength   int64
	ContentEncoding string
	Body            []byte
	Duration        time.Duration
	BytesRead       int64
	BytesWritten    int64
}

// ClientConfig contains transport configuration shared by every session.
type ClientConfig struct {
	TLSInsecure    bool
	AcceptEncoding bool
	UserAgent      string
	DialTimeout    time.Duration
	// IOSlice bounds every read and write; an expired slice means "no data yet".
	IOSlice        time.Duration
	ReadBufferSize int
}

// DefaultClientConfig returns the transport defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		UserAgent:      "insightd/dev",
		DialTimeout:    10 * time.Second,
		IOSlice:        time.Millisecond,
		ReadBufferSize: 32 * 1024,
	}
}

// Dialer opens the underlying TCP connection.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Token identifies one submitted request for its whole lifetime.
type Token string

// NewToken returns a fresh random token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// State is the lifecycle position of a transport session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSending
	StateReceivingHeaders
	StateReceivingBody
	StateComplete
	StateError
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSending:
		return "sending"
	case StateReceivingHeaders:
		return "receiving_headers"
	case StateReceivingBody:
		return "receiving_body"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateTimeout
}

// EventKind distinguishes progress from terminal events.
type EventKind int

const (
	EventProgress EventKind = iota
	EventComplete
	EventFailed
)

// Event is produced by Machine.Step. Each token yields at most one
// EventComplete or EventFailed.
type Event struct {
	Token    Token
	Kind     EventKind
	Response *Response
	Err      error
	Received int64
	// Total is the announced body length, or -1 when unknown.
	Total int64
}
