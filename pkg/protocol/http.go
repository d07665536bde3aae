package protocol

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/benbjohnson/clock"
)

const maxHeaderBytes = 64 * 1024

var headerDelimiter = []byte("\r\n\r\n")

// Machine drives any number of HTTP/1.1 request sessions without blocking.
// All methods must be called from a single goroutine.
type Machine struct {
	cfg     ClientConfig
	dialer  Dialer
	clock   clock.Clock
	bufPool sync.Pool

	sessions map[Token]*session
	order    []Token
}

// Option configures a Machine.
type Option func(*Machine)

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(m *Machine) { m.dialer = d }
}

// WithClock replaces the clock used for activity timestamps and durations.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// NewMachine creates a new transport state machine.
func NewMachine(cfg ClientConfig, opts ...Option) *Machine {
	def := DefaultClientConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.IOSlice <= 0 {
		cfg.IOSlice = def.IOSlice
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	m := &Machine{
		cfg: cfg,
		dialer: &net.Dialer{
			KeepAlive: 30 * time.Second,
		},
		clock:    clock.New(),
		sessions: make(map[Token]*session),
	}
	size := cfg.ReadBufferSize
	m.bufPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, size)
			return &buf
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit registers a request and returns its token. It never touches the network.
func (m *Machine) Submit(req *Request) (Token, error) {
	target, err := ParseTarget(req.URL)
	if err != nil {
		return "", err
	}

	token := NewToken()
	now := m.clock.Now()
	m.sessions[token] = &session{
		token:        token,
		target:       target,
		out:          m.encode(req, target),
		length:       -1,
		started:      now,
		lastActivity: now,
	}
	m.order = append(m.order, token)
	return token, nil
}

// Step advances every session by one non-blocking unit of work and returns
// the events produced along the way.
func (m *Machine) Step() []Event {
	var events []Event
	for _, token := range m.order {
		s, ok := m.sessions[token]
		if !ok {
			continue
		}
		events = m.advance(s, events)
		if s.state.Terminal() {
			m.remove(token)
		}
	}
	m.compact()
	return events
}

// Cancel tears the session down without producing any event.
func (m *Machine) Cancel(token Token) bool {
	s, ok := m.sessions[token]
	if !ok {
		return false
	}
	s.state = StateError
	m.remove(token)
	m.compact()
	return true
}

// Expire moves the session to StateTimeout and releases it. The caller owns
// reporting the timeout.
func (m *Machine) Expire(token Token) bool {
	s, ok := m.sessions[token]
	if !ok {
		return false
	}
	s.state = StateTimeout
	m.remove(token)
	m.compact()
	return true
}

// CancelAll releases every live session.
func (m *Machine) CancelAll() {
	for token, s := range m.sessions {
		s.state = StateError
		s.release()
		delete(m.sessions, token)
	}
	m.order = m.order[:0]
}

// State returns the current state of a live session.
func (m *Machine) State(token Token) (State, bool) {
	s, ok := m.sessions[token]
	if !ok {
		return StateIdle, false
	}
	return s.state, true
}

// LastActivity returns the time the session last made progress.
func (m *Machine) LastActivity(token Token) (time.Time, bool) {
	s, ok := m.sessions[token]
	if !ok {
		return time.Time{}, false
	}
	return s.lastActivity, true
}

// Active returns the number of live sessions.
func (m *Machine) Active() int {
	return len(m.sessions)
}

func (m *Machine) remove(token Token) {
	if s, ok := m.sessions[token]; ok {
		s.release()
		delete(m.sessions, token)
	}
}

func (m *Machine) compact() {
	live := m.order[:0]
	for _, token := range m.order {
		if _, ok := m.sessions[token]; ok {
			live = append(live, token)
		}
	}
	m.order = live
}

func (m *Machine) advance(s *session, events []Event) []Event {
	switch s.state {
	case StateIdle:
		m.dial(s)
	case StateConnecting:
		return m.connect(s, events)
	case StateSending:
		return m.send(s, events)
	case StateReceivingHeaders, StateReceivingBody:
		return m.receive(s, events)
	}
	return events
}

func (m *Machine) dial(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	pd := &pendingDial{cancel: cancel}
	s.dial = pd
	s.state = StateConnecting

	target := s.target
	insecure := m.cfg.TLSInsecure
	dialer := m.dialer
	go func() {
		defer cancel()
		conn, err := dialer.DialContext(ctx, "tcp", target.Address())
		if err == nil && target.TLS() {
			tlsConn := tls.Client(conn, &tls.Config{
				ServerName:         target.Host,
				InsecureSkipVerify: insecure,
			})
			if herr := tlsConn.HandshakeContext(ctx); herr != nil {
				conn.Close()
				conn, err = nil, herr
			} else {
				conn = tlsConn
			}
		}
		pd.finish(conn, err)
	}()
}

func (m *Machine) connect(s *session, events []Event) []Event {
	conn, done, err := s.dial.take()
	if !done {
		return events
	}
	s.dial = nil
	if err != nil {
		return m.fail(s, events, Wrap(KindTransport, "connect", err))
	}
	s.conn = conn
	s.state = StateSending
	s.lastActivity = m.clock.Now()
	return events
}

func (m *Machine) send(s *session, events []Event) []Event {
	s.conn.SetWriteDeadline(time.Now().Add(m.cfg.IOSlice))
	n, err := s.conn.Write(s.out[s.written:])
	if n > 0 {
		s.written += n
		s.lastActivity = m.clock.Now()
	}
	if err != nil {
		// A timed out TLS write leaves the record layer corrupt.
		if !isTimeout(err) || s.target.TLS() {
			return m.fail(s, events, Wrap(KindTransport, "write request", err))
		}
	}
	if s.written >= len(s.out) {
		s.state = StateReceivingHeaders
	}
	return events
}

func (m *Machine) receive(s *session, events []Event) []Event {
	bufPtr := m.bufPool.Get().(*[]byte)
	defer m.bufPool.Put(bufPtr)
	buf := *bufPtr

	s.conn.SetReadDeadline(time.Now().Add(m.cfg.IOSlice))
	n, err := s.conn.Read(buf)
	if n > 0 {
		s.bytesRead += int64(n)
		s.lastActivity = m.clock.Now()
		var perr error
		events, perr = m.consume(s, buf[:n], events)
		if perr != nil {
			return m.fail(s, events, perr)
		}
		if s.state.Terminal() {
			return events
		}
	}
	if err == nil || isTimeout(err) {
		return events
	}
	if !errors.Is(err, io.EOF) {
		return m.fail(s, events, Wrap(KindTransport, "read response", err))
	}

	switch {
	case s.state == StateReceivingHeaders:
		return m.fail(s, events, Errorf(KindTransport, "read response", "connection closed before headers"))
	case s.length >= 0:
		return m.fail(s, events, Errorf(KindProtocol, "read response",
			"connection closed after %d of %d body bytes", s.body.Len(), s.length))
	default:
		return m.complete(s, events)
	}
}

func (m *Machine) consume(s *session, data []byte, events []Event) ([]Event, error) {
	if s.state == StateReceivingHeaders {
		s.header = append(s.header, data...)
		idx := bytes.Index(s.header, headerDelimiter)
		if idx < 0 {
			if len(s.header) > maxHeaderBytes {
				return events, Errorf(KindParse, "parse headers", "header block exceeds %d bytes", maxHeaderBytes)
			}
			return events, nil
		}
		status, length, encoding, err := parseHead(s.header[:idx])
		if err != nil {
			return events, err
		}
		s.status, s.length, s.encoding = status, length, encoding
		s.state = StateReceivingBody
		data = s.header[idx+len(headerDelimiter):]
		s.header = s.header[:idx]
	}

	if len(data) > 0 {
		s.body.Write(data)
		events = append(events, Event{
			Token:    s.token,
			Kind:     EventProgress,
			Received: int64(s.body.Len()),
			Total:    s.length,
		})
	}
	if s.length >= 0 && int64(s.body.Len()) >= s.length {
		s.body.Truncate(int(s.length))
		return m.complete(s, events), nil
	}
	return events, nil
}

func (m *Machine) complete(s *session, events []Event) []Event {
	body, err := decodeBody(s.encoding, s.body.Bytes())
	if err != nil {
		return m.fail(s, events, Wrap(KindProtocol, "decode body", err))
	}
	s.state = StateComplete
	s.release()
	return append(events, Event{
		Token: s.token,
		Kind:  EventComplete,
		Response: &Response{
			StatusCode:      s.status,
			ContentLength:   s.length,
			ContentEncoding: s.encoding,
			Body:            body,
			Duration:        m.clock.Since(s.started),
			BytesRead:       s.bytesRead,
			BytesWritten:    int64(s.written),
		},
	})
}

func (m *Machine) fail(s *session, events []Event, err error) []Event {
	s.state = StateError
	s.release()
	return append(events, Event{Token: s.token, Kind: EventFailed, Err: err})
}

func (m *Machine) encode(req *Request, target Target) []byte {
	method := req.Method
	if method == "" {
		method = "GET"
	}

	var b bytes.Buffer
	b.WriteString(method + " " + target.Path + " HTTP/1.1\r\n")
	b.WriteString("Host: " + target.HostHeader() + "\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("User-Agent: " + m.cfg.UserAgent + "\r\n")
	if m.cfg.AcceptEncoding {
		b.WriteString("Accept-Encoding: br, gzip\r\n")
	}

	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + req.Headers[k] + "\r\n")
	}

	if len(req.Body) > 0 {
		if _, ok := req.Headers["Content-Type"]; !ok {
			b.WriteString("Content-Type: application/json\r\n")
		}
		b.WriteString("Content-Length: " + strconv.Itoa(len(req.Body)) + "\r\n")
	}
	b.WriteString("\r\n")
	b.Write(req.Body)
	return b.Bytes()
}

// parseHead extracts the status code and the body framing headers.
func parseHead(head []byte) (status int, length int64, encoding string, err error) {
	lines := strings.Split(string(head), "\r\n")
	statusLine := lines[0]
	fields := strings.SplitN(statusLine, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") || len(fields[1]) != 3 {
		return 0, -1, "", Errorf(KindParse, "parse headers", "malformed status line %q", statusLine)
	}
	status, convErr := strconv.Atoi(fields[1])
	if convErr != nil {
		return 0, -1, "", Errorf(KindParse, "parse headers", "malformed status code %q", fields[1])
	}

	length = -1
	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, "Content-Length:"):
			v := strings.TrimSpace(line[len("Content-Length:"):])
			length, convErr = strconv.ParseInt(v, 10, 64)
			if convErr != nil || length < 0 {
				return 0, -1, "", Errorf(KindParse, "parse headers", "invalid Content-Length %q", v)
			}
		case strings.HasPrefix(line, "Content-Encoding:"):
			encoding = strings.ToLower(strings.TrimSpace(line[len("Content-Encoding:"):]))
		}
	}
	return status, length, encoding, nil
}

func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return bytes.Clone(body), nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// session exclusively owns one connection attempt.
type session struct {
	token  Token
	target Target
	state  State

	dial *pendingDial
	conn net.Conn

	out     []byte
	written int

	header   []byte
	body     bytes.Buffer
	status   int
	length   int64
	encoding string

	bytesRead    int64
	started      time.Time
	lastActivity time.Time
	released     bool
}

// release closes everything the session owns. Safe to call more than once.
func (s *session) release() {
	if s.released {
		return
	}
	s.released = true
	if s.dial != nil {
		s.dial.abandon()
		s.dial = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// pendingDial hands the result of the dial goroutine back to Step.
type pendingDial struct {
	mu        sync.Mutex
	done      bool
	abandoned bool
	conn      net.Conn
	err       error
	cancel    context.CancelFunc
}

func (p *pendingDial) finish(conn net.Conn, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abandoned {
		if conn != nil {
			conn.Close()
		}
		return
	}
	p.done, p.conn, p.err = true, conn, err
}

func (p *pendingDial) take() (net.Conn, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		return nil, false, nil
	}
	conn := p.conn
	p.conn = nil
	return conn, true, p.err
}

func (p *pendingDial) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned = true
	p.cancel()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
