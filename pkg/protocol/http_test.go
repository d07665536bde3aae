package protocol

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands out net.Pipe connections served by handler.
type pipeDialer struct {
	handler func(conn net.Conn)
	err     error
	calls   atomic.Int32
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	go d.handler(server)
	return client, nil
}

// respond reads one request and writes raw back before closing.
func respond(raw string, seen chan<- *http.Request) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		if req.Body != nil {
			io.Copy(io.Discard, req.Body)
		}
		if seen != nil {
			seen <- req
		}
		conn.Write([]byte(raw))
	}
}

func runUntilTerminal(t *testing.T, m *Machine) []Event {
	t.Helper()
	var events []Event
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range m.Step() {
			events = append(events, ev)
			if ev.Kind != EventProgress {
				return events
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no terminal event after %d events", len(events))
	return nil
}

func terminal(events []Event) Event {
	return events[len(events)-1]
}

func TestMachine_CompletesWithContentLength(t *testing.T) {
	seen := make(chan *http.Request, 1)
	d := &pipeDialer{handler: respond("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", seen)}
	m := NewMachine(ClientConfig{UserAgent: "insightd/test"}, WithDialer(d))

	token, err := m.Submit(&Request{
		URL:     "http://api.example.com/api/projects/1/insights/?short_id=abc",
		Headers: map[string]string{"X-Trace": "1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	state, ok := m.State(token)
	require.True(t, ok)
	assert.Equal(t, StateIdle, state)

	events := runUntilTerminal(t, m)
	last := terminal(events)
	require.Equal(t, EventComplete, last.Kind)
	assert.Equal(t, token, last.Token)
	assert.Equal(t, 200, last.Response.StatusCode)
	assert.Equal(t, int64(5), last.Response.ContentLength)
	assert.Equal(t, "hello", string(last.Response.Body))
	assert.Greater(t, last.Response.BytesWritten, int64(0))

	var progress int
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventProgress, ev.Kind)
		assert.Equal(t, int64(5), ev.Total)
		progress++
	}
	assert.GreaterOrEqual(t, progress, 1)

	req := <-seen
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/api/projects/1/insights/?short_id=abc", req.RequestURI)
	assert.Equal(t, "api.example.com", req.Host)
	assert.True(t, req.Close)
	assert.Equal(t, "insightd/test", req.UserAgent())
	assert.Equal(t, "1", req.Header.Get("X-Trace"))
	assert.Empty(t, req.Header.Get("Accept-Encoding"))

	assert.Equal(t, 0, m.Active())
	_, ok = m.State(token)
	assert.False(t, ok)
}

func TestMachine_CompletesOnCloseWithoutContentLength(t *testing.T) {
	d := &pipeDialer{handler: respond("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{\"result\":[1,2]}", nil)}
	m := NewMachine(ClientConfig{}, WithDialer(d))

	_, err := m.Submit(&Request{URL: "http://example.com"})
	require.NoError(t, err)

	last := terminal(runUntilTerminal(t, m))
	require.Equal(t, EventComplete, last.Kind)
	assert.Equal(t, int64(-1), last.Response.ContentLength)
	assert.Equal(t, `{"result":[1,2]}`, string(last.Response.Body))
}

func TestMachine_TruncatesBeyondContentLength(t *testing.T) {
	d := &pipeDialer{handler: respond("HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabcdef", nil)}
	m := NewMachine(ClientConfig{}, WithDialer(d))

	_, err := m.Submit(&Request{URL: "http://example.com/"})
	require.NoError(t, err)

	last := terminal(runUntilTerminal(t, m))
	require.Equal(t, EventComplete, last.Kind)
	assert.Equal(t, "abc", string(last.Response.Body))
}

func TestMachine_FailureKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind Kind
	}{
		{"closed before headers", "HTTP/1.1 200 OK\r\nContent-Len", KindTransport},
		{"closed mid body", "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc", KindProtocol},
		{"malformed status line", "SPDY/9 banana\r\n\r\n", KindParse},
		{"invalid content length", "HTTP/1.1 200 OK\r\nContent-Length: nope\r\n\r\n", KindParse},
		{"broken gzip", "HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: 3\r\n\r\nxyz", KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &pipeDialer{handler: respond(tt.raw, nil)}
			m := NewMachine(ClientConfig{}, WithDialer(d))

			_, err := m.Submit(&Request{URL: "http://example.com/"})
			require.NoError(t, err)

			last := terminal(runUntilTerminal(t, m))
			require.Equal(t, EventFailed, last.Kind)
			assert.Equal(t, tt.kind, KindOf(last.Err))
			assert.Equal(t, 0, m.Active())
		})
	}
}

func TestMachine_DialFailure(t *testing.T) {
	d := &pipeDialer{err: errors.New("connection refused")}
	m := NewMachine(ClientConfig{}, WithDialer(d))

	_, err := m.Submit(&Request{URL: "http://example.com/"})
	require.NoError(t, err)

	last := terminal(runUntilTerminal(t, m))
	require.Equal(t, EventFailed, last.Kind)
	assert.Equal(t, KindTransport, KindOf(last.Err))
	assert.True(t, IsRetryable(last.Err))
	assert.Contains(t, last.Err.Error(), "connection refused")
}

func TestMachine_SubmitRejectsBadURL(t *testing.T) {
	d := &pipeDialer{}
	m := NewMachine(ClientConfig{}, WithDialer(d))

	token, err := m.Submit(&Request{URL: "ftp://example.com/file"})
	require.Error(t, err)
	assert.Empty(t, token)
	assert.Equal(t, KindParse, KindOf(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, int32(0), d.calls.Load())
}

func TestMachine_CancelIsSilentAndReleases(t *testing.T) {
	closed := make(chan struct{})
	d := &pipeDialer{handler: func(conn net.Conn) {
		http.ReadRequest(bufio.NewReader(conn))
		// Never respond; wait for the client to hang up.
		io.Copy(io.Discard, conn)
		close(closed)
	}}
	m := NewMachine(ClientConfig{}, WithDialer(d))

	token, err := m.Submit(&Request{URL: "http://example.com/"})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.Empty(t, m.Step())
		if state, _ := m.State(token); state == StateReceivingHeaders {
			break
		}
		require.True(t, time.Now().Before(deadline), "session never reached receiving_headers")
		time.Sleep(time.Millisecond)
	}

	assert.True(t, m.Cancel(token))
	assert.False(t, m.Cancel(token))
	assert.Equal(t, 0, m.Active())

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed on cancel")
	}

	for i := 0; i < 10; i++ {
		assert.Empty(t, m.Step())
	}
}

func TestMachine_CancelDuringDialClosesLateConnection(t *testing.T) {
	release := make(chan struct{})
	served := make(chan struct{})
	d := &blockingDialer{release: release, served: served}
	m := NewMachine(ClientConfig{}, WithDialer(d))

	token, err := m.Submit(&Request{URL: "http://example.com/"})
	require.NoError(t, err)
	m.Step()
	state, _ := m.State(token)
	require.Equal(t, StateConnecting, state)

	require.True(t, m.Cancel(token))
	close(release)

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("late connection was not closed")
	}
	assert.Empty(t, m.Step())
}

// blockingDialer waits for release and then returns a pipe whose far end
// reports when it is closed.
type blockingDialer struct {
	release chan struct{}
	served  chan struct{}
}

func (d *blockingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	<-d.release
	client, server := net.Pipe()
	go func() {
		io.Copy(io.Discard, server)
		close(d.served)
	}()
	return client, nil
}

func TestMachine_ExpireMovesToTimeout(t *testing.T) {
	d := &pipeDialer{handler: func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	}}
	m := NewMachine(ClientConfig{}, WithDialer(d))

	token, err := m.Submit(&Request{URL: "http://example.com/"})
	require.NoError(t, err)
	m.Step()

	assert.True(t, m.Expire(token))
	assert.False(t, m.Expire(token))
	assert.Equal(t, 0, m.Active())
	assert.Empty(t, m.Step())
}

func TestMachine_CancelAll(t *testing.T) {
	d := &pipeDialer{handler: func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	}}
	m := NewMachine(ClientConfig{}, WithDialer(d))

	for i := 0; i < 3; i++ {
		_, err := m.Submit(&Request{URL: "http://example.com/"})
		require.NoError(t, err)
	}
	m.Step()
	assert.Equal(t, 3, m.Active())

	m.CancelAll()
	assert.Equal(t, 0, m.Active())
	assert.Empty(t, m.Step())
}

func TestMachine_SendsBody(t *testing.T) {
	seen := make(chan *http.Request, 1)
	var body []byte
	d := &pipeDialer{handler: func(conn net.Conn) {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		body, _ = io.ReadAll(req.Body)
		seen <- req
		conn.Write([]byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"))
	}}
	m := NewMachine(ClientConfig{}, WithDialer(d))

	_, err := m.Submit(&Request{URL: "http://example.com/ingest", Method: "POST", Body: []byte(`{"a":1}`)})
	require.NoError(t, err)

	last := terminal(runUntilTerminal(t, m))
	require.Equal(t, EventComplete, last.Kind)
	assert.Equal(t, 204, last.Response.StatusCode)
	assert.Empty(t, last.Response.Body)

	req := <-seen
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, int64(7), req.ContentLength)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, `{"a":1}`, string(body))
}

func TestMachine_DecodesCompressedBodies(t *testing.T) {
	payload := []byte(`{"result":[{"v":1}]}`)

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write(payload)
	zw.Close()

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write(payload)
	bw.Close()

	tests := []struct {
		encoding string
		body     []byte
	}{
		{"gzip", gz.Bytes()},
		{"br", br.Bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			seen := make(chan *http.Request, 1)
			raw := "HTTP/1.1 200 OK\r\nContent-Encoding: " + tt.encoding + "\r\n\r\n" + string(tt.body)
			d := &pipeDialer{handler: respond(raw, seen)}
			m := NewMachine(ClientConfig{AcceptEncoding: true}, WithDialer(d))

			_, err := m.Submit(&Request{URL: "http://example.com/"})
			require.NoError(t, err)

			last := terminal(runUntilTerminal(t, m))
			require.Equal(t, EventComplete, last.Kind)
			assert.Equal(t, tt.encoding, last.Response.ContentEncoding)
			assert.Equal(t, payload, last.Response.Body)
			assert.Equal(t, "br, gzip", (<-seen).Header.Get("Accept-Encoding"))
		})
	}
}

func TestMachine_Loopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer srv.Close()

	m := NewMachine(ClientConfig{})
	_, err := m.Submit(&Request{URL: srv.URL + "/ping"})
	require.NoError(t, err)

	last := terminal(runUntilTerminal(t, m))
	require.Equal(t, EventComplete, last.Kind)
	assert.Equal(t, 200, last.Response.StatusCode)
	assert.Equal(t, `{"path":"/ping"}`, string(last.Response.Body))
}

func TestMachine_LoopbackTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	m := NewMachine(ClientConfig{TLSInsecure: true})
	_, err := m.Submit(&Request{URL: srv.URL + "/"})
	require.NoError(t, err)

	last := terminal(runUntilTerminal(t, m))
	require.Equal(t, EventComplete, last.Kind)
	assert.Equal(t, http.StatusTeapot, last.Response.StatusCode)
	assert.Equal(t, "short and stout", string(last.Response.Body))
}

func TestParseHead(t *testing.T) {
	status, length, encoding, err := parseHead([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 12\r\nContent-Encoding: GZIP"))
	require.NoError(t, err)
	assert.Equal(t, 404, status)
	assert.Equal(t, int64(12), length)
	assert.Equal(t, "gzip", encoding)

	// Header matching is case-sensitive.
	_, length, _, err = parseHead([]byte("HTTP/1.0 200 OK\r\ncontent-length: 12"))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), length)

	_, _, _, err = parseHead([]byte("HTTP/1.1 2x0 OK"))
	assert.Equal(t, KindParse, KindOf(err))
}
