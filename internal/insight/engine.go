package insight

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/insightd/internal/config"
	"github.com/insightd/internal/health"
	"github.com/insightd/internal/notify"
	"github.com/insightd/internal/orchestrator"
	"github.com/insightd/pkg/protocol"
	"github.com/sony/gobreaker"
)

// Mode is the server-side cache mode of a fetch.
type Mode string

const (
	// ModePreferCached returns a cached result, computing it only on a miss.
	ModePreferCached Mode = "force_cache"
	// ModeRecompute always recomputes synchronously.
	ModeRecompute Mode = "blocking"
)

// ErrNotReady is returned when connectivity or credentials are missing.
var ErrNotReady = &protocol.Error{
	Kind: protocol.KindNotReady,
	Op:   "fetch insight",
	Err:  errors.New("system not ready"),
}

// Readiness reports whether the system is connected and operational.
type Readiness interface {
	Ready() bool
}

// ReadinessFunc adapts a function to Readiness.
type ReadinessFunc func() bool

// Ready implements Readiness.
func (f ReadinessFunc) Ready() bool { return f() }

// CredentialSource supplies the account snapshot for each fetch.
type CredentialSource interface {
	Credentials() config.Credentials
}

// Orchestrator is the subset of *orchestrator.Orchestrator the engine uses.
type Orchestrator interface {
	Submit(job orchestrator.Job) error
	Step() []orchestrator.Completion
	InFlight(key string) bool
	CancelAll()
}

// Record is a cached insight payload.
type Record struct {
	Body      []byte
	FetchedAt time.Time
}

// fetch is the bookkeeping for the single in-flight request of an insight.
type fetch struct {
	mode    Mode
	started time.Time
	// ticket reports the outcome to the circuit breaker; nil without one.
	ticket func(success bool)
}

// Engine keeps the insight cache fresh and publishes notifications about it.
// It is not safe for concurrent use; the network context owns it.
type Engine struct {
	cache   config.Cache
	retry   config.Retry
	orch    Orchestrator
	queue   *notify.Queue
	creds   CredentialSource
	ready   Readiness
	metrics *health.Metrics
	clock   clock.Clock
	breaker *gobreaker.TwoStepCircuitBreaker

	records     map[string]Record
	known       []string
	knownSet    map[string]struct{}
	cursor      int
	pending     map[string]fetch
	lastRefresh time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithBreaker gates fetches behind an upstream circuit breaker.
func WithBreaker(cb *gobreaker.TwoStepCircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// NewEngine creates a new insight engine.
func NewEngine(cache config.Cache, retry config.Retry, orch Orchestrator, queue *notify.Queue,
	creds CredentialSource, ready Readiness, metrics *health.Metrics, opts ...Option) *Engine {
	e := &Engine{
		cache:    cache,
		retry:    retry,
		orch:     orch,
		queue:    queue,
		creds:    creds,
		ready:    ready,
		metrics:  metrics,
		clock:    clock.New(),
		records:  make(map[string]Record),
		knownSet: make(map[string]struct{}),
		pending:  make(map[string]fetch),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.lastRefresh = e.clock.Now()
	return e
}

// NewBreaker builds the upstream circuit breaker described by cfg.
func NewBreaker(cfg config.Breaker) *gobreaker.TwoStepCircuitBreaker {
	threshold := cfg.FailureThreshold
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[insight] breaker %s: %s -> %s", name, from, to)
		},
	})
}

// RequestInsight registers id for periodic refresh and starts loading it.
// Fresh cached data is published immediately and revalidated in the
// background. ErrNotReady is returned, with nothing published, when a fetch
// is required but cannot be made.
func (e *Engine) RequestInsight(id string, forceRefresh bool) error {
	if id == "" {
		return errors.New("insight id is required")
	}
	e.track(id)

	if !forceRefresh {
		if rec, ok := e.records[id]; ok && e.fresh(rec) {
			e.metrics.RecordCacheRead("fresh")
			e.publish(notify.Notification{
				InsightID: id,
				Kind:      notify.KindDataAvailable,
				Payload:   bytes.Clone(rec.Body),
			})
			if ticket, err := e.admit(id, nil); err == nil {
				e.submit(id, ModePreferCached, ticket)
			}
			return nil
		}
	}

	if _, ok := e.records[id]; ok && !forceRefresh {
		e.metrics.RecordCacheRead("stale")
	} else if !forceRefresh {
		e.metrics.RecordCacheRead("miss")
	}

	ticket, err := e.admit(id, nil)
	if err != nil {
		return err
	}

	e.publish(notify.Notification{InsightID: id, Kind: notify.KindStateChanged, State: notify.StateLoading})

	mode := ModePreferCached
	if forceRefresh {
		mode = ModeRecompute
	}
	return e.submit(id, mode, ticket)
}

// Step handles finished requests and runs the periodic refresh schedule.
func (e *Engine) Step() {
	for _, c := range e.orch.Step() {
		e.complete(c)
	}

	now := e.clock.Now()
	if now.Sub(e.lastRefresh) >= e.cache.RefreshInterval && e.readyNow() {
		e.lastRefresh = now
		e.refreshNext()
	}

	if e.breaker != nil {
		e.metrics.SetBreakerState(int(e.breaker.State()))
	}
}

// Cached returns the cached payload for id while it is fresh.
func (e *Engine) Cached(id string) ([]byte, bool) {
	rec, ok := e.records[id]
	if !ok || !e.fresh(rec) {
		return nil, false
	}
	return bytes.Clone(rec.Body), true
}

// Known returns the tracked insight ids in rotation order.
func (e *Engine) Known() []string {
	return append([]string(nil), e.known...)
}

// Close cancels all outstanding requests.
func (e *Engine) Close() {
	e.orch.CancelAll()
	e.pending = make(map[string]fetch)
}

func (e *Engine) track(id string) {
	if _, ok := e.knownSet[id]; ok {
		return
	}
	e.knownSet[id] = struct{}{}
	e.known = append(e.known, id)
	e.metrics.SetTracked(len(e.known))
}

func (e *Engine) fresh(rec Record) bool {
	return e.clock.Since(rec.FetchedAt) < e.cache.StaleAfter
}

func (e *Engine) readyNow() bool {
	if !e.creds.Credentials().Valid() || !e.ready.Ready() {
		return false
	}
	return e.breaker == nil || e.breaker.State() != gobreaker.StateOpen
}

// admit checks readiness and takes a breaker ticket. A ticket already held
// by a superseded fetch for id is reused.
func (e *Engine) admit(id string, ticket func(bool)) (func(bool), error) {
	if !e.creds.Credentials().Valid() || !e.ready.Ready() {
		return nil, ErrNotReady
	}
	if ticket != nil {
		return ticket, nil
	}
	if p, ok := e.pending[id]; ok && p.ticket != nil {
		return p.ticket, nil
	}
	if e.breaker == nil {
		return nil, nil
	}
	done, err := e.breaker.Allow()
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindNotReady, Op: "fetch insight", Err: err}
	}
	return done, nil
}

func (e *Engine) submit(id string, mode Mode, ticket func(bool)) error {
	creds := e.creds.Credentials()
	req := &protocol.Request{
		URL:        insightURL(creds, id, mode),
		Method:     "GET",
		Headers:    map[string]string{"Accept": "application/json"},
		Timeout:    e.retry.Timeout,
		MaxRetries: e.retry.MaxRetries,
	}

	if err := e.orch.Submit(orchestrator.Job{Key: id, Request: req}); err != nil {
		delete(e.pending, id)
		if ticket != nil {
			ticket(false)
		}
		e.fail(id, err.Error())
		return err
	}

	e.pending[id] = fetch{mode: mode, started: e.clock.Now(), ticket: ticket}
	return nil
}

func (e *Engine) complete(c orchestrator.Completion) {
	id := c.Key
	f, ok := e.pending[id]
	if !ok {
		return
	}
	delete(e.pending, id)

	if c.Err != nil {
		f.report(false)
		e.fail(id, c.Err.Error())
		return
	}
	if c.Response.StatusCode != 200 {
		f.report(false)
		e.fail(id, fmt.Sprintf("HTTP %d", c.Response.StatusCode))
		return
	}

	empty, err := emptyResult(c.Response.Body)
	if err != nil {
		f.report(false)
		e.fail(id, protocol.Wrap(protocol.KindParse, "decode insight", err).Error())
		return
	}

	if empty && f.mode == ModePreferCached {
		log.Printf("[insight] cache miss for %s, escalating to %s", id, ModeRecompute)
		e.metrics.IncEscalations()
		ticket, err := e.admit(id, f.ticket)
		if err != nil {
			f.report(true)
			e.fail(id, "escalation skipped: "+err.Error())
			return
		}
		e.submit(id, ModeRecompute, ticket)
		return
	}

	f.report(true)
	e.records[id] = Record{Body: c.Response.Body, FetchedAt: e.clock.Now()}
	e.publish(notify.Notification{
		InsightID: id,
		Kind:      notify.KindDataAvailable,
		Payload:   bytes.Clone(c.Response.Body),
	})
	e.publish(notify.Notification{InsightID: id, Kind: notify.KindStateChanged, State: notify.StateSuccess})
}

func (e *Engine) fail(id, reason string) {
	log.Printf("[insight] %s failed: %s", id, reason)
	e.publish(notify.Notification{InsightID: id, Kind: notify.KindError, Reason: reason})
	e.publish(notify.Notification{InsightID: id, Kind: notify.KindStateChanged, State: notify.StateError})
}

// refreshNext issues a cache-preferring fetch for the next tracked insight
// that has no request in flight.
func (e *Engine) refreshNext() {
	n := len(e.known)
	for i := 0; i < n; i++ {
		idx := (e.cursor + i) % n
		id := e.known[idx]
		if e.orch.InFlight(id) {
			continue
		}
		e.cursor = (idx + 1) % n

		ticket, err := e.admit(id, nil)
		if err != nil {
			return
		}
		log.Printf("[insight] auto-refreshing %s", id)
		e.submit(id, ModePreferCached, ticket)
		return
	}
}

func (e *Engine) publish(n notify.Notification) {
	n.At = e.clock.Now()
	e.queue.Publish(n)
	e.metrics.RecordNotification(n.Kind.String())
}

func (f fetch) report(success bool) {
	if f.ticket != nil {
		f.ticket(success)
	}
}

// insightURL builds the insight query for the given cache mode.
func insightURL(creds config.Credentials, id string, mode Mode) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(creds.Host(), "/"))
	fmt.Fprintf(&b, "/api/projects/%d/insights/", creds.TeamID)
	b.WriteString("?refresh=" + url.QueryEscape(string(mode)))
	b.WriteString("&short_id=" + url.QueryEscape(id))
	b.WriteString("&personal_api_key=" + url.QueryEscape(creds.APIKey))
	return b.String()
}
