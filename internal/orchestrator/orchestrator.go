package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/insightd/internal/config"
	"github.com/insightd/internal/health"
	"github.com/insightd/pkg/protocol"
	"golang.org/x/time/rate"
)

// Transport is the non-blocking request engine the orchestrator drives.
// *protocol.Machine implements it.
type Transport interface {
	Submit(req *protocol.Request) (protocol.Token, error)
	Step() []protocol.Event
	Cancel(token protocol.Token) bool
	Expire(token protocol.Token) bool
	LastActivity(token protocol.Token) (time.Time, bool)
}

// Job describes one logical request. Exactly one of Request and Func is set.
type Job struct {
	Key     string
	Request *protocol.Request
	// Func runs on its own goroutine; its context is cancelled on timeout
	// or cancellation.
	Func func(ctx context.Context) (*protocol.Response, error)
	// Timeout bounds each attempt. Zero falls back to Request.Timeout and
	// then to the configured default.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero
	// falls back to Request.MaxRetries.
	MaxRetries int
}

// Completion is the terminal result of a job.
type Completion struct {
	Key      string
	Response *protocol.Response
	Err      error
	Attempts int
	Duration time.Duration
}

// FailureError is returned in a Completion once a job will not be retried.
type FailureError struct {
	Key        string
	Attempts   int
	MaxRetries int
	Exhausted  bool
	Err        error
}

func (e *FailureError) Error() string {
	switch {
	case e.Exhausted:
		return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Err)
	case e.MaxRetries == 0 && protocol.IsRetryable(e.Err):
		return fmt.Sprintf("request failed (no retries configured): %v", e.Err)
	default:
		return fmt.Sprintf("request failed: %v", e.Err)
	}
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

type funcResult struct {
	resp *protocol.Response
	err  error
}

// job is the orchestrator-owned record of a submitted Job.
type job struct {
	Job

	attempts  int
	retries   int
	running   bool
	notBefore time.Time

	token  protocol.Token
	result chan funcResult
	cancel context.CancelFunc

	submitted    time.Time
	attemptStart time.Time
	lastActivity time.Time
}

// Orchestrator applies retry, backoff, timeout, cancellation and
// de-duplication on top of a Transport.
type Orchestrator struct {
	cfg       config.Retry
	transport Transport
	metrics   *health.Metrics
	clock     clock.Clock
	limiter   *rate.Limiter

	jobs    map[string]*job
	order   []string
	byToken map[protocol.Token]string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// New creates a new orchestrator.
func New(cfg config.Retry, transport Transport, metrics *health.Metrics, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		transport: transport,
		metrics:   metrics,
		clock:     clock.New(),
		jobs:      make(map[string]*job),
		byToken:   make(map[protocol.Token]string),
	}
	if cfg.AttemptRate > 0 {
		burst := cfg.AttemptBurst
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(cfg.AttemptRate), burst)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit registers a job. A job already registered under the same key is
// cancelled first. Malformed URLs are rejected without registering anything.
func (o *Orchestrator) Submit(j Job) error {
	if j.Key == "" {
		return errors.New("job key is required")
	}
	if (j.Request == nil) == (j.Func == nil) {
		return fmt.Errorf("job %s: exactly one of request and func is required", j.Key)
	}
	if j.Request != nil {
		if _, err := protocol.ParseTarget(j.Request.URL); err != nil {
			return err
		}
		if j.Timeout <= 0 {
			j.Timeout = j.Request.Timeout
		}
		if j.MaxRetries == 0 {
			j.MaxRetries = j.Request.MaxRetries
		}
	}
	if j.Timeout <= 0 {
		j.Timeout = o.cfg.Timeout
	}
	if j.MaxRetries < 0 {
		j.MaxRetries = 0
	}

	if o.Cancel(j.Key) {
		log.Printf("[orchestrator] replaced in-flight request %s", j.Key)
	}

	o.jobs[j.Key] = &job{Job: j, submitted: o.clock.Now()}
	o.order = append(o.order, j.Key)
	o.metrics.SetInFlight(len(o.jobs))
	return nil
}

// Cancel removes a job and tears down its live session. No completion is
// ever reported for a cancelled job.
func (o *Orchestrator) Cancel(key string) bool {
	j, ok := o.jobs[key]
	if !ok {
		return false
	}
	o.stopAttempt(j, false)
	delete(o.jobs, key)
	o.compact()
	o.metrics.RecordRequest(health.OutcomeCancelled, 0)
	o.metrics.SetInFlight(len(o.jobs))
	return true
}

// CancelAll cancels every job.
func (o *Orchestrator) CancelAll() {
	for _, key := range append([]string(nil), o.order...) {
		o.Cancel(key)
	}
}

// InFlight reports whether a job is registered under key.
func (o *Orchestrator) InFlight(key string) bool {
	_, ok := o.jobs[key]
	return ok
}

// Active returns the number of registered jobs.
func (o *Orchestrator) Active() int {
	return len(o.jobs)
}

// Step starts due attempts, pumps the transport, checks timeouts and
// returns the jobs that finished during this call.
func (o *Orchestrator) Step() []Completion {
	var done []Completion
	now := o.clock.Now()

	for _, key := range o.order {
		j, ok := o.jobs[key]
		if !ok || j.running || now.Before(j.notBefore) {
			continue
		}
		if o.limiter != nil && !o.limiter.AllowN(now, 1) {
			break
		}
		done = o.start(j, now, done)
	}

	for _, ev := range o.transport.Step() {
		key, ok := o.byToken[ev.Token]
		if !ok {
			continue
		}
		j := o.jobs[key]
		switch ev.Kind {
		case protocol.EventProgress:
			j.lastActivity = now
		case protocol.EventComplete:
			o.stopAttempt(j, true)
			done = o.finish(j, ev.Response, nil, now, done)
		case protocol.EventFailed:
			o.stopAttempt(j, true)
			done = o.finish(j, nil, ev.Err, now, done)
		}
	}

	for _, key := range o.order {
		j, ok := o.jobs[key]
		if !ok || !j.running {
			continue
		}
		if j.Func != nil {
			select {
			case r := <-j.result:
				o.stopAttempt(j, true)
				done = o.finish(j, r.resp, r.err, now, done)
				continue
			default:
			}
		}
		done = o.checkTimeouts(j, now, done)
	}

	o.compact()
	o.metrics.SetInFlight(len(o.jobs))
	return done
}

func (o *Orchestrator) start(j *job, now time.Time, done []Completion) []Completion {
	j.attempts++
	j.attemptStart, j.lastActivity = now, now
	o.metrics.IncAttempts()

	if j.Func != nil {
		ctx, cancel := context.WithCancel(context.Background())
		result := make(chan funcResult, 1)
		j.cancel, j.result, j.running = cancel, result, true
		fn := j.Func
		go func() {
			resp, err := fn(ctx)
			result <- funcResult{resp: resp, err: err}
		}()
		return done
	}

	token, err := o.transport.Submit(j.Request)
	if err != nil {
		return o.finish(j, nil, err, now, done)
	}
	j.token, j.running = token, true
	o.byToken[token] = j.Key
	return done
}

// stopAttempt ends the live attempt. settled means the transport already
// reached a terminal state on its own.
func (o *Orchestrator) stopAttempt(j *job, settled bool) {
	if !j.running {
		return
	}
	j.running = false
	if j.Func != nil {
		j.cancel()
		j.cancel, j.result = nil, nil
		return
	}
	if !settled {
		o.transport.Cancel(j.token)
	}
	delete(o.byToken, j.token)
	j.token = ""
}

func (o *Orchestrator) checkTimeouts(j *job, now time.Time, done []Completion) []Completion {
	if j.Func == nil {
		if t, ok := o.transport.LastActivity(j.token); ok && t.After(j.lastActivity) {
			j.lastActivity = t
		}
	}

	var err error
	switch {
	case now.Sub(j.attemptStart) > j.Timeout:
		err = protocol.Errorf(protocol.KindTimeout, "request", "timed out after %s", j.Timeout)
	case j.Func == nil && now.Sub(j.lastActivity) > o.cfg.ActivityTimeout:
		err = protocol.Errorf(protocol.KindTimeout, "request", "no activity for %s", o.cfg.ActivityTimeout)
	default:
		return done
	}

	if j.Func == nil {
		o.transport.Expire(j.token)
		delete(o.byToken, j.token)
		j.token = ""
		j.running = false
	} else {
		o.stopAttempt(j, false)
	}
	return o.finish(j, nil, err, now, done)
}

// finish records the outcome of one attempt and decides between retry and
// completion.
func (o *Orchestrator) finish(j *job, resp *protocol.Response, err error, now time.Time, done []Completion) []Completion {
	if err == nil && resp != nil && resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		err = &protocol.Error{
			Kind:       protocol.KindProtocol,
			Op:         "request",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	if err == nil {
		o.metrics.RecordRequest(health.OutcomeSuccess, now.Sub(j.attemptStart))
		return o.complete(j, Completion{Response: resp}, now, done)
	}

	log.Printf("[orchestrator] %s attempt %d failed: %v", j.Key, j.attempts, err)

	if !protocol.IsRetryable(err) {
		return o.fail(j, false, err, now, done)
	}

	j.retries++
	if j.retries > j.MaxRetries {
		return o.fail(j, j.MaxRetries > 0, err, now, done)
	}

	delay := Backoff(j.retries, o.cfg.BaseDelay, o.cfg.MaxDelay)
	j.notBefore = now.Add(delay)
	o.metrics.IncRetries()
	log.Printf("[orchestrator] retrying %s in %s (%d/%d)", j.Key, delay, j.retries, j.MaxRetries)
	return done
}

func (o *Orchestrator) fail(j *job, exhausted bool, err error, now time.Time, done []Completion) []Completion {
	o.metrics.RecordRequest(health.OutcomeFailure, now.Sub(j.attemptStart))
	return o.complete(j, Completion{Err: &FailureError{
		Key:        j.Key,
		Attempts:   j.attempts,
		MaxRetries: j.MaxRetries,
		Exhausted:  exhausted,
		Err:        err,
	}}, now, done)
}

func (o *Orchestrator) complete(j *job, c Completion, now time.Time, done []Completion) []Completion {
	c.Key = j.Key
	c.Attempts = j.attempts
	c.Duration = now.Sub(j.submitted)
	delete(o.jobs, j.Key)
	return append(done, c)
}

func (o *Orchestrator) compact() {
	live := o.order[:0]
	for _, key := range o.order {
		if _, ok := o.jobs[key]; ok {
			live = append(live, key)
		}
	}
	o.order = live
}

// Backoff returns the delay before retry n (1-indexed):
// min(base * 2^(n-1), ceiling).
func Backoff(n int, base, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		if d >= ceiling {
			break
		}
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}
