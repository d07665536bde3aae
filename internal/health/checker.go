package health

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/insightd/internal/config"
)

// ProbeTarget returns the URL to probe; it is re-read on every check so
// reloaded credentials take effect.
type ProbeTarget func() string

// Checker periodically probes the upstream API and reports readiness.
type Checker struct {
	cfg     config.Health
	target  ProbeTarget
	metrics *Metrics
	client  *http.Client

	mu     sync.RWMutex
	ready  bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker creates a new connectivity checker.
func NewChecker(cfg config.Health, target ProbeTarget, metrics *Metrics) *Checker {
	if cfg.ProbeURL != "" {
		probe := cfg.ProbeURL
		target = func() string { return probe }
	}
	return &Checker{
		cfg:     cfg,
		target:  target,
		metrics: metrics,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Start probes once and then keeps probing every interval.
// A disabled checker always reports ready.
func (c *Checker) Start(ctx context.Context) {
	if !c.cfg.Enabled {
		c.setReady(true)
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.check(ctx)
	go c.run(ctx)
}

// run is the main probe loop.
func (c *Checker) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

// check performs a single probe. Any HTTP response below 500 counts as
// connected; authentication is the engine's concern.
func (c *Checker) check(ctx context.Context) {
	url := c.target()
	checkCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	healthy := false
	var probeErr error

	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, url, nil)
	if err != nil {
		probeErr = err
	} else if resp, err := c.client.Do(req); err != nil {
		probeErr = err
	} else {
		resp.Body.Close()
		healthy = resp.StatusCode < 500
		if !healthy {
			probeErr = &statusError{code: resp.StatusCode}
		}
	}

	c.mu.Lock()
	prev := c.ready
	c.ready = healthy
	c.mu.Unlock()

	c.metrics.SetReady(healthy)

	if prev != healthy {
		if healthy {
			log.Printf("[health] upstream %s is reachable", url)
		} else {
			log.Printf("[health] upstream %s is unreachable: %v", url, probeErr)
		}
	}
}

// Ready reports whether the last probe succeeded.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

func (c *Checker) setReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
	c.metrics.SetReady(ready)
}

// Stop stops the checker and waits for the probe loop to exit.
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.client.CloseIdleConnections()
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "probe returned " + http.StatusText(e.code)
}
