package controller

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/insightd/internal/insight"
)

// ErrStopped is returned for commands sent to a loop that is not running.
var ErrStopped = errors.New("controller is not running")

// Engine is the part of *insight.Engine the loop drives.
type Engine interface {
	RequestInsight(id string, forceRefresh bool) error
	Step()
	Snapshot() insight.Snapshot
	Close()
}

type commandKind int

const (
	cmdTrack commandKind = iota
	cmdRefresh
	cmdSnapshot
)

type command struct {
	kind  commandKind
	id    string
	reply chan result
}

type result struct {
	snapshot insight.Snapshot
	err      error
}

// Loop is the network context: the only goroutine that touches the engine.
// It steps the engine every poll interval and applies commands in between.
type Loop struct {
	engine   Engine
	interval time.Duration
	clock    clock.Clock

	commands chan command
	done     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// NewLoop creates a loop that steps engine every interval.
func NewLoop(engine Engine, interval time.Duration, opts ...Option) *Loop {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	l := &Loop{
		engine:   engine,
		interval: interval,
		clock:    clock.New(),
		commands: make(chan command),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs the loop in the background until Stop or ctx is done.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.Run(ctx)
	}()
}

// Run steps the engine until ctx is done, then cancels all outstanding
// requests. It returns nil.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.engine.Close()

	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()

	log.Printf("[controller] polling every %s", l.interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[controller] stopped")
			return nil
		case cmd := <-l.commands:
			cmd.reply <- l.apply(cmd)
		case <-ticker.C:
			l.engine.Step()
		}
	}
}

func (l *Loop) apply(cmd command) result {
	switch cmd.kind {
	case cmdTrack:
		return result{err: l.engine.RequestInsight(cmd.id, false)}
	case cmdRefresh:
		return result{err: l.engine.RequestInsight(cmd.id, true)}
	default:
		return result{snapshot: l.engine.Snapshot()}
	}
}

// Track starts loading id, serving fresh cached data when present.
func (l *Loop) Track(ctx context.Context, id string) error {
	_, err := l.send(ctx, command{kind: cmdTrack, id: id})
	return err
}

// Refresh forces a recompute of id.
func (l *Loop) Refresh(ctx context.Context, id string) error {
	_, err := l.send(ctx, command{kind: cmdRefresh, id: id})
	return err
}

// Snapshot returns the engine state as seen from the network context.
func (l *Loop) Snapshot(ctx context.Context) (insight.Snapshot, error) {
	res, err := l.send(ctx, command{kind: cmdSnapshot})
	if err != nil {
		return insight.Snapshot{}, err
	}
	return res.snapshot, nil
}

func (l *Loop) send(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case l.commands <- cmd:
	case <-l.done:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	res := <-cmd.reply
	return res, res.err
}

// Stop stops a loop started with Start and waits for it to exit.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}
