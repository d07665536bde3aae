package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/insightd/internal/insight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu       sync.Mutex
	steps    int
	requests []string
	closed   bool
	err      error
}

func (f *fakeEngine) RequestInsight(id string, forceRefresh bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if forceRefresh {
		id = "refresh:" + id
	}
	f.requests = append(f.requests, id)
	return f.err
}

func (f *fakeEngine) Step() {
	f.mu.Lock()
	f.steps++
	f.mu.Unlock()
}

func (f *fakeEngine) Snapshot() insight.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return insight.Snapshot{InFlight: len(f.requests)}
}

func (f *fakeEngine) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeEngine) stepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps
}

func TestLoop_StepsEveryInterval(t *testing.T) {
	eng := &fakeEngine{}
	mock := clock.NewMock()
	l := NewLoop(eng, 10*time.Millisecond, WithClock(mock))
	l.Start(context.Background())
	defer l.Stop()

	// A round trip guarantees the ticker is registered with the mock.
	_, err := l.Snapshot(context.Background())
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		mock.Add(10 * time.Millisecond)
		want := i
		require.Eventually(t, func() bool { return eng.stepCount() >= want }, time.Second, time.Millisecond)
	}
}

func TestLoop_Commands(t *testing.T) {
	eng := &fakeEngine{}
	l := NewLoop(eng, time.Hour)
	l.Start(context.Background())
	defer l.Stop()

	ctx := context.Background()
	require.NoError(t, l.Track(ctx, "a"))
	require.NoError(t, l.Refresh(ctx, "b"))

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.InFlight)
	assert.Equal(t, []string{"a", "refresh:b"}, eng.requests)
}

func TestLoop_PropagatesEngineErrors(t *testing.T) {
	eng := &fakeEngine{err: insight.ErrNotReady}
	l := NewLoop(eng, time.Hour)
	l.Start(context.Background())
	defer l.Stop()

	assert.ErrorIs(t, l.Track(context.Background(), "a"), insight.ErrNotReady)
}

func TestLoop_StopClosesEngine(t *testing.T) {
	eng := &fakeEngine{}
	l := NewLoop(eng, time.Hour)
	l.Start(context.Background())
	l.Stop()

	assert.True(t, eng.closed)
	assert.ErrorIs(t, l.Track(context.Background(), "a"), ErrStopped)
	_, err := l.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLoop_CommandHonorsContext(t *testing.T) {
	l := NewLoop(&fakeEngine{}, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Track(ctx, "a"), context.DeadlineExceeded)
}
