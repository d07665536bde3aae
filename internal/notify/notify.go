// Package notify carries notifications from the network context to the
// presentation context.
package notify

import (
	"fmt"
	"sync"
	"time"
)

// Kind is the type of a notification.
type Kind int

const (
	KindDataAvailable Kind = iota
	KindError
	KindStateChanged
)

func (k Kind) String() string {
	switch k {
	case KindDataAvailable:
		return "data_available"
	case KindError:
		return "error"
	case KindStateChanged:
		return "state_changed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the network state reported by KindStateChanged.
type State string

const (
	StateLoading State = "loading"
	StateSuccess State = "success"
	StateError   State = "error"
)

// Notification is a read-only message about one insight.
type Notification struct {
	InsightID string
	Kind      Kind
	Payload   []byte // raw JSON, KindDataAvailable only
	Reason    string // KindError only
	State     State  // KindStateChanged only
	At        time.Time
}

func (n Notification) String() string {
	switch n.Kind {
	case KindDataAvailable:
		return fmt.Sprintf("%s data_available (%d bytes)", n.InsightID, len(n.Payload))
	case KindError:
		return fmt.Sprintf("%s error: %s", n.InsightID, n.Reason)
	default:
		return fmt.Sprintf("%s state=%s", n.InsightID, n.State)
	}
}

// Queue is an unbounded FIFO safe for one producer and any number of
// consumers. Publication order is delivery order.
type Queue struct {
	mu     sync.Mutex
	items  []Notification
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Publish appends n and wakes a waiting consumer. It never blocks.
func (q *Queue) Publish(n Notification) {
	q.mu.Lock()
	q.items = append(q.items, n)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything queued so far.
func (q *Queue) Drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Ready fires after at least one Publish since the last receive.
func (q *Queue) Ready() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
