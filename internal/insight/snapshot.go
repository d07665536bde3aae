package insight

import (
	"time"
)

// Status describes one tracked insight.
type Status struct {
	ID        string        `json:"id"`
	Cached    bool          `json:"cached"`
	Fresh     bool          `json:"fresh"`
	Age       time.Duration `json:"age,omitempty"`
	Bytes     int           `json:"bytes,omitempty"`
	InFlight  bool          `json:"in_flight"`
	Mode      Mode          `json:"mode,omitempty"`
	FetchedAt time.Time     `json:"fetched_at,omitempty"`
}

// Snapshot is a point-in-time view of the engine for status reporting.
type Snapshot struct {
	Insights    []Status  `json:"insights"`
	InFlight    int       `json:"in_flight"`
	Ready       bool      `json:"ready"`
	Breaker     string    `json:"breaker,omitempty"`
	LastRefresh time.Time `json:"last_refresh"`
}

// Snapshot returns the state of every tracked insight in rotation order.
func (e *Engine) Snapshot() Snapshot {
	now := e.clock.Now()
	s := Snapshot{
		Insights:    make([]Status, 0, len(e.known)),
		InFlight:    len(e.pending),
		Ready:       e.readyNow(),
		LastRefresh: e.lastRefresh,
	}
	if e.breaker != nil {
		s.Breaker = e.breaker.State().String()
	}

	for _, id := range e.known {
		st := Status{ID: id}
		if rec, ok := e.records[id]; ok {
			st.Cached = true
			st.Fresh = e.fresh(rec)
			st.Age = now.Sub(rec.FetchedAt)
			st.Bytes = len(rec.Body)
			st.FetchedAt = rec.FetchedAt
		}
		if f, ok := e.pending[id]; ok {
			st.InFlight = true
			st.Mode = f.mode
		}
		s.Insights = append(s.Insights, st)
	}
	return s
}
