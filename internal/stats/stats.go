package stats

import (
	"sync"
	"time"
)

// defaultRecentCapacity bounds the in-memory event ring.
const defaultRecentCapacity = 128

// Event is one completed edge request as seen by the status endpoint.
type Event struct {
	Time        time.Time `json:"time"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	CacheStatus string    `json:"cacheStatus"`
	StatusCode  int       `json:"statusCode"`
	Variant     string    `json:"variant,omitempty"`
	Region      string    `json:"region,omitempty"`
}

// Counters is the aggregate view exported by Snapshot.
type Counters struct {
	Requests      uint64 `json:"requests"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Stale         uint64 `json:"stale"`
	Bypasses      uint64 `json:"bypasses"`
	RateLimited   uint64 `json:"rateLimited"`
	Revalidations uint64 `json:"revalidations"`
}

// Snapshot is the status endpoint payload.
type Snapshot struct {
	StartedAt time.Time `json:"startedAt"`
	Counters  Counters  `json:"counters"`
	Recent    []Event   `json:"recent"`
}

// Aggregator keeps request counters plus a bounded ring of recent events.
// It complements Prometheus: the ring gives operators concrete examples of
// what the counters are counting.
type Aggregator struct {
	mu        sync.Mutex
	startedAt time.Time
	counters  Counters
	recent    []Event
	next      int
	filled    bool
}

// NewAggregator sizes the recent-event ring. Zero or negative capacity uses
// the default.
func NewAggregator(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	return &Aggregator{
		startedAt: time.Now().UTC(),
		recent:    make([]Event, capacity),
	}
}

// Record folds one completed request into the counters and the ring.
func (a *Aggregator) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.counters.Requests++
	switch ev.CacheStatus {
	case "HIT":
		a.counters.Hits++
	case "MISS", "EXPIRED":
		a.counters.Misses++
	case "STALE":
		a.counters.Stale++
	case "BYPASS":
		a.counters.Bypasses++
	}
	if ev.StatusCode == 429 {
		a.counters.RateLimited++
	}

	a.recent[a.next] = ev
	a.next++
	if a.next == len(a.recent) {
		a.next = 0
		a.filled = true
	}
}

// RecordRevalidation counts a background refresh without touching the ring.
func (a *Aggregator) RecordRevalidation() {
	a.mu.Lock()
	a.counters.Revalidations++
	a.mu.Unlock()
}

// Snapshot copies the counters and the ring in most-recent-first order.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.next
	if a.filled {
		size = len(a.recent)
	}
	recent := make([]Event, 0, size)
	for i := 0; i < size; i++ {
		idx := a.next - 1 - i
		if idx < 0 {
			idx += len(a.recent)
		}
		recent = append(recent, a.recent[idx])
	}
	return Snapshot{
		StartedAt: a.startedAt,
		Counters:  a.counters,
		Recent:    recent,
	}
}
