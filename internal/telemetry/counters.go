// Package telemetry implements the engine observability surface of
// spec.md §4.8: atomic counters padded against false sharing, a
// power-of-two microsecond latency histogram, and a bounded ring buffer
// of recent execution events.
//
// This restructures internal/telemetry/metrics.go from the teacher repo,
// which keeps counters/gauges/timers in RWMutex-guarded
// map[string]*int64s behind a lazy-init singleton. That shape is right
// for an ad-hoc metrics sink but wrong for the engine's own hot path:
// spec.md requires a fixed, known counter set with no lock on the
// increment path and cache-line padding between independently-written
// fields, so each counter here is a named, padded atomic.Int64 field
// rather than a map entry, and there is no package-level singleton —
// every Engine owns its own Counters so distinct contexts never share
// counter state.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// padding absorbs a cache line (64 bytes) after each hot counter so two
// counters written by different goroutines never share a cache line.
type padding [7]int64

// Counters is the engine's atomic stats block.
type Counters struct {
	executionsTotal             atomic.Int64
	_p1                         padding
	executionsSuccessful        atomic.Int64
	_p2                         padding
	executionsFailed            atomic.Int64
	_p3                         padding
	replayVerifications         atomic.Int64
	_p4                         padding
	replayDivergences           atomic.Int64
	_p5                         padding
	casPuts                     atomic.Int64
	_p6                         padding
	casGets                     atomic.Int64
	_p7                         padding
	casHits                     atomic.Int64
	_p8                         padding
	casIntegrityFailures        atomic.Int64
	_p9                         padding
	auditWriteFailures          atomic.Int64
	_p10                        padding
	lockContentionEvents        atomic.Int64
	_p11                        padding
	queueDepthSamples           atomic.Int64
	_p12                        padding
	queueDepthLast              atomic.Int64

	histogram latencyHistogram
	ring      ring
}

// NewCounters returns a zeroed Counters block with its ring buffer
// initialized to the spec's ~1000-entry capacity.
func NewCounters() *Counters {
	return &Counters{ring: newRing(1000)}
}

func (c *Counters) IncExecutionsTotal()      { c.executionsTotal.Add(1) }
func (c *Counters) IncExecutionsSuccessful() { c.executionsSuccessful.Add(1) }
func (c *Counters) IncExecutionsFailed()     { c.executionsFailed.Add(1) }
func (c *Counters) IncReplayVerifications()  { c.replayVerifications.Add(1) }
func (c *Counters) IncReplayDivergences()    { c.replayDivergences.Add(1) }
func (c *Counters) IncCASPuts()              { c.casPuts.Add(1) }
func (c *Counters) IncCASGets()              { c.casGets.Add(1) }
func (c *Counters) IncCASHits()              { c.casHits.Add(1) }
func (c *Counters) IncCASIntegrityFailures() { c.casIntegrityFailures.Add(1) }
func (c *Counters) IncAuditWriteFailures()   { c.auditWriteFailures.Add(1) }
func (c *Counters) IncLockContentionEvents() { c.lockContentionEvents.Add(1) }
func (c *Counters) RecordQueueDepth(depth int64) {
	c.queueDepthSamples.Add(1)
	c.queueDepthLast.Store(depth)
}

// StartTimer returns a stop function that, when called, returns the
// elapsed duration. Callers pass the result to ObserveLatency.
func (c *Counters) StartTimer() func() time.Duration {
	start := time.Now()
	return func() time.Duration { return time.Since(start) }
}

// ObserveLatency records d into the latency histogram.
func (c *Counters) ObserveLatency(d time.Duration) {
	c.histogram.observe(d)
}

// RecordEvent appends an execution event into the bounded ring buffer.
// Never blocks execution: insertion is O(1) under a short mutex.
func (c *Counters) RecordEvent(ev Event) {
	c.ring.push(ev)
}

// RecentEvents returns a snapshot of the ring buffer, oldest first.
func (c *Counters) RecentEvents() []Event {
	return c.ring.snapshot()
}

// Snapshot is the stats_json payload the ABI's stats() call returns.
type Snapshot struct {
	ExecutionsTotal      int64              `json:"executions_total"`
	ExecutionsSuccessful int64              `json:"executions_successful"`
	ExecutionsFailed     int64              `json:"executions_failed"`
	ReplayVerifications  int64              `json:"replay_verifications"`
	ReplayDivergences    int64              `json:"replay_divergences"`
	CASPuts              int64              `json:"cas_puts"`
	CASGets              int64              `json:"cas_gets"`
	CASHits              int64              `json:"cas_hits"`
	CASIntegrityFailures int64              `json:"cas_integrity_failures"`
	AuditWriteFailures   int64              `json:"audit_write_failures"`
	LockContentionEvents int64              `json:"lock_contention_events"`
	QueueDepthSamples    int64              `json:"queue_depth_samples"`
	LatencyPercentilesUs map[string]int64   `json:"latency_percentiles_us"`
	RecentEvents         []Event            `json:"recent_events"`
}

// Snapshot takes a point-in-time copy of every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ExecutionsTotal:      c.executionsTotal.Load(),
		ExecutionsSuccessful: c.executionsSuccessful.Load(),
		ExecutionsFailed:     c.executionsFailed.Load(),
		ReplayVerifications:  c.replayVerifications.Load(),
		ReplayDivergences:    c.replayDivergences.Load(),
		CASPuts:              c.casPuts.Load(),
		CASGets:              c.casGets.Load(),
		CASHits:              c.casHits.Load(),
		CASIntegrityFailures: c.casIntegrityFailures.Load(),
		AuditWriteFailures:   c.auditWriteFailures.Load(),
		LockContentionEvents: c.lockContentionEvents.Load(),
		QueueDepthSamples:    c.queueDepthSamples.Load(),
		LatencyPercentilesUs: c.histogram.percentiles(50, 90, 99),
		RecentEvents:         c.RecentEvents(),
	}
}

// Event is one entry of the recent-execution ring buffer.
type Event struct {
	ExecutionID  string `json:"execution_id"`
	Ok           bool   `json:"ok"`
	ErrorCode    string `json:"error_code,omitempty"`
	DurationUs   int64  `json:"duration_us"`
}

// ring is a fixed-capacity circular buffer with O(1) insertion, guarded
// by a short mutex only for insertion and snapshot (spec.md §4.8 and §5).
type ring struct {
	mu       sync.Mutex
	items    []Event
	next     int
	filled   bool
}

func newRing(capacity int) ring {
	return ring{items: make([]Event, capacity)}
}

func (r *ring) push(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = ev
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.filled = true
	}
}

func (r *ring) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]Event, r.next)
		copy(out, r.items[:r.next])
		return out
	}
	out := make([]Event, len(r.items))
	copy(out, r.items[r.next:])
	copy(out[len(r.items)-r.next:], r.items[:r.next])
	return out
}
