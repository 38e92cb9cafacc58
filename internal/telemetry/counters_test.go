package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountersIncrementIndependently(t *testing.T) {
	c := NewCounters()
	c.IncExecutionsTotal()
	c.IncExecutionsTotal()
	c.IncExecutionsSuccessful()
	c.IncCASPuts()

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.ExecutionsTotal)
	assert.Equal(t, int64(1), snap.ExecutionsSuccessful)
	assert.Equal(t, int64(0), snap.ExecutionsFailed)
	assert.Equal(t, int64(1), snap.CASPuts)
}

func TestHistogramBucketsMonotonic(t *testing.T) {
	h := &latencyHistogram{}
	h.observe(1 * time.Microsecond)
	h.observe(1000 * time.Microsecond)
	h.observe(2_000_000 * time.Microsecond)

	p := h.percentiles(50, 99)
	assert.Greater(t, p["p99"], p["p50"])
}

func TestBucketForPowerOfTwoBoundaries(t *testing.T) {
	assert.Equal(t, 0, bucketFor(0))
	assert.Equal(t, 0, bucketFor(1))
	assert.Equal(t, 1, bucketFor(2))
	assert.Equal(t, 2, bucketFor(4))
}

func TestRingBufferWrapsAndOrdersOldestFirst(t *testing.T) {
	// the default ring capacity is 1000; exercise wraparound with a
	// small dedicated ring instead of pushing a thousand events.
	r := newRing(3)
	r.push(Event{ExecutionID: "a"})
	r.push(Event{ExecutionID: "b"})
	r.push(Event{ExecutionID: "c"})
	r.push(Event{ExecutionID: "d"})

	snap := r.snapshot()
	assert.Equal(t, []string{"b", "c", "d"}, ids(snap))
}

func ids(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ExecutionID
	}
	return out
}

func TestRecordEventAndRecentEvents(t *testing.T) {
	c := NewCounters()
	c.RecordEvent(Event{ExecutionID: "x", Ok: true})
	events := c.RecentEvents()
	assert.Len(t, events, 1)
	assert.Equal(t, "x", events[0].ExecutionID)
}
