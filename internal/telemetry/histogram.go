package telemetry

import (
	"sort"
	"strconv"
	"sync/atomic"
	"time"
)

// histogramBuckets is the spec's 32 power-of-two buckets, each one
// bucket[i] covering [2^i, 2^(i+1)) microseconds. Bucket 31 covers
// [2^31, ∞) microseconds, comfortably past the ~2000s ceiling spec.md
// names (2000s ≈ 2.0e9us ≈ 2^31us).
const histogramBuckets = 32

type latencyHistogram struct {
	buckets [histogramBuckets]atomic.Int64
	count   atomic.Int64
}

func (h *latencyHistogram) observe(d time.Duration) {
	us := d.Microseconds()
	if us < 0 {
		us = 0
	}
	bucket := bucketFor(us)
	h.buckets[bucket].Add(1)
	h.count.Add(1)
}

func bucketFor(us int64) int {
	if us < 1 {
		return 0
	}
	bucket := 0
	for v := us; v > 1; v >>= 1 {
		bucket++
	}
	if bucket >= histogramBuckets {
		bucket = histogramBuckets - 1
	}
	return bucket
}

// percentiles returns, for each requested percentile (0-100), the
// microsecond value of the bucket boundary that percentile falls in.
// This is a bucketed approximation, not an exact order statistic — exact
// statistics would require retaining every sample, which the histogram
// deliberately does not do.
func (h *latencyHistogram) percentiles(ps ...int) map[string]int64 {
	total := h.count.Load()
	out := make(map[string]int64, len(ps))
	if total == 0 {
		for _, p := range ps {
			out[percentileKey(p)] = 0
		}
		return out
	}

	counts := make([]int64, histogramBuckets)
	for i := range counts {
		counts[i] = h.buckets[i].Load()
	}

	sorted := append([]int(nil), ps...)
	sort.Ints(sorted)

	var cumulative int64
	idx := 0
	for bucket, c := range counts {
		cumulative += c
		for idx < len(sorted) {
			threshold := (int64(sorted[idx]) * total) / 100
			if cumulative < threshold {
				break
			}
			out[percentileKey(sorted[idx])] = upperBoundUs(bucket)
			idx++
		}
		if idx >= len(sorted) {
			break
		}
	}
	for ; idx < len(sorted); idx++ {
		out[percentileKey(sorted[idx])] = upperBoundUs(histogramBuckets - 1)
	}
	return out
}

func upperBoundUs(bucket int) int64 {
	if bucket <= 0 {
		return 1
	}
	return int64(1) << uint(bucket+1)
}

func percentileKey(p int) string {
	switch p {
	case 50:
		return "p50"
	case 90:
		return "p90"
	case 99:
		return "p99"
	default:
		return "p" + strconv.Itoa(p)
	}
}
