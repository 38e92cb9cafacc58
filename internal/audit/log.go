// Package audit implements the immutable append-only provenance log of
// spec.md §4.6: one canonical-JSON ProvenanceRecord per line, strictly
// monotonic sequence numbers, and an optional previous_entry_digest chain
// field for v2 Merkle-style verification.
//
// The canonicalization technique is grounded on internal/audit/receipts.go's
// marshalSorted (recursive sorted-key JSON marshal) from the teacher repo,
// reused here via internal/canon rather than a bespoke marshaler — the
// teacher's version also HMAC-signs each receipt, which this package drops
// since spec.md's audit log is unsigned NDJSON (see DESIGN.md). The
// optional chain field is grounded on other_examples' ledger/hash_chain.go,
// which links records by hashing the previous link's hash together with
// the current record's canonical bytes; this package does the same with
// BLAKE3 called directly (outside internal/digest's three domains, see
// chainLink) instead of sha256.
package audit

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"lukechampine.com/blake3"

	"requiem/internal/canon"
	"requiem/internal/digest"
	"requiem/internal/requesttypes"
	"requiem/internal/telemetry"
)

// ChainMode selects whether appended records carry previous_entry_digest.
type ChainMode int

const (
	ChainDisabled ChainMode = iota // v1 behavior: field omitted
	ChainEnabled                   // v2 behavior: Merkle-style linking
)

// Log is the append-only NDJSON audit log. A single mutex guards the file
// handle across write+flush, matching spec.md §5's "Audit log file
// handle: single mutex, held across write+flush".
type Log struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	seq      uint64
	lastHash digest.Digest
	chain    ChainMode
	counters *telemetry.Counters
}

// Open opens (creating if needed) the NDJSON file at path for appending.
func Open(path string, chain ChainMode, counters *telemetry.Counters) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &Log{
		file:     f,
		writer:   bufio.NewWriter(f),
		chain:    chain,
		counters: counters,
	}, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Append assigns the next sequence number to record, serializes it to
// canonical JSON, and appends one NDJSON line. Write failures are
// non-fatal to the caller's execution result: Append reports false and
// increments the audit-write-failure counter rather than returning an
// error that could be mistaken for an execution failure (spec.md §4.6,
// §7).
func (l *Log) Append(record *requesttypes.ProvenanceRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	record.Sequence = l.seq

	if l.chain == ChainEnabled && l.seq > 1 {
		record.PreviousEntryDigest = l.lastHash.String()
	}

	line, err := canon.CanonicalizeStruct(record)
	if err != nil {
		l.seq--
		l.incFailure()
		return false
	}

	if l.chain == ChainEnabled {
		l.lastHash = chainLink(l.lastHash, line)
	}

	if _, err := l.writer.Write(line); err != nil {
		l.seq--
		l.incFailure()
		return false
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		l.seq--
		l.incFailure()
		return false
	}
	if err := l.writer.Flush(); err != nil {
		l.seq--
		l.incFailure()
		return false
	}
	return true
}

func (l *Log) incFailure() {
	if l.counters != nil {
		l.counters.IncAuditWriteFailures()
	}
}

// CurrentSequence returns the last sequence number assigned.
func (l *Log) CurrentSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// chainLink hashes the previous link together with the current record's
// canonical bytes, the same construction other_examples' ledger package
// uses for its hash chain (prev || "\n" || bytes), substituting BLAKE3
// for sha256 to stay on the engine's single hash primitive. This is
// deliberately outside the req/res/cas domain set: it is not one of the
// three digests spec.md defines, only an internal chaining aid.
func chainLink(prev digest.Digest, line []byte) digest.Digest {
	buf := make([]byte, 0, 32+1+len(line))
	buf = append(buf, prev[:]...)
	buf = append(buf, '\n')
	buf = append(buf, line...)
	return digest.Digest(blake3.Sum256(buf))
}
