// Package replay implements the replay verifier of spec.md §4.5: proving
// that a stored ExecutionResult matches either a fresh re-execution or a
// re-hash of artifacts already in CAS. Neither path appends to the audit
// log or moves the execution counters. The re-execute path runs the
// request through the engine, which stores any declared output files the
// fresh run produces in CAS (deduplicated by digest) and counts each put
// in cas_puts; the CAS re-hash path only reads from CAS.
//
// This generalizes internal/determinism/verify.go's VerifyDeterminism,
// which re-runs a trial N times and compares hashes pairwise; replay
// compares a single fresh run (or CAS re-hash) against one caller-supplied
// expected result, and distinguishes the two verification strategies the
// teacher's single-path verifier does not need to.
package replay

import (
	"context"

	"requiem/internal/cas"
	"requiem/internal/digest"
	"requiem/internal/engine"
	reqerrors "requiem/internal/errors"
	"requiem/internal/requesttypes"
	"requiem/internal/telemetry"
)

// ValidateReplay re-executes request through eng and compares the fresh
// result_digest against expected.ResultDigest. Returns true iff they
// match. This is the re-execute branch of spec.md §4.5.
func ValidateReplay(ctx context.Context, eng *engine.Engine, counters *telemetry.Counters, request requesttypes.ExecutionRequest, expected requesttypes.ExecutionResult) bool {
	fresh := eng.ExecuteWithoutMetrics(ctx, request)
	verified := fresh.Ok && fresh.ResultDigest == expected.ResultDigest
	if verified {
		counters.IncReplayVerifications()
	} else {
		counters.IncReplayDivergences()
	}
	return verified
}

// ValidateReplayWithCAS re-hashes the artifacts referenced by expected's
// output_digests directly from store, without re-executing anything. It
// fails with cas_integrity_failed if any referenced digest cannot be
// fetched or re-verified, and with drift_detected if the re-hash of a
// digest does not match its own claimed value — which would indicate the
// CAS object was tampered with after having already passed Get's
// fail-closed integrity check once.
func ValidateReplayWithCAS(store *cas.Store, counters *telemetry.Counters, expected requesttypes.ExecutionResult) (bool, *reqerrors.Error) {
	for path, digestHex := range expected.OutputDigests {
		d, err := digest.Parse(digestHex)
		if err != nil {
			counters.IncReplayDivergences()
			return false, reqerrors.Wrap(reqerrors.CodeCASIntegrityFailed, "malformed output digest for "+path, err)
		}
		data, _, getErr := store.Get(d)
		if getErr != nil {
			counters.IncCASIntegrityFailures()
			counters.IncReplayDivergences()
			return false, reqerrors.Wrap(reqerrors.CodeCASIntegrityFailed, "missing or corrupt CAS object for "+path, getErr)
		}
		if recomputed := digest.CASKey(data); recomputed != d {
			counters.IncReplayDivergences()
			return false, reqerrors.New(reqerrors.CodeDriftDetected, "re-hash mismatch for "+path)
		}
	}
	counters.IncReplayVerifications()
	return true, nil
}
