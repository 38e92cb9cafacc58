// Package engine implements the orchestrator of spec.md §4.4: it composes
// canonicalization/hashing (internal/canon, internal/digest), the
// sandboxed executor (internal/sandbox), and the CAS (internal/cas) into
// the single fixed operation sequence that every execute() call performs,
// because result_digest depends on that sequence being followed exactly.
//
// This has no direct teacher analogue as a single file — it generalizes
// the call-and-hash shape of internal/determinism/determinism.go
// (Hash/CanonicalJSON) combined with the dispatch style of
// internal/jobs/store.go, wiring the policy, sandbox, and CAS packages
// built for this engine rather than reusing any one teacher file verbatim.
package engine

import (
	"context"
	"sort"

	"requiem/internal/cas"
	"requiem/internal/digest"
	"requiem/internal/execpolicy"
	reqerrors "requiem/internal/errors"
	"requiem/internal/requesttypes"
	"requiem/internal/sandbox"
	"requiem/internal/telemetry"
)

// Engine owns the CAS handle and counters a single context uses across
// its lifetime. It carries no audit log reference directly — callers that
// want provenance wire internal/audit.Log themselves around Execute's
// result, matching spec.md §4.4 step 8's "emit to C6" as a caller action
// rather than an engine-internal dependency, so Engine stays usable
// without an audit log during tests.
type Engine struct {
	Store    *cas.Store
	Counters *telemetry.Counters

	// SandboxDisabled mirrors REQUIEM_SANDBOX_DISABLED (spec.md §6): when
	// set, every request runs with sandbox enforcement forced off
	// regardless of what the request's policy asks for. Debug only.
	SandboxDisabled bool
}

// New constructs an Engine over an already-open CAS store.
func New(store *cas.Store, counters *telemetry.Counters) *Engine {
	if counters == nil {
		counters = telemetry.NewCounters()
	}
	return &Engine{Store: store, Counters: counters}
}

// Execute runs the eight-step sequence of spec.md §4.4 and returns the
// assembled ExecutionResult by value.
func (e *Engine) Execute(ctx context.Context, req requesttypes.ExecutionRequest) requesttypes.ExecutionResult {
	stop := e.Counters.StartTimer()
	e.Counters.IncExecutionsTotal()

	result := e.execute(ctx, req)

	elapsed := stop()
	result.Metrics.DurationNs = elapsed.Nanoseconds()
	e.Counters.ObserveLatency(elapsed)

	if result.Ok {
		e.Counters.IncExecutionsSuccessful()
	} else {
		e.Counters.IncExecutionsFailed()
	}
	return result
}

// ExecuteWithoutMetrics runs the same eight-step sequence as Execute but
// never touches executions_total/successful/failed or the latency
// histogram. Replay advances replay_verifications/replay_divergences
// itself and re-executes through this entrypoint rather than the counted
// Execute. Declared output files are still stored in CAS and counted in
// cas_puts, exactly as in Execute.
func (e *Engine) ExecuteWithoutMetrics(ctx context.Context, req requesttypes.ExecutionRequest) requesttypes.ExecutionResult {
	return e.execute(ctx, req)
}

func (e *Engine) execute(ctx context.Context, req requesttypes.ExecutionRequest) requesttypes.ExecutionResult {
	// Step 2: resolve policy before computing the digest, since
	// PolicyApplied is part of the canonical result (but not the request).
	applied := execpolicy.Resolve(req.Policy, req.Env)

	// Step 3: request_digest over the canonical request, tenant_id/
	// request_id/timing excluded by requesttypes.CanonicalView.
	canonicalReq, err := canonicalizeRequest(req)
	if err != nil {
		return requesttypes.ExecutionResult{
			Ok:        false,
			ErrorCode: string(reqerrors.CodeJSONParseError),
		}
	}
	requestDigest := digest.RequestDigest(canonicalReq)

	// Step 4: build ProcessSpec and invoke the sandbox.
	spec := sandbox.ProcessSpec{
		Command:            req.Command,
		Argv:               req.Argv,
		Env:                applied.ResolvedEnv,
		Cwd:                req.Cwd,
		WorkspaceRoot:      req.WorkspaceRoot,
		Inputs:             req.Inputs,
		Outputs:            req.Outputs,
		TimeoutMs:          req.TimeoutMs,
		MaxOutputBytes:     req.MaxOutputBytes,
		TimeMode:           applied.TimeMode,
		Deterministic:      req.Policy.Deterministic,
		AllowOutsideWS:     req.Policy.AllowOutsideWorkspace,
		EnforceSandbox:     req.Policy.EnforceSandbox && !e.SandboxDisabled,
		MaxMemoryBytes:     req.Policy.MaxMemoryBytes,
		MaxFileDescriptors: req.Policy.MaxFileDescriptors,
	}
	procResult, err := sandbox.Run(ctx, spec)
	if err != nil {
		return requesttypes.ExecutionResult{
			Ok:            false,
			ErrorCode:     string(reqerrors.CodeSpawnFailed),
			RequestDigest: requestDigest.String(),
		}
	}
	if procResult.ErrorCode != "" {
		return requesttypes.ExecutionResult{
			Ok:                false,
			ErrorCode:         procResult.ErrorCode,
			TerminationReason: procResult.TerminationReason,
			RequestDigest:     requestDigest.String(),
			PolicyApplied:     applied,
			SandboxApplied:    procResult.SandboxApplied,
		}
	}

	// Step 5: stream declared output files into CAS, recording digests
	// sorted by path in canonical form.
	outputDigests, err := e.collectOutputs(procResult.ResolvedOutputs)
	if err != nil {
		return requesttypes.ExecutionResult{
			Ok:            false,
			ErrorCode:     string(reqerrors.CodeCASIntegrityFailed),
			RequestDigest: requestDigest.String(),
			PolicyApplied: applied,
		}
	}

	// Step 6: hash captured stdout/stderr.
	stdoutDigest := digest.ResultDigest(procResult.StdoutBytes)
	stderrDigest := digest.ResultDigest(procResult.StderrBytes)

	result := requesttypes.ExecutionResult{
		Ok:              true,
		ExitCode:        procResult.ExitCode,
		StdoutText:      string(procResult.StdoutBytes),
		StderrText:      string(procResult.StderrBytes),
		StdoutTruncated: procResult.StdoutTruncated,
		StderrTruncated: procResult.StderrTruncated,
		RequestDigest:   requestDigest.String(),
		StdoutDigest:    stdoutDigest.String(),
		StderrDigest:    stderrDigest.String(),
		OutputDigests:   outputDigests,
		PolicyApplied:   applied,
		SandboxApplied:  procResult.SandboxApplied,
	}

	// Step 7: canonicalize the assembled result and compute result_digest.
	canonicalRes, err := canonicalizeResult(result)
	if err != nil {
		result.Ok = false
		result.ErrorCode = string(reqerrors.CodeJSONParseError)
		return result
	}
	result.ResultDigest = digest.ResultDigest(canonicalRes).String()

	return result
}

func (e *Engine) collectOutputs(resolvedOutputs map[string]string) (map[string]string, error) {
	digests := make(map[string]string, len(resolvedOutputs))
	if e.Store == nil {
		return digests, nil
	}
	paths := make([]string, 0, len(resolvedOutputs))
	for logical := range resolvedOutputs {
		paths = append(paths, logical)
	}
	sort.Strings(paths)
	for _, logical := range paths {
		full := resolvedOutputs[logical]
		data, readErr := readFile(full)
		if readErr != nil {
			continue // output not produced this run; absence is not an error here
		}
		d, putErr := e.Store.Put(data, cas.EncodingIdentity)
		if putErr != nil {
			return nil, putErr
		}
		e.Counters.IncCASPuts()
		digests[logical] = d.String()
	}
	return digests, nil
}

func canonicalizeRequest(req requesttypes.ExecutionRequest) ([]byte, error) {
	view := req.Canonical()
	return canonicalizeStruct(view)
}

func canonicalizeResult(res requesttypes.ExecutionResult) ([]byte, error) {
	view := res.Canonical()
	return canonicalizeStruct(view)
}
