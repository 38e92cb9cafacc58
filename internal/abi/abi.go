// Package abi implements the embedding boundary of spec.md §6: init,
// execute, replay, stats, and shutdown operating on canonical JSON
// strings. This package models the boundary in pure Go — the actual
// //export cgo shims that expose these functions across a C ABI belong in
// cmd/requiemd's companion library build, not here; this is the ctx/
// dispatch layer every such shim calls into, matching the teacher
// convention (seen in internal/jobs and internal/mcpserver) of keeping
// the actual RPC/C boundary thin and delegating to an internal package
// for everything but marshaling.
package abi

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"requiem/internal/audit"
	"requiem/internal/canon"
	"requiem/internal/cas"
	"requiem/internal/config"
	"requiem/internal/digest"
	"requiem/internal/engine"
	reqerrors "requiem/internal/errors"
	"requiem/internal/replay"
	"requiem/internal/requesttypes"
	"requiem/internal/rlog"
	"requiem/internal/telemetry"
	"requiem/internal/versionmanifest"
)

// Context is the opaque engine handle returned by Init. execute/replay/
// stats are safe for concurrent callers sharing one Context; Init and
// Shutdown are not (spec.md §5).
type Context struct {
	store      *cas.Store
	eng        *engine.Engine
	log        *audit.Log
	counters   *telemetry.Counters
	logger     *zap.Logger
	instanceID string // process-local correlation id, never hashed or persisted

	mu       sync.Mutex // guards the shutdown flag against a repeated Shutdown
	shutdown bool
}

// Init parses configJSON, checks callerABIVersion against the engine's
// own manifest, and opens the CAS store and audit log. A version
// mismatch or any fatal setup error (spec.md's hash_unavailable,
// engine-fatal category) returns a nil Context and a structured error,
// never a partially-initialized one.
func Init(configJSON []byte, callerABIVersion string) (*Context, *reqerrors.Error) {
	logger := rlog.New(false)
	instanceID := uuid.NewString()
	logger = logger.With(zap.String("instance_id", instanceID))

	if err := versionmanifest.CheckCompatibility(callerABIVersion); err != nil {
		logger.Error("abi version mismatch", zap.String("caller_abi_version", callerABIVersion), zap.Error(err))
		return nil, reqerrors.New(reqerrors.CodeHashUnavailable, err.Error())
	}

	if !digest.Available() {
		logger.Error("blake3 primitive unavailable")
		return nil, reqerrors.New(reqerrors.CodeHashUnavailable, "blake3 primitive unavailable")
	}

	cfg, err := config.Load(configJSON)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		return nil, reqerrors.Wrap(reqerrors.CodeJSONParseError, "invalid config_json", err)
	}

	store, err := cas.Open(cfg.CasRoot)
	if err != nil {
		logger.Error("cas open failed", zap.String("cas_root", cfg.CasRoot), zap.Error(err))
		return nil, reqerrors.Wrap(reqerrors.CodeHashUnavailable, "failed to open CAS root", err)
	}

	counters := telemetry.NewCounters()

	var log *audit.Log
	if cfg.EventLogPath != "" {
		log, err = audit.Open(cfg.EventLogPath, audit.ChainEnabled, counters)
		if err != nil {
			logger.Error("audit log open failed", zap.String("event_log_path", cfg.EventLogPath), zap.Error(err))
			store.Close()
			return nil, reqerrors.Wrap(reqerrors.CodeHashUnavailable, "failed to open audit log", err)
		}
	}

	eng := engine.New(store, counters)
	eng.SandboxDisabled = cfg.SandboxDisabled
	if cfg.SandboxDisabled {
		logger.Warn("sandbox enforcement disabled via REQUIEM_SANDBOX_DISABLED")
	}

	logger.Info("engine context initialized",
		zap.String("cas_root", cfg.CasRoot),
		zap.Bool("audit_log_enabled", log != nil),
		zap.String("engine_abi_version", versionmanifest.EngineABIVersion))

	return &Context{
		store:      store,
		eng:        eng,
		log:        log,
		counters:   counters,
		logger:     logger,
		instanceID: instanceID,
	}, nil
}

// Execute parses requestJSON, runs it, and returns the canonical result
// JSON. A malformed request never reaches the sandbox.
func (c *Context) Execute(ctx context.Context, requestJSON []byte) ([]byte, *reqerrors.Error) {
	var req requesttypes.ExecutionRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return nil, reqerrors.Wrap(reqerrors.CodeJSONParseError, "invalid request_json", err)
	}

	result := c.eng.Execute(ctx, req)
	if !result.Ok {
		c.logger.Warn("execution failed",
			zap.String("error_code", result.ErrorCode),
			zap.String("request_digest", result.RequestDigest))
	}

	if c.log != nil {
		record := requesttypes.ProvenanceRecord{
			ExecutionID:          result.RequestDigest,
			TenantID:             req.TenantID,
			RequestDigest:        result.RequestDigest,
			ResultDigest:         result.ResultDigest,
			EngineSemver:         versionmanifest.EngineSemver,
			EngineABIVersion:     versionmanifest.EngineABIVersion,
			HashAlgorithmVersion: versionmanifest.HashAlgorithmVersion,
			CasFormatVersion:     versionmanifest.CasFormatVersion,
			Ok:                   result.Ok,
			ErrorCode:            result.ErrorCode,
			DurationNs:           result.Metrics.DurationNs,
		}
		if !c.log.Append(&record) {
			c.logger.Error("audit log append failed", zap.String("execution_id", record.ExecutionID))
		}
	}

	out, err := canon.CanonicalizeStruct(result)
	if err != nil {
		return nil, reqerrors.Wrap(reqerrors.CodeJSONParseError, "failed to marshal result", err)
	}
	return out, nil
}

// Replay parses requestJSON and expectedResultJSON, re-executes the
// request, and reports whether the fresh result_digest matches.
func (c *Context) Replay(ctx context.Context, requestJSON, expectedResultJSON []byte) (bool, *reqerrors.Error) {
	var req requesttypes.ExecutionRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return false, reqerrors.Wrap(reqerrors.CodeJSONParseError, "invalid request_json", err)
	}
	var expected requesttypes.ExecutionResult
	if err := json.Unmarshal(expectedResultJSON, &expected); err != nil {
		return false, reqerrors.Wrap(reqerrors.CodeJSONParseError, "invalid expected_result_json", err)
	}

	ok := replay.ValidateReplay(ctx, c.eng, c.counters, req, expected)
	if !ok {
		c.logger.Warn("replay divergence detected", zap.String("request_digest", expected.RequestDigest))
		return false, reqerrors.New(reqerrors.CodeReplayFailed, "result_digest diverged on replay")
	}

	// The only side effect a verified replay is allowed: a new provenance
	// record carrying replay_verified=true, correlated to the original
	// execution by request/result digest. The audit log is append-only,
	// so this rides in as its own entry rather than mutating the original.
	if c.log != nil {
		record := requesttypes.ProvenanceRecord{
			ExecutionID:          expected.RequestDigest,
			TenantID:             req.TenantID,
			RequestDigest:        expected.RequestDigest,
			ResultDigest:         expected.ResultDigest,
			EngineSemver:         versionmanifest.EngineSemver,
			EngineABIVersion:     versionmanifest.EngineABIVersion,
			HashAlgorithmVersion: versionmanifest.HashAlgorithmVersion,
			CasFormatVersion:     versionmanifest.CasFormatVersion,
			Ok:                   true,
			ReplayVerified:       true,
		}
		if !c.log.Append(&record) {
			c.logger.Error("audit log append failed for replay verification", zap.String("execution_id", record.ExecutionID))
		}
	}
	return true, nil
}

// InstanceID returns the random id generated for this Context at Init
// time, used only for log correlation — it never affects hashing and is
// never persisted to the audit log.
func (c *Context) InstanceID() string {
	return c.instanceID
}

// Stats returns the canonical JSON encoding of the engine's counter
// snapshot.
func (c *Context) Stats() ([]byte, *reqerrors.Error) {
	snap := c.counters.Snapshot()
	out, err := canon.CanonicalizeStruct(snap)
	if err != nil {
		return nil, reqerrors.Wrap(reqerrors.CodeJSONParseError, "failed to marshal stats", err)
	}
	return out, nil
}

// Shutdown closes the CAS store and audit log. Not safe to call
// concurrently with Execute/Replay/Stats on the same Context.
func (c *Context) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return
	}
	c.shutdown = true
	c.logger.Info("engine context shutting down")
	if c.log != nil {
		c.log.Close()
	}
	c.store.Close()
	_ = c.logger.Sync()
}
