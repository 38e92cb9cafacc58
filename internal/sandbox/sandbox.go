// Package sandbox implements the deterministic process executor of
// spec.md §4.3: environment scrubbing, workspace confinement, resource
// limits, bounded output capture, and signal-escalation timeouts.
//
// The spawn shape is grounded on internal/workspace/runner.go's
// exec.CommandContext + CombinedOutput pattern from the teacher repo,
// generalized to separate stdout/stderr streams with independent
// truncation and a two-stage SIGTERM/SIGKILL escalation instead of
// relying solely on context cancellation. Workspace path confinement is
// grounded on internal/sandbox/sandbox.go's ResolveWorkspacePath
// (filepath.Clean + filepath.Rel escape detection), generalized from a
// single runID-scoped root to the request's own workspace_root.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	reqerrors "requiem/internal/errors"
	"requiem/internal/requesttypes"
)

// gracePeriod is the wait between SIGTERM and SIGKILL on timeout.
const gracePeriod = 200 * time.Millisecond

// timeLocaleVars are unset entirely (not set to empty) under
// time_mode == "fixed_zero" — an empty TZ or LC_ALL still changes libc
// formatting behavior versus the variable being absent from the child's
// environment altogether.
var timeLocaleVars = []string{"TZ", "LC_ALL", "LANG"}

// Resource limits are process-wide: unix.Setrlimit has no equivalent of a
// pre-exec hook scoped to a not-yet-started child, so Run cannot call it
// directly without mutating the calling engine process's own limits. The
// fix is to re-exec this same binary as a short-lived shim: it applies
// Setrlimit to itself (now genuinely a distinct, about-to-be-replaced
// process), then execs into the real target. Rlimits and the process's
// PID both survive exec, so the existing process-group timeout logic
// keeps working unchanged.
const (
	shimMarkerEnv = "REQUIEM_SANDBOX_SHIM"
	shimTargetEnv = "REQUIEM_SANDBOX_SHIM_TARGET"
	shimArgvEnv   = "REQUIEM_SANDBOX_SHIM_ARGV"
	shimEnvEnv    = "REQUIEM_SANDBOX_SHIM_ENV"
	shimMaxFDEnv  = "REQUIEM_SANDBOX_SHIM_MAX_FD"
	shimMaxMemEnv = "REQUIEM_SANDBOX_SHIM_MAX_MEM"
)

// init intercepts the process before anything else runs whenever Run has
// re-exec'd this same binary into shim mode. A normal invocation of the
// engine never sets shimMarkerEnv, so this is a no-op in every other case.
func init() {
	if os.Getenv(shimMarkerEnv) != "1" {
		return
	}
	runShim()
}

// runShim applies the requested rlimits to the current process, then
// replaces its own image with the real target command. It never returns:
// on success syscall.Exec does not come back, and on failure it exits
// the process directly, since there is no caller left to hand an error to.
func runShim() {
	if v := os.Getenv(shimMaxFDEnv); v != "" {
		setRlimitFromEnv(unix.RLIMIT_NOFILE, v)
	}
	if v := os.Getenv(shimMaxMemEnv); v != "" {
		setRlimitFromEnv(unix.RLIMIT_AS, v)
	}

	target := os.Getenv(shimTargetEnv)
	var argv, env []string
	_ = json.Unmarshal([]byte(os.Getenv(shimArgvEnv)), &argv)
	_ = json.Unmarshal([]byte(os.Getenv(shimEnvEnv)), &env)

	if err := syscall.Exec(target, argv, env); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox shim: exec into target failed:", err)
		os.Exit(127)
	}
}

func setRlimitFromEnv(resource int, value string) {
	var n uint64
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return
	}
	lim := unix.Rlimit{Cur: n, Max: n}
	_ = unix.Setrlimit(resource, &lim)
}

// ProcessSpec is the sandbox's input, per spec.md §4.3.
type ProcessSpec struct {
	Command            string
	Argv               []string
	Env                map[string]string
	Cwd                string
	WorkspaceRoot      string
	Inputs             map[string]string
	Outputs            []string
	TimeoutMs          int64
	MaxOutputBytes     int64
	TimeMode           string
	Deterministic      bool
	AllowOutsideWS     bool
	EnforceSandbox     bool
	MaxMemoryBytes     int64
	MaxFileDescriptors int64
}

// ProcessResult is the sandbox's output, per spec.md §4.3.
type ProcessResult struct {
	ExitCode          int
	StdoutBytes       []byte
	StderrBytes       []byte
	StdoutTruncated   bool
	StderrTruncated   bool
	TimedOut          bool
	ErrorCode         string
	ErrorMessage      string
	TerminationReason string
	SandboxApplied    requesttypes.SandboxApplied
	ResolvedInputs    map[string]string
	ResolvedOutputs   map[string]string
}

// Run spawns the command described by spec and returns its result. Run
// never returns a Go error for process-level failures — those are
// reported through ProcessResult.ErrorCode, matching the engine's
// values-not-exceptions error model (spec.md §7). This includes a
// ProcessSpec whose paths are empty or escape the workspace (path_escape);
// every return path of Run yields a nil error.
func Run(ctx context.Context, spec ProcessSpec) (*ProcessResult, error) {
	resolvedInputs, err := resolvePaths(spec.WorkspaceRoot, spec.Inputs, spec.AllowOutsideWS)
	if err != nil {
		return &ProcessResult{ErrorCode: string(reqerrors.CodePathEscape), ErrorMessage: err.Error()}, nil
	}
	for name, full := range resolvedInputs {
		if _, statErr := os.Stat(full); statErr != nil {
			return &ProcessResult{ErrorCode: string(reqerrors.CodeMissingInput), ErrorMessage: "declared input not found: " + name}, nil
		}
	}
	resolvedOutputs, err := resolvePaths(spec.WorkspaceRoot, outputsToMap(spec.Outputs), spec.AllowOutsideWS)
	if err != nil {
		return &ProcessResult{ErrorCode: string(reqerrors.CodePathEscape), ErrorMessage: err.Error()}, nil
	}

	envMap := spec.Env
	if spec.TimeMode == "fixed_zero" {
		envMap = stripTimeLocaleVars(envMap)
	}
	env := scrubbedEnviron(envMap)

	timeout := time.Duration(spec.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	applied := sandboxApplied(spec)

	cmd, buildErr := buildCommand(runCtx, spec, env)
	if buildErr != nil {
		return &ProcessResult{ErrorCode: string(reqerrors.CodeSandboxUnavailable), ErrorMessage: buildErr.Error(), SandboxApplied: applied}, nil
	}
	cmd.Dir = spec.Cwd
	if cmd.Dir == "" {
		cmd.Dir = spec.WorkspaceRoot
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	maxOut := spec.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = 10 * 1024 * 1024
	}
	stdoutBuf, stdoutTrunc := newBoundedWriter(maxOut)
	stderrBuf, stderrTrunc := newBoundedWriter(maxOut)
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		return &ProcessResult{ErrorCode: string(reqerrors.CodeSpawnFailed), ErrorMessage: err.Error(), SandboxApplied: applied}, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut bool
	var terminationReason string
	select {
	case <-done:
	case <-timer.C:
		timedOut = true
		terminationReason = "timeout: sent SIGTERM to process group"
		terminateProcessGroup(cmd, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(gracePeriod):
			terminationReason = "timeout: sent SIGKILL after grace period"
			terminateProcessGroup(cmd, syscall.SIGKILL)
			<-done
		}
	}

	result := &ProcessResult{
		ExitCode:        cmd.ProcessState.ExitCode(),
		StdoutBytes:     stdoutBuf.Bytes(),
		StderrBytes:     stderrBuf.Bytes(),
		StdoutTruncated: *stdoutTrunc,
		StderrTruncated: *stderrTrunc,
		TimedOut:        timedOut,
		SandboxApplied:  applied,
		ResolvedInputs:  resolvedInputs,
		ResolvedOutputs: resolvedOutputs,
	}
	if timedOut {
		result.ErrorCode = string(reqerrors.CodeTimeout)
		result.TerminationReason = terminationReason
	}
	return result, nil
}

func outputsToMap(outputs []string) map[string]string {
	m := make(map[string]string, len(outputs))
	for _, o := range outputs {
		m[o] = o
	}
	return m
}

// resolvePaths validates every logical path against workspaceRoot,
// rejecting escapes unless allowOutside is set.
func resolvePaths(workspaceRoot string, paths map[string]string, allowOutside bool) (map[string]string, error) {
	resolved := make(map[string]string, len(paths))
	for name, p := range paths {
		full, err := resolveWorkspacePath(workspaceRoot, p, allowOutside)
		if err != nil {
			return nil, err
		}
		resolved[name] = full
	}
	return resolved, nil
}

func resolveWorkspacePath(workspaceRoot, path string, allowOutside bool) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("sandbox: path is required")
	}
	clean := filepath.Clean(path)
	fullPath := clean
	if !filepath.IsAbs(clean) {
		fullPath = filepath.Join(workspaceRoot, clean)
	}

	if allowOutside {
		return fullPath, nil
	}

	rel, err := filepath.Rel(workspaceRoot, fullPath)
	if err != nil {
		return "", fmt.Errorf("sandbox: path resolution failed: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("sandbox: path escapes workspace: %s", path)
	}
	return fullPath, nil
}

// scrubbedEnviron renders the resolved env map as a sorted KEY=VALUE
// slice. The sort keeps argv/env ordering reproducible across runs, per
// spec.md §4.3's determinism posture ("env is a sorted map").
func scrubbedEnviron(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sortStrings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// stripTimeLocaleVars returns a copy of env with timeLocaleVars removed
// entirely, per spec.md's fixed_zero env-scrubbing step.
func stripTimeLocaleVars(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	for _, k := range timeLocaleVars {
		delete(out, k)
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func terminateProcessGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Signal(sig)
		return
	}
	_ = syscall.Kill(-pgid, sig)
}

// boundedWriter caps the number of bytes retained from a stream at
// limit, discarding the rest while still draining the pipe so the child
// never blocks on a full buffer. Never grows past limit bytes.
type boundedWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newBoundedWriter(limit int64) (*boundedWriter, *bool) {
	w := &boundedWriter{limit: limit}
	return w, &w.truncated
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	remaining := w.limit - int64(w.buf.Len())
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *boundedWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]byte, w.buf.Len())
	copy(out, w.buf.Bytes())
	return out
}

var _ io.Writer = (*boundedWriter)(nil)

// sandboxApplied reports which resource limits buildCommand will actually
// enforce for spec. Memory and file-descriptor ceilings, when requested,
// are enforced in a re-exec'd shim process before it execs into the real
// target (see runShim) — a genuine per-child limit, not an ambient one —
// so both are reported as enforced rather than partial. CPU time has no
// equivalent enforcement mechanism yet, only the wall-clock timeout, so
// it stays partial; filesystem confinement beyond workspace path checks
// is not implemented.
func sandboxApplied(spec ProcessSpec) requesttypes.SandboxApplied {
	applied := requesttypes.SandboxApplied{}
	if !spec.EnforceSandbox {
		applied["memory"] = requesttypes.EnforcementUnsupported
		applied["file_descriptors"] = requesttypes.EnforcementUnsupported
		applied["cpu_time"] = requesttypes.EnforcementUnsupported
		applied["filesystem"] = requesttypes.EnforcementUnsupported
		return applied
	}

	if spec.MaxFileDescriptors > 0 {
		applied["file_descriptors"] = requesttypes.EnforcementEnforced
	} else {
		applied["file_descriptors"] = requesttypes.EnforcementUnsupported
	}
	if spec.MaxMemoryBytes > 0 {
		applied["memory"] = requesttypes.EnforcementEnforced
	} else {
		applied["memory"] = requesttypes.EnforcementUnsupported
	}
	applied["cpu_time"] = requesttypes.EnforcementPartial
	applied["filesystem"] = requesttypes.EnforcementUnsupported
	return applied
}

// buildCommand constructs the exec.Cmd that runs spec.Command. When
// enforcement is requested and a resource limit is actually declared, it
// instead launches this same binary re-exec'd into shim mode (runShim):
// the shim applies the limit to itself — a process distinct from both
// the calling engine and, after exec, the target command — and only
// then execs into spec.Command. This is the only way to scope
// unix.Setrlimit to the child without mutating the engine's own limits,
// since os/exec has no cross-platform pre-exec hook. The error return is
// reserved for cases where the shim path itself cannot be constructed
// (self path or target lookup failing) and maps to sandbox_unavailable,
// distinct from a spawn failure of the target command itself.
func buildCommand(ctx context.Context, spec ProcessSpec, env []string) (*exec.Cmd, error) {
	needsShim := spec.EnforceSandbox && (spec.MaxFileDescriptors > 0 || spec.MaxMemoryBytes > 0)
	if !needsShim {
		cmd := exec.CommandContext(ctx, spec.Command, spec.Argv...)
		cmd.Env = env
		return cmd, nil
	}

	target, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolving target for enforced limits: %w", err)
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolving shim binary: %w", err)
	}

	argv, err := json.Marshal(append([]string{spec.Command}, spec.Argv...))
	if err != nil {
		return nil, fmt.Errorf("sandbox: encoding shim argv: %w", err)
	}
	targetEnv, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encoding shim env: %w", err)
	}

	shimEnviron := []string{
		shimMarkerEnv + "=1",
		shimTargetEnv + "=" + target,
		shimArgvEnv + "=" + string(argv),
		shimEnvEnv + "=" + string(targetEnv),
	}
	if spec.MaxFileDescriptors > 0 {
		shimEnviron = append(shimEnviron, fmt.Sprintf("%s=%d", shimMaxFDEnv, spec.MaxFileDescriptors))
	}
	if spec.MaxMemoryBytes > 0 {
		shimEnviron = append(shimEnviron, fmt.Sprintf("%s=%d", shimMaxMemEnv, spec.MaxMemoryBytes))
	}

	cmd := exec.CommandContext(ctx, self)
	cmd.Env = shimEnviron
	return cmd, nil
}
