// Package requesttypes defines the value-owned request/result/provenance
// records carried across the engine's module boundaries, per spec.md §3.
// None of these types implement encoding/json.Marshaler directly — they
// go through internal/canon so the byte form is always the canonical one.
package requesttypes

// ExecPolicy mirrors spec.md §3's ExecPolicy record.
type ExecPolicy struct {
	Deterministic         bool              `json:"deterministic"`
	AllowOutsideWorkspace bool              `json:"allow_outside_workspace"`
	InheritEnv            bool              `json:"inherit_env"`
	Mode                  string            `json:"mode"`           // "strict" | "observe"
	TimeMode              string            `json:"time_mode"`      // "fixed_zero" | "passthrough"
	SchedulerMode         string            `json:"scheduler_mode"` // "repro" | "turbo"
	EnvAllowlist          []string          `json:"env_allowlist"`
	EnvDenylist           []string          `json:"env_denylist"`
	RequiredEnv           map[string]string `json:"required_env"`
	EnforceSandbox        bool              `json:"enforce_sandbox"`
	MaxMemoryBytes        int64             `json:"max_memory_bytes"`
	MaxFileDescriptors    int64             `json:"max_file_descriptors"`
}

// DefaultEnvDenylist is the baseline denylist spec.md §3 names.
var DefaultEnvDenylist = []string{"RANDOM", "TZ", "HOSTNAME", "PWD", "OLDPWD", "SHLVL"}

// DefaultRequiredEnv is injected last over any caller-supplied value,
// guaranteeing Python's hash randomization is off in child processes.
var DefaultRequiredEnv = map[string]string{"PYTHONHASHSEED": "0"}

// NewDefaultExecPolicy returns the policy spec.md implies when a request
// supplies no explicit overrides.
func NewDefaultExecPolicy() ExecPolicy {
	required := make(map[string]string, len(DefaultRequiredEnv))
	for k, v := range DefaultRequiredEnv {
		required[k] = v
	}
	denylist := make([]string, len(DefaultEnvDenylist))
	copy(denylist, DefaultEnvDenylist)
	return ExecPolicy{
		Deterministic:  true,
		Mode:           "strict",
		TimeMode:       "fixed_zero",
		SchedulerMode:  "repro",
		EnvDenylist:    denylist,
		RequiredEnv:    required,
		EnforceSandbox: true,
	}
}

// LLMOptions is carried for forward compatibility with LLM runner
// integrations (an out-of-scope collaborator); the core never inspects
// its contents beyond passing it through unchanged.
type LLMOptions struct {
	Provider string            `json:"provider,omitempty"`
	Model    string            `json:"model,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// ExecutionRequest mirrors spec.md §3's ExecutionRequest record.
type ExecutionRequest struct {
	RequestID      string            `json:"request_id"`
	Command        string            `json:"command"`
	Argv           []string          `json:"argv"`
	Env            map[string]string `json:"env"`
	Cwd            string            `json:"cwd"`
	WorkspaceRoot  string            `json:"workspace_root"`
	Inputs         map[string]string `json:"inputs"`
	Outputs        []string          `json:"outputs"`
	Nonce          uint64            `json:"nonce"`
	TimeoutMs      int64             `json:"timeout_ms"`
	MaxOutputBytes int64             `json:"max_output_bytes"`
	Policy         ExecPolicy        `json:"policy"`
	TenantID       string            `json:"tenant_id"`
	LLM            *LLMOptions       `json:"llm_options,omitempty"`
}

// CanonicalView projects the fields that participate in request_digest,
// structurally excluding tenant_id, request_id, and any timing field so
// that the exclusion cannot be forgotten at a call site (spec.md §3
// invariant: "tenant_id, request_id, and any timing fields are excluded").
type CanonicalView struct {
	Command        string            `json:"command"`
	Argv           []string          `json:"argv"`
	Env            map[string]string `json:"env"`
	Cwd            string            `json:"cwd"`
	WorkspaceRoot  string            `json:"workspace_root"`
	Inputs         map[string]string `json:"inputs"`
	Outputs        []string          `json:"outputs"`
	Nonce          uint64            `json:"nonce"`
	TimeoutMs      int64             `json:"timeout_ms"`
	MaxOutputBytes int64             `json:"max_output_bytes"`
	Policy         ExecPolicy        `json:"policy"`
}

// Canonical strips tenant_id/request_id/timing from r, returning the view
// that request_digest is computed over.
func (r ExecutionRequest) Canonical() CanonicalView {
	return CanonicalView{
		Command:        r.Command,
		Argv:           r.Argv,
		Env:            r.Env,
		Cwd:            r.Cwd,
		WorkspaceRoot:  r.WorkspaceRoot,
		Inputs:         r.Inputs,
		Outputs:        r.Outputs,
		Nonce:          r.Nonce,
		TimeoutMs:      r.TimeoutMs,
		MaxOutputBytes: r.MaxOutputBytes,
		Policy:         r.Policy,
	}
}

// PolicyApplied echoes the policy decisions actually made after resolving
// defaults, denylists, and required-env merges.
type PolicyApplied struct {
	Mode            string            `json:"mode"`
	TimeMode        string            `json:"time_mode"`
	SchedulerMode   string            `json:"scheduler_mode"`
	ResolvedEnv     map[string]string `json:"resolved_env"`
	EnforceSandbox  bool              `json:"enforce_sandbox"`
	DeniedEnvKeys   []string          `json:"denied_env_keys"`
	InjectedEnvKeys []string          `json:"injected_env_keys"`
}

// EnforcementLevel truthfully distinguishes what the sandbox actually
// achieved for a given limit, per spec.md §4.3.
type EnforcementLevel string

const (
	EnforcementEnforced    EnforcementLevel = "enforced"
	EnforcementPartial     EnforcementLevel = "partial"
	EnforcementUnsupported EnforcementLevel = "unsupported"
)

// SandboxApplied is the capability report echoing what enforcement the
// executor actually applied, keyed by limit name
// (memory, file_descriptors, cpu_time, filesystem).
type SandboxApplied map[string]EnforcementLevel

// ExecutionMetrics carries the non-canonical timing data measured during
// a single execution; never hashed into result_digest.
type ExecutionMetrics struct {
	DurationNs      int64 `json:"duration_ns"`
	SandboxSetupNs  int64 `json:"sandbox_setup_ns"`
	WaitNs          int64 `json:"wait_ns"`
	OutputCollectNs int64 `json:"output_collect_ns"`
}

// TraceEvent is one entry of the optional execution trace, included in
// trace_digest when present.
type TraceEvent struct {
	Name       string            `json:"name"`
	OffsetNs   int64             `json:"offset_ns"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ExecutionResult mirrors spec.md §3's ExecutionResult record.
type ExecutionResult struct {
	Ok                bool              `json:"ok"`
	ExitCode          int               `json:"exit_code"`
	ErrorCode         string            `json:"error_code,omitempty"`
	TerminationReason string            `json:"termination_reason,omitempty"`
	StdoutText        string            `json:"stdout_text"`
	StderrText        string            `json:"stderr_text"`
	StdoutTruncated   bool              `json:"stdout_truncated"`
	StderrTruncated   bool              `json:"stderr_truncated"`
	RequestDigest     string            `json:"request_digest"`
	StdoutDigest      string            `json:"stdout_digest"`
	StderrDigest      string            `json:"stderr_digest"`
	ResultDigest      string            `json:"result_digest"`
	TraceDigest       string            `json:"trace_digest,omitempty"`
	TraceEvents       []TraceEvent      `json:"trace_events,omitempty"`
	OutputDigests     map[string]string `json:"output_digests"`
	PolicyApplied     PolicyApplied     `json:"policy_applied"`
	SandboxApplied    SandboxApplied    `json:"sandbox_applied"`
	Metrics           ExecutionMetrics  `json:"-"`
}

// ResultCanonicalView projects the fields that participate in
// result_digest. Timing/metrics are left out, and this format has no
// audit_log_id or signature field. The view also leaves out stdout_text
// and stderr_text (covered through stdout_digest/stderr_digest), the
// stdout/stderr truncation flags, request_digest, trace_events, and
// result_digest itself, so result_digest does not change when only those
// fields differ.
type ResultCanonicalView struct {
	Ok                bool              `json:"ok"`
	ExitCode          int               `json:"exit_code"`
	ErrorCode         string            `json:"error_code,omitempty"`
	TerminationReason string            `json:"termination_reason,omitempty"`
	StdoutDigest      string            `json:"stdout_digest"`
	StderrDigest      string            `json:"stderr_digest"`
	TraceDigest       string            `json:"trace_digest,omitempty"`
	OutputDigests     map[string]string `json:"output_digests"`
	PolicyApplied     PolicyApplied     `json:"policy_applied"`
	SandboxApplied    SandboxApplied    `json:"sandbox_applied"`
}

// Canonical strips non-digest-relevant fields from a result.
func (r ExecutionResult) Canonical() ResultCanonicalView {
	return ResultCanonicalView{
		Ok:                r.Ok,
		ExitCode:          r.ExitCode,
		ErrorCode:         r.ErrorCode,
		TerminationReason: r.TerminationReason,
		StdoutDigest:      r.StdoutDigest,
		StderrDigest:      r.StderrDigest,
		TraceDigest:       r.TraceDigest,
		OutputDigests:     r.OutputDigests,
		PolicyApplied:     r.PolicyApplied,
		SandboxApplied:    r.SandboxApplied,
	}
}

// ProvenanceRecord mirrors spec.md §3's ProvenanceRecord.
type ProvenanceRecord struct {
	Sequence             uint64 `json:"sequence"`
	ExecutionID          string `json:"execution_id"`
	TenantID             string `json:"tenant_id"`
	RequestDigest        string `json:"request_digest"`
	ResultDigest         string `json:"result_digest"`
	EngineSemver         string `json:"engine_semver"`
	EngineABIVersion     string `json:"engine_abi_version"`
	HashAlgorithmVersion string `json:"hash_algorithm_version"`
	CasFormatVersion     string `json:"cas_format_version"`
	ReplayVerified       bool   `json:"replay_verified"`
	Ok                   bool   `json:"ok"`
	ErrorCode            string `json:"error_code,omitempty"`
	DurationNs           int64  `json:"duration_ns"`
	TimestampUnixMs      int64  `json:"timestamp_unix_ms"`
	WorkerID             string `json:"worker_id,omitempty"`
	NodeID               string `json:"node_id,omitempty"`
	PreviousEntryDigest  string `json:"previous_entry_digest,omitempty"`
}
