// Package execpolicy resolves an ExecPolicy's defaults, allowlist/denylist,
// and required-env injections into the concrete decisions the sandbox and
// engine orchestrator act on. This generalizes the resolution pattern of
// internal/policy/gate.go's Evaluate — that function walks a fixed
// signature→tools→permissions→model→determinism check order and returns
// a cached Decision; here there is no trust decision to cache (every
// field is caller-declared, not signed), so Resolve is a pure function
// with no cache, but keeps the same "declare intent, resolve into an
// applied record" shape.
package execpolicy

import (
	"os"
	"sort"
	"strings"

	"requiem/internal/requesttypes"
)

// Resolve computes the PolicyApplied record for a given ExecPolicy and
// caller-supplied env map, per spec.md §4.3 steps 1-4 (env scrubbing) and
// §4.4 step 2 (policy resolution). It does not perform step 5 (time_mode
// locale unsetting) — the sandbox package does that, removing the
// variables from this resolved env just before spawn.
func Resolve(policy requesttypes.ExecPolicy, callerEnv map[string]string) requesttypes.PolicyApplied {
	mode := policy.Mode
	if mode == "" {
		mode = "strict"
	}
	timeMode := policy.TimeMode
	if timeMode == "" {
		timeMode = "fixed_zero"
	}
	schedulerMode := policy.SchedulerMode
	if schedulerMode == "" {
		schedulerMode = "repro"
	}

	// Step 1: start from the empty set, unless inherit_env asks for the
	// engine process's own environment as the base layer that
	// caller-declared env (step 2) is then merged over.
	resolved := map[string]string{}
	if policy.InheritEnv {
		for k, v := range parentEnviron() {
			resolved[k] = v
		}
	}

	if len(policy.EnvAllowlist) > 0 {
		allowed := toSet(policy.EnvAllowlist)
		for k, v := range callerEnv {
			if _, ok := allowed[k]; ok {
				resolved[k] = v
			}
		}
	} else {
		for k, v := range callerEnv {
			resolved[k] = v
		}
	}

	denylist := policy.EnvDenylist
	if denylist == nil {
		denylist = requesttypes.DefaultEnvDenylist
	}
	var deniedKeys []string
	denySet := toSet(denylist)
	for k := range resolved {
		if _, ok := denySet[k]; ok {
			delete(resolved, k)
			deniedKeys = append(deniedKeys, k)
		}
	}
	sort.Strings(deniedKeys)

	required := policy.RequiredEnv
	if required == nil {
		required = requesttypes.DefaultRequiredEnv
	}
	var injectedKeys []string
	for k, v := range required {
		resolved[k] = v
		injectedKeys = append(injectedKeys, k)
	}
	sort.Strings(injectedKeys)

	return requesttypes.PolicyApplied{
		Mode:            mode,
		TimeMode:        timeMode,
		SchedulerMode:   schedulerMode,
		ResolvedEnv:     resolved,
		EnforceSandbox:  policy.EnforceSandbox,
		DeniedEnvKeys:   deniedKeys,
		InjectedEnvKeys: injectedKeys,
	}
}

// parentEnviron returns the engine process's own environment as a map,
// the base layer inherit_env asks to start from instead of the empty set.
func parentEnviron() map[string]string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[strings.TrimSpace(it)] = struct{}{}
	}
	return s
}
