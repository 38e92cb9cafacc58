package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"requiem/internal/requesttypes"
)

// TestMain guards against leaked output-draining goroutines: Run spawns
// one per stream and a bug in its shutdown path would otherwise only show
// up as flaky process exhaustion much later.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunEchoSucceeds(t *testing.T) {
	ws := t.TempDir()
	res, err := Run(context.Background(), ProcessSpec{
		Command:        "/bin/echo",
		Argv:           []string{"hello"},
		WorkspaceRoot:  ws,
		TimeoutMs:      5000,
		MaxOutputBytes: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", string(res.StdoutBytes))
	assert.False(t, res.StdoutTruncated)
}

func TestRunTimeoutEscalates(t *testing.T) {
	ws := t.TempDir()
	start := time.Now()
	res, err := Run(context.Background(), ProcessSpec{
		Command:        "/bin/sleep",
		Argv:           []string{"10"},
		WorkspaceRoot:  ws,
		TimeoutMs:      100,
		MaxOutputBytes: 1024,
	})
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "timeout", res.ErrorCode)
	assert.NotEmpty(t, res.TerminationReason)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRunPathEscapeRejected(t *testing.T) {
	ws := t.TempDir()
	res, err := Run(context.Background(), ProcessSpec{
		Command:       "/bin/echo",
		Argv:          []string{"hi"},
		WorkspaceRoot: ws,
		Inputs:        map[string]string{"x": "../../etc/passwd"},
		TimeoutMs:     5000,
	})
	require.NoError(t, err)
	assert.Equal(t, "path_escape", res.ErrorCode)
}

func TestRunSpawnFailedForMissingCommand(t *testing.T) {
	ws := t.TempDir()
	res, err := Run(context.Background(), ProcessSpec{
		Command:       "/nonexistent/binary/zzz",
		WorkspaceRoot: ws,
		TimeoutMs:     1000,
	})
	require.NoError(t, err)
	assert.Equal(t, "spawn_failed", res.ErrorCode)
}

func TestBoundedWriterTruncatesAtLimit(t *testing.T) {
	w, truncated := newBoundedWriter(4)
	_, _ = w.Write([]byte("hello world"))
	assert.Equal(t, "hell", string(w.Bytes()))
	assert.True(t, *truncated)
}

func TestScrubbedEnvironSortedOrder(t *testing.T) {
	out := scrubbedEnviron(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"A=1", "B=2"}, out)
}

func TestRunMissingDeclaredInputFails(t *testing.T) {
	ws := t.TempDir()
	res, err := Run(context.Background(), ProcessSpec{
		Command:       "/bin/echo",
		Argv:          []string{"hi"},
		WorkspaceRoot: ws,
		Inputs:        map[string]string{"config": "config.json"},
		TimeoutMs:     5000,
	})
	require.NoError(t, err)
	assert.Equal(t, "missing_input", res.ErrorCode)
}

func TestStripTimeLocaleVarsRemovesOnlyNamedKeys(t *testing.T) {
	env := map[string]string{"TZ": "UTC", "LC_ALL": "C", "LANG": "en_US.UTF-8", "PATH": "/usr/bin"}
	stripped := stripTimeLocaleVars(env)

	assert.NotContains(t, stripped, "TZ")
	assert.NotContains(t, stripped, "LC_ALL")
	assert.NotContains(t, stripped, "LANG")
	assert.Equal(t, "/usr/bin", stripped["PATH"])
}

func TestRunFixedZeroUnsetsLocaleVarsInChild(t *testing.T) {
	ws := t.TempDir()
	res, err := Run(context.Background(), ProcessSpec{
		Command:        "/usr/bin/env",
		WorkspaceRoot:  ws,
		TimeoutMs:      5000,
		MaxOutputBytes: 4096,
		TimeMode:       "fixed_zero",
		Env:            map[string]string{"LC_ALL": "C", "LANG": "en_US.UTF-8", "PATH": "/usr/bin:/bin"},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(res.StdoutBytes), "LC_ALL=")
	assert.NotContains(t, string(res.StdoutBytes), "LANG=")
}

func TestRunEnforcedMemoryLimitReportsEnforced(t *testing.T) {
	ws := t.TempDir()
	res, err := Run(context.Background(), ProcessSpec{
		Command:            "/bin/echo",
		Argv:               []string{"bounded"},
		WorkspaceRoot:      ws,
		TimeoutMs:          5000,
		MaxOutputBytes:     1024,
		EnforceSandbox:     true,
		MaxMemoryBytes:     256 * 1024 * 1024,
		MaxFileDescriptors: 64,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "bounded\n", string(res.StdoutBytes))
	assert.Equal(t, requesttypes.EnforcementEnforced, res.SandboxApplied["memory"])
	assert.Equal(t, requesttypes.EnforcementEnforced, res.SandboxApplied["file_descriptors"])
}
