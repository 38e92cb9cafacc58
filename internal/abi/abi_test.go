package abi

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"requiem/internal/requesttypes"
	"requiem/internal/versionmanifest"
)

func TestInitRejectsABIMismatch(t *testing.T) {
	ctx, err := Init(nil, "999")
	assert.Nil(t, ctx)
	require.NotNil(t, err)
	assert.Equal(t, "hash_unavailable", string(err.Code))
}

func TestInitExecuteShutdown(t *testing.T) {
	root := t.TempDir()
	configJSON, _ := json.Marshal(map[string]string{"cas_root": filepath.Join(root, "cas")})

	c, err := Init(configJSON, versionmanifest.EngineABIVersion)
	require.Nil(t, err)
	require.NotNil(t, c)
	defer c.Shutdown()

	req := requesttypes.ExecutionRequest{
		Command:        "/bin/echo",
		Argv:           []string{"hi"},
		WorkspaceRoot:  root,
		TimeoutMs:      5000,
		MaxOutputBytes: 1024,
		Policy:         requesttypes.NewDefaultExecPolicy(),
	}
	reqJSON, _ := json.Marshal(req)

	resultJSON, execErr := c.Execute(context.Background(), reqJSON)
	require.Nil(t, execErr)

	var result requesttypes.ExecutionResult
	require.NoError(t, json.Unmarshal(resultJSON, &result))
	assert.True(t, result.Ok)
	assert.Equal(t, "hi\n", result.StdoutText)
}

func TestStatsReflectsExecutions(t *testing.T) {
	root := t.TempDir()
	configJSON, _ := json.Marshal(map[string]string{"cas_root": filepath.Join(root, "cas")})
	c, err := Init(configJSON, versionmanifest.EngineABIVersion)
	require.Nil(t, err)
	defer c.Shutdown()

	req := requesttypes.ExecutionRequest{
		Command:        "/bin/echo",
		Argv:           []string{"hi"},
		WorkspaceRoot:  root,
		TimeoutMs:      5000,
		MaxOutputBytes: 1024,
		Policy:         requesttypes.NewDefaultExecPolicy(),
	}
	reqJSON, _ := json.Marshal(req)
	_, execErr := c.Execute(context.Background(), reqJSON)
	require.Nil(t, execErr)

	statsJSON, statsErr := c.Stats()
	require.Nil(t, statsErr)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(statsJSON, &snap))
	assert.Equal(t, float64(1), snap["executions_total"])
}

func TestReplaySucceedsWithoutBumpingExecutionCounters(t *testing.T) {
	root := t.TempDir()
	configJSON, _ := json.Marshal(map[string]string{"cas_root": filepath.Join(root, "cas")})
	c, err := Init(configJSON, versionmanifest.EngineABIVersion)
	require.Nil(t, err)
	defer c.Shutdown()

	req := requesttypes.ExecutionRequest{
		Command:        "/bin/echo",
		Argv:           []string{"hi"},
		WorkspaceRoot:  root,
		TimeoutMs:      5000,
		MaxOutputBytes: 1024,
		Policy:         requesttypes.NewDefaultExecPolicy(),
	}
	reqJSON, _ := json.Marshal(req)

	resultJSON, execErr := c.Execute(context.Background(), reqJSON)
	require.Nil(t, execErr)

	ok, replayErr := c.Replay(context.Background(), reqJSON, resultJSON)
	require.Nil(t, replayErr)
	assert.True(t, ok)

	statsJSON, statsErr := c.Stats()
	require.Nil(t, statsErr)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(statsJSON, &snap))
	assert.Equal(t, float64(1), snap["executions_total"])
	assert.Equal(t, float64(1), snap["replay_verifications"])
}

func TestReplayReportsDivergenceOnMismatch(t *testing.T) {
	root := t.TempDir()
	configJSON, _ := json.Marshal(map[string]string{"cas_root": filepath.Join(root, "cas")})
	c, err := Init(configJSON, versionmanifest.EngineABIVersion)
	require.Nil(t, err)
	defer c.Shutdown()

	req := requesttypes.ExecutionRequest{
		Command:        "/bin/echo",
		Argv:           []string{"hi"},
		WorkspaceRoot:  root,
		TimeoutMs:      5000,
		MaxOutputBytes: 1024,
		Policy:         requesttypes.NewDefaultExecPolicy(),
	}
	reqJSON, _ := json.Marshal(req)

	resultJSON, execErr := c.Execute(context.Background(), reqJSON)
	require.Nil(t, execErr)

	var result requesttypes.ExecutionResult
	require.NoError(t, json.Unmarshal(resultJSON, &result))
	result.ResultDigest = "tampered"
	tamperedJSON, _ := json.Marshal(result)

	ok, replayErr := c.Replay(context.Background(), reqJSON, tamperedJSON)
	require.NotNil(t, replayErr)
	assert.False(t, ok)
	assert.Equal(t, "replay_failed", string(replayErr.Code))
}
