package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"requiem/internal/cas"
	"requiem/internal/engine"
	"requiem/internal/requesttypes"
	"requiem/internal/telemetry"
)

func newTestEngine(t *testing.T) (*engine.Engine, *cas.Store) {
	t.Helper()
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	counters := telemetry.NewCounters()
	return engine.New(store, counters), store
}

func TestValidateReplaySucceedsForStableRequest(t *testing.T) {
	eng, _ := newTestEngine(t)
	counters := telemetry.NewCounters()
	req := requesttypes.ExecutionRequest{
		Command:        "/bin/echo",
		Argv:           []string{"hello"},
		WorkspaceRoot:  t.TempDir(),
		TimeoutMs:      5000,
		MaxOutputBytes: 1024,
		Policy:         requesttypes.NewDefaultExecPolicy(),
	}
	expected := eng.Execute(context.Background(), req)

	ok := ValidateReplay(context.Background(), eng, counters, req, expected)
	assert.True(t, ok)
	assert.Equal(t, int64(1), counters.Snapshot().ReplayVerifications)
}

func TestValidateReplayDetectsDivergence(t *testing.T) {
	eng, _ := newTestEngine(t)
	counters := telemetry.NewCounters()
	req := requesttypes.ExecutionRequest{
		Command:        "/bin/echo",
		Argv:           []string{"hello"},
		WorkspaceRoot:  t.TempDir(),
		TimeoutMs:      5000,
		MaxOutputBytes: 1024,
		Policy:         requesttypes.NewDefaultExecPolicy(),
	}
	expected := eng.Execute(context.Background(), req)
	expected.ResultDigest = "0000000000000000000000000000000000000000000000000000000000000000"

	ok := ValidateReplay(context.Background(), eng, counters, req, expected)
	assert.False(t, ok)
	assert.Equal(t, int64(1), counters.Snapshot().ReplayDivergences)
}

func TestValidateReplayWithCASVerifiesStoredOutputs(t *testing.T) {
	_, store := newTestEngine(t)
	counters := telemetry.NewCounters()

	d, err := store.Put([]byte("output contents"), cas.EncodingIdentity)
	require.NoError(t, err)

	expected := requesttypes.ExecutionResult{
		OutputDigests: map[string]string{"out.txt": d.String()},
	}
	ok, rerr := ValidateReplayWithCAS(store, counters, expected)
	assert.True(t, ok)
	assert.Nil(t, rerr)
}

func TestValidateReplayWithCASFailsOnMissingObject(t *testing.T) {
	_, store := newTestEngine(t)
	counters := telemetry.NewCounters()

	missingDigest := "abcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefab"
	expected := requesttypes.ExecutionResult{
		OutputDigests: map[string]string{"out.txt": missingDigest + "cd"},
	}
	_, rerr := ValidateReplayWithCAS(store, counters, expected)
	require.NotNil(t, rerr)
}
