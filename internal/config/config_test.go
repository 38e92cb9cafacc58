package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCasRoot(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultCasRoot, cfg.CasRoot)
}

func TestLoadOverridesCasRootFromJSON(t *testing.T) {
	cfg, err := Load([]byte(`{"cas_root":"/tmp/custom/cas"}`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom/cas", cfg.CasRoot)
}

func TestLoadAppliesSandboxDisabledEnv(t *testing.T) {
	t.Setenv("REQUIEM_SANDBOX_DISABLED", "1")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.True(t, cfg.SandboxDisabled)
}

func TestLoadAuditLogEnvOnlyAppliesWithoutProgrammaticPath(t *testing.T) {
	t.Setenv("REQUIEM_AUDIT_LOG", "/var/log/requiem-audit.ndjson")
	cfg, err := Load([]byte(`{"event_log_path":"/explicit/path.ndjson"}`))
	require.NoError(t, err)
	assert.Equal(t, "/explicit/path.ndjson", cfg.EventLogPath)
}

func TestLoadAuditLogEnvAppliesWhenUnset(t *testing.T) {
	t.Setenv("REQUIEM_AUDIT_LOG", "/var/log/requiem-audit.ndjson")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/requiem-audit.ndjson", cfg.EventLogPath)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	_, err := Load([]byte(`{not json`))
	require.Error(t, err)
}
