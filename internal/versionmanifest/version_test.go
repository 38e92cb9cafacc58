package versionmanifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCompatibilityAcceptsMatchingABI(t *testing.T) {
	assert.Nil(t, CheckCompatibility(EngineABIVersion))
}

func TestCheckCompatibilityRejectsMismatch(t *testing.T) {
	err := CheckCompatibility("999")
	assert.NotNil(t, err)
	assert.Equal(t, "engine_abi_version", err.Field)
}

func TestCheckHashAlgorithmRejectsMismatch(t *testing.T) {
	err := CheckHashAlgorithm("sha256-v1")
	assert.NotNil(t, err)
}

func TestCheckCasFormatRejectsMismatch(t *testing.T) {
	err := CheckCasFormat("1")
	assert.NotNil(t, err)
}
