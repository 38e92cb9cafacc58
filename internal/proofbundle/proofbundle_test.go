package proofbundle

import (
	"bytes"
	"path/filepath"
	"testing"

	"requiem/internal/requesttypes"
)

func sampleResult() requesttypes.ExecutionResult {
	return requesttypes.ExecutionResult{
		Ok:            true,
		ExitCode:      0,
		RequestDigest: "a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4",
		ResultDigest:  "b2c3d4e5b2c3d4e5b2c3d4e5b2c3d4e5b2c3d4e5b2c3d4e5b2c3d4e5b2c3d4e5",
		StdoutDigest:  "c3d4e5f6c3d4e5f6c3d4e5f6c3d4e5f6c3d4e5f6c3d4e5f6c3d4e5f6c3d4e5f6",
		OutputDigests: map[string]string{"out.txt": "d4e5f6a7d4e5f6a7d4e5f6a7d4e5f6a7d4e5f6a7d4e5f6a7d4e5f6a7d4e5f6a7"},
	}
}

func TestExportAndVerifyRoundTrip(t *testing.T) {
	b, err := Export(sampleResult(), 1700000000000)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if b.Fingerprint == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if err := Verify(b, nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestExportRejectsFailedExecution(t *testing.T) {
	res := sampleResult()
	res.Ok = false
	res.ErrorCode = "timeout"
	if _, err := Export(res, 0); err == nil {
		t.Fatal("expected error exporting a failed execution")
	}
}

func TestVerifyDetectsTamperedResultDigest(t *testing.T) {
	b, err := Export(sampleResult(), 1700000000000)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	b.ResultDigest = "0000000000000000000000000000000000000000000000000000000000ff"
	if err := Verify(b, nil); err == nil {
		t.Fatal("expected verification failure after tampering")
	}
}

func TestSignAndVerifyWithFileKey(t *testing.T) {
	b, err := Export(sampleResult(), 1700000000000)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	key, err := LoadOrGenerateKey(filepath.Join(t.TempDir(), "keys"), "dev")
	if err != nil {
		t.Fatalf("load or generate key: %v", err)
	}
	if err := Sign(b, key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if b.Signature == nil {
		t.Fatal("expected signature to be attached")
	}

	trustedKeys := map[string]string{"dev": key.PublicKeyHex()}

	if err := Verify(b, trustedKeys); err != nil {
		t.Fatalf("verify with trusted key: %v", err)
	}
	if err := Verify(b, map[string]string{}); err == nil {
		t.Fatal("expected verification failure with no trusted keys")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	b, err := Export(sampleResult(), 1700000000000)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var buf bytes.Buffer
	if err := Save(b, &buf); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(&buf)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Fingerprint != b.Fingerprint {
		t.Fatalf("fingerprint mismatch after round trip: %s vs %s", loaded.Fingerprint, b.Fingerprint)
	}
}
