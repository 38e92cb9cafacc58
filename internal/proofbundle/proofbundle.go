// Package proofbundle exports a single ExecutionResult as a standalone
// JSON file — a "proof bundle" — that carries every digest needed to
// verify the run offline, without access to the CAS or the audit log.
// This supplements spec.md's replay verifier (internal/replay), which
// requires a live engine or CAS store, with a portable artifact a third
// party can check against nothing but the bundle itself.
//
// Grounded on proofbundle.go from the teacher's pack devkit: same
// schema/fingerprint/signature shape, generalized from the teacher's
// per-pack "run fingerprint" to this engine's request/result digest pair
// and re-pointed from SHA-256 to BLAKE3, called directly rather than
// through internal/digest (see fingerprint). Optional attestation (signer.go) is grounded on the
// key-file layout of the teacher's packkit FileKeySigner, collapsed from
// a pluggable multi-backend signer interface down to a single concrete
// ed25519 key type — a proof bundle only ever signs one kind of payload,
// so there is nothing for a plugin registry to abstract over.
package proofbundle

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"lukechampine.com/blake3"

	"requiem/internal/canon"
	"requiem/internal/requesttypes"
	"requiem/internal/versionmanifest"
)

// Version is the proof bundle format version. It is independent of the
// six versionmanifest constants — bumping it never implies a change to
// the engine's own ABI, hash, or CAS format.
const Version = "1.0.0"

// ArtifactDigest names one CAS-backed output by its logical path.
type ArtifactDigest struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}

// Bundle is the standalone, offline-verifiable record of one execution.
type Bundle struct {
	Version              string             `json:"version"`
	Fingerprint          string             `json:"fingerprint"`
	RequestDigest        string             `json:"request_digest"`
	ResultDigest         string             `json:"result_digest"`
	StdoutDigest         string             `json:"stdout_digest"`
	StderrDigest         string             `json:"stderr_digest"`
	OutputDigests        []ArtifactDigest   `json:"output_digests"`
	Ok                   bool               `json:"ok"`
	ExitCode             int                `json:"exit_code"`
	EngineSemver         string             `json:"engine_semver"`
	EngineABIVersion     string             `json:"engine_abi_version"`
	HashAlgorithmVersion string             `json:"hash_algorithm_version"`
	CasFormatVersion     string             `json:"cas_format_version"`
	CreatedAtUnixMs      int64              `json:"created_at_unix_ms"`
	Signature            *Signature         `json:"signature,omitempty"`
}

// Export builds a Bundle from a completed ExecutionResult. The result's
// own result_digest is trusted as-is; Export does not re-derive it from
// the engine, since a bundle must be producible by a caller that only
// holds the result value.
func Export(result requesttypes.ExecutionResult, createdAtUnixMs int64) (*Bundle, error) {
	if !result.Ok {
		return nil, fmt.Errorf("proofbundle: cannot export a failed execution (error_code=%s)", result.ErrorCode)
	}

	outputs := make([]ArtifactDigest, 0, len(result.OutputDigests))
	for path, digest := range result.OutputDigests {
		outputs = append(outputs, ArtifactDigest{Path: path, Digest: digest})
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Path < outputs[j].Path })

	b := &Bundle{
		Version:              Version,
		RequestDigest:        result.RequestDigest,
		ResultDigest:         result.ResultDigest,
		StdoutDigest:         result.StdoutDigest,
		StderrDigest:         result.StderrDigest,
		OutputDigests:        outputs,
		Ok:                   result.Ok,
		ExitCode:             result.ExitCode,
		EngineSemver:         versionmanifest.EngineSemver,
		EngineABIVersion:     versionmanifest.EngineABIVersion,
		HashAlgorithmVersion: versionmanifest.HashAlgorithmVersion,
		CasFormatVersion:     versionmanifest.CasFormatVersion,
		CreatedAtUnixMs:      createdAtUnixMs,
	}

	fp, err := fingerprint(b)
	if err != nil {
		return nil, err
	}
	b.Fingerprint = fp
	return b, nil
}

// Verify recomputes the bundle's fingerprint and, if a signature is
// attached, checks it against trustedKeys. A bundle with no signature
// verifies on fingerprint alone — signatures are an optional attestation
// layer, not a requirement of the format.
func Verify(b *Bundle, trustedKeys map[string]string) error {
	if b.ResultDigest == "" || b.RequestDigest == "" {
		return fmt.Errorf("proofbundle: missing request_digest or result_digest")
	}
	want, err := fingerprint(b)
	if err != nil {
		return err
	}
	if want != b.Fingerprint {
		return fmt.Errorf("proofbundle: fingerprint mismatch: recomputed %s, bundle has %s", want, b.Fingerprint)
	}
	if b.Signature != nil {
		payload, err := signablePayload(b)
		if err != nil {
			return err
		}
		ok, err := verifyDetached(payload, *b.Signature, trustedKeys)
		if err != nil {
			return fmt.Errorf("proofbundle: signature verification: %w", err)
		}
		if !ok {
			return fmt.Errorf("proofbundle: signature invalid for key %s", b.Signature.KeyID)
		}
	}
	return nil
}

// Sign attaches a signature over the bundle's canonical (unsigned) form
// using key.
func Sign(b *Bundle, key *Key) error {
	payload, err := signablePayload(b)
	if err != nil {
		return err
	}
	b.Signature = &Signature{
		KeyID:     key.KeyID(),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(key.privateKey, payload)),
	}
	return nil
}

// Load parses a bundle from r.
func Load(r io.Reader) (*Bundle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("proofbundle: read: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("proofbundle: parse: %w", err)
	}
	return &b, nil
}

// Save writes a bundle as indented JSON.
func Save(b *Bundle, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}

// signablePayload returns the canonical bytes a signature covers: the
// bundle with Fingerprint and Signature cleared, so signing never
// depends on whether the fingerprint has already been computed.
func signablePayload(b *Bundle) ([]byte, error) {
	clean := *b
	clean.Fingerprint = ""
	clean.Signature = nil
	return canon.CanonicalizeStruct(clean)
}

// fingerprint hashes the bundle's canonical unsigned form. This
// deliberately does not go through digest.Compute: a bundle fingerprint
// is neither a request_digest, result_digest, nor CAS key, and
// digest.Compute panics outside that three-domain set by design.
func fingerprint(b *Bundle) (string, error) {
	payload, err := signablePayload(b)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
