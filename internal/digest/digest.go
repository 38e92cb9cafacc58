// Package digest implements the engine's single hash primitive: a
// domain-separated BLAKE3, as specified in spec.md §4.1. Every digest in
// the system — request, result, and CAS key — goes through this package so
// that the domain-separation invariant cannot be bypassed by a subsystem
// hashing raw bytes directly.
package digest

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// HashAlgorithmVersion is the compile-time constant identifying the hash
// scheme. Two digests may only be compared once both sides have confirmed
// this value matches (spec.md §3 invariant).
const HashAlgorithmVersion = "blake3-domain-v1"

// Domain is one of the three hash namespaces the engine ever produces.
type Domain string

const (
	DomainRequest Domain = "req"
	DomainResult  Domain = "res"
	DomainCAS     Domain = "cas"
)

// Digest is a 32-byte BLAKE3 output. The zero value is not a valid digest;
// use IsZero to test for it explicitly rather than comparing to Digest{}.
type Digest [32]byte

// Compute computes blake3(domain || ":" || payload), the sole hashing
// operation the engine performs. Passing an undeclared domain is a
// programmer error — it panics rather than silently producing an
// unprefixed hash, since a missing domain prefix would be a cross-protocol
// collision waiting to happen.
func Compute(domain Domain, payload []byte) Digest {
	switch domain {
	case DomainRequest, DomainResult, DomainCAS:
	default:
		panic(fmt.Sprintf("digest: unknown domain %q", domain))
	}
	prefixed := make([]byte, 0, len(domain)+1+len(payload))
	prefixed = append(prefixed, domain...)
	prefixed = append(prefixed, ':')
	prefixed = append(prefixed, payload...)
	sum := blake3.Sum256(prefixed)
	return Digest(sum)
}

// RequestDigest computes request_digest = blake3("req:" || canonical_request).
func RequestDigest(canonicalRequest []byte) Digest { return Compute(DomainRequest, canonicalRequest) }

// ResultDigest computes result_digest = blake3("res:" || canonical_result).
func ResultDigest(canonicalResult []byte) Digest { return Compute(DomainResult, canonicalResult) }

// CASKey computes the CAS content key = blake3("cas:" || originalBytes).
func CASKey(originalBytes []byte) Digest { return Compute(DomainCAS, originalBytes) }

// String renders the digest as 64 lowercase hex characters.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d is the unset zero value.
func (d Digest) IsZero() bool { return d == Digest{} }

// Parse decodes a 64-char lowercase hex digest string.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != 64 {
		return d, fmt.Errorf("digest: expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest: invalid hex: %w", err)
	}
	copy(d[:], b)
	return d, nil
}

// Available reports whether the BLAKE3 primitive is usable. It is checked
// once at engine startup; failure here is the one case spec.md marks
// engine-fatal (hash_unavailable, §7).
func Available() bool {
	sum := blake3.Sum256([]byte("requiem-startup-probe"))
	return sum != [32]byte{}
}
