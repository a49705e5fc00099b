// Package trust holds the signing-trust primitives shared by the TEE
// attestation validator and the approved-code registry: the root keyring
// quotes are verified against, and the code-digest identity registry
// records are keyed by.
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// CodeDigest is the stable identity of an agent's code: a SHA-256 digest
// rendered as "sha256:<hex>". It is the key format of the approved-code
// registry and the value an attested enclave's measurements reduce to.
type CodeDigest struct {
	Hex string // lowercase hex, 64 chars
}

// ParseCodeDigest parses "sha256:<hex>". Other algorithms are rejected:
// every producer in this system (image references, quote measurements)
// emits SHA-256, and a registry keyed by mixed algorithms could hold two
// records for the same agent.
func ParseCodeDigest(s string) (CodeDigest, error) {
	alg, hexVal, ok := strings.Cut(s, ":")
	if !ok {
		return CodeDigest{}, fmt.Errorf("code digest %q missing algorithm prefix", s)
	}
	if alg != "sha256" {
		return CodeDigest{}, fmt.Errorf("unsupported code digest algorithm %q", alg)
	}
	if len(hexVal) != sha256.Size*2 {
		return CodeDigest{}, fmt.Errorf("code digest hex length %d, want %d", len(hexVal), sha256.Size*2)
	}
	if _, err := hex.DecodeString(hexVal); err != nil {
		return CodeDigest{}, fmt.Errorf("code digest is not hex: %w", err)
	}
	return CodeDigest{Hex: strings.ToLower(hexVal)}, nil
}

// DigestContent computes the code digest of raw content.
func DigestContent(data []byte) CodeDigest {
	h := sha256.Sum256(data)
	return CodeDigest{Hex: hex.EncodeToString(h[:])}
}

// String renders the digest in the registry's key format.
func (d CodeDigest) String() string { return "sha256:" + d.Hex }

// Matches reports whether content hashes to this digest.
func (d CodeDigest) Matches(content []byte) bool {
	return DigestContent(content).Hex == strings.ToLower(d.Hex)
}

// MeasurementDigest reduces a quote's measurement registers (MRENCLAVE/
// MRSIGNER, MR_TD/RTMRs, and so on) to a single code digest. Registers are
// folded in name order with length framing, so the result is independent
// of map iteration and of the order a TEE reports them in, and no two
// distinct register sets collide by concatenation.
func MeasurementDigest(measurements map[string][]byte) CodeDigest {
	names := make([]string, 0, len(measurements))
	for name := range measurements {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%d:%s:%d:", len(name), name, len(measurements[name]))
		h.Write(measurements[name])
	}
	return CodeDigest{Hex: hex.EncodeToString(h.Sum(nil))}
}
