// Package attestation validates TEE quotes: signature verification against
// configured root keys, approved-code registry consultation, and
// trust-level derivation.
package attestation

import (
	"fmt"
	"time"

	"github.com/fortline/verifier/registry"
	"github.com/fortline/verifier/trust"
)

// Platform names the TEE technology that produced a quote.
type Platform string

const (
	PlatformIntelTDX     Platform = "Intel TDX"
	PlatformIntelSGX     Platform = "Intel SGX"
	PlatformAMDSEV       Platform = "AMD SEV"
	PlatformARMTrustZone Platform = "ARM TrustZone"
	PlatformSimulated    Platform = "Simulated"
	PlatformNone         Platform = "None"
)

// TrustLevel is the ordered attestation trust classification.
type TrustLevel string

const (
	TrustHigh      TrustLevel = "HIGH"
	TrustMedium    TrustLevel = "MEDIUM"
	TrustLow       TrustLevel = "LOW"
	TrustUntrusted TrustLevel = "UNTRUSTED"
)

// Quote is the platform-appropriate attestation quote submitted for a
// verification.
type Quote struct {
	Version      int
	Timestamp    time.Time
	Signature    []byte
	Content      []byte // the signed bytes (measurements + header)
	Nonce        string
	PlatformInfo string
	Platform     Platform
	Measurements map[string][]byte // e.g. MRENCLAVE/MRSIGNER or MR_TD/RTMRs
}

// Result is the outcome of validating one quote.
type Result struct {
	Valid        bool
	Platform     Platform
	Measurements map[string][]byte
	Quote        Quote
	TrustLevel   TrustLevel
	Errors       []string
	Warnings     []string
}

// Policy bounds attestation validation: the signer keyring standing in for
// configured root CAs, whether the strict target platform is enforced, the
// allowed timestamp skew, and whether simulated quotes are accepted at all.
type Policy struct {
	Keyring         *trust.Keyring
	RequirePlatform Platform // empty means no platform enforcement
	MaxClockSkew    time.Duration
	AllowSimulation bool
}

// DefaultPolicy is conservative: simulation is rejected unless explicitly
// enabled, and a 5 minute skew window is allowed before it becomes a
// warning.
func DefaultPolicy() Policy {
	return Policy{MaxClockSkew: 5 * time.Minute}
}

// Validator parses and validates TEE quotes against a Policy and an
// Approved-Code Registry.
type Validator struct {
	policy   Policy
	registry *registry.Store
}

// New constructs a Validator.
func New(policy Policy, reg *registry.Store) *Validator {
	return &Validator{policy: policy, registry: reg}
}

// Validate derives the trust level for a quote. codeHash is the digest
// computed over the attested enclave contents; it is the key consulted
// against the registry. An empty codeHash is derived from the quote's own
// measurement registers when the quote carries any.
func (v *Validator) Validate(q Quote, codeHash string) Result {
	res := Result{
		Platform:     q.Platform,
		Measurements: q.Measurements,
		Quote:        q,
	}

	if v.policy.RequirePlatform != "" && q.Platform != v.policy.RequirePlatform {
		res.Valid = false
		res.TrustLevel = TrustUntrusted
		res.Errors = append(res.Errors, fmt.Sprintf("architecture mismatch: quote is %s, policy requires %s", q.Platform, v.policy.RequirePlatform))
		return res
	}

	simulated := q.Platform == PlatformSimulated
	if simulated && !v.policy.AllowSimulation {
		res.Valid = false
		res.TrustLevel = TrustUntrusted
		res.Errors = append(res.Errors, "simulated quote presented but simulation mode is not enabled")
		return res
	}

	sigValid := v.verifySignature(q)
	res.Valid = sigValid
	if !sigValid {
		res.TrustLevel = TrustUntrusted
		res.Errors = append(res.Errors, "quote signature verification failed")
		return res
	}

	if v.policy.MaxClockSkew > 0 {
		skew := time.Since(q.Timestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.policy.MaxClockSkew {
			res.Warnings = append(res.Warnings, fmt.Sprintf("quote timestamp skew %s exceeds allowed window %s", skew, v.policy.MaxClockSkew))
		}
	}

	if codeHash == "" && len(q.Measurements) > 0 {
		codeHash = trust.MeasurementDigest(q.Measurements).String()
	}

	level, warn := v.classify(codeHash)
	if warn != "" {
		res.Warnings = append(res.Warnings, warn)
	}

	if simulated {
		if level == TrustHigh || level == TrustMedium {
			level = TrustLow
		}
		res.Warnings = append(res.Warnings, "attestation produced under simulation mode, trust capped at LOW")
	}

	res.TrustLevel = level
	if level == TrustUntrusted {
		res.Valid = false
	}
	return res
}

// verifySignature checks the quote signature against the configured root
// keyring. An empty keyring fails closed.
func (v *Validator) verifySignature(q Quote) bool {
	if v.policy.Keyring.Empty() {
		return false
	}
	_, ok := v.policy.Keyring.VerifyQuote(q.Content, q.Signature)
	return ok
}

// classify implements the registry-lookup column of the derivation table.
func (v *Validator) classify(codeHash string) (TrustLevel, string) {
	if v.registry == nil {
		return TrustLow, "no registry configured; treating as unrecognized"
	}
	approved, rec, warnings := v.registry.Verify(codeHash)
	if !approved {
		if rec != nil && (rec.Status == "revoked" || rec.Status == "suspicious") {
			return TrustUntrusted, warningText(warnings)
		}
		return TrustLow, "unrecognized code hash; trust lowered to LOW with warning"
	}
	switch rec.Risk {
	case "low":
		return TrustHigh, ""
	case "medium":
		return TrustMedium, ""
	case "high":
		return TrustLow, ""
	default:
		return TrustLow, warningText(warnings)
	}
}

func warningText(warnings []registry.Warning) string {
	if len(warnings) == 0 {
		return ""
	}
	return warnings[0].Message
}
