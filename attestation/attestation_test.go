package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortline/verifier/registry"
	"github.com/fortline/verifier/trust"
)

func newSignedQuote(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, platform Platform) Quote {
	t.Helper()
	content := []byte("measurement-bytes")
	sig := ed25519.Sign(priv, content)
	return Quote{
		Version:   1,
		Timestamp: time.Now(),
		Content:   content,
		Signature: sig,
		Platform:  platform,
	}
}

func newValidator(t *testing.T, pub ed25519.PublicKey, simOK bool) (*Validator, *registry.Store) {
	t.Helper()
	kr := trust.NewKeyring()
	if err := kr.AddRoot("root-ca", trust.ExportKeyPEM(pub)); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}

	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.json"), false)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	policy := Policy{Keyring: kr, MaxClockSkew: 5 * time.Minute, AllowSimulation: simOK}
	return New(policy, reg), reg
}

func TestValidate_InvalidSignatureIsUntrusted(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	_, priv2, _ := ed25519.GenerateKey(rand.Reader) // wrong key signs the quote
	v, _ := newValidator(t, pub, false)

	q := newSignedQuote(t, pub, priv2, PlatformIntelTDX)
	res := v.Validate(q, "sha256:unknown")

	if res.Valid {
		t.Error("expected invalid signature to produce Valid=false")
	}
	if res.TrustLevel != TrustUntrusted {
		t.Errorf("expected UNTRUSTED, got %s", res.TrustLevel)
	}
}

func TestValidate_ApprovedLowRiskYieldsHigh(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v, reg := newValidator(t, pub, false)

	hash := "sha256:approved-agent"
	if err := reg.Add(registry.Record{CodeHash: hash, Status: registry.StatusApproved, Risk: registry.RiskLow}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	q := newSignedQuote(t, pub, priv, PlatformIntelTDX)
	res := v.Validate(q, hash)

	if !res.Valid {
		t.Fatalf("expected valid attestation, errors=%v", res.Errors)
	}
	if res.TrustLevel != TrustHigh {
		t.Errorf("expected HIGH, got %s", res.TrustLevel)
	}
}

func TestValidate_RevokedForcesUntrusted(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v, reg := newValidator(t, pub, false)

	hash := "sha256:revoked-agent"
	if err := reg.Add(registry.Record{CodeHash: hash, Status: registry.StatusRevoked}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	q := newSignedQuote(t, pub, priv, PlatformIntelTDX)
	res := v.Validate(q, hash)

	if res.Valid {
		t.Error("expected revoked record to invalidate attestation")
	}
	if res.TrustLevel != TrustUntrusted {
		t.Errorf("expected UNTRUSTED, got %s", res.TrustLevel)
	}
}

func TestValidate_SimulationCapsAtLow(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v, reg := newValidator(t, pub, true)

	hash := "sha256:sim-agent"
	if err := reg.Add(registry.Record{CodeHash: hash, Status: registry.StatusApproved, Risk: registry.RiskLow}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	q := newSignedQuote(t, pub, priv, PlatformSimulated)
	res := v.Validate(q, hash)

	if res.TrustLevel != TrustLow {
		t.Errorf("expected simulated quote capped at LOW, got %s", res.TrustLevel)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a simulation warning")
	}
}

func TestValidate_SimulationRejectedByDefault(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v, _ := newValidator(t, pub, false)

	q := newSignedQuote(t, pub, priv, PlatformSimulated)
	res := v.Validate(q, "sha256:whatever")

	if res.Valid {
		t.Error("expected simulation to be rejected when AllowSimulation is false")
	}
	if res.TrustLevel != TrustUntrusted {
		t.Errorf("expected UNTRUSTED, got %s", res.TrustLevel)
	}
}

func TestValidate_UnrecognizedHashLowersTrust(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v, _ := newValidator(t, pub, false)

	q := newSignedQuote(t, pub, priv, PlatformIntelTDX)
	res := v.Validate(q, "sha256:never-seen")

	if res.TrustLevel != TrustLow {
		t.Errorf("expected LOW for unrecognized hash, got %s", res.TrustLevel)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning for unrecognized hash")
	}
}
