package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
)

func TestKeyring_VerifyQuote(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)

	kr := NewKeyring()
	if err := kr.AddRoot("vendor-root", ExportKeyPEM(pub)); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}

	content := []byte("quote body")
	signedBy, ok := kr.VerifyQuote(content, ed25519.Sign(priv, content))
	if !ok || signedBy != "vendor-root" {
		t.Errorf("expected vendor-root to verify, got %q ok=%v", signedBy, ok)
	}

	if _, ok := kr.VerifyQuote(content, ed25519.Sign(otherPriv, content)); ok {
		t.Error("expected an untrusted signer to fail verification")
	}
	if _, ok := kr.VerifyQuote(content, []byte("short")); ok {
		t.Error("expected a malformed signature to fail verification")
	}
}

func TestKeyring_AddRootRejectsDuplicates(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)

	kr := NewKeyring()
	if err := kr.AddRoot("first", ExportKeyPEM(pub)); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	if err := kr.AddRoot("second", ExportKeyPEM(pub)); err == nil {
		t.Error("expected a duplicate fingerprint to be rejected")
	}
}

func TestLoadKeyring_ReparsesRootsEagerly(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)

	kr := NewKeyring()
	if err := kr.AddRoot("vendor-root", ExportKeyPEM(pub)); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	path := filepath.Join(t.TempDir(), "roots.json")
	if err := SaveKeyring(path, kr); err != nil {
		t.Fatalf("SaveKeyring: %v", err)
	}

	loaded, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}
	content := []byte("quote body")
	if _, ok := loaded.VerifyQuote(content, ed25519.Sign(priv, content)); !ok {
		t.Error("expected a loaded keyring to verify without re-adding roots")
	}
}

func TestLoadKeyring_MissingFileYieldsEmpty(t *testing.T) {
	kr, err := LoadKeyring(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}
	if !kr.Empty() {
		t.Error("expected an empty keyring for a missing file")
	}
}
