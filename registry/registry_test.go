package registry

import (
	"path/filepath"
	"testing"
)

func TestStore_VerifyUnknownHash(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "registry.json"), false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	approved, rec, warnings := s.Verify("sha256:deadbeef")
	if approved {
		t.Error("expected unknown hash to be unapproved")
	}
	if rec != nil {
		t.Error("expected nil record for unknown hash")
	}
	if len(warnings) == 0 {
		t.Error("expected a warning for unknown hash")
	}
}

func TestStore_AddAndVerify(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "registry.json"), false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	hash := "sha256:" + "a" + strRepeat("0", 63)
	if err := s.Add(Record{CodeHash: hash, Name: "agent-1", Status: StatusApproved, Risk: RiskLow}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	approved, rec, warnings := s.Verify(hash)
	if !approved {
		t.Error("expected hash to be approved")
	}
	if rec == nil || rec.Name != "agent-1" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
}

func TestStore_UpdateStatusRevoked(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "registry.json"), false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	hash := "sha256:" + strRepeat("b", 64)
	if err := s.Add(Record{CodeHash: hash, Status: StatusApproved}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.UpdateStatus(hash, StatusRevoked); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	approved, _, warnings := s.Verify(hash)
	if approved {
		t.Error("expected revoked hash to be unapproved")
	}
	if len(warnings) == 0 {
		t.Error("expected a warning for revoked record")
	}
}

func TestStore_AutoRegisterDevModeOnly(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "registry.json"), true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.AutoRegister("sha256:newimage", "myagent:latest"); err != nil {
		t.Fatalf("AutoRegister: %v", err)
	}
	_, rec, _ := s.Verify("sha256:newimage")
	if rec == nil || rec.Status != StatusPending {
		t.Errorf("expected auto-registered record to be pending, got %+v", rec)
	}

	prod, _ := Open(filepath.Join(t.TempDir(), "registry2.json"), false)
	if err := prod.AutoRegister("sha256:other", "other:latest"); err != nil {
		t.Fatalf("AutoRegister: %v", err)
	}
	_, rec2, _ := prod.Verify("sha256:other")
	if rec2 != nil {
		t.Error("expected no auto-registration outside dev mode")
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	s, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	hash := "sha256:" + strRepeat("c", 64)
	if err := s.Add(Record{CodeHash: hash, Status: StatusApproved}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reopened, err := Open(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	approved, _, _ := reopened.Verify(hash)
	if !approved {
		t.Error("expected record to survive reopen")
	}
}

func TestCalculateHash_StableAcrossCalls(t *testing.T) {
	h1, err := CalculateHash("myagent:v1")
	if err != nil {
		t.Fatalf("CalculateHash: %v", err)
	}
	h2, err := CalculateHash("myagent:v1")
	if err != nil {
		t.Fatalf("CalculateHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("expected stable hash, got %q and %q", h1, h2)
	}
}

func strRepeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
