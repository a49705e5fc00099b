// Package registry is the approved-code registry: a code-hash-keyed store
// of approved agent records with an approve/pending/revoked/suspicious
// status lifecycle and dev-mode auto-registration.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fortline/verifier/registry/oci"
)

// Status is the lifecycle state of an Approved Agent Record.
type Status string

const (
	StatusApproved   Status = "approved"
	StatusPending    Status = "pending"
	StatusRevoked    Status = "revoked"
	StatusSuspicious Status = "suspicious"
)

// RiskLevel classifies the declared risk of an approved agent.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Record is an approved agent record, keyed by CodeHash. Created by an
// operator, or auto-discovered as pending in dev mode;
// mutated only via explicit registry operations, never deleted implicitly.
type Record struct {
	CodeHash     string            `json:"code_hash"`
	ImageTag     string            `json:"image_tag"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Status       Status            `json:"status"`
	Risk         RiskLevel         `json:"risk"`
	Capabilities []string          `json:"capabilities"`
	ApprovedAt   time.Time         `json:"approved_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Warning describes a non-fatal condition surfaced by a verify lookup, such
// as "no record found" or "record present but revoked".
type Warning struct {
	Message string
}

// snapshot is the on-disk representation, atomically published.
type snapshot struct {
	Records map[string]Record `json:"records"`
}

// Store is the approved-code registry. It is single-writer-per-key: callers
// mutate via Add/UpdateStatus/AutoRegister, which update the in-memory map
// under the write lock and atomically replace the on-disk snapshot.
type Store struct {
	mu      sync.RWMutex
	path    string
	records map[string]Record
	devMode bool
}

// Open loads (or initializes) a registry store backed by a JSON file at
// path. A missing file yields an empty store, matching core.LoadConfig's
// zero-value-on-absent convention.
func Open(path string, devMode bool) (*Store, error) {
	s := &Store{path: path, records: map[string]Record{}, devMode: devMode}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("registry: parsing %s: %w", path, err)
	}
	if snap.Records != nil {
		s.records = snap.Records
	}
	return s, nil
}

// CalculateHash derives the code hash for an image reference (delegates to
// registry/oci so both the registry and the attestation validator agree on
// the same key for the same image).
func CalculateHash(imageRef string) (string, error) {
	ref, err := oci.Parse(imageRef)
	if err != nil {
		return "", err
	}
	return oci.CodeHash(ref), nil
}

// Verify reports whether hash is approved, returning the record (if any)
// and any warnings. approved==true iff a record exists with Status ==
// StatusApproved.
func (s *Store) Verify(hash string) (approved bool, record *Record, warnings []Warning) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[hash]
	if !ok {
		return false, nil, []Warning{{Message: "no approved-code record for this hash"}}
	}
	out := rec
	switch rec.Status {
	case StatusApproved:
		return true, &out, nil
	case StatusPending:
		return false, &out, []Warning{{Message: "record is pending approval"}}
	case StatusRevoked:
		return false, &out, []Warning{{Message: "record has been revoked"}}
	case StatusSuspicious:
		return false, &out, []Warning{{Message: "record flagged suspicious"}}
	default:
		return false, &out, []Warning{{Message: fmt.Sprintf("unrecognized status %q", rec.Status)}}
	}
}

// Add inserts or overwrites a record, keyed by its CodeHash, and publishes
// the snapshot atomically.
func (s *Store) Add(rec Record) error {
	if rec.CodeHash == "" {
		return fmt.Errorf("registry: record has no code hash")
	}
	if rec.ApprovedAt.IsZero() {
		rec.ApprovedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CodeHash] = rec
	return s.publishLocked()
}

// UpdateStatus changes the status of an existing record without touching
// its other fields. Returns an error if the hash is unknown.
func (s *Store) UpdateStatus(hash string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hash]
	if !ok {
		return fmt.Errorf("registry: no record for hash %q", hash)
	}
	rec.Status = status
	s.records[hash] = rec
	return s.publishLocked()
}

// List returns every record, independent of status. Callers filter as
// needed; ordering is not guaranteed.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// AutoRegister records hash as a pending record if it is unknown, only when
// the store is running in development mode. It is a no-op
// in production mode or if the hash is already known.
func (s *Store) AutoRegister(hash, imageTag string) error {
	if !s.devMode {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[hash]; ok {
		return nil
	}
	s.records[hash] = Record{
		CodeHash:   hash,
		ImageTag:   imageTag,
		Name:       imageTag,
		Status:     StatusPending,
		Risk:       RiskMedium,
		ApprovedAt: time.Now(),
	}
	return s.publishLocked()
}

// publishLocked serializes the current record map and atomically replaces
// the on-disk file via temp-file-then-rename, so readers never observe a
// partially written snapshot. Caller must hold s.mu.
func (s *Store) publishLocked() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{Records: s.records}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshaling snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: creating dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: renaming %s to %s: %w", tmpPath, s.path, err)
	}
	return nil
}
