// Package audit is the append-only audit log: JSON-lines persistence of
// complete verification results, queryable by image and latest-only.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fortline/verifier/attestation"
	"github.com/fortline/verifier/backtest"
	"github.com/fortline/verifier/fortscore"
	"github.com/fortline/verifier/judge"
	"github.com/fortline/verifier/scanner"
	"github.com/fortline/verifier/strategy"
)

// Payload is the complete result of one verification: the Fort Score plus
// every evidence stream that produced it. Stage fields are nil when the
// stage was skipped or failed.
type Payload struct {
	FortScore   fortscore.Record    `json:"fort_score"`
	Scan        *scanner.Report     `json:"docker_scan,omitempty"`
	Attestation *attestation.Result `json:"tee_validation,omitempty"`
	Backtest    *backtest.Result    `json:"performance_benchmark,omitempty"`
	Strategy    *strategy.Result    `json:"strategy_verification,omitempty"`
	LLM         *judge.Result       `json:"llm_analysis,omitempty"`
}

// Entry is one immutable audit record.
type Entry struct {
	VerificationID string    `json:"verification_id"`
	Image          string    `json:"image"`
	Tier           string    `json:"tier"`
	Timestamp      time.Time `json:"timestamp"`
	Result         Payload   `json:"result"`
	LLMReasoning   string    `json:"llm_reasoning,omitempty"`
}

// NewVerificationID derives a verification id from an image reference and
// start timestamp.
func NewVerificationID(image string, start time.Time) string {
	return fmt.Sprintf("%s-%s-%s", sanitize(image), start.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

func sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '-'
		}
	}
	return string(out)
}

// Log is an append-only audit log. Entries are written under its directory in
// per-day files, one JSON object per line; rotation happens at file
// granularity, never mid-record.
type Log struct {
	dir string
	mu  sync.Mutex
}

// Open returns a Log rooted at dir, creating it if necessary.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: creating log dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

// Append writes entry as a single JSON line, guarded by a mutex so
// concurrent writers never interleave partial records.
func (l *Log) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshaling entry: %w", err)
	}
	data = append(data, '\n')

	path := l.dayFile(entry.Timestamp)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: opening log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("audit: appending entry: %w", err)
	}
	return f.Sync()
}

func (l *Log) dayFile(ts time.Time) string {
	return filepath.Join(l.dir, ts.UTC().Format("2006-01-02")+".jsonl")
}

// List returns audit entries matching imageFilter (exact match; empty
// matches all), optionally collapsed to the single latest entry per image
// by timestamp.
func (l *Log) List(imageFilter string, latestOnly bool) ([]Entry, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: listing log files: %w", err)
	}
	sort.Strings(files)

	var entries []Entry
	for _, path := range files {
		fileEntries, err := readEntries(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}

	var filtered []Entry
	for _, e := range entries {
		if imageFilter == "" || e.Image == imageFilter {
			filtered = append(filtered, e)
		}
	}

	if !latestOnly {
		return filtered, nil
	}
	return latestPerImage(filtered), nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: parsing entry in %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: reading %s: %w", path, err)
	}
	return entries, nil
}

func latestPerImage(entries []Entry) []Entry {
	latest := make(map[string]Entry, len(entries))
	for _, e := range entries {
		cur, ok := latest[e.Image]
		if !ok || e.Timestamp.After(cur.Timestamp) {
			latest[e.Image] = e
		}
	}
	out := make([]Entry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Image < out[j].Image })
	return out
}
