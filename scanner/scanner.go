// Package scanner produces an image report from a container image
// reference — layer history, size, a vulnerability list, and
// agent-framework detection.
package scanner

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/fortline/verifier/core"
	"github.com/fortline/verifier/registry/oci"
)

// Severity orders vulnerability severity from most to least severe.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Vulnerability is a single scanner finding against an image.
type Vulnerability struct {
	ID               string
	Severity         Severity
	Package          string
	InstalledVersion string
	FixedVersion     string // empty if no fix is available
	Description      string
}

// Layer is one entry in an image's build history.
type Layer struct {
	Command string
	Bytes   int64
}

// Report is the scanner's image report. Invariant: severity counts are a
// monotone function of Vulnerabilities — CountBySeverity derives them
// on demand rather than caching a separate, potentially stale count.
type Report struct {
	ImageRef                string
	TotalBytes              int64
	Layers                  []Layer
	Vulnerabilities         []Vulnerability
	AgentFrameworkDetected  bool
	BaseImageHint           string
	ScannedAt               time.Time
}

// CountBySeverity returns the count of vulnerabilities per severity level.
func (r *Report) CountBySeverity() map[Severity]int {
	counts := make(map[Severity]int, len(severityRank))
	for _, v := range r.Vulnerabilities {
		counts[v.Severity]++
	}
	return counts
}

// MaxSeverity returns the most severe vulnerability severity present, or ""
// if there are none.
func (r *Report) MaxSeverity() Severity {
	best := Severity("")
	bestRank := len(severityRank)
	for _, v := range r.Vulnerabilities {
		if rank, ok := severityRank[v.Severity]; ok && rank < bestRank {
			bestRank = rank
			best = v.Severity
		}
	}
	return best
}

// knownFrameworks is the substring list checked against the image reference
// and layer commands to set AgentFrameworkDetected.
var knownFrameworks = []string{"langchain", "autogpt", "crewai", "agentkit", "eliza", "autogen"}

// controlPathFiles are well-known files whose presence in a layer command
// marks the image as carrying agent control-plane code.
var controlPathFiles = []string{"agent.py", "agent.js", "strategy.py", "main.py"}

// VulnerabilitySource scans image content and returns the raw vulnerability
// list plus the layer history and size. Implementations wrap an external
// scanner engine or registry inspection client; errors here are always
// downgraded by Scan to a warning-equivalent empty result, never raised
// fatally. Scan does not tell a missing image apart from other source
// errors; in the pipeline a missing image surfaces as
// core.KindImageNotFound from the backtest stage, when that stage runs.
type VulnerabilitySource interface {
	Inspect(ctx context.Context, ref oci.Reference) (layers []Layer, totalBytes int64, vulns []Vulnerability, err error)
}

// Scan produces a Report for ref using source. A source failure degrades
// to a report with an empty vulnerability set and no layer history rather
// than propagating a fatal error.
func Scan(ctx context.Context, ref string, source VulnerabilitySource) (*Report, error) {
	parsed, err := oci.Parse(ref)
	if err != nil {
		return nil, core.NewError(core.KindInvalidInput, "scan", err)
	}

	report := &Report{ImageRef: ref, ScannedAt: time.Now()}

	layers, totalBytes, vulns, err := source.Inspect(ctx, parsed)
	if err != nil {
		// Scanner-local failure: degrade, don't fail the pipeline.
		// The image-reference substring rule needs no layer history, so
		// framework detection still runs on the degraded report.
		report.AgentFrameworkDetected = detectAgentFramework(ref, nil)
		return report, nil
	}
	report.Layers = layers
	report.TotalBytes = totalBytes
	report.Vulnerabilities = vulns
	report.BaseImageHint = baseImageHint(layers)
	report.AgentFrameworkDetected = detectAgentFramework(ref, layers)

	sort.Slice(report.Vulnerabilities, func(i, j int) bool {
		a, b := report.Vulnerabilities[i], report.Vulnerabilities[j]
		ra, rb := severityRank[a.Severity], severityRank[b.Severity]
		if ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})

	return report, nil
}

func detectAgentFramework(ref string, layers []Layer) bool {
	lower := strings.ToLower(ref)
	for _, fw := range knownFrameworks {
		if strings.Contains(lower, fw) {
			return true
		}
	}
	for _, l := range layers {
		cmd := strings.ToLower(l.Command)
		for _, fw := range knownFrameworks {
			if strings.Contains(cmd, fw) {
				return true
			}
		}
		for _, f := range controlPathFiles {
			if strings.Contains(cmd, f) {
				return true
			}
		}
	}
	return false
}

func baseImageHint(layers []Layer) string {
	for _, l := range layers {
		cmd := strings.TrimSpace(l.Command)
		if strings.HasPrefix(strings.ToUpper(cmd), "FROM ") {
			fields := strings.Fields(cmd)
			if len(fields) >= 2 {
				return fields[1]
			}
		}
	}
	if len(layers) > 0 {
		return layers[0].Command
	}
	return ""
}
