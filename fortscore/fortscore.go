// Package fortscore computes the Fort Score: a bounded integer verdict
// score in [0,180] and a gated PASSED/WARNING/FAILED status, both pure
// functions of the upstream verification stage outputs.
package fortscore

import (
	"github.com/fortline/verifier/attestation"
	"github.com/fortline/verifier/judge"
	"github.com/fortline/verifier/scanner"
	"github.com/fortline/verifier/strategy"
)

// Verdict is the Fort Score's gated status.
type Verdict string

const (
	VerdictPassed  Verdict = "PASSED"
	VerdictWarning Verdict = "WARNING"
	VerdictFailed  Verdict = "FAILED"
)

const (
	baseScore = 100
	minScore  = 0
	maxScore  = 180
)

// BehaviorTelemetry is the throughput/latency/error-rate input to the
// behavior category.
type BehaviorTelemetry struct {
	ThroughputOK bool // within expected throughput band
	LatencyOK    bool // within expected latency band
	ErrorRate    float64
}

// Inputs bundles every upstream stage output the Fort Score is a pure
// function of.
type Inputs struct {
	Scan        *scanner.Report
	Attestation *attestation.Result
	Strategy    *strategy.Result
	LLM         *judge.Result // nil when the judge was not run
	Behavior    BehaviorTelemetry
}

// Record is the scored verdict for one verification.
type Record struct {
	Score                 int
	Verdict               Verdict
	SecurityAdjustment    int
	LLMAdjustment         int
	BehaviorAdjustment    int
	PerformanceAdjustment int
	GateFired             string // name of the first gate that fired, or "" for PASSED
}

// Evaluate computes the Fort Score. Deterministic: given fixed inputs it
// always returns the same Record.
func Evaluate(in Inputs) Record {
	security := securityAdjustment(in.Scan, in.Attestation)
	llm := llmAdjustment(in.LLM)
	behavior := behaviorAdjustment(in.Behavior)
	performance := performanceAdjustment(in.Strategy)

	score := clampInt(baseScore+security+llm+behavior+performance, minScore, maxScore)

	verdict, gate := evaluateGates(in)

	return Record{
		Score:                 score,
		Verdict:               verdict,
		SecurityAdjustment:    security,
		LLMAdjustment:         llm,
		BehaviorAdjustment:    behavior,
		PerformanceAdjustment: performance,
		GateFired:             gate,
	}
}

// securityAdjustment implements the security category:
// vulnerability penalty capped at 20, trust-level bonus, invalid-attestation
// penalty, framework-detected bonus, net clamped to [-30,30].
func securityAdjustment(report *scanner.Report, att *attestation.Result) int {
	adj := 0
	if report != nil {
		counts := report.CountBySeverity()
		penalty := 10*counts[scanner.SeverityCritical] + 5*counts[scanner.SeverityHigh] + 2*counts[scanner.SeverityMedium]
		if penalty > 20 {
			penalty = 20
		}
		adj -= penalty
		if report.AgentFrameworkDetected {
			adj += 5
		}
	}
	if att != nil {
		if !att.Valid {
			adj -= 10
		} else {
			switch att.TrustLevel {
			case attestation.TrustHigh:
				adj += 5
			case attestation.TrustMedium:
				adj += 3
			}
		}
	}
	return clampInt(adj, -30, 30)
}

// llmAdjustment implements the LLM category: sum of
// score_adjustments, minus min(10, 3*|behavioral_flags|), plus
// (code_quality.overall-0.5)*10, minus 10*systemic_risk_score (or -30 flat
// when systemic_risk_score > 0.9), net clamped to [-30,30].
func llmAdjustment(result *judge.Result) int {
	if result == nil {
		return 0
	}
	adj := 0.0
	for _, s := range result.ScoreAdjustments {
		adj += s
	}

	flagPenalty := 3 * len(result.BehavioralFlags)
	if flagPenalty > 10 {
		flagPenalty = 10
	}
	adj -= float64(flagPenalty)

	adj += (result.CodeQuality.Overall - 0.5) * 10

	if result.RiskAssessment.SystemicRiskScore > 0.9 {
		adj -= 30
	} else {
		adj -= 10 * result.RiskAssessment.SystemicRiskScore
	}

	return clampInt(int(adj), -30, 30)
}

// behaviorAdjustment implements the behavior category:
// symmetric ±5/±10 steps from throughput/latency/error-rate thresholds, net
// clamped to [-30,30].
func behaviorAdjustment(t BehaviorTelemetry) int {
	adj := 0
	if t.ThroughputOK {
		adj += 5
	} else {
		adj -= 5
	}
	if t.LatencyOK {
		adj += 5
	} else {
		adj -= 5
	}
	switch {
	case t.ErrorRate == 0:
		adj += 10
	case t.ErrorRate <= 0.01:
		adj += 5
	case t.ErrorRate <= 0.05:
		// neutral
	case t.ErrorRate <= 0.10:
		adj -= 5
	default:
		adj -= 10
	}
	return clampInt(adj, -30, 30)
}

// performanceAdjustment implements the performance category:
// verification-status bucket, effectiveness/100*30, risk band,
// regime-consistency bonus up to +20, net clamped to [-50,90].
func performanceAdjustment(s *strategy.Result) int {
	if s == nil {
		return 0
	}
	adj := 0.0
	switch s.VerificationStatus {
	case strategy.StatusVerified:
		adj += 30
	case strategy.StatusPartial:
		adj += 15
	case strategy.StatusFailed:
		adj -= 20
	}

	adj += s.Effectiveness / 100 * 30

	switch {
	case s.Risk > 80:
		adj -= 20
	case s.Risk > 60:
		adj -= 10
	case s.Risk < 30:
		adj += 10
	}

	adj += regimeConsistencyBonus(s.PerformanceByRegime)

	return clampInt(int(adj), -50, 90)
}

// regimeConsistencyBonus awards up to +20 proportional to the fraction of
// regimes with positive realized PnL (sign-equivalent to a positive
// annualized return over the regime window).
func regimeConsistencyBonus(byRegime map[string]strategy.RegimeResult) float64 {
	if len(byRegime) == 0 {
		return 0
	}
	positive := 0
	for _, r := range byRegime {
		if r.PnL > 0 {
			positive++
		}
	}
	return 20 * float64(positive) / float64(len(byRegime))
}

// evaluateGates applies the ordered gate predicates, first match wins.
func evaluateGates(in Inputs) (Verdict, string) {
	if in.Scan != nil && in.Scan.CountBySeverity()[scanner.SeverityCritical] > 0 {
		return VerdictFailed, "critical_vulnerability"
	}
	if in.Attestation != nil && !in.Attestation.Valid {
		return VerdictFailed, "attestation_invalid"
	}
	if in.Behavior.ErrorRate > 0.10 {
		return VerdictFailed, "error_rate_above_10pct"
	}
	if in.LLM != nil && in.LLM.SeriousFlagCount() >= 2 {
		return VerdictFailed, "llm_serious_flags_2plus"
	}
	if in.Strategy != nil && in.Strategy.VerificationStatus == strategy.StatusFailed {
		return VerdictFailed, "strategy_verification_failed"
	}
	if in.Scan != nil && in.Scan.CountBySeverity()[scanner.SeverityHigh] > 5 {
		return VerdictWarning, "high_severity_count_over_5"
	}
	if in.Behavior.ErrorRate > 0.05 {
		return VerdictWarning, "error_rate_above_5pct"
	}
	if in.LLM != nil && in.LLM.SeriousFlagCount() >= 1 {
		return VerdictWarning, "llm_serious_flag_1plus"
	}
	if in.LLM != nil && in.LLM.Confidence < 0.5 {
		return VerdictWarning, "llm_confidence_below_half"
	}
	if in.Strategy != nil && (in.Strategy.Risk > 80 || in.Strategy.Effectiveness < 40) {
		return VerdictWarning, "strategy_risk_or_effectiveness"
	}
	return VerdictPassed, ""
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
