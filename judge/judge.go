package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/fortline/verifier/core"
	"github.com/fortline/verifier/scanner"
)

// Recommendation is the judge's deployment recommendation.
type Recommendation string

const (
	RecommendDeploy      Recommendation = "DEPLOY"
	RecommendCaution     Recommendation = "CAUTION"
	RecommendDoNotDeploy Recommendation = "DO_NOT_DEPLOY"
)

// recommendationRank orders recommendations for the conservative collapse
// rule used by ensemble fusion: DO_NOT_DEPLOY > CAUTION > DEPLOY.
var recommendationRank = map[Recommendation]int{
	RecommendDoNotDeploy: 2,
	RecommendCaution:     1,
	RecommendDeploy:      0,
}

// KeySecurityAnalysis is the first of four security sub-analyzers: key
// handling and exposure.
type KeySecurityAnalysis struct {
	PlaintextKeysFound     bool     `json:"plaintext_keys_found"`
	KeyGenerationSecure    bool     `json:"key_generation_secure"`
	KeyStorageEncrypted    bool     `json:"key_storage_encrypted"`
	KeyRotationImplemented bool     `json:"key_rotation_implemented"`
	KeyExposureRisk        string   `json:"key_exposure_risk"` // low, medium, high, critical
	Findings               []string `json:"findings"`
}

// TransactionControlsAnalysis is the second security sub-analyzer:
// spending limits and transaction safeguards.
type TransactionControlsAnalysis struct {
	HasSpendingLimits     bool     `json:"has_spending_limits"`
	HasApprovalMechanisms bool     `json:"has_approval_mechanisms"`
	EmergencyStopPresent  bool     `json:"emergency_stop_present"`
	CrossChainControls    bool     `json:"cross_chain_controls"`
	TransactionMonitoring bool     `json:"transaction_monitoring"`
	ControlStrength       string   `json:"control_strength"` // weak, moderate, strong
	Findings              []string `json:"findings"`
}

// DeceptionAnalysis is the third security sub-analyzer: backdoors, time
// bombs, and environment-dependent behavior.
type DeceptionAnalysis struct {
	BackdoorDetected            bool     `json:"backdoor_detected"`
	TimeBombDetected            bool     `json:"time_bomb_detected"`
	ObfuscatedCodeFound         bool     `json:"obfuscated_code_found"`
	DataExfiltrationRisk        bool     `json:"data_exfiltration_risk"`
	EnvironmentSpecificBehavior bool     `json:"environment_specific_behavior"`
	DeceptionRisk               string   `json:"deception_risk"` // low, medium, high, critical
	Findings                    []string `json:"findings"`
}

// CapitalRiskAnalysis is the fourth security sub-analyzer: bounded loss
// and position controls.
type CapitalRiskAnalysis struct {
	UnboundedExposure    bool     `json:"unbounded_exposure"`
	MaxLossBounded       bool     `json:"max_loss_bounded"`
	PositionSizeControls bool     `json:"position_size_controls"`
	StopLossImplemented  bool     `json:"stop_loss_implemented"`
	RiskControlsAdequate bool     `json:"risk_controls_adequate"`
	RiskLevel            string   `json:"risk_level"` // low, medium, high, critical
	Findings             []string `json:"findings"`
}

// SecurityResult is the fused security evaluation.
type SecurityResult struct {
	KeySecurity             KeySecurityAnalysis
	TransactionControls     TransactionControlsAnalysis
	Deception               DeceptionAnalysis
	CapitalRisk             CapitalRiskAnalysis
	CriticalVulnerabilities []string
	TrustScore              float64 // ∈[0,1]
	CanTrustWithCapital     bool
}

// CodeQuality is the code-quality sub-shape of a comprehensive evaluation.
type CodeQuality struct {
	Overall float64 // ∈[0,1]
	Notes   []string
}

// RiskAssessment is the risk-assessment sub-shape of a comprehensive
// evaluation.
type RiskAssessment struct {
	SystemicRiskScore float64 // ∈[0,1]
	Notes             []string
}

// Result is the judge's output: the four security analyses plus the
// comprehensive shape, built from five provider calls (fused across
// providers in ensemble mode), or the conservative fallback.
type Result struct {
	Security           SecurityResult
	CodeQuality        CodeQuality
	RiskAssessment     RiskAssessment
	ScoreAdjustments   []float64 // declared point nudges, summed into the Fort Score's LLM category
	BehavioralFlags    []string
	Confidence         float64 // ∈[0,1]
	Reasoning          string
	Recommendation     Recommendation
	Fallback           bool // true when this is the conservative fallback result
}

// conservativeFallback is the result used on total provider failure:
// worst-case security scores, trust_score=0,
// can_trust_with_capital=false, confidence=0.1 (or 0.0 if reason is empty),
// recommendation=DO_NOT_DEPLOY.
func conservativeFallback(reason string) Result {
	confidence := 0.1
	if reason == "" {
		confidence = 0.0
	}
	return Result{
		Security: SecurityResult{
			KeySecurity: KeySecurityAnalysis{
				PlaintextKeysFound: true,
				KeyExposureRisk:    "critical",
				Findings:           []string{"analysis failed - manual security review required"},
			},
			TransactionControls: TransactionControlsAnalysis{
				ControlStrength: "weak",
				Findings:        []string{"analysis failed - manual review required"},
			},
			Deception: DeceptionAnalysis{
				ObfuscatedCodeFound:         true,
				DataExfiltrationRisk:        true,
				EnvironmentSpecificBehavior: true,
				DeceptionRisk:               "critical",
				Findings:                    []string{"analysis failed - comprehensive manual review required"},
			},
			CapitalRisk: CapitalRiskAnalysis{
				RiskLevel: "critical",
				Findings:  []string{"analysis failed - manual review required"},
			},
			TrustScore:          0.0,
			CanTrustWithCapital: false,
		},
		Confidence:     confidence,
		Reasoning:      fmt.Sprintf("LLM judge unavailable, conservative fallback applied: %s", reason),
		Recommendation: RecommendDoNotDeploy,
		Fallback:       true,
	}
}

// EnsembleConfig controls cross-checking a secondary provider and the
// fusion weights applied when both succeed. Zero weights fall back to the
// 0.7/0.3 primary/secondary default.
type EnsembleConfig struct {
	Enabled         bool
	PrimaryWeight   float64
	SecondaryWeight float64
}

// Evaluate runs the security analyzers and comprehensive review against
// primary, optionally cross-checking with secondary under ensemble fusion
// with the default weights. Provider failures never propagate: Evaluate
// always returns a usable Result, falling back to conservativeFallback.
func Evaluate(ctx context.Context, report *scanner.Report, primary, secondary Provider, enableEnsemble bool) Result {
	return EvaluateEnsemble(ctx, report, primary, secondary, EnsembleConfig{Enabled: enableEnsemble})
}

// EvaluateEnsemble is Evaluate with explicit ensemble fusion weights.
func EvaluateEnsemble(ctx context.Context, report *scanner.Report, primary, secondary Provider, cfg EnsembleConfig) Result {
	if cfg.PrimaryWeight == 0 && cfg.SecondaryWeight == 0 {
		cfg.PrimaryWeight, cfg.SecondaryWeight = 0.7, 0.3
	}

	primaryResult, primaryErr := evaluateOnce(ctx, report, primary)
	if primaryErr != nil {
		if !cfg.Enabled || secondary == nil {
			slog.Warn("llm judge falling back to conservative result", "error", primaryErr)
			return conservativeFallback(primaryErr.Error())
		}
		secondaryResult, secondaryErr := evaluateOnce(ctx, report, secondary)
		if secondaryErr != nil {
			slog.Warn("llm judge falling back to conservative result", "primary_error", primaryErr, "secondary_error", secondaryErr)
			return conservativeFallback(fmt.Sprintf("primary: %v; secondary: %v", primaryErr, secondaryErr))
		}
		return secondaryResult
	}

	if !cfg.Enabled || secondary == nil {
		return primaryResult
	}
	secondaryResult, secondaryErr := evaluateOnce(ctx, report, secondary)
	if secondaryErr != nil {
		return primaryResult
	}
	return fuseEnsemble(primaryResult, secondaryResult, cfg.PrimaryWeight, cfg.SecondaryWeight)
}

// evaluateOnce runs the four security sub-analyzers plus the comprehensive
// review against a single provider and fuses them with
// calculateTrustAssessment.
func evaluateOnce(ctx context.Context, report *scanner.Report, provider Provider) (Result, error) {
	ctxMsg := buildContext(report)

	keySec, err := runAnalyzer[KeySecurityAnalysis](ctx, provider, keySecurityPrompt(ctxMsg))
	if err != nil {
		return Result{}, err
	}
	txControls, err := runAnalyzer[TransactionControlsAnalysis](ctx, provider, transactionControlsPrompt(ctxMsg))
	if err != nil {
		return Result{}, err
	}
	deception, err := runAnalyzer[DeceptionAnalysis](ctx, provider, deceptionPrompt(ctxMsg))
	if err != nil {
		return Result{}, err
	}
	capitalRisk, err := runAnalyzer[CapitalRiskAnalysis](ctx, provider, capitalRiskPrompt(ctxMsg))
	if err != nil {
		return Result{}, err
	}

	security := calculateTrustAssessment(keySec, txControls, deception, capitalRisk)

	comprehensive, err := runComprehensive(ctx, provider, ctxMsg)
	if err != nil {
		return Result{}, err
	}
	comprehensive.Security = security
	return comprehensive, nil
}

// buildContext derives the deterministic, side-effect-free LLM context
// from an image report: tag, size, layer count, detected
// framework, severity histogram, and pattern extracts.
func buildContext(report *scanner.Report) string {
	if report == nil {
		return "no image report available"
	}
	counts := report.CountBySeverity()
	var installs, configOps, startCmds []string
	for _, l := range report.Layers {
		cmd := strings.ToLower(l.Command)
		switch {
		case strings.Contains(cmd, "run") && (strings.Contains(cmd, "install") || strings.Contains(cmd, "apt-get") || strings.Contains(cmd, "pip")):
			installs = appendCapped(installs, l.Command, 10)
		case strings.Contains(cmd, "env") || strings.Contains(cmd, "copy") && strings.Contains(cmd, "config"):
			configOps = appendCapped(configOps, l.Command, 10)
		case strings.HasPrefix(strings.ToUpper(strings.TrimSpace(l.Command)), "CMD") || strings.HasPrefix(strings.ToUpper(strings.TrimSpace(l.Command)), "ENTRYPOINT"):
			startCmds = appendCapped(startCmds, l.Command, 5)
		}
	}

	return fmt.Sprintf(
		"image=%s size_bytes=%d layers=%d framework_detected=%v severities=%v installs=%v config_ops=%v start_cmds=%v",
		report.ImageRef, report.TotalBytes, len(report.Layers), report.AgentFrameworkDetected, counts, installs, configOps, startCmds)
}

func appendCapped(slice []string, item string, cap int) []string {
	if len(slice) >= cap {
		return slice
	}
	return append(slice, item)
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSON pulls a fenced JSON block out of an LLM's textual response,
// falling back to treating the whole response as JSON.
func extractJSON(content string) string {
	if m := fencedJSON.FindStringSubmatch(content); len(m) == 2 {
		return m[1]
	}
	return strings.TrimSpace(content)
}

// runAnalyzer sends prompt to provider and decodes its fenced JSON
// response into T. A transport or parse failure here propagates to
// evaluateOnce, which treats it as provider failure subject to fallback.
func runAnalyzer[T any](ctx context.Context, provider Provider, prompt string) (T, error) {
	var zero T
	resp, err := provider.Complete(ctx, []Message{
		{Role: RoleSystem, Content: "You are a security analyst reviewing an autonomous trading agent. Respond with a single fenced JSON object."},
		{Role: RoleUser, Content: prompt},
	})
	if err != nil {
		return zero, fmt.Errorf("judge: provider call failed: %w", err)
	}
	var out T
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil {
		return zero, core.NewError(core.KindProviderParseError, "llm", fmt.Errorf("parsing analyzer response: %w", err))
	}
	return out, nil
}

func keySecurityPrompt(ctxMsg string) string {
	return "Evaluate key management security for this agent.\n" + ctxMsg +
		"\nRespond with JSON: {\"plaintext_keys_found\":bool,\"key_generation_secure\":bool," +
		"\"key_storage_encrypted\":bool,\"key_rotation_implemented\":bool," +
		"\"key_exposure_risk\":\"low|medium|high|critical\",\"findings\":[string]}"
}

func transactionControlsPrompt(ctxMsg string) string {
	return "Evaluate transaction and spending controls for this agent.\n" + ctxMsg +
		"\nRespond with JSON: {\"has_spending_limits\":bool,\"has_approval_mechanisms\":bool," +
		"\"emergency_stop_present\":bool,\"cross_chain_controls\":bool,\"transaction_monitoring\":bool," +
		"\"control_strength\":\"weak|moderate|strong\",\"findings\":[string]}"
}

func deceptionPrompt(ctxMsg string) string {
	return "Evaluate this agent for deceptive or backdoor behavior.\n" + ctxMsg +
		"\nRespond with JSON: {\"backdoor_detected\":bool,\"time_bomb_detected\":bool," +
		"\"obfuscated_code_found\":bool,\"data_exfiltration_risk\":bool," +
		"\"environment_specific_behavior\":bool,\"deception_risk\":\"low|medium|high|critical\",\"findings\":[string]}"
}

func capitalRiskPrompt(ctxMsg string) string {
	return "Evaluate capital-at-risk exposure for this agent.\n" + ctxMsg +
		"\nRespond with JSON: {\"unbounded_exposure\":bool,\"max_loss_bounded\":bool," +
		"\"position_size_controls\":bool,\"stop_loss_implemented\":bool,\"risk_controls_adequate\":bool," +
		"\"risk_level\":\"low|medium|high|critical\",\"findings\":[string]}"
}

func comprehensivePrompt(ctxMsg string) string {
	return "Perform a comprehensive trust review of this trading agent.\n" + ctxMsg +
		"\nRespond with JSON: {\"code_quality\":{\"overall\":number,\"notes\":[string]}," +
		"\"risk_assessment\":{\"systemic_risk_score\":number,\"notes\":[string]}," +
		"\"score_adjustments\":[number],\"behavioral_flags\":[string]," +
		"\"confidence\":number,\"reasoning\":string,\"recommendation\":\"DEPLOY|CAUTION|DO_NOT_DEPLOY\"}"
}

type comprehensiveWire struct {
	CodeQuality struct {
		Overall float64  `json:"overall"`
		Notes   []string `json:"notes"`
	} `json:"code_quality"`
	RiskAssessment struct {
		SystemicRiskScore float64  `json:"systemic_risk_score"`
		Notes             []string `json:"notes"`
	} `json:"risk_assessment"`
	ScoreAdjustments []float64 `json:"score_adjustments"`
	BehavioralFlags  []string  `json:"behavioral_flags"`
	Confidence       float64   `json:"confidence"`
	Reasoning        string    `json:"reasoning"`
	Recommendation   string    `json:"recommendation"`
}

func runComprehensive(ctx context.Context, provider Provider, ctxMsg string) (Result, error) {
	wire, err := runAnalyzer[comprehensiveWire](ctx, provider, comprehensivePrompt(ctxMsg))
	if err != nil {
		return Result{}, err
	}
	return Result{
		CodeQuality: CodeQuality{
			Overall: wire.CodeQuality.Overall,
			Notes:   wire.CodeQuality.Notes,
		},
		RiskAssessment: RiskAssessment{
			SystemicRiskScore: wire.RiskAssessment.SystemicRiskScore,
			Notes:             wire.RiskAssessment.Notes,
		},
		ScoreAdjustments: wire.ScoreAdjustments,
		BehavioralFlags:  wire.BehavioralFlags,
		Confidence:       wire.Confidence,
		Reasoning:        wire.Reasoning,
		Recommendation:   Recommendation(wire.Recommendation),
	}, nil
}

// calculateTrustAssessment fuses the four security sub-analyzers
// deterministically: critical vulnerabilities accumulate from explicit
// predicates, and the weighted trust score (30/25/20/25%) is built from a
// deterministic bit-field of each sub-analyzer's booleans rather than a
// lookup on its risk-level string. can_trust_with_capital requires no
// criticals, trust_score > 0.8, low/medium key exposure, and non-weak
// controls.
func calculateTrustAssessment(key KeySecurityAnalysis, tx TransactionControlsAnalysis, deception DeceptionAnalysis, capital CapitalRiskAnalysis) SecurityResult {
	var criticals []string
	if key.PlaintextKeysFound {
		criticals = append(criticals, "plaintext keys found")
	}
	if !tx.HasSpendingLimits {
		criticals = append(criticals, "no spending limits")
	}
	if deception.BackdoorDetected {
		criticals = append(criticals, "backdoor detected")
	}
	if deception.DeceptionRisk == "critical" {
		criticals = append(criticals, "deception risk critical")
	}

	keyScore := 0.0
	if !key.PlaintextKeysFound {
		keyScore += 0.4
	}
	if key.KeyGenerationSecure {
		keyScore += 0.3
	}
	if key.KeyStorageEncrypted {
		keyScore += 0.2
	}
	if key.KeyRotationImplemented {
		keyScore += 0.1
	}

	txScore := 0.0
	if tx.HasSpendingLimits {
		txScore += 0.4
	}
	if tx.HasApprovalMechanisms {
		txScore += 0.3
	}
	if tx.EmergencyStopPresent {
		txScore += 0.2
	}
	if tx.TransactionMonitoring {
		txScore += 0.1
	}

	deceptionScore := 1.0
	if deception.BackdoorDetected {
		deceptionScore -= 0.5
	}
	if deception.TimeBombDetected {
		deceptionScore -= 0.3
	}
	if deception.ObfuscatedCodeFound {
		deceptionScore -= 0.2
	}
	if deceptionScore < 0 {
		deceptionScore = 0
	}

	capitalScore := 0.0
	if capital.MaxLossBounded {
		capitalScore += 0.3
	}
	if capital.PositionSizeControls {
		capitalScore += 0.3
	}
	if capital.StopLossImplemented {
		capitalScore += 0.2
	}
	if capital.RiskControlsAdequate {
		capitalScore += 0.2
	}
	if capital.UnboundedExposure {
		capitalScore = 0.0
	}

	trustScore := 0.30*keyScore + 0.25*txScore + 0.20*deceptionScore + 0.25*capitalScore

	canTrust := len(criticals) == 0 &&
		trustScore > 0.8 &&
		(key.KeyExposureRisk == "low" || key.KeyExposureRisk == "medium") &&
		tx.ControlStrength != "weak"

	return SecurityResult{
		KeySecurity:             key,
		TransactionControls:     tx,
		Deception:               deception,
		CapitalRisk:             capital,
		CriticalVulnerabilities: criticals,
		TrustScore:              trustScore,
		CanTrustWithCapital:     canTrust,
	}
}

// fuseEnsemble combines a primary and secondary Result: numeric fields
// weighted-averaged, string-enum fields take the primary,
// set-valued fields unioned, recommendation collapses conservatively.
func fuseEnsemble(primary, secondary Result, primaryWeight, secondaryWeight float64) Result {
	out := primary
	out.Security.TrustScore = primaryWeight*primary.Security.TrustScore + secondaryWeight*secondary.Security.TrustScore
	out.CodeQuality.Overall = primaryWeight*primary.CodeQuality.Overall + secondaryWeight*secondary.CodeQuality.Overall
	out.RiskAssessment.SystemicRiskScore = primaryWeight*primary.RiskAssessment.SystemicRiskScore + secondaryWeight*secondary.RiskAssessment.SystemicRiskScore
	out.Confidence = primaryWeight*primary.Confidence + secondaryWeight*secondary.Confidence

	out.BehavioralFlags = unionStrings(primary.BehavioralFlags, secondary.BehavioralFlags)
	out.Security.CriticalVulnerabilities = unionStrings(primary.Security.CriticalVulnerabilities, secondary.Security.CriticalVulnerabilities)
	out.Security.CanTrustWithCapital = primary.Security.CanTrustWithCapital && secondary.Security.CanTrustWithCapital

	if recommendationRank[secondary.Recommendation] > recommendationRank[primary.Recommendation] {
		out.Recommendation = secondary.Recommendation
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// HasSeriousFlag reports whether any behavioral flag matches one of the
// serious markers used by the Fort Score gates: malicious, suspicious,
// high risk, dangerous.
func (r Result) HasSeriousFlag() bool {
	for _, f := range r.BehavioralFlags {
		lower := strings.ToLower(f)
		for _, marker := range []string{"malicious", "suspicious", "high risk", "dangerous"} {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// SeriousFlagCount counts behavioral flags matching the serious markers.
func (r Result) SeriousFlagCount() int {
	n := 0
	for _, f := range r.BehavioralFlags {
		lower := strings.ToLower(f)
		for _, marker := range []string{"malicious", "suspicious", "high risk", "dangerous"} {
			if strings.Contains(lower, marker) {
				n++
				break
			}
		}
	}
	return n
}
