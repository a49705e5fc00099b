package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fortline/verifier/orchestrator"
)

// Stage glyph styles for the per-stage ✓/⚠/✗ annotations.
var (
	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)  // green
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true) // amber
	styleFail = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true) // red
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func glyph(ok, degraded bool) string {
	switch {
	case !ok:
		return styleFail.Render("✗")
	case degraded:
		return styleWarn.Render("⚠")
	default:
		return styleOK.Render("✓")
	}
}

func verdictStyle(v string) lipgloss.Style {
	switch v {
	case "PASSED":
		return styleOK
	case "WARNING":
		return styleWarn
	default:
		return styleFail
	}
}

// renderTerminal prints the per-stage glyph summary and final verdict for
// one agent's AgentResult.
func renderTerminal(w io.Writer, image string, r orchestrator.AgentResult) {
	fmt.Fprintf(w, "%s\n", image)
	fmt.Fprintf(w, "  %s scan          %s\n", glyph(r.Scan != nil, r.StageErrors["scan"] != nil), stageNote(r, "scan"))
	fmt.Fprintf(w, "  %s attestation   %s\n", glyph(r.Attestation != nil, r.StageErrors["tee"] != nil), stageNote(r, "tee"))
	fmt.Fprintf(w, "  %s backtest      %s\n", glyph(r.Backtest != nil, r.StageErrors["backtest"] != nil), stageNote(r, "backtest"))
	fmt.Fprintf(w, "  %s llm judge     %s\n", glyph(r.LLM != nil, r.StageErrors["llm"] != nil), stageNote(r, "llm"))
	fmt.Fprintf(w, "  %s\n", verdictStyle(string(r.FortScore.Verdict)).Render(
		fmt.Sprintf("%s  fort score %d", r.FortScore.Verdict, r.FortScore.Score)))
}

func stageNote(r orchestrator.AgentResult, stage string) string {
	if err, ok := r.StageErrors[stage]; ok {
		return styleDim.Render(err.Error())
	}
	return ""
}

// verifyOutput is the JSON rendering of a single verify call.
type verifyOutput struct {
	VerificationID       string      `json:"verification_id"`
	Image                string      `json:"image"`
	Tier                 string      `json:"tier"`
	Timestamp            time.Time   `json:"timestamp"`
	DockerScan           interface{} `json:"docker_scan"`
	TEEValidation        interface{} `json:"tee_validation"`
	PerformanceBenchmark interface{} `json:"performance_benchmark"`
	LLMAnalysis          interface{} `json:"llm_analysis"`
	StrategyVerification interface{} `json:"strategy_verification"`
	AgentFortScore       interface{} `json:"agent_fort_score"`
	OverallStatus        string      `json:"overall_status"`
}

func toVerifyOutput(verificationID, image, tier string, ts time.Time, r orchestrator.AgentResult) verifyOutput {
	out := verifyOutput{
		VerificationID: verificationID,
		Image:          image,
		Tier:           tier,
		Timestamp:      ts,
		AgentFortScore: r.FortScore,
		OverallStatus:  string(r.FortScore.Verdict),
	}
	if r.Scan != nil {
		out.DockerScan = r.Scan
	}
	if r.Attestation != nil {
		out.TEEValidation = r.Attestation
	}
	if r.Backtest != nil {
		out.PerformanceBenchmark = r.Backtest
	}
	if r.LLM != nil {
		out.LLMAnalysis = r.LLM
	}
	if r.Strategy != nil {
		out.StrategyVerification = r.Strategy
	}
	return out
}

func renderJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
