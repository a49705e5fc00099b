package judge

import (
	"context"
	"errors"
	"testing"

	"github.com/fortline/verifier/scanner"
)

type scriptedProvider struct {
	responses []string
	calls     int
	err       error
}

func (p *scriptedProvider) Complete(ctx context.Context, messages []Message) (*Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.calls >= len(p.responses) {
		return nil, errors.New("scriptedProvider: no more responses")
	}
	resp := &Response{Content: p.responses[p.calls]}
	p.calls++
	return resp, nil
}

func cleanSecurityResponses() []string {
	return []string{
		`{"plaintext_keys_found":false,"key_generation_secure":true,"key_storage_encrypted":true,` +
			`"key_rotation_implemented":true,"key_exposure_risk":"low","findings":[]}`,
		`{"has_spending_limits":true,"has_approval_mechanisms":true,"emergency_stop_present":true,` +
			`"transaction_monitoring":true,"control_strength":"strong","findings":[]}`,
		`{"backdoor_detected":false,"time_bomb_detected":false,"obfuscated_code_found":false,` +
			`"deception_risk":"low","findings":[]}`,
		`{"unbounded_exposure":false,"max_loss_bounded":true,"position_size_controls":true,` +
			`"stop_loss_implemented":true,"risk_controls_adequate":true,"risk_level":"low","findings":[]}`,
		`{"code_quality":{"overall":0.9,"notes":[]},"risk_assessment":{"systemic_risk_score":0.05,"notes":[]},` +
			`"score_adjustments":[5,5],"behavioral_flags":[],"confidence":0.9,"reasoning":"looks clean","recommendation":"DEPLOY"}`,
	}
}

func TestEvaluate_CleanAgentYieldsTrustableResult(t *testing.T) {
	provider := &scriptedProvider{responses: cleanSecurityResponses()}
	result := Evaluate(context.Background(), &scanner.Report{ImageRef: "agent:latest"}, provider, nil, false)

	if !result.Security.CanTrustWithCapital {
		t.Errorf("expected can_trust_with_capital=true, got security=%+v", result.Security)
	}
	if result.Security.TrustScore <= 0.8 {
		t.Errorf("expected trust score > 0.8, got %v", result.Security.TrustScore)
	}
	if result.Fallback {
		t.Error("expected non-fallback result")
	}
}

func TestEvaluate_PlaintextKeysForceCritical(t *testing.T) {
	responses := cleanSecurityResponses()
	responses[0] = `{"plaintext_keys_found":true,"key_exposure_risk":"critical","findings":["hardcoded API key"]}`
	provider := &scriptedProvider{responses: responses}
	result := Evaluate(context.Background(), &scanner.Report{}, provider, nil, false)

	if len(result.Security.CriticalVulnerabilities) == 0 {
		t.Error("expected a critical vulnerability for plaintext keys")
	}
	if result.Security.CanTrustWithCapital {
		t.Error("expected can_trust_with_capital=false when criticals are present")
	}
}

func TestEvaluate_ProviderFailureFallsBackConservatively(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("connection refused")}
	result := Evaluate(context.Background(), &scanner.Report{}, provider, nil, false)

	if !result.Fallback {
		t.Fatal("expected fallback result")
	}
	if result.Recommendation != RecommendDoNotDeploy {
		t.Errorf("expected DO_NOT_DEPLOY fallback recommendation, got %v", result.Recommendation)
	}
	if result.Security.TrustScore != 0 {
		t.Errorf("expected trust_score=0 on fallback, got %v", result.Security.TrustScore)
	}
}

func TestEvaluate_EnsembleFusionCollapsesToWorstRecommendation(t *testing.T) {
	primaryResponses := cleanSecurityResponses()
	secondaryResponses := cleanSecurityResponses()
	secondaryResponses[4] = `{"code_quality":{"overall":0.4,"notes":[]},"risk_assessment":{"systemic_risk_score":0.5,"notes":[]},` +
		`"score_adjustments":[-5],"behavioral_flags":["suspicious pattern"],"confidence":0.6,"reasoning":"concerns found","recommendation":"CAUTION"}`

	primary := &scriptedProvider{responses: primaryResponses}
	secondary := &scriptedProvider{responses: secondaryResponses}

	result := Evaluate(context.Background(), &scanner.Report{}, primary, secondary, true)
	if result.Recommendation != RecommendCaution {
		t.Errorf("expected ensemble fusion to collapse to CAUTION, got %v", result.Recommendation)
	}
	if !result.HasSeriousFlag() {
		t.Error("expected union of behavioral flags to include the secondary's suspicious flag")
	}
}

func TestEvaluate_EnsembleWithoutSecondaryUsesOnlyPrimary(t *testing.T) {
	primary := &scriptedProvider{responses: cleanSecurityResponses()}
	result := Evaluate(context.Background(), &scanner.Report{}, primary, nil, true)
	if result.Fallback {
		t.Error("expected primary-only result when no secondary is supplied")
	}
}

func TestExtractJSON_HandlesFencedAndBareContent(t *testing.T) {
	fenced := "Here is my analysis:\n```json\n{\"a\":1}\n```\n"
	if got := extractJSON(fenced); got != `{"a":1}` {
		t.Errorf("extractJSON(fenced) = %q", got)
	}
	bare := `{"a":1}`
	if got := extractJSON(bare); got != bare {
		t.Errorf("extractJSON(bare) = %q", got)
	}
}
