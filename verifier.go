// Package verifier is the public API: two entry points, VerifyAgent and
// VerifyBatch, over the shared stores and the verification orchestrator.
//
// All state lives in an explicit VerifierContext threaded through every
// call — no process-wide mutable state outside the three shared stores
// (market data, approved-code registry, audit log).
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/fortline/verifier/attestation"
	"github.com/fortline/verifier/audit"
	"github.com/fortline/verifier/core"
	"github.com/fortline/verifier/core/market"
	"github.com/fortline/verifier/orchestrator"
	"github.com/fortline/verifier/registry"
)

// VerifierContext bundles the shared stores and injected collaborators
// every verification call needs. It carries no global state of its own —
// every field is either a store (market, registry, audit) or a stateless
// collaborator (providers, resource limits).
type VerifierContext struct {
	Market     *market.Store
	Registry   *registry.Store
	AuditLog   *audit.Log
	Resources  core.ResourceLimits
	Deps       orchestrator.Dependencies
}

// VerifyOptions configures a single verify_agent call.
type VerifyOptions struct {
	Tier             string
	EnableLLM        bool
	EnableBacktest   bool
	Start, End       string
	Quote            attestation.Quote
}

// VerifyAgent runs the full per-agent pipeline for image and persists the
// resulting Fort Score record to the audit log.
func (vc *VerifierContext) VerifyAgent(ctx context.Context, image string, opts VerifyOptions) (orchestrator.AgentResult, error) {
	start := time.Now()

	codeHash, _ := registry.CalculateHash(image)

	sems := orchestrator.NewSemaphores(vc.Resources)
	result := orchestrator.RunAgent(ctx, orchestrator.Params{
		Image:          image,
		Tier:           opts.Tier,
		EnableLLM:      opts.EnableLLM,
		EnableBacktest: opts.EnableBacktest,
		Start:          opts.Start,
		End:            opts.End,
		Quote:          opts.Quote,
		CodeHash:       codeHash,
	}, vc.Deps, sems)

	if result.Failed {
		return result, fmt.Errorf("verifier: %s: %w", image, result.FailureReason)
	}

	if vc.AuditLog != nil {
		reasoning := ""
		if result.LLM != nil {
			reasoning = result.LLM.Reasoning
		}
		entry := audit.Entry{
			VerificationID: audit.NewVerificationID(image, start),
			Image:          image,
			Tier:           opts.Tier,
			Timestamp:      start,
			Result:         auditPayload(result),
			LLMReasoning:   reasoning,
		}
		if err := vc.AuditLog.Append(entry); err != nil {
			return result, fmt.Errorf("verifier: persisting audit entry: %w", err)
		}
	}

	return result, nil
}

// BatchOptions configures a verify_batch call.
type BatchOptions struct {
	VerifyOptions
	ParamsOverride func(image string) VerifyOptions // optional, per-image override
}

// VerifyBatch runs every image's pipeline concurrently under the shared
// per-stage limits, persisting each successful result to the audit log.
func (vc *VerifierContext) VerifyBatch(ctx context.Context, images []string, opts BatchOptions) orchestrator.BatchResult {
	start := time.Now()

	paramsFor := func(image string) orchestrator.Params {
		o := opts.VerifyOptions
		if opts.ParamsOverride != nil {
			o = opts.ParamsOverride(image)
		}
		codeHash, _ := registry.CalculateHash(image)
		return orchestrator.Params{
			Image:          image,
			Tier:           o.Tier,
			EnableLLM:      o.EnableLLM,
			EnableBacktest: o.EnableBacktest,
			Start:          o.Start,
			End:            o.End,
			Quote:          o.Quote,
			CodeHash:       codeHash,
		}
	}

	batch := orchestrator.RunBatch(ctx, images, paramsFor, vc.Deps, vc.Resources)

	if vc.AuditLog != nil {
		for _, r := range batch.Results {
			entry := audit.Entry{
				VerificationID: audit.NewVerificationID(r.Image, start),
				Image:          r.Image,
				Timestamp:      start,
				Result:         auditPayload(r),
			}
			if r.LLM != nil {
				entry.LLMReasoning = r.LLM.Reasoning
			}
			_ = vc.AuditLog.Append(entry) // best-effort; a persistence failure must not fail the batch
		}
	}

	return batch
}

// auditPayload assembles the complete per-stage evidence for an audit
// entry from one agent's pipeline output.
func auditPayload(r orchestrator.AgentResult) audit.Payload {
	return audit.Payload{
		FortScore:   r.FortScore,
		Scan:        r.Scan,
		Attestation: r.Attestation,
		Backtest:    r.Backtest,
		Strategy:    r.Strategy,
		LLM:         r.LLM,
	}
}
