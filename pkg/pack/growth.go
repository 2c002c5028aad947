package pack

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aprio-one/converge/pkg/canonicalize"
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/source"
	"github.com/aprio-one/converge/pkg/truth"
)

// Growth fact keys. Sources read and write these categories; truth triggers
// key off them.
const (
	KeySeeds       = "seeds"
	KeySignals     = "signals"
	KeyCompetitors = "competitors"
	KeyStrategies  = "strategies"
	KeyEvaluations = "evaluations"
	KeyHypotheses  = "hypotheses"
	KeyConstraints = "constraints"
)

// prefixProvider answers by instruction prefix, ignoring the snapshot
// material appended to the prompt.
type prefixProvider struct {
	byPrefix map[string]string
}

func (p *prefixProvider) Complete(_ context.Context, messages []source.Message, _ *source.SamplingOptions) (string, error) {
	prompt := messages[len(messages)-1].Content
	for prefix, resp := range p.byPrefix {
		if strings.HasPrefix(prompt, prefix) {
			return resp, nil
		}
	}
	return "[]", nil
}

// DeterministicProvider returns the canned provider backing deterministic
// (non-live-model) mode. Identical seeds always yield the same fact
// sequence, which is what makes eval fixtures and replay comparisons
// reproducible.
func DeterministicProvider() source.Provider {
	return &prefixProvider{byPrefix: map[string]string{
		"Identify market signals": `[
			{"id": "sig-churn", "signal": "churn rising in SMB tier"},
			{"id": "sig-referral", "signal": "referral conversion doubled"}
		]`,
		"List competitors": `[
			{"id": "comp-acme", "name": "Acme", "position": "incumbent"}
		]`,
		"Propose growth strategies": `[
			{"id": "str-referral", "plan": "expand referral program", "channel": "referral", "spend_cents": 50000},
			{"id": "str-content", "plan": "SEO content engine", "channel": "content", "spend_cents": 30000}
		]`,
		"Evaluate these strategies": `[
			{"id": "eval-referral", "strategy": "str-referral", "score": 8, "rationale": "low CAC, proven conversion"},
			{"id": "eval-content", "strategy": "str-content", "score": 6, "rationale": "slow ramp but compounding"}
		]`,
	}}
}

// GrowthPack builds the growth-strategy pack: market analysis, competitor
// scouting, strategy generation, and evaluation, guarded by brand-safety
// and financial invariants.
func GrowthPack(provider source.Provider) *Pack {
	return &Pack{
		Name:        "growth-strategy",
		Version:     "1.2.0",
		Description: "Derives and evaluates growth strategies from seed goals.",
		Truths:      growthTruths(),
		Sources: []source.Source{
			analystSource(provider),
			scoutSource(provider),
			strategistSource(provider),
			evaluatorSource(provider),
		},
	}
}

func growthTruths() []truth.Truth {
	return []truth.Truth{
		{
			ID:             "budget.non_negative",
			Description:    "Spending constraints must carry non-negative amounts.",
			Classification: truth.Structural,
			Trigger:        `input.candidate.key == "constraints" && ("budget_cents" in input.candidate.payload)`,
			Requirement:    `input.candidate.payload["budget_cents"] >= 0`,
			Reason:         "budget constraints must be non-negative",
		},
		{
			ID:             "brand.safety",
			Description:    "Strategies may not rely on denylisted channels.",
			Classification: truth.Structural,
			Trigger:        `input.candidate.key == "strategies" && ("channel" in input.candidate.payload)`,
			Requirement:    `!(input.candidate.payload["channel"] in ["spam", "scraping", "astroturfing"])`,
			Reason:         "strategy uses a brand-unsafe channel",
		},
		{
			ID:             "money.period.closed_invariant",
			Description:    "No new spending once the financial period is closed.",
			Classification: truth.Structural,
			Trigger:        `input.candidate.key == "strategies" && ("spend_cents" in input.candidate.payload) && input.candidate.payload["spend_cents"] > 0`,
			Requirement:    `!("constraints" in input.facts) || !input.facts["constraints"].exists(c, ("period_closed" in c) && c["period_closed"] == true)`,
			Reason:         "financial period is closed; spending strategies are frozen",
		},
		{
			ID:             "strategy.diversity",
			Description:    "Evaluations require at least two strategies on record.",
			Classification: truth.Acceptance,
			Trigger:        `input.candidate.key == "evaluations"`,
			Requirement:    `("strategies" in input.facts) && size(input.facts["strategies"]) >= 2`,
			Reason:         "need at least two strategies before evaluating",
		},
		{
			ID:             "evaluation.rationale",
			Description:    "Every evaluation must state its rationale.",
			Classification: truth.Acceptance,
			Trigger:        `input.candidate.key == "evaluations"`,
			Requirement:    `("rationale" in input.candidate.payload) && input.candidate.payload["rationale"] != ""`,
			Reason:         "evaluations must include a rationale",
		},
	}
}

func analystSource(provider source.Provider) source.Source {
	return &source.FuncSource{
		SourceName: "market-analyst",
		SourcePrio: 10,
		SourceReq:  true,
		Deps:       []string{KeySeeds},
		EligibleFn: func(snap *ledger.Snapshot) bool { return !snap.HasKey(KeySignals) },
		ProposeFn: func(ctx context.Context, snap *ledger.Snapshot) ([]contracts.Proposal, error) {
			prompt, err := factPrompt("Identify market signals relevant to these goals", snap, KeySeeds)
			if err != nil {
				return nil, err
			}
			return completeItems(ctx, provider, prompt, KeySignals)
		},
	}
}

func scoutSource(provider source.Provider) source.Source {
	return &source.FuncSource{
		SourceName: "competitor-scout",
		SourcePrio: 10,
		Deps:       []string{KeySeeds},
		EligibleFn: func(snap *ledger.Snapshot) bool { return !snap.HasKey(KeyCompetitors) },
		ProposeFn: func(ctx context.Context, snap *ledger.Snapshot) ([]contracts.Proposal, error) {
			prompt, err := factPrompt("List competitors relevant to these goals", snap, KeySeeds)
			if err != nil {
				return nil, err
			}
			return completeItems(ctx, provider, prompt, KeyCompetitors)
		},
	}
}

func strategistSource(provider source.Provider) source.Source {
	return &source.FuncSource{
		SourceName: "strategist",
		SourcePrio: 20,
		SourceReq:  true,
		Deps:       []string{KeySignals, KeyCompetitors},
		EligibleFn: func(snap *ledger.Snapshot) bool { return !snap.HasKey(KeyStrategies) },
		ProposeFn: func(ctx context.Context, snap *ledger.Snapshot) ([]contracts.Proposal, error) {
			prompt, err := factPrompt("Propose growth strategies given these signals and competitors", snap, KeySignals, KeyCompetitors)
			if err != nil {
				return nil, err
			}
			return completeItems(ctx, provider, prompt, KeyStrategies)
		},
	}
}

func evaluatorSource(provider source.Provider) source.Source {
	return &source.FuncSource{
		SourceName: "evaluator",
		SourcePrio: 30,
		Deps:       []string{KeyStrategies},
		EligibleFn: func(snap *ledger.Snapshot) bool { return !snap.HasKey(KeyEvaluations) },
		ProposeFn: func(ctx context.Context, snap *ledger.Snapshot) ([]contracts.Proposal, error) {
			prompt, err := factPrompt("Evaluate these strategies with a rationale each", snap, KeyStrategies)
			if err != nil {
				return nil, err
			}
			return completeItems(ctx, provider, prompt, KeyEvaluations)
		},
	}
}

// factPrompt builds a deterministic prompt from the canonical form of the
// referenced fact categories. Identical snapshots produce identical
// prompts, which keeps provider caching and deterministic mode honest.
func factPrompt(instruction string, snap *ledger.Snapshot, keys ...string) (string, error) {
	material := snap.FactMaterial()
	scoped := make(map[string][]map[string]any, len(keys))
	for _, key := range keys {
		scoped[key] = material[key]
	}
	canon, err := canonicalize.JCS(scoped)
	if err != nil {
		return "", fmt.Errorf("pack: prompt context: %w", err)
	}
	return instruction + "\n" + string(canon), nil
}

// completeItems asks the provider for a JSON array of objects and maps each
// item to a proposal. Items must carry an "id" used as the fact ID.
func completeItems(ctx context.Context, provider source.Provider, prompt, key string) ([]contracts.Proposal, error) {
	raw, err := provider.Complete(ctx, []source.Message{
		{Role: "system", Content: "Respond with a JSON array of objects, each with an \"id\" field."},
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("pack: provider returned invalid JSON for %s: %w", key, err)
	}
	proposals := make([]contracts.Proposal, 0, len(items))
	for i, item := range items {
		id, _ := item["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("pack: %s item %d missing id", key, i)
		}
		proposals = append(proposals, contracts.Proposal{
			Key:     key,
			FactID:  id,
			Payload: item,
		})
	}
	return proposals, nil
}
