package truth

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
)

// Engine evaluates registered truths against candidate proposals. Truths are
// checked in registration order; the first violating truth decides the
// verdict.
type Engine struct {
	env        *cel.Env
	authorizer OverrideAuthorizer

	mu     sync.RWMutex
	truths []Truth
	cache  map[string]cel.Program
}

// Verdict is the full evaluation outcome: the decision plus any derived
// facts produced by truths that fired with passing requirements.
type Verdict struct {
	Decision contracts.Decision
	Derived  []FactTemplate
}

// NewEngine creates an invariant engine. A nil authorizer denies every
// break-glass override.
func NewEngine(authorizer OverrideAuthorizer) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("truth: cel env: %w", err)
	}
	if authorizer == nil {
		authorizer = denyAll{}
	}
	return &Engine{
		env:        env,
		authorizer: authorizer,
		cache:      make(map[string]cel.Program),
	}, nil
}

// Register compiles and appends a truth. Registration order is evaluation
// order.
func (e *Engine) Register(t Truth) error {
	if t.ID == "" {
		return fmt.Errorf("truth: missing id")
	}
	if t.Classification != Structural && t.Classification != Acceptance {
		return fmt.Errorf("truth %s: unknown classification %q", t.ID, t.Classification)
	}
	if t.Check == nil && t.Requirement == "" {
		return fmt.Errorf("truth %s: no requirement predicate", t.ID)
	}
	for _, expr := range []string{t.Trigger, t.Requirement} {
		if expr == "" {
			continue
		}
		if _, err := e.program(expr); err != nil {
			return fmt.Errorf("truth %s: %w", t.ID, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.truths = append(e.truths, t)
	return nil
}

// ActiveTruths returns registered truth IDs in evaluation order.
func (e *Engine) ActiveTruths() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, len(e.truths))
	for i, t := range e.truths {
		ids[i] = t.ID
	}
	return ids
}

// Evaluate checks one candidate against every applicable truth over the
// given snapshot. It never mutates the snapshot and performs no I/O.
func (e *Engine) Evaluate(candidate contracts.Proposal, snap *ledger.Snapshot) Verdict {
	if candidate.Key == "" || candidate.FactID == "" {
		return Verdict{Decision: contracts.Decision{
			Kind:   contracts.DecisionRejected,
			Reason: "malformed proposal: key and fact_id are required",
		}}
	}

	input, err := e.buildInput(candidate, snap)
	if err != nil {
		return Verdict{Decision: contracts.Decision{
			Kind:   contracts.DecisionRejected,
			Reason: fmt.Sprintf("malformed proposal payload: %v", err),
		}}
	}

	e.mu.RLock()
	truths := e.truths
	e.mu.RUnlock()

	breakGlass := false
	var derived []FactTemplate
	for _, t := range truths {
		applies, err := e.applies(t, input)
		if err != nil {
			// A broken trigger is a pack defect; fail closed.
			return haltVerdict(t, fmt.Sprintf("trigger evaluation failed: %v", err))
		}
		if !applies {
			continue
		}

		ok, reason, err := e.requirementHolds(t, candidate, snap, input)
		if err != nil {
			return haltVerdict(t, fmt.Sprintf("requirement evaluation failed: %v", err))
		}
		if ok {
			derived = append(derived, t.Produces...)
			continue
		}

		if t.Classification == Structural {
			return haltVerdict(t, reason)
		}
		// Acceptance class: overridable with recorded authority and a
		// mandatory human-readable reason.
		o := candidate.Override
		if o == nil || o.Reason == "" {
			return haltVerdict(t, reason)
		}
		if err := e.authorizer.Authorize(*o); err != nil {
			return haltVerdict(t, fmt.Sprintf("%s (override denied: %v)", reason, err))
		}
		breakGlass = true
	}

	return Verdict{
		Decision: contracts.Decision{Kind: contracts.DecisionAccepted, BreakGlass: breakGlass},
		Derived:  derived,
	}
}

func haltVerdict(t Truth, reason string) Verdict {
	if reason == "" {
		reason = t.violationReason()
	}
	return Verdict{Decision: contracts.Decision{
		Kind:    contracts.DecisionHalted,
		TruthID: t.ID,
		Reason:  reason,
	}}
}

func (e *Engine) applies(t Truth, input map[string]any) (bool, error) {
	if t.Trigger == "" {
		return true, nil
	}
	return e.evalBool(t.Trigger, input)
}

func (e *Engine) requirementHolds(t Truth, candidate contracts.Proposal, snap *ledger.Snapshot, input map[string]any) (bool, string, error) {
	if t.Check != nil {
		ok, reason := t.Check(candidate, snap)
		if !ok && reason == "" {
			reason = t.violationReason()
		}
		return ok, reason, nil
	}
	ok, err := e.evalBool(t.Requirement, input)
	return ok, t.violationReason(), err
}

func (e *Engine) evalBool(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression did not return bool")
	}
	return b, nil
}

// program compiles an expression once and caches it under a double-checked
// lock; evaluation is the hot path.
func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}

// buildInput flattens candidate and snapshot into the single `input` map CEL
// predicates consume.
func (e *Engine) buildInput(candidate contracts.Proposal, snap *ledger.Snapshot) (map[string]any, error) {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, err
	}
	var cand map[string]any
	if err := json.Unmarshal(raw, &cand); err != nil {
		return nil, err
	}
	facts := make(map[string]any)
	for key, payloads := range snap.FactMaterial() {
		list := make([]any, len(payloads))
		for i, p := range payloads {
			list[i] = p
		}
		facts[key] = list
	}
	return map[string]any{
		"candidate": cand,
		"facts":     facts,
	}, nil
}
