// Package truth implements the invariant engine: declarative predicates over
// ledger state that gate fact acceptance. Evaluation is a pure function of
// (candidate, context snapshot), which is what makes replay idempotent and
// reruns deterministic.
package truth

import (
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
)

// Classification separates absolute truths from overridable ones.
type Classification string

const (
	// Structural violations are never overridable; they always halt the
	// run.
	Structural Classification = "structural"
	// Acceptance violations halt unless the proposal carries an
	// authorized break-glass override with a recorded reason.
	Acceptance Classification = "acceptance"
)

// FactTemplate describes a derived fact a truth emits when it fires with a
// passing requirement (e.g. a satisfaction marker other truths key on).
type FactTemplate struct {
	Key     string         `json:"key"`
	FactID  string         `json:"fact_id"`
	Payload map[string]any `json:"payload"`
}

// Predicate is a native requirement check for packs that outgrow CEL. It
// must be side-effect free. It returns whether the candidate passes and, on
// failure, a human-readable reason.
type Predicate func(candidate contracts.Proposal, snap *ledger.Snapshot) (bool, string)

// Truth is one registered invariant.
//
// Trigger and Requirement are CEL expressions over a single `input` map with
// `input.candidate` (the proposal) and `input.facts` (key -> ordered fact
// payloads). An empty Trigger means the truth applies to every candidate.
// Check, when set, replaces Requirement.
type Truth struct {
	ID             string
	Description    string
	Classification Classification
	Trigger        string
	Requirement    string
	Check          Predicate `json:"-"`
	Produces       []FactTemplate
	// Reason is the operator-facing explanation attached to violations.
	// When empty, Description is used.
	Reason string
}

func (t Truth) violationReason() string {
	if t.Reason != "" {
		return t.Reason
	}
	return t.Description
}
