// Package contracts defines the shared data model of the convergence core:
// ledger entries, proposals, decisions, events, control messages, and run
// status. All components exchange these types; none of them owns behavior.
package contracts

import (
	"time"
)

// EntryType categorizes a ledger entry.
type EntryType string

const (
	EntryFact     EntryType = "fact"
	EntryProposal EntryType = "proposal"
	EntryTrace    EntryType = "trace"
	EntryDecision EntryType = "decision"
)

// ActorType categorizes the originator of an entry.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAgent  ActorType = "agent"
)

// Actor identifies the originator of an entry. Entries reference actors;
// nothing owns them.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
	// Device carries the originating device or process identity, e.g.
	// "cli:hostname:user" for CLI submissions.
	Device string `json:"device,omitempty"`
}

// ContextEntry is one immutable ledger record. Once appended it is never
// mutated or deleted; corrections are new entries whose payload references
// the corrected entry's ID under "corrects".
type ContextEntry struct {
	EntryID       string         `json:"entry_id"`
	EntryType     EntryType      `json:"entry_type"`
	Sequence      uint64         `json:"sequence"`
	RunID         string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id"`
	Actor         Actor          `json:"actor"`
	TruthID       string         `json:"truth_id,omitempty"`
	// Key is the fact category (e.g. "seeds", "strategies"). Source
	// eligibility is a pure function of which keys hold facts.
	Key string `json:"key,omitempty"`
	// FactID names the fact within its key; (key, fact_id, payload) is the
	// idempotency identity of a fact entry.
	FactID      string         `json:"fact_id,omitempty"`
	Payload     map[string]any `json:"payload"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Override is an authorized break-glass acceptance of a normally blocking
// acceptance-class truth violation. The reason is mandatory.
type Override struct {
	Actor  Actor  `json:"actor"`
	Reason string `json:"reason"`
	// Token is an optional bearer credential proving override authority.
	Token string `json:"token,omitempty"`
}

// Proposal is a candidate change submitted by a source or actor. It has no
// authority until the invariant engine accepts it.
type Proposal struct {
	Source        string         `json:"source"`
	Priority      int            `json:"priority"`
	RunID         string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id"`
	Actor         Actor          `json:"actor"`
	Key           string         `json:"key"`
	FactID        string         `json:"fact_id"`
	Payload       map[string]any `json:"payload"`
	// RequiresApproval parks the proposal in the ledger as a pending
	// proposal entry; a human resolves it via approve/reject controls.
	RequiresApproval bool      `json:"requires_approval,omitempty"`
	Override         *Override `json:"override,omitempty"`
}

// DecisionKind is the verdict of invariant evaluation.
type DecisionKind string

const (
	DecisionAccepted DecisionKind = "accepted"
	DecisionRejected DecisionKind = "rejected"
	DecisionHalted   DecisionKind = "halted"
)

// Decision is the outcome of evaluating one proposal against the registered
// truths.
type Decision struct {
	Kind    DecisionKind `json:"kind"`
	TruthID string       `json:"truth_id,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	// BreakGlass marks an acceptance that overrode an acceptance-class
	// violation with recorded authority.
	BreakGlass bool `json:"break_glass,omitempty"`
}

// Trace is the audit record of one decision.
type Trace struct {
	InputHash  string       `json:"input_hash"`
	OutputHash string       `json:"output_hash,omitempty"`
	Decision   DecisionKind `json:"decision"`
	TruthID    string       `json:"truth_id,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunWaiting   RunState = "waiting"
	RunConverged RunState = "converged"
	RunHalted    RunState = "halted"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunConverged || s == RunHalted
}

// Halt reasons attached to halted runs. Halts always carry a reason; invariant
// halts additionally carry the violated truth ID.
const (
	HaltBudgetExceeded = "budget_exceeded"
	HaltCancelled      = "cancelled"
	HaltInvariant      = "invariant_violation"
	HaltSystemError    = "system_error"
)

// RunStatus is the externally visible status surface of a run.
type RunStatus struct {
	RunID            string    `json:"run_id"`
	Status           RunState  `json:"status"`
	Cycles           uint32    `json:"cycles"`
	FactsCount       int       `json:"facts_count"`
	PendingProposals int       `json:"pending_proposals"`
	WaitingFor       []string  `json:"waiting_for,omitempty"`
	HaltReason       string    `json:"halt_reason,omitempty"`
	HaltTruthID      string    `json:"halt_truth_id,omitempty"`
	LastActivity     time.Time `json:"last_activity"`
}

// EventType mirrors EntryType on the wire, plus run status transitions.
type EventType string

const (
	EventFact     EventType = "fact"
	EventProposal EventType = "proposal"
	EventTrace    EventType = "trace"
	EventDecision EventType = "decision"
	EventStatus   EventType = "status"
)

// Event is the wire representation of a ledger append. Seq is monotonic per
// stream and is the resume key.
type Event struct {
	JobID          string         `json:"job_id"`
	StreamID       string         `json:"stream_id"`
	Seq            uint64         `json:"seq"`
	ContextVersion string         `json:"context_version"`
	CorrelationID  string         `json:"correlation_id"`
	TraceID        string         `json:"trace_id,omitempty"`
	EventType      EventType      `json:"event_type"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        map[string]any `json:"payload"`
}

// ControlType enumerates client-issued run directives.
type ControlType string

const (
	ControlInjectFact   ControlType = "inject_fact"
	ControlApprove      ControlType = "approve"
	ControlReject       ControlType = "reject"
	ControlPause        ControlType = "pause"
	ControlResume       ControlType = "resume"
	ControlUpdateBudget ControlType = "update_budget"
	ControlCancel       ControlType = "cancel"
)

// ControlMessage is a client-issued run directive. It travels on a logically
// separate inbound channel from the event stream.
type ControlMessage struct {
	ControlType   ControlType    `json:"control_type"`
	JobID         string         `json:"job_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Actor         Actor          `json:"actor,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Capabilities is the session-start handshake surface.
type Capabilities struct {
	Packs                    []string `json:"packs"`
	ActiveTruths             []string `json:"active_truths"`
	StreamingSupported       bool     `json:"streaming_supported"`
	Policies                 []string `json:"policies"`
	DeterminismModeAvailable bool     `json:"determinism_mode_available"`
}
