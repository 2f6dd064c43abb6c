// Package graph provides the workflow graph model and the bounded-parallel
// executor that drives it: a versioned DAG of task, decision and join
// nodes, validated up front and executed under a concurrency budget with
// completion gates honored at each gated node.
package graph

import (
	"encoding/json"

	"github.com/dshills/taskgraph-go/gate"
)

// SchemaVersion is the current workflow document schema version.
const SchemaVersion = "1"

// NodeKind distinguishes how a node participates in scheduling.
type NodeKind string

const (
	// KindTask is a regular unit of work.
	KindTask NodeKind = "task"
	// KindDecision selects among conditional outgoing edges after its
	// runner returns.
	KindDecision NodeKind = "decision"
	// KindJoin waits for all incoming activated edges before running.
	// Scheduling-wise it behaves like a task; the fan-in is expressed by
	// the DAG itself.
	KindJoin NodeKind = "join"
)

// Phase tags a node with its place in the delivery workflow. Phases carry
// a gate default: impl, review and test require gates unless the node or
// graph says otherwise.
type Phase string

const (
	PhaseAnalysis Phase = "analysis"
	PhasePlan     Phase = "plan"
	PhaseImpl     Phase = "impl"
	PhaseReview   Phase = "review"
	PhaseTest     Phase = "test"
)

// OnError selects the terminal state of a node whose runner failed after
// retries were exhausted.
type OnError string

const (
	// OnErrorFail marks the node failed and skips transitive dependents.
	OnErrorFail OnError = "fail"
	// OnErrorSkip marks the node skipped; dependents proceed as if the
	// node completed with no output.
	OnErrorSkip OnError = "skip"
	// OnErrorContinue marks the node completed with the error recorded in
	// its outcome; dependents proceed.
	OnErrorContinue OnError = "continue"
)

// NodeStatus is a node's scheduling state.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusReady     NodeStatus = "ready"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
	StatusBlocked   NodeStatus = "blocked"
)

// WorkflowStatus is the terminal status of a whole run.
type WorkflowStatus string

const (
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowBlocked   WorkflowStatus = "blocked"
	WorkflowFailed    WorkflowStatus = "failed"
)

// ConditionKind selects the edge predicate.
type ConditionKind string

const (
	// CondEquals holds when the value at Path equals Value.
	CondEquals ConditionKind = "equals"
	// CondExists holds when Path resolves to a non-null value.
	CondExists ConditionKind = "exists"
	// CondTruthy holds when the value at Path is truthy by JS-like rules.
	CondTruthy ConditionKind = "truthy"
)

// Condition is an edge predicate evaluated against the execution context
// view. Path is a dotted path such as "results.decision.status".
type Condition struct {
	Kind  ConditionKind `json:"kind"`
	Path  string        `json:"path"`
	Value any           `json:"value,omitempty"`
}

// Edge connects two nodes. A nil Condition is unconditional.
type Edge struct {
	From      string     `json:"from"`
	To        string     `json:"to"`
	Condition *Condition `json:"condition,omitempty"`
}

// Node is one unit in the workflow graph.
type Node struct {
	ID    string   `json:"id"`
	Kind  NodeKind `json:"kind,omitempty"`
	Label string   `json:"label,omitempty"`
	Phase Phase    `json:"phase,omitempty"`

	// GateRequired overrides the phase and graph defaults when set.
	GateRequired *bool `json:"gateRequired,omitempty"`

	// GatePolicy is a partial policy override for this node's gate.
	GatePolicy *gate.Patch `json:"gatePolicy,omitempty"`

	TimeoutMs int     `json:"timeoutMs,omitempty"`
	Retries   *int    `json:"retries,omitempty"`
	OnError   OnError `json:"onError,omitempty"`

	// Payload is opaque to the executor and exposed to the runner and to
	// edge conditions through the context view.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Defaults holds graph-wide settings individual nodes may override.
type Defaults struct {
	GateRequired *bool       `json:"gateRequired,omitempty"`
	GatePolicy   *gate.Patch `json:"gatePolicy,omitempty"`
	TimeoutMs    int         `json:"timeoutMs,omitempty"`
	Retries      *int        `json:"retries,omitempty"`
	Concurrency  int         `json:"concurrency,omitempty"`
}

// Workflow is a versioned graph document. It is immutable after
// Validate; the executor never mutates it.
type Workflow struct {
	Version  string    `json:"version"`
	Name     string    `json:"name,omitempty"`
	Entry    string    `json:"entry"`
	Nodes    []Node    `json:"nodes"`
	Edges    []Edge    `json:"edges"`
	Defaults *Defaults `json:"defaults,omitempty"`
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// gateRequired resolves the effective gate requirement for a node:
// explicit node value, then phase default, then graph default, then false.
func (w *Workflow) gateRequired(n *Node) bool {
	if n.GateRequired != nil {
		return *n.GateRequired
	}
	switch n.Phase {
	case PhaseImpl, PhaseReview, PhaseTest:
		return true
	}
	if w.Defaults != nil && w.Defaults.GateRequired != nil {
		return *w.Defaults.GateRequired
	}
	return false
}

// gatePolicy composes the effective policy for a node: engine default,
// then the graph-level patch, then the node-level patch.
func (w *Workflow) gatePolicy(n *Node) gate.Policy {
	pol := gate.DefaultPolicy()
	if w.Defaults != nil {
		pol = pol.Apply(w.Defaults.GatePolicy)
	}
	return pol.Apply(n.GatePolicy)
}
