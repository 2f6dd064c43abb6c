// Package emit provides the in-process event bus and pluggable emitters
// for taskgraph workflow observability.
package emit

import "time"

// Event type constants. Every state mutation in the core announces itself
// under one of these types; the timeline recorder persists them verbatim.
const (
	TypeGraphCreated      = "taskgraph:created"
	TypeNodeStarted       = "taskgraph:node:started"
	TypeNodeCompleted     = "taskgraph:node:completed"
	TypeNodeFailed        = "taskgraph:node:failed"
	TypeNodeSkipped       = "taskgraph:node:skipped"
	TypeNodeGated         = "taskgraph:node:gated"
	TypeNodeBypassGates   = "taskgraph:node:bypass_gates"
	TypeWorkflowCompleted = "taskgraph:workflow:completed"

	TypeGuardValidated = "guard:validated"
	TypeGuardBlock     = "guard:block"
	TypeTestingFailure = "testing:failure"

	TypeResourceWarning    = "resource:warning"
	TypeResourceCritical   = "resource:critical"
	TypeGovernorCritical   = "resource:governor:critical"
	TypeResourceCheckpoint = "resource:checkpoint"

	TypeSessionEnd           = "session:end"
	TypeEvidenceUpdated      = "evidence:updated"
	TypePersistenceDegraded  = "state:persistence:degraded"
)

// Event is a single observability event flowing through the Bus.
//
// Events mirror the timeline record shape: a timestamp, a type tag from the
// taxonomy above, a short human-readable summary, and optional structured
// data. The timeline recorder appends them to the session file in the order
// the Bus dispatches them.
type Event struct {
	// Ts is when the event occurred. The Bus stamps it on Emit when zero.
	Ts time.Time `json:"ts"`

	// Type is one of the Type* constants above.
	Type string `json:"type"`

	// Summary is a one-line human-readable description.
	Summary string `json:"summary"`

	// Data carries event-specific structured fields.
	// Common keys: "nodeId", "reason", "status", "attempt".
	Data map[string]any `json:"data,omitempty"`
}
