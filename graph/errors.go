package graph

import (
	"errors"
	"fmt"
)

// ErrCancelled indicates the workflow was cancelled before it could reach
// a natural terminal state. Running nodes are failed with reason
// "cancelled" and pending nodes are skipped.
var ErrCancelled = errors.New("workflow cancelled")

// ValidationError reports a malformed graph: missing entry, dangling edge
// endpoint, duplicate node id, or a directed cycle. Execution never starts
// on a graph that fails validation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "graph validation: " + e.Message
}

// RunnerError wraps an error returned by a TaskRunner, recording which
// node and attempt produced it.
type RunnerError struct {
	NodeID  string
	Attempt int
	Err     error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("node %s attempt %d: %v", e.NodeID, e.Attempt, e.Err)
}

func (e *RunnerError) Unwrap() error { return e.Err }

// NoMatchingEdgeError reports a decision node whose conditional outgoing
// edges all evaluated false.
type NoMatchingEdgeError struct {
	NodeID string
}

func (e *NoMatchingEdgeError) Error() string {
	return fmt.Sprintf("no-matching-edge: decision node %s activated no outgoing edge", e.NodeID)
}
