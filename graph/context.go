package graph

import "encoding/json"

// GraphMeta is the slice of graph identity exposed to runners and
// conditions.
type GraphMeta struct {
	Name string `json:"name"`
}

// ContextView is the read-only snapshot a runner and edge conditions see:
// outputs of completed nodes keyed by node id, the current node's payload,
// and graph metadata.
type ContextView struct {
	Results   map[string]json.RawMessage `json:"results"`
	Payload   json.RawMessage            `json:"payload,omitempty"`
	GraphMeta GraphMeta                  `json:"graphMeta"`
}

// snapshotView builds an isolated view for one node. Results are copied
// so a runner holding the view past its return cannot observe later
// completions.
func snapshotView(w *Workflow, n *Node, results map[string]json.RawMessage) ContextView {
	snap := make(map[string]json.RawMessage, len(results))
	for id, out := range results {
		snap[id] = out
	}
	return ContextView{
		Results:   snap,
		Payload:   n.Payload,
		GraphMeta: GraphMeta{Name: w.Name},
	}
}
