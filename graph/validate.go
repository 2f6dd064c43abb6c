package graph

import "fmt"

// dfs colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current path
	colorBlack        // fully explored
)

// Validate checks structural invariants and returns the topological order
// index per node id. The index is used only as a scheduling tie-breaker.
//
// Checks, in order: entry resolves to a node, node ids are unique, every
// edge endpoint resolves, and the graph is acyclic (DFS with three-color
// marking).
func (w *Workflow) Validate() (map[string]int, error) {
	if len(w.Nodes) == 0 {
		return nil, &ValidationError{Message: "graph has no nodes"}
	}

	byID := make(map[string]struct{}, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return nil, &ValidationError{Message: "node with empty id"}
		}
		if _, dup := byID[n.ID]; dup {
			return nil, &ValidationError{Message: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		byID[n.ID] = struct{}{}
	}

	if w.Entry == "" {
		return nil, &ValidationError{Message: "entry node not set"}
	}
	if _, ok := byID[w.Entry]; !ok {
		return nil, &ValidationError{Message: fmt.Sprintf("entry node %q does not exist", w.Entry)}
	}

	adj := make(map[string][]string, len(w.Nodes))
	for _, e := range w.Edges {
		if _, ok := byID[e.From]; !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("edge source %q does not exist", e.From)}
		}
		if _, ok := byID[e.To]; !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("edge target %q does not exist", e.To)}
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	color := make(map[string]int, len(w.Nodes))
	order := make([]string, 0, len(w.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case colorGray:
			return &ValidationError{Message: fmt.Sprintf("cycle detected involving node %q", id)}
		case colorBlack:
			return nil
		}
		color[id] = colorGray
		for _, next := range adj[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		color[id] = colorBlack
		order = append(order, id)
		return nil
	}

	// Visit in declaration order so the topological tie-break is stable.
	for _, n := range w.Nodes {
		if err := visit(n.ID); err != nil {
			return nil, err
		}
	}

	// order is post-order, so reverse it for topological indices.
	topo := make(map[string]int, len(order))
	for i, id := range order {
		topo[id] = len(order) - 1 - i
	}
	return topo, nil
}
