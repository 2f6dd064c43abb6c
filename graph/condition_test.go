package graph

import (
	"encoding/json"
	"testing"
)

func viewWithResult(nodeID, resultJSON string) ContextView {
	return ContextView{
		Results: map[string]json.RawMessage{
			nodeID: json.RawMessage(resultJSON),
		},
	}
}

func TestEvalCondition(t *testing.T) {
	t.Run("nil condition is unconditional", func(t *testing.T) {
		if !evalCondition(nil, ContextView{}) {
			t.Error("nil condition should always hold")
		}
	})

	t.Run("equals string", func(t *testing.T) {
		view := viewWithResult("decision", `{"status": "success"}`)
		c := &Condition{Kind: CondEquals, Path: "results.decision.status", Value: "success"}
		if !evalCondition(c, view) {
			t.Error("expected equals to hold")
		}
		c.Value = "failure"
		if evalCondition(c, view) {
			t.Error("expected equals to fail for mismatched value")
		}
	})

	t.Run("equals number normalizes int", func(t *testing.T) {
		view := viewWithResult("n", `{"count": 2}`)
		c := &Condition{Kind: CondEquals, Path: "results.n.count", Value: 2}
		if !evalCondition(c, view) {
			t.Error("int 2 should match JSON number 2")
		}
	})

	t.Run("equals against payload", func(t *testing.T) {
		view := ContextView{Payload: json.RawMessage(`{"mode": "fast"}`)}
		c := &Condition{Kind: CondEquals, Path: "payload.mode", Value: "fast"}
		if !evalCondition(c, view) {
			t.Error("expected payload path to resolve")
		}
	})

	t.Run("exists", func(t *testing.T) {
		view := viewWithResult("a", `{"out": "x", "gone": null}`)
		if !evalCondition(&Condition{Kind: CondExists, Path: "results.a.out"}, view) {
			t.Error("present key should exist")
		}
		if evalCondition(&Condition{Kind: CondExists, Path: "results.a.gone"}, view) {
			t.Error("null value should not exist")
		}
		if evalCondition(&Condition{Kind: CondExists, Path: "results.a.missing"}, view) {
			t.Error("absent key should not exist")
		}
	})

	t.Run("truthy", func(t *testing.T) {
		view := viewWithResult("a", `{"s": "x", "empty": "", "n": 3, "zero": 0, "yes": true, "no": false, "list": [1], "none": []}`)
		truthyPaths := []string{"results.a.s", "results.a.n", "results.a.yes", "results.a.list"}
		falsyPaths := []string{"results.a.empty", "results.a.zero", "results.a.no", "results.a.none", "results.a.missing"}
		for _, p := range truthyPaths {
			if !evalCondition(&Condition{Kind: CondTruthy, Path: p}, view) {
				t.Errorf("expected %s to be truthy", p)
			}
		}
		for _, p := range falsyPaths {
			if evalCondition(&Condition{Kind: CondTruthy, Path: p}, view) {
				t.Errorf("expected %s to be falsy", p)
			}
		}
	})

	t.Run("unknown kind is false", func(t *testing.T) {
		view := viewWithResult("a", `{"x": 1}`)
		if evalCondition(&Condition{Kind: "regex", Path: "results.a.x"}, view) {
			t.Error("unknown condition kind should not activate")
		}
	})
}
