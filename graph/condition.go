package graph

import (
	"encoding/json"
	"reflect"

	"github.com/tidwall/gjson"
)

// evalCondition evaluates an edge condition against the context view.
// A nil condition is unconditional and always holds.
//
// Paths are gjson dotted paths over the JSON encoding of the view, e.g.
// "results.decision.status" or "payload.retryable".
func evalCondition(c *Condition, view ContextView) bool {
	if c == nil {
		return true
	}

	doc, err := json.Marshal(view)
	if err != nil {
		return false
	}
	res := gjson.GetBytes(doc, c.Path)

	switch c.Kind {
	case CondExists:
		return res.Exists() && res.Type != gjson.Null
	case CondTruthy:
		return truthy(res)
	case CondEquals:
		if !res.Exists() {
			return false
		}
		return equalsValue(res, c.Value)
	default:
		return false
	}
}

// truthy applies JS-like truthiness: null, false, 0, "" and empty
// arrays/objects are falsy.
func truthy(res gjson.Result) bool {
	switch res.Type {
	case gjson.Null:
		return false
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return res.Num != 0
	case gjson.String:
		return res.Str != ""
	default:
		if res.IsArray() {
			return len(res.Array()) > 0
		}
		if res.IsObject() {
			return len(res.Map()) > 0
		}
		return res.Exists()
	}
}

// equalsValue compares a gjson result with a condition value, normalizing
// numeric types so that 2 (int) matches 2.0 (JSON number).
func equalsValue(res gjson.Result, want any) bool {
	switch v := want.(type) {
	case nil:
		return res.Type == gjson.Null
	case bool:
		return res.IsBool() && res.Bool() == v
	case string:
		return res.Type == gjson.String && res.Str == v
	case int:
		return res.Type == gjson.Number && res.Num == float64(v)
	case int64:
		return res.Type == gjson.Number && res.Num == float64(v)
	case float64:
		return res.Type == gjson.Number && res.Num == v
	case json.Number:
		f, err := v.Float64()
		return err == nil && res.Type == gjson.Number && res.Num == f
	default:
		return reflect.DeepEqual(res.Value(), want)
	}
}
