// Package gate evaluates completion gates: given observed evidence, a
// policy and a task context, it decides whether a node may complete and,
// when it may not, suggests the tool calls that would unblock it.
package gate

import "time"

// DefaultMaxAge is how long evidence remains considered current.
const DefaultMaxAge = 5 * time.Minute

// DefaultMaxDetailItems caps detail lists in results and reasons.
const DefaultMaxDetailItems = 10

// Policy is the fully-resolved gate policy an evaluation runs under.
//
// Policies compose by shallow merge: a node-level Patch overrides a
// graph-level Patch, which overrides the engine default (see
// DefaultPolicy and Policy.Apply). Unknown keys from parsed documents are
// preserved in Extra and never influence behavior.
type Policy struct {
	// RequireGuard demands fresh guard (linter) evidence.
	RequireGuard bool `json:"requireGuard"`

	// RequireTest demands fresh test-run evidence.
	RequireTest bool `json:"requireTest"`

	// StrictTaskScope requires evidence to be tagged with the evaluating
	// task's id; evidence from other tasks is treated as missing.
	StrictTaskScope bool `json:"strictTaskScope"`

	// MaxDetailItems caps the failing-detail lists carried in results.
	MaxDetailItems int `json:"maxDetailItems"`

	// MaxAge is the evidence freshness window. Older evidence is treated
	// as missing, never as passed or failed.
	MaxAge time.Duration `json:"maxAge"`

	// GuardArgs seeds suggested guard_validate calls.
	GuardArgs map[string]any `json:"guardArgs,omitempty"`

	// TestArgs seeds suggested testing_run calls.
	TestArgs map[string]any `json:"testArgs,omitempty"`

	// Extra preserves unrecognized policy keys round-trip.
	Extra map[string]any `json:"-"`
}

// DefaultPolicy returns the engine default: both streams required, loose
// task scope, 10 detail items, 5 minute freshness window.
func DefaultPolicy() Policy {
	return Policy{
		RequireGuard:   true,
		RequireTest:    true,
		MaxDetailItems: DefaultMaxDetailItems,
		MaxAge:         DefaultMaxAge,
	}
}

// Patch is a partial policy override. Nil fields leave the base value
// untouched; maps replace wholesale (shallow merge).
type Patch struct {
	RequireGuard    *bool          `json:"requireGuard,omitempty"`
	RequireTest     *bool          `json:"requireTest,omitempty"`
	StrictTaskScope *bool          `json:"strictTaskScope,omitempty"`
	MaxDetailItems  *int           `json:"maxDetailItems,omitempty"`
	MaxAgeMs        *int64         `json:"maxAgeMs,omitempty"`
	GuardArgs       map[string]any `json:"guardArgs,omitempty"`
	TestArgs        map[string]any `json:"testArgs,omitempty"`
	Extra           map[string]any `json:"-"`
}

// Apply returns a copy of p with the non-nil fields of patch applied.
// A nil patch returns p unchanged.
func (p Policy) Apply(patch *Patch) Policy {
	if patch == nil {
		return p
	}
	if patch.RequireGuard != nil {
		p.RequireGuard = *patch.RequireGuard
	}
	if patch.RequireTest != nil {
		p.RequireTest = *patch.RequireTest
	}
	if patch.StrictTaskScope != nil {
		p.StrictTaskScope = *patch.StrictTaskScope
	}
	if patch.MaxDetailItems != nil {
		p.MaxDetailItems = *patch.MaxDetailItems
	}
	if patch.MaxAgeMs != nil {
		p.MaxAge = time.Duration(*patch.MaxAgeMs) * time.Millisecond
	}
	if patch.GuardArgs != nil {
		p.GuardArgs = patch.GuardArgs
	}
	if patch.TestArgs != nil {
		p.TestArgs = patch.TestArgs
	}
	if patch.Extra != nil {
		merged := make(map[string]any, len(p.Extra)+len(patch.Extra))
		for k, v := range p.Extra {
			merged[k] = v
		}
		for k, v := range patch.Extra {
			merged[k] = v
		}
		p.Extra = merged
	}
	return p
}
