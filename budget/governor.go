// Package budget implements coarse admission control keyed to cumulative
// token usage. The governor tracks three modes and denies configured heavy
// actions as the budget tightens.
package budget

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/emit"
)

// Mode is the governor's coarse budget state.
type Mode string

const (
	// ModeNormal allows every action.
	ModeNormal Mode = "normal"
	// ModeConservative denies configured heavy actions.
	ModeConservative Mode = "conservative"
	// ModeCritical denies everything outside the critical allow-list.
	ModeCritical Mode = "critical"
)

// Default mode thresholds as fractions of the estimated budget.
const (
	DefaultConservativeThreshold = 0.70
	DefaultCriticalThreshold     = 0.85
)

// Actions the governor always permits in critical mode, on top of any
// configured allow-list.
const (
	ActionCheckpointCreate = "checkpoint_create"
	ActionFinishTask       = "finish_task"
)

// DefaultHeavyActions are denied in conservative mode unless overridden.
func DefaultHeavyActions() []string {
	return []string{"browser_open", "full_test_suite", "task_decompose"}
}

// Config tunes the governor. Zero values take defaults.
type Config struct {
	// ConservativeThreshold is the usage fraction entering conservative
	// mode. Default 0.70.
	ConservativeThreshold float64

	// CriticalThreshold is the usage fraction entering critical mode.
	// Default 0.85.
	CriticalThreshold float64

	// HeavyActions are denied in conservative mode.
	// Default: browser_open, full_test_suite, task_decompose.
	HeavyActions []string

	// CriticalAllow extends the critical-mode allow-list.
	// checkpoint_create and finish_task are always allowed.
	CriticalAllow []string

	// CheckpointBypassesDenial lets checkpoint_create through in every
	// mode regardless of the heavy-action list. Default true; set the
	// pointer to override.
	CheckpointBypassesDenial *bool

	// Logger receives mode transition logs. Nil means no logging.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ConservativeThreshold <= 0 {
		c.ConservativeThreshold = DefaultConservativeThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = DefaultCriticalThreshold
	}
	if c.HeavyActions == nil {
		c.HeavyActions = DefaultHeavyActions()
	}
	if c.CheckpointBypassesDenial == nil {
		t := true
		c.CheckpointBypassesDenial = &t
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Decision is the answer to an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Governor admits or denies actions based on recorded token usage.
// Safe for concurrent use.
type Governor struct {
	mu   sync.Mutex
	cfg  Config
	bus  *emit.Bus
	mode Mode

	used           int
	estimatedTotal int

	heavy         map[string]struct{}
	criticalAllow map[string]struct{}
}

// NewGovernor creates a governor in normal mode. bus may be nil.
func NewGovernor(cfg Config, bus *emit.Bus) *Governor {
	cfg = cfg.withDefaults()
	g := &Governor{
		cfg:           cfg,
		bus:           bus,
		mode:          ModeNormal,
		heavy:         make(map[string]struct{}, len(cfg.HeavyActions)),
		criticalAllow: make(map[string]struct{}, len(cfg.CriticalAllow)+2),
	}
	for _, a := range cfg.HeavyActions {
		g.heavy[a] = struct{}{}
	}
	for _, a := range cfg.CriticalAllow {
		g.criticalAllow[a] = struct{}{}
	}
	g.criticalAllow[ActionCheckpointCreate] = struct{}{}
	g.criticalAllow[ActionFinishTask] = struct{}{}
	return g
}

// Record updates cumulative usage and recomputes the mode, emitting
// transition events when a threshold is crossed upward. estimatedTotal of
// zero keeps the previous estimate.
func (g *Governor) Record(used, estimatedTotal int) Mode {
	g.mu.Lock()
	g.used = used
	if estimatedTotal > 0 {
		g.estimatedTotal = estimatedTotal
	}
	prev := g.mode
	next := g.computeMode()
	g.mode = next
	pct := g.fraction()
	g.mu.Unlock()

	if next != prev {
		g.cfg.Logger.Info("governor mode transition",
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.Float64("usage", pct))
		g.emitTransition(prev, next, pct)
	}
	return next
}

// Mode returns the current mode.
func (g *Governor) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Usage returns the recorded used and estimated-total token counts.
func (g *Governor) Usage() (used, estimatedTotal int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used, g.estimatedTotal
}

// IsActionAllowed answers whether the named action may run in the current
// mode. Action names are host-chosen tags such as "browser_open".
func (g *Governor) IsActionAllowed(action string) Decision {
	g.mu.Lock()
	mode := g.mode
	g.mu.Unlock()

	if *g.cfg.CheckpointBypassesDenial && action == ActionCheckpointCreate {
		return Decision{Allowed: true}
	}

	switch mode {
	case ModeNormal:
		return Decision{Allowed: true}
	case ModeConservative:
		if _, heavy := g.heavy[action]; heavy {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("%q is a heavy action and the budget is in conservative mode", action),
			}
		}
		return Decision{Allowed: true}
	default:
		if _, ok := g.criticalAllow[action]; ok {
			return Decision{Allowed: true}
		}
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("budget critical: only %s and %s class actions may run", ActionCheckpointCreate, ActionFinishTask),
		}
	}
}

func (g *Governor) computeMode() Mode {
	f := g.fraction()
	switch {
	case f >= g.cfg.CriticalThreshold:
		return ModeCritical
	case f >= g.cfg.ConservativeThreshold:
		return ModeConservative
	default:
		return ModeNormal
	}
}

func (g *Governor) fraction() float64 {
	if g.estimatedTotal <= 0 {
		return 0
	}
	return float64(g.used) / float64(g.estimatedTotal)
}

func (g *Governor) emitTransition(prev, next Mode, pct float64) {
	if g.bus == nil {
		return
	}
	data := map[string]any{
		"from":  string(prev),
		"to":    string(next),
		"usage": pct,
	}
	switch next {
	case ModeConservative:
		g.bus.Emit(emit.Event{
			Type:    emit.TypeResourceWarning,
			Summary: fmt.Sprintf("token budget at %.0f%%, entering conservative mode", pct*100),
			Data:    data,
		})
	case ModeCritical:
		g.bus.Emit(emit.Event{
			Type:    emit.TypeResourceCritical,
			Summary: fmt.Sprintf("token budget at %.0f%%, entering critical mode", pct*100),
			Data:    data,
		})
		g.bus.Emit(emit.Event{
			Type:    emit.TypeGovernorCritical,
			Summary: "governor critical: heavy actions denied",
			Data:    data,
		})
	}
}
