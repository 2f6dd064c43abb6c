package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/dshills/taskgraph-go/state"
)

// Status is the aggregate outcome of a gate evaluation.
type Status string

const (
	// StatusPassed means all required evidence is fresh and passing.
	StatusPassed Status = "passed"
	// StatusPending means at least one required stream has no usable
	// evidence (absent, skipped, stale, or out of scope) and none failed.
	StatusPending Status = "pending"
	// StatusBlocked means at least one required stream has fresh failing
	// evidence.
	StatusBlocked Status = "blocked"
)

// Stream names used in missing/failing lists.
const (
	StreamGuard = "guard"
	StreamTest  = "test"
)

// Context carries the task-level inputs of an evaluation.
type Context struct {
	// TaskID scopes evidence when the policy sets StrictTaskScope.
	TaskID string
	// TaskType drives ruleset inference for guard suggestions
	// (e.g. "frontend", "ui-component", "api").
	TaskType string
	// TaskName is used only in human-readable reasons.
	TaskName string
}

// FailingEvidence describes one stream with fresh failing evidence.
type FailingEvidence struct {
	Stream  string   `json:"stream"`
	Reason  string   `json:"reason"`
	Details []string `json:"details,omitempty"`
}

// NextToolCall is a suggested remediation step, ordered by Priority.
type NextToolCall struct {
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args"`
	Reason   string         `json:"reason"`
	Priority int            `json:"priority"`
}

// Result is the outcome of one gate evaluation.
type Result struct {
	Status          Status            `json:"status"`
	MissingEvidence []string          `json:"missingEvidence,omitempty"`
	FailingEvidence []FailingEvidence `json:"failingEvidence,omitempty"`
	NextToolCalls   []NextToolCall    `json:"nextToolCalls,omitempty"`
	Reason          string            `json:"reason"`
}

// Engine evaluates gates. It is stateless and safe for concurrent use;
// every input arrives as an argument and the same inputs always produce
// the same Result.
type Engine struct{}

// NewEngine returns a gate engine.
func NewEngine() *Engine { return &Engine{} }

// Evaluate decides whether a task may complete given the observed
// evidence. now is the reference time for freshness; callers normally pass
// time.Now() and tests pass a fixed instant.
//
// Per required stream: absent or skipped evidence is missing; evidence
// older than pol.MaxAge is missing (stale is never passed or failed);
// under StrictTaskScope evidence tagged with a different task is missing;
// fresh failed evidence is failing. Any failing stream blocks, otherwise
// any missing stream leaves the gate pending.
func (e *Engine) Evaluate(evidence state.EvidenceState, pol Policy, gctx Context, now time.Time) Result {
	var res Result

	if pol.RequireGuard {
		e.checkGuard(&res, evidence.LastGuardRun, pol, gctx, now)
	}
	if pol.RequireTest {
		e.checkTest(&res, evidence.LastTestRun, pol, gctx, now)
	}

	switch {
	case len(res.FailingEvidence) > 0:
		res.Status = StatusBlocked
	case len(res.MissingEvidence) > 0:
		res.Status = StatusPending
	default:
		res.Status = StatusPassed
	}

	res.NextToolCalls = e.remediation(res, pol, gctx)
	res.Reason = e.reason(res, gctx)
	return res
}

func (e *Engine) checkGuard(res *Result, ev *state.GuardEvidence, pol Policy, gctx Context, now time.Time) {
	switch {
	case ev == nil, ev.Status == state.EvidenceSkipped:
		res.MissingEvidence = append(res.MissingEvidence, StreamGuard)
	case stale(ev.Timestamp, pol.MaxAge, now):
		res.MissingEvidence = append(res.MissingEvidence, StreamGuard)
	case outOfScope(pol, gctx, ev.TaskID):
		res.MissingEvidence = append(res.MissingEvidence, StreamGuard)
	case ev.Status == state.EvidenceFailed:
		res.FailingEvidence = append(res.FailingEvidence, FailingEvidence{
			Stream:  StreamGuard,
			Reason:  fmt.Sprintf("%d failing guard rules", len(ev.FailingRules)),
			Details: capDetails(ev.FailingRules, pol.MaxDetailItems),
		})
	}
}

func (e *Engine) checkTest(res *Result, ev *state.TestEvidence, pol Policy, gctx Context, now time.Time) {
	switch {
	case ev == nil, ev.Status == state.EvidenceSkipped:
		res.MissingEvidence = append(res.MissingEvidence, StreamTest)
	case stale(ev.Timestamp, pol.MaxAge, now):
		res.MissingEvidence = append(res.MissingEvidence, StreamTest)
	case outOfScope(pol, gctx, ev.TaskID):
		res.MissingEvidence = append(res.MissingEvidence, StreamTest)
	case ev.Status == state.EvidenceFailed:
		res.FailingEvidence = append(res.FailingEvidence, FailingEvidence{
			Stream: StreamTest,
			Reason: fmt.Sprintf("%d failing tests, %d console errors, %d network failures",
				len(ev.FailingTests), ev.ConsoleErrorCount, ev.NetworkFailureCount),
			Details: capDetails(ev.FailingTests, pol.MaxDetailItems),
		})
	}
}

// remediation builds the ordered tool-call suggestions for a non-passed
// result. Guard suggestions always precede test suggestions.
func (e *Engine) remediation(res Result, pol Policy, gctx Context) []NextToolCall {
	if res.Status == StatusPassed {
		return nil
	}

	needGuard := streamListed(res, StreamGuard)
	needTest := streamListed(res, StreamTest)

	var calls []NextToolCall
	priority := 1
	if needGuard {
		args := cloneArgs(pol.GuardArgs)
		args["ruleset"] = inferRuleset(gctx.TaskType)
		if gctx.TaskID != "" {
			args["taskId"] = gctx.TaskID
		}
		calls = append(calls, NextToolCall{
			Tool:     "guard_validate",
			Args:     args,
			Reason:   "guard evidence required before completion",
			Priority: priority,
		})
		priority++
	}
	if needTest {
		args := cloneArgs(pol.TestArgs)
		if _, ok := args["scope"]; !ok {
			args["scope"] = "affected"
		}
		if gctx.TaskID != "" {
			args["taskId"] = gctx.TaskID
		}
		calls = append(calls, NextToolCall{
			Tool:     "testing_run",
			Args:     args,
			Reason:   "test evidence required before completion",
			Priority: priority,
		})
	}
	return calls
}

func (e *Engine) reason(res Result, gctx Context) string {
	subject := "task"
	if gctx.TaskName != "" {
		subject = fmt.Sprintf("task %q", gctx.TaskName)
	}
	switch res.Status {
	case StatusPassed:
		return fmt.Sprintf("all required evidence fresh and passing for %s", subject)
	case StatusPending:
		return fmt.Sprintf("missing evidence for %s: %s",
			subject, strings.Join(res.MissingEvidence, ", "))
	default:
		reasons := make([]string, 0, len(res.FailingEvidence))
		for _, f := range res.FailingEvidence {
			reasons = append(reasons, f.Stream+": "+f.Reason)
		}
		return fmt.Sprintf("failing evidence for %s: %s",
			subject, strings.Join(reasons, "; "))
	}
}

func stale(ts state.Timestamp, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return now.Sub(ts.Time) > maxAge
}

func outOfScope(pol Policy, gctx Context, evidenceTaskID string) bool {
	return pol.StrictTaskScope && gctx.TaskID != "" && evidenceTaskID != gctx.TaskID
}

func streamListed(res Result, stream string) bool {
	for _, s := range res.MissingEvidence {
		if s == stream {
			return true
		}
	}
	for _, f := range res.FailingEvidence {
		if f.Stream == stream {
			return true
		}
	}
	return false
}

func capDetails(items []string, max int) []string {
	if max <= 0 {
		max = DefaultMaxDetailItems
	}
	if len(items) > max {
		items = items[:max]
	}
	return append([]string(nil), items...)
}

func cloneArgs(src map[string]any) map[string]any {
	out := make(map[string]any, len(src)+2)
	for k, v := range src {
		out[k] = v
	}
	return out
}

// inferRuleset maps a task type onto a guard ruleset. Anything that looks
// like UI work gets the frontend ruleset, everything else backend.
func inferRuleset(taskType string) string {
	t := strings.ToLower(taskType)
	for _, marker := range []string{"frontend", "ui", "web", "component", "css", "view"} {
		if strings.Contains(t, marker) {
			return "frontend"
		}
	}
	return "backend"
}
