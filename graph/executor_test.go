package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/taskgraph-go/emit"
	"github.com/dshills/taskgraph-go/gate"
	"github.com/dshills/taskgraph-go/state"
)

func intPtr(n int) *int    { return &n }
func boolP(b bool) *bool   { return &b }

// eventLog collects bus events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []emit.Event
}

func (l *eventLog) record(ev emit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) byType(eventType string) []emit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []emit.Event
	for _, ev := range l.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) indexOf(eventType, nodeID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ev := range l.events {
		if ev.Type != eventType {
			continue
		}
		if nodeID == "" || ev.Data["nodeId"] == nodeID {
			return i
		}
	}
	return -1
}

func newTestBus() (*emit.Bus, *eventLog) {
	bus := emit.NewBus(nil)
	log := &eventLog{}
	bus.OnAll(log.record)
	return bus, log
}

// echoRunner produces the node id as output.
func echoRunner(_ context.Context, node Node, _ ContextView) (*RunnerResult, error) {
	out, _ := json.Marshal(node.ID)
	return &RunnerResult{Output: out}, nil
}

func TestExecutor_LinearBypass(t *testing.T) {
	// Scenario: three task nodes in a chain, gates bypassed.
	bus, log := newTestBus()
	w := linearWorkflow("A", "B", "C")

	var order []string
	var mu sync.Mutex
	runner := func(ctx context.Context, node Node, view ContextView) (*RunnerResult, error) {
		mu.Lock()
		order = append(order, node.ID)
		mu.Unlock()
		return echoRunner(ctx, node, view)
	}

	ex := NewExecutor(Options{Bus: bus, BypassGates: true})
	summary, err := ex.Execute(context.Background(), w, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Status != WorkflowCompleted {
		t.Errorf("expected completed, got %s", summary.Status)
	}
	if len(summary.CompletedNodes) != 3 {
		t.Errorf("expected 3 completed nodes, got %v", summary.CompletedNodes)
	}
	wantOrder := []string{"A", "B", "C"}
	for i, id := range wantOrder {
		if order[i] != id {
			t.Fatalf("expected execution order %v, got %v", wantOrder, order)
		}
	}
	if got := log.byType(emit.TypeWorkflowCompleted); len(got) != 1 {
		t.Errorf("expected one workflow:completed event, got %d", len(got))
	}
	// Completion of a predecessor precedes the successor's start.
	if log.indexOf(emit.TypeNodeCompleted, "A") > log.indexOf(emit.TypeNodeStarted, "B") {
		t.Error("A's completion should precede B's start")
	}
}

func TestExecutor_DiamondParallelism(t *testing.T) {
	// Scenario: diamond with concurrency 2; branches overlap.
	w := &Workflow{
		Entry: "A",
		Nodes: []Node{{ID: "A"}, {ID: "B"}, {ID: "C"}, {ID: "D", Kind: KindJoin}},
		Edges: []Edge{
			{From: "A", To: "B"},
			{From: "A", To: "C"},
			{From: "B", To: "D"},
			{From: "C", To: "D"},
		},
	}

	var inflight, peak int64
	runner := func(ctx context.Context, node Node, view ContextView) (*RunnerResult, error) {
		cur := atomic.AddInt64(&inflight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		return echoRunner(ctx, node, view)
	}

	ex := NewExecutor(Options{Concurrency: 2, BypassGates: true})
	summary, err := ex.Execute(context.Background(), w, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Status != WorkflowCompleted {
		t.Errorf("expected completed, got %s", summary.Status)
	}
	if len(summary.CompletedNodes) != 4 {
		t.Errorf("expected 4 completed nodes, got %v", summary.CompletedNodes)
	}
	if summary.CompletedNodes[len(summary.CompletedNodes)-1] != "D" {
		t.Errorf("join should complete last, got order %v", summary.CompletedNodes)
	}
	if atomic.LoadInt64(&peak) != 2 {
		t.Errorf("expected observed parallelism of 2, got %d", peak)
	}
}

func TestExecutor_ConcurrencyCap(t *testing.T) {
	w := &Workflow{Entry: "e", Nodes: []Node{{ID: "e"}}}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("n%d", i)
		w.Nodes = append(w.Nodes, Node{ID: id})
		w.Edges = append(w.Edges, Edge{From: "e", To: id})
	}

	var inflight, peak int64
	runner := func(ctx context.Context, node Node, view ContextView) (*RunnerResult, error) {
		cur := atomic.AddInt64(&inflight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		return echoRunner(ctx, node, view)
	}

	ex := NewExecutor(Options{Concurrency: 3, BypassGates: true})
	if _, err := ex.Execute(context.Background(), w, runner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := atomic.LoadInt64(&peak); p > 3 {
		t.Errorf("concurrency cap violated: observed %d running", p)
	}
}

func TestExecutor_GateBlocksOnStaleEvidence(t *testing.T) {
	// Scenario: fresh-looking evidence is 10 minutes old against a 5
	// minute window; the gated node blocks with a pending gate result.
	store := state.NewMemStore(state.Config{}, nil)
	if err := store.SetGuardEvidence(state.GuardEvidence{Status: state.EvidencePassed, ReportID: "r1"}); err != nil {
		t.Fatalf("seed guard evidence: %v", err)
	}
	if err := store.SetTestEvidence(state.TestEvidence{Status: state.EvidencePassed, RunID: "t1"}); err != nil {
		t.Fatalf("seed test evidence: %v", err)
	}

	bus, log := newTestBus()
	w := &Workflow{
		Entry: "A",
		Nodes: []Node{
			{ID: "A", Phase: PhaseAnalysis},
			{ID: "B", Phase: PhaseImpl, GateRequired: boolP(true)},
		},
		Edges: []Edge{{From: "A", To: "B"}},
	}

	future := time.Now().Add(10 * time.Minute)
	ex := NewExecutor(Options{
		Bus:      bus,
		Evidence: store,
		Now:      func() time.Time { return future },
	})
	summary, err := ex.Execute(context.Background(), w, echoRunner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Status != WorkflowBlocked {
		t.Fatalf("expected blocked workflow, got %s", summary.Status)
	}
	if len(summary.BlockedNodes) != 1 || summary.BlockedNodes[0] != "B" {
		t.Fatalf("expected blockedNodes [B], got %v", summary.BlockedNodes)
	}
	outcome := summary.NodeResults["B"]
	if outcome.GateResult == nil || outcome.GateResult.Status != gate.StatusPending {
		t.Fatalf("stale evidence should yield pending gate, got %+v", outcome.GateResult)
	}
	if len(outcome.NextToolCalls) != 2 {
		t.Fatalf("expected 2 remediation calls, got %v", outcome.NextToolCalls)
	}
	if outcome.NextToolCalls[0].Tool != "guard_validate" || outcome.NextToolCalls[1].Tool != "testing_run" {
		t.Errorf("expected guard_validate then testing_run, got %s then %s",
			outcome.NextToolCalls[0].Tool, outcome.NextToolCalls[1].Tool)
	}
	if len(log.byType(emit.TypeNodeGated)) != 1 {
		t.Error("expected a node:gated event")
	}
}

func TestExecutor_EvidenceUnblocks(t *testing.T) {
	// A gated node blocks, fresh evidence arrives while a sibling branch
	// is still running, and the scheduler retries the gate.
	bus, _ := newTestBus()
	store := state.NewMemStore(state.Config{}, bus)

	w := &Workflow{
		Entry: "A",
		Nodes: []Node{
			{ID: "A"},
			{ID: "B", GateRequired: boolP(true)},
			{ID: "slow"},
		},
		Edges: []Edge{{From: "A", To: "B"}, {From: "A", To: "slow"}},
	}

	release := make(chan struct{})
	bus.On(emit.TypeNodeGated, func(emit.Event) {
		// Supply fresh evidence, then let the sibling finish.
		_ = store.SetGuardEvidence(state.GuardEvidence{Status: state.EvidencePassed, ReportID: "r2", TaskID: "B"})
		_ = store.SetTestEvidence(state.TestEvidence{Status: state.EvidencePassed, RunID: "t2", TaskID: "B"})
		close(release)
	})

	runner := func(ctx context.Context, node Node, view ContextView) (*RunnerResult, error) {
		if node.ID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return echoRunner(ctx, node, view)
	}

	ex := NewExecutor(Options{Bus: bus, Evidence: store, Concurrency: 2})
	summary, err := ex.Execute(context.Background(), w, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Status != WorkflowCompleted {
		t.Fatalf("expected completed after evidence arrived, got %s (blocked=%v)",
			summary.Status, summary.BlockedNodes)
	}
	if summary.NodeResults["B"].Status != StatusCompleted {
		t.Errorf("expected B completed, got %s", summary.NodeResults["B"].Status)
	}
}

func TestExecutor_DecisionBranch(t *testing.T) {
	// Scenario: decision routes to the success branch; the failure branch
	// is skipped with an event.
	bus, log := newTestBus()
	w := &Workflow{
		Entry: "start",
		Nodes: []Node{
			{ID: "start"},
			{ID: "decision", Kind: KindDecision, Payload: json.RawMessage(`{"status": "success"}`)},
			{ID: "success-path"},
			{ID: "failure-path"},
			{ID: "end", Kind: KindJoin},
		},
		Edges: []Edge{
			{From: "start", To: "decision"},
			{From: "decision", To: "success-path", Condition: &Condition{
				Kind: CondEquals, Path: "results.decision.status", Value: "success"}},
			{From: "decision", To: "failure-path", Condition: &Condition{
				Kind: CondEquals, Path: "results.decision.status", Value: "failure"}},
			{From: "success-path", To: "end"},
			{From: "failure-path", To: "end"},
		},
	}

	runner := func(ctx context.Context, node Node, view ContextView) (*RunnerResult, error) {
		if node.Kind == KindDecision {
			return &RunnerResult{Output: node.Payload}, nil
		}
		return echoRunner(ctx, node, view)
	}

	ex := NewExecutor(Options{Bus: bus, BypassGates: true})
	summary, err := ex.Execute(context.Background(), w, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantCompleted := []string{"start", "decision", "success-path", "end"}
	if len(summary.CompletedNodes) != len(wantCompleted) {
		t.Fatalf("expected completed %v, got %v", wantCompleted, summary.CompletedNodes)
	}
	if len(summary.SkippedNodes) != 1 || summary.SkippedNodes[0] != "failure-path" {
		t.Fatalf("expected skipped [failure-path], got %v", summary.SkippedNodes)
	}
	skips := log.byType(emit.TypeNodeSkipped)
	if len(skips) != 1 || skips[0].Data["nodeId"] != "failure-path" {
		t.Errorf("expected node:skipped for failure-path, got %v", skips)
	}
}

func TestExecutor_NoMatchingEdge(t *testing.T) {
	w := &Workflow{
		Entry: "d",
		Nodes: []Node{
			{ID: "d", Kind: KindDecision, Retries: intPtr(0)},
			{ID: "x"},
		},
		Edges: []Edge{
			{From: "d", To: "x", Condition: &Condition{
				Kind: CondEquals, Path: "results.d.status", Value: "never"}},
		},
	}

	runner := func(_ context.Context, _ Node, _ ContextView) (*RunnerResult, error) {
		return &RunnerResult{Output: json.RawMessage(`{"status": "other"}`)}, nil
	}

	ex := NewExecutor(Options{BypassGates: true})
	summary, err := ex.Execute(context.Background(), w, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Status != WorkflowFailed {
		t.Fatalf("expected failed workflow, got %s", summary.Status)
	}
	if summary.NodeResults["d"].Status != StatusFailed {
		t.Errorf("decision should fail with no matching edge")
	}
	if summary.NodeResults["x"].Status != StatusSkipped {
		t.Errorf("dependent of failed decision should be skipped, got %s", summary.NodeResults["x"].Status)
	}
}

func TestExecutor_CycleRejectedBeforeStart(t *testing.T) {
	// Scenario: cyclic graph fails validation; no node ever starts.
	bus, log := newTestBus()
	w := linearWorkflow("A", "B", "C")
	w.Edges = append(w.Edges, Edge{From: "C", To: "A"})

	ex := NewExecutor(Options{Bus: bus})
	summary, err := ex.Execute(context.Background(), w, echoRunner)
	if summary != nil {
		t.Error("expected nil summary for validation failure")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if got := log.byType(emit.TypeNodeStarted); len(got) != 0 {
		t.Errorf("no node:started should be emitted for a cyclic graph, got %d", len(got))
	}
}

func TestExecutor_BypassAudit(t *testing.T) {
	// Scenario: bypassing gates leaves an audit trail naming the node.
	bus, log := newTestBus()
	w := &Workflow{
		Entry: "A",
		Nodes: []Node{{ID: "A"}, {ID: "B", Phase: PhaseImpl}},
		Edges: []Edge{{From: "A", To: "B"}},
	}

	ex := NewExecutor(Options{Bus: bus, BypassGates: true, BypassReason: "prototyping run"})
	summary, err := ex.Execute(context.Background(), w, echoRunner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.NodeResults["B"].Status != StatusCompleted {
		t.Errorf("expected B completed, got %s", summary.NodeResults["B"].Status)
	}

	audits := log.byType(emit.TypeNodeBypassGates)
	if len(audits) == 0 {
		t.Fatal("expected a bypass_gates audit event")
	}
	if audits[0].Data["nodeId"] != "B" {
		t.Errorf("expected audit for node B, got %v", audits[0].Data["nodeId"])
	}
	if reason, _ := audits[0].Data["reason"].(string); reason == "" {
		t.Error("audit event must carry a non-empty reason")
	}
}

func TestExecutor_RetryBound(t *testing.T) {
	w := &Workflow{
		Entry: "flaky",
		Nodes: []Node{{ID: "flaky", Retries: intPtr(2)}},
	}

	var attempts int64
	runner := func(_ context.Context, _ Node, _ ContextView) (*RunnerResult, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, errors.New("boom")
	}

	ex := NewExecutor(Options{BypassGates: true})
	summary, err := ex.Execute(context.Background(), w, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("expected exactly 1+retries = 3 dispatches, got %d", got)
	}
	if summary.NodeResults["flaky"].Status != StatusFailed {
		t.Errorf("expected flaky failed, got %s", summary.NodeResults["flaky"].Status)
	}
	if summary.Status != WorkflowFailed {
		t.Errorf("expected failed workflow, got %s", summary.Status)
	}
}

func TestExecutor_RetrySucceedsEventually(t *testing.T) {
	w := &Workflow{Entry: "flaky", Nodes: []Node{{ID: "flaky", Retries: intPtr(3)}}}

	var attempts int64
	runner := func(ctx context.Context, node Node, view ContextView) (*RunnerResult, error) {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return nil, errors.New("transient")
		}
		return echoRunner(ctx, node, view)
	}

	ex := NewExecutor(Options{BypassGates: true})
	summary, err := ex.Execute(context.Background(), w, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Status != WorkflowCompleted {
		t.Errorf("expected completed after retries, got %s", summary.Status)
	}
	if summary.NodeResults["flaky"].Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", summary.NodeResults["flaky"].Attempts)
	}
}

func TestExecutor_OnErrorModes(t *testing.T) {
	buildGraph := func(onError OnError) *Workflow {
		return &Workflow{
			Entry: "A",
			Nodes: []Node{
				{ID: "A"},
				{ID: "B", Retries: intPtr(0), OnError: onError},
				{ID: "C"},
			},
			Edges: []Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
		}
	}
	failB := func(ctx context.Context, node Node, view ContextView) (*RunnerResult, error) {
		if node.ID == "B" {
			return nil, errors.New("broken")
		}
		return echoRunner(ctx, node, view)
	}

	t.Run("fail skips dependents", func(t *testing.T) {
		ex := NewExecutor(Options{BypassGates: true})
		summary, err := ex.Execute(context.Background(), buildGraph(OnErrorFail), failB)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if summary.Status != WorkflowFailed {
			t.Errorf("expected failed, got %s", summary.Status)
		}
		if summary.NodeResults["C"].Status != StatusSkipped {
			t.Errorf("expected C skipped, got %s", summary.NodeResults["C"].Status)
		}
	})

	t.Run("skip lets dependents proceed", func(t *testing.T) {
		ex := NewExecutor(Options{BypassGates: true})
		summary, err := ex.Execute(context.Background(), buildGraph(OnErrorSkip), failB)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if summary.Status != WorkflowCompleted {
			t.Errorf("expected completed, got %s", summary.Status)
		}
		if summary.NodeResults["B"].Status != StatusSkipped {
			t.Errorf("expected B skipped, got %s", summary.NodeResults["B"].Status)
		}
		if summary.NodeResults["C"].Status != StatusCompleted {
			t.Errorf("expected C completed, got %s", summary.NodeResults["C"].Status)
		}
	})

	t.Run("continue records the error and proceeds", func(t *testing.T) {
		ex := NewExecutor(Options{BypassGates: true})
		summary, err := ex.Execute(context.Background(), buildGraph(OnErrorContinue), failB)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if summary.Status != WorkflowCompleted {
			t.Errorf("expected completed, got %s", summary.Status)
		}
		b := summary.NodeResults["B"]
		if b.Status != StatusCompleted {
			t.Errorf("expected B completed, got %s", b.Status)
		}
		if b.Reason == "" {
			t.Error("expected the runner error recorded in B's reason")
		}
	})
}

func TestExecutor_Cancellation(t *testing.T) {
	w := linearWorkflow("A", "B", "C")

	started := make(chan struct{})
	runner := func(ctx context.Context, node Node, view ContextView) (*RunnerResult, error) {
		if node.ID == "B" {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return echoRunner(ctx, node, view)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	ex := NewExecutor(Options{BypassGates: true})
	summary, err := ex.Execute(ctx, w, runner)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if summary == nil {
		t.Fatal("expected summary alongside ErrCancelled")
	}
	if summary.NodeResults["B"].Status != StatusFailed {
		t.Errorf("cancelled running node should be failed, got %s", summary.NodeResults["B"].Status)
	}
	if summary.NodeResults["B"].Reason != "cancelled" {
		t.Errorf("expected reason %q, got %q", "cancelled", summary.NodeResults["B"].Reason)
	}
	if summary.NodeResults["C"].Status != StatusSkipped {
		t.Errorf("pending node should be skipped on cancel, got %s", summary.NodeResults["C"].Status)
	}
	if summary.NodeResults["A"].Status != StatusCompleted {
		t.Errorf("completed node should retain its state, got %s", summary.NodeResults["A"].Status)
	}
}

func TestExecutor_NodeTimeout(t *testing.T) {
	w := &Workflow{
		Entry: "slow",
		Nodes: []Node{{ID: "slow", TimeoutMs: 20, Retries: intPtr(0)}},
	}
	runner := func(ctx context.Context, _ Node, _ ContextView) (*RunnerResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ex := NewExecutor(Options{BypassGates: true})
	summary, err := ex.Execute(context.Background(), w, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.NodeResults["slow"].Status != StatusFailed {
		t.Errorf("timed-out node should be failed, got %s", summary.NodeResults["slow"].Status)
	}
}

func TestExecutor_CompleteBypass(t *testing.T) {
	bus, log := newTestBus()
	store := state.NewMemStore(state.Config{}, bus)

	w := &Workflow{
		Entry: "A",
		Nodes: []Node{
			{ID: "A"},
			{ID: "B", GateRequired: boolP(true)},
			{ID: "slow"},
		},
		Edges: []Edge{{From: "A", To: "B"}, {From: "A", To: "slow"}},
	}

	ex := NewExecutor(Options{Bus: bus, Evidence: store, Concurrency: 2})

	release := make(chan struct{})
	bus.On(emit.TypeNodeGated, func(emit.Event) {
		if err := ex.CompleteBypass("B", "operator approved"); err != nil {
			t.Errorf("bypass request failed: %v", err)
		}
		close(release)
	})

	runner := func(ctx context.Context, node Node, view ContextView) (*RunnerResult, error) {
		if node.ID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return echoRunner(ctx, node, view)
	}

	summary, err := ex.Execute(context.Background(), w, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.NodeResults["B"].Status != StatusCompleted {
		t.Fatalf("expected bypassed node completed, got %s", summary.NodeResults["B"].Status)
	}
	audits := log.byType(emit.TypeNodeBypassGates)
	if len(audits) != 1 || audits[0].Data["reason"] != "operator approved" {
		t.Errorf("expected one audit event with the operator reason, got %v", audits)
	}
}

func TestExecutor_BypassRequiresReason(t *testing.T) {
	ex := NewExecutor(Options{})
	if err := ex.CompleteBypass("B", ""); err == nil {
		t.Error("expected error for empty bypass reason")
	}
}
