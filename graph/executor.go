package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/emit"
	"github.com/dshills/taskgraph-go/gate"
	"github.com/dshills/taskgraph-go/state"
)

// DefaultConcurrency bounds parallel runner execution when neither the
// options nor the graph defaults say otherwise.
const DefaultConcurrency = 4

// DefaultRetries is the per-node retry budget when unset.
const DefaultRetries = 3

// RunnerResult is what a TaskRunner returns on success.
type RunnerResult struct {
	Output        json.RawMessage     `json:"output,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	NextToolCalls []gate.NextToolCall `json:"nextToolCalls,omitempty"`
}

// TaskRunner executes one node. The context carries cancellation and the
// node's timeout; runners doing I/O must honor it. The view is a read-only
// snapshot and stays valid after return.
type TaskRunner func(ctx context.Context, node Node, view ContextView) (*RunnerResult, error)

// EvidenceSource is the slice of the state store the executor reads for
// gate evaluations.
type EvidenceSource interface {
	Evidence() state.EvidenceState
}

// Options configures an Executor. Zero values take defaults.
type Options struct {
	// Concurrency bounds parallel runners. Graph Defaults.Concurrency
	// overrides this; default 4.
	Concurrency int

	// DefaultRetries is the retry budget for nodes that do not set one.
	// Nil means 3.
	DefaultRetries *int

	// DefaultTimeout applies to nodes without TimeoutMs. Zero means no
	// timeout.
	DefaultTimeout time.Duration

	// BypassGates completes gated nodes without evaluating evidence,
	// recording an audit event per node.
	BypassGates bool

	// BypassReason is the audit reason recorded when BypassGates is set.
	BypassReason string

	// Bus receives lifecycle events. Nil disables emission.
	Bus *emit.Bus

	// Evidence backs gate evaluations. Nil reads as no evidence.
	Evidence EvidenceSource

	// Gate evaluates gated completions. Nil gets a fresh engine.
	Gate *gate.Engine

	Logger  *zap.Logger
	Metrics *Metrics

	// Now is injectable for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.DefaultRetries == nil {
		r := DefaultRetries
		o.DefaultRetries = &r
	}
	if o.Gate == nil {
		o.Gate = gate.NewEngine()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// NodeOutcome is the per-node slice of a workflow summary.
type NodeOutcome struct {
	Status        NodeStatus          `json:"status"`
	Output        json.RawMessage     `json:"output,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	GateResult    *gate.Result        `json:"gateResult,omitempty"`
	NextToolCalls []gate.NextToolCall `json:"nextToolCalls,omitempty"`
	Attempts      int                 `json:"attempts"`
	StartedAt     time.Time           `json:"startedAt,omitempty"`
	FinishedAt    time.Time           `json:"finishedAt,omitempty"`
}

// Summary is the host-facing result of a workflow run.
type Summary struct {
	Status         WorkflowStatus          `json:"status"`
	CompletedNodes []string                `json:"completedNodes"`
	BlockedNodes   []string                `json:"blockedNodes"`
	FailedNodes    []string                `json:"failedNodes"`
	SkippedNodes   []string                `json:"skippedNodes"`
	NodeResults    map[string]*NodeOutcome `json:"nodeResults"`
}

// Executor validates a workflow and drives it to completion under a
// concurrency budget, honoring gates and emitting lifecycle events.
//
// A single Executor runs one workflow at a time; construct one per
// concurrent run.
type Executor struct {
	opts     Options
	bypassCh chan bypassRequest
}

type bypassRequest struct {
	nodeID string
	reason string
}

// NewExecutor creates an executor with the given options.
func NewExecutor(opts Options) *Executor {
	return &Executor{
		opts:     opts.withDefaults(),
		bypassCh: make(chan bypassRequest, 16),
	}
}

// CompleteBypass asks the running workflow to complete the named blocked
// node without gate evidence. The reason is mandatory and lands in the
// audit event. The request is asynchronous; it is ignored if the node is
// not blocked when processed.
func (e *Executor) CompleteBypass(nodeID, reason string) error {
	if reason == "" {
		return errors.New("bypass requires a reason")
	}
	select {
	case e.bypassCh <- bypassRequest{nodeID: nodeID, reason: reason}:
		return nil
	default:
		return errors.New("bypass queue full")
	}
}

// edge resolution states.
type edgeState int

const (
	edgeUnresolved edgeState = iota
	// edgeSatisfied: source finished and this edge activates its target.
	edgeSatisfied
	// edgeVoidBranch: benign deactivation (condition false, branch not
	// chosen). Targets with only void-branch inputs are skipped quietly.
	edgeVoidBranch
	// edgeVoidFail: poison from a failed source; targets are skipped and
	// propagate the poison.
	edgeVoidFail
)

type nodeRec struct {
	node     *Node
	status   NodeStatus
	topo     int
	attempts int
	outcome  *NodeOutcome
	in, out  []int // indices into run.edges
}

type runnerOutcome struct {
	nodeID   string
	res      *RunnerResult
	err      error
	started  time.Time
	finished time.Time
}

// run is the per-execution scheduler state, owned by the Execute
// goroutine. Runner goroutines communicate only through the outcomes
// channel.
type run struct {
	e       *Executor
	w       *Workflow
	runner  TaskRunner
	recs    map[string]*nodeRec
	edges   []Edge
	edgeSt  []edgeState
	results map[string]json.RawMessage
	ready   *frontier

	inflight  int
	cancelled bool
	outcomes  chan runnerOutcome
	kick      chan struct{}
}

// Execute validates the workflow and runs it to a terminal state. It
// returns a summary alongside any terminal error; the summary is non-nil
// whenever execution started (ErrCancelled, runner failures), and nil only
// for validation errors.
func (e *Executor) Execute(ctx context.Context, w *Workflow, runner TaskRunner) (*Summary, error) {
	topo, err := w.Validate()
	if err != nil {
		return nil, err
	}

	concurrency := e.opts.Concurrency
	if w.Defaults != nil && w.Defaults.Concurrency > 0 {
		concurrency = w.Defaults.Concurrency
	}

	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, fmt.Errorf("create runner pool: %w", err)
	}
	defer pool.Release()

	r := &run{
		e:       e,
		w:       w,
		runner:  runner,
		recs:    make(map[string]*nodeRec, len(w.Nodes)),
		edges:   w.Edges,
		edgeSt:  make([]edgeState, len(w.Edges)),
		results: make(map[string]json.RawMessage, len(w.Nodes)),
		ready:   newFrontier(),
		// Buffered so runner goroutines never block after the scheduler
		// stops receiving.
		outcomes: make(chan runnerOutcome, concurrency),
		kick:     make(chan struct{}, 1),
	}

	for i := range w.Nodes {
		n := &w.Nodes[i]
		r.recs[n.ID] = &nodeRec{
			node:    n,
			status:  StatusPending,
			topo:    topo[n.ID],
			outcome: &NodeOutcome{Status: StatusPending},
		}
	}
	for i, edge := range w.Edges {
		r.recs[edge.From].out = append(r.recs[edge.From].out, i)
		r.recs[edge.To].in = append(r.recs[edge.To].in, i)
	}
	for _, rec := range r.recs {
		if len(rec.in) == 0 {
			rec.status = StatusReady
			r.ready.add(rec.node.ID, rec.topo)
		}
	}

	// Re-check blocked nodes whenever fresh evidence lands.
	var sub emit.SubscriptionID
	if e.opts.Bus != nil {
		sub = e.opts.Bus.On(emit.TypeEvidenceUpdated, func(emit.Event) {
			select {
			case r.kick <- struct{}{}:
			default:
			}
		})
		defer e.opts.Bus.Off(sub)
	}

	r.emit(emit.TypeGraphCreated, "workflow validated: "+w.Name, map[string]any{
		"name":  w.Name,
		"nodes": len(w.Nodes),
		"edges": len(w.Edges),
	})

	done := ctx.Done()
	for r.inflight > 0 || (!r.cancelled && r.ready.Len() > 0) {
		r.dispatch(ctx, pool)
		if r.inflight == 0 && (r.cancelled || r.ready.Len() == 0) {
			// Queued evidence kicks or bypass requests may still unblock
			// nodes; settle them before declaring the run finished.
			if !r.cancelled && r.drainControl() {
				continue
			}
			break
		}

		select {
		case out := <-r.outcomes:
			r.inflight--
			r.handleOutcome(out)
		case <-r.kick:
			r.recheckBlocked()
		case req := <-e.bypassCh:
			r.handleBypass(req)
		case <-done:
			done = nil
			r.cancelled = true
			e.opts.Logger.Info("workflow cancelled, draining runners",
				zap.Int("inflight", r.inflight))
		}
	}

	if r.cancelled {
		r.finalizeCancelled()
	}
	// Nodes downstream of blocked nodes stay pending in the summary; a
	// resume with fresh evidence could still run them.

	summary := r.summarize()
	e.opts.Metrics.workflowFinished(summary.Status)
	r.emit(emit.TypeWorkflowCompleted, fmt.Sprintf("workflow %s: %s", w.Name, summary.Status), map[string]any{
		"status":    string(summary.Status),
		"completed": len(summary.CompletedNodes),
		"blocked":   len(summary.BlockedNodes),
		"failed":    len(summary.FailedNodes),
		"skipped":   len(summary.SkippedNodes),
	})

	if r.cancelled {
		return summary, ErrCancelled
	}
	return summary, nil
}

// drainControl consumes any queued evidence kicks and bypass requests
// without blocking. Reports whether anything was processed.
func (r *run) drainControl() bool {
	processed := false
	for {
		select {
		case <-r.kick:
			r.recheckBlocked()
			processed = true
		case req := <-r.e.bypassCh:
			r.handleBypass(req)
			processed = true
		default:
			return processed
		}
	}
}

// dispatch moves ready nodes into running while slots remain.
func (r *run) dispatch(ctx context.Context, pool *ants.Pool) {
	for !r.cancelled && r.ready.Len() > 0 && r.inflight < pool.Cap() {
		id := r.ready.next()
		rec := r.recs[id]
		rec.status = StatusRunning
		rec.attempts++
		rec.outcome.Attempts = rec.attempts

		r.e.opts.Metrics.nodeStarted()
		r.emit(emit.TypeNodeStarted, "node started: "+id, map[string]any{
			"nodeId":  id,
			"attempt": rec.attempts,
		})

		view := snapshotView(r.w, rec.node, r.results)
		node := *rec.node
		timeout := nodeTimeout(rec.node, r.w.Defaults, r.e.opts.DefaultTimeout)

		r.inflight++
		err := pool.Submit(func() {
			r.invokeRunner(ctx, node, view, timeout)
		})
		if err != nil {
			// Pool rejected the task; treat it as a runner failure.
			r.inflight--
			r.e.opts.Metrics.nodeFinished(StatusFailed, 0)
			r.terminalFailure(rec, &RunnerError{NodeID: id, Attempt: rec.attempts, Err: err})
		}
	}
	r.e.opts.Metrics.readyQueueDepth(r.ready.Len())
}

func (r *run) invokeRunner(ctx context.Context, node Node, view ContextView, timeout time.Duration) {
	nctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		nctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := r.e.opts.Now()
	res, err := r.runner(nctx, node, view)
	finished := r.e.opts.Now()

	if err == nil && nctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("node %s exceeded timeout of %v", node.ID, timeout)
	}
	r.outcomes <- runnerOutcome{nodeID: node.ID, res: res, err: err, started: started, finished: finished}
}

func (r *run) handleOutcome(out runnerOutcome) {
	rec := r.recs[out.nodeID]
	rec.outcome.StartedAt = out.started
	rec.outcome.FinishedAt = out.finished

	if r.cancelled {
		r.markCancelled(rec)
		return
	}

	if out.err != nil {
		r.handleFailure(rec, out)
		return
	}

	if out.res != nil {
		rec.outcome.Output = out.res.Output
		rec.outcome.Reason = out.res.Reason
		rec.outcome.NextToolCalls = out.res.NextToolCalls
	}
	r.gatedCompletion(rec)
	r.e.opts.Metrics.nodeFinished(rec.status, out.finished.Sub(out.started))
}

func (r *run) handleFailure(rec *nodeRec, out runnerOutcome) {
	id := rec.node.ID
	runnerErr := &RunnerError{NodeID: id, Attempt: rec.attempts, Err: out.err}
	retries := nodeRetries(rec.node, r.w.Defaults, *r.e.opts.DefaultRetries)

	if rec.attempts <= retries {
		r.e.opts.Metrics.nodeFinished(StatusReady, out.finished.Sub(out.started))
		r.e.opts.Metrics.nodeRetried()
		r.e.opts.Logger.Warn("node failed, retrying",
			zap.String("node", id),
			zap.Int("attempt", rec.attempts),
			zap.Error(out.err))
		rec.status = StatusReady
		r.ready.add(id, rec.topo)
		return
	}

	switch rec.node.OnError {
	case OnErrorSkip:
		rec.status = StatusSkipped
		rec.outcome.Status = StatusSkipped
		rec.outcome.Reason = runnerErr.Error()
		r.emit(emit.TypeNodeSkipped, "node skipped after error: "+id, map[string]any{
			"nodeId": id,
			"error":  out.err.Error(),
		})
		// Outgoing edges traverse as if the node completed with no output.
		r.resolveOutgoing(rec, true, edgeVoidBranch)
	case OnErrorContinue:
		rec.outcome.Reason = runnerErr.Error()
		r.completeNode(rec, map[string]any{"error": out.err.Error()})
	default:
		r.terminalFailure(rec, runnerErr)
	}
	r.e.opts.Metrics.nodeFinished(rec.status, out.finished.Sub(out.started))
}

// terminalFailure marks a node failed and poisons its outgoing edges so
// transitive dependents are skipped.
func (r *run) terminalFailure(rec *nodeRec, err error) {
	id := rec.node.ID
	rec.status = StatusFailed
	rec.outcome.Status = StatusFailed
	rec.outcome.Reason = err.Error()
	r.emit(emit.TypeNodeFailed, "node failed: "+id, map[string]any{
		"nodeId": id,
		"error":  err.Error(),
	})
	r.poisonOutgoing(rec)
}

// gatedCompletion finishes a successful runner invocation: no gate means
// complete, bypass means audited complete, otherwise the gate decides
// against current evidence.
func (r *run) gatedCompletion(rec *nodeRec) {
	id := rec.node.ID
	if !r.w.gateRequired(rec.node) {
		r.completeNode(rec, nil)
		return
	}

	if r.e.opts.BypassGates {
		reason := r.e.opts.BypassReason
		if reason == "" {
			reason = "gates bypassed by executor options"
		}
		r.emit(emit.TypeNodeBypassGates, "gate bypassed: "+id, map[string]any{
			"nodeId": id,
			"reason": reason,
		})
		r.completeNode(rec, nil)
		return
	}

	result := r.evaluateGate(rec)
	if result.Status == gate.StatusPassed {
		r.completeNode(rec, nil)
		return
	}

	rec.status = StatusBlocked
	rec.outcome.Status = StatusBlocked
	rec.outcome.GateResult = &result
	rec.outcome.NextToolCalls = result.NextToolCalls
	r.e.opts.Metrics.gateBlocked()
	r.emit(emit.TypeNodeGated, "node gated: "+id, map[string]any{
		"nodeId":          id,
		"gateStatus":      string(result.Status),
		"missingEvidence": result.MissingEvidence,
		"reason":          result.Reason,
	})
}

func (r *run) evaluateGate(rec *nodeRec) gate.Result {
	var evidence state.EvidenceState
	if r.e.opts.Evidence != nil {
		evidence = r.e.opts.Evidence.Evidence()
	}
	return r.e.opts.Gate.Evaluate(evidence, r.w.gatePolicy(rec.node), gate.Context{
		TaskID:   rec.node.ID,
		TaskType: r.w.Name,
		TaskName: rec.node.Label,
	}, r.e.opts.Now())
}

// recheckBlocked retries gate evaluation for blocked nodes after an
// evidence update.
func (r *run) recheckBlocked() {
	for _, rec := range r.recs {
		if rec.status != StatusBlocked {
			continue
		}
		result := r.evaluateGate(rec)
		if result.Status != gate.StatusPassed {
			rec.outcome.GateResult = &result
			rec.outcome.NextToolCalls = result.NextToolCalls
			continue
		}
		rec.outcome.GateResult = &result
		rec.outcome.NextToolCalls = nil
		r.completeNode(rec, nil)
	}
}

func (r *run) handleBypass(req bypassRequest) {
	rec, ok := r.recs[req.nodeID]
	if !ok || rec.status != StatusBlocked {
		r.e.opts.Logger.Warn("bypass ignored, node not blocked",
			zap.String("node", req.nodeID))
		return
	}
	r.emit(emit.TypeNodeBypassGates, "gate bypassed: "+req.nodeID, map[string]any{
		"nodeId": req.nodeID,
		"reason": req.reason,
	})
	r.completeNode(rec, nil)
}

// completeNode finalizes a successful node: resolves outgoing edges
// (decision semantics included) and activates successors. extra is merged
// into the completion event data.
func (r *run) completeNode(rec *nodeRec, extra map[string]any) {
	id := rec.node.ID
	if rec.outcome.Output != nil {
		r.results[id] = rec.outcome.Output
	}

	// Decision nodes must activate at least one conditional edge.
	if rec.node.Kind == KindDecision && !r.anyConditionalActivates(rec) {
		r.terminalFailure(rec, &NoMatchingEdgeError{NodeID: id})
		return
	}

	rec.status = StatusCompleted
	rec.outcome.Status = StatusCompleted
	data := map[string]any{"nodeId": id}
	for k, v := range extra {
		data[k] = v
	}
	r.emit(emit.TypeNodeCompleted, "node completed: "+id, data)
	r.resolveOutgoing(rec, true, edgeVoidBranch)
}

func (r *run) anyConditionalActivates(rec *nodeRec) bool {
	conditional := false
	view := snapshotView(r.w, rec.node, r.results)
	for _, ei := range rec.out {
		c := r.edges[ei].Condition
		if c == nil {
			continue
		}
		conditional = true
		if evalCondition(c, view) {
			return true
		}
	}
	return !conditional
}

// resolveOutgoing settles every outgoing edge of a finished node. When
// evalConds is set, conditions decide between satisfied and the void
// state; otherwise all edges get voidState.
func (r *run) resolveOutgoing(rec *nodeRec, evalConds bool, voidState edgeState) {
	view := snapshotView(r.w, rec.node, r.results)
	for _, ei := range rec.out {
		if r.edgeSt[ei] != edgeUnresolved {
			continue
		}
		if evalConds && evalCondition(r.edges[ei].Condition, view) {
			r.edgeSt[ei] = edgeSatisfied
		} else {
			r.edgeSt[ei] = voidState
		}
		r.checkReady(r.edges[ei].To)
	}
}

func (r *run) poisonOutgoing(rec *nodeRec) {
	for _, ei := range rec.out {
		if r.edgeSt[ei] != edgeUnresolved {
			continue
		}
		r.edgeSt[ei] = edgeVoidFail
		r.checkReady(r.edges[ei].To)
	}
}

// checkReady promotes a pending node once all incoming edges settle: any
// poison skips it transitively, all-void-branch skips it quietly, at
// least one satisfied edge readies it.
func (r *run) checkReady(id string) {
	rec := r.recs[id]
	if rec.status != StatusPending {
		return
	}
	anySatisfied := false
	for _, ei := range rec.in {
		switch r.edgeSt[ei] {
		case edgeUnresolved:
			return
		case edgeVoidFail:
			r.skipNode(rec, true)
			return
		case edgeSatisfied:
			anySatisfied = true
		}
	}
	if !anySatisfied {
		r.skipNode(rec, false)
		return
	}
	rec.status = StatusReady
	r.ready.add(id, rec.topo)
}

func (r *run) skipNode(rec *nodeRec, poisoned bool) {
	id := rec.node.ID
	rec.status = StatusSkipped
	rec.outcome.Status = StatusSkipped
	if poisoned {
		rec.outcome.Reason = "upstream failure"
	} else {
		rec.outcome.Reason = "branch not chosen"
	}
	r.emit(emit.TypeNodeSkipped, "node skipped: "+id, map[string]any{
		"nodeId": id,
		"reason": rec.outcome.Reason,
	})
	if poisoned {
		r.poisonOutgoing(rec)
		return
	}
	r.resolveOutgoing(rec, false, edgeVoidBranch)
}

func (r *run) markCancelled(rec *nodeRec) {
	rec.status = StatusFailed
	rec.outcome.Status = StatusFailed
	rec.outcome.Reason = "cancelled"
	r.e.opts.Metrics.nodeFinished(StatusFailed, rec.outcome.FinishedAt.Sub(rec.outcome.StartedAt))
	r.emit(emit.TypeNodeFailed, "node cancelled: "+rec.node.ID, map[string]any{
		"nodeId": rec.node.ID,
		"reason": "cancelled",
	})
}

// finalizeCancelled settles non-terminal nodes after cancellation: nodes
// still marked running were drained already; pending and ready nodes are
// skipped.
func (r *run) finalizeCancelled() {
	for _, rec := range r.recs {
		switch rec.status {
		case StatusPending, StatusReady:
			rec.status = StatusSkipped
			rec.outcome.Status = StatusSkipped
			rec.outcome.Reason = "cancelled"
		case StatusRunning:
			r.markCancelled(rec)
		}
	}
}

func (r *run) summarize() *Summary {
	s := &Summary{
		CompletedNodes: []string{},
		BlockedNodes:   []string{},
		FailedNodes:    []string{},
		SkippedNodes:   []string{},
		NodeResults:    make(map[string]*NodeOutcome, len(r.recs)),
	}

	// Stable order by topological index.
	ordered := make([]*nodeRec, 0, len(r.recs))
	for _, rec := range r.recs {
		ordered = append(ordered, rec)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].topo < ordered[j-1].topo; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	for _, rec := range ordered {
		s.NodeResults[rec.node.ID] = rec.outcome
		switch rec.status {
		case StatusCompleted:
			s.CompletedNodes = append(s.CompletedNodes, rec.node.ID)
		case StatusBlocked:
			s.BlockedNodes = append(s.BlockedNodes, rec.node.ID)
		case StatusFailed:
			s.FailedNodes = append(s.FailedNodes, rec.node.ID)
		case StatusSkipped:
			s.SkippedNodes = append(s.SkippedNodes, rec.node.ID)
		}
	}

	switch {
	case len(s.BlockedNodes) > 0:
		s.Status = WorkflowBlocked
	case len(s.FailedNodes) > 0:
		s.Status = WorkflowFailed
	default:
		s.Status = WorkflowCompleted
	}
	return s
}

func (r *run) emit(eventType, summary string, data map[string]any) {
	if r.e.opts.Bus == nil {
		return
	}
	r.e.opts.Bus.Emit(emit.Event{Type: eventType, Summary: summary, Data: data})
}

// nodeTimeout resolves timeout precedence: node TimeoutMs, then graph
// default TimeoutMs, then the executor default, then unlimited.
func nodeTimeout(n *Node, d *Defaults, fallback time.Duration) time.Duration {
	if n.TimeoutMs > 0 {
		return time.Duration(n.TimeoutMs) * time.Millisecond
	}
	if d != nil && d.TimeoutMs > 0 {
		return time.Duration(d.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// nodeRetries resolves the retry budget: node, then graph default, then
// executor default.
func nodeRetries(n *Node, d *Defaults, fallback int) int {
	if n.Retries != nil {
		return *n.Retries
	}
	if d != nil && d.Retries != nil {
		return *d.Retries
	}
	return fallback
}
