package state

import (
	"fmt"

	"github.com/dshills/taskgraph-go/emit"
)

// EvidenceRecorder is the tool-adapter surface: guard and test runners
// report their outcomes here, which writes evidence to the store and
// emits the corresponding tool events on top of the store's own
// evidence:updated.
type EvidenceRecorder struct {
	store Store
	bus   *emit.Bus
}

// NewEvidenceRecorder creates a recorder. bus may be nil.
func NewEvidenceRecorder(store Store, bus *emit.Bus) *EvidenceRecorder {
	return &EvidenceRecorder{store: store, bus: bus}
}

// RecordGuardRun stores a guard run and emits guard:validated or
// guard:block. failingRules is capped at 10 by the store.
func (r *EvidenceRecorder) RecordGuardRun(status EvidenceStatus, reportID string, failingRules []string, taskID string) error {
	if err := r.store.SetGuardEvidence(GuardEvidence{
		Status:       status,
		ReportID:     reportID,
		FailingRules: failingRules,
		TaskID:       taskID,
	}); err != nil {
		return err
	}
	if r.bus == nil {
		return nil
	}
	if status == EvidenceFailed {
		r.bus.Emit(emit.Event{
			Type:    emit.TypeGuardBlock,
			Summary: fmt.Sprintf("guard blocked: %d failing rules", len(failingRules)),
			Data: map[string]any{
				"reportId":     reportID,
				"failingRules": capped(failingRules),
				"taskId":       taskID,
			},
		})
	} else {
		r.bus.Emit(emit.Event{
			Type:    emit.TypeGuardValidated,
			Summary: "guard validated: " + string(status),
			Data: map[string]any{
				"reportId": reportID,
				"status":   string(status),
				"taskId":   taskID,
			},
		})
	}
	return nil
}

// RecordTestRun stores a test run and emits testing:failure when the run
// failed. failingTests is capped at 10 by the store.
func (r *EvidenceRecorder) RecordTestRun(status EvidenceStatus, runID string, failingTests []string, consoleErrors, networkFailures int, taskID string) error {
	if err := r.store.SetTestEvidence(TestEvidence{
		Status:              status,
		RunID:               runID,
		FailingTests:        failingTests,
		ConsoleErrorCount:   consoleErrors,
		NetworkFailureCount: networkFailures,
		TaskID:              taskID,
	}); err != nil {
		return err
	}
	if r.bus != nil && status == EvidenceFailed {
		r.bus.Emit(emit.Event{
			Type: emit.TypeTestingFailure,
			Summary: fmt.Sprintf("test run failed: %d tests, %d console errors, %d network failures",
				len(failingTests), consoleErrors, networkFailures),
			Data: map[string]any{
				"runId":        runID,
				"failingTests": capped(failingTests),
				"taskId":       taskID,
			},
		})
	}
	return nil
}
