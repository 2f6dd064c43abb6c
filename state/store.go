// Package state owns durable session state: evidence snapshots, the event
// timeline, checkpoints and token counters. It is the single source of
// truth for the gate engine and the budget governor; all other components
// hold read-only views or mutate through the Store API.
package state

import (
	"encoding/json"
	"errors"
	"time"
)

// MaxDetailItems caps evidence detail lists (failing rules, failing tests)
// at write time.
const MaxDetailItems = 10

// ErrNoSession is returned by operations that require an active session
// when none exists. This is a routine outcome, not a failure.
var ErrNoSession = errors.New("no active session")

// ErrNotFound is returned when a requested checkpoint or session file does
// not exist.
var ErrNotFound = errors.New("not found")

// Timestamp is a time.Time that marshals as an ISO-8601 string with
// millisecond precision, matching the persisted file format.
type Timestamp struct {
	time.Time
}

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now()}
}

// MarshalJSON renders the timestamp as e.g. "2026-08-24T10:00:00.000Z".
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format("2006-01-02T15:04:05.000Z07:00") + `"`), nil
}

// UnmarshalJSON accepts RFC 3339 timestamps of any precision.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// EvidenceStatus is the outcome of a guard or test run.
type EvidenceStatus string

const (
	EvidencePassed  EvidenceStatus = "passed"
	EvidenceFailed  EvidenceStatus = "failed"
	EvidenceSkipped EvidenceStatus = "skipped"
)

// GuardEvidence is the record of the most recent guard (linter) run.
type GuardEvidence struct {
	Timestamp    Timestamp      `json:"timestamp"`
	Status       EvidenceStatus `json:"status"`
	ReportID     string         `json:"reportId"`
	FailingRules []string       `json:"failingRules"`
	TaskID       string         `json:"taskId,omitempty"`
}

// TestEvidence is the record of the most recent test run.
type TestEvidence struct {
	Timestamp           Timestamp      `json:"timestamp"`
	Status              EvidenceStatus `json:"status"`
	RunID               string         `json:"runId"`
	FailingTests        []string       `json:"failingTests"`
	ConsoleErrorCount   int            `json:"consoleErrorCount"`
	NetworkFailureCount int            `json:"networkFailureCount"`
	TaskID              string         `json:"taskId,omitempty"`
}

// EvidenceState is the pair of nullable evidence records the gate engine
// reads. Timestamps are monotonically non-decreasing per stream; detail
// lists are capped at MaxDetailItems at write time.
type EvidenceState struct {
	LastGuardRun *GuardEvidence `json:"lastGuardRun"`
	LastTestRun  *TestEvidence  `json:"lastTestRun"`
}

// TimelineEvent is one record in the session timeline ring buffer.
type TimelineEvent struct {
	Ts      Timestamp      `json:"ts"`
	Type    string         `json:"type"`
	Summary string         `json:"summary"`
	Data    map[string]any `json:"data,omitempty"`
}

// Metadata carries session metadata. ProjectRoot and ResumeCount are
// recognized fields; unknown keys round-trip through Extra without
// influencing behavior.
type Metadata struct {
	ProjectRoot string
	ResumeCount int
	Extra       map[string]any
}

// MarshalJSON flattens known fields and Extra into a single object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["projectRoot"] = m.ProjectRoot
	out["resumeCount"] = m.ResumeCount
	return json.Marshal(out)
}

// UnmarshalJSON splits known fields from the rest of the object.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["projectRoot"].(string); ok {
		m.ProjectRoot = v
	}
	if v, ok := raw["resumeCount"].(float64); ok {
		m.ResumeCount = int(v)
	}
	delete(raw, "projectRoot")
	delete(raw, "resumeCount")
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// SessionState is the persisted shape of an active session. JSON keys are
// stable; see the session-<uuid>.json layout.
type SessionState struct {
	Version            string                     `json:"version"`
	SessionID          string                     `json:"sessionId"`
	CreatedAt          Timestamp                  `json:"createdAt"`
	UpdatedAt          Timestamp                  `json:"updatedAt"`
	ModuleStates       map[string]json.RawMessage `json:"moduleStates"`
	LatestCheckpointID *string                    `json:"latestCheckpointId"`
	Timeline           []TimelineEvent            `json:"timeline"`
	Metadata           Metadata                   `json:"metadata"`
}

// SessionVersion is the current session file schema version.
const SessionVersion = "1"

// CheckpointReason classifies why a checkpoint was created.
type CheckpointReason string

const (
	ReasonAutoThreshold       CheckpointReason = "auto_threshold"
	ReasonManual              CheckpointReason = "manual"
	ReasonTaskComplete        CheckpointReason = "task_complete"
	ReasonSessionEnd          CheckpointReason = "session_end"
	ReasonErrorRecovery       CheckpointReason = "error_recovery"
	ReasonBeforeRiskyOperation CheckpointReason = "before_risky_operation"
)

// TokenUsage tracks cumulative token consumption for the budget governor.
type TokenUsage struct {
	Used           int       `json:"used"`
	EstimatedTotal int       `json:"estimatedTotal"`
	Percentage     float64   `json:"percentage"`
	LastUpdated    Timestamp `json:"lastUpdated"`
}

// CheckpointSession identifies the session a checkpoint belongs to.
type CheckpointSession struct {
	ID        string    `json:"id"`
	StartedAt Timestamp `json:"startedAt"`
}

// ResumeState captures enough context to pick up work after a restart.
type ResumeState struct {
	CurrentTaskID      string   `json:"currentTaskId"`
	CurrentTaskName    string   `json:"currentTaskName"`
	LastCompletedStep  string   `json:"lastCompletedStep"`
	NextActions        []string `json:"nextActions"`
	RequiredTools      []string `json:"requiredTools"`
	RecentFailures     []string `json:"recentFailures"`
	ActiveLatentTaskID string   `json:"activeLatentTaskId"`
	ActiveLatentPhase  string   `json:"activeLatentPhase"`
	Summary            string   `json:"summary"`
}

// Checkpoint is a durable named snapshot, stored one file per checkpoint
// under checkpoints/<id>.json.
type Checkpoint struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	CreatedAt    Timestamp                  `json:"createdAt"`
	Reason       CheckpointReason           `json:"reason"`
	TokenUsage   TokenUsage                 `json:"tokenUsage"`
	Session      CheckpointSession          `json:"session"`
	ModuleStates map[string]json.RawMessage `json:"moduleStates"`
	FilesChanged []string                   `json:"filesChanged"`
	Metadata     map[string]any             `json:"metadata"`
	ResumeState  *ResumeState               `json:"resumeState,omitempty"`
}

// CheckpointParams are the caller-supplied fields for CreateCheckpoint.
type CheckpointParams struct {
	Name         string
	Reason       CheckpointReason
	FilesChanged []string
	Metadata     map[string]any
	ResumeState  *ResumeState
}

// Store is the persistence contract for session, evidence, checkpoints and
// token counters.
//
// Implementations: FileStore (atomic file persistence under .state/) for
// production, MemStore for tests and ephemeral hosts. All methods are safe
// for concurrent use; a failed write never corrupts in-memory state.
type Store interface {
	// Evidence returns the latest committed evidence state. Cheap read.
	Evidence() EvidenceState

	// SetGuardEvidence overwrites the guard slot, stamping the current
	// time and capping FailingRules at MaxDetailItems. Emits
	// evidence:updated when a bus is attached.
	SetGuardEvidence(ev GuardEvidence) error

	// SetTestEvidence overwrites the test slot with the same stamping and
	// capping semantics as SetGuardEvidence.
	SetTestEvidence(ev TestEvidence) error

	// Session returns the active session, or false when none exists.
	Session() (*SessionState, bool)

	// CreateSession starts a new session rooted at projectRoot.
	CreateSession(projectRoot string) (*SessionState, error)

	// EndSession records a session:end event, flushes, and deactivates
	// the session.
	EndSession() error

	// PauseSession flushes all pending state to disk without ending the
	// session.
	PauseSession() error

	// ResumeSession loads the most recent persisted session and
	// increments metadata.resumeCount.
	ResumeSession() (*SessionState, error)

	// RecordEvent appends a timeline event, trimming the ring buffer to
	// its cap, and schedules a debounced save.
	RecordEvent(ev TimelineEvent)

	// CreateCheckpoint writes a checkpoint immediately (not debounced)
	// and evicts the oldest checkpoint FIFO when exceeding the limit.
	CreateCheckpoint(params CheckpointParams) (*Checkpoint, error)

	// ListCheckpoints returns all retained checkpoints, oldest first.
	ListCheckpoints() ([]*Checkpoint, error)

	// RestoreCheckpoint loads a checkpoint and applies its module-state
	// snapshot to the active session. Returns ErrNotFound for unknown ids.
	RestoreCheckpoint(id string) (*Checkpoint, error)

	// DeleteCheckpoint removes a checkpoint. Returns ErrNotFound for
	// unknown ids.
	DeleteCheckpoint(id string) error

	// UpdateTokenUsage records cumulative usage. A zero estimatedTotal
	// keeps the previous estimate.
	UpdateTokenUsage(used, estimatedTotal int) TokenUsage

	// TokenUsage returns the last recorded usage.
	TokenUsage() TokenUsage

	// SetModuleState stores an opaque module state blob on the session.
	SetModuleState(module string, data json.RawMessage) error

	// ModuleState returns an opaque module state blob, or false when the
	// module has no stored state.
	ModuleState(module string) (json.RawMessage, bool)

	// Flush forces any debounced save to complete now.
	Flush() error

	// Close flushes and releases resources.
	Close() error
}

// capped returns at most MaxDetailItems entries of list, preserving order.
func capped(list []string) []string {
	if len(list) <= MaxDetailItems {
		return list
	}
	return list[:MaxDetailItems]
}
