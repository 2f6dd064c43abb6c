package state

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/dshills/taskgraph-go/emit"
)

// MemStore is an in-memory Store.
//
// Designed for tests and ephemeral hosts: same caps, eviction and event
// semantics as FileStore, no disk I/O. Data is lost when the process
// terminates.
type MemStore struct {
	mu     sync.Mutex
	cfg    Config
	bus    *emit.Bus
	now    func() time.Time

	session     *SessionState
	lastSession *SessionState // kept for ResumeSession after EndSession
	evidence    EvidenceState
	tokens      TokenUsage
	checkpoints []*Checkpoint
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an in-memory store. bus may be nil.
func NewMemStore(cfg Config, bus *emit.Bus) *MemStore {
	return &MemStore{cfg: cfg.withDefaults(), bus: bus, now: time.Now}
}

// Evidence returns the latest evidence state.
func (m *MemStore) Evidence() EvidenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evidence
}

// SetGuardEvidence overwrites the guard slot, stamping and capping.
func (m *MemStore) SetGuardEvidence(ev GuardEvidence) error {
	m.mu.Lock()
	ev.Timestamp = Timestamp{m.now()}
	ev.FailingRules = capped(ev.FailingRules)
	m.evidence.LastGuardRun = &ev
	m.mu.Unlock()

	m.emitEvidenceUpdated("guard", string(ev.Status), ev.TaskID)
	return nil
}

// SetTestEvidence overwrites the test slot, stamping and capping.
func (m *MemStore) SetTestEvidence(ev TestEvidence) error {
	m.mu.Lock()
	ev.Timestamp = Timestamp{m.now()}
	ev.FailingTests = capped(ev.FailingTests)
	m.evidence.LastTestRun = &ev
	m.mu.Unlock()

	m.emitEvidenceUpdated("test", string(ev.Status), ev.TaskID)
	return nil
}

func (m *MemStore) emitEvidenceUpdated(stream, status, taskID string) {
	if m.bus == nil {
		return
	}
	data := map[string]any{"stream": stream, "status": status}
	if taskID != "" {
		data["taskId"] = taskID
	}
	m.bus.Emit(emit.Event{
		Type:    emit.TypeEvidenceUpdated,
		Summary: stream + " evidence updated: " + status,
		Data:    data,
	})
}

// Session returns the active session, or false when none exists.
func (m *MemStore) Session() (*SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, false
	}
	return m.session, true
}

// CreateSession starts a new session.
func (m *MemStore) CreateSession(projectRoot string) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := Timestamp{m.now()}
	m.session = &SessionState{
		Version:      SessionVersion,
		SessionID:    uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
		ModuleStates: make(map[string]json.RawMessage),
		Timeline:     make([]TimelineEvent, 0, 64),
		Metadata:     Metadata{ProjectRoot: projectRoot},
	}
	m.lastSession = m.session
	return m.session, nil
}

// EndSession deactivates the session.
func (m *MemStore) EndSession() error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	id := m.session.SessionID
	m.session = nil
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(emit.Event{
			Type:    emit.TypeSessionEnd,
			Summary: "session ended",
			Data:    map[string]any{"sessionId": id},
		})
	}
	return nil
}

// PauseSession is a no-op for the memory store beyond the session check.
func (m *MemStore) PauseSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNoSession
	}
	return nil
}

// ResumeSession reactivates the most recent session.
func (m *MemStore) ResumeSession() (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSession == nil {
		return nil, ErrNotFound
	}
	m.session = m.lastSession
	m.session.Metadata.ResumeCount++
	m.session.UpdatedAt = Timestamp{m.now()}
	return m.session, nil
}

// RecordEvent appends a timeline event, trimming to the cap.
func (m *MemStore) RecordEvent(ev TimelineEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	if ev.Ts.IsZero() {
		ev.Ts = Timestamp{m.now()}
	}
	m.session.Timeline = append(m.session.Timeline, ev)
	if over := len(m.session.Timeline) - m.cfg.TimelineCap; over > 0 {
		m.session.Timeline = m.session.Timeline[over:]
	}
	m.session.UpdatedAt = Timestamp{m.now()}
}

// CreateCheckpoint snapshots the session with FIFO eviction.
func (m *MemStore) CreateCheckpoint(params CheckpointParams) (*Checkpoint, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	cp := &Checkpoint{
		ID:         ulid.Make().String(),
		Name:       params.Name,
		CreatedAt:  Timestamp{m.now()},
		Reason:     params.Reason,
		TokenUsage: m.tokens,
		Session: CheckpointSession{
			ID:        m.session.SessionID,
			StartedAt: m.session.CreatedAt,
		},
		ModuleStates: copyModuleStates(m.session.ModuleStates),
		FilesChanged: append([]string(nil), params.FilesChanged...),
		Metadata:     params.Metadata,
		ResumeState:  params.ResumeState,
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	m.checkpoints = append(m.checkpoints, cp)
	if over := len(m.checkpoints) - m.cfg.MaxCheckpoints; over > 0 {
		m.checkpoints = m.checkpoints[over:]
	}
	id := cp.ID
	m.session.LatestCheckpointID = &id
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(emit.Event{
			Type:    emit.TypeResourceCheckpoint,
			Summary: "checkpoint created: " + cp.Name,
			Data:    map[string]any{"checkpointId": cp.ID, "reason": string(cp.Reason)},
		})
	}
	return cp, nil
}

// ListCheckpoints returns retained checkpoints, oldest first.
func (m *MemStore) ListCheckpoints() ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Checkpoint, len(m.checkpoints))
	copy(out, m.checkpoints)
	return out, nil
}

// RestoreCheckpoint applies a checkpoint snapshot to the session.
func (m *MemStore) RestoreCheckpoint(id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNoSession
	}
	for _, cp := range m.checkpoints {
		if cp.ID == id {
			m.session.ModuleStates = copyModuleStates(cp.ModuleStates)
			cpID := cp.ID
			m.session.LatestCheckpointID = &cpID
			m.session.UpdatedAt = Timestamp{m.now()}
			return cp, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteCheckpoint removes a checkpoint.
func (m *MemStore) DeleteCheckpoint(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cp := range m.checkpoints {
		if cp.ID == id {
			m.checkpoints = append(m.checkpoints[:i], m.checkpoints[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// UpdateTokenUsage records cumulative usage.
func (m *MemStore) UpdateTokenUsage(used, estimatedTotal int) TokenUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens.Used = used
	if estimatedTotal > 0 {
		m.tokens.EstimatedTotal = estimatedTotal
	}
	if m.tokens.EstimatedTotal > 0 {
		m.tokens.Percentage = float64(m.tokens.Used) / float64(m.tokens.EstimatedTotal) * 100
	}
	m.tokens.LastUpdated = Timestamp{m.now()}
	return m.tokens
}

// TokenUsage returns the last recorded usage.
func (m *MemStore) TokenUsage() TokenUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens
}

// SetModuleState stores an opaque module state blob.
func (m *MemStore) SetModuleState(module string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNoSession
	}
	m.session.ModuleStates[module] = data
	m.session.UpdatedAt = Timestamp{m.now()}
	return nil
}

// ModuleState returns an opaque module state blob.
func (m *MemStore) ModuleState(module string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, false
	}
	data, ok := m.session.ModuleStates[module]
	return data, ok
}

// Flush is a no-op for the memory store.
func (m *MemStore) Flush() error { return nil }

// Close is a no-op for the memory store.
func (m *MemStore) Close() error { return nil }
