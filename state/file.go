package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/emit"
)

// StateDirName is the per-project directory holding all persisted state.
const StateDirName = ".state"

// PersistenceError reports a state-store I/O failure. The in-memory state
// is never corrupted by a failed write; debounced saves retry on the next
// trigger.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Config tunes FileStore behavior. Zero values select the defaults noted
// per field.
type Config struct {
	// MaxCheckpoints bounds retained checkpoints; oldest evicted FIFO.
	// Default 10.
	MaxCheckpoints int

	// TimelineCap bounds the session timeline ring buffer. Default 10000.
	TimelineCap int

	// DebounceInterval is the window for coalescing session saves.
	// Default 500ms.
	DebounceInterval time.Duration

	// DegradedThreshold is the number of consecutive failed flushes after
	// which state:persistence:degraded is emitted. Default 5.
	DegradedThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxCheckpoints <= 0 {
		c.MaxCheckpoints = 10
	}
	if c.TimelineCap <= 0 {
		c.TimelineCap = 10000
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = 500 * time.Millisecond
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 5
	}
	return c
}

// Module-state keys the store itself uses to persist evidence and token
// counters inside the session file.
const (
	moduleEvidence = "evidence"
	moduleTokens   = "tokens"
)

// FileStore is the file-backed Store, persisting under
// <projectRoot>/.state/:
//
//	session-<uuid>.json           active session, atomically rewritten
//	checkpoints/<checkpointId>.json  one file per checkpoint
//	export-<iso-timestamp>.json   explicit exports
//
// Checkpoints are written immediately; session, timeline and token counters
// are saved on a debounced timer. All writes are atomic
// (write-temp, fsync, rename). Missing files read as empty state; malformed
// files are logged and treated as missing.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	cfg    Config
	bus    *emit.Bus
	logger *zap.Logger
	now    func() time.Time

	session     *SessionState
	evidence    EvidenceState
	tokens      TokenUsage
	checkpoints []*Checkpoint // oldest first

	timer       *time.Timer
	failedSaves int
	closed      bool
}

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at projectRoot, creating the
// .state directory tree and indexing any existing checkpoints. bus and
// logger may be nil.
func NewFileStore(projectRoot string, cfg Config, bus *emit.Bus, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(projectRoot, StateDirName)
	if err := os.MkdirAll(filepath.Join(dir, "checkpoints"), 0o755); err != nil {
		return nil, &PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}

	s := &FileStore{
		dir:    dir,
		cfg:    cfg.withDefaults(),
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
	s.loadCheckpoints()
	return s, nil
}

// Dir returns the state directory this store writes under.
func (s *FileStore) Dir() string {
	return s.dir
}

// Evidence returns the latest committed evidence state.
func (s *FileStore) Evidence() EvidenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evidence
}

// SetGuardEvidence overwrites the guard slot. The timestamp is stamped
// here and FailingRules is capped at MaxDetailItems.
func (s *FileStore) SetGuardEvidence(ev GuardEvidence) error {
	s.mu.Lock()
	ev.Timestamp = Timestamp{s.now()}
	ev.FailingRules = capped(ev.FailingRules)
	s.evidence.LastGuardRun = &ev
	s.scheduleSaveLocked()
	s.mu.Unlock()

	s.emitEvidenceUpdated("guard", string(ev.Status), ev.TaskID)
	return nil
}

// SetTestEvidence overwrites the test slot with the same stamping and
// capping semantics as SetGuardEvidence.
func (s *FileStore) SetTestEvidence(ev TestEvidence) error {
	s.mu.Lock()
	ev.Timestamp = Timestamp{s.now()}
	ev.FailingTests = capped(ev.FailingTests)
	s.evidence.LastTestRun = &ev
	s.scheduleSaveLocked()
	s.mu.Unlock()

	s.emitEvidenceUpdated("test", string(ev.Status), ev.TaskID)
	return nil
}

func (s *FileStore) emitEvidenceUpdated(stream, status, taskID string) {
	if s.bus == nil {
		return
	}
	data := map[string]any{"stream": stream, "status": status}
	if taskID != "" {
		data["taskId"] = taskID
	}
	s.bus.Emit(emit.Event{
		Type:    emit.TypeEvidenceUpdated,
		Summary: stream + " evidence updated: " + status,
		Data:    data,
	})
}

// Session returns the active session, or false when none exists.
func (s *FileStore) Session() (*SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, false
	}
	return s.session, true
}

// CreateSession starts a new session rooted at projectRoot and persists it
// immediately.
func (s *FileStore) CreateSession(projectRoot string) (*SessionState, error) {
	s.mu.Lock()
	now := Timestamp{s.now()}
	s.session = &SessionState{
		Version:      SessionVersion,
		SessionID:    uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
		ModuleStates: make(map[string]json.RawMessage),
		Timeline:     make([]TimelineEvent, 0, 64),
		Metadata:     Metadata{ProjectRoot: projectRoot},
	}
	err := s.saveLocked()
	sess := s.session
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// EndSession emits session:end, flushes, and deactivates the session. The
// session file remains on disk for later resume.
func (s *FileStore) EndSession() error {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	id := s.session.SessionID
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(emit.Event{
			Type:    emit.TypeSessionEnd,
			Summary: "session ended",
			Data:    map[string]any{"sessionId": id},
		})
	}

	s.mu.Lock()
	err := s.saveLocked()
	s.session = nil
	s.mu.Unlock()
	return err
}

// PauseSession flushes pending state without ending the session.
func (s *FileStore) PauseSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ErrNoSession
	}
	return s.saveLocked()
}

// ResumeSession loads the most recently updated session file, increments
// metadata.resumeCount, and makes it the active session.
func (s *FileStore) ResumeSession() (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.latestSessionFile()
	if err != nil {
		return nil, err
	}

	var sess SessionState
	if !s.readJSON(path, &sess) {
		return nil, ErrNotFound
	}

	sess.Metadata.ResumeCount++
	sess.UpdatedAt = Timestamp{s.now()}
	s.session = &sess
	s.restoreModuleViewsLocked()
	s.scheduleSaveLocked()
	return s.session, nil
}

// latestSessionFile picks the session-*.json with the newest updatedAt,
// falling back to file modification time for unreadable candidates.
func (s *FileStore) latestSessionFile() (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", &PersistenceError{Op: "readdir", Path: s.dir, Err: err}
	}

	best := ""
	var bestTime time.Time
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		when := time.Time{}
		var sess SessionState
		if s.readJSON(path, &sess) {
			when = sess.UpdatedAt.Time
		} else if info, err := entry.Info(); err == nil {
			when = info.ModTime()
		}
		if best == "" || when.After(bestTime) {
			best, bestTime = path, when
		}
	}
	if best == "" {
		return "", ErrNotFound
	}
	return best, nil
}

// RecordEvent appends a timeline event, trims the ring buffer, and
// schedules a debounced save. Events recorded without an active session
// are dropped.
func (s *FileStore) RecordEvent(ev TimelineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return
	}
	if ev.Ts.IsZero() {
		ev.Ts = Timestamp{s.now()}
	}
	s.session.Timeline = append(s.session.Timeline, ev)
	if over := len(s.session.Timeline) - s.cfg.TimelineCap; over > 0 {
		s.session.Timeline = s.session.Timeline[over:]
	}
	s.session.UpdatedAt = Timestamp{s.now()}
	s.scheduleSaveLocked()
}

// CreateCheckpoint writes a checkpoint file immediately and evicts the
// oldest checkpoint when the retained count exceeds MaxCheckpoints.
func (s *FileStore) CreateCheckpoint(params CheckpointParams) (*Checkpoint, error) {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return nil, ErrNoSession
	}

	s.syncModuleStatesLocked()
	cp := &Checkpoint{
		ID:         ulid.Make().String(),
		Name:       params.Name,
		CreatedAt:  Timestamp{s.now()},
		Reason:     params.Reason,
		TokenUsage: s.tokens,
		Session: CheckpointSession{
			ID:        s.session.SessionID,
			StartedAt: s.session.CreatedAt,
		},
		ModuleStates: copyModuleStates(s.session.ModuleStates),
		FilesChanged: append([]string(nil), params.FilesChanged...),
		Metadata:     params.Metadata,
		ResumeState:  params.ResumeState,
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return nil, &PersistenceError{Op: "marshal", Path: "checkpoint " + cp.ID, Err: err}
	}
	path := s.checkpointPath(cp.ID)
	if err := writeFileAtomic(path, data); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	s.checkpoints = append(s.checkpoints, cp)
	for len(s.checkpoints) > s.cfg.MaxCheckpoints {
		oldest := s.checkpoints[0]
		s.checkpoints = s.checkpoints[1:]
		if err := os.Remove(s.checkpointPath(oldest.ID)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to evict checkpoint",
				zap.String("checkpoint_id", oldest.ID), zap.Error(err))
		}
	}

	id := cp.ID
	s.session.LatestCheckpointID = &id
	s.session.UpdatedAt = Timestamp{s.now()}
	s.scheduleSaveLocked()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(emit.Event{
			Type:    emit.TypeResourceCheckpoint,
			Summary: "checkpoint created: " + cp.Name,
			Data:    map[string]any{"checkpointId": cp.ID, "reason": string(cp.Reason)},
		})
	}
	return cp, nil
}

// ListCheckpoints returns retained checkpoints, oldest first.
func (s *FileStore) ListCheckpoints() ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Checkpoint, len(s.checkpoints))
	copy(out, s.checkpoints)
	return out, nil
}

// RestoreCheckpoint applies a checkpoint's module-state snapshot to the
// active session.
func (s *FileStore) RestoreCheckpoint(id string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, ErrNoSession
	}
	cp := s.findCheckpointLocked(id)
	if cp == nil {
		return nil, ErrNotFound
	}

	s.session.ModuleStates = copyModuleStates(cp.ModuleStates)
	cpID := cp.ID
	s.session.LatestCheckpointID = &cpID
	s.session.UpdatedAt = Timestamp{s.now()}
	s.restoreModuleViewsLocked()
	s.scheduleSaveLocked()
	return cp, nil
}

// DeleteCheckpoint removes a checkpoint from the index and from disk.
func (s *FileStore) DeleteCheckpoint(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, cp := range s.checkpoints {
		if cp.ID == id {
			s.checkpoints = append(s.checkpoints[:i], s.checkpoints[i+1:]...)
			if err := os.Remove(s.checkpointPath(id)); err != nil && !os.IsNotExist(err) {
				return &PersistenceError{Op: "remove", Path: s.checkpointPath(id), Err: err}
			}
			return nil
		}
	}
	return ErrNotFound
}

// UpdateTokenUsage records cumulative token usage. A zero estimatedTotal
// keeps the previous estimate.
func (s *FileStore) UpdateTokenUsage(used, estimatedTotal int) TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens.Used = used
	if estimatedTotal > 0 {
		s.tokens.EstimatedTotal = estimatedTotal
	}
	if s.tokens.EstimatedTotal > 0 {
		s.tokens.Percentage = float64(s.tokens.Used) / float64(s.tokens.EstimatedTotal) * 100
	}
	s.tokens.LastUpdated = Timestamp{s.now()}
	s.scheduleSaveLocked()
	return s.tokens
}

// TokenUsage returns the last recorded usage.
func (s *FileStore) TokenUsage() TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// SetModuleState stores an opaque module state blob on the session.
func (s *FileStore) SetModuleState(module string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ErrNoSession
	}
	s.session.ModuleStates[module] = data
	s.session.UpdatedAt = Timestamp{s.now()}
	s.scheduleSaveLocked()
	return nil
}

// ModuleState returns an opaque module state blob.
func (s *FileStore) ModuleState(module string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, false
	}
	data, ok := s.session.ModuleStates[module]
	return data, ok
}

// Export writes the current session snapshot to export-<iso-timestamp>.json
// and returns the file path.
func (s *FileStore) Export() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return "", ErrNoSession
	}
	s.syncModuleStatesLocked()
	data, err := json.MarshalIndent(s.session, "", "  ")
	if err != nil {
		return "", &PersistenceError{Op: "marshal", Path: "session", Err: err}
	}
	stamp := s.now().UTC().Format("2006-01-02T15-04-05.000Z")
	path := filepath.Join(s.dir, "export-"+stamp+".json")
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Flush forces any pending debounced save to complete now.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.session == nil {
		return nil
	}
	return s.saveLocked()
}

// Close flushes and marks the store closed.
func (s *FileStore) Close() error {
	err := s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

// scheduleSaveLocked arms the debounce timer. Callers hold s.mu.
func (s *FileStore) scheduleSaveLocked() {
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.cfg.DebounceInterval, s.debouncedSave)
}

func (s *FileStore) debouncedSave() {
	s.mu.Lock()
	s.timer = nil
	if s.session == nil {
		s.mu.Unlock()
		return
	}
	err := s.saveLocked()
	degraded := err != nil && s.failedSaves == s.cfg.DegradedThreshold
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("debounced session save failed", zap.Error(err))
	}
	if degraded && s.bus != nil {
		s.bus.Emit(emit.Event{
			Type:    emit.TypePersistenceDegraded,
			Summary: "session persistence degraded",
			Data:    map[string]any{"consecutiveFailures": s.cfg.DegradedThreshold},
		})
	}
}

// saveLocked persists the session file atomically. Callers hold s.mu.
// A failed save leaves in-memory state intact and bumps the consecutive
// failure counter; success resets it.
func (s *FileStore) saveLocked() error {
	s.syncModuleStatesLocked()
	data, err := json.MarshalIndent(s.session, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "marshal", Path: "session", Err: err}
	}
	path := filepath.Join(s.dir, "session-"+s.session.SessionID+".json")
	if err := writeFileAtomic(path, data); err != nil {
		s.failedSaves++
		return err
	}
	s.failedSaves = 0
	return nil
}

// syncModuleStatesLocked folds the store-owned evidence and token views
// into the session's opaque module states before serialization.
func (s *FileStore) syncModuleStatesLocked() {
	if s.session == nil {
		return
	}
	if s.session.ModuleStates == nil {
		s.session.ModuleStates = make(map[string]json.RawMessage)
	}
	if ev, err := json.Marshal(s.evidence); err == nil {
		s.session.ModuleStates[moduleEvidence] = ev
	}
	if tk, err := json.Marshal(s.tokens); err == nil {
		s.session.ModuleStates[moduleTokens] = tk
	}
}

// restoreModuleViewsLocked re-hydrates evidence and token views from the
// session's module states after a resume or checkpoint restore.
func (s *FileStore) restoreModuleViewsLocked() {
	if s.session == nil {
		return
	}
	if raw, ok := s.session.ModuleStates[moduleEvidence]; ok {
		var ev EvidenceState
		if err := json.Unmarshal(raw, &ev); err == nil {
			s.evidence = ev
		} else {
			s.logger.Warn("malformed evidence module state", zap.Error(err))
		}
	}
	if raw, ok := s.session.ModuleStates[moduleTokens]; ok {
		var tk TokenUsage
		if err := json.Unmarshal(raw, &tk); err == nil {
			s.tokens = tk
		} else {
			s.logger.Warn("malformed token module state", zap.Error(err))
		}
	}
}

func (s *FileStore) checkpointPath(id string) string {
	return filepath.Join(s.dir, "checkpoints", id+".json")
}

func (s *FileStore) findCheckpointLocked(id string) *Checkpoint {
	for _, cp := range s.checkpoints {
		if cp.ID == id {
			return cp
		}
	}
	return nil
}

// loadCheckpoints indexes existing checkpoint files, skipping malformed
// ones, ordered oldest first by createdAt.
func (s *FileStore) loadCheckpoints() {
	dir := filepath.Join(s.dir, "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var cp Checkpoint
		if s.readJSON(filepath.Join(dir, entry.Name()), &cp) {
			s.checkpoints = append(s.checkpoints, &cp)
		}
	}
	sort.Slice(s.checkpoints, func(i, j int) bool {
		return s.checkpoints[i].CreatedAt.Before(s.checkpoints[j].CreatedAt.Time)
	})
}

// readJSON loads path into v. Missing files and malformed content both
// read as absent; malformed content is logged.
func (s *FileStore) readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read state file", zap.String("path", path), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("malformed state file treated as missing",
			zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

// writeFileAtomic writes data via a temp file in the same directory,
// fsyncs, then renames into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &PersistenceError{Op: "create temp", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	cleanup := func(op string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Op: op, Path: path, Err: err}
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup("fsync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "close", Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "chmod", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func copyModuleStates(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
