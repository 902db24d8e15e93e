package loop

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bmad-assist/loopd/internal/metrics"
)

// DefaultLogBufferSize is the default capacity of a record's log ring buffer.
const DefaultLogBufferSize = 500

// Record holds the state of one registered project. It is exclusively owned
// by the registry's map; the supervisor mutates it through these methods
// while a run is active. All fields are guarded by the record's own mutex,
// so concurrent watchdog/reader/registry access is safe; map-structural
// changes are guarded separately by the registry.
type Record struct {
	mu sync.Mutex

	id          string
	rootPath    string
	displayName string

	process        *Handle
	state          State
	stateCh        chan struct{}
	logs           *Ring
	phaseStartTime time.Time
	lastSeen       time.Time
	lastStatus     Status
	currentEpic    string
	currentStory   string
	currentPhase   string
	errorMessage   string
	queuePosition  int
}

// Summary is the read-only projection of a record handed to external
// consumers (the route layer and the CLI).
type Summary struct {
	ID            string  `json:"uuid" yaml:"uuid"`
	Path          string  `json:"path" yaml:"path"`
	DisplayName   string  `json:"display_name" yaml:"display_name"`
	State         State   `json:"state" yaml:"state"`
	LastSeen      string  `json:"last_seen" yaml:"last_seen"`
	LastStatus    Status  `json:"last_status" yaml:"last_status"`
	CurrentEpic   string  `json:"current_epic,omitempty" yaml:"current_epic,omitempty"`
	CurrentStory  string  `json:"current_story,omitempty" yaml:"current_story,omitempty"`
	CurrentPhase  string  `json:"current_phase,omitempty" yaml:"current_phase,omitempty"`
	PhaseDuration float64 `json:"phase_duration_seconds,omitempty" yaml:"phase_duration_seconds,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	QueuePosition int     `json:"queue_position,omitempty" yaml:"queue_position,omitempty"`
}

// NewRecord builds a record from already-validated fields. Used when loading
// persisted registry state.
func NewRecord(id, rootPath, displayName string, logBufferSize int) *Record {
	if logBufferSize <= 0 {
		logBufferSize = DefaultLogBufferSize
	}
	return &Record{
		id:          id,
		rootPath:    rootPath,
		displayName: displayName,
		state:       StateIdle,
		stateCh:     make(chan struct{}),
		logs:        NewRing(logBufferSize),
		lastSeen:    time.Now().UTC(),
		lastStatus:  StatusIdle,
	}
}

// Create registers a brand-new project: the path must exist, is resolved to
// its canonical absolute form, and a fresh UUID is assigned.
func Create(rootPath, displayName string, logBufferSize int) (*Record, error) {
	canonical, err := CanonicalPath(rootPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(canonical); err != nil {
		return nil, fmt.Errorf("project path does not exist: %s", canonical)
	}
	if displayName == "" {
		displayName = filepath.Base(canonical)
	}
	return NewRecord(uuid.NewString(), canonical, displayName, logBufferSize), nil
}

// CanonicalPath resolves symlinks and returns an absolute path. If the path
// does not exist, the absolute form is returned so callers can still compare.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

func (r *Record) ID() string { return r.id }

func (r *Record) RootPath() string { return r.rootPath }

func (r *Record) DisplayName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.displayName
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Record) LastStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStatus
}

func (r *Record) LastSeen() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen
}

func (r *Record) ErrorMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorMessage
}

func (r *Record) QueuePosition() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queuePosition
}

// Process returns the current process handle, or nil when not running.
func (r *Record) Process() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.process
}

// setStateLocked applies a state transition, wakes StateWatch waiters and
// counts the transition. Callers hold r.mu.
func (r *Record) setStateLocked(next State) {
	prev := r.state
	r.state = next
	close(r.stateCh)
	r.stateCh = make(chan struct{})
	if prev != next {
		metrics.IncTransition(r.displayName, string(prev), string(next))
	}
}

// StateWatch returns the current state together with a channel that is
// closed on the next transition, so callers can wait without polling.
func (r *Record) StateWatch() (State, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.stateCh
}

// IsActive reports whether the loop occupies any active state
// (STARTING, RUNNING, PAUSE_REQUESTED, PAUSED, QUEUED).
func (r *Record) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Active()
}

// AddLog appends a line to the ring buffer, evicting the oldest when full.
func (r *Record) AddLog(line string) {
	r.mu.Lock()
	r.logs.Append(line)
	r.lastSeen = time.Now().UTC()
	r.mu.Unlock()
}

// GetLogs returns the most recent count lines oldest-first; count <= 0
// returns everything.
func (r *Record) GetLogs(count int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs.Last(count)
}

func (r *Record) ClearLogs() {
	r.mu.Lock()
	r.logs.Clear()
	r.mu.Unlock()
}

// SetStarting marks the record as spawning. Clears any queue position.
func (r *Record) SetStarting() {
	r.mu.Lock()
	r.setStateLocked(StateStarting)
	r.queuePosition = 0
	r.lastSeen = time.Now().UTC()
	r.mu.Unlock()
}

// SetRunning installs the process handle and transitions to RUNNING.
func (r *Record) SetRunning(h *Handle) {
	r.mu.Lock()
	now := time.Now().UTC()
	r.process = h
	r.setStateLocked(StateRunning)
	r.phaseStartTime = now
	r.lastSeen = now
	r.errorMessage = ""
	r.queuePosition = 0
	r.mu.Unlock()
	slog.Info("loop running", "project", r.displayName, "id", shortID(r.id))
}

// SetPauseRequested transitions RUNNING -> PAUSE_REQUESTED.
func (r *Record) SetPauseRequested() {
	r.mu.Lock()
	r.setStateLocked(StatePauseRequested)
	r.lastSeen = time.Now().UTC()
	r.mu.Unlock()
}

// SetPaused transitions to PAUSED. Position markers are kept.
func (r *Record) SetPaused() {
	r.mu.Lock()
	r.setStateLocked(StatePaused)
	r.lastSeen = time.Now().UTC()
	r.mu.Unlock()
	slog.Info("loop paused", "project", r.displayName, "id", shortID(r.id))
}

// SetResumed transitions PAUSED -> RUNNING without touching the handle.
func (r *Record) SetResumed() {
	r.mu.Lock()
	r.setStateLocked(StateRunning)
	r.lastSeen = time.Now().UTC()
	r.mu.Unlock()
}

// SetError transitions to ERROR, drops the handle and records the message.
func (r *Record) SetError(message string) {
	r.mu.Lock()
	r.setStateLocked(StateError)
	r.errorMessage = message
	r.process = nil
	r.queuePosition = 0
	r.lastSeen = time.Now().UTC()
	r.lastStatus = StatusFailed
	r.mu.Unlock()
	slog.Error("loop error", "project", r.displayName, "id", shortID(r.id), "error", message)
}

// SetIdle transitions to IDLE and clears the handle, phase timing, position
// markers, error message and queue position regardless of prior state.
func (r *Record) SetIdle(success bool) {
	r.mu.Lock()
	r.setStateLocked(StateIdle)
	r.process = nil
	r.phaseStartTime = time.Time{}
	r.currentEpic = ""
	r.currentStory = ""
	r.currentPhase = ""
	r.errorMessage = ""
	r.queuePosition = 0
	r.lastSeen = time.Now().UTC()
	if success {
		r.lastStatus = StatusSuccess
	} else {
		r.lastStatus = StatusFailed
	}
	status := r.lastStatus
	r.mu.Unlock()
	slog.Info("loop idle", "project", r.displayName, "id", shortID(r.id), "status", status)
}

// SetQueued transitions to QUEUED at the given 1-based position.
func (r *Record) SetQueued(position int) {
	r.mu.Lock()
	r.setStateLocked(StateQueued)
	r.queuePosition = position
	r.lastSeen = time.Now().UTC()
	r.mu.Unlock()
	slog.Info("loop queued", "project", r.displayName, "id", shortID(r.id), "position", position)
}

// SetQueuePosition renumbers an already-queued record.
func (r *Record) SetQueuePosition(position int) {
	r.mu.Lock()
	if r.state == StateQueued {
		r.queuePosition = position
	}
	r.mu.Unlock()
}

// UpdatePosition records where the subprocess reports itself to be. Empty
// arguments leave the corresponding marker untouched. A phase change resets
// the phase clock.
func (r *Record) UpdatePosition(epic, story, phase string) {
	r.mu.Lock()
	if epic != "" {
		r.currentEpic = epic
	}
	if story != "" {
		r.currentStory = story
	}
	if phase != "" {
		r.currentPhase = phase
		r.phaseStartTime = time.Now().UTC()
	}
	r.lastSeen = time.Now().UTC()
	r.mu.Unlock()
}

// PhaseDuration returns elapsed time in the current phase and whether a
// phase is in progress.
func (r *Record) PhaseDuration() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phaseStartTime.IsZero() {
		return 0, false
	}
	return time.Since(r.phaseStartTime), true
}

// SetLastSeen overrides the activity timestamp. Used when restoring
// persisted records.
func (r *Record) SetLastSeen(t time.Time) {
	r.mu.Lock()
	r.lastSeen = t
	r.mu.Unlock()
}

// SetLastStatus overrides the terminal outcome. Used when restoring
// persisted records.
func (r *Record) SetLastStatus(s Status) {
	r.mu.Lock()
	r.lastStatus = s
	r.mu.Unlock()
}

// Summary projects the record into its external read-only view.
func (r *Record) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		ID:            r.id,
		Path:          r.rootPath,
		DisplayName:   r.displayName,
		State:         r.state,
		LastSeen:      r.lastSeen.Format(time.RFC3339),
		LastStatus:    r.lastStatus,
		CurrentEpic:   r.currentEpic,
		CurrentStory:  r.currentStory,
		CurrentPhase:  r.currentPhase,
		ErrorMessage:  r.errorMessage,
		QueuePosition: r.queuePosition,
	}
	if !r.phaseStartTime.IsZero() {
		s.PhaseDuration = time.Since(r.phaseStartTime).Seconds()
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
