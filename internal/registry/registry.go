package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/bmad-assist/loopd/internal/detector"
	"github.com/bmad-assist/loopd/internal/loop"
	"github.com/bmad-assist/loopd/internal/supervisor"
)

// Defaults for scheduling parameters.
const (
	DefaultMaxConcurrentLoops = 2
	DefaultQueueMaxSize       = 10
)

// ErrQueueFull is returned by Enqueue when the admission queue is at capacity.
var ErrQueueFull = errors.New("queue is full")

// Options configures a Registry at construction. Zero values take defaults.
type Options struct {
	// ConfigDir is where projects.yaml lives. Empty uses DefaultConfigDir.
	ConfigDir          string
	MaxConcurrentLoops int
	QueueMaxSize       int
	LogBufferSize      int
}

// Registry owns the authoritative map of all project records, the FIFO
// admission queue, and their persistence. Map and queue structure are guarded
// by the registry mutex; individual record fields carry their own lock.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	records map[string]*loop.Record
	queue   []string
}

// DefaultConfigDir returns the well-known config directory
// (~/.config/bmad-assist on Linux).
func DefaultConfigDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "bmad-assist")
}

// New builds a Registry, creates the config directory and loads any
// persisted projects. Load failures for individual entries are logged and
// skipped.
func New(opts Options) (*Registry, error) {
	if opts.ConfigDir == "" {
		opts.ConfigDir = DefaultConfigDir()
	}
	if opts.MaxConcurrentLoops <= 0 {
		opts.MaxConcurrentLoops = DefaultMaxConcurrentLoops
	}
	if opts.QueueMaxSize <= 0 {
		opts.QueueMaxSize = DefaultQueueMaxSize
	}
	if opts.LogBufferSize <= 0 {
		opts.LogBufferSize = loop.DefaultLogBufferSize
	}
	if err := os.MkdirAll(opts.ConfigDir, 0o750); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	r := &Registry{
		opts:    opts,
		records: make(map[string]*loop.Record),
	}
	r.loadProjects()
	return r, nil
}

// Register adds a project by path. Registration is idempotent by canonical
// path: an already-known path returns its existing id. The path must exist.
func (r *Registry) Register(path, displayName string) (string, error) {
	canonical, err := loop.CanonicalPath(path)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.RootPath() == canonical {
			slog.Info("project already registered", "id", rec.ID(), "path", canonical)
			return rec.ID(), nil
		}
	}
	rec, err := loop.Create(canonical, displayName, r.opts.LogBufferSize)
	if err != nil {
		return "", err
	}
	r.records[rec.ID()] = rec
	r.saveLocked()
	slog.Info("registered project",
		"project", rec.DisplayName(), "id", rec.ID(), "path", rec.RootPath())
	return rec.ID(), nil
}

// Unregister removes a project. Fails for unknown ids and for records with an
// active loop.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("project not found: %s", id)
	}
	if rec.IsActive() {
		return fmt.Errorf("cannot unregister %s: loop is active", rec.DisplayName())
	}
	delete(r.records, id)
	r.saveLocked()
	slog.Info("unregistered project", "project", rec.DisplayName(), "id", id)
	return nil
}

// Get returns the record for id or an error on miss.
func (r *Registry) Get(id string) (*loop.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	return rec, nil
}

// GetByPath returns the record registered at path, or nil. Used for dedup
// checks, so a miss is not an error.
func (r *Registry) GetByPath(path string) *loop.Record {
	canonical, err := loop.CanonicalPath(path)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.RootPath() == canonical {
			return rec
		}
	}
	return nil
}

// ListAll returns a stable, read-only projection of every record.
func (r *Registry) ListAll() []loop.Summary {
	r.mu.RLock()
	out := make([]loop.Summary, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Summary())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reconcile checks persisted state against on-disk reality. Records whose
// root path vanished are marked ERROR and reported. Stray flag files from a
// previous control-plane run are deleted. Any record still claiming an
// active state is forced back to IDLE: the routines that owned that claim
// died with the previous process. Never fails; persists the outcome.
func (r *Registry) Reconcile() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var broken []string
	for id, rec := range r.records {
		if _, err := os.Stat(rec.RootPath()); err != nil {
			slog.Warn("project path no longer exists",
				"project", rec.DisplayName(), "path", rec.RootPath())
			broken = append(broken, id)
			rec.SetError("Project path does not exist")
			continue
		}
		killOrphan(rec)
		for _, flag := range []string{
			supervisor.PauseFlagPath(rec.RootPath()),
			supervisor.StopFlagPath(rec.RootPath()),
		} {
			if _, err := os.Stat(flag); err == nil {
				if err := os.Remove(flag); err != nil {
					slog.Error("failed to clean up stale flag", "flag", flag, "error", err)
				} else {
					slog.Info("cleaned up stale flag", "flag", flag, "project", rec.DisplayName())
				}
			}
		}
		if st := rec.State(); st != loop.StateIdle && st != loop.StateError {
			slog.Info("resetting stale loop state",
				"project", rec.DisplayName(), "from", st)
			rec.SetIdle(false)
		}
	}
	r.queue = r.queue[:0]
	r.saveLocked()
	return broken
}

// killOrphan terminates a subprocess left running by a previous control
// plane, identified by the pid file in the project's control directory.
// The start-time check inside the detector prevents killing a reused pid.
func killOrphan(rec *loop.Record) {
	pf := detector.PIDFileDetector{PIDFile: supervisor.PIDFilePath(rec.RootPath())}
	alive, err := pf.Alive()
	if err != nil {
		slog.Warn("pid file unreadable", "project", rec.DisplayName(), "error", err)
	}
	if alive {
		if pid, _, err := pf.Read(); err == nil && pid > 0 {
			slog.Warn("killing orphaned loop subprocess",
				"project", rec.DisplayName(), "pid", pid)
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	if err := pf.Remove(); err != nil {
		slog.Warn("failed to remove stale pid file",
			"project", rec.DisplayName(), "error", err)
	}
}

// CanStartLoop reports whether a new loop may start immediately.
func (r *Registry) CanStartLoop() bool {
	return r.RunningCount() < r.opts.MaxConcurrentLoops
}

// RunningCount counts loops in STARTING, RUNNING or PAUSE_REQUESTED.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if rec.State().OccupiesSlot() {
			n++
		}
	}
	return n
}

// Enqueue appends id to the admission queue and returns its 1-based
// position. Re-enqueueing a queued id returns its current position.
func (r *Registry) Enqueue(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return 0, fmt.Errorf("project not found: %s", id)
	}
	for i, qid := range r.queue {
		if qid == id {
			return i + 1, nil
		}
	}
	if len(r.queue) >= r.opts.QueueMaxSize {
		return 0, fmt.Errorf("%w (max %d)", ErrQueueFull, r.opts.QueueMaxSize)
	}
	r.queue = append(r.queue, id)
	pos := len(r.queue)
	rec.SetQueued(pos)
	return pos, nil
}

// Dequeue pops the front of the queue, renumbering the remaining queued
// records. Returns "" when the queue is empty.
func (r *Registry) Dequeue() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return ""
	}
	id := r.queue[0]
	r.queue = append(r.queue[:0], r.queue[1:]...)
	r.renumberLocked()
	return id
}

// CancelQueue removes id from the queue, setting its record IDLE with a
// failure outcome. Reports whether anything was removed.
func (r *Registry) CancelQueue(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, qid := range r.queue {
		if qid != id {
			continue
		}
		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		if rec, ok := r.records[id]; ok {
			rec.SetIdle(false)
		}
		r.renumberLocked()
		slog.Info("cancelled queued loop", "id", id)
		return true
	}
	return false
}

// QueueLen returns the number of waiting loops.
func (r *Registry) QueueLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queue)
}

// QueuePosition returns the 1-based position of id, or 0 when not queued.
func (r *Registry) QueuePosition(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, qid := range r.queue {
		if qid == id {
			return i + 1
		}
	}
	return 0
}

// ScanDirectory registers every immediate subdirectory of dir that carries a
// control-directory marker and is not yet known. Individual failures are
// logged and skipped.
func (r *Registry) ScanDirectory(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("scan directory unreadable", "dir", dir, "error", err)
		return nil
	}
	var discovered []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, e.Name())
		marker, err := os.Stat(supervisor.ControlDir(candidate))
		if err != nil || !marker.IsDir() {
			continue
		}
		if r.GetByPath(candidate) != nil {
			continue
		}
		id, err := r.Register(candidate, "")
		if err != nil {
			slog.Error("failed to register discovered project",
				"path", candidate, "error", err)
			continue
		}
		slog.Info("discovered project", "path", candidate, "id", id)
		discovered = append(discovered, id)
	}
	return discovered
}

// Save persists the current record set. Called by the owner on periodic
// summary saves; failures are logged, never raised.
func (r *Registry) Save() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.saveLocked()
}

func (r *Registry) renumberLocked() {
	for i, qid := range r.queue {
		if rec, ok := r.records[qid]; ok {
			rec.SetQueuePosition(i + 1)
		}
	}
}
