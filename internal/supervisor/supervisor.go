package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bmad-assist/loopd/internal/detector"
	"github.com/bmad-assist/loopd/internal/logger"
	"github.com/bmad-assist/loopd/internal/loop"
	"github.com/bmad-assist/loopd/internal/metrics"
)

// Defaults for the supervisor's timing knobs.
const (
	DefaultBinary           = "bmad-assist"
	DefaultWatchdogInterval = 5 * time.Second
	DefaultStopTimeout      = 30 * time.Second
	DefaultSigtermWait      = 5 * time.Second
	DefaultStartupGrace     = 100 * time.Millisecond
	killReapWait            = 2 * time.Second
	stopPollInterval        = time.Second
)

// ErrShutdown is returned by Spawn after the supervisor has been shut down.
var ErrShutdown = errors.New("supervisor is shut down")

// Options configures a Supervisor. Zero values take documented defaults.
type Options struct {
	// Binary is the executable driving one project loop.
	Binary string
	// WatchdogInterval is the liveness poll cadence.
	WatchdogInterval time.Duration
	// StopTimeout bounds the stop.flag graceful-exit wait.
	StopTimeout time.Duration
	// SigtermWait bounds the post-SIGTERM wait before SIGKILL.
	SigtermWait time.Duration
	// StartupGrace is how long Spawn watches for an immediate exit before
	// handing back the handle.
	StartupGrace time.Duration
	// LoopLog configures rotation for the per-project loop.log copy of the
	// subprocess output. Nil disables the file tee.
	LoopLog *logger.FileConfig
}

// Supervisor owns the mechanics of starting, monitoring and tearing down the
// external subprocess for project records. Callers must serialize spawn/stop
// per record; the supervisor serializes nothing across records.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
}

// New builds a Supervisor with defaults applied.
func New(opts Options) *Supervisor {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = DefaultWatchdogInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.SigtermWait <= 0 {
		opts.SigtermWait = DefaultSigtermWait
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = DefaultStartupGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:    opts,
		cancels: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Spawn starts the loop subprocess for rec, verifies it did not die on the
// spot, transitions the record to RUNNING and launches the watchdog and
// output-reader routines. onOutput receives each decoded output line after it
// is stored in the record's ring buffer; onCrash receives the error message
// exactly once if the run ends in a crash. The record is not mutated when
// Spawn fails before the process is adopted; a shutdown racing the spawn
// kills the child and resets the record to IDLE before returning ErrShutdown.
func (s *Supervisor) Spawn(rec *loop.Record, onOutput func(string), onCrash func(string)) (*loop.Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	s.mu.Unlock()

	root := rec.RootPath()
	if err := os.MkdirAll(ControlDir(root), 0o750); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}

	cmd := exec.Command(s.opts.Binary, "run", "--no-interactive", "--project", root)
	cmd.Dir = root

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	slog.Info("spawning loop subprocess",
		"project", rec.DisplayName(), "binary", s.opts.Binary, "root", root)

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("failed to spawn subprocess: %w", err)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	h := loop.NewHandle(cmd)

	// Catch processes that die on the spot so we never hand back a dead
	// handle. Bounded by StartupGrace.
	select {
	case <-h.Done():
		_, code := h.Poll()
		_ = pr.Close()
		return nil, fmt.Errorf("subprocess exited immediately with code %d", code)
	case <-time.After(s.opts.StartupGrace):
	}

	rec.SetRunning(h)
	metrics.IncStart(rec.DisplayName())

	pf := detector.PIDFileDetector{PIDFile: PIDFilePath(root)}
	if err := pf.Write(h.PID(), detector.StartUnix(h.PID())); err != nil {
		slog.Warn("failed to write pid file", "project", rec.DisplayName(), "error", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = pr.Close()
		s.abortSpawn(rec, h)
		return nil, ErrShutdown
	}
	s.cancels[rec.ID()] = cancel
	s.wg.Add(2)
	s.mu.Unlock()

	go s.watchdog(ctx, rec, h, onCrash)
	go s.readOutput(ctx, rec, h, pr, onOutput)

	return h, nil
}

// watchdog polls the process at the configured interval and classifies the
// exit: non-zero code means crash (ERROR + onCrash), zero means clean
// completion (IDLE, success). It exits after applying a terminal transition
// or on cancellation.
func (s *Supervisor) watchdog(ctx context.Context, rec *loop.Record, h *loop.Handle, onCrash func(string)) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// a cancellation that races the exit must still apply the
			// terminal transition, or nothing ever will
			if exited, _ := h.Poll(); exited {
				s.handleExit(rec, h, onCrash)
			}
			return
		case <-h.Done():
			s.handleExit(rec, h, onCrash)
			return
		case <-ticker.C:
			if exited, _ := h.Poll(); exited {
				s.handleExit(rec, h, onCrash)
				return
			}
		}
	}
}

// abortSpawn kills a child whose monitoring routines could not be installed
// and rolls the record back to IDLE. Used when a shutdown races the spawn.
func (s *Supervisor) abortSpawn(rec *loop.Record, h *loop.Handle) {
	h.ClaimExit()
	_ = h.Signal(syscall.SIGKILL)
	select {
	case <-h.Done():
	case <-time.After(killReapWait):
		slog.Warn("kill not confirmed within reap window", "project", rec.DisplayName())
	}
	s.removePIDFile(rec)
	rec.SetIdle(false)
}

// handleExit classifies an exit if this run's terminal transition is still
// unclaimed. Stop claims it up front, so a requested stop owns the outcome
// even when the watchdog wakes after Stop has returned.
func (s *Supervisor) handleExit(rec *loop.Record, h *loop.Handle, onCrash func(string)) {
	if h.ClaimExit() {
		s.classifyExit(rec, h, onCrash)
		s.removePIDFile(rec)
	}
	s.cancelRoutines(rec.ID())
}

func (s *Supervisor) removePIDFile(rec *loop.Record) {
	pf := detector.PIDFileDetector{PIDFile: PIDFilePath(rec.RootPath())}
	if err := pf.Remove(); err != nil {
		slog.Warn("failed to remove pid file", "project", rec.DisplayName(), "error", err)
	}
}

func (s *Supervisor) classifyExit(rec *loop.Record, h *loop.Handle, onCrash func(string)) {
	_, code := h.Poll()
	if code != 0 {
		msg := fmt.Sprintf("subprocess crashed with exit code %d", code)
		rec.SetError(msg)
		metrics.IncCrash(rec.DisplayName())
		if onCrash != nil {
			onCrash(msg)
		}
		return
	}
	rec.SetIdle(true)
	metrics.IncStop(rec.DisplayName())
}

// readOutput consumes the combined stdout+stderr stream line by line. Each
// line is sanitized to valid UTF-8, stored in the record's ring buffer, teed
// to the rotating loop.log when configured, and handed to onOutput. Per-record
// ordering is preserved because exactly one reader owns the stream.
func (s *Supervisor) readOutput(ctx context.Context, rec *loop.Record, h *loop.Handle, pr *os.File, onOutput func(string)) {
	defer s.wg.Done()

	// Unblock the scanner on cancellation; a blocking read would otherwise
	// outlive Shutdown while the child keeps the pipe open.
	go func() {
		select {
		case <-ctx.Done():
			_ = pr.Close()
		case <-h.Done():
		}
	}()
	defer func() { _ = pr.Close() }()

	var fileW io.WriteCloser
	if s.opts.LoopLog != nil {
		fileW = s.opts.LoopLog.Writer(filepath.Join(ControlDir(rec.RootPath()), "logs", "loop.log"))
		defer func() { _ = fileW.Close() }()
	}

	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.ToValidUTF8(strings.TrimRight(sc.Text(), "\r"), "�")
		rec.AddLog(line)
		if fileW != nil {
			_, _ = fileW.Write(append([]byte(line), '\n'))
		}
		if onOutput != nil {
			onOutput(line)
		}
	}
}

// Stop tears the subprocess down with escalation: stop.flag and a graceful
// wait (skipped when force is set), then SIGTERM, then SIGKILL with a short
// reap window. Cleanup always runs: monitoring routines are cancelled, both
// flag files removed, and the record set IDLE with success only for a
// confirmed zero exit. Returns false only when there was nothing to stop.
func (s *Supervisor) Stop(rec *loop.Record, force bool) bool {
	h := rec.Process()
	if h == nil {
		return false
	}
	// Stop owns the terminal transition from here on; the watchdog must not
	// reclassify this run no matter when it wakes up.
	h.ClaimExit()

	root := rec.RootPath()
	slog.Info("stopping loop subprocess",
		"project", rec.DisplayName(), "pid", h.PID(), "force", force)

	if !force {
		if err := touchFlag(StopFlagPath(root)); err != nil {
			slog.Warn("failed to write stop flag", "project", rec.DisplayName(), "error", err)
		}
		if s.pollUntilExit(h, s.opts.StopTimeout) {
			slog.Info("loop exited gracefully", "project", rec.DisplayName())
			s.cleanupStop(rec, h)
			return true
		}
	}

	if exited, _ := h.Poll(); !exited {
		slog.Warn("sending SIGTERM", "project", rec.DisplayName(), "pid", h.PID())
		if err := h.Signal(syscall.SIGTERM); err != nil {
			slog.Warn("SIGTERM failed (process may have exited)", "error", err)
		}
		if s.pollUntilExit(h, s.opts.SigtermWait) {
			s.cleanupStop(rec, h)
			return true
		}
	}

	if exited, _ := h.Poll(); !exited {
		slog.Warn("sending SIGKILL", "project", rec.DisplayName(), "pid", h.PID())
		if err := h.Signal(syscall.SIGKILL); err != nil {
			slog.Warn("SIGKILL failed", "error", err)
		}
		// Best-effort reap; an unconfirmed kill still proceeds to cleanup.
		select {
		case <-h.Done():
		case <-time.After(killReapWait):
			slog.Warn("kill not confirmed within reap window", "project", rec.DisplayName())
		}
	}

	s.cleanupStop(rec, h)
	return true
}

func (s *Supervisor) pollUntilExit(h *loop.Handle, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if exited, _ := h.Poll(); exited {
			return true
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return false
		}
		wait := stopPollInterval
		if remain < wait {
			wait = remain
		}
		select {
		case <-h.Done():
			return true
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) cleanupStop(rec *loop.Record, h *loop.Handle) {
	s.cancelRoutines(rec.ID())

	root := rec.RootPath()
	if err := removeFlag(StopFlagPath(root)); err != nil {
		slog.Warn("failed to remove stop flag", "error", err)
	}
	if err := removeFlag(PauseFlagPath(root)); err != nil {
		slog.Warn("failed to remove pause flag", "error", err)
	}
	s.removePIDFile(rec)

	exited, code := h.Poll()
	rec.SetIdle(exited && code == 0)
	metrics.IncStop(rec.DisplayName())
}

func (s *Supervisor) cancelRoutines(id string) {
	s.mu.Lock()
	cancel := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WritePauseFlag requests a pause from the subprocess. Advisory and
// idempotent; failure is logged, not returned.
func (s *Supervisor) WritePauseFlag(rec *loop.Record) bool {
	if err := touchFlag(PauseFlagPath(rec.RootPath())); err != nil {
		slog.Error("failed to write pause flag", "project", rec.DisplayName(), "error", err)
		return false
	}
	slog.Info("pause flag written", "project", rec.DisplayName())
	return true
}

// RemovePauseFlag lifts a pause request. Idempotent.
func (s *Supervisor) RemovePauseFlag(rec *loop.Record) bool {
	if err := removeFlag(PauseFlagPath(rec.RootPath())); err != nil {
		slog.Error("failed to remove pause flag", "project", rec.DisplayName(), "error", err)
		return false
	}
	slog.Info("pause flag removed", "project", rec.DisplayName())
	return true
}

// IsAlive probes pid with a zero-effect signal. "No such process" maps to
// false; any other failure (e.g. EPERM) is treated conservatively as alive.
func (s *Supervisor) IsAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}

// Shutdown stops accepting spawns, cancels every in-flight watchdog and
// reader, and waits for them to exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	slog.Info("supervisor shutdown complete")
}
