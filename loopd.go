// Package loopd is the embeddable control plane for bmad-assist project
// loops: it composes the project registry, the process supervisor, run
// history and metrics into the surface an API layer calls.
package loopd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bmad-assist/loopd/internal/config"
	"github.com/bmad-assist/loopd/internal/history"
	chsink "github.com/bmad-assist/loopd/internal/history/clickhouse"
	"github.com/bmad-assist/loopd/internal/loop"
	"github.com/bmad-assist/loopd/internal/metrics"
	"github.com/bmad-assist/loopd/internal/registry"
	"github.com/bmad-assist/loopd/internal/store"
	storefactory "github.com/bmad-assist/loopd/internal/store/factory"
	"github.com/bmad-assist/loopd/internal/supervisor"
)

// Re-exported types so embedders do not import internal packages.
type (
	Config   = config.Config
	Record   = loop.Record
	State    = loop.State
	Summary  = loop.Summary
	Store    = store.Store
	Sink     = history.Sink
	RunEvent = history.Event
)

// LoadConfig reads server.yaml from configDir with defaults applied.
func LoadConfig(configDir string) (*Config, error) { return config.Load(configDir) }

// Orchestrator arbitrates loop starts against the concurrency cap, spawns
// and stops subprocesses through the supervisor, pumps the admission queue
// whenever a slot frees up, and mirrors lifecycle events to the run-history
// store and any configured sinks.
type Orchestrator struct {
	cfg *config.Config
	reg *registry.Registry
	sup *supervisor.Supervisor
	st  store.Store

	// OnOutput and OnCrash, when set before any loop starts, receive
	// per-record output lines and crash messages (for SSE fan-out).
	OnOutput func(id, line string)
	OnCrash  func(id, message string)

	mu   sync.Mutex
	runs map[string]string // record id -> uniq of the current run

	sinkMu sync.Mutex
	sinks  []history.Sink

	janitorStop chan struct{}
}

// New wires an Orchestrator from configuration. The run-history store is
// opened from cfg.Store.DSN; a ClickHouse sink is attached when configured
// (sink failures are logged, not fatal: history is best-effort).
func New(cfg *config.Config) (*Orchestrator, error) {
	reg, err := registry.New(registry.Options{
		ConfigDir:          cfg.ConfigDir,
		MaxConcurrentLoops: cfg.Server.MaxConcurrentLoops,
		QueueMaxSize:       cfg.Server.QueueMaxSize,
		LogBufferSize:      cfg.Server.LogBufferSize,
	})
	if err != nil {
		return nil, err
	}
	sup := supervisor.New(supervisor.Options{
		Binary:           cfg.Server.Binary,
		WatchdogInterval: cfg.Server.WatchdogInterval(),
		StopTimeout:      cfg.Server.SubprocessTimeout(),
		SigtermWait:      cfg.Server.SigtermWait(),
		LoopLog:          &cfg.Log.Ring,
	})
	st, err := storefactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open run-history store: %w", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("ensure run-history schema: %w", err)
	}
	o := &Orchestrator{
		cfg:  cfg,
		reg:  reg,
		sup:  sup,
		st:   st,
		runs: make(map[string]string),
	}
	if cfg.History.ClickHouseAddr != "" {
		table := cfg.History.ClickHouseTable
		if table == "" {
			table = "loop_history"
		}
		sink, err := chsink.New(cfg.History.ClickHouseAddr, table)
		if err != nil {
			slog.Error("clickhouse sink unavailable", "error", err)
		} else {
			o.sinks = append(o.sinks, sink)
		}
	}
	return o, nil
}

// Registry exposes lookups and queue operations to the API layer.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Supervisor exposes pause-flag and liveness helpers to the API layer.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor { return o.sup }

// AddSink attaches an additional history sink.
func (o *Orchestrator) AddSink(s history.Sink) {
	o.sinkMu.Lock()
	o.sinks = append(o.sinks, s)
	o.sinkMu.Unlock()
}

// StartLoop starts the loop for id, or enqueues it when the concurrency cap
// is reached. Returns queued=true and the 1-based position in that case.
func (o *Orchestrator) StartLoop(id string) (queued bool, position int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, err := o.reg.Get(id)
	if err != nil {
		return false, 0, err
	}
	if rec.IsActive() {
		return false, 0, fmt.Errorf("loop already active for %s", rec.DisplayName())
	}
	if !o.reg.CanStartLoop() {
		pos, err := o.reg.Enqueue(id)
		if err != nil {
			return false, 0, err
		}
		o.updateGauges()
		return true, pos, nil
	}
	if err := o.spawnLocked(rec); err != nil {
		return false, 0, err
	}
	o.updateGauges()
	return false, 0, nil
}

// StopLoop stops the loop for id. With force, the graceful stop.flag stage
// is skipped. Returns whether a subprocess was actually stopped. A freed
// slot immediately admits the next queued loop.
func (o *Orchestrator) StopLoop(id string, force bool) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, err := o.reg.Get(id)
	if err != nil {
		return false, err
	}
	if rec.State() == loop.StateQueued {
		return o.reg.CancelQueue(id), nil
	}
	if rec.State() == loop.StateError {
		// stop on an errored loop clears it back to IDLE
		rec.SetIdle(false)
		return false, nil
	}
	stopped := o.sup.Stop(rec, force)
	o.pumpLocked()
	o.updateGauges()
	return stopped, nil
}

// PauseLoop asks a running loop to pause at its next phase boundary.
func (o *Orchestrator) PauseLoop(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, err := o.reg.Get(id)
	if err != nil {
		return err
	}
	if rec.State() != loop.StateRunning {
		return fmt.Errorf("loop not running for %s", rec.DisplayName())
	}
	o.sup.WritePauseFlag(rec)
	rec.SetPauseRequested()
	// acknowledgement is modeled as unconditional
	rec.SetPaused()
	// a paused loop no longer holds an execution slot
	o.pumpLocked()
	o.updateGauges()
	return nil
}

// ResumeLoop lifts a pause.
func (o *Orchestrator) ResumeLoop(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, err := o.reg.Get(id)
	if err != nil {
		return err
	}
	if rec.State() != loop.StatePaused {
		return fmt.Errorf("loop not paused for %s", rec.DisplayName())
	}
	o.sup.RemovePauseFlag(rec)
	rec.SetResumed()
	o.updateGauges()
	return nil
}

// CancelQueued removes id from the admission queue.
func (o *Orchestrator) CancelQueued(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	ok := o.reg.CancelQueue(id)
	o.updateGauges()
	return ok
}

// Reconcile delegates to the registry's startup reconciliation.
func (o *Orchestrator) Reconcile() []string {
	broken := o.reg.Reconcile()
	o.updateGauges()
	return broken
}

// RunHistory returns the most recent persisted runs for a project.
func (o *Orchestrator) RunHistory(ctx context.Context, id string, limit int) ([]store.RunRecord, error) {
	return o.st.RunsFor(ctx, id, limit)
}

// spawnLocked starts the subprocess for rec and begins tracking the run.
// Callers hold o.mu.
func (o *Orchestrator) spawnLocked(rec *loop.Record) error {
	rec.SetStarting()
	id := rec.ID()
	onOutput := func(line string) {
		if o.OnOutput != nil {
			o.OnOutput(id, line)
		}
	}
	onCrash := func(msg string) {
		if o.OnCrash != nil {
			o.OnCrash(id, msg)
		}
	}
	h, err := o.sup.Spawn(rec, onOutput, onCrash)
	if err != nil {
		rec.SetError(fmt.Sprintf("Failed to start loop: %v", err))
		return err
	}
	run := store.RunRecord{
		ProjectID: id,
		Path:      rec.RootPath(),
		PID:       h.PID(),
		StartedAt: time.Now().UTC(),
	}
	run.Uniq = run.Key()
	o.runs[id] = run.Uniq
	o.recordEvent(history.EventStart, run)
	if err := o.st.RecordStart(context.Background(), run); err != nil {
		slog.Error("failed to record run start", "project", rec.DisplayName(), "error", err)
	}
	go o.watchRun(rec, h, run)
	return nil
}

// watchRun waits for the run to end, persists the outcome, and pumps the
// queue so a freed slot is reused immediately.
func (o *Orchestrator) watchRun(rec *loop.Record, h *loop.Handle, run store.RunRecord) {
	<-h.Done()
	_, code := h.Poll()
	crashed := code != 0
	stoppedAt := time.Now().UTC()
	if err := o.st.RecordStop(context.Background(), run.Uniq, stoppedAt, code, crashed); err != nil {
		slog.Error("failed to record run stop", "project", rec.DisplayName(), "error", err)
	}
	run.StoppedAt.Time, run.StoppedAt.Valid = stoppedAt, true
	run.ExitCode.Int64, run.ExitCode.Valid = int64(code), true
	run.Crashed = crashed
	evt := history.EventStop
	if crashed {
		evt = history.EventCrash
	}
	o.recordEvent(evt, run)

	// the supervisor applies the terminal state transition; wait for the
	// slot to free before counting capacity
	for {
		st, ch := rec.StateWatch()
		if !st.OccupiesSlot() {
			break
		}
		<-ch
	}

	o.mu.Lock()
	delete(o.runs, rec.ID())
	o.pumpLocked()
	o.updateGauges()
	o.mu.Unlock()
}

// pumpLocked admits queued loops while capacity remains. Callers hold o.mu.
func (o *Orchestrator) pumpLocked() {
	for o.reg.CanStartLoop() {
		id := o.reg.Dequeue()
		if id == "" {
			return
		}
		rec, err := o.reg.Get(id)
		if err != nil {
			continue
		}
		slog.Info("admitting queued loop", "project", rec.DisplayName(), "id", id)
		if err := o.spawnLocked(rec); err != nil {
			slog.Error("failed to start queued loop",
				"project", rec.DisplayName(), "error", err)
		}
	}
}

func (o *Orchestrator) recordEvent(t history.EventType, run store.RunRecord) {
	o.sinkMu.Lock()
	sinks := append([]history.Sink(nil), o.sinks...)
	o.sinkMu.Unlock()
	if len(sinks) == 0 {
		return
	}
	evt := history.Event{Type: t, OccurredAt: time.Now().UTC(), Run: run}
	for _, s := range sinks {
		if err := s.Send(context.Background(), evt); err != nil {
			slog.Error("history sink send failed", "error", err)
		}
	}
}

func (o *Orchestrator) updateGauges() {
	metrics.SetRunningLoops(o.reg.RunningCount())
	metrics.SetQueuedLoops(o.reg.QueueLen())
}

// StartJanitor runs periodic housekeeping: persist the registry summary,
// refresh gauges, and purge completed runs older than retention.
func (o *Orchestrator) StartJanitor(interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	o.mu.Lock()
	if o.janitorStop != nil {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.janitorStop = stop
	o.mu.Unlock()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				o.reg.Save()
				o.updateGauges()
				if retention > 0 {
					if n, err := o.st.PurgeOlderThan(context.Background(), time.Now().Add(-retention)); err == nil && n > 0 {
						slog.Debug("purged old runs", "count", n)
					}
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopJanitor stops the housekeeping loop if running.
func (o *Orchestrator) StopJanitor() {
	o.mu.Lock()
	ch := o.janitorStop
	o.janitorStop = nil
	o.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Shutdown tears down the control plane: housekeeping, supervisor routines,
// a final registry save, the store and any sinks.
func (o *Orchestrator) Shutdown() {
	o.StopJanitor()
	o.sup.Shutdown()
	o.reg.Save()
	if err := o.st.Close(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("store close failed", "error", err)
	}
	o.sinkMu.Lock()
	sinks := o.sinks
	o.sinks = nil
	o.sinkMu.Unlock()
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
	slog.Info("orchestrator shutdown complete")
}
