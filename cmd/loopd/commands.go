package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bmad-assist/loopd"
	"github.com/bmad-assist/loopd/internal/logger"
	"github.com/bmad-assist/loopd/internal/metrics"
	"github.com/bmad-assist/loopd/internal/store"
)

type command struct {
	cfg  *loopd.Config
	orch *loopd.Orchestrator
}

// newCommand loads configuration and builds an orchestrator for one CLI
// invocation.
func newCommand(globalFlags *GlobalFlags) (*command, error) {
	cfg, err := loopd.LoadConfig(globalFlags.ConfigDir)
	if err != nil {
		return nil, err
	}
	if globalFlags.LogLevel != "" {
		cfg.Log.Level = globalFlags.LogLevel
	}
	orch, err := loopd.New(cfg)
	if err != nil {
		return nil, err
	}
	return &command{cfg: cfg, orch: orch}, nil
}

func (c *command) Close() { c.orch.Shutdown() }

// Register registers one project and prints its ID.
func (c *command) Register(f RegisterFlags) error {
	id, err := c.orch.Registry().Register(f.Path, displayNameFor(f.Path, f.DisplayName))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

// Unregister removes one project from the registry.
func (c *command) Unregister(f UnregisterFlags) error {
	return c.orch.Registry().Unregister(f.ID)
}

// List prints all registered projects as JSON.
func (c *command) List() error {
	return printJSON(c.orch.Registry().ListAll())
}

// Scan registers every project found under a directory and prints the new IDs.
func (c *command) Scan(f ScanFlags) error {
	ids := c.orch.Registry().ScanDirectory(f.Dir)
	for _, id := range ids {
		fmt.Println(id)
	}
	fmt.Fprintf(os.Stderr, "registered %d project(s)\n", len(ids))
	return nil
}

// Reconcile resets stale loop state and reports broken projects.
func (c *command) Reconcile() error {
	broken := c.orch.Reconcile()
	for _, id := range broken {
		fmt.Fprintf(os.Stderr, "broken project path: %s\n", id)
	}
	return nil
}

// Run starts one loop and streams its output until it exits. Ctrl-C stops
// the loop through the normal escalation before returning.
func (c *command) Run(f RunFlags) error {
	rec, err := c.orch.Registry().Get(f.ID)
	if err != nil {
		return err
	}

	c.orch.OnOutput = func(id, line string) {
		if id == f.ID {
			fmt.Println(line)
		}
	}

	queued, pos, err := c.orch.StartLoop(f.ID)
	if err != nil {
		return err
	}
	if queued {
		return fmt.Errorf("loop queued at position %d; no capacity in foreground mode", pos)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "stopping loop...")
			if _, err := c.orch.StopLoop(f.ID, false); err != nil {
				return err
			}
		case <-t.C:
			if !rec.IsActive() {
				if msg := rec.ErrorMessage(); msg != "" {
					return fmt.Errorf("loop failed: %s", msg)
				}
				return nil
			}
		}
	}
}

// History prints the most recent persisted runs for a project.
func (c *command) History(f HistoryFlags) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runs, err := c.orch.RunHistory(ctx, f.ID, f.Limit)
	if err != nil {
		return err
	}
	rows := make([]runRow, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, newRunRow(r))
	}
	return printJSON(rows)
}

// runRow is the JSON shape the history command prints per run.
type runRow struct {
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
	StoppedAt string `json:"stopped_at,omitempty"`
	ExitCode  *int64 `json:"exit_code,omitempty"`
	Crashed   bool   `json:"crashed"`
}

func newRunRow(r store.RunRecord) runRow {
	out := runRow{
		PID:       r.PID,
		StartedAt: r.StartedAt.Format(time.RFC3339),
		Crashed:   r.Crashed,
	}
	if r.StoppedAt.Valid {
		out.StoppedAt = r.StoppedAt.Time.Format(time.RFC3339)
	}
	if r.ExitCode.Valid {
		code := r.ExitCode.Int64
		out.ExitCode = &code
	}
	return out
}

// Serve runs the control plane until SIGINT or SIGTERM.
func (c *command) Serve(f ServeFlags) error {
	logger.Setup(c.cfg.Log.Level, c.cfg.Log.File, c.cfg.Log.Ring)

	if err := metrics.RegisterDefault(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to register metrics: %v\n", err)
	}
	var metricsSrv interface{ Close() error }
	if c.cfg.Metrics.Listen != "" {
		metricsSrv = metrics.Serve(c.cfg.Metrics.Listen)
		fmt.Printf("Serving metrics on %s/metrics\n", c.cfg.Metrics.Listen)
	}

	broken := c.orch.Reconcile()
	for _, id := range broken {
		fmt.Fprintf(os.Stderr, "broken project path: %s\n", id)
	}

	if f.ScanDir != "" {
		ids := c.orch.Registry().ScanDirectory(f.ScanDir)
		fmt.Printf("Scan registered %d project(s)\n", len(ids))
	}

	c.orch.StartJanitor(time.Minute, 30*24*time.Hour)

	fmt.Printf("loopd control plane running (config dir %s)\n", c.cfg.ConfigDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
