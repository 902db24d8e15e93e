package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bmad-assist/loopd/internal/logger"
	"github.com/bmad-assist/loopd/internal/registry"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRegisterCommand(globalFlags),
		createUnregisterCommand(globalFlags),
		createListCommand(globalFlags),
		createScanCommand(globalFlags),
		createReconcileCommand(globalFlags),
		createRunCommand(globalFlags),
		createHistoryCommand(globalFlags),
		createServeCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "loopd",
		Short: "Project loop supervision daemon",
		Long: `Loopd registers bmad-assist projects, supervises their loop
subprocesses, and arbitrates starts against a concurrency cap.

Examples:
  loopd register --path=/work/myproject
  loopd list
  loopd serve                       # Run the control plane
  loopd run --id=<uuid>             # Run one loop in the foreground`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.ConfigDir == "" {
				flags.ConfigDir = registry.DefaultConfigDir()
			}
			logger.Setup(flags.LogLevel, "", logger.FileConfig{})
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flags.ConfigDir, "config-dir", "", "config directory (default: user config dir)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return root
}

// createRegisterCommand creates the register subcommand.
func createRegisterCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RegisterFlags{}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a project",
		Long: `Register a project directory so its loop can be supervised.
The path must exist; re-registering an already-known path returns the
existing project ID.

Examples:
  loopd register --path=/work/myproject
  loopd register --path=/work/myproject --name="My Project"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Register(*flags)
		},
	}

	cmd.Flags().StringVar(&flags.Path, "path", "", "project root path (required)")
	cmd.Flags().StringVar(&flags.DisplayName, "name", "", "display name (defaults to directory name)")

	if err := cmd.MarkFlagRequired("path"); err != nil {
		panic(err)
	}
	return cmd
}

// createUnregisterCommand creates the unregister subcommand.
func createUnregisterCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &UnregisterFlags{}

	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Unregister a project",
		Long: `Remove a project from the registry. Projects with an active
loop cannot be unregistered.

Example:
  loopd unregister --id=<uuid>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Unregister(*flags)
		},
	}

	cmd.Flags().StringVar(&flags.ID, "id", "", "project id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

// createListCommand creates the list subcommand.
func createListCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.List()
		},
	}
	return cmd
}

// createScanCommand creates the scan subcommand.
func createScanCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ScanFlags{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a directory for projects",
		Long: `Scan the immediate subdirectories of a directory and register
every one that looks like a bmad-assist project (contains a .bmad-assist
directory) and is not registered yet.

Example:
  loopd scan --dir=/work`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Scan(*flags)
		},
	}

	cmd.Flags().StringVar(&flags.Dir, "dir", "", "directory to scan (required)")
	if err := cmd.MarkFlagRequired("dir"); err != nil {
		panic(err)
	}
	return cmd
}

// createReconcileCommand creates the reconcile subcommand.
func createReconcileCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile registry state",
		Long: `Reset stale loop state left behind by an unclean shutdown:
projects whose path has vanished are marked errored, stray control flags
are deleted, and non-idle states are reset.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Reconcile()
		},
	}
	return cmd
}

// createRunCommand creates the run subcommand.
func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one project loop in the foreground",
		Long: `Start the loop for a project and stream its output until it
exits. Ctrl-C triggers the graceful stop escalation (stop.flag, then
SIGTERM, then SIGKILL).

Example:
  loopd run --id=<uuid>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Run(*flags)
		},
	}

	cmd.Flags().StringVar(&flags.ID, "id", "", "project id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

// createHistoryCommand creates the history subcommand.
func createHistoryCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &HistoryFlags{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.History(*flags)
		},
	}

	cmd.Flags().StringVar(&flags.ID, "id", "", "project id (required)")
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "maximum runs to show")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

// createServeCommand creates the serve subcommand.
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the loopd control plane",
		Long: `Run the control plane: reconcile stale state, optionally scan
for new projects, expose Prometheus metrics when configured, and keep
supervising loops until SIGINT or SIGTERM.

Examples:
  loopd serve
  loopd serve --scan-dir=/work`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCommand(globalFlags)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Serve(*flags)
		},
	}

	cmd.Flags().StringVar(&flags.ScanDir, "scan-dir", "", "directory to scan for projects at startup")
	return cmd
}

// displayNameFor derives a display name from a path when none was given.
func displayNameFor(path, name string) string {
	if name != "" {
		return name
	}
	return filepath.Base(path)
}
