package supervisor

import (
	"os"
	"path/filepath"
)

// Flag-file protocol shared with the supervised subprocess. The names and
// location are a fixed wire contract: the subprocess polls for these files
// inside its control directory and reacts to presence/absence.
const (
	ControlDirName = ".bmad-assist"
	StopFlagName   = "stop.flag"
	PauseFlagName  = "pause.flag"
)

// PIDFileName records the running subprocess inside the control directory.
// Unlike the flag files it is control-plane bookkeeping, not part of the
// subprocess contract: reconciliation uses it to find orphans.
const PIDFileName = "loop.pid"

// ControlDir returns the control directory for a project root.
func ControlDir(rootPath string) string {
	return filepath.Join(rootPath, ControlDirName)
}

// StopFlagPath returns the stop flag path for a project root.
func StopFlagPath(rootPath string) string {
	return filepath.Join(ControlDir(rootPath), StopFlagName)
}

// PauseFlagPath returns the pause flag path for a project root.
func PauseFlagPath(rootPath string) string {
	return filepath.Join(ControlDir(rootPath), PauseFlagName)
}

// PIDFilePath returns the pid file path for a project root.
func PIDFilePath(rootPath string) string {
	return filepath.Join(ControlDir(rootPath), PIDFileName)
}

func touchFlag(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func removeFlag(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
