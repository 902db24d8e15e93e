//go:build !windows

package detector

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// pidAlive returns true if a process with the given pid exists (or EPERM).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDFileDetector detects a loop subprocess via its pid file. The file
// carries the pid on the first line and the spawn unix timestamp on the
// second; the timestamp guards against pid reuse across control-plane
// restarts.
type PIDFileDetector struct {
	PIDFile string
}

// Read returns the recorded pid and spawn time. A missing file yields
// (0, 0, nil): no run was in flight.
func (d PIDFileDetector) Read() (pid int, startUnix int64, err error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", d.PIDFile, err)
	}
	if len(lines) >= 2 {
		startUnix, _ = strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	}
	return pid, startUnix, nil
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, startUnix, err := d.Read()
	if err != nil || pid == 0 {
		return false, err
	}
	if startUnix > 0 {
		if cur := procStartUnix(pid); cur > 0 && cur != startUnix {
			return false, nil // pid reused, not our subprocess
		}
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// Write records a running subprocess.
func (d PIDFileDetector) Write(pid int, startUnix int64) error {
	content := fmt.Sprintf("%d\n%d\n", pid, startUnix)
	return os.WriteFile(d.PIDFile, []byte(content), 0o600)
}

// Remove deletes the pid file. Missing files are fine.
func (d PIDFileDetector) Remove() error {
	err := os.Remove(d.PIDFile)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// StartUnix exposes the platform start-time probe for callers that record
// pid files.
func StartUnix(pid int) int64 { return procStartUnix(pid) }

// PIDDetector detects by a provided pid number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
