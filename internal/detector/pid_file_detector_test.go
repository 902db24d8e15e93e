//go:build !windows

package detector

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileDetectorMissingFile(t *testing.T) {
	d := PIDFileDetector{PIDFile: filepath.Join(t.TempDir(), "loop.pid")}
	pid, start, err := d.Read()
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.Zero(t, start)

	alive, err := d.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
	require.NoError(t, d.Remove())
}

func TestPIDFileDetectorRoundTrip(t *testing.T) {
	d := PIDFileDetector{PIDFile: filepath.Join(t.TempDir(), "loop.pid")}
	self := os.Getpid()
	require.NoError(t, d.Write(self, StartUnix(self)))

	pid, start, err := d.Read()
	require.NoError(t, err)
	assert.Equal(t, self, pid)
	assert.Equal(t, StartUnix(self), start)

	alive, err := d.Alive()
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, d.Remove())
	alive, err = d.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestPIDFileDetectorDeadProcess(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	d := PIDFileDetector{PIDFile: filepath.Join(t.TempDir(), "loop.pid")}
	require.NoError(t, d.Write(pid, 1))

	// either the pid is gone or its start time no longer matches
	alive, err := d.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestPIDFileDetectorInvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o600))
	d := PIDFileDetector{PIDFile: path}
	_, _, err := d.Read()
	require.Error(t, err)
}

func TestPIDDetector(t *testing.T) {
	alive, err := PIDDetector{PID: os.Getpid()}.Alive()
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = PIDDetector{PID: 0}.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
	assert.Contains(t, PIDDetector{PID: 7}.Describe(), "7")
}
