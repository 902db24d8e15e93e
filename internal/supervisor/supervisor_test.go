//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmad-assist/loopd/internal/detector"
	"github.com/bmad-assist/loopd/internal/loop"
)

// newTestProject writes a fake loop binary into a temp project root. The
// supervisor invokes `<binary> run --no-interactive --project <root>` with
// the project root as working directory, so with /bin/sh as the binary the
// "run" argument resolves to this script.
func newTestProject(t *testing.T, script string) *loop.Record {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run"), []byte(script), 0o755))
	return loop.NewRecord("test-id", dir, "testproj", 100)
}

func newTestSupervisor(opts Options) *Supervisor {
	opts.Binary = "/bin/sh"
	if opts.WatchdogInterval == 0 {
		opts.WatchdogInterval = 50 * time.Millisecond
	}
	return New(opts)
}

func waitState(t *testing.T, rec *loop.Record, want loop.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return rec.State() == want
	}, 5*time.Second, 20*time.Millisecond, "state never reached %s (last %s)", want, rec.State())
}

func TestSpawnRunsAndCompletes(t *testing.T) {
	rec := newTestProject(t, "echo hello loop\nsleep 0.3\nexit 0\n")
	s := newTestSupervisor(Options{})
	defer s.Shutdown()

	lines := make(chan string, 8)
	h, err := s.Spawn(rec, func(line string) {
		select {
		case lines <- line:
		default:
		}
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, loop.StateRunning, rec.State())
	assert.Same(t, h, rec.Process())
	assert.FileExists(t, PIDFilePath(rec.RootPath()))

	waitState(t, rec, loop.StateIdle)
	require.Eventually(t, func() bool {
		_, err := os.Stat(PIDFilePath(rec.RootPath()))
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond, "pid file not cleaned up")
	assert.Equal(t, loop.StatusSuccess, rec.LastStatus())
	assert.Nil(t, rec.Process())

	select {
	case line := <-lines:
		assert.Equal(t, "hello loop", line)
	case <-time.After(2 * time.Second):
		t.Fatal("output callback never fired")
	}
	assert.Contains(t, rec.GetLogs(0), "hello loop")
}

func TestSpawnCrashSetsError(t *testing.T) {
	rec := newTestProject(t, "echo about to fail\nsleep 0.3\nexit 1\n")
	s := newTestSupervisor(Options{})
	defer s.Shutdown()

	var crashes atomic.Int32
	var lastMsg atomic.Value
	_, err := s.Spawn(rec, nil, func(msg string) {
		crashes.Add(1)
		lastMsg.Store(msg)
	})
	require.NoError(t, err)

	waitState(t, rec, loop.StateError)
	assert.Equal(t, loop.StatusFailed, rec.LastStatus())
	assert.Contains(t, rec.ErrorMessage(), "exit code 1")
	assert.Nil(t, rec.Process())

	require.Eventually(t, func() bool { return crashes.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, lastMsg.Load().(string), "exit code 1")
	// the watchdog classifies a crash exactly once
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), crashes.Load())
}

func TestSpawnImmediateExit(t *testing.T) {
	rec := newTestProject(t, "exit 7\n")
	s := newTestSupervisor(Options{StartupGrace: 500 * time.Millisecond})
	defer s.Shutdown()

	_, err := s.Spawn(rec, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited immediately")
	assert.Contains(t, err.Error(), "7")
	assert.Equal(t, loop.StateIdle, rec.State())
}

func TestSpawnBadBinary(t *testing.T) {
	dir := t.TempDir()
	rec := loop.NewRecord("test-id", dir, "testproj", 10)
	s := New(Options{Binary: filepath.Join(dir, "no-such-binary")})
	defer s.Shutdown()

	_, err := s.Spawn(rec, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to spawn")
}

func TestStopHonorsStopFlag(t *testing.T) {
	rec := newTestProject(t, `
while [ ! -e .bmad-assist/stop.flag ]; do sleep 0.05; done
exit 0
`)
	s := newTestSupervisor(Options{StopTimeout: 5 * time.Second})
	defer s.Shutdown()

	_, err := s.Spawn(rec, nil, nil)
	require.NoError(t, err)

	require.True(t, s.Stop(rec, false))
	assert.Equal(t, loop.StateIdle, rec.State())
	assert.Equal(t, loop.StatusSuccess, rec.LastStatus())
	assert.NoFileExists(t, StopFlagPath(rec.RootPath()))
	assert.NoFileExists(t, PauseFlagPath(rec.RootPath()))
	assert.NoFileExists(t, PIDFilePath(rec.RootPath()))
}

func TestStopEscalatesToKill(t *testing.T) {
	// ignores both the stop flag and SIGTERM
	rec := newTestProject(t, `
trap '' TERM
while true; do sleep 0.05; done
`)
	s := newTestSupervisor(Options{
		StopTimeout: 300 * time.Millisecond,
		SigtermWait: 300 * time.Millisecond,
	})
	defer s.Shutdown()

	h, err := s.Spawn(rec, nil, nil)
	require.NoError(t, err)
	pid := h.PID()

	require.True(t, s.Stop(rec, false))
	assert.Equal(t, loop.StateIdle, rec.State())
	// killed, not a clean exit
	assert.Equal(t, loop.StatusFailed, rec.LastStatus())
	assert.False(t, s.IsAlive(pid))
	assert.NoFileExists(t, StopFlagPath(rec.RootPath()))
}

func TestStopOutcomeStableAfterKill(t *testing.T) {
	for i := 0; i < 3; i++ {
		rec := newTestProject(t, `
trap '' TERM
while true; do sleep 0.05; done
`)
		s := newTestSupervisor(Options{
			StopTimeout: 200 * time.Millisecond,
			SigtermWait: 200 * time.Millisecond,
		})
		var crashes atomic.Int32
		_, err := s.Spawn(rec, nil, func(string) { crashes.Add(1) })
		require.NoError(t, err)

		require.True(t, s.Stop(rec, true))
		require.Equal(t, loop.StateIdle, rec.State())

		// the watchdog may only wake on the exit after Stop has returned;
		// it must not reclassify the killed run as a crash
		time.Sleep(300 * time.Millisecond)
		assert.Equal(t, loop.StateIdle, rec.State(), "iteration %d", i)
		assert.Empty(t, rec.ErrorMessage(), "iteration %d", i)
		assert.Equal(t, int32(0), crashes.Load(), "iteration %d", i)
		s.Shutdown()
	}
}

func TestAbortSpawnKillsChild(t *testing.T) {
	rec := newTestProject(t, "")
	require.NoError(t, os.MkdirAll(ControlDir(rec.RootPath()), 0o750))

	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	require.NoError(t, cmd.Start())
	h := loop.NewHandle(cmd)
	rec.SetRunning(h)
	pf := detector.PIDFileDetector{PIDFile: PIDFilePath(rec.RootPath())}
	require.NoError(t, pf.Write(h.PID(), detector.StartUnix(h.PID())))

	s := newTestSupervisor(Options{})
	defer s.Shutdown()
	s.abortSpawn(rec, h)

	assert.Equal(t, loop.StateIdle, rec.State())
	assert.Equal(t, loop.StatusFailed, rec.LastStatus())
	assert.Nil(t, rec.Process())
	assert.NoFileExists(t, PIDFilePath(rec.RootPath()))
	assert.False(t, s.IsAlive(h.PID()))
}

func TestStopForceSkipsGracefulWait(t *testing.T) {
	rec := newTestProject(t, "while true; do sleep 0.05; done\n")
	s := newTestSupervisor(Options{
		StopTimeout: 30 * time.Second,
		SigtermWait: 2 * time.Second,
	})
	defer s.Shutdown()

	_, err := s.Spawn(rec, nil, nil)
	require.NoError(t, err)

	start := time.Now()
	require.True(t, s.Stop(rec, true))
	// force skips the 30s stop.flag wait and goes straight to SIGTERM
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, loop.StateIdle, rec.State())
}

func TestStopWithoutProcess(t *testing.T) {
	rec := newTestProject(t, "exit 0\n")
	s := newTestSupervisor(Options{})
	defer s.Shutdown()
	assert.False(t, s.Stop(rec, false))
}

func TestPauseFlagRoundTrip(t *testing.T) {
	rec := newTestProject(t, "exit 0\n")
	s := newTestSupervisor(Options{})
	defer s.Shutdown()

	require.True(t, s.WritePauseFlag(rec))
	assert.FileExists(t, PauseFlagPath(rec.RootPath()))

	// idempotent
	require.True(t, s.WritePauseFlag(rec))

	require.True(t, s.RemovePauseFlag(rec))
	assert.NoFileExists(t, PauseFlagPath(rec.RootPath()))
	require.True(t, s.RemovePauseFlag(rec))
}

func TestIsAlive(t *testing.T) {
	s := newTestSupervisor(Options{})
	defer s.Shutdown()

	assert.True(t, s.IsAlive(os.Getpid()))

	rec := newTestProject(t, "sleep 5\n")
	h, err := s.Spawn(rec, nil, nil)
	require.NoError(t, err)
	assert.True(t, s.IsAlive(h.PID()))

	require.NoError(t, h.Signal(syscall.SIGKILL))
	<-h.Done()
	require.Eventually(t, func() bool { return !s.IsAlive(h.PID()) },
		2*time.Second, 20*time.Millisecond)
}

func TestShutdownCancelsRoutines(t *testing.T) {
	rec := newTestProject(t, "while true; do sleep 0.05; done\n")
	s := newTestSupervisor(Options{})

	h, err := s.Spawn(rec, nil, nil)
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		s.Shutdown()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	_, err = s.Spawn(rec, nil, nil)
	assert.ErrorIs(t, err, ErrShutdown)

	_ = h.Signal(syscall.SIGKILL)
	<-h.Done()
}

func TestFlagPaths(t *testing.T) {
	assert.Equal(t, "/p/.bmad-assist", ControlDir("/p"))
	assert.Equal(t, "/p/.bmad-assist/stop.flag", StopFlagPath("/p"))
	assert.Equal(t, "/p/.bmad-assist/pause.flag", PauseFlagPath("/p"))
}
