package loop

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
)

// Handle wraps a started subprocess. A dedicated waiter goroutine reaps the
// child as soon as it exits, so Poll never blocks and the exit code is
// available immediately after Done is closed. Exactly one Handle exists per
// run; the supervisor is its only writer.
type Handle struct {
	cmd *exec.Cmd
	pid int

	claimed atomic.Bool

	mu       sync.Mutex
	exited   bool
	exitCode int
	waitErr  error
	done     chan struct{}
}

// NewHandle adopts a command that was already started and begins reaping it.
func NewHandle(cmd *exec.Cmd) *Handle {
	h := &Handle{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	go h.wait()
	return h
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.waitErr = err
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) PID() int { return h.pid }

// Poll reports whether the process has exited and, if so, its exit code.
// A process killed by a signal reports code -1.
func (h *Handle) Poll() (exited bool, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.exitCode
}

// ClaimExit claims the right to apply this run's terminal state transition.
// Exactly one caller across the run's lifetime observes true; everyone else
// must leave the record alone.
func (h *Handle) ClaimExit() bool { return h.claimed.CompareAndSwap(false, true) }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// WaitErr returns the error from reaping, valid only after Done is closed.
func (h *Handle) WaitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Signal sends sig to the process. Sending to an already-gone process
// returns an error the caller may ignore.
func (h *Handle) Signal(sig syscall.Signal) error {
	return syscall.Kill(h.pid, sig)
}
