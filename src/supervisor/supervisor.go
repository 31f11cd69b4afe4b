// Package supervisor implements the Subprocess Supervisor (spec.md §4.6):
// it spawns the terminal-sharing subprocess with scoped credentials,
// watches its exit, and enforces a hard kill after a grace period.
//
// Grounded on the pack's handler/process/process.go ProcessManager: spawn
// via os/exec, capture stdout/stderr (not forwarded to clients, per
// spec.md §4.6), watch completion in a goroutine via cmd.Wait(), signal
// termination to the process group via syscall.Kill(-pid, sig). Narrowed from "any command, tracked
// by PID in a map" to "exactly one supervised subprocess per session,
// with a credential file and a hard-kill timer" — the coordinator owns at
// most one of these at a time (spec.md §4: at most one active session).
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Status mirrors the small status vocabulary the pack's process handler
// uses (constants/process.go), narrowed to what a single supervised
// subprocess can be.
type Status string

const (
	StatusRunning   Status = "running"
	StatusExited    Status = "exited"
	StatusKilled    Status = "killed"
	StatusFailed    Status = "failed"
)

// Spec describes how to spawn the terminal-sharing subprocess (spec.md
// §4.2 step 3): fixed port, single client, no reconnect, credentials
// delivered via a file rather than argv, and the security constraints on
// the workload container (memory cap, process-count cap, no extra
// capabilities, no new privileges).
type Spec struct {
	Command           string
	Port              int
	CredentialFilePath string
	MemoryLimitBytes   int64
	PidsLimit          int
}

// Handle is a spawned, supervised terminal-sharing subprocess.
type Handle struct {
	cmd    *exec.Cmd
	mu     sync.Mutex
	status Status

	stdout bytes.Buffer
	stderr bytes.Buffer

	exitCh chan struct{}
	once   sync.Once
}

// Spawn starts the terminal-sharing subprocess described by spec. Standard
// I/O is captured but never forwarded to clients (spec.md §4.6). Spawn
// failures are returned synchronously so the caller can surface an error
// frame, release the active slot it reserved, and advance the queue.
//
// The memory and process-count caps are applied with a shell-level ulimit
// wrapper (the workload container itself is additionally constrained by
// whatever runtime launches it; this is the in-process half of that
// contract). "No additional kernel capabilities" is applied directly via
// SysProcAttr.AmbientCaps; "no new privileges" has no SysProcAttr field on
// Linux, so it's set as a pre-exec step via setpriv(1), which wraps
// prctl(PR_SET_NO_NEW_PRIVS) before handing off to the real command.
func Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	shellCmd := fmt.Sprintf(
		"ulimit -v %d; ulimit -u %d; exec %s --port %d --once --writable -t disableReconnect=true",
		spec.MemoryLimitBytes/1024, spec.PidsLimit, spec.Command, spec.Port,
	)
	cmd := exec.CommandContext(ctx, "setpriv", "--no-new-privs", "--", "sh", "-c", shellCmd)

	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"SESSION_ENV_FILE=" + spec.CredentialFilePath,
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:     true,
		AmbientCaps: []uintptr{},
	}

	h := &Handle{status: StatusRunning, exitCh: make(chan struct{})}
	cmd.Stdout = &h.stdout
	cmd.Stderr = &h.stderr
	h.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn terminal subprocess: %w", err)
	}

	go h.watch()

	return h, nil
}

// watch runs cmd.Wait() and marks the handle exited, the way the pack's
// ProcessManager.StartProcessWithName watches completion in a goroutine.
func (h *Handle) watch() {
	err := h.cmd.Wait()

	h.mu.Lock()
	if h.status == StatusRunning {
		if err != nil {
			h.status = StatusFailed
		} else {
			h.status = StatusExited
		}
	}
	h.mu.Unlock()

	h.logOutputOnFailure()
	h.markDone()
}

func (h *Handle) markDone() {
	h.once.Do(func() { close(h.exitCh) })
}

// Done returns a channel closed when the subprocess has exited, for the
// coordinator's "watch the subprocess for exit" step (spec.md §4.2 step 10).
func (h *Handle) Done() <-chan struct{} {
	return h.exitCh
}

// Status returns the current observed status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Terminate sends a soft-kill signal (SIGTERM to the process group), used
// on normal session end (spec.md §4.2 "End" step 3).
func (h *Handle) Terminate() error {
	return h.signal(syscall.SIGTERM)
}

// Kill force-kills the process group, used by the hard-timeout timer
// (spec.md §4.2 step 9, "hard kill signal").
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.status = StatusKilled
	h.mu.Unlock()
	return h.signal(syscall.SIGKILL)
}

func (h *Handle) signal(sig syscall.Signal) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("failed to signal terminal subprocess: %w", err)
	}
	return nil
}

// WaitExited blocks until the subprocess has exited or the timeout
// elapses, returning whether it exited in time.
func (h *Handle) WaitExited(timeout time.Duration) bool {
	select {
	case <-h.exitCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// NewHandleForTest returns a Handle with no underlying process, for
// packages that depend on supervisor.Handle but must not fork a real
// subprocess in tests (e.g. the coordinator). SimulateExit is the only
// supported way to end it.
func NewHandleForTest() *Handle {
	return &Handle{status: StatusRunning, exitCh: make(chan struct{})}
}

// SimulateExit marks a test handle exited and closes Done(), mirroring
// what watch() does for a real subprocess. Valid only on handles created
// by NewHandleForTest.
func (h *Handle) SimulateExit() {
	h.mu.Lock()
	h.status = StatusExited
	h.mu.Unlock()
	h.markDone()
}

// logOutputOnFailure logs the captured stdout/stderr when the subprocess
// exited with an error, for diagnosing spawn/crash failures — never
// forwarded to clients.
func (h *Handle) logOutputOnFailure() {
	if h.Status() != StatusFailed {
		return
	}
	logrus.Warnf("terminal subprocess exited abnormally: stdout=%q stderr=%q", h.stdout.String(), h.stderr.String())
}
