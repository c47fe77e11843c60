package procutil

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Detach puts cmd in its own process group so the whole tree can be signalled.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// SignalGroup sends sig to the process group led by cmd's process. A process
// that already exited is not an error.
func SignalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Terminate sends SIGTERM to the group, waits up to grace for done to close,
// then sends SIGKILL and waits a further two seconds.
func Terminate(cmd *exec.Cmd, done <-chan struct{}, grace time.Duration) error {
	if err := SignalGroup(cmd, syscall.SIGTERM); err != nil {
		return err
	}
	if grace > 0 {
		select {
		case <-done:
			return nil
		case <-time.After(grace):
		}
	}
	if err := SignalGroup(cmd, syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for process exit after SIGKILL")
	}
}

// Handle tracks the one subprocess currently running so an operator interrupt
// can terminate it from another goroutine.
type Handle struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	done  <-chan struct{}
	grace time.Duration
}

// Set records the running subprocess. done must close when it exits.
func (h *Handle) Set(cmd *exec.Cmd, done <-chan struct{}, grace time.Duration) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmd = cmd
	h.done = done
	h.grace = grace
}

func (h *Handle) Clear() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmd = nil
	h.done = nil
}

// PID of the tracked subprocess, or 0.
func (h *Handle) PID() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Terminate stops the tracked subprocess gracefully, then forcefully. It is a
// no-op when nothing is running.
func (h *Handle) Terminate() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	cmd, done, grace := h.cmd, h.done, h.grace
	h.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return Terminate(cmd, done, grace)
}
