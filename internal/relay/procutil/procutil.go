// Package procutil answers liveness questions about pids recorded on the
// blackboard and stops the process groups the adapter starts.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDAlive reports whether pid names a live process. A zombie counts as
// dead; EPERM counts as alive (the process exists under another user).
func PIDAlive(pid int) bool {
	if pid <= 0 || PIDZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDZombie reports whether pid has exited but not been reaped.
func PIDZombie(pid int) bool {
	state, ok := processState(pid)
	return ok && (state == 'Z' || state == 'X')
}

// processState returns the scheduler state letter of pid from /proc, or
// from ps(1) where there is no procfs.
func processState(pid int) (byte, bool) {
	if _, err := os.Stat("/proc/self/stat"); err == nil {
		b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
		if err != nil {
			return 0, false
		}
		// The command name may contain ')' so the state follows the last one.
		line := string(b)
		i := strings.LastIndexByte(line, ')')
		if i < 0 || i+2 >= len(line) {
			return 0, false
		}
		return line[i+2], true
	}
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return 0, false
	}
	return state[0], true
}

// ReadPIDFile returns the pid recorded in path, or 0 when the file is absent
// or unparsable.
func ReadPIDFile(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
