//go:build !windows

package process

import (
	"syscall"
	"time"
)

// SendTerminationSignal sends SIGTERM to the process group on Unix systems.
// The negative PID targets the whole process tree.
func SendTerminationSignal(pid int, isDead bool, timeout time.Duration) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// SendKillSignal sends SIGKILL to the process group on Unix systems.
func SendKillSignal(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
