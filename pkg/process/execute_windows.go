//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes configures Windows-specific process attributes.
// CREATE_NEW_PROCESS_GROUP lets SendTerminationSignal deliver Ctrl+Break to
// the child without disturbing the keeper's own console signal handling.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
