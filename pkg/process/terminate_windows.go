//go:build windows

package process

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/artemis-ops/artemis-keeper/pkg/processstate"
)

// Windows console operation lock to prevent race conditions
var consoleOperationLock sync.Mutex

// SendTerminationSignal delivers a Ctrl+Break event to the child's process
// group. For a PID known to be dead it instead applies the AttachConsole
// hack that restores the keeper's own Ctrl+C handling.
func SendTerminationSignal(pid int, isDead bool, timeout time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}

	consoleOperationLock.Lock()
	defer consoleOperationLock.Unlock()

	if isDead {
		isRunning, _ := processstate.IsProcessRunning(pid)
		isDead = !isRunning
	}

	dll, err := syscall.LoadDLL("kernel32.dll")
	if err != nil {
		return fmt.Errorf("failed to load kernel32.dll: %v", err)
	}
	defer dll.Release()

	if isDead {
		return consoleSignalFix(dll, pid)
	}
	return sendCtrlBreakToProcessSafe(dll, pid, timeout)
}

// SendKillSignal is not meaningful as a signal on Windows; callers use
// os.Process.Kill which maps to TerminateProcess.
func SendKillSignal(pid int) error {
	return fmt.Errorf("kill signal not supported on windows, use Process.Kill")
}

// consoleSignalFix attaches to a dead PID's console, which resets console
// signal state as a side effect. Failure is the expected outcome.
func consoleSignalFix(dll *syscall.DLL, deadPID int) error {
	if err := attachConsole(dll, deadPID); err != nil {
		return nil
	}
	return fmt.Errorf("warning: AttachConsole unexpectedly succeeded for PID %d", deadPID)
}

// sendCtrlBreakToProcessSafe sends Ctrl+Break with timeout protection
func sendCtrlBreakToProcessSafe(dll *syscall.DLL, pid int, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- generateConsoleCtrlEvent(dll, pid)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send Ctrl+Break to PID %d: %v", pid, err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout sending Ctrl+Break to PID %d after %v", pid, timeout)
	}
}

func attachConsole(dll *syscall.DLL, pid int) error {
	proc, err := dll.FindProc("AttachConsole")
	if err != nil {
		return err
	}

	result, _, err := proc.Call(uintptr(pid))
	if result == 0 {
		return err
	}
	return nil
}

func generateConsoleCtrlEvent(dll *syscall.DLL, pid int) error {
	proc, err := dll.FindProc("GenerateConsoleCtrlEvent")
	if err != nil {
		return err
	}

	result, _, err := proc.Call(
		uintptr(syscall.CTRL_BREAK_EVENT),
		uintptr(pid),
	)
	if result == 0 {
		return err
	}
	return nil
}
