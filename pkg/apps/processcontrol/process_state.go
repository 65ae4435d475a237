package processcontrol

import (
	"time"
)

// ProcessState is the lifecycle state of a process control.
type ProcessState string

const (
	ProcessStateIdle        ProcessState = "idle"         // No process, ready to start
	ProcessStateStarting    ProcessState = "starting"     // Spawn in progress
	ProcessStateRunning     ProcessState = "running"      // Process running
	ProcessStateStopping    ProcessState = "stopping"     // Graceful shutdown in progress
	ProcessStateTerminating ProcessState = "terminating"  // Force termination in progress
	ProcessStateFailedStart ProcessState = "failed_start" // Last start attempt failed
	ProcessStateCrashLooped ProcessState = "crash_looped" // Restart budget exhausted
)

// ProcessDiagnostics is a point-in-time snapshot of a process control.
type ProcessDiagnostics struct {
	State     ProcessState
	PID       int
	StartTime *time.Time

	// Restart accounting
	RestartCount   int
	UnstableStarts int
	LastExitCode   *int
	LastError      string
	LastAttempt    time.Time
}

// Uptime returns how long the current process has been running, zero when
// not running.
func (d ProcessDiagnostics) Uptime(now time.Time) time.Duration {
	if d.State != ProcessStateRunning || d.StartTime == nil {
		return 0
	}
	return now.Sub(*d.StartTime)
}
