package processcontrolimpl

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/artemis-ops/artemis-keeper/pkg/apps/processcontrol"
	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
	"github.com/artemis-ops/artemis-keeper/pkg/logredirect"
	"github.com/artemis-ops/artemis-keeper/pkg/monitoring"
	"github.com/artemis-ops/artemis-keeper/pkg/process"
	"github.com/artemis-ops/artemis-keeper/pkg/processfile"
	"github.com/artemis-ops/artemis-keeper/pkg/processstate"
	"github.com/artemis-ops/artemis-keeper/pkg/resourceusage"
)

// killWait bounds the wait for process exit after SIGKILL.
const killWait = 5 * time.Second

// attachPollInterval is how often adopted processes are probed for liveness,
// since Wait is only available for direct children.
const attachPollInterval = time.Second

// NewProcessControl creates a process control for one app. The redirector is
// shared across respawns so log files are appended, not truncated.
func NewProcessControl(options processcontrol.Options, id string, logger logging.Logger) processcontrol.ProcessControl {
	return &processControl{
		options:    options,
		id:         id,
		logger:     logger,
		state:      processcontrol.ProcessStateIdle,
		breaker:    NewRestartBreaker(options.Restart, id, logger),
		redirector: logredirect.NewRedirector(options.LogRedirect, id, logger),
	}
}

type processControl struct {
	options processcontrol.Options
	id      string
	logger  logging.Logger

	breaker    RestartBreaker
	redirector *logredirect.Redirector

	mutex         sync.Mutex
	state         processcontrol.ProcessState
	process       *os.Process
	pid           int
	startTime     *time.Time
	lastExitCode  *int
	lastError     string
	lastAttempt   time.Time
	stopRequested bool
	exited        chan struct{}

	// Bumped by every stop request. Crash restarts waiting out a backoff
	// delay re-check it so a stopped app is not resurrected.
	generation int

	// Recreated on every spawn
	healthMonitor   monitoring.HealthMonitor
	resourceMonitor resourceusage.Monitor
}

func (pc *processControl) State() processcontrol.ProcessState {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	return pc.state
}

func (pc *processControl) Diagnostics() processcontrol.ProcessDiagnostics {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	breakerState := pc.breakerStateNoLock()
	return processcontrol.ProcessDiagnostics{
		State:          pc.state,
		PID:            pc.pid,
		StartTime:      pc.startTime,
		RestartCount:   breakerState.TotalRestarts,
		UnstableStarts: breakerState.UnstableStarts,
		LastExitCode:   pc.lastExitCode,
		LastError:      pc.lastError,
		LastAttempt:    pc.lastAttempt,
	}
}

// breakerStateNoLock reads breaker state; the breaker has its own lock so
// this is safe under pc.mutex.
func (pc *processControl) breakerStateNoLock() BreakerState {
	return pc.breaker.State()
}

func (pc *processControl) ResourceUsage() resourceusage.Usage {
	pc.mutex.Lock()
	monitor := pc.resourceMonitor
	pc.mutex.Unlock()

	if monitor == nil {
		return resourceusage.Usage{}
	}
	return monitor.Usage()
}

// ===== START =====

func (pc *processControl) Start(ctx context.Context) error {
	if err := pc.validateAndPlanStart(nil); err != nil {
		return err
	}
	// Lock released, the slow part runs unguarded
	return pc.startInternal(ctx)
}

// startIfCurrent runs a deferred crash restart. gen is the generation
// observed when the crash was handled; a stop request in between bumps it
// and the restart is abandoned.
func (pc *processControl) startIfCurrent(ctx context.Context, gen int) error {
	if err := pc.validateAndPlanStart(&gen); err != nil {
		return err
	}
	return pc.startInternal(ctx)
}

func (pc *processControl) validateAndPlanStart(gen *int) error {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if gen != nil && *gen != pc.generation {
		return errors.NewCancelledError("restart superseded by stop request", nil).WithContext("id", pc.id)
	}

	switch pc.state {
	case processcontrol.ProcessStateIdle, processcontrol.ProcessStateFailedStart, processcontrol.ProcessStateCrashLooped:
	default:
		return errors.NewConflictError(
			fmt.Sprintf("cannot start process in state: %s", pc.state), nil).WithContext("id", pc.id)
	}

	pc.state = processcontrol.ProcessStateStarting
	pc.stopRequested = false
	pc.lastAttempt = time.Now()
	return nil
}

func (pc *processControl) startInternal(ctx context.Context) error {
	pc.logger.Infof("Starting process, id: %s", pc.id)

	// Try to adopt a surviving process before spawning a new one
	if pc.options.AttachCmd != nil {
		if proc, err := pc.options.AttachCmd(ctx); err == nil {
			return pc.completeStart(ctx, proc, nil)
		} else {
			pc.logger.Debugf("Attach skipped, id: %s, reason: %v", pc.id, err)
		}
	}

	if pc.options.ExecuteCmd == nil {
		pc.failStart("no execute command configured", nil)
		return errors.NewValidationError("no execute command configured", nil).WithContext("id", pc.id)
	}

	if err := pc.redirector.Open(); err != nil {
		pc.failStart("failed to open log redirection", err)
		return err
	}

	result, err := pc.options.ExecuteCmd(ctx)
	if err != nil {
		pc.failStart("failed to spawn process", err)
		return err
	}

	if err := pc.redirector.Collect(result.Stdout, result.Stderr); err != nil {
		pc.logger.Warnf("Log collection unavailable, id: %s, error: %v", pc.id, err)
	}

	return pc.completeStart(ctx, result.Process, result)
}

// completeStart records the live process and starts its watchers. spawn is
// nil when the process was adopted via attach.
func (pc *processControl) completeStart(ctx context.Context, proc *os.Process, spawn *process.SpawnResult) error {
	attached := spawn == nil

	if pc.options.PIDFile != "" {
		if err := processfile.WritePIDFileAt(pc.options.PIDFile, proc.Pid); err != nil {
			pc.logger.Warnf("Failed to write PID file, id: %s, error: %v", pc.id, err)
		}
	}

	healthMonitor, resourceMonitor := pc.newMonitors(proc.Pid)

	now := time.Now()
	exited := make(chan struct{})

	pc.mutex.Lock()
	pc.state = processcontrol.ProcessStateRunning
	pc.process = proc
	pc.pid = proc.Pid
	pc.startTime = &now
	pc.lastError = ""
	pc.exited = exited
	pc.healthMonitor = healthMonitor
	pc.resourceMonitor = resourceMonitor
	pc.mutex.Unlock()

	if healthMonitor != nil {
		if err := healthMonitor.Start(context.Background()); err != nil {
			pc.logger.Warnf("Health monitor failed to start, id: %s, error: %v", pc.id, err)
		}
	}
	if resourceMonitor != nil {
		if err := resourceMonitor.Start(context.Background()); err != nil {
			pc.logger.Warnf("Resource monitor failed to start, id: %s, error: %v", pc.id, err)
		}
	}

	go pc.waitForExit(proc, exited, attached)

	pc.logger.Infof("Process started, id: %s, PID: %d, attached: %t", pc.id, proc.Pid, attached)
	return nil
}

// newMonitors builds fresh health and resource monitors for a spawn. Old
// instances were stopped when the previous process exited.
func (pc *processControl) newMonitors(pid int) (monitoring.HealthMonitor, resourceusage.Monitor) {
	var healthMonitor monitoring.HealthMonitor
	if pc.options.HealthCheck != nil && pc.options.HealthCheck.Type != "" {
		healthMonitor = monitoring.NewHealthMonitor(*pc.options.HealthCheck, pc.id, pc.logger)
		healthMonitor.SetPID(pid)
		healthMonitor.SetUnhealthyCallback(func(reason string) {
			pc.requestRestart(processcontrol.RestartTriggerHealthFailure, reason)
		})
		healthMonitor.SetRecoveryCallback(func() {
			pc.breaker.Reset()
		})
	}

	// The resource monitor always runs so status reports carry usage
	// samples; a zero MaxMemoryBytes just disables enforcement.
	resourceMonitor := resourceusage.NewMonitor(pc.options.Limits, pc.id, pc.logger)
	resourceMonitor.SetPID(pid)
	resourceMonitor.SetViolationCallback(func(reason string) {
		pc.requestRestart(processcontrol.RestartTriggerMemoryViolation, reason)
	})

	return healthMonitor, resourceMonitor
}

func (pc *processControl) failStart(message string, err error) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	pc.state = processcontrol.ProcessStateFailedStart
	if err != nil {
		pc.lastError = fmt.Sprintf("%s: %v", message, err)
	} else {
		pc.lastError = message
	}
	pc.logger.Errorf("Start failed, id: %s, error: %s", pc.id, pc.lastError)
}

// ===== EXIT WATCHER =====

func (pc *processControl) waitForExit(proc *os.Process, exited chan struct{}, attached bool) {
	exitCode := pc.awaitTermination(proc, attached)
	close(exited)
	pc.handleExit(exitCode)
}

func (pc *processControl) awaitTermination(proc *os.Process, attached bool) int {
	if !attached {
		state, err := proc.Wait()
		if err != nil {
			pc.logger.Debugf("Process wait ended with error, id: %s, error: %v", pc.id, err)
			return -1
		}
		return state.ExitCode()
	}

	// Adopted processes are not children, poll for liveness instead
	ticker := time.NewTicker(attachPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		running, err := processstate.IsProcessRunning(proc.Pid)
		if err != nil || !running {
			return -1
		}
	}
	return -1
}

func (pc *processControl) handleExit(exitCode int) {
	pc.mutex.Lock()

	var uptime time.Duration
	if pc.startTime != nil {
		uptime = time.Since(*pc.startTime)
	}
	wasStopRequested := pc.stopRequested
	gen := pc.generation

	pc.process = nil
	pc.pid = 0
	pc.startTime = nil
	pc.lastExitCode = &exitCode
	if !wasStopRequested {
		pc.state = processcontrol.ProcessStateIdle
	}

	healthMonitor := pc.healthMonitor
	resourceMonitor := pc.resourceMonitor
	pc.healthMonitor = nil
	pc.resourceMonitor = nil

	pc.mutex.Unlock()

	if healthMonitor != nil {
		healthMonitor.Stop()
	}
	if resourceMonitor != nil {
		resourceMonitor.Stop()
	}
	if pc.options.PIDFile != "" {
		_ = processfile.RemovePIDFileAt(pc.options.PIDFile)
	}

	if wasStopRequested {
		pc.logger.Infof("Process exited on request, id: %s, exit code: %d, uptime: %v", pc.id, exitCode, uptime)
		return
	}

	pc.logger.Warnf("Process exited unexpectedly, id: %s, exit code: %d, uptime: %v", pc.id, exitCode, uptime)

	pc.breaker.RecordExit(uptime)

	policy := pc.options.Restart.Policy
	shouldRestart := policy == processcontrol.RestartAlways ||
		(policy == processcontrol.RestartOnFailure && exitCode != 0)
	if !shouldRestart {
		pc.logger.Infof("Not restarting, id: %s, policy: %s, exit code: %d", pc.id, policy, exitCode)
		return
	}

	reason := fmt.Sprintf("process exited with code %d after %v", exitCode, uptime)
	go func() {
		err := pc.breaker.ExecuteRestart(func() error {
			return pc.startIfCurrent(context.Background(), gen)
		}, processcontrol.RestartTriggerCrash, reason)
		if err != nil {
			if errors.IsCancelledError(err) {
				pc.logger.Infof("Pending restart abandoned, stop was requested, id: %s", pc.id)
				return
			}
			if pc.breaker.State().IsOpen {
				pc.markCrashLooped()
			}
		}
	}()
}

func (pc *processControl) markCrashLooped() {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	if pc.state == processcontrol.ProcessStateIdle {
		pc.state = processcontrol.ProcessStateCrashLooped
		pc.lastError = "restart budget exhausted"
	}
	pc.logger.Errorf("App is crash looping, supervision suspended, id: %s", pc.id)
}

// requestRestart funnels monitor-triggered restarts through the breaker.
func (pc *processControl) requestRestart(trigger processcontrol.RestartTrigger, reason string) {
	go func() {
		err := pc.breaker.ExecuteRestart(func() error {
			ctx := context.Background()
			if err := pc.Stop(ctx); err != nil {
				return err
			}
			return pc.Start(ctx)
		}, trigger, reason)
		if err != nil {
			pc.logger.Errorf("Monitor-triggered restart rejected, id: %s, trigger: %s, error: %v", pc.id, trigger, err)
		}
	}()
}

// ===== STOP =====

func (pc *processControl) Stop(ctx context.Context) error {
	plan, err := pc.validateAndPlanStop()
	if err != nil || plan == nil {
		return err
	}
	return pc.stopInternal(ctx, plan)
}

type stopPlan struct {
	pid     int
	process *os.Process
	exited  chan struct{}
}

// validateAndPlanStop transitions to stopping under the lock and captures
// everything stopInternal needs, so no lock is held while waiting.
func (pc *processControl) validateAndPlanStop() (*stopPlan, error) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	// Any stop request invalidates crash restarts waiting out a backoff
	// delay, even when nothing is running right now.
	pc.generation++

	switch pc.state {
	case processcontrol.ProcessStateRunning, processcontrol.ProcessStateStarting:
	case processcontrol.ProcessStateIdle, processcontrol.ProcessStateFailedStart, processcontrol.ProcessStateCrashLooped:
		pc.logger.Debugf("Stop requested but no process is running, id: %s, state: %s", pc.id, pc.state)
		return nil, nil
	default:
		return nil, errors.NewConflictError(
			fmt.Sprintf("cannot stop process in state: %s", pc.state), nil).WithContext("id", pc.id)
	}

	if pc.process == nil {
		pc.state = processcontrol.ProcessStateIdle
		return nil, nil
	}

	pc.state = processcontrol.ProcessStateStopping
	pc.stopRequested = true

	return &stopPlan{
		pid:     pc.pid,
		process: pc.process,
		exited:  pc.exited,
	}, nil
}

func (pc *processControl) stopInternal(ctx context.Context, plan *stopPlan) error {
	pc.logger.Infof("Stopping process, id: %s, PID: %d, graceful timeout: %v", pc.id, plan.pid, pc.options.GracefulTimeout)

	if err := process.SendTerminationSignal(plan.pid, false, 2*time.Second); err != nil {
		pc.logger.Warnf("Failed to send termination signal, id: %s, PID: %d, error: %v", pc.id, plan.pid, err)
	}

	select {
	case <-plan.exited:
		pc.finalizeStop()
		return nil
	case <-ctx.Done():
		pc.finalizeStop()
		return errors.NewCancelledError("stop cancelled", ctx.Err()).WithContext("id", pc.id)
	case <-time.After(pc.options.GracefulTimeout):
	}

	pc.logger.Warnf("Graceful shutdown timed out, killing process, id: %s, PID: %d", pc.id, plan.pid)

	pc.mutex.Lock()
	pc.state = processcontrol.ProcessStateTerminating
	pc.mutex.Unlock()

	if err := process.SendKillSignal(plan.pid); err != nil {
		// Windows has no kill signal, terminate the process object directly
		if killErr := plan.process.Kill(); killErr != nil {
			pc.logger.Warnf("Kill failed, id: %s, PID: %d, error: %v", pc.id, plan.pid, killErr)
		}
	}

	select {
	case <-plan.exited:
		pc.finalizeStop()
		return nil
	case <-time.After(killWait):
		pc.finalizeStop()
		return errors.NewTimeoutError("process did not exit after kill", nil).WithContext("id", pc.id).WithContext("pid", plan.pid)
	}
}

func (pc *processControl) finalizeStop() {
	if err := pc.redirector.Close(); err != nil {
		pc.logger.Warnf("Failed to close log redirection, id: %s, error: %v", pc.id, err)
	}

	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	if pc.state == processcontrol.ProcessStateStopping || pc.state == processcontrol.ProcessStateTerminating {
		pc.state = processcontrol.ProcessStateIdle
	}
	// stopRequested stays set until the next start so a late exit watcher
	// still classifies this exit as requested, not as a crash.
}

// ===== RESTART =====

func (pc *processControl) Restart(ctx context.Context, force bool) error {
	if force {
		// Intentional restart (file change, operator request): bypass the
		// breaker and clear its budget
		pc.logger.Infof("Forced restart, id: %s", pc.id)
		if err := pc.Stop(ctx); err != nil {
			return err
		}
		if err := pc.Start(ctx); err != nil {
			return err
		}
		pc.breaker.Reset()
		return nil
	}

	err := pc.breaker.ExecuteRestart(func() error {
		if err := pc.Stop(ctx); err != nil {
			return err
		}
		return pc.Start(ctx)
	}, processcontrol.RestartTriggerManual, "manual restart")
	if err != nil {
		return err
	}

	// A successful manual restart restores the automatic restart budget
	pc.breaker.Reset()
	return nil
}
