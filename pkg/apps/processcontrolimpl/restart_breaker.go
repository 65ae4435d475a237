package processcontrolimpl

import (
	"sync"
	"time"

	"github.com/artemis-ops/artemis-keeper/pkg/apps/processcontrol"
	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
)

type RestartFunc func() error

// maxRestartDelay caps exponential backoff growth.
const maxRestartDelay = 5 * time.Minute

// BreakerState provides insight into restart breaker status.
type BreakerState struct {
	IsOpen          bool                          `json:"is_open"`
	UnstableStarts  int                           `json:"unstable_starts"`
	TotalRestarts   int                           `json:"total_restarts"`
	LastRestartTime time.Time                     `json:"last_restart_time"`
	LastTrigger     processcontrol.RestartTrigger `json:"last_trigger,omitempty"`
}

// RestartBreaker throttles automatic restarts. Runs shorter than min_uptime
// count as unstable starts; the breaker opens after max_restarts consecutive
// unstable starts and each retry waits restart_delay grown by backoff_rate.
// A run that survives min_uptime resets the budget.
type RestartBreaker interface {
	State() BreakerState
	ExecuteRestart(restartFunc RestartFunc, trigger processcontrol.RestartTrigger, reason string) error
	RecordExit(uptime time.Duration)
	Reset()
}

func NewRestartBreaker(config processcontrol.RestartConfig, id string, logger logging.Logger) RestartBreaker {
	return &restartBreaker{
		config: config,
		id:     id,
		logger: logger,
	}
}

type restartBreaker struct {
	config processcontrol.RestartConfig
	id     string
	logger logging.Logger

	mutex           sync.Mutex
	open            bool
	unstableStarts  int
	totalRestarts   int
	lastRestartTime time.Time
	lastTrigger     processcontrol.RestartTrigger
}

func (rb *restartBreaker) State() BreakerState {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()
	return BreakerState{
		IsOpen:          rb.open,
		UnstableStarts:  rb.unstableStarts,
		TotalRestarts:   rb.totalRestarts,
		LastRestartTime: rb.lastRestartTime,
		LastTrigger:     rb.lastTrigger,
	}
}

// RecordExit classifies a finished run. Called by the exit watcher before
// requesting a restart.
func (rb *restartBreaker) RecordExit(uptime time.Duration) {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	if uptime >= rb.config.MinUptime {
		if rb.unstableStarts > 0 {
			rb.logger.Infof("Stable run recorded, id: %s, uptime: %v, resetting unstable start count from %d",
				rb.id, uptime, rb.unstableStarts)
		}
		rb.unstableStarts = 0
		return
	}

	rb.unstableStarts++
	rb.logger.Warnf("Unstable start recorded, id: %s, uptime: %v, min_uptime: %v, count: %d/%d",
		rb.id, uptime, rb.config.MinUptime, rb.unstableStarts, rb.config.MaxRestarts)
}

func (rb *restartBreaker) ExecuteRestart(restartFunc RestartFunc, trigger processcontrol.RestartTrigger, reason string) error {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	rb.lastTrigger = trigger

	if rb.open {
		rb.logger.Errorf("Restart breaker is open, ignoring restart request, id: %s, trigger: %s", rb.id, trigger)
		return errors.NewInternalError("restart breaker is open", nil).WithContext("id", rb.id).WithContext("trigger", string(trigger))
	}

	if rb.config.MaxRestarts > 0 && rb.unstableStarts > rb.config.MaxRestarts {
		rb.open = true
		rb.logger.Errorf("Restart budget exhausted, opening breaker, id: %s, unstable_starts: %d, max_restarts: %d, trigger: %s",
			rb.id, rb.unstableStarts, rb.config.MaxRestarts, trigger)
		return errors.NewInternalError("restart budget exhausted", nil).WithContext("id", rb.id).WithContext("unstable_starts", rb.unstableStarts)
	}

	delay := rb.backoffDelayLocked()
	attempt := rb.totalRestarts + 1

	if delay > 0 {
		rb.logger.Infof("Delaying restart, id: %s, trigger: %s, attempt: %d, delay: %v, reason: %s",
			rb.id, trigger, attempt, delay, reason)

		// Release the lock during the delay so State and Reset stay responsive
		rb.mutex.Unlock()
		time.Sleep(delay)
		rb.mutex.Lock()

		if rb.open {
			return errors.NewInternalError("restart breaker opened during delay", nil).WithContext("id", rb.id)
		}
	}

	rb.lastRestartTime = time.Now()

	rb.logger.Warnf("Proceeding with restart, id: %s, trigger: %s, attempt: %d, reason: %s",
		rb.id, trigger, attempt, reason)

	// Run the restart outside the lock, it may take a while
	rb.mutex.Unlock()
	err := restartFunc()
	rb.mutex.Lock()

	if err != nil {
		if errors.IsCancelledError(err) {
			rb.logger.Infof("Restart abandoned, id: %s, trigger: %s, reason: %v", rb.id, trigger, err)
		} else {
			rb.logger.Errorf("Restart failed, id: %s, trigger: %s, error: %v", rb.id, trigger, err)
		}
		return err
	}

	// Only completed restarts count
	rb.totalRestarts++
	rb.logger.Infof("Restart completed, id: %s, trigger: %s, attempt: %d", rb.id, trigger, attempt)
	return nil
}

func (rb *restartBreaker) Reset() {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	if rb.unstableStarts > 0 || rb.open {
		rb.logger.Infof("Resetting restart breaker, id: %s, previous unstable starts: %d", rb.id, rb.unstableStarts)
	}
	rb.open = false
	rb.unstableStarts = 0
}

// backoffDelayLocked computes restart_delay * backoff_rate^unstable, capped.
func (rb *restartBreaker) backoffDelayLocked() time.Duration {
	delay := rb.config.RestartDelay
	if delay <= 0 {
		return 0
	}
	for i := 0; i < rb.unstableStarts; i++ {
		delay = time.Duration(float64(delay) * rb.config.BackoffRate)
		if delay >= maxRestartDelay {
			return maxRestartDelay
		}
	}
	return delay
}
