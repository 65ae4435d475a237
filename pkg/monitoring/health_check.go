package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
	"github.com/artemis-ops/artemis-keeper/pkg/processstate"
)

type HealthCheckType string

const (
	HealthCheckTypeProcess HealthCheckType = "process"
	HealthCheckTypeHTTP    HealthCheckType = "http"
	HealthCheckTypeTCP     HealthCheckType = "tcp"
	HealthCheckTypeExec    HealthCheckType = "exec"
)

type HTTPHealthCheckConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type ExecHealthCheckConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// HealthCheckConfig describes a periodic liveness probe for an app. A zero
// Type disables the monitor.
type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type,omitempty"`

	HTTP HTTPHealthCheckConfig `yaml:"http,omitempty"`
	TCP  TCPHealthCheckConfig  `yaml:"tcp,omitempty"`
	Exec ExecHealthCheckConfig `yaml:"exec,omitempty"`

	Interval     time.Duration `yaml:"interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`

	// Consecutive failures before the status becomes unhealthy. The first
	// failure always degrades.
	FailureThreshold int `yaml:"failure_threshold,omitempty"`
}

type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "unknown"
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type HealthState struct {
	Status               HealthStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// UnhealthyCallback is invoked once each time the status crosses into
// unhealthy. Restart throttling is the caller's concern.
type UnhealthyCallback func(reason string)

// RecoveryCallback is invoked when the status returns to healthy after
// having been degraded or unhealthy.
type RecoveryCallback func()

type HealthMonitor interface {
	Start(ctx context.Context) error
	Stop()
	State() HealthState
	SetPID(pid int)
	SetUnhealthyCallback(callback UnhealthyCallback)
	SetRecoveryCallback(callback RecoveryCallback)
}

type healthMonitor struct {
	config HealthCheckConfig
	id     string
	logger logging.Logger

	mutex             sync.Mutex
	state             HealthState
	pid               int
	unhealthyCallback UnhealthyCallback
	recoveryCallback  RecoveryCallback

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewHealthMonitor(config HealthCheckConfig, id string, logger logging.Logger) HealthMonitor {
	return &healthMonitor{
		config:   config,
		id:       id,
		logger:   logger,
		state:    HealthState{Status: HealthStatusUnknown},
		stopChan: make(chan struct{}),
	}
}

func (h *healthMonitor) Start(ctx context.Context) error {
	if err := ValidateHealthCheckConfig(h.config); err != nil {
		h.logger.Errorf("Health check configuration validation failed, id: %s, error: %v", h.id, err)
		return errors.NewValidationError("invalid health check configuration", err).WithContext("id", h.id)
	}

	if h.config.Type == "" {
		h.logger.Debugf("Health monitor disabled, id: %s", h.id)
		return nil
	}

	h.logger.Infof("Starting health monitor, id: %s, type: %s, interval: %v", h.id, h.config.Type, h.config.Interval)

	h.wg.Add(1)
	go h.loop(ctx)
	return nil
}

func (h *healthMonitor) Stop() {
	if h.config.Type == "" {
		return
	}
	h.logger.Debugf("Stopping health monitor, id: %s", h.id)
	close(h.stopChan)
	h.wg.Wait()
	h.logger.Debugf("Health monitor stopped, id: %s", h.id)
}

func (h *healthMonitor) State() HealthState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.state
}

// SetPID updates the PID probed by process checks; called after every
// (re)spawn.
func (h *healthMonitor) SetPID(pid int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.pid = pid
}

func (h *healthMonitor) SetUnhealthyCallback(callback UnhealthyCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.unhealthyCallback = callback
}

func (h *healthMonitor) SetRecoveryCallback(callback RecoveryCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.recoveryCallback = callback
}

func (h *healthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()

	if h.config.InitialDelay > 0 {
		select {
		case <-time.After(h.config.InitialDelay):
		case <-h.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.performCheck(ctx)

	for {
		select {
		case <-ticker.C:
			h.performCheck(ctx)
		case <-h.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *healthMonitor) performCheck(ctx context.Context) {
	var healthy bool
	var message string

	switch h.config.Type {
	case HealthCheckTypeProcess:
		healthy, message = h.checkProcess()
	case HealthCheckTypeHTTP:
		healthy, message = h.checkHTTP(ctx)
	case HealthCheckTypeTCP:
		healthy, message = h.checkTCP()
	case HealthCheckTypeExec:
		healthy, message = h.checkExec(ctx)
	default:
		healthy = false
		message = "unknown health check type: " + string(h.config.Type)
	}

	h.updateState(healthy, message)
}

func (h *healthMonitor) updateState(healthy bool, message string) {
	h.mutex.Lock()

	previous := h.state.Status
	h.state.LastCheck = time.Now()
	h.state.Message = message

	var becameUnhealthy, recovered bool

	if healthy {
		h.state.ConsecutiveSuccesses++
		h.state.ConsecutiveFailures = 0
		h.state.Status = HealthStatusHealthy
		recovered = previous == HealthStatusDegraded || previous == HealthStatusUnhealthy
	} else {
		h.state.ConsecutiveFailures++
		h.state.ConsecutiveSuccesses = 0
		if h.state.ConsecutiveFailures >= h.config.FailureThreshold {
			h.state.Status = HealthStatusUnhealthy
		} else {
			h.state.Status = HealthStatusDegraded
		}
		becameUnhealthy = h.state.Status == HealthStatusUnhealthy && previous != HealthStatusUnhealthy
	}

	unhealthyCallback := h.unhealthyCallback
	recoveryCallback := h.recoveryCallback
	status := h.state.Status
	failures := h.state.ConsecutiveFailures

	h.mutex.Unlock()

	if healthy {
		if recovered {
			h.logger.Infof("Health check recovered, id: %s, previous: %s", h.id, previous)
			if recoveryCallback != nil {
				go recoveryCallback()
			}
		} else {
			h.logger.Debugf("Health check passed, id: %s", h.id)
		}
		return
	}

	h.logger.Warnf("Health check failed, id: %s, status: %s, consecutive_failures: %d, message: %s",
		h.id, status, failures, message)

	if becameUnhealthy && unhealthyCallback != nil {
		go unhealthyCallback(message)
	}
}

func (h *healthMonitor) checkProcess() (bool, string) {
	h.mutex.Lock()
	pid := h.pid
	h.mutex.Unlock()

	if pid <= 0 {
		return false, "no process attached"
	}

	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		return false, fmt.Sprintf("failed to check process state: %v", err)
	}
	if !running {
		return false, fmt.Sprintf("process not running, pid: %d", pid)
	}
	return true, fmt.Sprintf("process running, pid: %d", pid)
}

func (h *healthMonitor) checkHTTP(ctx context.Context) (bool, string) {
	client := &http.Client{Timeout: h.config.Timeout}

	method := h.config.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, h.config.HTTP.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("failed to create HTTP request: %v", err)
	}
	for key, value := range h.config.HTTP.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func (h *healthMonitor) checkTCP() (bool, string) {
	address := net.JoinHostPort(h.config.TCP.Address, strconv.Itoa(h.config.TCP.Port))
	conn, err := net.DialTimeout("tcp", address, h.config.Timeout)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	conn.Close()
	return true, "TCP connection succeeded"
}

func (h *healthMonitor) checkExec(ctx context.Context) (bool, string) {
	execCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, h.config.Exec.Command, h.config.Exec.Args...)
	if err := cmd.Run(); err != nil {
		return false, fmt.Sprintf("exec check failed: %v", err)
	}
	return true, "exec check succeeded"
}
