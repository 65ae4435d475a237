package resourceusage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"

	"github.com/artemis-ops/artemis-keeper/pkg/logging"
)

// Usage is a point-in-time resource sample of a supervised process.
type Usage struct {
	PID        int
	MemoryRSS  uint64
	CPUPercent float64
	SampledAt  time.Time
}

// LimitConfig holds resource limits enforced by the monitor. Zero values
// disable the corresponding limit.
type LimitConfig struct {
	// Process is restarted when resident memory exceeds this many bytes
	MaxMemoryBytes uint64 `yaml:"max_memory_bytes,omitempty"`

	// Sampling interval
	Interval time.Duration `yaml:"interval,omitempty"`
}

// ViolationCallback is invoked when a sample exceeds a configured limit.
type ViolationCallback func(reason string)

// Monitor samples memory and CPU usage of a process via gopsutil and
// reports limit violations.
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
	Usage() Usage
	SetPID(pid int)
	SetViolationCallback(callback ViolationCallback)
}

type monitor struct {
	config LimitConfig
	id     string
	logger logging.Logger

	mutex             sync.Mutex
	pid               int
	usage             Usage
	violationCallback ViolationCallback
	violated          bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewMonitor(config LimitConfig, id string, logger logging.Logger) Monitor {
	if config.Interval == 0 {
		config.Interval = 15 * time.Second
	}
	return &monitor{
		config:   config,
		id:       id,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

func (m *monitor) Start(ctx context.Context) error {
	m.logger.Debugf("Starting resource monitor, id: %s, interval: %v, memory limit: %d bytes",
		m.id, m.config.Interval, m.config.MaxMemoryBytes)

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

func (m *monitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	m.logger.Debugf("Resource monitor stopped, id: %s", m.id)
}

func (m *monitor) Usage() Usage {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.usage
}

// SetPID switches the monitored process; resets violation latching so a
// respawned process gets a fresh budget.
func (m *monitor) SetPID(pid int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.pid = pid
	m.violated = false
}

func (m *monitor) SetViolationCallback(callback ViolationCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.violationCallback = callback
}

func (m *monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *monitor) sample() {
	m.mutex.Lock()
	pid := m.pid
	m.mutex.Unlock()

	if pid <= 0 {
		return
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		m.logger.Debugf("Resource sample skipped, id: %s, pid: %d, error: %v", m.id, pid, err)
		return
	}

	usage := Usage{PID: pid, SampledAt: time.Now()}

	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		usage.MemoryRSS = memInfo.RSS
	}
	if cpuPercent, err := proc.CPUPercent(); err == nil {
		usage.CPUPercent = cpuPercent
	}

	m.mutex.Lock()
	m.usage = usage
	callback := m.violationCallback
	alreadyViolated := m.violated

	violation := ""
	if m.config.MaxMemoryBytes > 0 && usage.MemoryRSS > m.config.MaxMemoryBytes {
		violation = fmt.Sprintf("memory usage %d bytes exceeds limit %d bytes", usage.MemoryRSS, m.config.MaxMemoryBytes)
		m.violated = true
	}
	m.mutex.Unlock()

	if violation == "" {
		m.logger.Debugf("Resource sample, id: %s, pid: %d, rss: %d, cpu: %.1f%%",
			m.id, pid, usage.MemoryRSS, usage.CPUPercent)
		return
	}

	// Latch until the next SetPID so one violation triggers one restart.
	if alreadyViolated || callback == nil {
		return
	}

	m.logger.Warnf("Resource limit violated, id: %s, pid: %d, %s", m.id, pid, violation)
	go callback(violation)
}
