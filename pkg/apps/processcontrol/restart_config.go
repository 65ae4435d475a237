package processcontrol

import (
	"fmt"
	"time"
)

// RestartPolicy mirrors pm2's autorestart setting.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// RestartTrigger identifies what requested a restart.
type RestartTrigger string

const (
	RestartTriggerCrash           RestartTrigger = "crash"
	RestartTriggerHealthFailure   RestartTrigger = "health_failure"
	RestartTriggerMemoryViolation RestartTrigger = "memory_violation"
	RestartTriggerFileChange      RestartTrigger = "file_change"
	RestartTriggerManual          RestartTrigger = "manual"
)

// RestartConfig defines the autorestart mechanics for one app.
type RestartConfig struct {
	Policy RestartPolicy `yaml:"policy"`

	// Consecutive unstable starts tolerated before giving up
	MaxRestarts int `yaml:"max_restarts"`

	// Base delay before a restart attempt
	RestartDelay time.Duration `yaml:"restart_delay"`

	// Exponential backoff multiplier applied per consecutive unstable start
	BackoffRate float64 `yaml:"backoff_rate"`

	// Runs shorter than this count as unstable starts
	MinUptime time.Duration `yaml:"min_uptime"`
}

func ValidateRestartConfig(config RestartConfig) error {
	switch config.Policy {
	case RestartAlways, RestartOnFailure, RestartNever:
	default:
		return fmt.Errorf("policy must be one of always, on-failure, never: %s", config.Policy)
	}
	if config.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts cannot be negative: %d", config.MaxRestarts)
	}
	if config.RestartDelay < 0 {
		return fmt.Errorf("restart_delay cannot be negative: %v", config.RestartDelay)
	}
	if config.BackoffRate <= 0 {
		return fmt.Errorf("backoff_rate must be positive: %f", config.BackoffRate)
	}
	if config.MinUptime < 0 {
		return fmt.Errorf("min_uptime cannot be negative: %v", config.MinUptime)
	}
	return nil
}
