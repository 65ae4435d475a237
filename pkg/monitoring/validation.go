package monitoring

import (
	"net/url"
	"strings"
	"time"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
)

// ValidateHealthCheckConfig checks a health check configuration. An empty
// Type is valid and means the monitor is disabled.
func ValidateHealthCheckConfig(config HealthCheckConfig) error {
	if config.Type == "" {
		return nil
	}

	collection := errors.NewErrorCollection()

	switch config.Type {
	case HealthCheckTypeProcess:
		// Nothing to validate, the PID is attached at runtime.
	case HealthCheckTypeHTTP:
		if config.HTTP.URL == "" {
			collection.Add(errors.NewValidationError("HTTP health check requires a URL", nil))
		} else if parsed, err := url.Parse(config.HTTP.URL); err != nil {
			collection.Add(errors.NewValidationError("invalid HTTP health check URL", err).WithContext("url", config.HTTP.URL))
		} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
			collection.Add(errors.NewValidationError("HTTP health check URL must use http or https", nil).WithContext("url", config.HTTP.URL))
		}
	case HealthCheckTypeTCP:
		if strings.TrimSpace(config.TCP.Address) == "" {
			collection.Add(errors.NewValidationError("TCP health check requires an address", nil))
		}
		if config.TCP.Port < 1 || config.TCP.Port > 65535 {
			collection.Add(errors.NewValidationError("TCP health check port must be in range 1-65535", nil).WithContext("port", config.TCP.Port))
		}
	case HealthCheckTypeExec:
		if strings.TrimSpace(config.Exec.Command) == "" {
			collection.Add(errors.NewValidationError("exec health check requires a command", nil))
		}
	default:
		collection.Add(errors.NewValidationError("unknown health check type", nil).WithContext("type", string(config.Type)))
	}

	if config.Interval <= 0 {
		collection.Add(errors.NewValidationError("health check interval must be positive", nil))
	}
	if config.Timeout <= 0 {
		collection.Add(errors.NewValidationError("health check timeout must be positive", nil))
	}
	if config.Timeout > config.Interval && config.Interval > 0 {
		collection.Add(errors.NewValidationError("health check timeout cannot exceed the interval", nil))
	}
	if config.InitialDelay < 0 {
		collection.Add(errors.NewValidationError("health check initial delay cannot be negative", nil))
	}
	if config.FailureThreshold < 1 {
		collection.Add(errors.NewValidationError("health check failure threshold must be at least 1", nil))
	}

	return collection.ToError()
}

// SetHealthCheckDefaults fills unset run options with sensible defaults.
func SetHealthCheckDefaults(config *HealthCheckConfig) {
	if config.Type == "" {
		return
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 3
	}
}
