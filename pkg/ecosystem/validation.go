package ecosystem

import (
	"fmt"
	"regexp"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
)

const maxAppNameLength = 64

var appNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateAppName checks an app name: non-empty, at most 64 chars, limited
// to [A-Za-z0-9_-] so names are safe in PID file and log file paths.
func ValidateAppName(name string) error {
	if name == "" {
		return errors.NewValidationError("app name cannot be empty", nil)
	}
	if len(name) > maxAppNameLength {
		return errors.NewValidationError(
			fmt.Sprintf("app name too long: %d chars (max %d)", len(name), maxAppNameLength), nil).WithContext("name", name)
	}
	if !appNamePattern.MatchString(name) {
		return errors.NewValidationError("app name may only contain letters, digits, underscore and dash", nil).WithContext("name", name)
	}
	return nil
}

// Validate checks the whole ecosystem configuration. An empty apps list is
// valid.
func (c *EcosystemConfig) Validate() error {
	collection := errors.NewErrorCollection()

	switch c.Keeper.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		collection.Add(errors.NewValidationError("keeper log_level must be one of debug, info, warn, error", nil).WithContext("log_level", c.Keeper.LogLevel))
	}
	if c.Keeper.ForceShutdownTimeout < 0 {
		collection.Add(errors.NewValidationError("keeper force_shutdown_timeout cannot be negative", nil))
	}

	seen := make(map[string]bool)
	for i := range c.Apps {
		app := &c.Apps[i]

		if err := ValidateAppName(app.Name); err != nil {
			collection.Add(err)
			continue
		}
		if seen[app.Name] {
			collection.Add(errors.NewConflictError("duplicate app name", nil).WithContext("name", app.Name))
			continue
		}
		seen[app.Name] = true

		for _, err := range validateApp(app) {
			collection.Add(err)
		}
	}

	return collection.ToError()
}

func validateApp(app *AppConfig) []error {
	var errs []error

	fail := func(format string, args ...interface{}) {
		errs = append(errs, errors.NewValidationError(fmt.Sprintf(format, args...), nil).WithContext("app", app.Name))
	}

	if app.Script == "" {
		fail("script cannot be empty")
	}

	switch app.Autorestart {
	case RestartAlways, RestartOnFailure, RestartNever:
	default:
		fail("autorestart must be one of always, on-failure, never, got: %s", app.Autorestart)
	}

	if app.MaxRestarts < 0 {
		fail("max_restarts cannot be negative")
	}
	if app.RestartDelay < 0 {
		fail("restart_delay cannot be negative")
	}
	if app.BackoffRate <= 0 {
		fail("backoff_rate must be positive")
	}
	if app.MinUptime < 0 {
		fail("min_uptime cannot be negative")
	}
	if app.KillTimeout <= 0 {
		fail("kill_timeout must be positive")
	}
	if app.WatchDebounce <= 0 {
		fail("watch_debounce must be positive")
	}

	if app.Watch && len(app.WatchPaths) == 0 {
		fail("watch requires at least one watch path")
	}

	for profile := range app.Envs {
		if profile == "" {
			fail("environment profile name cannot be empty")
		}
	}

	return errs
}
