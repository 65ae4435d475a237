package process

import (
	"context"
	"os"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
	"github.com/artemis-ops/artemis-keeper/pkg/processfile"
	"github.com/artemis-ops/artemis-keeper/pkg/processstate"
)

// DiscoveryConfig describes how to find an already running app process.
type DiscoveryConfig struct {
	PIDFile string `yaml:"pid_file,omitempty"`
}

type StdAttachCmd func(ctx context.Context) (*os.Process, error)

// NewStdAttachCmd creates a command that reattaches to a previously spawned
// process via its PID file. Used after a keeper restart to adopt surviving
// children instead of spawning duplicates.
func NewStdAttachCmd(discovery DiscoveryConfig, name string, logger logging.Logger) StdAttachCmd {
	return func(ctx context.Context) (*os.Process, error) {
		if ctx == nil {
			return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("app", name)
		}

		pidFile := discovery.PIDFile
		if pidFile == "" {
			pidFile = processfile.DefaultPIDFilePath(name)
		}

		logger.Debugf("Attaching to process, app: %s, PID file: %s", name, pidFile)

		pid, err := processfile.ReadPIDFile(pidFile)
		if err != nil {
			return nil, errors.NewNotFoundError("failed to read PID file", err).WithContext("app", name).WithContext("pid_file", pidFile)
		}

		running, err := processstate.IsProcessRunning(pid)
		if err != nil {
			return nil, errors.NewProcessError("failed to check process state", err).WithContext("app", name).WithContext("pid", pid)
		}
		if !running {
			// Stale PID file, remove it so the next spawn starts clean.
			_ = os.Remove(pidFile)
			return nil, errors.NewNotFoundError("process is not running", nil).WithContext("app", name).WithContext("pid", pid)
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return nil, errors.NewProcessError("failed to find process", err).WithContext("app", name).WithContext("pid", pid)
		}

		logger.Infof("Attached to process, app: %s, PID: %d", name, pid)
		return proc, nil
	}
}
