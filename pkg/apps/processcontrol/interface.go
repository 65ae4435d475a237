package processcontrol

import (
	"context"
	"time"

	"github.com/artemis-ops/artemis-keeper/pkg/logredirect"
	"github.com/artemis-ops/artemis-keeper/pkg/monitoring"
	"github.com/artemis-ops/artemis-keeper/pkg/process"
	"github.com/artemis-ops/artemis-keeper/pkg/resourceusage"
)

// ProcessControl drives the lifecycle of one supervised process.
type ProcessControl interface {
	// Start spawns (or attaches to) the process
	Start(ctx context.Context) error

	// Stop terminates the process gracefully, escalating after the
	// graceful timeout
	Stop(ctx context.Context) error

	// Restart stops then starts. force bypasses the restart breaker, used
	// for intentional restarts such as file-change reloads
	Restart(ctx context.Context, force bool) error

	// State returns the current lifecycle state
	State() ProcessState

	// Diagnostics returns a snapshot with PID, uptime and restart accounting
	Diagnostics() ProcessDiagnostics

	// ResourceUsage returns the latest resource sample, zero when unmonitored
	ResourceUsage() resourceusage.Usage
}

// Options configures a ProcessControl instance.
type Options struct {
	// Spawn command
	ExecuteCmd process.StdExecuteCmd

	// Optional reattach command tried before spawning
	AttachCmd process.StdAttachCmd

	// Grace period between SIGTERM and SIGKILL
	GracefulTimeout time.Duration

	// Autorestart mechanics
	Restart RestartConfig

	// Optional health probe; nil Type disables
	HealthCheck *monitoring.HealthCheckConfig

	// Resource sampling and limits; zero MaxMemoryBytes disables enforcement
	Limits resourceusage.LimitConfig

	// Output redirection
	LogRedirect logredirect.Config

	// PID file path; empty disables PID files
	PIDFile string
}
