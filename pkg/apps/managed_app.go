package apps

import (
	"github.com/artemis-ops/artemis-keeper/pkg/apps/processcontrol"
	"github.com/artemis-ops/artemis-keeper/pkg/ecosystem"
	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
	"github.com/artemis-ops/artemis-keeper/pkg/logredirect"
	"github.com/artemis-ops/artemis-keeper/pkg/monitoring"
	"github.com/artemis-ops/artemis-keeper/pkg/process"
	"github.com/artemis-ops/artemis-keeper/pkg/processfile"
	"github.com/artemis-ops/artemis-keeper/pkg/resourceusage"
)

type managedApp struct {
	id      string
	config  *ecosystem.AppConfig
	options processcontrol.Options
}

// NewManagedApp wires an ecosystem entry into process control options. The
// environment profile is resolved once here, at creation time.
func NewManagedApp(config *ecosystem.AppConfig, profile string, pidManager *processfile.ProcessFileManager, logger logging.Logger) (App, error) {
	if err := ecosystem.ValidateAppName(config.Name); err != nil {
		return nil, err
	}

	environment, err := ecosystem.ResolveEnvironment(config, profile)
	if err != nil {
		return nil, err
	}

	execution := process.ExecutionConfig{
		Interpreter:      config.Interpreter,
		InterpreterArgs:  config.InterpreterArgs,
		Script:           config.Script,
		Args:             config.Args,
		Environment:      environment,
		WorkingDirectory: config.Cwd,
	}

	pidFile := config.PIDFile
	if pidFile == "" && pidManager != nil {
		pidFile = pidManager.PIDFilePath(config.Name)
	}

	restart := processcontrol.RestartConfig{
		Policy:       processcontrol.RestartPolicy(config.Autorestart),
		MaxRestarts:  config.MaxRestarts,
		RestartDelay: config.RestartDelay.Std(),
		BackoffRate:  config.BackoffRate,
		MinUptime:    config.MinUptime.Std(),
	}
	if err := processcontrol.ValidateRestartConfig(restart); err != nil {
		return nil, errors.NewValidationError("invalid restart configuration", err).WithContext("app", config.Name)
	}

	healthCheck := convertHealthCheck(config.HealthCheck)
	if healthCheck != nil {
		if err := monitoring.ValidateHealthCheckConfig(*healthCheck); err != nil {
			return nil, errors.NewValidationError("invalid health check configuration", err).WithContext("app", config.Name)
		}
	}

	options := processcontrol.Options{
		ExecuteCmd:      process.NewStdExecuteCmd(execution, config.Name, logger),
		AttachCmd:       process.NewStdAttachCmd(process.DiscoveryConfig{PIDFile: pidFile}, config.Name, logger),
		GracefulTimeout: config.KillTimeout.Std(),
		Restart:         restart,
		HealthCheck:     healthCheck,
		Limits: resourceusage.LimitConfig{
			MaxMemoryBytes: config.MaxMemoryBytes,
		},
		LogRedirect: logredirect.Config{
			OutFile:         config.OutFile,
			ErrorFile:       config.ErrorFile,
			TimestampFormat: logredirect.DefaultTimestampFormat,
		},
		PIDFile: pidFile,
	}

	return &managedApp{
		id:      config.Name,
		config:  config,
		options: options,
	}, nil
}

func (a *managedApp) ID() string {
	return a.id
}

func (a *managedApp) Config() *ecosystem.AppConfig {
	return a.config
}

func (a *managedApp) ProcessControlOptions() processcontrol.Options {
	return a.options
}

// convertHealthCheck maps the ecosystem-file health check shape onto the
// runtime monitoring configuration, with run option defaults applied.
func convertHealthCheck(config ecosystem.HealthCheckConfig) *monitoring.HealthCheckConfig {
	if config.Type == "" {
		return nil
	}

	converted := monitoring.HealthCheckConfig{
		Type: monitoring.HealthCheckType(config.Type),
		HTTP: monitoring.HTTPHealthCheckConfig{
			URL:     config.URL,
			Method:  config.Method,
			Headers: config.Headers,
		},
		TCP: monitoring.TCPHealthCheckConfig{
			Address: config.Address,
			Port:    config.Port,
		},
		Exec: monitoring.ExecHealthCheckConfig{
			Command: config.Command,
			Args:    config.Args,
		},
		Interval:         config.Interval.Std(),
		Timeout:          config.Timeout.Std(),
		InitialDelay:     config.InitialDelay.Std(),
		FailureThreshold: config.FailureThreshold,
	}
	monitoring.SetHealthCheckDefaults(&converted)
	return &converted
}
