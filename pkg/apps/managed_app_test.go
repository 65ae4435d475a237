package apps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemis-ops/artemis-keeper/pkg/apps/processcontrol"
	"github.com/artemis-ops/artemis-keeper/pkg/ecosystem"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
	"github.com/artemis-ops/artemis-keeper/pkg/monitoring"
	"github.com/artemis-ops/artemis-keeper/pkg/processfile"
)

func newTestLogger() logging.Logger {
	nop := func(format string, args ...interface{}) {}
	return logging.NewLogger("", logging.LogFuncs{
		Debugf: nop,
		Infof:  nop,
		Warnf:  nop,
		Errorf: nop,
	})
}

func artemisConfig() *ecosystem.AppConfig {
	return &ecosystem.AppConfig{
		Name:            "artemis",
		Interpreter:     "python3",
		InterpreterArgs: []string{"-m"},
		Script:          "artemis.bot",
		Env:             map[string]string{"PYTHONUNBUFFERED": "1"},
		Envs: map[string]map[string]string{
			"production": {"ENV": "production"},
		},
		OutFile:      "/var/log/artemis.log",
		ErrorFile:    "/var/log/artemis-error.log",
		Autorestart:  ecosystem.RestartOnFailure,
		MaxRestarts:  16,
		RestartDelay: ecosystem.Duration(2 * time.Second),
		BackoffRate:  1.5,
		MinUptime:    ecosystem.Duration(10 * time.Second),
		KillTimeout:  ecosystem.Duration(20 * time.Second),
	}
}

func TestNewManagedApp(t *testing.T) {
	pidManager := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory: t.TempDir(),
	}, newTestLogger())

	app, err := NewManagedApp(artemisConfig(), "production", pidManager, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, "artemis", app.ID())

	options := app.ProcessControlOptions()
	assert.NotNil(t, options.ExecuteCmd)
	assert.NotNil(t, options.AttachCmd)
	assert.Equal(t, 20*time.Second, options.GracefulTimeout)
	assert.Equal(t, processcontrol.RestartOnFailure, options.Restart.Policy)
	assert.Equal(t, 16, options.Restart.MaxRestarts)
	assert.Equal(t, 2*time.Second, options.Restart.RestartDelay)
	assert.Equal(t, 10*time.Second, options.Restart.MinUptime)
	assert.Nil(t, options.HealthCheck)
	assert.Equal(t, "/var/log/artemis.log", options.LogRedirect.OutFile)
	assert.NotEmpty(t, options.PIDFile)
}

func TestNewManagedAppUnknownProfile(t *testing.T) {
	_, err := NewManagedApp(artemisConfig(), "qa", nil, newTestLogger())
	assert.Error(t, err)
}

func TestNewManagedAppRejectsBadName(t *testing.T) {
	config := artemisConfig()
	config.Name = "artemis bot"
	_, err := NewManagedApp(config, "", nil, newTestLogger())
	assert.Error(t, err)
}

func TestNewManagedAppHealthCheckConversion(t *testing.T) {
	config := artemisConfig()
	config.HealthCheck = ecosystem.HealthCheckConfig{
		Type:     "process",
		Interval: ecosystem.Duration(10 * time.Second),
	}

	app, err := NewManagedApp(config, "", nil, newTestLogger())
	require.NoError(t, err)

	options := app.ProcessControlOptions()
	require.NotNil(t, options.HealthCheck)
	assert.Equal(t, monitoring.HealthCheckTypeProcess, options.HealthCheck.Type)
	assert.Equal(t, 10*time.Second, options.HealthCheck.Interval)
	// Defaults filled for the rest
	assert.Equal(t, 5*time.Second, options.HealthCheck.Timeout)
	assert.Equal(t, 3, options.HealthCheck.FailureThreshold)
}

func TestNewManagedAppExplicitPIDFile(t *testing.T) {
	config := artemisConfig()
	config.PIDFile = "/run/custom/artemis.pid"

	app, err := NewManagedApp(config, "", nil, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, "/run/custom/artemis.pid", app.ProcessControlOptions().PIDFile)
}
