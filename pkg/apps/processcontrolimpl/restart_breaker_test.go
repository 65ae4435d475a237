package processcontrolimpl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/artemis-ops/artemis-keeper/pkg/apps/processcontrol"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
)

// MockLogger swallows log output while recording calls.
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) logf(format string, args ...interface{}) {}

func newMockLogger() logging.Logger {
	m := &MockLogger{}
	return logging.NewLogger("", logging.LogFuncs{
		Debugf: m.logf,
		Infof:  m.logf,
		Warnf:  m.logf,
		Errorf: m.logf,
	})
}

func testRestartConfig() processcontrol.RestartConfig {
	return processcontrol.RestartConfig{
		Policy:       processcontrol.RestartOnFailure,
		MaxRestarts:  2,
		RestartDelay: time.Millisecond,
		BackoffRate:  2.0,
		MinUptime:    time.Second,
	}
}

func TestRestartBreakerExecutesRestart(t *testing.T) {
	breaker := NewRestartBreaker(testRestartConfig(), "artemis", newMockLogger())

	calls := 0
	err := breaker.ExecuteRestart(func() error {
		calls++
		return nil
	}, processcontrol.RestartTriggerCrash, "exit code 1")

	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	state := breaker.State()
	assert.False(t, state.IsOpen)
	assert.Equal(t, 1, state.TotalRestarts)
	assert.Equal(t, processcontrol.RestartTriggerCrash, state.LastTrigger)
}

func TestRestartBreakerOpensAfterBudget(t *testing.T) {
	breaker := NewRestartBreaker(testRestartConfig(), "artemis", newMockLogger())

	// Two unstable starts are within budget
	for i := 0; i < 2; i++ {
		breaker.RecordExit(10 * time.Millisecond)
		err := breaker.ExecuteRestart(func() error { return nil }, processcontrol.RestartTriggerCrash, "crash")
		require.NoError(t, err)
	}

	// The third unstable start exceeds MaxRestarts=2
	breaker.RecordExit(10 * time.Millisecond)
	err := breaker.ExecuteRestart(func() error {
		t.Fatal("restart must not run once the budget is exhausted")
		return nil
	}, processcontrol.RestartTriggerCrash, "crash")
	require.Error(t, err)
	assert.True(t, breaker.State().IsOpen)

	// Subsequent requests are rejected outright
	err = breaker.ExecuteRestart(func() error { return nil }, processcontrol.RestartTriggerManual, "manual")
	require.Error(t, err)
}

func TestRestartBreakerStableRunResetsBudget(t *testing.T) {
	breaker := NewRestartBreaker(testRestartConfig(), "artemis", newMockLogger())

	breaker.RecordExit(10 * time.Millisecond)
	breaker.RecordExit(10 * time.Millisecond)
	assert.Equal(t, 2, breaker.State().UnstableStarts)

	// A run longer than min_uptime clears the unstable streak
	breaker.RecordExit(2 * time.Second)
	assert.Equal(t, 0, breaker.State().UnstableStarts)
}

func TestRestartBreakerReset(t *testing.T) {
	breaker := NewRestartBreaker(testRestartConfig(), "artemis", newMockLogger())

	for i := 0; i < 3; i++ {
		breaker.RecordExit(10 * time.Millisecond)
	}
	err := breaker.ExecuteRestart(func() error { return nil }, processcontrol.RestartTriggerCrash, "crash")
	require.Error(t, err)
	require.True(t, breaker.State().IsOpen)

	breaker.Reset()
	state := breaker.State()
	assert.False(t, state.IsOpen)
	assert.Equal(t, 0, state.UnstableStarts)

	err = breaker.ExecuteRestart(func() error { return nil }, processcontrol.RestartTriggerManual, "manual")
	assert.NoError(t, err)
}

func TestRestartBreakerPropagatesRestartError(t *testing.T) {
	breaker := NewRestartBreaker(testRestartConfig(), "artemis", newMockLogger())

	err := breaker.ExecuteRestart(func() error {
		return assert.AnError
	}, processcontrol.RestartTriggerHealthFailure, "unhealthy")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestValidateRestartConfig(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*processcontrol.RestartConfig)
		expectError bool
	}{
		{name: "valid", mutate: func(c *processcontrol.RestartConfig) {}},
		{name: "bad policy", mutate: func(c *processcontrol.RestartConfig) { c.Policy = "maybe" }, expectError: true},
		{name: "negative max restarts", mutate: func(c *processcontrol.RestartConfig) { c.MaxRestarts = -1 }, expectError: true},
		{name: "negative delay", mutate: func(c *processcontrol.RestartConfig) { c.RestartDelay = -time.Second }, expectError: true},
		{name: "zero backoff", mutate: func(c *processcontrol.RestartConfig) { c.BackoffRate = 0 }, expectError: true},
		{name: "negative min uptime", mutate: func(c *processcontrol.RestartConfig) { c.MinUptime = -time.Second }, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testRestartConfig()
			tt.mutate(&config)
			err := processcontrol.ValidateRestartConfig(config)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
