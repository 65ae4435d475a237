package appstatemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemis-ops/artemis-keeper/pkg/logging"
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

func TestLifecycleHappyPath(t *testing.T) {
	sm := NewAppStateMachine("artemis", newTestLogger())
	assert.Equal(t, AppStateUnknown, sm.CurrentState())

	require.NoError(t, sm.Transition(AppStateRegistered, "add", nil))
	require.NoError(t, sm.Transition(AppStateStarting, "start", nil))
	require.NoError(t, sm.Transition(AppStateRunning, "start", nil))
	require.NoError(t, sm.Transition(AppStateStopping, "stop", nil))
	require.NoError(t, sm.Transition(AppStateStopped, "stop", nil))

	info := sm.StateInfo()
	assert.Equal(t, AppStateStopped, info.CurrentState)
	assert.Equal(t, AppStateStopping, info.PreviousState)
	assert.Equal(t, "stop", info.LastOperation)
	assert.False(t, info.LastTransition.IsZero())
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name   string
		setup  []AppState
		target AppState
	}{
		{name: "unknown cannot start", target: AppStateStarting},
		{name: "unknown cannot run", target: AppStateRunning},
		{name: "registered cannot stop", setup: []AppState{AppStateRegistered}, target: AppStateStopping},
		{name: "stopped cannot re-register", setup: []AppState{AppStateRegistered, AppStateStarting, AppStateRunning, AppStateStopping, AppStateStopped}, target: AppStateRegistered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewAppStateMachine("artemis", newTestLogger())
			for _, state := range tt.setup {
				require.NoError(t, sm.Transition(state, "setup", nil))
			}
			assert.Error(t, sm.Transition(tt.target, "test", nil))
		})
	}
}

func TestFailedStateRecordsCause(t *testing.T) {
	sm := NewAppStateMachine("artemis", newTestLogger())
	require.NoError(t, sm.Transition(AppStateRegistered, "add", nil))
	require.NoError(t, sm.Transition(AppStateStarting, "start", nil))
	require.NoError(t, sm.Transition(AppStateFailed, "start", assert.AnError))

	info := sm.StateInfo()
	assert.Equal(t, AppStateFailed, info.CurrentState)
	assert.Equal(t, assert.AnError.Error(), info.LastError)

	// Failed apps can be started again, which clears the error
	require.NoError(t, sm.Transition(AppStateStarting, "start", nil))
	require.NoError(t, sm.Transition(AppStateRunning, "start", nil))
	assert.Empty(t, sm.StateInfo().LastError)
}

func TestOperationGating(t *testing.T) {
	sm := NewAppStateMachine("artemis", newTestLogger())

	assert.False(t, sm.IsOperationAllowed("start"))
	assert.Error(t, sm.ValidateOperation("start"))

	require.NoError(t, sm.Transition(AppStateRegistered, "add", nil))
	assert.True(t, sm.IsOperationAllowed("start"))
	assert.False(t, sm.IsOperationAllowed("stop"))
	assert.True(t, sm.IsOperationAllowed("remove"))
	assert.NoError(t, sm.ValidateOperation("start"))

	require.NoError(t, sm.Transition(AppStateStarting, "start", nil))
	require.NoError(t, sm.Transition(AppStateRunning, "start", nil))
	assert.True(t, sm.IsOperationAllowed("stop"))
	assert.True(t, sm.IsOperationAllowed("restart"))
	assert.False(t, sm.IsOperationAllowed("remove"))
	assert.False(t, sm.IsOperationAllowed("unknown-op"))
}

func TestIsSafelyRemovable(t *testing.T) {
	sm := NewAppStateMachine("artemis", newTestLogger())
	assert.True(t, sm.IsSafelyRemovable())

	require.NoError(t, sm.Transition(AppStateRegistered, "add", nil))
	assert.True(t, sm.IsSafelyRemovable())

	require.NoError(t, sm.Transition(AppStateStarting, "start", nil))
	assert.False(t, sm.IsSafelyRemovable())

	require.NoError(t, sm.Transition(AppStateRunning, "start", nil))
	assert.False(t, sm.IsSafelyRemovable())

	require.NoError(t, sm.Transition(AppStateStopping, "stop", nil))
	require.NoError(t, sm.Transition(AppStateStopped, "stop", nil))
	assert.True(t, sm.IsSafelyRemovable())
}
