package keeper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemis-ops/artemis-keeper/pkg/apps/processcontrol"
	"github.com/artemis-ops/artemis-keeper/pkg/ecosystem"
	"github.com/artemis-ops/artemis-keeper/pkg/keeper/appstatemachine"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
	"github.com/artemis-ops/artemis-keeper/pkg/resourceusage"
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

type fakeApp struct {
	id string
}

func (a *fakeApp) ID() string                                    { return a.id }
func (a *fakeApp) Config() *ecosystem.AppConfig                  { return &ecosystem.AppConfig{Name: a.id} }
func (a *fakeApp) ProcessControlOptions() processcontrol.Options { return processcontrol.Options{} }

type fakeControl struct {
	state        processcontrol.ProcessState
	startErr     error
	stopErr      error
	startCalls   int
	stopCalls    int
	restartCalls int
	lastForce    bool
}

func (c *fakeControl) Start(ctx context.Context) error {
	c.startCalls++
	if c.startErr != nil {
		return c.startErr
	}
	c.state = processcontrol.ProcessStateRunning
	return nil
}

func (c *fakeControl) Stop(ctx context.Context) error {
	c.stopCalls++
	if c.stopErr != nil {
		return c.stopErr
	}
	c.state = processcontrol.ProcessStateIdle
	return nil
}

func (c *fakeControl) Restart(ctx context.Context, force bool) error {
	c.restartCalls++
	c.lastForce = force
	c.state = processcontrol.ProcessStateRunning
	return nil
}

func (c *fakeControl) State() processcontrol.ProcessState { return c.state }
func (c *fakeControl) Diagnostics() processcontrol.ProcessDiagnostics {
	return processcontrol.ProcessDiagnostics{State: c.state}
}
func (c *fakeControl) ResourceUsage() resourceusage.Usage { return resourceusage.Usage{} }

func newTestKeeper(t *testing.T) (*Keeper, map[string]*fakeControl) {
	t.Helper()
	controls := make(map[string]*fakeControl)
	k := NewKeeper(newTestLogger())
	k.newControl = func(options processcontrol.Options, id string, logger logging.Logger) processcontrol.ProcessControl {
		control := &fakeControl{state: processcontrol.ProcessStateIdle}
		controls[id] = control
		return control
	}
	return k, controls
}

func TestAddApp(t *testing.T) {
	k, _ := newTestKeeper(t)

	require.NoError(t, k.AddApp(&fakeApp{id: "artemis"}))

	state, err := k.AppState("artemis")
	require.NoError(t, err)
	assert.Equal(t, appstatemachine.AppStateRegistered, state)

	// Duplicate registration rejected
	assert.Error(t, k.AddApp(&fakeApp{id: "artemis"}))

	// Invalid names rejected
	assert.Error(t, k.AddApp(&fakeApp{id: "bad name"}))
}

func TestStartAppRequiresRunningKeeper(t *testing.T) {
	k, _ := newTestKeeper(t)
	require.NoError(t, k.AddApp(&fakeApp{id: "artemis"}))

	err := k.StartApp(context.Background(), "artemis")
	assert.Error(t, err)

	require.NoError(t, k.Start())
	assert.NoError(t, k.StartApp(context.Background(), "artemis"))
}

func TestAppLifecycle(t *testing.T) {
	k, controls := newTestKeeper(t)
	require.NoError(t, k.Start())
	require.NoError(t, k.AddApp(&fakeApp{id: "artemis"}))

	ctx := context.Background()

	require.NoError(t, k.StartApp(ctx, "artemis"))
	state, _ := k.AppState("artemis")
	assert.Equal(t, appstatemachine.AppStateRunning, state)
	assert.Equal(t, 1, controls["artemis"].startCalls)

	// Starting twice is rejected by the state machine
	assert.Error(t, k.StartApp(ctx, "artemis"))

	require.NoError(t, k.RestartApp(ctx, "artemis", true))
	assert.Equal(t, 1, controls["artemis"].restartCalls)
	assert.True(t, controls["artemis"].lastForce)

	require.NoError(t, k.StopApp(ctx, "artemis"))
	state, _ = k.AppState("artemis")
	assert.Equal(t, appstatemachine.AppStateStopped, state)

	// Stopped apps can be started again
	assert.NoError(t, k.StartApp(ctx, "artemis"))
}

func TestStartFailureMarksFailed(t *testing.T) {
	k, controls := newTestKeeper(t)
	require.NoError(t, k.Start())
	require.NoError(t, k.AddApp(&fakeApp{id: "artemis"}))
	ctx := context.Background()

	// First start must fail before the control is consulted again
	require.NoError(t, k.StartApp(ctx, "artemis"))
	require.NoError(t, k.StopApp(ctx, "artemis"))

	controls["artemis"].startErr = assert.AnError
	err := k.StartApp(ctx, "artemis")
	require.Error(t, err)

	state, _ := k.AppState("artemis")
	assert.Equal(t, appstatemachine.AppStateFailed, state)

	// Failed apps may retry
	controls["artemis"].startErr = nil
	assert.NoError(t, k.StartApp(ctx, "artemis"))
}

func TestRemoveApp(t *testing.T) {
	k, _ := newTestKeeper(t)
	require.NoError(t, k.Start())
	require.NoError(t, k.AddApp(&fakeApp{id: "artemis"}))
	ctx := context.Background()

	require.NoError(t, k.StartApp(ctx, "artemis"))
	assert.Error(t, k.RemoveApp("artemis"))

	require.NoError(t, k.StopApp(ctx, "artemis"))
	assert.NoError(t, k.RemoveApp("artemis"))

	assert.Error(t, k.RemoveApp("artemis"))
}

func TestShutdownStopsRunningApps(t *testing.T) {
	k, controls := newTestKeeper(t)
	require.NoError(t, k.Start())
	require.NoError(t, k.AddApp(&fakeApp{id: "artemis"}))
	require.NoError(t, k.AddApp(&fakeApp{id: "apollo"}))
	ctx := context.Background()

	require.NoError(t, k.StartApp(ctx, "artemis"))
	// apollo stays registered, never started

	require.NoError(t, k.Shutdown(ctx))
	assert.Equal(t, KeeperStateStopped, k.State())
	assert.Equal(t, 1, controls["artemis"].stopCalls)
	assert.Equal(t, 0, controls["apollo"].stopCalls)

	// No operations after shutdown
	assert.Error(t, k.StartApp(ctx, "artemis"))
	assert.Error(t, k.AddApp(&fakeApp{id: "hermes"}))
}

func TestAllAppStatusesSorted(t *testing.T) {
	k, _ := newTestKeeper(t)
	require.NoError(t, k.AddApp(&fakeApp{id: "zeus"}))
	require.NoError(t, k.AddApp(&fakeApp{id: "artemis"}))
	require.NoError(t, k.AddApp(&fakeApp{id: "hermes"}))

	statuses := k.AllAppStatuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "artemis", statuses[0].ID)
	assert.Equal(t, "hermes", statuses[1].ID)
	assert.Equal(t, "zeus", statuses[2].ID)
}

func TestAppStatusNotFound(t *testing.T) {
	k, _ := newTestKeeper(t)
	_, err := k.AppStatus("ghost")
	assert.Error(t, err)
}
