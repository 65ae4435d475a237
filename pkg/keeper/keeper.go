package keeper

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/artemis-ops/artemis-keeper/pkg/apps"
	"github.com/artemis-ops/artemis-keeper/pkg/apps/processcontrol"
	"github.com/artemis-ops/artemis-keeper/pkg/apps/processcontrolimpl"
	"github.com/artemis-ops/artemis-keeper/pkg/ecosystem"
	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/keeper/appstatemachine"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
	"github.com/artemis-ops/artemis-keeper/pkg/resourceusage"
)

// KeeperState is the lifecycle phase of the keeper itself.
type KeeperState string

const (
	KeeperStateCreated  KeeperState = "created"
	KeeperStateRunning  KeeperState = "running"
	KeeperStateStopping KeeperState = "stopping"
	KeeperStateStopped  KeeperState = "stopped"
)

// controlFactory builds process controls; swapped in tests.
type controlFactory func(options processcontrol.Options, id string, logger logging.Logger) processcontrol.ProcessControl

// appEntry pairs an app with its process control and keeper-level state
// machine.
type appEntry struct {
	app          apps.App
	control      processcontrol.ProcessControl
	stateMachine *appstatemachine.AppStateMachine
}

// AppStatus aggregates everything the keeper knows about one app.
type AppStatus struct {
	ID        string
	State     appstatemachine.AppState
	StateInfo appstatemachine.AppStateInfo
	Process   processcontrol.ProcessDiagnostics
	Usage     resourceusage.Usage
}

// Keeper is the registry and lifecycle coordinator for all supervised apps.
type Keeper struct {
	logger     logging.Logger
	newControl controlFactory

	mutex   sync.Mutex
	state   KeeperState
	entries map[string]*appEntry
}

func NewKeeper(logger logging.Logger) *Keeper {
	return &Keeper{
		logger:     logger,
		newControl: processcontrolimpl.NewProcessControl,
		state:      KeeperStateCreated,
		entries:    make(map[string]*appEntry),
	}
}

// Start marks the keeper operational. App operations are gated on this.
func (k *Keeper) Start() error {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	if k.state != KeeperStateCreated {
		return errors.NewConflictError(
			fmt.Sprintf("cannot start keeper in state: %s", k.state), nil)
	}
	k.state = KeeperStateRunning
	k.logger.Infof("Keeper started")
	return nil
}

func (k *Keeper) State() KeeperState {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	return k.state
}

func (k *Keeper) requireRunning(operation string) error {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	if k.state != KeeperStateRunning {
		return errors.NewConflictError(
			fmt.Sprintf("keeper is not running, cannot %s, state: %s", operation, k.state), nil)
	}
	return nil
}

// AddApp registers an app. Allowed before and while the keeper runs, not
// during shutdown.
func (k *Keeper) AddApp(app apps.App) error {
	id := app.ID()
	if err := ecosystem.ValidateAppName(id); err != nil {
		return err
	}

	k.mutex.Lock()
	defer k.mutex.Unlock()

	if k.state == KeeperStateStopping || k.state == KeeperStateStopped {
		return errors.NewConflictError("keeper is shutting down, cannot add app", nil).WithContext("id", id)
	}
	if _, exists := k.entries[id]; exists {
		return errors.NewConflictError("app already registered", nil).WithContext("id", id)
	}

	stateMachine := appstatemachine.NewAppStateMachine(id, k.logger)
	if err := stateMachine.Transition(appstatemachine.AppStateRegistered, "add", nil); err != nil {
		return err
	}

	appLogger := logging.NewLogger(fmt.Sprintf("app: %s , ", id), logging.LogFuncs{
		Debugf: k.logger.Debugf,
		Infof:  k.logger.Infof,
		Warnf:  k.logger.Warnf,
		Errorf: k.logger.Errorf,
	})

	k.entries[id] = &appEntry{
		app:          app,
		control:      k.newControl(app.ProcessControlOptions(), id, appLogger),
		stateMachine: stateMachine,
	}

	k.logger.Infof("App registered, id: %s, total: %d", id, len(k.entries))
	return nil
}

// RemoveApp unregisters an app that is safely stopped.
func (k *Keeper) RemoveApp(id string) error {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	entry, exists := k.entries[id]
	if !exists {
		return errors.NewNotFoundError("app not found", nil).WithContext("id", id)
	}
	if !entry.stateMachine.IsSafelyRemovable() {
		return errors.NewConflictError(
			fmt.Sprintf("cannot remove app in state: %s, stop it first", entry.stateMachine.CurrentState()), nil).WithContext("id", id)
	}

	delete(k.entries, id)
	k.logger.Infof("App removed, id: %s, total: %d", id, len(k.entries))
	return nil
}

func (k *Keeper) entry(id string) (*appEntry, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	entry, exists := k.entries[id]
	if !exists {
		return nil, errors.NewNotFoundError("app not found", nil).WithContext("id", id)
	}
	return entry, nil
}

// StartApp starts a registered app.
func (k *Keeper) StartApp(ctx context.Context, id string) error {
	if err := k.requireRunning("start app"); err != nil {
		return err
	}
	entry, err := k.entry(id)
	if err != nil {
		return err
	}

	if err := entry.stateMachine.ValidateOperation("start"); err != nil {
		return err
	}
	if err := entry.stateMachine.Transition(appstatemachine.AppStateStarting, "start", nil); err != nil {
		return err
	}

	if err := entry.control.Start(ctx); err != nil {
		if terr := entry.stateMachine.Transition(appstatemachine.AppStateFailed, "start", err); terr != nil {
			k.logger.Errorf("State transition to failed rejected, id: %s, error: %v", id, terr)
		}
		return err
	}

	if err := entry.stateMachine.Transition(appstatemachine.AppStateRunning, "start", nil); err != nil {
		return err
	}

	k.logger.Infof("App started, id: %s", id)
	return nil
}

// StopApp stops a running app.
func (k *Keeper) StopApp(ctx context.Context, id string) error {
	if err := k.requireRunning("stop app"); err != nil {
		return err
	}
	entry, err := k.entry(id)
	if err != nil {
		return err
	}
	return k.stopEntry(ctx, id, entry)
}

func (k *Keeper) stopEntry(ctx context.Context, id string, entry *appEntry) error {
	if err := entry.stateMachine.ValidateOperation("stop"); err != nil {
		return err
	}
	if err := entry.stateMachine.Transition(appstatemachine.AppStateStopping, "stop", nil); err != nil {
		return err
	}

	if err := entry.control.Stop(ctx); err != nil {
		if terr := entry.stateMachine.Transition(appstatemachine.AppStateFailed, "stop", err); terr != nil {
			k.logger.Errorf("State transition to failed rejected, id: %s, error: %v", id, terr)
		}
		return err
	}

	if err := entry.stateMachine.Transition(appstatemachine.AppStateStopped, "stop", nil); err != nil {
		return err
	}

	k.logger.Infof("App stopped, id: %s", id)
	return nil
}

// RestartApp restarts an app. force bypasses the restart breaker, used for
// file-change reloads and operator-requested restarts.
func (k *Keeper) RestartApp(ctx context.Context, id string, force bool) error {
	if err := k.requireRunning("restart app"); err != nil {
		return err
	}
	entry, err := k.entry(id)
	if err != nil {
		return err
	}

	if err := entry.stateMachine.ValidateOperation("restart"); err != nil {
		return err
	}
	if err := entry.stateMachine.Transition(appstatemachine.AppStateRestarting, "restart", nil); err != nil {
		return err
	}

	if err := entry.control.Restart(ctx, force); err != nil {
		if terr := entry.stateMachine.Transition(appstatemachine.AppStateFailed, "restart", err); terr != nil {
			k.logger.Errorf("State transition to failed rejected, id: %s, error: %v", id, terr)
		}
		return err
	}

	if err := entry.stateMachine.Transition(appstatemachine.AppStateRunning, "restart", nil); err != nil {
		return err
	}

	k.logger.Infof("App restarted, id: %s, force: %t", id, force)
	return nil
}

// AppState returns the keeper-level state of an app.
func (k *Keeper) AppState(id string) (appstatemachine.AppState, error) {
	entry, err := k.entry(id)
	if err != nil {
		return appstatemachine.AppStateUnknown, err
	}
	return entry.stateMachine.CurrentState(), nil
}

// AppStatus returns the full status of an app.
func (k *Keeper) AppStatus(id string) (AppStatus, error) {
	entry, err := k.entry(id)
	if err != nil {
		return AppStatus{}, err
	}
	return statusOf(id, entry), nil
}

// AllAppStatuses returns statuses for every registered app, sorted by ID.
func (k *Keeper) AllAppStatuses() []AppStatus {
	k.mutex.Lock()
	ids := make([]string, 0, len(k.entries))
	entries := make(map[string]*appEntry, len(k.entries))
	for id, entry := range k.entries {
		ids = append(ids, id)
		entries[id] = entry
	}
	k.mutex.Unlock()

	sort.Strings(ids)

	statuses := make([]AppStatus, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, statusOf(id, entries[id]))
	}
	return statuses
}

func statusOf(id string, entry *appEntry) AppStatus {
	return AppStatus{
		ID:        id,
		State:     entry.stateMachine.CurrentState(),
		StateInfo: entry.stateMachine.StateInfo(),
		Process:   entry.control.Diagnostics(),
		Usage:     entry.control.ResourceUsage(),
	}
}

// Shutdown stops all running apps and retires the keeper. App stop errors
// are collected, shutdown continues past them.
func (k *Keeper) Shutdown(ctx context.Context) error {
	k.mutex.Lock()
	if k.state != KeeperStateRunning && k.state != KeeperStateCreated {
		k.mutex.Unlock()
		return errors.NewConflictError(
			fmt.Sprintf("cannot shut down keeper in state: %s", k.state), nil)
	}
	k.state = KeeperStateStopping

	ids := make([]string, 0, len(k.entries))
	entries := make(map[string]*appEntry, len(k.entries))
	for id, entry := range k.entries {
		ids = append(ids, id)
		entries[id] = entry
	}
	k.mutex.Unlock()

	sort.Strings(ids)
	k.logger.Infof("Keeper shutting down, apps: %d", len(ids))

	collection := errors.NewErrorCollection()
	for _, id := range ids {
		entry := entries[id]
		if entry.stateMachine.ValidateOperation("stop") != nil {
			continue
		}
		if err := k.stopEntry(ctx, id, entry); err != nil {
			k.logger.Errorf("Failed to stop app during shutdown, id: %s, error: %v", id, err)
			collection.Add(err)
		}
	}

	k.mutex.Lock()
	k.state = KeeperStateStopped
	k.mutex.Unlock()

	k.logger.Infof("Keeper shut down")
	return collection.ToError()
}
