package appstatemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
)

// AppState is the keeper-level lifecycle state of an app, layered above the
// process control state.
type AppState string

const (
	AppStateUnknown    AppState = "unknown"
	AppStateRegistered AppState = "registered"
	AppStateStarting   AppState = "starting"
	AppStateRunning    AppState = "running"
	AppStateRestarting AppState = "restarting"
	AppStateStopping   AppState = "stopping"
	AppStateStopped    AppState = "stopped"
	AppStateFailed     AppState = "failed"
)

// validTransitions defines the allowed state graph.
var validTransitions = map[AppState][]AppState{
	AppStateUnknown:    {AppStateRegistered},
	AppStateRegistered: {AppStateStarting},
	AppStateStarting:   {AppStateRunning, AppStateFailed, AppStateStopping},
	AppStateRunning:    {AppStateStopping, AppStateRestarting, AppStateFailed},
	AppStateRestarting: {AppStateRunning, AppStateFailed, AppStateStopping},
	AppStateStopping:   {AppStateStopped, AppStateFailed},
	AppStateStopped:    {AppStateStarting},
	AppStateFailed:     {AppStateStarting, AppStateStopping},
}

// operationStates maps keeper operations to the states they are allowed in.
var operationStates = map[string][]AppState{
	"start":   {AppStateRegistered, AppStateStopped, AppStateFailed},
	"stop":    {AppStateStarting, AppStateRunning, AppStateRestarting, AppStateFailed},
	"restart": {AppStateRunning, AppStateStopped, AppStateFailed},
	"remove":  {AppStateRegistered, AppStateStopped, AppStateFailed},
}

// AppStateInfo is a snapshot of the state machine.
type AppStateInfo struct {
	CurrentState   AppState
	PreviousState  AppState
	LastTransition time.Time
	LastOperation  string
	LastError      string
}

// AppStateMachine tracks and validates lifecycle transitions for one app.
type AppStateMachine struct {
	id     string
	logger logging.Logger

	mutex          sync.Mutex
	current        AppState
	previous       AppState
	lastTransition time.Time
	lastOperation  string
	lastError      string
}

func NewAppStateMachine(id string, logger logging.Logger) *AppStateMachine {
	return &AppStateMachine{
		id:      id,
		logger:  logger,
		current: AppStateUnknown,
	}
}

func (sm *AppStateMachine) CurrentState() AppState {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.current
}

func (sm *AppStateMachine) StateInfo() AppStateInfo {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return AppStateInfo{
		CurrentState:   sm.current,
		PreviousState:  sm.previous,
		LastTransition: sm.lastTransition,
		LastOperation:  sm.lastOperation,
		LastError:      sm.lastError,
	}
}

// Transition moves to the target state if the state graph allows it. cause
// records the error that drove a transition into failed.
func (sm *AppStateMachine) Transition(target AppState, operation string, cause error) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	allowed := false
	for _, next := range validTransitions[sm.current] {
		if next == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.NewConflictError(
			fmt.Sprintf("invalid state transition: %s -> %s", sm.current, target), nil).
			WithContext("id", sm.id).WithContext("operation", operation)
	}

	sm.logger.Debugf("App state transition, id: %s, %s -> %s, operation: %s", sm.id, sm.current, target, operation)

	sm.previous = sm.current
	sm.current = target
	sm.lastTransition = time.Now()
	sm.lastOperation = operation
	if cause != nil {
		sm.lastError = cause.Error()
	} else if target != AppStateFailed {
		sm.lastError = ""
	}

	return nil
}

// ValidateOperation checks whether an operation may run in the current state.
func (sm *AppStateMachine) ValidateOperation(operation string) error {
	if sm.IsOperationAllowed(operation) {
		return nil
	}
	return errors.NewConflictError(
		fmt.Sprintf("operation %q not allowed in state %s", operation, sm.CurrentState()), nil).WithContext("id", sm.id)
}

func (sm *AppStateMachine) IsOperationAllowed(operation string) bool {
	states, ok := operationStates[operation]
	if !ok {
		return false
	}
	current := sm.CurrentState()
	for _, state := range states {
		if state == current {
			return true
		}
	}
	return false
}

// IsSafelyRemovable reports whether the app can leave the registry without
// orphaning a process.
func (sm *AppStateMachine) IsSafelyRemovable() bool {
	switch sm.CurrentState() {
	case AppStateUnknown, AppStateRegistered, AppStateStopped, AppStateFailed:
		return true
	default:
		return false
	}
}
