// Package turn orchestrates one chat turn from inbound message to terminal
// event.
package turn

import "github.com/qmuntal/stateless"

// FSM states. One machine is created per turn; it enforces the dispatch
// ordering and loops back to AwaitTurn when the terminal event is out.
type FSMState stateless.State

var (
	StateAwaitTurn        FSMState = "AwaitTurn"
	StateSessionValidated FSMState = "SessionValidated"
	StateContextBuilt     FSMState = "ContextBuilt"
	StateModelResolved    FSMState = "ModelResolved"
	StatePluginDispatch   FSMState = "PluginDispatch"
	StateNativeStream     FSMState = "NativeStream"
	StatePersisted        FSMState = "Persisted"
	StateError            FSMState = "Error"
)

// FSM triggers.
type FSMTrigger stateless.Trigger

var (
	TriggerSessionValidated FSMTrigger = "SessionValidated"
	TriggerContextBuilt     FSMTrigger = "ContextBuilt"
	TriggerModelResolved    FSMTrigger = "ModelResolved"
	TriggerPluginDispatch   FSMTrigger = "PluginDispatch"
	TriggerNativeStream     FSMTrigger = "NativeStream"
	TriggerPluginFellThru   FSMTrigger = "PluginFellThrough"
	TriggerPersisted        FSMTrigger = "Persisted"
	TriggerCompleted        FSMTrigger = "Completed"
	TriggerFailed           FSMTrigger = "Failed"
)

// newMachine builds the per-turn state machine. Error is reachable from
// every non-terminal state.
func newMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateAwaitTurn)

	fsm.Configure(StateAwaitTurn).
		Permit(TriggerSessionValidated, StateSessionValidated).
		Permit(TriggerFailed, StateError)

	fsm.Configure(StateSessionValidated).
		Permit(TriggerContextBuilt, StateContextBuilt).
		Permit(TriggerFailed, StateError)

	fsm.Configure(StateContextBuilt).
		Permit(TriggerModelResolved, StateModelResolved).
		Permit(TriggerFailed, StateError)

	fsm.Configure(StateModelResolved).
		Permit(TriggerPluginDispatch, StatePluginDispatch).
		Permit(TriggerNativeStream, StateNativeStream).
		Permit(TriggerFailed, StateError)

	fsm.Configure(StatePluginDispatch).
		// A failing plugin is not fatal; the turn falls through to native.
		Permit(TriggerPluginFellThru, StateNativeStream).
		Permit(TriggerPersisted, StatePersisted).
		Permit(TriggerFailed, StateError)

	fsm.Configure(StateNativeStream).
		Permit(TriggerPersisted, StatePersisted).
		Permit(TriggerFailed, StateError)

	fsm.Configure(StatePersisted).
		Permit(TriggerCompleted, StateAwaitTurn)

	return fsm
}
