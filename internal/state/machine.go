package state

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
)

// TransitionCallback is called when a state transition occurs.
// Callbacks must not fire triggers on the same machine.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Machine wraps the stateless state machine with session-specific behavior.
type Machine struct {
	sm          *stateless.StateMachine
	fireMu      sync.Mutex
	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a new state machine starting in Idle state.
//
//	IDLE -> CONNECTING -> (QR_READY <-> CONNECTING) -> CONNECTED -> DISCONNECTED
//	DISCONNECTED -> CONNECTING (auto-retry) | IDLE (explicit stop)
func NewMachine() *Machine {
	m := &Machine{
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(StateIdle)

	sm.Configure(StateIdle).
		Permit(TriggerStart, StateConnecting).
		Ignore(TriggerStop).
		Ignore(TriggerClosed).
		Ignore(TriggerLoggedOut)

	sm.Configure(StateConnecting).
		Permit(TriggerQRIssued, StateQRReady).
		Permit(TriggerOpened, StateConnected).
		Permit(TriggerClosed, StateDisconnected).
		Permit(TriggerLoggedOut, StateDisconnected).
		Permit(TriggerStop, StateIdle).
		Ignore(TriggerPaired)

	// A fresh code replaces the previous one without leaving QR_READY.
	sm.Configure(StateQRReady).
		PermitReentry(TriggerQRIssued).
		Permit(TriggerPaired, StateConnecting).
		Permit(TriggerOpened, StateConnected).
		Permit(TriggerClosed, StateDisconnected).
		Permit(TriggerLoggedOut, StateDisconnected).
		Permit(TriggerStop, StateIdle)

	sm.Configure(StateConnected).
		Permit(TriggerClosed, StateDisconnected).
		Permit(TriggerLoggedOut, StateDisconnected).
		Permit(TriggerStop, StateIdle).
		Ignore(TriggerOpened).
		Ignore(TriggerPaired)

	sm.Configure(StateDisconnected).
		Permit(TriggerStart, StateConnecting).
		Permit(TriggerStop, StateIdle).
		Ignore(TriggerClosed).
		Ignore(TriggerLoggedOut)

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger, args ...any) error {
	m.fireMu.Lock()
	defer m.fireMu.Unlock()
	return m.sm.FireCtx(ctx, trigger, args...)
}

// OnTransition registers a callback to be called on state transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}

// IsConnected returns true if the session is fully open.
func (m *Machine) IsConnected() bool {
	return m.MustState() == StateConnected
}
