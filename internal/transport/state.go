package transport

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the connection state reported to observers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const (
	evConnect = "connect"
	evOpen    = "open"
	evDrop    = "drop"
	evRetry   = "retry"
	evClose   = "close"
)

// newStateMachine builds the connection lifecycle:
// disconnected -> connecting -> connected, drops back to disconnected, retries through
// reconnecting, and close returns to disconnected from anywhere.
func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: evConnect, Src: []string{string(StateDisconnected), string(StateReconnecting)}, Dst: string(StateConnecting)},
			{Name: evOpen, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: evDrop, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateDisconnected)},
			{Name: evRetry, Src: []string{string(StateDisconnected)}, Dst: string(StateReconnecting)},
			{Name: evClose, Src: []string{string(StateConnecting), string(StateConnected), string(StateReconnecting)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{},
	)
}

// fire applies event if the current state allows it and reports whether the state changed.
func fire(m *fsm.FSM, event string) bool {
	if !m.Can(event) {
		return false
	}
	return m.Event(context.Background(), event) == nil
}
