package call

// State is a call session state.
type State string

const (
	StateIdle         State = "idle"
	StateRinging      State = "ringing"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateEnded        State = "ended"
)

// EventType drives a state transition.
type EventType string

const (
	EventInitiate   EventType = "initiate"
	EventAccept     EventType = "accept"
	EventReject     EventType = "reject"
	EventHangup     EventType = "hangup"
	EventTimeout    EventType = "timeout"
	EventDisconnect EventType = "disconnect"
	EventReconnect  EventType = "reconnect"
	EventFail       EventType = "fail"
	EventBlock      EventType = "block"
	EventCancel     EventType = "cancel"
)

// transitions is the complete transition table. Any (state, event) pair
// absent here is an invalid transition; there is deliberately no branching
// anywhere else.
var transitions = map[State]map[EventType]State{
	StateIdle: {
		EventInitiate: StateRinging,
	},
	StateRinging: {
		EventAccept:  StateActive,
		EventReject:  StateEnded,
		EventHangup:  StateEnded,
		EventTimeout: StateEnded,
		EventBlock:   StateEnded,
		EventCancel:  StateEnded,
	},
	StateActive: {
		EventHangup:     StateEnded,
		EventDisconnect: StateReconnecting,
		EventBlock:      StateEnded,
	},
	StateReconnecting: {
		EventHangup:    StateEnded,
		EventReconnect: StateActive,
		EventFail:      StateEnded,
		EventBlock:     StateEnded,
	},
	StateEnded: {},
}

// Next returns the state after applying event to state, or a bad-input
// error when the table has no such transition. Ended is terminal.
func Next(s State, ev EventType) (State, error) {
	next, ok := transitions[s][ev]
	if !ok {
		return s, E(KindBadInput, "invalid transition: %s on %s", ev, s)
	}
	return next, nil
}
