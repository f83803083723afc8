package session

import "github.com/zulandar/courier/internal/conn"

// State is the lifecycle state of one session.
type State int

const (
	StateUninitialized State = iota
	StatePairing
	StateConnected
	StateReconnecting
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePairing:
		return "pairing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// InputKind tags an Input.
type InputKind int

const (
	// InputStart begins a new connection attempt.
	InputStart InputKind = iota + 1
	// InputPairing is a pairing challenge from the handle.
	InputPairing
	// InputOpened is a successful open with no mobile conflict.
	InputOpened
	// InputConflict is an open whose mobile is already bound elsewhere.
	InputConflict
	// InputClosed is a non-terminal disconnect.
	InputClosed
	// InputLoggedOut is a terminal disconnect or a confirmed logout.
	InputLoggedOut
	// InputLogoutRequest is an explicit logout asked for by a caller.
	InputLogoutRequest
	// InputLogoutFailed reports that the handle refused the logout.
	InputLogoutFailed
	// InputRestoreFailed ends a restore attempt that never reached an identity.
	InputRestoreFailed
	// InputDialFailed reports a handle that could not be constructed.
	InputDialFailed
	// InputUnavailable reports a dial that never reached the transport.
	InputUnavailable
	// InputAbandoned ends an attempt whose waiting caller gave up before it
	// reached an identity.
	InputAbandoned
)

func (k InputKind) String() string {
	switch k {
	case InputStart:
		return "start"
	case InputPairing:
		return "pairing"
	case InputOpened:
		return "opened"
	case InputConflict:
		return "conflict"
	case InputClosed:
		return "closed"
	case InputLoggedOut:
		return "logged-out"
	case InputLogoutRequest:
		return "logout-request"
	case InputLogoutFailed:
		return "logout-failed"
	case InputRestoreFailed:
		return "restore-failed"
	case InputDialFailed:
		return "dial-failed"
	case InputUnavailable:
		return "unavailable"
	case InputAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Input is one event fed to the state machine.
type Input struct {
	Kind   InputKind
	Reason int // InputClosed, InputLoggedOut
}

// Effect is a side effect the caller of Transition must perform, in order.
type Effect int

const (
	EffectIssueCode Effect = iota + 1
	EffectBind
	EffectUpsertStatus
	EffectNotifyConnected
	EffectReportConnected
	EffectStartPresence
	EffectStopPresence
	EffectCancelReconnect
	EffectScheduleReconnect
	EffectDetach
	EffectLogoutHandle
	EffectCloseHandle
	EffectMarkLoggedOut
	EffectRemoveCredentials
	EffectUnregister
	EffectNotifyLogout
	EffectNotifyConflict
	EffectReportConflict
	EffectReportFailure
)

var effectNames = map[Effect]string{
	EffectIssueCode:         "issue-code",
	EffectBind:              "bind",
	EffectUpsertStatus:      "upsert-status",
	EffectNotifyConnected:   "notify-connected",
	EffectReportConnected:   "report-connected",
	EffectStartPresence:     "start-presence",
	EffectStopPresence:      "stop-presence",
	EffectCancelReconnect:   "cancel-reconnect",
	EffectScheduleReconnect: "schedule-reconnect",
	EffectDetach:            "detach",
	EffectLogoutHandle:      "logout-handle",
	EffectCloseHandle:       "close-handle",
	EffectMarkLoggedOut:     "mark-logged-out",
	EffectRemoveCredentials: "remove-credentials",
	EffectUnregister:        "unregister",
	EffectNotifyLogout:      "notify-logout",
	EffectNotifyConflict:    "notify-conflict",
	EffectReportConflict:    "report-conflict",
	EffectReportFailure:     "report-failure",
}

func (e Effect) String() string {
	if n, ok := effectNames[e]; ok {
		return n
	}
	return "unknown"
}

// Machine is the per-session state. CodeIssued is scoped to one connection
// attempt and reset by InputStart.
type Machine struct {
	State      State
	CodeIssued bool
}

// Transition computes the next machine and the effects to run. It performs no
// I/O. Inputs that make no sense in the current state return the machine
// unchanged with no effects; a terminated machine ignores everything.
func Transition(m Machine, in Input) (Machine, []Effect) {
	if m.State == StateTerminated {
		return m, nil
	}

	switch in.Kind {
	case InputStart:
		switch m.State {
		case StateUninitialized, StateReconnecting, StatePairing:
			return Machine{State: StateUninitialized}, []Effect{EffectCancelReconnect}
		}

	case InputPairing:
		switch m.State {
		case StateUninitialized, StatePairing:
			if m.CodeIssued {
				return m, nil
			}
			return Machine{State: StatePairing, CodeIssued: true}, []Effect{EffectIssueCode}
		}

	case InputOpened:
		switch m.State {
		case StateUninitialized, StatePairing, StateReconnecting:
			return Machine{State: StateConnected, CodeIssued: m.CodeIssued}, []Effect{
				EffectCancelReconnect,
				EffectBind,
				EffectUpsertStatus,
				EffectNotifyConnected,
				EffectReportConnected,
				EffectStartPresence,
			}
		}

	case InputConflict:
		return Machine{State: StateTerminated}, []Effect{
			EffectStopPresence,
			EffectCancelReconnect,
			EffectLogoutHandle,
			EffectCloseHandle,
			EffectRemoveCredentials,
			EffectUnregister,
			EffectNotifyConflict,
			EffectReportConflict,
		}

	case InputClosed:
		switch m.State {
		case StatePairing:
			// An expired pairing challenge ends the attempt for good; any
			// other close while pairing (notably restart-required after a
			// scan) reconnects.
			if in.Reason == conn.ReasonTimedOut {
				return Machine{State: StateTerminated}, []Effect{
					EffectCancelReconnect,
					EffectCloseHandle,
					EffectRemoveCredentials,
					EffectUnregister,
					EffectReportFailure,
				}
			}
			return Machine{State: StateReconnecting}, []Effect{
				EffectDetach,
				EffectCloseHandle,
				EffectScheduleReconnect,
			}
		case StateUninitialized, StateConnected:
			return Machine{State: StateReconnecting}, []Effect{
				EffectStopPresence,
				EffectDetach,
				EffectCloseHandle,
				EffectScheduleReconnect,
			}
		}

	case InputLoggedOut:
		return Machine{State: StateTerminated}, []Effect{
			EffectStopPresence,
			EffectCancelReconnect,
			EffectCloseHandle,
			EffectMarkLoggedOut,
			EffectRemoveCredentials,
			EffectUnregister,
			EffectNotifyLogout,
			EffectReportFailure,
		}

	case InputLogoutRequest:
		if m.State == StateConnected {
			return Machine{State: StateClosing, CodeIssued: m.CodeIssued}, []Effect{
				EffectStopPresence,
				EffectLogoutHandle,
			}
		}

	case InputLogoutFailed:
		if m.State == StateClosing {
			return Machine{State: StateConnected, CodeIssued: m.CodeIssued}, []Effect{EffectStartPresence}
		}

	case InputRestoreFailed:
		return Machine{State: StateTerminated}, []Effect{
			EffectStopPresence,
			EffectCancelReconnect,
			EffectCloseHandle,
			EffectMarkLoggedOut,
			EffectRemoveCredentials,
			EffectUnregister,
			EffectReportFailure,
		}

	case InputDialFailed:
		return Machine{State: StateTerminated}, []Effect{
			EffectCancelReconnect,
			EffectUnregister,
			EffectReportFailure,
		}

	case InputUnavailable:
		// Credentials are untouched; try again after the backoff.
		if m.State == StateUninitialized {
			return Machine{State: StateReconnecting}, []Effect{
				EffectDetach,
				EffectScheduleReconnect,
			}
		}

	case InputAbandoned:
		switch m.State {
		case StateUninitialized, StatePairing, StateReconnecting:
			return Machine{State: StateTerminated}, []Effect{
				EffectCancelReconnect,
				EffectCloseHandle,
				EffectRemoveCredentials,
				EffectUnregister,
			}
		}
	}
	return m, nil
}
