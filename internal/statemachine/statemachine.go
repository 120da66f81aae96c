// Package statemachine validates Trade status transitions against a fixed
// lattice. It holds no state of its own; every decision is a pure function
// of (from, to).
package statemachine

// Status is a Trade's lifecycle state.
type Status string

const (
	StatusEntryPlaced        Status = "ENTRY_PLACED"
	StatusEntryOpen          Status = "ENTRY_OPEN"
	StatusEntryFilled        Status = "ENTRY_FILLED"
	StatusEntryFailed        Status = "ENTRY_FAILED"
	StatusLive               Status = "LIVE"
	StatusGuardFailed        Status = "GUARD_FAILED"
	StatusExitedTarget       Status = "EXITED_TARGET"
	StatusExitedSL           Status = "EXITED_SL"
	StatusClosed             Status = "CLOSED"
	StatusRecoveryRehydrated Status = "RECOVERY_REHYDRATED"
)

// terminal states never transition to a non-terminal state.
var terminal = map[Status]bool{
	StatusEntryFailed:  true,
	StatusExitedTarget: true,
	StatusExitedSL:     true,
	StatusClosed:       true,
}

// IsTerminal reports whether status is a terminal state.
func IsTerminal(s Status) bool {
	return terminal[s]
}

// edges enumerates the allowed (from -> {to...}) transitions.
// RECOVERY_REHYDRATED behaves like ENTRY_FILLED: it was rehydrated mid-flight
// by the reconciler and immediately joins the normal live lattice.
var edges = map[Status]map[Status]bool{
	StatusEntryPlaced: {
		StatusEntryOpen:   true,
		StatusEntryFilled: true,
		StatusEntryFailed: true,
	},
	StatusEntryOpen: {
		StatusEntryFilled: true,
		StatusEntryFailed: true,
		StatusGuardFailed: true,
	},
	StatusEntryFilled: {
		StatusLive:         true,
		StatusExitedTarget: true,
		StatusExitedSL:     true,
		StatusGuardFailed:  true,
		StatusClosed:       true,
	},
	StatusRecoveryRehydrated: {
		StatusLive:         true,
		StatusExitedTarget: true,
		StatusExitedSL:     true,
		StatusGuardFailed:  true,
		StatusClosed:       true,
	},
	StatusLive: {
		StatusExitedTarget: true,
		StatusExitedSL:     true,
		StatusGuardFailed:  true,
		StatusClosed:       true,
	},
	StatusGuardFailed: {
		StatusClosed: true,
	},
}

// CanTransition reports whether the (from, to) edge is allowed. (x, x) is
// always a permitted no-op; any terminal-to-non-terminal move is rejected.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if IsTerminal(from) {
		return to == StatusClosed && from != StatusClosed
	}
	return edges[from][to]
}

// IsStaleEntryFilled reports whether an ENTRY_FILLED postback should be
// dropped because the trade already advanced past it (e.g. to LIVE or a
// terminal exit) by the time the postback arrived — a postback-reordering
// case.
func IsStaleEntryFilled(current Status) bool {
	switch current {
	case StatusLive, StatusExitedTarget, StatusExitedSL, StatusClosed, StatusGuardFailed:
		return true
	default:
		return false
	}
}
