package statemachine

import "testing"

func TestHappyPathIsAPath(t *testing.T) {
	path := []Status{
		StatusEntryPlaced, StatusEntryOpen, StatusEntryFilled, StatusLive, StatusExitedTarget, StatusClosed,
	}
	for i := 1; i < len(path); i++ {
		if !CanTransition(path[i-1], path[i]) {
			t.Fatalf("expected %s -> %s to be allowed", path[i-1], path[i])
		}
	}
}

func TestTerminalNeverReopens(t *testing.T) {
	for _, term := range []Status{StatusEntryFailed, StatusExitedTarget, StatusExitedSL, StatusClosed} {
		for _, to := range []Status{StatusEntryPlaced, StatusEntryOpen, StatusLive, StatusGuardFailed} {
			if CanTransition(term, to) {
				t.Fatalf("terminal state %s must not transition to %s", term, to)
			}
		}
	}
}

func TestNoOpAlwaysAllowed(t *testing.T) {
	for _, s := range []Status{StatusEntryPlaced, StatusLive, StatusClosed} {
		if !CanTransition(s, s) {
			t.Fatalf("(%s, %s) should be a permitted no-op", s, s)
		}
	}
}

func TestStaleEntryFilledDropped(t *testing.T) {
	for _, s := range []Status{StatusLive, StatusExitedTarget, StatusExitedSL, StatusClosed, StatusGuardFailed} {
		if !IsStaleEntryFilled(s) {
			t.Fatalf("expected %s to mark ENTRY_FILLED postback stale", s)
		}
	}
	for _, s := range []Status{StatusEntryPlaced, StatusEntryOpen} {
		if IsStaleEntryFilled(s) {
			t.Fatalf("did not expect %s to mark ENTRY_FILLED postback stale", s)
		}
	}
}

func TestClosedFromEveryTerminal(t *testing.T) {
	for _, term := range []Status{StatusEntryFailed, StatusExitedTarget, StatusExitedSL} {
		if !CanTransition(term, StatusClosed) {
			t.Fatalf("expected %s -> CLOSED to be allowed", term)
		}
	}
}
