package realtime

import "fmt"

// Mode is the delivery state of a room's message channel.
type Mode int

const (
	// Connecting is the initial mode: the push channel is being established.
	Connecting Mode = iota
	// Connected means the push channel acknowledged the subscription.
	Connected
	// Polling means the push channel failed or was not confirmed in time and
	// the room's message list is re-fetched on a fixed interval.
	Polling
	// Disconnected means the push channel errored, timed out or closed after
	// it was attempted. Polling remains the source of truth.
	Disconnected
)

func (m Mode) String() string {
	switch m {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Polling:
		return "polling"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// polls reports whether the poller runs in this mode.
func (m Mode) polls() bool {
	return m == Polling || m == Disconnected
}

// Trigger is an input to the mode state machine.
type Trigger int

const (
	Subscribed Trigger = iota
	Errored
	TimedOut
	Closed
	FallbackDue
)

func (t Trigger) String() string {
	switch t {
	case Subscribed:
		return "subscribed"
	case Errored:
		return "errored"
	case TimedOut:
		return "timed_out"
	case Closed:
		return "closed"
	case FallbackDue:
		return "fallback_due"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// transition returns the mode that follows m on trigger t. ok is false when
// t does not move m, in which case next equals m.
func transition(m Mode, t Trigger) (next Mode, ok bool) {
	switch m {
	case Connecting:
		switch t {
		case Subscribed:
			return Connected, true
		case Errored, FallbackDue:
			return Polling, true
		case TimedOut, Closed:
			return Disconnected, true
		}
	case Connected:
		switch t {
		case Errored, TimedOut, Closed:
			return Disconnected, true
		case Subscribed, FallbackDue:
		}
	case Polling:
		switch t {
		case Subscribed:
			return Connected, true
		case Errored, TimedOut, Closed:
			return Disconnected, true
		case FallbackDue:
		}
	case Disconnected:
	}
	return m, false
}
