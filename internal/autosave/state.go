package autosave

// PersistState is the scheduler's position in the save lifecycle.
type PersistState int

const (
	// StateIdle means there is no unsaved work.
	StateIdle PersistState = iota

	// StatePending means a save is scheduled behind the debounce timer.
	StatePending

	// StateSaving means a save is in flight.
	StateSaving

	// StateRetrying means the last save failed and a retry is scheduled.
	StateRetrying

	// StateConflict means conflict detection blocked the save; the
	// caller must resolve before scheduling again.
	StateConflict

	// StateError means retries are exhausted; a manual retry starts
	// the backoff fresh.
	StateError

	// StateOffline means connectivity is lost and persistence is
	// suspended, not failed.
	StateOffline
)

// String returns a human-readable representation of the state.
func (s PersistState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateSaving:
		return "saving"
	case StateRetrying:
		return "retrying"
	case StateConflict:
		return "conflict"
	case StateError:
		return "error"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// EventType classifies scheduler notifications.
type EventType int

const (
	// EventStateChange reports a state machine transition.
	EventStateChange EventType = iota

	// EventSaved reports a successful save with its resulting commit.
	EventSaved

	// EventConflict reports that detection found conflicts and the
	// save was withheld.
	EventConflict

	// EventError reports an exhausted or permanent failure.
	EventError
)

// String returns a human-readable representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventStateChange:
		return "state_change"
	case EventSaved:
		return "saved"
	case EventConflict:
		return "conflict"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}
