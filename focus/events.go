package focus

// EventKind tags controller events.
type EventKind int

const (
	// EventFocusStarted fires when an automatic focus activity begins.
	EventFocusStarted EventKind = iota
	// EventFocusAchieved fires when a single-shot sequence completes.
	EventFocusAchieved
	// EventFocusLost fires when an automatic activity aborts; Reason says why.
	EventFocusLost
	// EventMappingLoaded fires when a mapping validates and is installed.
	EventMappingLoaded
	// EventMappingCleared fires when the mapping is removed.
	EventMappingCleared
	// EventModeChanged fires on every mode transition; Mode is the new mode.
	EventModeChanged
	// EventError fires alongside a recorded controller error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventFocusStarted:
		return "focus-started"
	case EventFocusAchieved:
		return "focus-achieved"
	case EventFocusLost:
		return "focus-lost"
	case EventMappingLoaded:
		return "mapping-loaded"
	case EventMappingCleared:
		return "mapping-cleared"
	case EventModeChanged:
		return "mode-changed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one controller notification. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind    EventKind
	Mode    Mode      // EventModeChanged
	Reason  string    // EventFocusLost
	Mapping string    // EventMappingLoaded
	Error   ErrorKind // EventError
}
