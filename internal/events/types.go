package events

// EventType identifies the type of event.
type EventType string

// Signal delivery events.
const (
	EventSignalBlocked EventType = "signal_blocked"
	EventSignalAllowed EventType = "signal_allowed"
)

// Guard lifecycle events.
const (
	EventGuardInstalled    EventType = "guard_installed"
	EventGuardUninstalled  EventType = "guard_uninstalled"
	EventProtectedChanged  EventType = "protected_binary_changed"
	EventProtectedMissing  EventType = "protected_binary_missing"
	EventSupervisorStarted EventType = "supervisor_started"
	EventSupervisorExited  EventType = "supervisor_exited"
)

// EventCategory maps event types to their categories.
var EventCategory = map[EventType]string{
	EventSignalBlocked: "signal",
	EventSignalAllowed: "signal",

	EventGuardInstalled:   "guard",
	EventGuardUninstalled: "guard",
	EventProtectedChanged: "guard",
	EventProtectedMissing: "guard",

	EventSupervisorStarted: "supervisor",
	EventSupervisorExited:  "supervisor",
}

// AllEventTypes lists all event types.
var AllEventTypes = []EventType{
	EventSignalBlocked, EventSignalAllowed,
	EventGuardInstalled, EventGuardUninstalled, EventProtectedChanged, EventProtectedMissing,
	EventSupervisorStarted, EventSupervisorExited,
}
