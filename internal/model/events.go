package model

// EventType discriminates SyncEvent variants.
type EventType string

const (
	EventSessionAdded      EventType = "session-added"
	EventSessionUpdated    EventType = "session-updated"
	EventSessionRemoved    EventType = "session-removed"
	EventMachineUpdated    EventType = "machine-updated"
	EventMessageReceived   EventType = "message-received"
	EventToast             EventType = "toast"
	EventConnectionChanged EventType = "connection-changed"
)

// SyncEvent is a change notification fanned out to subscribers. Namespace is
// filled in by the publisher before delivery; an event whose namespace cannot
// be resolved is dropped rather than delivered un-scoped.
type SyncEvent struct {
	Type      EventType
	Namespace string
	SessionID string
	MachineID string
	Message   *Message
	Session   *Session
	Machine   *Machine

	// Toast payload, only for EventToast.
	Title string
	Body  string

	// Connection liveness, only for EventConnectionChanged.
	Connected bool
}
