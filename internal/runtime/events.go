package runtime

import "time"

// EventType labels events published on the runtime bus.
type EventType string

// Event types. Subscribers switch on these rather than parsing payloads.
const (
	// EventTypeConfigChanged fires when the watched document changed on
	// disk, before the new content is validated.
	EventTypeConfigChanged EventType = "config.changed"
	// EventTypeConfigReloaded fires after a new document has been applied.
	EventTypeConfigReloaded EventType = "config.reloaded"

	EventTypeReloadStarted   EventType = "reload.started"
	EventTypeReloadProgress  EventType = "reload.progress"
	EventTypeReloadCompleted EventType = "reload.completed"
	EventTypeReloadFailed    EventType = "reload.failed"
	EventTypeReloadCancelled EventType = "reload.cancelled"

	// EventTypeCapabilityChanged fires when the aggregate tool, resource
	// or prompt maps changed. Payload carries the server and the kinds.
	EventTypeCapabilityChanged EventType = "capability.changed"

	EventTypeOAuthRequired  EventType = "oauth.required"
	EventTypeOAuthCompleted EventType = "oauth.completed"

	EventTypePresetChanged EventType = "preset.changed"

	EventTypeServerConnected    EventType = "server.connected"
	EventTypeServerDisconnected EventType = "server.disconnected"
)

// Event is one runtime occurrence. Payload keys are event-specific and
// documented next to the publisher.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func newEvent(eventType EventType, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
