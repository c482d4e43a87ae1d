package core

// EventKind names an outbound session event. The set matches the outbound
// frame kinds of the session protocol.
type EventKind string

const (
	EventAck                  EventKind = "ack"
	EventCollabStarted        EventKind = "collab_started"
	EventTaskCompleted        EventKind = "task_completed"
	EventTaskFailed           EventKind = "task_failed"
	EventParticipantProgress  EventKind = "participant_progress"
	EventParticipantCompleted EventKind = "participant_completed"
	EventCollabFinished       EventKind = "collab_finished"
	EventResolutionChosen     EventKind = "resolution_chosen"
	EventAwaitingHuman        EventKind = "awaiting_human"
	EventAgentActivated       EventKind = "agent_activated"
	EventError                EventKind = "error"
	EventHeartbeat            EventKind = "heartbeat"
)

// Terminal reports whether the event must never be dropped by session
// back-pressure handling.
func (k EventKind) Terminal() bool {
	switch k {
	case EventTaskCompleted, EventTaskFailed, EventParticipantCompleted,
		EventCollabFinished, EventError:
		return true
	}
	return false
}

// Event is what the coordinator and the collaboration engine emit. The hub
// subscribes through the EventSink interface and converts events into
// outbound frames; producers never hold session objects.
type Event struct {
	Kind      EventKind
	SessionID string

	// CollabID groups participant events; set for collaboration events
	CollabID string

	// Body is the JSON-marshalable event payload
	Body map[string]interface{}
}

// EventSink receives events destined for a session. Publishing to an
// unknown or closed session is a no-op: running tasks of a closed session
// complete normally and their events are discarded.
type EventSink interface {
	Publish(ev Event)
}

// NoOpEventSink discards all events.
type NoOpEventSink struct{}

func (NoOpEventSink) Publish(ev Event) {}
