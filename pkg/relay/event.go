package relay

import "encoding/json"

// EventType names a client-visible relay event.
type EventType string

const (
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one delivery to a streaming client.
type Event struct {
	Type    EventType
	Content string
	Message string
}

// Delta carries one content fragment.
func Delta(content string) Event { return Event{Type: EventDelta, Content: content} }

// Done marks the completion as finished.
func Done() Event { return Event{Type: EventDone} }

// Failure reports a terminal error.
func Failure(message string) Event { return Event{Type: EventError, Message: message} }

// MarshalJSON emits {"type":"delta","content":…}, {"type":"done"} or
// {"type":"error","message":…}. A delta always carries content, even "".
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventDelta:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Content})
	case EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Message})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}

// UnmarshalJSON accepts what MarshalJSON produces.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    EventType `json:"type"`
		Content string    `json:"content"`
		Message string    `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{Type: raw.Type, Content: raw.Content, Message: raw.Message}
	return nil
}

// Sink receives a session's events in order. An Emit error means the client
// is gone.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

// Emit calls f.
func (f SinkFunc) Emit(ev Event) error { return f(ev) }
