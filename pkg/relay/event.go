package relay

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/papercomputeco/chatrelay/pkg/store"
)

// EventType names a downstream wire event.
type EventType string

const (
	EventUserMessage EventType = "user_message"
	EventAIStart     EventType = "ai_start"
	EventAIChunk     EventType = "ai_chunk"
	EventAIComplete  EventType = "ai_complete"
	EventError       EventType = "error"

	// EventDone is the sentinel following every terminal event. It is
	// written as the literal "data: [DONE]".
	EventDone EventType = "done"
)

// Event is one downstream push-stream event.
type Event struct {
	Type    EventType      `json:"type"`
	Message *store.Message `json:"message,omitempty"`
	Content string         `json:"content,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Terminal reports whether e ends a turn.
func (e Event) Terminal() bool {
	return e.Type == EventAIComplete || e.Type == EventError
}

// WriteEvent writes e in server-push framing: "data: <json>\n\n".
func WriteEvent(w io.Writer, e Event) error {
	if e.Type == EventDone {
		_, err := io.WriteString(w, "data: [DONE]\n\n")
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
