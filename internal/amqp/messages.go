package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names what happened upstream of the recompute worker.
type EventType string

const (
	// EventReportsIngested follows a successful collector run.
	EventReportsIngested EventType = "reports.ingested"
	// EventRecomputeRequested asks for a recompute without new data,
	// e.g. after the withholding list or the rule file changed.
	EventRecomputeRequested EventType = "compensation.recompute"
)

// Event is the only message on the bus. The worker always recomputes from
// the stored tables, so events carry just enough for logging.
type Event struct {
	Type      EventType      `json:"type"`
	Tables    map[string]int `json:"tables,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewReportsIngested records the row count written per raw table.
func NewReportsIngested(tables map[string]int) *Event {
	return &Event{
		Type:      EventReportsIngested,
		Tables:    tables,
		Timestamp: time.Now(),
	}
}

func NewRecomputeRequested(reason string) *Event {
	return &Event{
		Type:      EventRecomputeRequested,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON decodes an event and rejects unknown types.
func EventFromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	switch e.Type {
	case EventReportsIngested, EventRecomputeRequested:
		return &e, nil
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}
