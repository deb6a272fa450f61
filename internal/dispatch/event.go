package dispatch

import "encoding/json"

// EventType identifies a print event
type EventType string

const (
	EventConnecting       EventType = "connecting"
	EventOrderSent        EventType = "order_sent"
	EventConnectionFailed EventType = "connection_failed"
	EventError            EventType = "error"
	EventDisconnected     EventType = "disconnected"
)

// Event reports dispatcher progress
type Event struct {
	Type    EventType
	Address string
	// Sent and Total are set for OrderSent and transmission errors
	Sent  int
	Total int
	Err   error
}

// MarshalJSON renders the error as a string
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Type    EventType `json:"type"`
		Address string    `json:"address,omitempty"`
		Sent    int       `json:"sent,omitempty"`
		Total   int       `json:"total,omitempty"`
		Error   string    `json:"error,omitempty"`
	}{Type: e.Type, Address: e.Address, Sent: e.Sent, Total: e.Total}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// Handler receives events on the goroutine that produced them. Events for
// one job arrive in order.
type Handler func(Event)
