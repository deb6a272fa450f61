package discovery

import (
	"encoding/json"

	"github.com/thereceipt/btprint/internal/transport"
)

// EventType identifies a discovery event
type EventType string

const (
	EventDiscoveryStarted  EventType = "discovery_started"
	EventDeviceFound       EventType = "device_found"
	EventDiscoveryFinished EventType = "discovery_finished"
	EventDevicePaired      EventType = "device_paired"
	EventPairFailed        EventType = "pair_failed"
	EventDeviceUnpaired    EventType = "device_unpaired"
	EventError             EventType = "error"
)

// Event is delivered to the engine's handler in emission order
type Event struct {
	Type EventType
	// Device is set for found, paired, pair failed and unpaired events
	Device transport.DeviceRecord
	// Count is the session size for DiscoveryFinished
	Count int
	Err   error
}

// MarshalJSON renders the error as a string
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Type   EventType               `json:"type"`
		Device *transport.DeviceRecord `json:"device,omitempty"`
		Count  *int                    `json:"count,omitempty"`
		Error  string                  `json:"error,omitempty"`
	}{Type: e.Type}

	if e.Device.Address != "" {
		d := e.Device
		out.Device = &d
	}
	if e.Type == EventDiscoveryFinished {
		c := e.Count
		out.Count = &c
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// Handler receives events. It may call back into the engine.
type Handler func(Event)
