// Package transport defines the radio/connection capability the print core runs on
package transport

import (
	"context"
	"errors"
	"io"
)

// Common errors
var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotSupported  = errors.New("operation not supported by transport")
	ErrDisconnected  = errors.New("transport disconnected")
	ErrDisabled      = errors.New("transport disabled")
)

// BondState is the trust relationship between the host and a device
type BondState int

const (
	BondNone BondState = iota
	BondPairing
	BondPaired
)

func (s BondState) String() string {
	switch s {
	case BondPairing:
		return "pairing"
	case BondPaired:
		return "paired"
	default:
		return "none"
	}
}

// MarshalText encodes the bond state by name
func (s BondState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a bond state name
func (s *BondState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pairing":
		*s = BondPairing
	case "paired":
		*s = BondPaired
	default:
		*s = BondNone
	}
	return nil
}

// DeviceRecord is a device reported by a transport
type DeviceRecord struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	BondState BondState `json:"bond_state"`
}

// ScanHandler receives scan results. Callbacks may arrive on any goroutine.
type ScanHandler struct {
	OnFound    func(DeviceRecord)
	OnFinished func()
}

// BondHandler receives the outcome of a pair or unpair request
type BondHandler struct {
	OnBonded func(DeviceRecord)
	OnFailed func(error)
}

// Connection is an open byte stream to a device
type Connection interface {
	io.Writer

	// Close releases the connection. It is safe to call more than once.
	Close() error

	// Done is closed once the connection is no longer usable, either
	// because Close was called or because the link dropped.
	Done() <-chan struct{}
}

// Transport is the capability the discovery engine and print dispatcher consume
type Transport interface {
	Enable() error
	Disable() error
	IsEnabled() bool

	// Scan starts discovery and returns once it is running. Results are
	// reported through h until StopScan is called or the transport ends
	// the scan on its own, in which case OnFinished is invoked.
	Scan(h ScanHandler) error
	StopScan() error

	// Pair and Unpair start a bond change and return once the request was
	// issued. The outcome is reported through h.
	Pair(address string, h BondHandler) error
	Unpair(address string, h BondHandler) error

	// Bonded lists devices the transport currently trusts
	Bonded() ([]DeviceRecord, error)

	Connect(ctx context.Context, address string) (Connection, error)
}

// Found invokes OnFound if set
func (h ScanHandler) Found(rec DeviceRecord) {
	if h.OnFound != nil {
		h.OnFound(rec)
	}
}

// Finished invokes OnFinished if set
func (h ScanHandler) Finished() {
	if h.OnFinished != nil {
		h.OnFinished()
	}
}

// Bonded invokes OnBonded if set
func (h BondHandler) Bonded(rec DeviceRecord) {
	if h.OnBonded != nil {
		h.OnBonded(rec)
	}
}

// Failed invokes OnFailed if set
func (h BondHandler) Failed(err error) {
	if h.OnFailed != nil {
		h.OnFailed(err)
	}
}
