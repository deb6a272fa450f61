package app

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/config"
	"github.com/thereceipt/btprint/internal/transport"
	"github.com/thereceipt/btprint/internal/transport/ble"
	"github.com/thereceipt/btprint/internal/transport/bluez"
	"github.com/thereceipt/btprint/internal/transport/serialport"
	"github.com/thereceipt/btprint/internal/transport/sim"
	"github.com/thereceipt/btprint/internal/transport/usb"
)

// simScanDelay spaces out simulated advertisements so the scanner has something to show
const simScanDelay = 300 * time.Millisecond

// NewTransport builds the transport named by cfg. remembered seeds transports
// that cannot list bonds themselves.
func NewTransport(cfg config.Config, remembered []transport.DeviceRecord, logger *zap.Logger) (transport.Transport, error) {
	logger = logger.Named(cfg.Transport)

	switch cfg.Transport {
	case config.TransportBlueZ:
		tr, err := bluez.New(cfg.Adapter,
			bluez.WithChannel(uint8(cfg.Bluez.Channel)),
			bluez.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return tr, nil
	case config.TransportBLE:
		return ble.New(
			ble.WithChunkSize(cfg.BLE.ChunkSize),
			ble.WithRemembered(remembered...),
			ble.WithLogger(logger)), nil
	case config.TransportSerial:
		opts := []serialport.Option{serialport.WithBaud(cfg.Serial.Baud), serialport.WithLogger(logger)}
		if len(cfg.Serial.Patterns) > 0 {
			opts = append(opts, serialport.WithPatterns(cfg.Serial.Patterns...))
		}
		return serialport.New(opts...), nil
	case config.TransportUSB:
		return usb.New(logger), nil
	case config.TransportSim:
		devices := make([]sim.Device, len(cfg.Sim.Devices))
		for i, d := range cfg.Sim.Devices {
			devices[i] = sim.Device{Name: d.Name, Address: d.Address, Bonded: d.Bonded}
		}
		return sim.New(
			sim.WithDevices(devices...),
			sim.WithAutoFinish(),
			sim.WithScanDelay(simScanDelay)), nil
	default:
		return nil, fmt.Errorf("unknown transport: %q", cfg.Transport)
	}
}

// prunable reports whether the transport's bonded list is authoritative.
// Serial ports and USB devices vanish when the printer is switched off.
func prunable(name string) bool {
	switch name {
	case config.TransportSerial, config.TransportUSB:
		return false
	default:
		return true
	}
}
