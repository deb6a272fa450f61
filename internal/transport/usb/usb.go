// Package usb exposes USB printer-class devices through the transport
// interface. Devices are addressed as "usb:VVVV:PPPP".
package usb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport enumerates USB printers with libusb
type Transport struct {
	logger   *zap.Logger
	mu       sync.Mutex
	scanning bool
}

// New creates a USB transport
func New(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{logger: logger}
}

// Address formats a vendor/product pair as a device address
func Address(vid, pid gousb.ID) string {
	return fmt.Sprintf("usb:%04X:%04X", uint16(vid), uint16(pid))
}

// ParseAddress splits a device address into vendor and product IDs
func ParseAddress(address string) (gousb.ID, gousb.ID, error) {
	parts := strings.Split(address, ":")
	if len(parts) != 3 || parts[0] != "usb" {
		return 0, 0, fmt.Errorf("invalid usb address %q", address)
	}
	vid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vendor id in %q: %w", address, err)
	}
	pid, err := strconv.ParseUint(parts[2], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid product id in %q: %w", address, err)
	}
	return gousb.ID(vid), gousb.ID(pid), nil
}

// Enable is a no-op
func (t *Transport) Enable() error { return nil }

// Disable is not supported
func (t *Transport) Disable() error { return transport.ErrNotSupported }

// IsEnabled always reports true
func (t *Transport) IsEnabled() bool { return true }

// Scan enumerates once and finishes
func (t *Transport) Scan(h transport.ScanHandler) error {
	t.mu.Lock()
	t.scanning = true
	t.mu.Unlock()

	go func() {
		devices, err := t.enumerate()
		if err != nil {
			t.logger.Warn("usb enumeration failed", zap.Error(err))
		}
		for _, d := range devices {
			t.mu.Lock()
			scanning := t.scanning
			t.mu.Unlock()
			if !scanning {
				return
			}
			h.Found(d)
		}

		t.mu.Lock()
		wasScanning := t.scanning
		t.scanning = false
		t.mu.Unlock()
		if wasScanning {
			h.Finished()
		}
	}()
	return nil
}

// StopScan ends the scan
func (t *Transport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanning = false
	return nil
}

// Pair succeeds for any attached printer
func (t *Transport) Pair(address string, h transport.BondHandler) error {
	devices, err := t.enumerate()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Address == address {
			go h.Bonded(d)
			return nil
		}
	}
	return fmt.Errorf("pair %s: %w", address, transport.ErrUnknownDevice)
}

// Unpair is not supported for USB devices
func (t *Transport) Unpair(address string, h transport.BondHandler) error {
	return transport.ErrNotSupported
}

// Bonded lists attached printers
func (t *Transport) Bonded() ([]transport.DeviceRecord, error) {
	return t.enumerate()
}

func (t *Transport) enumerate() ([]transport.DeviceRecord, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devices, err := ctx.OpenDevices(isPrinter)
	// OpenDevices may return devices alongside an error for ones it could not open
	defer func() {
		for _, dev := range devices {
			dev.Close()
		}
	}()
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	var records []transport.DeviceRecord
	for _, dev := range devices {
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()

		name := strings.TrimSpace(manufacturer + " " + product)
		if name == "" {
			name = fmt.Sprintf("USB %04X:%04X", uint16(dev.Desc.Vendor), uint16(dev.Desc.Product))
		}
		records = append(records, transport.DeviceRecord{
			Name:      name,
			Address:   Address(dev.Desc.Vendor, dev.Desc.Product),
			BondState: transport.BondPaired,
		})
	}
	return records, nil
}

func isPrinter(desc *gousb.DeviceDesc) bool {
	if desc.Class == gousb.ClassPrinter {
		return true
	}
	for _, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if alt.Class == gousb.ClassPrinter {
					return true
				}
			}
		}
	}
	return false
}

// Connect claims the printer interface and its OUT endpoint
func (t *Transport) Connect(ctx context.Context, address string) (transport.Connection, error) {
	vid, pid, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	type result struct {
		ep  *endpoint
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ep, err := open(vid, pid)
		ch <- result{ep, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		t.logger.Debug("usb printer opened", zap.String("address", address))
		return transport.NewLink(r.ep), nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.ep != nil {
				r.ep.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// endpoint owns everything opened to reach a bulk OUT endpoint
type endpoint struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	out  *gousb.OutEndpoint
}

func (e *endpoint) Write(p []byte) (int, error) {
	return e.out.Write(p)
}

func (e *endpoint) Close() error {
	if e.intf != nil {
		e.intf.Close()
	}
	if e.cfg != nil {
		e.cfg.Close()
	}
	if e.dev != nil {
		e.dev.Close()
	}
	return e.ctx.Close()
}

func open(vid, pid gousb.ID) (*endpoint, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to open USB device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device not found: %04X:%04X: %w", uint16(vid), uint16(pid), transport.ErrUnknownDevice)
	}
	dev.SetAutoDetach(true)

	var lastErr error
	for num, cfgDesc := range dev.Desc.Configs {
		cfg, err := dev.Config(num)
		if err != nil {
			lastErr = fmt.Errorf("failed to set config %d: %w", num, err)
			continue
		}

		for _, ifaceDesc := range cfgDesc.Interfaces {
			intf, err := cfg.Interface(ifaceDesc.Number, 0)
			if err != nil {
				lastErr = fmt.Errorf("failed to claim interface %d: %w", ifaceDesc.Number, err)
				continue
			}
			if out := firstOut(intf); out != nil {
				return &endpoint{ctx: ctx, dev: dev, cfg: cfg, intf: intf, out: out}, nil
			}
			intf.Close()
		}
		cfg.Close()
	}

	dev.Close()
	ctx.Close()
	if lastErr != nil {
		return nil, fmt.Errorf("failed to connect to USB printer: %w", lastErr)
	}
	return nil, fmt.Errorf("no suitable interface/endpoint found for USB printer %04X:%04X", uint16(vid), uint16(pid))
}

func firstOut(intf *gousb.Interface) *gousb.OutEndpoint {
	for _, epDesc := range intf.Setting.Endpoints {
		if epDesc.Direction != gousb.EndpointDirectionOut {
			continue
		}
		if ep, err := intf.OutEndpoint(epDesc.Number); err == nil {
			return ep
		}
	}
	return nil
}
