// Package serialport exposes Bluetooth SPP devices the OS has already bound
// to a serial port (/dev/rfcomm*, /dev/cu.*, COM ports).
package serialport

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/transport"
)

// DefaultBaud is used for most thermal printers
const DefaultBaud = 9600

var _ transport.Transport = (*Transport)(nil)

// Transport lists serial ports as bonded devices
type Transport struct {
	baud      int
	patterns  []string
	logger    *zap.Logger
	mu        sync.Mutex
	forgotten map[string]bool
	scanning  bool
}

// Option configures the serial transport
type Option func(*Transport)

// WithBaud overrides the baud rate
func WithBaud(baud int) Option {
	return func(t *Transport) {
		if baud > 0 {
			t.baud = baud
		}
	}
}

// WithPatterns replaces the platform glob patterns
func WithPatterns(patterns ...string) Option {
	return func(t *Transport) { t.patterns = patterns }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a serial transport for the current platform
func New(opts ...Option) *Transport {
	t := &Transport{
		baud:      DefaultBaud,
		patterns:  platformPatterns(runtime.GOOS),
		logger:    zap.NewNop(),
		forgotten: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func platformPatterns(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"/dev/cu.*"}
	case "linux":
		return []string{"/dev/rfcomm*"}
	default:
		return nil
	}
}

// Enable is a no-op; serial ports need no radio
func (t *Transport) Enable() error { return nil }

// Disable is not supported
func (t *Transport) Disable() error { return transport.ErrNotSupported }

// IsEnabled always reports true
func (t *Transport) IsEnabled() bool { return true }

// Scan reports every port once, then finishes
func (t *Transport) Scan(h transport.ScanHandler) error {
	t.mu.Lock()
	t.scanning = true
	t.mu.Unlock()

	ports := t.ports()
	go func() {
		for _, p := range ports {
			if !t.isScanning() {
				return
			}
			h.Found(p)
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

func (t *Transport) isScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

// Pair accepts any existing port; the OS binding is the bond
func (t *Transport) Pair(address string, h transport.BondHandler) error {
	rec, ok := t.lookup(address)
	if !ok {
		return fmt.Errorf("pair %s: %w", address, transport.ErrUnknownDevice)
	}

	t.mu.Lock()
	delete(t.forgotten, address)
	t.mu.Unlock()

	rec.BondState = transport.BondPaired
	go h.Bonded(rec)
	return nil
}

// Unpair hides the port from Bonded until it is paired again. The OS binding
// itself is left alone.
func (t *Transport) Unpair(address string, h transport.BondHandler) error {
	rec, ok := t.lookup(address)
	if !ok {
		rec = transport.DeviceRecord{Name: filepath.Base(address), Address: address}
	}

	t.mu.Lock()
	t.forgotten[address] = true
	t.mu.Unlock()

	rec.BondState = transport.BondNone
	go h.Bonded(rec)
	return nil
}

// Bonded lists the current ports
func (t *Transport) Bonded() ([]transport.DeviceRecord, error) {
	return t.ports(), nil
}

// Connect opens the port
func (t *Transport) Connect(ctx context.Context, address string) (transport.Connection, error) {
	type result struct {
		port *serial.Port
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		port, err := serial.OpenPort(&serial.Config{Name: address, Baud: t.baud})
		ch <- result{port, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", r.err)
		}
		t.logger.Debug("serial port opened", zap.String("port", address), zap.Int("baud", t.baud))
		link := transport.NewLink(r.port)
		// a hung-up rfcomm tty fails reads
		link.Watch(r.port)
		return link, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.port != nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (t *Transport) lookup(address string) (transport.DeviceRecord, bool) {
	for _, p := range t.scanPorts() {
		if p.Address == address {
			return p, true
		}
	}
	return transport.DeviceRecord{}, false
}

func (t *Transport) ports() []transport.DeviceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []transport.DeviceRecord
	for _, p := range t.scanPorts() {
		if !t.forgotten[p.Address] {
			result = append(result, p)
		}
	}
	return result
}

func (t *Transport) scanPorts() []transport.DeviceRecord {
	var paths []string
	if runtime.GOOS == "windows" && len(t.patterns) == 0 {
		paths = scanWindowsPorts(t.baud)
	} else {
		paths = globPorts(t.patterns)
	}

	records := make([]transport.DeviceRecord, 0, len(paths))
	for _, p := range paths {
		records = append(records, transport.DeviceRecord{
			Name:      portName(p),
			Address:   p,
			BondState: transport.BondPaired,
		})
	}
	return records
}

// Ports that are never printers on macOS
var skipPatterns = []string{
	"Bluetooth-Incoming-Port",
	"debug-console",
	"KeySerial",
	"wlan-debug",
}

func globPorts(patterns []string) []string {
	var ports []string
	for _, pattern := range patterns {
		matches, _ := filepath.Glob(pattern)
		for _, match := range matches {
			if !skipPort(match) {
				ports = append(ports, match)
			}
		}
	}
	sort.Strings(ports)
	return ports
}

func skipPort(path string) bool {
	for _, s := range skipPatterns {
		if strings.Contains(path, s) {
			return true
		}
	}
	return false
}

// scanWindowsPorts tries COM1-COM256 by opening them briefly
func scanWindowsPorts(baud int) []string {
	var ports []string
	for i := 1; i <= 256; i++ {
		name := fmt.Sprintf("COM%d", i)
		port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
		if err != nil {
			continue
		}
		port.Close()
		ports = append(ports, name)
	}
	return ports
}

// portName strips the device directory and the macOS cu. prefix
func portName(path string) string {
	name := filepath.Base(path)
	return strings.TrimPrefix(name, "cu.")
}
