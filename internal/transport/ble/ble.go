// Package ble talks to BLE receipt printers through tinygo bluetooth.
//
// BLE has no bond the printer cares about, so pairing here means checking the
// device exposes a known printer write characteristic and remembering it.
package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/thereceipt/btprint/internal/transport"
)

// DefaultChunkSize fits the minimum ATT MTU
const DefaultChunkSize = 20

// ErrNoPrinterCharacteristic is returned for devices without a known write characteristic
var ErrNoPrinterCharacteristic = errors.New("no printer write characteristic")

func mustParse(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Write characteristics used by common thermal printers
var printerCharacteristics = []bluetooth.UUID{
	bluetooth.New16BitUUID(0x2AF1),
	bluetooth.New16BitUUID(0xFF02),
	mustParse("49535343-8841-43f4-a8d4-ecbe34729bb3"),
	mustParse("bef8d6c9-9c21-4c9e-b632-bd58c1009f9f"),
}

var _ transport.Transport = (*Transport)(nil)

// Transport is a BLE adapter
type Transport struct {
	adapter *bluetooth.Adapter
	logger  *zap.Logger
	chunk   int

	mu         sync.Mutex
	enabled    bool
	seen       map[string]bluetooth.Address
	names      map[string]string
	remembered map[string]transport.DeviceRecord
	scanning   bool
	scanDone   chan struct{}
	links      map[string]*transport.Link
}

// Option configures the BLE transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithChunkSize sets the write size per GATT packet
func WithChunkSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.chunk = n
		}
	}
}

// WithRemembered seeds devices verified in an earlier session
func WithRemembered(records ...transport.DeviceRecord) Option {
	return func(t *Transport) {
		for _, r := range records {
			r.BondState = transport.BondPaired
			t.remembered[r.Address] = r
			t.names[r.Address] = r.Name
		}
	}
}

// New creates a BLE transport on the default adapter
func New(opts ...Option) *Transport {
	t := &Transport{
		adapter:    bluetooth.DefaultAdapter,
		logger:     zap.NewNop(),
		chunk:      DefaultChunkSize,
		seen:       make(map[string]bluetooth.Address),
		names:      make(map[string]string),
		remembered: make(map[string]transport.DeviceRecord),
		links:      make(map[string]*transport.Link),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enable turns the adapter on
func (t *Transport) Enable() error {
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		t.connectionChanged(device.Address.String(), connected)
	})
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable adapter: %w", err)
	}
	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()
	return nil
}

// Disable is not supported by the adapter library
func (t *Transport) Disable() error {
	return transport.ErrNotSupported
}

// IsEnabled reports whether Enable succeeded
func (t *Transport) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Scan runs the blocking adapter scan on its own goroutine
func (t *Transport) Scan(h transport.ScanHandler) error {
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return transport.ErrDisabled
	}
	prev := t.scanDone
	t.mu.Unlock()

	if prev != nil {
		t.adapter.StopScan()
		select {
		case <-prev:
		case <-time.After(2 * time.Second):
			return fmt.Errorf("previous scan did not stop")
		}
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.scanning = true
	t.scanDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			address := result.Address.String()
			name := result.LocalName()

			t.mu.Lock()
			t.seen[address] = result.Address
			if name != "" {
				t.names[address] = name
			}
			rec := t.recordLocked(address)
			scanning := t.scanning
			t.mu.Unlock()

			if scanning {
				h.Found(rec)
			}
		})
		if err != nil {
			t.logger.Warn("ble scan ended with error", zap.Error(err))
		}

		t.mu.Lock()
		wasScanning := t.scanning
		t.scanning = false
		if t.scanDone == done {
			t.scanDone = nil
		}
		t.mu.Unlock()
		if wasScanning {
			h.Finished()
		}
	}()
	return nil
}

// StopScan stops the adapter scan
func (t *Transport) StopScan() error {
	t.mu.Lock()
	wasScanning := t.scanning
	t.scanning = false
	t.mu.Unlock()

	if !wasScanning {
		return nil
	}
	return t.adapter.StopScan()
}

func (t *Transport) recordLocked(address string) transport.DeviceRecord {
	if rec, ok := t.remembered[address]; ok {
		if name := t.names[address]; name != "" {
			rec.Name = name
		}
		return rec
	}
	return transport.DeviceRecord{Name: t.names[address], Address: address, BondState: transport.BondNone}
}

// Pair connects once to verify the device is a printer, then remembers it
func (t *Transport) Pair(address string, h transport.BondHandler) error {
	t.mu.Lock()
	_, ok := t.seen[address]
	rec := t.recordLocked(address)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("pair %s: %w", address, transport.ErrUnknownDevice)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		w, err := t.open(ctx, address)
		if err != nil {
			h.Failed(fmt.Errorf("pair %s: %w", address, err))
			return
		}
		w.Close()

		rec.BondState = transport.BondPaired
		t.mu.Lock()
		t.remembered[address] = rec
		t.mu.Unlock()
		h.Bonded(rec)
	}()
	return nil
}

// Unpair forgets the device
func (t *Transport) Unpair(address string, h transport.BondHandler) error {
	t.mu.Lock()
	rec, ok := t.remembered[address]
	delete(t.remembered, address)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("unpair %s: %w", address, transport.ErrUnknownDevice)
	}
	rec.BondState = transport.BondNone
	go h.Bonded(rec)
	return nil
}

// Bonded lists remembered printers
func (t *Transport) Bonded() ([]transport.DeviceRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := make([]transport.DeviceRecord, 0, len(t.remembered))
	for _, rec := range t.remembered {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })
	return records, nil
}

// Connect opens a GATT link to the printer's write characteristic
func (t *Transport) Connect(ctx context.Context, address string) (transport.Connection, error) {
	w, err := t.open(ctx, address)
	if err != nil {
		return nil, err
	}
	link := transport.NewLink(w)
	t.track(address, link)
	return link, nil
}

// track keeps link until it is done so a disconnect reported by the adapter
// can drop it
func (t *Transport) track(address string, link *transport.Link) {
	key := strings.ToUpper(address)
	t.mu.Lock()
	t.links[key] = link
	t.mu.Unlock()

	go func() {
		<-link.Done()
		t.mu.Lock()
		if t.links[key] == link {
			delete(t.links, key)
		}
		t.mu.Unlock()
	}()
}

func (t *Transport) connectionChanged(address string, connected bool) {
	if connected {
		return
	}
	t.mu.Lock()
	link := t.links[strings.ToUpper(address)]
	t.mu.Unlock()

	if link != nil {
		t.logger.Info("ble printer disconnected", zap.String("address", address))
		link.Drop()
	}
}

func (t *Transport) open(ctx context.Context, address string) (*gattWriter, error) {
	addr, err := t.resolve(ctx, address)
	if err != nil {
		return nil, err
	}

	type result struct {
		w   *gattWriter
		err error
	}
	ch := make(chan result, 1)
	go func() {
		w, err := t.dial(addr)
		ch <- result{w, err}
	}()

	select {
	case r := <-ch:
		return r.w, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.w != nil {
				r.w.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (t *Transport) dial(addr bluetooth.Address) (*gattWriter, error) {
	device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	char, err := findWriteCharacteristic(device)
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	t.logger.Debug("ble printer connected", zap.String("address", addr.String()), zap.String("characteristic", char.UUID().String()))
	return &gattWriter{device: device, char: char, chunk: t.chunk}, nil
}

// resolve returns the adapter address for a device, scanning for it when it
// was not seen in this session
func (t *Transport) resolve(ctx context.Context, address string) (bluetooth.Address, error) {
	t.mu.Lock()
	addr, ok := t.seen[address]
	scanning := t.scanning
	t.mu.Unlock()

	if ok {
		return addr, nil
	}
	if scanning {
		return bluetooth.Address{}, fmt.Errorf("%s not seen yet: %w", address, transport.ErrUnknownDevice)
	}

	found := make(chan bluetooth.Address, 1)
	go func() {
		err := t.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.Address.String() == address {
				select {
				case found <- result.Address:
				default:
				}
				a.StopScan()
			}
		})
		if err != nil {
			t.logger.Debug("resolve scan failed", zap.Error(err))
		}
	}()

	select {
	case addr := <-found:
		t.mu.Lock()
		t.seen[address] = addr
		t.mu.Unlock()
		return addr, nil
	case <-ctx.Done():
		t.adapter.StopScan()
		return bluetooth.Address{}, ctx.Err()
	}
}

func findWriteCharacteristic(device bluetooth.Device) (bluetooth.DeviceCharacteristic, error) {
	services, err := device.DiscoverServices(nil)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("failed to discover services: %w", err)
	}

	for _, service := range services {
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for _, want := range printerCharacteristics {
			for _, c := range chars {
				if c.UUID() == want {
					return c, nil
				}
			}
		}
	}
	return bluetooth.DeviceCharacteristic{}, ErrNoPrinterCharacteristic
}

// gattWriter writes to a characteristic in chunks
type gattWriter struct {
	device bluetooth.Device
	char   bluetooth.DeviceCharacteristic
	chunk  int
}

func (w *gattWriter) Write(p []byte) (int, error) {
	return writeChunks(w.char.WriteWithoutResponse, p, w.chunk)
}

func (w *gattWriter) Close() error {
	return w.device.Disconnect()
}

// writeChunks sends p through write in pieces of at most size bytes
func writeChunks(write func([]byte) (int, error), p []byte, size int) (int, error) {
	sent := 0
	for sent < len(p) {
		end := sent + size
		if end > len(p) {
			end = len(p)
		}
		n, err := write(p[sent:end])
		sent += n
		if err != nil {
			return sent, err
		}
		if n == 0 {
			return sent, io.ErrShortWrite
		}
	}
	return sent, nil
}
