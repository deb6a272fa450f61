// Package sim provides an in-memory transport with scripted devices.
// It backs the core tests and the --transport sim demo mode.
package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thereceipt/btprint/internal/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Device is a simulated peer
type Device struct {
	Name    string
	Address string
	Bonded  bool
}

// Transport simulates a radio. The zero value is not usable; call New.
type Transport struct {
	mu sync.Mutex

	enabled    bool
	advertised []Device
	bonded     map[string]transport.DeviceRecord
	names      map[string]string

	scanning    bool
	scanHandler transport.ScanHandler
	autoFinish  bool
	scanDelay   time.Duration
	scanErr     error
	stopScanErr error

	manualBonding bool
	pending       map[string]transport.BondHandler
	pairErrors    map[string]error
	pairCalls     []string
	unpairCalls   []string

	connectErr   error
	connectDelay time.Duration
	dropAfter    int
	writeGate    chan struct{}
	conns        []*Conn
}

// Option configures a simulated transport
type Option func(*Transport)

// WithDevices sets the advertisements replayed on every scan, in order.
// Repeated entries are advertised repeatedly.
func WithDevices(devices ...Device) Option {
	return func(t *Transport) {
		t.advertised = append(t.advertised, devices...)
		for _, d := range devices {
			if d.Name != "" {
				t.names[d.Address] = d.Name
			}
			if d.Bonded {
				t.bonded[d.Address] = transport.DeviceRecord{Name: d.Name, Address: d.Address, BondState: transport.BondPaired}
			}
		}
	}
}

// WithDisabled starts the radio switched off
func WithDisabled() Option {
	return func(t *Transport) { t.enabled = false }
}

// WithAutoFinish ends every scan after the last advertisement
func WithAutoFinish() Option {
	return func(t *Transport) { t.autoFinish = true }
}

// WithScanDelay spaces advertisements apart
func WithScanDelay(d time.Duration) Option {
	return func(t *Transport) { t.scanDelay = d }
}

// WithManualBonding holds pair requests until ResolvePair is called
func WithManualBonding() Option {
	return func(t *Transport) { t.manualBonding = true }
}

// New creates a simulated transport, enabled by default
func New(opts ...Option) *Transport {
	t := &Transport{
		enabled:    true,
		bonded:     make(map[string]transport.DeviceRecord),
		names:      make(map[string]string),
		pending:    make(map[string]transport.BondHandler),
		pairErrors: make(map[string]error),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enable switches the radio on
func (t *Transport) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
	return nil
}

// Disable switches the radio off and ends any scan
func (t *Transport) Disable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
	t.scanning = false
	return nil
}

// IsEnabled reports whether the radio is on
func (t *Transport) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Scan replays the scripted advertisements on a background goroutine
func (t *Transport) Scan(h transport.ScanHandler) error {
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return transport.ErrDisabled
	}
	if t.scanErr != nil {
		err := t.scanErr
		t.mu.Unlock()
		return err
	}
	t.scanning = true
	t.scanHandler = h
	devices := append([]Device(nil), t.advertised...)
	autoFinish := t.autoFinish
	delay := t.scanDelay
	t.mu.Unlock()

	go func() {
		for _, d := range devices {
			if delay > 0 {
				time.Sleep(delay)
			}
			if !t.isScanning() {
				return
			}
			h.Found(t.record(d.Address, d.Name))
		}
		if autoFinish && t.isScanning() {
			t.mu.Lock()
			t.scanning = false
			t.mu.Unlock()
			h.Finished()
		}
	}()
	return nil
}

// StopScan ends the scan. With FailStopScan set the scan still ends but the
// error is returned.
func (t *Transport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanning = false
	return t.stopScanErr
}

// FailScan makes Scan return err while the radio is enabled. nil clears it.
func (t *Transport) FailScan(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanErr = err
}

// FailStopScan makes StopScan return err. nil clears it.
func (t *Transport) FailStopScan(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopScanErr = err
}

// Advertise delivers an advertisement to the last scan handler, even after
// the scan was stopped. It simulates late, already-queued callbacks.
func (t *Transport) Advertise(d Device) {
	t.mu.Lock()
	h := t.scanHandler
	if d.Name != "" {
		t.names[d.Address] = d.Name
	}
	t.mu.Unlock()
	h.Found(t.record(d.Address, d.Name))
}

// FinishScan ends the scan as if the radio timed it out
func (t *Transport) FinishScan() {
	t.mu.Lock()
	t.scanning = false
	h := t.scanHandler
	t.mu.Unlock()
	h.Finished()
}

func (t *Transport) isScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

func (t *Transport) record(address, name string) transport.DeviceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := transport.DeviceRecord{Name: name, Address: address, BondState: transport.BondNone}
	if _, ok := t.bonded[address]; ok {
		rec.BondState = transport.BondPaired
	}
	return rec
}

// FailPair makes the next pair request for address fail with err
func (t *Transport) FailPair(address string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pairErrors[address] = err
}

// Pair bonds with a device
func (t *Transport) Pair(address string, h transport.BondHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		return transport.ErrDisabled
	}
	if _, ok := t.names[address]; !ok {
		return fmt.Errorf("pair %s: %w", address, transport.ErrUnknownDevice)
	}
	t.pairCalls = append(t.pairCalls, address)

	if t.manualBonding {
		t.pending[address] = h
		return nil
	}

	err := t.pairErrors[address]
	delete(t.pairErrors, address)
	go t.resolve(address, h, err)
	return nil
}

// ResolvePair completes a held pair request
func (t *Transport) ResolvePair(address string, err error) bool {
	t.mu.Lock()
	h, ok := t.pending[address]
	delete(t.pending, address)
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.resolve(address, h, err)
	return true
}

func (t *Transport) resolve(address string, h transport.BondHandler, err error) {
	if err != nil {
		h.Failed(err)
		return
	}

	t.mu.Lock()
	rec := transport.DeviceRecord{Name: t.names[address], Address: address, BondState: transport.BondPaired}
	t.bonded[address] = rec
	t.mu.Unlock()

	h.Bonded(rec)
}

// Unpair removes a bond
func (t *Transport) Unpair(address string, h transport.BondHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unpairCalls = append(t.unpairCalls, address)
	rec, ok := t.bonded[address]
	if !ok {
		go h.Failed(fmt.Errorf("unpair %s: %w", address, transport.ErrUnknownDevice))
		return nil
	}
	delete(t.bonded, address)
	rec.BondState = transport.BondNone
	go h.Bonded(rec)
	return nil
}

// Bonded lists bonded devices
func (t *Transport) Bonded() ([]transport.DeviceRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]transport.DeviceRecord, 0, len(t.bonded))
	for _, d := range t.advertised {
		if rec, ok := t.bonded[d.Address]; ok && !containsAddress(result, d.Address) {
			result = append(result, rec)
		}
	}
	for addr, rec := range t.bonded {
		if !containsAddress(result, addr) {
			result = append(result, rec)
		}
	}
	return result, nil
}

func containsAddress(records []transport.DeviceRecord, address string) bool {
	for _, r := range records {
		if r.Address == address {
			return true
		}
	}
	return false
}

// PairCalls returns the addresses passed to Pair
func (t *Transport) PairCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.pairCalls...)
}

// UnpairCalls returns the addresses passed to Unpair
func (t *Transport) UnpairCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.unpairCalls...)
}

// FailConnect makes every connect attempt fail with err (nil clears it)
func (t *Transport) FailConnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// SetConnectDelay delays connects, honouring the caller's context
func (t *Transport) SetConnectDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectDelay = d
}

// DropAfter makes new connections fail after n successful writes (0 = never)
func (t *Transport) DropAfter(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropAfter = n
}

// HoldWrites blocks writes on all connections until ReleaseWrites
func (t *Transport) HoldWrites() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeGate = make(chan struct{})
}

// ReleaseWrites unblocks held writes
func (t *Transport) ReleaseWrites() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeGate != nil {
		close(t.writeGate)
		t.writeGate = nil
	}
}

// Connect opens a simulated byte stream
func (t *Transport) Connect(ctx context.Context, address string) (transport.Connection, error) {
	t.mu.Lock()
	enabled := t.enabled
	connectErr := t.connectErr
	delay := t.connectDelay
	_, known := t.names[address]
	t.mu.Unlock()

	if !enabled {
		return nil, transport.ErrDisabled
	}
	if connectErr != nil {
		return nil, connectErr
	}
	if !known {
		return nil, fmt.Errorf("connect %s: %w", address, transport.ErrUnknownDevice)
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Conn{
		Address:   address,
		dropAfter: t.dropAfter,
		gate:      t.writeGate,
		done:      make(chan struct{}),
	}
	t.conns = append(t.conns, c)
	return c, nil
}

// Connections returns every connection opened so far
func (t *Transport) Connections() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

// Disconnect drops every open connection to address
func (t *Transport) Disconnect(address string) {
	for _, c := range t.Connections() {
		if c.Address == address {
			c.drop()
		}
	}
}

// ErrLinkLost is returned by writes on a dropped simulated connection
var ErrLinkLost = errors.New("simulated link lost")

// Conn records what is written to it
type Conn struct {
	Address string

	mu        sync.Mutex
	writes    [][]byte
	dropAfter int
	gate      chan struct{}
	closed    bool
	done      chan struct{}
	once      sync.Once
}

// Write records p, failing once the configured drop point is reached
func (c *Conn) Write(p []byte) (int, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.done:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return 0, ErrLinkLost
	default:
	}
	if c.dropAfter > 0 && len(c.writes) >= c.dropAfter {
		c.once.Do(func() { close(c.done) })
		return 0, ErrLinkLost
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

// Close closes the connection
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// Done is closed when the connection is closed or dropped
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) drop() {
	c.once.Do(func() { close(c.done) })
}

// Writes returns a copy of every successful write
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	for i, w := range c.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Bytes returns everything written, concatenated
func (c *Conn) Bytes() []byte {
	return bytes.Join(c.Writes(), nil)
}

// Closed reports whether Close was called
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
