// Package discovery runs the scan lifecycle and the pairing state machine
// over a transport and reports what happens as events.
package discovery

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/transport"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrInvalidPairState     = errors.New("invalid pair state")
	ErrClosed               = errors.New("discovery engine closed")
)

// State of the scan lifecycle
type State int

const (
	StateIdle State = iota
	StateScanning
)

func (s State) String() string {
	if s == StateScanning {
		return "scanning"
	}
	return "idle"
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Engine owns the discovery session. All state is touched only by the
// control loop goroutine; public methods and transport callbacks are queued
// onto it as closures.
type Engine struct {
	tr      transport.Transport
	handler Handler
	logger  *zap.Logger

	inbox  *queue[func()]
	events *queue[Event]
	wg     sync.WaitGroup
	once   sync.Once

	// loop-owned
	state      State
	generation uint64
	pairing    string
	session    []transport.DeviceRecord
	index      map[string]int
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New starts an engine over tr. handler may be nil.
func New(tr transport.Transport, handler Handler, opts ...Option) *Engine {
	if handler == nil {
		handler = func(Event) {}
	}
	e := &Engine{
		tr:      tr,
		handler: handler,
		logger:  zap.NewNop(),
		inbox:   newQueue[func()](),
		events:  newQueue[Event](),
		index:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(2)
	go e.loop()
	go e.deliver()
	return e
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for range e.inbox.notify {
		for _, fn := range e.inbox.drain() {
			fn()
		}
		if e.inbox.isClosed() {
			// run anything queued between the last drain and close
			for _, fn := range e.inbox.drain() {
				fn()
			}
			e.events.close()
			return
		}
	}
}

func (e *Engine) deliver() {
	defer e.wg.Done()
	for range e.events.notify {
		for _, ev := range e.events.drain() {
			e.handler(ev)
		}
		if e.events.isClosed() {
			for _, ev := range e.events.drain() {
				e.handler(ev)
			}
			return
		}
	}
}

// do runs fn on the control loop and waits for it
func (e *Engine) do(fn func()) error {
	done := make(chan struct{})
	if !e.inbox.push(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	<-done
	return nil
}

// post queues fn without waiting; used by transport callbacks
func (e *Engine) post(fn func()) {
	e.inbox.push(fn)
}

func (e *Engine) emit(ev Event) {
	e.events.push(ev)
}

// Close stops any scan, flushes pending events and stops the engine
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.do(func() {
			if e.state == StateScanning {
				if err := e.tr.StopScan(); err != nil {
					e.logger.Warn("failed to stop scan on close", zap.Error(err))
				}
				e.state = StateIdle
			}
		})
		e.inbox.close()
		e.wg.Wait()
	})
	return nil
}

// StartScan clears the session and starts discovery. Calling it while a scan
// is running restarts the scan.
func (e *Engine) StartScan() error {
	var err error
	if doErr := e.do(func() { err = e.startScan() }); doErr != nil {
		return doErr
	}
	return err
}

func (e *Engine) startScan() error {
	if !e.tr.IsEnabled() {
		return ErrTransportUnavailable
	}

	if e.state == StateScanning {
		if err := e.tr.StopScan(); err != nil {
			e.logger.Warn("failed to stop previous scan", zap.Error(err))
		}
		e.state = StateIdle
	}

	e.generation++
	gen := e.generation
	e.session = nil
	e.index = make(map[string]int)

	err := e.tr.Scan(transport.ScanHandler{
		OnFound: func(rec transport.DeviceRecord) {
			e.post(func() { e.onFound(gen, rec) })
		},
		OnFinished: func() {
			e.post(func() { e.onFinished(gen) })
		},
	})
	if err != nil {
		err = fmt.Errorf("start scan: %w", err)
		e.emit(Event{Type: EventError, Err: err})
		return err
	}

	e.state = StateScanning
	e.logger.Debug("scan started", zap.Uint64("generation", gen))
	e.emit(Event{Type: EventDiscoveryStarted})
	return nil
}

func (e *Engine) onFound(gen uint64, rec transport.DeviceRecord) {
	if e.state != StateScanning || gen != e.generation {
		return
	}
	if strings.TrimSpace(rec.Name) == "" {
		return
	}

	if i, ok := e.index[rec.Address]; ok {
		prev := e.session[i]
		if e.pairing == rec.Address {
			rec.BondState = prev.BondState
		}
		e.session[i] = rec
		return
	}

	e.index[rec.Address] = len(e.session)
	e.session = append(e.session, rec)
	e.emit(Event{Type: EventDeviceFound, Device: rec})
}

func (e *Engine) onFinished(gen uint64) {
	if e.state != StateScanning || gen != e.generation {
		return
	}
	e.finish()
}

func (e *Engine) finish() {
	e.state = StateIdle
	e.logger.Debug("scan finished", zap.Int("devices", len(e.session)))
	e.emit(Event{Type: EventDiscoveryFinished, Count: len(e.session)})
}

// StopScan ends the scan. It is a no-op while idle.
func (e *Engine) StopScan() error {
	return e.do(func() {
		if e.state != StateScanning {
			return
		}
		if err := e.tr.StopScan(); err != nil {
			e.emit(Event{Type: EventError, Err: fmt.Errorf("stop scan: %w", err)})
		}
		e.finish()
	})
}

// RequestPair bonds with a device from the session or the transport's bonded
// list. An already bonded device is reported as paired straight away.
func (e *Engine) RequestPair(address string) error {
	var err error
	if doErr := e.do(func() { err = e.requestPair(address) }); doErr != nil {
		return doErr
	}
	return err
}

func (e *Engine) requestPair(address string) error {
	if e.pairing != "" {
		return fmt.Errorf("%w: already pairing with %s", ErrInvalidPairState, e.pairing)
	}

	rec, ok := e.lookup(address)
	if !ok {
		return fmt.Errorf("%w: unknown device %s", ErrInvalidPairState, address)
	}

	switch rec.BondState {
	case transport.BondPaired:
		e.emit(Event{Type: EventDevicePaired, Device: rec})
		return nil
	case transport.BondPairing:
		return fmt.Errorf("%w: %s is already pairing", ErrInvalidPairState, address)
	}

	e.pairing = address
	e.setBond(address, transport.BondPairing)

	err := e.tr.Pair(address, transport.BondHandler{
		OnBonded: func(bonded transport.DeviceRecord) {
			e.post(func() { e.onPaired(rec, bonded) })
		},
		OnFailed: func(err error) {
			e.post(func() { e.onPairFailed(rec, err) })
		},
	})
	if err != nil {
		err = fmt.Errorf("pair %s: %w", address, err)
		e.onPairFailed(rec, err)
		return err
	}

	e.logger.Debug("pairing", zap.String("address", address))
	return nil
}

func (e *Engine) onPaired(requested, bonded transport.DeviceRecord) {
	if e.pairing == requested.Address {
		e.pairing = ""
	}
	if bonded.Address == "" {
		bonded.Address = requested.Address
	}
	if bonded.Name == "" {
		bonded.Name = requested.Name
	}
	bonded.BondState = transport.BondPaired
	e.setBond(bonded.Address, transport.BondPaired)
	e.emit(Event{Type: EventDevicePaired, Device: bonded})
}

func (e *Engine) onPairFailed(requested transport.DeviceRecord, err error) {
	if e.pairing == requested.Address {
		e.pairing = ""
	}
	e.setBond(requested.Address, transport.BondNone)
	requested.BondState = transport.BondNone
	e.emit(Event{Type: EventPairFailed, Device: requested, Err: err})
}

// RequestUnpair removes the bond with a device
func (e *Engine) RequestUnpair(address string) error {
	var err error
	if doErr := e.do(func() { err = e.requestUnpair(address) }); doErr != nil {
		return doErr
	}
	return err
}

func (e *Engine) requestUnpair(address string) error {
	err := e.tr.Unpair(address, transport.BondHandler{
		OnBonded: func(rec transport.DeviceRecord) {
			e.post(func() { e.onUnpaired(address, rec) })
		},
		OnFailed: func(err error) {
			e.post(func() {
				e.emit(Event{Type: EventError, Err: fmt.Errorf("unpair %s: %w", address, err)})
			})
		},
	})
	if err != nil {
		err = fmt.Errorf("unpair %s: %w", address, err)
		e.emit(Event{Type: EventError, Err: err})
		return err
	}
	return nil
}

func (e *Engine) onUnpaired(address string, rec transport.DeviceRecord) {
	if rec.Address == "" {
		rec.Address = address
	}
	if rec.Name == "" {
		if i, ok := e.index[address]; ok {
			rec.Name = e.session[i].Name
		}
	}
	rec.BondState = transport.BondNone
	e.setBond(address, transport.BondNone)
	e.emit(Event{Type: EventDeviceUnpaired, Device: rec})
}

// lookup finds a device in the session, then among bonded devices
func (e *Engine) lookup(address string) (transport.DeviceRecord, bool) {
	if i, ok := e.index[address]; ok {
		return e.session[i], true
	}

	bonded, err := e.tr.Bonded()
	if err != nil {
		e.logger.Warn("failed to list bonded devices", zap.Error(err))
		return transport.DeviceRecord{}, false
	}
	for _, rec := range bonded {
		if rec.Address == address {
			rec.BondState = transport.BondPaired
			return rec, true
		}
	}
	return transport.DeviceRecord{}, false
}

func (e *Engine) setBond(address string, state transport.BondState) {
	if i, ok := e.index[address]; ok {
		e.session[i].BondState = state
	}
}

// Devices returns a copy of the current session in discovery order
func (e *Engine) Devices() []transport.DeviceRecord {
	var out []transport.DeviceRecord
	e.do(func() {
		out = make([]transport.DeviceRecord, len(e.session))
		copy(out, e.session)
	})
	return out
}

// State returns the scan state
func (e *Engine) State() State {
	state := StateIdle
	e.do(func() { state = e.state })
	return state
}

// Pairing returns the address of the pairing in flight, if any
func (e *Engine) Pairing() (string, bool) {
	var address string
	e.do(func() { address = e.pairing })
	return address, address != ""
}

// BondedDevices lists devices the transport trusts
func (e *Engine) BondedDevices() ([]transport.DeviceRecord, error) {
	records, err := e.tr.Bonded()
	if err != nil {
		return nil, fmt.Errorf("list bonded devices: %w", err)
	}
	return records, nil
}
