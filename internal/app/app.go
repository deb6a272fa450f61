// Package app wires the transport, registry, discovery engine and dispatcher
// from config and applies the shell rules shared by the CLI, TUI and server.
package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/config"
	"github.com/thereceipt/btprint/internal/discovery"
	"github.com/thereceipt/btprint/internal/dispatch"
	"github.com/thereceipt/btprint/internal/escpos"
	"github.com/thereceipt/btprint/internal/registry"
	"github.com/thereceipt/btprint/internal/transport"
	"github.com/thereceipt/btprint/pkg/printjob"
)

// Event is a discovery or print event tagged with its source
type Event struct {
	Source    string           `json:"source"`
	Discovery *discovery.Event `json:"discovery,omitempty"`
	Print     *dispatch.Event  `json:"print,omitempty"`
}

const (
	SourceDiscovery = "discovery"
	SourcePrint     = "print"
)

// App owns the running stack
type App struct {
	Config     config.Config
	Transport  transport.Transport
	Registry   *registry.Registry
	Engine     *discovery.Engine
	Dispatcher *dispatch.Dispatcher

	logger *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

// Open builds the stack described by cfg
func Open(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := registry.New(cfg.ResolveRegistryPath(), logger.Named("registry"))

	var remembered []transport.DeviceRecord
	if p, ok := reg.GetPrinter(); ok {
		remembered = append(remembered, transport.DeviceRecord{Name: p.Name, Address: p.Address, BondState: transport.BondPaired})
	}

	tr, err := NewTransport(cfg, remembered, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s transport: %w", cfg.Transport, err)
	}
	return New(cfg, tr, reg, logger)
}

// New wires an app around an existing transport and registry
func New(cfg config.Config, tr transport.Transport, reg *registry.Registry, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	enc, err := escpos.ForPaper(cfg.PaperWidth)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Transport: tr,
		Registry:  reg,
		logger:    logger,
		subs:      make(map[int]func(Event)),
	}

	if !tr.IsEnabled() {
		if err := tr.Enable(); err != nil {
			logger.Warn("failed to enable transport", zap.String("transport", cfg.Transport), zap.Error(err))
		}
	}
	if prunable(cfg.Transport) {
		a.prune()
	}

	a.Engine = discovery.New(tr, a.onDiscovery, discovery.WithLogger(logger.Named("discovery")))
	a.Dispatcher = dispatch.New(tr, reg, enc, a.onPrint,
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithConnectTimeout(cfg.ConnectTimeout),
		dispatch.WithKeepAlive(cfg.KeepAlive),
		dispatch.WithPaperEncoders(func(width string) (dispatch.Encoder, error) {
			return escpos.ForPaper(width)
		}),
	)
	return a, nil
}

// prune forgets the registered printer when the transport no longer trusts it
func (a *App) prune() {
	if !a.Registry.HasPrinter() || !a.Transport.IsEnabled() {
		return
	}
	bonded, err := a.Transport.Bonded()
	if err != nil {
		a.logger.Warn("skipping registry check, cannot list bonded devices", zap.Error(err))
		return
	}
	addresses := make(map[string]bool, len(bonded))
	for _, rec := range bonded {
		addresses[rec.Address] = true
	}
	if _, err := a.Registry.Prune(func(address string) bool { return addresses[address] }); err != nil {
		a.logger.Warn("failed to clear stale printer", zap.Error(err))
	}
}

func (a *App) onDiscovery(ev discovery.Event) {
	switch ev.Type {
	case discovery.EventDevicePaired:
		if err := a.Registry.SetPrinter(ev.Device.Name, ev.Device.Address); err != nil {
			a.logger.Error("failed to save paired printer", zap.String("address", ev.Device.Address), zap.Error(err))
		} else {
			a.logger.Info("printer paired", zap.String("name", ev.Device.Name), zap.String("address", ev.Device.Address))
		}
	case discovery.EventDeviceUnpaired:
		if p, ok := a.Registry.GetPrinter(); ok && p.Address == ev.Device.Address {
			if err := a.Registry.ClearPrinter(); err != nil {
				a.logger.Error("failed to clear printer", zap.Error(err))
			} else {
				a.logger.Info("printer unpaired", zap.String("address", ev.Device.Address))
			}
		}
	case discovery.EventError, discovery.EventPairFailed:
		a.logger.Warn("discovery", zap.String("event", string(ev.Type)), zap.Error(ev.Err))
	}
	a.publish(Event{Source: SourceDiscovery, Discovery: &ev})
}

func (a *App) onPrint(ev dispatch.Event) {
	a.publish(Event{Source: SourcePrint, Print: &ev})
}

// Subscribe registers fn for every event and returns a function that removes it.
// fn runs on the goroutine that produced the event and must not block.
func (a *App) Subscribe(fn func(Event)) (cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.subs[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs, id)
	}
}

func (a *App) publish(ev Event) {
	a.mu.Lock()
	subs := make([]func(Event), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Print sends a job to the paired printer and waits for the result
func (a *App) Print(ctx context.Context, job printjob.Job) (dispatch.Result, error) {
	results, err := a.Dispatcher.Print(ctx, job)
	if err != nil {
		return dispatch.Result{}, err
	}
	r := <-results
	return r, r.Err
}

// Status is a snapshot for shells
type Status struct {
	Transport  string                  `json:"transport"`
	Enabled    bool                    `json:"enabled"`
	Scan       discovery.State         `json:"scan"`
	Pairing    string                  `json:"pairing,omitempty"`
	Devices    int                     `json:"devices"`
	Dispatcher dispatch.State          `json:"dispatcher"`
	Printer    *registry.PairedPrinter `json:"printer,omitempty"`
}

// Status reports the state of every component
func (a *App) Status() Status {
	s := Status{
		Transport:  a.Config.Transport,
		Enabled:    a.Transport.IsEnabled(),
		Scan:       a.Engine.State(),
		Devices:    len(a.Engine.Devices()),
		Dispatcher: a.Dispatcher.State(),
	}
	s.Pairing, _ = a.Engine.Pairing()
	if p, ok := a.Registry.GetPrinter(); ok {
		s.Printer = &p
	}
	return s
}

// Close stops the engine and dispatcher and releases the transport
func (a *App) Close() error {
	a.Engine.Close()
	a.Dispatcher.Close()
	if c, ok := a.Transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
