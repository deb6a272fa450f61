// Package bluez drives a Linux BlueZ adapter over the system D-Bus and opens
// RFCOMM (SPP) sockets to printers.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/transport"
)

const (
	busName          = "org.bluez"
	adapterInterface = "org.bluez.Adapter1"
	deviceInterface  = "org.bluez.Device1"
	propsInterface   = "org.freedesktop.DBus.Properties"
	objectManager    = "org.freedesktop.DBus.ObjectManager"

	// DefaultAdapter is the first HCI controller
	DefaultAdapter = "hci0"
	// DefaultChannel is the RFCOMM channel most SPP printers listen on
	DefaultChannel = 1
)

var _ transport.Transport = (*Transport)(nil)

// Transport is a BlueZ adapter
type Transport struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	channel uint8
	logger  *zap.Logger

	mu          sync.Mutex
	scanning    bool
	scanHandler transport.ScanHandler
	links       map[dbus.ObjectPath]*transport.Link

	signals chan *dbus.Signal
	done    chan struct{}
	once    sync.Once
}

// Option configures the BlueZ transport
type Option func(*Transport)

// WithChannel overrides the RFCOMM channel
func WithChannel(ch uint8) Option {
	return func(t *Transport) {
		if ch > 0 {
			t.channel = ch
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New connects to the system bus and watches the named adapter (e.g. hci0)
func New(adapter string, opts ...Option) (*Transport, error) {
	if adapter == "" {
		adapter = DefaultAdapter
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}

	t := &Transport{
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/" + adapter),
		channel: DefaultChannel,
		logger:  zap.NewNop(),
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
		links:   make(map[dbus.ObjectPath]*transport.Link),
	}
	for _, opt := range opts {
		opt(t)
	}

	if _, err := t.adapterProperty("Address"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("adapter %s not available: %w", adapter, err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(objectManager),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to watch InterfacesAdded: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propsInterface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(t.adapter),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to watch PropertiesChanged: %w", err)
	}

	conn.Signal(t.signals)
	go t.watch()

	return t, nil
}

// Close releases the bus connection
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.conn.RemoveSignal(t.signals)
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) adapterObject() dbus.BusObject {
	return t.conn.Object(busName, t.adapter)
}

func (t *Transport) adapterProperty(name string) (dbus.Variant, error) {
	return t.adapterObject().GetProperty(adapterInterface + "." + name)
}

// Enable powers the adapter on
func (t *Transport) Enable() error {
	return t.setPowered(true)
}

// Disable powers the adapter off
func (t *Transport) Disable() error {
	return t.setPowered(false)
}

func (t *Transport) setPowered(on bool) error {
	call := t.adapterObject().Call(propsInterface+".Set", 0, adapterInterface, "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		return fmt.Errorf("failed to set Powered=%v: %w", on, call.Err)
	}
	return nil
}

// IsEnabled reports the adapter's Powered property
func (t *Transport) IsEnabled() bool {
	v, err := t.adapterProperty("Powered")
	if err != nil {
		t.logger.Debug("failed to read Powered", zap.Error(err))
		return false
	}
	powered, _ := v.Value().(bool)
	return powered
}

// Scan starts BlueZ discovery. Devices are reported from InterfacesAdded and
// from RSSI updates on devices BlueZ already knows.
func (t *Transport) Scan(h transport.ScanHandler) error {
	t.mu.Lock()
	t.scanHandler = h
	t.scanning = true
	t.mu.Unlock()

	if err := t.adapterObject().Call(adapterInterface+".StartDiscovery", 0).Err; err != nil && !isDBusError(err, "org.bluez.Error.InProgress") {
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	return nil
}

// StopScan stops BlueZ discovery
func (t *Transport) StopScan() error {
	t.mu.Lock()
	wasScanning := t.scanning
	t.scanning = false
	t.mu.Unlock()

	if !wasScanning {
		return nil
	}
	if err := t.adapterObject().Call(adapterInterface+".StopDiscovery", 0).Err; err != nil && !isDBusError(err, "org.bluez.Error.Failed") {
		return fmt.Errorf("failed to stop discovery: %w", err)
	}
	return nil
}

func (t *Transport) watch() {
	for {
		select {
		case <-t.done:
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			if sig != nil {
				t.handleSignal(sig)
			}
		}
	}
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case objectManager + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		props, ok := ifaces[deviceInterface]
		if !ok {
			return
		}
		if rec, ok := t.deviceRecord(props); ok {
			t.found(rec)
		}

	case propsInterface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)

		switch {
		case sig.Path == t.adapter && iface == adapterInterface:
			if v, ok := changed["Discovering"]; ok {
				if discovering, _ := v.Value().(bool); !discovering {
					t.finished()
				}
			}
		case iface == deviceInterface:
			if v, ok := changed["Connected"]; ok {
				if connected, _ := v.Value().(bool); !connected {
					t.disconnected(sig.Path)
				}
			}
			if _, ok := changed["RSSI"]; !ok {
				return
			}
			props, err := t.deviceProperties(sig.Path)
			if err != nil {
				return
			}
			if rec, ok := t.deviceRecord(props); ok {
				t.found(rec)
			}
		}
	}
}

func (t *Transport) found(rec transport.DeviceRecord) {
	t.mu.Lock()
	scanning := t.scanning
	h := t.scanHandler
	t.mu.Unlock()

	if scanning {
		h.Found(rec)
	}
}

func (t *Transport) finished() {
	t.mu.Lock()
	wasScanning := t.scanning
	t.scanning = false
	h := t.scanHandler
	t.mu.Unlock()

	if wasScanning {
		h.Finished()
	}
}

func (t *Transport) deviceRecord(props map[string]dbus.Variant) (transport.DeviceRecord, bool) {
	if adapter, ok := props["Adapter"].Value().(dbus.ObjectPath); ok && adapter != t.adapter {
		return transport.DeviceRecord{}, false
	}
	return recordFromProperties(props)
}

// recordFromProperties converts Device1 properties into a record
func recordFromProperties(props map[string]dbus.Variant) (transport.DeviceRecord, bool) {
	address, _ := props["Address"].Value().(string)
	if address == "" {
		return transport.DeviceRecord{}, false
	}

	name, _ := props["Name"].Value().(string)
	if name == "" {
		name, _ = props["Alias"].Value().(string)
		// BlueZ falls back to the address with dashes when there is no name
		if name == strings.ReplaceAll(address, ":", "-") {
			name = ""
		}
	}

	rec := transport.DeviceRecord{Name: name, Address: address, BondState: transport.BondNone}
	if paired, _ := props["Paired"].Value().(bool); paired {
		rec.BondState = transport.BondPaired
	}
	return rec, true
}

// devicePath builds the BlueZ object path of a device under an adapter
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func (t *Transport) deviceProperties(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	err := t.conn.Object(busName, path).Call(propsInterface+".GetAll", 0, deviceInterface).Store(&props)
	if err != nil {
		return nil, err
	}
	return props, nil
}

func (t *Transport) lookup(address string) (transport.DeviceRecord, dbus.ObjectPath, error) {
	path := devicePath(t.adapter, address)
	props, err := t.deviceProperties(path)
	if err != nil {
		if isDBusError(err, "org.freedesktop.DBus.Error.UnknownObject") || isDBusError(err, "org.freedesktop.DBus.Error.UnknownMethod") {
			return transport.DeviceRecord{}, "", fmt.Errorf("%s: %w", address, transport.ErrUnknownDevice)
		}
		return transport.DeviceRecord{}, "", fmt.Errorf("failed to read device %s: %w", address, err)
	}
	rec, ok := recordFromProperties(props)
	if !ok {
		return transport.DeviceRecord{}, "", fmt.Errorf("%s: %w", address, transport.ErrUnknownDevice)
	}
	return rec, path, nil
}

// Pair calls Device1.Pair and marks the device trusted
func (t *Transport) Pair(address string, h transport.BondHandler) error {
	rec, path, err := t.lookup(address)
	if err != nil {
		return err
	}

	go func() {
		obj := t.conn.Object(busName, path)
		if err := obj.Call(deviceInterface+".Pair", 0).Err; err != nil && !isDBusError(err, "org.bluez.Error.AlreadyExists") {
			h.Failed(fmt.Errorf("pair %s: %w", address, err))
			return
		}
		if err := obj.Call(propsInterface+".Set", 0, deviceInterface, "Trusted", dbus.MakeVariant(true)).Err; err != nil {
			t.logger.Warn("failed to trust device", zap.String("address", address), zap.Error(err))
		}

		rec.BondState = transport.BondPaired
		h.Bonded(rec)
	}()
	return nil
}

// Unpair removes the device from the adapter, which drops the bond
func (t *Transport) Unpair(address string, h transport.BondHandler) error {
	rec, path, err := t.lookup(address)
	if err != nil {
		return err
	}

	go func() {
		if err := t.adapterObject().Call(adapterInterface+".RemoveDevice", 0, path).Err; err != nil {
			h.Failed(fmt.Errorf("unpair %s: %w", address, err))
			return
		}
		rec.BondState = transport.BondNone
		h.Bonded(rec)
	}()
	return nil
}

// Bonded lists paired devices on the adapter
func (t *Transport) Bonded() ([]transport.DeviceRecord, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := t.conn.Object(busName, "/").Call(objectManager+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}

	var records []transport.DeviceRecord
	for _, ifaces := range objects {
		props, ok := ifaces[deviceInterface]
		if !ok {
			continue
		}
		rec, ok := t.deviceRecord(props)
		if ok && rec.BondState == transport.BondPaired {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })
	return records, nil
}

// Connect opens an RFCOMM socket to the device
func (t *Transport) Connect(ctx context.Context, address string) (transport.Connection, error) {
	sock, err := dialRFCOMM(ctx, address, t.channel)
	if err != nil {
		return nil, fmt.Errorf("rfcomm %s channel %d: %w", address, t.channel, err)
	}
	t.logger.Debug("rfcomm connected", zap.String("address", address), zap.Uint8("channel", t.channel))

	link := transport.NewLink(sock)
	link.Watch(sock)
	t.track(devicePath(t.adapter, address), link)
	return link, nil
}

// track keeps link until it is done so a Device1 disconnect can drop it
func (t *Transport) track(path dbus.ObjectPath, link *transport.Link) {
	t.mu.Lock()
	t.links[path] = link
	t.mu.Unlock()

	go func() {
		<-link.Done()
		t.mu.Lock()
		if t.links[path] == link {
			delete(t.links, path)
		}
		t.mu.Unlock()
	}()
}

func (t *Transport) disconnected(path dbus.ObjectPath) {
	t.mu.Lock()
	link := t.links[path]
	t.mu.Unlock()

	if link != nil {
		t.logger.Info("device disconnected", zap.String("path", string(path)))
		link.Drop()
	}
}

func isDBusError(err error, name string) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == name
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) {
		return dbusErrPtr.Name == name
	}
	return false
}
