package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/builder"
	"github.com/thereceipt/btprint/internal/config"
	"github.com/thereceipt/btprint/internal/discovery"
	"github.com/thereceipt/btprint/internal/dispatch"
	"github.com/thereceipt/btprint/internal/registry"
	"github.com/thereceipt/btprint/internal/transport/sim"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Transport = config.TransportSim
	return cfg
}

func newApp(t *testing.T, tr *sim.Transport, reg *registry.Registry) (*App, chan Event) {
	t.Helper()
	if reg == nil {
		reg = registry.New(filepath.Join(t.TempDir(), "printer.json"), nil)
	}
	a, err := New(testConfig(), tr, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	events := make(chan Event, 64)
	a.Subscribe(func(ev Event) { events <- ev })
	return a, events
}

func waitDiscovery(t *testing.T, events chan Event, want discovery.EventType) discovery.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Discovery != nil && ev.Discovery.Type == want {
				return *ev.Discovery
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s", want)
		}
	}
}

func TestPairPersistsPrinter(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "MTP-II", Address: "AA:01"}))
	a, events := newApp(t, tr, nil)

	if err := a.Engine.StartScan(); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	waitDiscovery(t, events, discovery.EventDeviceFound)
	if err := a.Engine.RequestPair("AA:01"); err != nil {
		t.Fatalf("RequestPair: %v", err)
	}
	waitDiscovery(t, events, discovery.EventDevicePaired)

	p, ok := a.Registry.GetPrinter()
	if !ok || p.Address != "AA:01" || p.Name != "MTP-II" {
		t.Fatalf("Expected paired printer to be saved, got %+v %v", p, ok)
	}
}

func TestUnpairClearsMatchingPrinter(t *testing.T) {
	tr := sim.New(sim.WithDevices(
		sim.Device{Name: "MTP-II", Address: "AA:01", Bonded: true},
		sim.Device{Name: "Other", Address: "BB:02", Bonded: true},
	))
	reg := registry.New(filepath.Join(t.TempDir(), "printer.json"), nil)
	if err := reg.SetPrinter("MTP-II", "AA:01"); err != nil {
		t.Fatalf("SetPrinter: %v", err)
	}
	a, events := newApp(t, tr, reg)

	a.Engine.RequestUnpair("BB:02")
	waitDiscovery(t, events, discovery.EventDeviceUnpaired)
	if !a.Registry.HasPrinter() {
		t.Fatal("Expected unrelated unpair to keep the printer")
	}

	a.Engine.RequestUnpair("AA:01")
	waitDiscovery(t, events, discovery.EventDeviceUnpaired)
	if a.Registry.HasPrinter() {
		t.Fatal("Expected printer to be cleared")
	}
}

func TestStartupPrunesStalePrinter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "printer.json")

	stale := registry.New(path, nil)
	stale.SetPrinter("Gone", "ZZ:99")
	tr := sim.New(sim.WithDevices(sim.Device{Name: "MTP-II", Address: "AA:01", Bonded: true}))
	a, _ := newApp(t, tr, registry.New(path, nil))
	if a.Registry.HasPrinter() {
		t.Error("Expected a printer the transport no longer trusts to be cleared")
	}

	kept := registry.New(filepath.Join(dir, "kept.json"), nil)
	kept.SetPrinter("MTP-II", "AA:01")
	b, _ := newApp(t, tr, kept)
	if !b.Registry.HasPrinter() {
		t.Error("Expected a bonded printer to be kept")
	}
}

func TestNewEnablesTransport(t *testing.T) {
	tr := sim.New(sim.WithDisabled())
	newApp(t, tr, nil)
	if !tr.IsEnabled() {
		t.Error("Expected the transport to be enabled at startup")
	}
}

func TestPrintSample(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "MTP-II", Address: "AA:01", Bonded: true}))
	reg := registry.New(filepath.Join(t.TempDir(), "printer.json"), nil)
	reg.SetPrinter("MTP-II", "AA:01")
	a, events := newApp(t, tr, reg)

	job := builder.Build(builder.Sample())
	r, err := a.Print(context.Background(), job)
	if err != nil {
		t.Fatalf("Print: %v", err)
	}
	if r.State != dispatch.StateCompleted || r.Sent != len(job.Commands) {
		t.Errorf("Unexpected result %+v", r)
	}

	out := tr.Connections()[0].Bytes()
	if !bytes.HasPrefix(out, []byte{0x1B, '@'}) || !bytes.Contains(out, []byte("COUNTER : A")) {
		t.Errorf("Unexpected printer output % x", out[:16])
	}

	var printEvents []dispatch.EventType
	for len(events) > 0 {
		if ev := <-events; ev.Print != nil {
			printEvents = append(printEvents, ev.Print.Type)
		}
	}
	if len(printEvents) == 0 || printEvents[0] != dispatch.EventConnecting {
		t.Errorf("Expected print events to be published, got %v", printEvents)
	}
}

func TestPrintWithoutPrinter(t *testing.T) {
	a, _ := newApp(t, sim.New(), nil)
	if _, err := a.Print(context.Background(), builder.Build(builder.Sample())); err != dispatch.ErrNoPrinterPaired {
		t.Fatalf("Expected ErrNoPrinterPaired, got %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	a, _ := newApp(t, sim.New(sim.WithDevices(sim.Device{Name: "A", Address: "AA"})), nil)

	got := make(chan Event, 8)
	cancel := a.Subscribe(func(ev Event) { got <- ev })
	cancel()

	a.Engine.StartScan()
	a.Engine.StopScan()
	a.Engine.State()
	time.Sleep(20 * time.Millisecond)
	if len(got) != 0 {
		t.Errorf("Expected no events after unsubscribe, got %d", len(got))
	}
}

func TestStatus(t *testing.T) {
	reg := registry.New(filepath.Join(t.TempDir(), "printer.json"), nil)
	tr := sim.New(sim.WithDevices(sim.Device{Name: "MTP-II", Address: "AA:01", Bonded: true}))
	reg.SetPrinter("MTP-II", "AA:01")
	a, _ := newApp(t, tr, reg)

	s := a.Status()
	if s.Transport != config.TransportSim || !s.Enabled {
		t.Errorf("Unexpected status %+v", s)
	}
	if s.Scan != discovery.StateIdle || s.Dispatcher != dispatch.StateIdle {
		t.Errorf("Expected idle components, got %+v", s)
	}
	if s.Printer == nil || s.Printer.Address != "AA:01" {
		t.Errorf("Expected printer in status, got %+v", s.Printer)
	}
}

func TestNewTransport(t *testing.T) {
	cfg := testConfig()
	tr, err := NewTransport(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if _, ok := tr.(*sim.Transport); !ok {
		t.Errorf("Expected sim transport, got %T", tr)
	}

	cfg.Transport = "carrier-pigeon"
	if _, err := NewTransport(cfg, nil, zap.NewNop()); err == nil {
		t.Error("Expected error for unknown transport")
	}
}

func TestOpenWithoutLogger(t *testing.T) {
	cfg := testConfig()
	cfg.RegistryPath = filepath.Join(t.TempDir(), "printer.json")

	a, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if !a.Status().Enabled {
		t.Error("Expected the sim transport to be enabled")
	}
}
