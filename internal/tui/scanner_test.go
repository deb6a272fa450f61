package tui

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/thereceipt/btprint/internal/app"
	"github.com/thereceipt/btprint/internal/config"
	"github.com/thereceipt/btprint/internal/discovery"
	"github.com/thereceipt/btprint/internal/dispatch"
	"github.com/thereceipt/btprint/internal/registry"
	"github.com/thereceipt/btprint/internal/transport"
	"github.com/thereceipt/btprint/internal/transport/sim"
)

func newScanner(t *testing.T, tr *sim.Transport, reg *registry.Registry) (*Scanner, chan app.Event) {
	t.Helper()
	if reg == nil {
		reg = registry.New(filepath.Join(t.TempDir(), "printer.json"), nil)
	}
	cfg := config.Default()
	cfg.Transport = config.TransportSim

	a, err := app.New(cfg, tr, reg, nil)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	events := make(chan app.Event, 64)
	a.Subscribe(func(ev app.Event) { events <- ev })
	return NewScanner(a), events
}

// pump feeds app events to the model until one of type want arrives and
// returns the command the model produced for it
func pump(t *testing.T, m *Scanner, events chan app.Event, want discovery.EventType) tea.Cmd {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			_, cmd := m.Update(eventMsg(ev))
			if ev.Discovery != nil && ev.Discovery.Type == want {
				return cmd
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s", want)
			return nil
		}
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func discoveryMsg(ev discovery.Event) eventMsg {
	return eventMsg(app.Event{Source: app.SourceDiscovery, Discovery: &ev})
}

func printMsg(ev dispatch.Event) eventMsg {
	return eventMsg(app.Event{Source: app.SourcePrint, Print: &ev})
}

func TestDiscoveryEventsFillList(t *testing.T) {
	m, _ := newScanner(t, sim.New(), nil)

	m.Update(discoveryMsg(discovery.Event{Type: discovery.EventDiscoveryStarted}))
	m.Update(discoveryMsg(discovery.Event{Type: discovery.EventDeviceFound, Device: transport.DeviceRecord{Name: "MTP-II", Address: "AA:01"}}))
	m.Update(discoveryMsg(discovery.Event{Type: discovery.EventDeviceFound, Device: transport.DeviceRecord{Name: "PT-210", Address: "BB:02"}}))
	m.Update(discoveryMsg(discovery.Event{Type: discovery.EventDeviceFound, Device: transport.DeviceRecord{Name: "MTP-II Pro", Address: "AA:01"}}))

	if !m.scanning {
		t.Error("Expected scanning after DiscoveryStarted")
	}
	if len(m.devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(m.devices))
	}
	if m.devices[0].Name != "MTP-II Pro" {
		t.Errorf("Expected repeat advertisement to update the row, got %q", m.devices[0].Name)
	}

	m.Update(key("down"))
	m.Update(key("down"))
	if m.cursor != 1 {
		t.Errorf("Expected cursor to stop at the last row, got %d", m.cursor)
	}

	m.Update(discoveryMsg(discovery.Event{Type: discovery.EventDiscoveryFinished, Count: 2}))
	if m.scanning {
		t.Error("Expected scanning to stop after DiscoveryFinished")
	}

	view := m.View()
	for _, want := range []string{"MTP-II Pro", "PT-210", "BB:02"} {
		if !strings.Contains(view, want) {
			t.Errorf("Expected view to contain %q", want)
		}
	}

	m.Update(discoveryMsg(discovery.Event{Type: discovery.EventDiscoveryStarted}))
	if len(m.devices) != 0 || m.cursor != 0 {
		t.Errorf("Expected a new scan to clear the list, got %d devices cursor %d", len(m.devices), m.cursor)
	}
}

func TestPairSelectedDevice(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "MTP-II", Address: "AA:01"}))
	m, events := newScanner(t, tr, nil)

	m.Update(m.scanCmd()())
	pump(t, m, events, discovery.EventDeviceFound)

	_, cmd := m.Update(key("enter"))
	if cmd == nil {
		t.Fatal("Expected enter to request pairing")
	}
	if m.pairing != "AA:01" {
		t.Errorf("Expected pairing AA:01, got %q", m.pairing)
	}
	m.Update(cmd())
	pump(t, m, events, discovery.EventDevicePaired)

	if m.pairing != "" {
		t.Errorf("Expected pairing to clear, got %q", m.pairing)
	}
	p, ok := m.Printer()
	if !ok || p.Address != "AA:01" {
		t.Fatalf("Expected paired printer AA:01, got %+v %v", p, ok)
	}
	if m.devices[0].BondState != transport.BondPaired {
		t.Errorf("Expected row to show paired, got %s", m.devices[0].BondState)
	}
}

func TestPairFailureIsLogged(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "MTP-II", Address: "AA:01"}))
	tr.FailPair("AA:01", errors.New("authentication rejected"))
	m, events := newScanner(t, tr, nil)

	m.Update(m.scanCmd()())
	pump(t, m, events, discovery.EventDeviceFound)

	_, cmd := m.Update(key("p"))
	m.Update(cmd())
	pump(t, m, events, discovery.EventPairFailed)

	if m.pairing != "" {
		t.Errorf("Expected pairing to clear, got %q", m.pairing)
	}
	last := m.logs[len(m.logs)-1]
	if last.level != "error" || !strings.Contains(last.message, "authentication rejected") {
		t.Errorf("Expected failure in console, got %+v", last)
	}
	if _, ok := m.Printer(); ok {
		t.Error("Expected no printer after failed pairing")
	}
}

func TestUnpairRescans(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "MTP-II", Address: "AA:01", Bonded: true}))
	reg := registry.New(filepath.Join(t.TempDir(), "printer.json"), nil)
	if err := reg.SetPrinter("MTP-II", "AA:01"); err != nil {
		t.Fatalf("SetPrinter: %v", err)
	}
	m, events := newScanner(t, tr, reg)
	if _, ok := m.Printer(); !ok {
		t.Fatal("Expected screen to start with the registered printer")
	}

	// with an empty list u falls back to the paired printer
	_, cmd := m.Update(key("u"))
	if cmd == nil {
		t.Fatal("Expected u to request unpairing")
	}
	m.Update(cmd())

	rescan := pump(t, m, events, discovery.EventDeviceUnpaired)
	if _, ok := m.Printer(); ok {
		t.Error("Expected printer to be cleared after unpairing")
	}
	if rescan == nil {
		t.Fatal("Expected unpairing to trigger a rescan")
	}
	if msg, ok := rescan().(actionMsg); !ok || msg.action != "scan" || msg.err != nil {
		t.Fatalf("Expected successful scan action, got %+v", msg)
	}
	if m.app.Engine.State() != discovery.StateScanning {
		t.Errorf("Expected engine to be scanning, got %s", m.app.Engine.State())
	}
}

func TestTestPrintNeedsPrinter(t *testing.T) {
	m, _ := newScanner(t, sim.New(), nil)

	_, cmd := m.Update(key("t"))
	if cmd != nil {
		t.Error("Expected no print without a paired printer")
	}
	if len(m.logs) == 0 || m.logs[len(m.logs)-1].level != "warning" {
		t.Errorf("Expected a warning in the console, got %+v", m.logs)
	}
}

func TestPrintEventsUpdateStatus(t *testing.T) {
	m, _ := newScanner(t, sim.New(), nil)

	m.Update(printMsg(dispatch.Event{Type: dispatch.EventConnecting, Address: "AA:01"}))
	if !m.printing {
		t.Fatal("Expected printing after Connecting")
	}
	if !strings.Contains(m.View(), "printing") {
		t.Error("Expected view to show printing")
	}

	err := &dispatch.ConnectionError{Address: "AA:01", Err: dispatch.ErrTimeout}
	m.Update(printMsg(dispatch.Event{Type: dispatch.EventConnectionFailed, Address: "AA:01", Err: err}))
	if m.printing {
		t.Error("Expected printing to stop after ConnectionFailed")
	}
	if last := m.logs[len(m.logs)-1]; last.level != "error" {
		t.Errorf("Expected error in console, got %+v", last)
	}
}

func TestOrderSentEndsPrinting(t *testing.T) {
	m, _ := newScanner(t, sim.New(), nil)

	m.Update(printMsg(dispatch.Event{Type: dispatch.EventConnecting, Address: "AA:01"}))
	m.Update(printMsg(dispatch.Event{Type: dispatch.EventOrderSent, Address: "AA:01", Sent: 3, Total: 3}))
	if m.printing {
		t.Error("Expected printing to stop after OrderSent without a disconnect")
	}
	if strings.Contains(m.View(), "printing") {
		t.Error("Expected view to drop the printing status")
	}
}

func TestActionErrorsAreLogged(t *testing.T) {
	m, _ := newScanner(t, sim.New(), nil)
	m.pairing = "AA:01"

	m.Update(actionMsg{action: "pair", err: discovery.ErrInvalidPairState})
	if m.pairing != "" {
		t.Errorf("Expected rejected pair to clear pairing, got %q", m.pairing)
	}
	if last := m.logs[len(m.logs)-1]; !strings.Contains(last.message, "invalid pair state") {
		t.Errorf("Expected error in console, got %+v", last)
	}
}

func TestQuit(t *testing.T) {
	m, _ := newScanner(t, sim.New(), nil)

	_, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("Expected quit command")
	}
	if !m.quitting {
		t.Error("Expected quitting")
	}
	if m.View() != "" {
		t.Error("Expected empty view after quitting")
	}
}
