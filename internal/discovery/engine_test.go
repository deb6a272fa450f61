package discovery

import (
	"errors"
	"testing"
	"time"

	"github.com/thereceipt/btprint/internal/transport"
	"github.com/thereceipt/btprint/internal/transport/sim"
)

type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 64)}
}

func (r *recorder) handle(ev Event) {
	r.events <- ev
}

// next waits for the next event of the given type, failing on anything else
func (r *recorder) next(t *testing.T, want EventType) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		if ev.Type != want {
			t.Fatalf("Expected %s event, got %s (%+v)", want, ev.Type, ev)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s", want)
	}
	return Event{}
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("Unexpected event %s (%+v)", ev.Type, ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func newEngine(t *testing.T, tr transport.Transport) (*Engine, *recorder) {
	t.Helper()
	rec := newRecorder()
	e := New(tr, rec.handle)
	t.Cleanup(func() { e.Close() })
	return e, rec
}

func TestScanDeduplicatesAndFiltersUnnamed(t *testing.T) {
	tr := sim.New(sim.WithDevices(
		sim.Device{Name: "Printer A", Address: "AA"},
		sim.Device{Name: "", Address: "BB"},
		sim.Device{Name: "Printer A", Address: "AA"},
		sim.Device{Name: "Printer C", Address: "CC"},
	))
	e, rec := newEngine(t, tr)

	if err := e.StartScan(); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	rec.next(t, EventDiscoveryStarted)
	if got := rec.next(t, EventDeviceFound).Device.Address; got != "AA" {
		t.Errorf("Expected AA first, got %s", got)
	}
	if got := rec.next(t, EventDeviceFound).Device.Address; got != "CC" {
		t.Errorf("Expected CC second, got %s", got)
	}
	rec.quiet(t)

	devices := e.Devices()
	if len(devices) != 2 || devices[0].Address != "AA" || devices[1].Address != "CC" {
		t.Errorf("Unexpected session %+v", devices)
	}
	if e.State() != StateScanning {
		t.Errorf("Expected scanning, got %s", e.State())
	}

	if err := e.StopScan(); err != nil {
		t.Fatalf("StopScan: %v", err)
	}
	if ev := rec.next(t, EventDiscoveryFinished); ev.Count != 2 {
		t.Errorf("Expected count 2, got %d", ev.Count)
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle, got %s", e.State())
	}
}

func TestRepeatUpdatesRecordInPlace(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "Old", Address: "AA"}))
	e, rec := newEngine(t, tr)

	e.StartScan()
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)

	tr.Advertise(sim.Device{Name: "New", Address: "AA"})
	rec.quiet(t)

	devices := e.Devices()
	if len(devices) != 1 || devices[0].Name != "New" {
		t.Errorf("Expected updated name, got %+v", devices)
	}
}

func TestStartScanTransportDisabled(t *testing.T) {
	e, rec := newEngine(t, sim.New(sim.WithDisabled()))

	if err := e.StartScan(); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("Expected ErrTransportUnavailable, got %v", err)
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle, got %s", e.State())
	}
	rec.quiet(t)
}

func TestScanErrorLeavesEngineIdle(t *testing.T) {
	boom := errors.New("adapter busy")
	tr := sim.New(sim.WithDevices(sim.Device{Name: "Printer A", Address: "AA"}))
	tr.FailScan(boom)
	e, rec := newEngine(t, tr)

	if err := e.StartScan(); !errors.Is(err, boom) {
		t.Fatalf("Expected scan error, got %v", err)
	}
	if ev := rec.next(t, EventError); !errors.Is(ev.Err, boom) {
		t.Errorf("Expected error event to carry the scan error, got %v", ev.Err)
	}
	rec.quiet(t)
	if e.State() != StateIdle {
		t.Errorf("Expected idle, got %s", e.State())
	}
}

func TestRestartScanErrorLeavesEngineIdle(t *testing.T) {
	boom := errors.New("adapter busy")
	tr := sim.New(sim.WithDevices(sim.Device{Name: "Printer A", Address: "AA"}))
	e, rec := newEngine(t, tr)

	e.StartScan()
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)

	tr.FailScan(boom)
	if err := e.StartScan(); !errors.Is(err, boom) {
		t.Fatalf("Expected scan error, got %v", err)
	}
	rec.next(t, EventError)
	if e.State() != StateIdle {
		t.Errorf("Expected idle, got %s", e.State())
	}
	if n := len(e.Devices()); n != 0 {
		t.Errorf("Expected the old session to be cleared, got %d devices", n)
	}
}

func TestStopScanErrorStillFinishes(t *testing.T) {
	boom := errors.New("stop discovery failed")
	tr := sim.New(sim.WithDevices(sim.Device{Name: "Printer A", Address: "AA"}))
	e, rec := newEngine(t, tr)

	e.StartScan()
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)

	tr.FailStopScan(boom)
	if err := e.StopScan(); err != nil {
		t.Fatalf("StopScan: %v", err)
	}
	if ev := rec.next(t, EventError); !errors.Is(ev.Err, boom) {
		t.Errorf("Expected error event to carry the stop error, got %v", ev.Err)
	}
	if ev := rec.next(t, EventDiscoveryFinished); ev.Count != 1 {
		t.Errorf("Expected count 1, got %d", ev.Count)
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle, got %s", e.State())
	}
}

func TestStopScanWhileIdleIsNoop(t *testing.T) {
	e, rec := newEngine(t, sim.New())

	if err := e.StopScan(); err != nil {
		t.Fatalf("StopScan: %v", err)
	}
	rec.quiet(t)
}

func TestTransportFinishesScan(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "A", Address: "AA"}), sim.WithAutoFinish())
	e, rec := newEngine(t, tr)

	e.StartScan()
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)
	if ev := rec.next(t, EventDiscoveryFinished); ev.Count != 1 {
		t.Errorf("Expected count 1, got %d", ev.Count)
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle after transport finished, got %s", e.State())
	}
}

func TestStaleAdvertisementsDropped(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "A", Address: "AA"}))
	e, rec := newEngine(t, tr)

	e.StartScan()
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)
	e.StopScan()
	rec.next(t, EventDiscoveryFinished)

	tr.Advertise(sim.Device{Name: "Late", Address: "LL"})
	tr.FinishScan()
	rec.quiet(t)

	if len(e.Devices()) != 1 {
		t.Errorf("Expected late advertisement to be dropped, got %+v", e.Devices())
	}
}

func TestRestartClearsSession(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "A", Address: "AA"}))
	e, rec := newEngine(t, tr)

	e.StartScan()
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)

	if err := e.StartScan(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)

	if len(e.Devices()) != 1 {
		t.Errorf("Expected fresh session with one device, got %+v", e.Devices())
	}
}

func TestPairAlreadyBondedSkipsTransport(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "MTP-II", Address: "AA", Bonded: true}))
	e, rec := newEngine(t, tr)

	e.StartScan()
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)

	if err := e.RequestPair("AA"); err != nil {
		t.Fatalf("RequestPair: %v", err)
	}
	ev := rec.next(t, EventDevicePaired)
	if ev.Device.Address != "AA" || ev.Device.Name != "MTP-II" {
		t.Errorf("Unexpected paired device %+v", ev.Device)
	}
	if calls := tr.PairCalls(); len(calls) != 0 {
		t.Errorf("Expected no transport pair call, got %v", calls)
	}
}

func TestPairBondedDeviceOutsideSession(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "MTP-II", Address: "AA", Bonded: true}))
	e, rec := newEngine(t, tr)

	if err := e.RequestPair("AA"); err != nil {
		t.Fatalf("RequestPair: %v", err)
	}
	rec.next(t, EventDevicePaired)
	if len(tr.PairCalls()) != 0 {
		t.Error("Expected no transport pair call")
	}
}

func TestPairNewDevice(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "MTP-II", Address: "AA"}))
	e, rec := newEngine(t, tr)

	e.StartScan()
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)

	if err := e.RequestPair("AA"); err != nil {
		t.Fatalf("RequestPair: %v", err)
	}
	ev := rec.next(t, EventDevicePaired)
	if ev.Device.BondState != transport.BondPaired {
		t.Errorf("Expected paired state, got %v", ev.Device.BondState)
	}
	if calls := tr.PairCalls(); len(calls) != 1 || calls[0] != "AA" {
		t.Errorf("Expected one pair call for AA, got %v", calls)
	}
	if _, pairing := e.Pairing(); pairing {
		t.Error("Expected pairing sub-state to be cleared")
	}
	if e.Devices()[0].BondState != transport.BondPaired {
		t.Error("Expected session record to be marked paired")
	}
}

func TestPairWhilePairingRejected(t *testing.T) {
	tr := sim.New(sim.WithDevices(
		sim.Device{Name: "A", Address: "AA"},
		sim.Device{Name: "B", Address: "BB"},
	), sim.WithManualBonding())
	e, rec := newEngine(t, tr)

	e.StartScan()
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)
	rec.next(t, EventDeviceFound)

	if err := e.RequestPair("AA"); err != nil {
		t.Fatalf("RequestPair: %v", err)
	}
	if addr, ok := e.Pairing(); !ok || addr != "AA" {
		t.Fatalf("Expected pairing with AA, got %q", addr)
	}
	if err := e.RequestPair("BB"); !errors.Is(err, ErrInvalidPairState) {
		t.Errorf("Expected ErrInvalidPairState for second pair, got %v", err)
	}
	if err := e.RequestPair("AA"); !errors.Is(err, ErrInvalidPairState) {
		t.Errorf("Expected ErrInvalidPairState for repeated pair, got %v", err)
	}

	tr.ResolvePair("AA", nil)
	rec.next(t, EventDevicePaired)

	if err := e.RequestPair("BB"); err != nil {
		t.Errorf("Expected pairing to be possible again, got %v", err)
	}
}

func TestPairUnknownAddress(t *testing.T) {
	e, rec := newEngine(t, sim.New())

	if err := e.RequestPair("ZZ"); !errors.Is(err, ErrInvalidPairState) {
		t.Fatalf("Expected ErrInvalidPairState, got %v", err)
	}
	rec.quiet(t)
}

func TestPairFailure(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "A", Address: "AA"}))
	tr.FailPair("AA", errors.New("authentication rejected"))
	e, rec := newEngine(t, tr)

	e.StartScan()
	rec.next(t, EventDiscoveryStarted)
	rec.next(t, EventDeviceFound)

	e.RequestPair("AA")
	ev := rec.next(t, EventPairFailed)
	if ev.Err == nil || ev.Device.Address != "AA" {
		t.Errorf("Unexpected pair failure event %+v", ev)
	}
	if _, pairing := e.Pairing(); pairing {
		t.Error("Expected pairing sub-state to be cleared after failure")
	}
	if e.Devices()[0].BondState != transport.BondNone {
		t.Error("Expected session record back to none")
	}
}

func TestUnpair(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "A", Address: "AA", Bonded: true}))
	e, rec := newEngine(t, tr)

	if err := e.RequestUnpair("AA"); err != nil {
		t.Fatalf("RequestUnpair: %v", err)
	}
	ev := rec.next(t, EventDeviceUnpaired)
	if ev.Device.Address != "AA" || ev.Device.BondState != transport.BondNone {
		t.Errorf("Unexpected unpair event %+v", ev)
	}

	bonded, _ := e.BondedDevices()
	if len(bonded) != 0 {
		t.Errorf("Expected no bonded devices, got %+v", bonded)
	}

	e.RequestUnpair("AA")
	if ev := rec.next(t, EventError); !errors.Is(ev.Err, transport.ErrUnknownDevice) {
		t.Errorf("Expected unknown device error, got %v", ev.Err)
	}
}

func TestHandlerMayCallEngine(t *testing.T) {
	tr := sim.New(sim.WithDevices(sim.Device{Name: "A", Address: "AA"}))
	paired := make(chan Event, 1)

	var e *Engine
	e = New(tr, func(ev Event) {
		switch ev.Type {
		case EventDeviceFound:
			if err := e.RequestPair(ev.Device.Address); err != nil {
				t.Errorf("RequestPair from handler: %v", err)
			}
		case EventDevicePaired:
			paired <- ev
		}
	})
	defer e.Close()

	e.StartScan()
	select {
	case ev := <-paired:
		if ev.Device.Address != "AA" {
			t.Errorf("Unexpected device %+v", ev.Device)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for pairing from handler")
	}
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	e := New(sim.New(), nil)
	e.Close()

	if err := e.StartScan(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
