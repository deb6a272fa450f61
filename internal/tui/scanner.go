// Package tui is an interactive printer picker: it scans, lists what it
// finds and pairs, unpairs or test-prints the selected printer.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/thereceipt/btprint/internal/app"
	"github.com/thereceipt/btprint/internal/builder"
	"github.com/thereceipt/btprint/internal/discovery"
	"github.com/thereceipt/btprint/internal/dispatch"
	"github.com/thereceipt/btprint/internal/registry"
	"github.com/thereceipt/btprint/internal/transport"
)

// eventBuffer is how far the UI may fall behind the core before events drop
const eventBuffer = 256

// Messages
type eventMsg app.Event

type actionMsg struct {
	action string
	err    error
}

type logEntry struct {
	time    time.Time
	message string
	level   string
}

// Scanner is the Bubble Tea model for the scan screen
type Scanner struct {
	app *app.App

	devices  []transport.DeviceRecord
	cursor   int
	scanning bool
	pairing  string
	printing bool
	printer  *registry.PairedPrinter

	spinner  spinner.Model
	width    int
	height   int
	quitting bool

	logs    []logEntry
	maxLogs int
}

// NewScanner creates the scan screen for a
func NewScanner(a *app.App) *Scanner {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	m := &Scanner{
		app:     a,
		spinner: s,
		maxLogs: 50,
	}
	m.refreshPrinter()
	return m
}

// Init starts a scan as soon as the screen opens
func (m *Scanner) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.scanCmd())
}

func (m *Scanner) scanCmd() tea.Cmd {
	return func() tea.Msg {
		return actionMsg{action: "scan", err: m.app.Engine.StartScan()}
	}
}

func (m *Scanner) stopCmd() tea.Cmd {
	return func() tea.Msg {
		return actionMsg{action: "stop", err: m.app.Engine.StopScan()}
	}
}

func (m *Scanner) pairCmd(address string) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{action: "pair", err: m.app.Engine.RequestPair(address)}
	}
}

func (m *Scanner) unpairCmd(address string) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{action: "unpair", err: m.app.Engine.RequestUnpair(address)}
	}
}

// printCmd queues the sample receipt; progress arrives as print events
func (m *Scanner) printCmd() tea.Cmd {
	return func() tea.Msg {
		job := builder.Build(builder.Sample())
		_, err := m.app.Dispatcher.Print(context.Background(), job)
		return actionMsg{action: "print", err: err}
	}
}

// Update handles messages
func (m *Scanner) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.updateKeys(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case eventMsg:
		ev := app.Event(msg)
		if ev.Discovery != nil {
			return m, m.onDiscovery(*ev.Discovery)
		}
		if ev.Print != nil {
			m.onPrint(*ev.Print)
		}

	case actionMsg:
		if msg.err != nil {
			if msg.action == "pair" {
				m.pairing = ""
			}
			m.addLog(fmt.Sprintf("%s: %v", msg.action, msg.err), "error")
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Scanner) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		m.quitting = true
		return m, tea.Sequence(m.stopCmd(), tea.Quit)
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.devices)-1 {
			m.cursor++
		}
	case "r", "s":
		return m, m.scanCmd()
	case "x":
		return m, m.stopCmd()
	case "enter", "p":
		if d, ok := m.selected(); ok {
			m.pairing = d.Address
			m.addLog("Pairing with "+displayName(d), "info")
			return m, m.pairCmd(d.Address)
		}
	case "u":
		if d, ok := m.selected(); ok {
			return m, m.unpairCmd(d.Address)
		}
		if m.printer != nil {
			return m, m.unpairCmd(m.printer.Address)
		}
	case "t":
		if m.printer == nil {
			m.addLog("Pair a printer first", "warning")
			return m, nil
		}
		return m, m.printCmd()
	}
	return m, nil
}

func (m *Scanner) onDiscovery(ev discovery.Event) tea.Cmd {
	switch ev.Type {
	case discovery.EventDiscoveryStarted:
		m.scanning = true
		m.devices = nil
		m.cursor = 0
	case discovery.EventDeviceFound:
		m.upsert(ev.Device)
	case discovery.EventDiscoveryFinished:
		m.scanning = false
		m.addLog(fmt.Sprintf("Found %d printer(s)", ev.Count), "info")
	case discovery.EventDevicePaired:
		m.pairing = ""
		m.upsert(ev.Device)
		m.refreshPrinter()
		m.addLog("Paired with "+displayName(ev.Device), "success")
	case discovery.EventPairFailed:
		m.pairing = ""
		m.addLog(fmt.Sprintf("Pairing with %s failed: %v", displayName(ev.Device), ev.Err), "error")
	case discovery.EventDeviceUnpaired:
		m.upsert(ev.Device)
		m.refreshPrinter()
		m.addLog("Unpaired "+displayName(ev.Device), "success")
		// the bond list changed, so look again
		return m.scanCmd()
	case discovery.EventError:
		m.addLog(ev.Err.Error(), "error")
	}
	return nil
}

func (m *Scanner) onPrint(ev dispatch.Event) {
	switch ev.Type {
	case dispatch.EventConnecting:
		m.printing = true
		m.addLog("Connecting to "+ev.Address, "info")
	case dispatch.EventOrderSent:
		// with keep-alive no Disconnected follows
		m.printing = false
		m.addLog(fmt.Sprintf("Sent %d/%d commands", ev.Sent, ev.Total), "success")
	case dispatch.EventConnectionFailed, dispatch.EventError:
		m.printing = false
		m.addLog(ev.Err.Error(), "error")
	case dispatch.EventDisconnected:
		m.printing = false
	}
}

func (m *Scanner) upsert(rec transport.DeviceRecord) {
	for i := range m.devices {
		if m.devices[i].Address == rec.Address {
			if rec.Name == "" {
				rec.Name = m.devices[i].Name
			}
			m.devices[i] = rec
			return
		}
	}
	m.devices = append(m.devices, rec)
}

func (m *Scanner) selected() (transport.DeviceRecord, bool) {
	if m.cursor < 0 || m.cursor >= len(m.devices) {
		return transport.DeviceRecord{}, false
	}
	return m.devices[m.cursor], true
}

func (m *Scanner) refreshPrinter() {
	if p, ok := m.app.Registry.GetPrinter(); ok {
		m.printer = &p
	} else {
		m.printer = nil
	}
}

func (m *Scanner) addLog(message, level string) {
	m.logs = append(m.logs, logEntry{time: time.Now(), message: message, level: level})
	if len(m.logs) > m.maxLogs {
		m.logs = m.logs[1:]
	}
}

// Printer returns the paired printer as last seen by the screen
func (m *Scanner) Printer() (registry.PairedPrinter, bool) {
	if m.printer == nil {
		return registry.PairedPrinter{}, false
	}
	return *m.printer, true
}

// View renders the UI
func (m *Scanner) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render("btprint · " + m.app.Config.Transport))
	b.WriteString("\n")

	status := TextMuted.Render("idle")
	if m.scanning {
		status = m.spinner.View() + " " + TextBright.Render("scanning")
	}
	if m.printing {
		status += "  " + m.spinner.View() + " " + TextBright.Render("printing")
	}
	b.WriteString(status + "\n\n")

	printer := TextMuted.Render("no printer paired")
	if m.printer != nil {
		printer = StatusOnline.String() + " " + TextBright.Render(m.printer.Name) + TextMuted.Render("  "+m.printer.Address)
	}
	b.WriteString(CardStyle.Render(CardTitleStyle.Render("Printer") + "\n" + printer))
	b.WriteString("\n\n")

	b.WriteString(SectionHeaderStyle.Render(fmt.Sprintf("DEVICES (%d)", len(m.devices))))
	b.WriteString("\n")
	if len(m.devices) == 0 {
		b.WriteString(TextMuted.Render("  No printers found yet"))
		b.WriteString("\n")
	}
	for i, d := range m.devices {
		line := fmt.Sprintf("%s %-24s %s", BondIcon(d.BondState), Truncate(displayName(d), 24), d.Address)
		if d.Address == m.pairing {
			line += "  " + m.spinner.View() + " pairing"
		} else if d.BondState != transport.BondNone {
			line += "  " + d.BondState.String()
		}
		if i == m.cursor {
			b.WriteString(SelectedItemStyle.Render(line))
		} else {
			b.WriteString(ListItemStyle.Render(line))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderConsole())
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return ContentStyle.Render(b.String())
}

func (m *Scanner) renderConsole() string {
	const lines = 4
	start := len(m.logs) - lines
	if start < 0 {
		start = 0
	}
	var out []string
	for _, entry := range m.logs[start:] {
		out = append(out, TextMuted.Render(entry.time.Format("15:04:05"))+" "+levelStyle(entry.level).Render(entry.message))
	}
	if len(out) == 0 {
		out = append(out, TextMuted.Render("ready"))
	}
	style := ConsoleStyle
	if m.width > 4 {
		style = style.Width(m.width - 4)
	}
	return style.Render(strings.Join(out, "\n"))
}

func (m *Scanner) renderHelp() string {
	help := []string{
		RenderHelp("↑/↓", "select"),
		RenderHelp("enter", "pair"),
		RenderHelp("u", "unpair"),
		RenderHelp("t", "test print"),
		RenderHelp("r", "rescan"),
		RenderHelp("x", "stop"),
		RenderHelp("q", "quit"),
	}
	return HelpBarStyle.Render(strings.Join(help, "  "))
}

func displayName(d transport.DeviceRecord) string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name
}

// Run starts the TUI and forwards app events to it until the user quits
func (m *Scanner) Run() error {
	p := tea.NewProgram(m, tea.WithAltScreen())

	events := make(chan app.Event, eventBuffer)
	cancel := m.app.Subscribe(func(ev app.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev := <-events:
				p.Send(eventMsg(ev))
			case <-done:
				return
			}
		}
	}()

	_, err := p.Run()
	cancel()
	close(done)
	return err
}
