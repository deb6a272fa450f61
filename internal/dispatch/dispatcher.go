// Package dispatch sends print jobs to the paired printer, one at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/registry"
	"github.com/thereceipt/btprint/internal/transport"
	"github.com/thereceipt/btprint/pkg/printjob"
)

// DefaultConnectTimeout bounds a single connect attempt
const DefaultConnectTimeout = 5 * time.Second

// State of the dispatcher
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateTransmitting
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateTransmitting: "transmitting",
	StateCompleted:    "completed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Printers supplies the paired printer
type Printers interface {
	GetPrinter() (registry.PairedPrinter, bool)
}

// Connector opens byte streams to devices
type Connector interface {
	Connect(ctx context.Context, address string) (transport.Connection, error)
}

// Encoder turns commands into printer bytes
type Encoder interface {
	Begin() []byte
	Encode(cmd printjob.Command) ([]byte, error)
}

// Result is the outcome of one job
type Result struct {
	State State
	Sent  int
	Total int
	Err   error
}

// Dispatcher runs the connect and transmit state machine
type Dispatcher struct {
	connector  Connector
	printers   Printers
	encoder    Encoder
	encoderFor func(paperWidth string) (Encoder, error)
	handler    Handler
	logger     *zap.Logger
	timeout    time.Duration
	keepAlive  bool

	mu       sync.Mutex
	state    State
	conn     transport.Connection
	connAddr string
	wg       sync.WaitGroup
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithConnectTimeout overrides DefaultConnectTimeout
func WithConnectTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithKeepAlive keeps the connection open between jobs
func WithKeepAlive(enabled bool) Option {
	return func(d *Dispatcher) { d.keepAlive = enabled }
}

// WithPaperEncoders picks an encoder for jobs that name their paper width
func WithPaperEncoders(fn func(paperWidth string) (Encoder, error)) Option {
	return func(d *Dispatcher) { d.encoderFor = fn }
}

// New creates a dispatcher. handler may be nil.
func New(connector Connector, printers Printers, encoder Encoder, handler Handler, opts ...Option) *Dispatcher {
	if handler == nil {
		handler = func(Event) {}
	}
	d := &Dispatcher{
		connector: connector,
		printers:  printers,
		encoder:   encoder,
		handler:   handler,
		logger:    zap.NewNop(),
		timeout:   DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current state
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) busy() bool {
	return d.state == StateConnecting || d.state == StateTransmitting
}

// Print encodes job and starts sending it to the paired printer. The returned
// channel receives exactly one Result. ctx bounds the connect only; once
// transmission starts it runs to completion or failure.
func (d *Dispatcher) Print(ctx context.Context, job printjob.Job) (<-chan Result, error) {
	d.mu.Lock()
	if d.busy() {
		d.mu.Unlock()
		return nil, ErrDispatcherBusy
	}
	if d.state == StateCompleted || d.state == StateFailed {
		d.state = StateIdle
	}
	d.mu.Unlock()

	printer, ok := d.printers.GetPrinter()
	if !ok {
		return nil, ErrNoPrinterPaired
	}

	payloads, err := d.encode(job)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.busy() {
		d.mu.Unlock()
		return nil, ErrDispatcherBusy
	}
	d.state = StateConnecting
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Info("printing job",
		zap.String("job", job.Name),
		zap.String("printer", printer.Name),
		zap.String("address", printer.Address),
		zap.Int("commands", len(payloads)))
	d.emit(Event{Type: EventConnecting, Address: printer.Address})

	results := make(chan Result, 1)
	go d.run(ctx, printer.Address, payloads, results)
	return results, nil
}

func (d *Dispatcher) encode(job printjob.Job) ([][]byte, error) {
	if err := printjob.Validate(&job); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}

	enc := d.encoder
	if job.PaperWidth != "" && d.encoderFor != nil {
		var err error
		if enc, err = d.encoderFor(job.PaperWidth); err != nil {
			return nil, err
		}
	}

	payloads := make([][]byte, 0, len(job.Commands))
	for i, cmd := range job.Commands {
		b, err := enc.Encode(cmd)
		if err != nil {
			return nil, fmt.Errorf("encode command %d: %w", i, err)
		}
		if i == 0 {
			b = append(enc.Begin(), b...)
		}
		payloads = append(payloads, b)
	}
	return payloads, nil
}

func (d *Dispatcher) run(ctx context.Context, address string, payloads [][]byte, results chan<- Result) {
	defer d.wg.Done()
	total := len(payloads)

	conn, reused, err := d.connect(ctx, address)
	if err != nil {
		d.connectFailed(address, total, err, results)
		return
	}

	d.mu.Lock()
	d.state = StateTransmitting
	d.mu.Unlock()

	sent, bytesSent, bytesTotal, err := transmit(conn, payloads)
	if err != nil && reused && bytesSent == 0 {
		// the kept link died while idle; dial once more
		d.logger.Info("kept connection is gone, reconnecting", zap.String("address", address), zap.Error(err))
		d.release(conn)
		if conn, _, err = d.connect(ctx, address); err != nil {
			d.connectFailed(address, total, err, results)
			return
		}
		sent, bytesSent, bytesTotal, err = transmit(conn, payloads)
	}
	if err != nil {
		terr := &TransmissionError{Sent: sent, Total: total, BytesSent: bytesSent, BytesTotal: bytesTotal, Err: err}
		d.mu.Lock()
		d.state = StateFailed
		d.mu.Unlock()
		d.release(conn)

		d.logger.Error("transmission failed", zap.String("address", address), zap.Error(terr))
		d.emit(Event{Type: EventError, Address: address, Sent: sent, Total: total, Err: terr})
		results <- Result{State: StateFailed, Sent: sent, Total: total, Err: terr}
		return
	}

	d.mu.Lock()
	d.state = StateCompleted
	keep := d.keepAlive && d.conn == conn
	d.mu.Unlock()

	d.logger.Info("job sent", zap.String("address", address), zap.Int("bytes", bytesTotal))
	d.emit(Event{Type: EventOrderSent, Address: address, Sent: sent, Total: total})
	if !keep {
		conn.Close()
		d.emit(Event{Type: EventDisconnected, Address: address})
	}
	results <- Result{State: StateCompleted, Sent: sent, Total: total}
}

func (d *Dispatcher) connectFailed(address string, total int, err error, results chan<- Result) {
	cerr := &ConnectionError{Address: address, Err: err}
	d.mu.Lock()
	d.state = StateIdle
	d.mu.Unlock()

	d.logger.Warn("connect failed", zap.String("address", address), zap.Error(err))
	d.emit(Event{Type: EventConnectionFailed, Address: address, Total: total, Err: cerr})
	results <- Result{State: StateIdle, Total: total, Err: cerr}
}

// release forgets conn as the kept connection and closes it
func (d *Dispatcher) release(conn transport.Connection) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	conn.Close()
}

// connect returns the kept connection when it is still up, or dials. reused
// reports which.
func (d *Dispatcher) connect(ctx context.Context, address string) (conn transport.Connection, reused bool, err error) {
	d.mu.Lock()
	if d.conn != nil && d.connAddr == address && !isDone(d.conn) {
		kept := d.conn
		d.mu.Unlock()
		d.logger.Debug("reusing connection", zap.String("address", address))
		return kept, true, nil
	}
	stale := d.conn
	d.conn = nil
	d.mu.Unlock()
	if stale != nil {
		stale.Close()
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err = d.connector.Connect(cctx, address)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("%w after %s", ErrTimeout, d.timeout)
		}
		return nil, false, err
	}

	if d.keepAlive {
		d.mu.Lock()
		d.conn = conn
		d.connAddr = address
		d.wg.Add(1)
		d.mu.Unlock()
		go d.watch(conn, address)
	}
	return conn, false, nil
}

// watch reports a kept connection dropping while no job is using it
func (d *Dispatcher) watch(conn transport.Connection, address string) {
	defer d.wg.Done()
	<-conn.Done()

	d.mu.Lock()
	current := d.conn == conn
	if current {
		d.conn = nil
	}
	active := d.busy()
	d.mu.Unlock()

	if current && !active {
		d.logger.Info("printer disconnected", zap.String("address", address))
		d.emit(Event{Type: EventDisconnected, Address: address})
	}
}

func isDone(conn transport.Connection) bool {
	select {
	case <-conn.Done():
		return true
	default:
		return false
	}
}

func transmit(w io.Writer, payloads [][]byte) (sent, bytesSent, bytesTotal int, err error) {
	for _, p := range payloads {
		bytesTotal += len(p)
	}
	for _, p := range payloads {
		n, werr := w.Write(p)
		bytesSent += n
		if werr == nil && n < len(p) {
			werr = io.ErrShortWrite
		}
		if werr != nil {
			return sent, bytesSent, bytesTotal, werr
		}
		sent++
	}
	return sent, bytesSent, bytesTotal, nil
}

func (d *Dispatcher) emit(ev Event) {
	d.handler(ev)
}

// Close drops a kept connection and waits for the running job
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	d.wg.Wait()
	return err
}
