package transport

import (
	"fmt"
	"io"
	"sync"
)

// Link adapts a raw write stream (socket, serial port, endpoint) to Connection.
// A failed write, a failed Watch read or Drop marks the link as dropped.
type Link struct {
	w    io.WriteCloser
	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

// NewLink wraps w
func NewLink(w io.WriteCloser) *Link {
	return &Link{
		w:    w,
		done: make(chan struct{}),
	}
}

// Write sends data to the device
func (l *Link) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.done:
		return 0, ErrDisconnected
	default:
	}

	n, err := l.w.Write(p)
	if err != nil {
		l.drop()
		return n, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return n, nil
}

// Close closes the underlying stream
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	l.once.Do(func() {
		err = l.w.Close()
		close(l.done)
	})
	return err
}

// Done is closed once the link is closed or dropped
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Drop marks the link as lost, e.g. when the transport reports a disconnect.
// It does not wait for a write in progress; closing the stream unblocks it.
func (l *Link) Drop() {
	l.drop()
}

// Watch reads r in the background and drops the link once a read fails, so a
// peer hanging up is noticed while nothing is being written. Bytes the printer
// sends back are discarded.
func (l *Link) Watch(r io.Reader) {
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := r.Read(buf); err != nil {
				l.drop()
				return
			}
		}
	}()
}

func (l *Link) drop() {
	l.once.Do(func() {
		l.w.Close()
		close(l.done)
	})
}
