package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrNoPrinterPaired = errors.New("no printer paired")
	ErrDispatcherBusy  = errors.New("dispatcher busy")
	ErrTimeout         = errors.New("connect timed out")
)

// ConnectionError is reported when the printer could not be reached
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransmissionError is reported when the link fails part way through a job.
// Sent counts the commands fully written before the failure.
type TransmissionError struct {
	Sent       int
	Total      int
	BytesSent  int
	BytesTotal int
	Err        error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("transmission failed after %d/%d commands (%d/%d bytes): %v",
		e.Sent, e.Total, e.BytesSent, e.BytesTotal, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }
