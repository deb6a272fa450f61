//go:build linux

package bluez

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// dialRFCOMM opens an RFCOMM stream socket to address on channel
func dialRFCOMM(ctx context.Context, address string, channel uint8) (io.ReadWriteCloser, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	result := make(chan error, 1)
	go func() {
		result <- unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
	}()

	select {
	case err := <-result:
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		return os.NewFile(uintptr(fd), "rfcomm:"+address), nil
	case <-ctx.Done():
		// connect(2) keeps running; release the socket once it returns
		go func() {
			<-result
			unix.Close(fd)
		}()
		return nil, ctx.Err()
	}
}

// parseAddress converts "AA:BB:CC:DD:EE:FF" to the little-endian bdaddr layout
func parseAddress(address string) ([6]uint8, error) {
	var addr [6]uint8
	parts := strings.Split(address, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("invalid bluetooth address %q", address)
	}
	for i, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("invalid bluetooth address %q: %w", address, err)
		}
		addr[5-i] = uint8(b)
	}
	return addr, nil
}
