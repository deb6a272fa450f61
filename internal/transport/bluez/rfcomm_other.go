//go:build !linux

package bluez

import (
	"context"
	"io"

	"github.com/thereceipt/btprint/internal/transport"
)

func dialRFCOMM(ctx context.Context, address string, channel uint8) (io.ReadWriteCloser, error) {
	return nil, transport.ErrNotSupported
}
