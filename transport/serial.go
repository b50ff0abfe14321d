package transport

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	// DefaultBaudRate is what device firmware speaks on its USB serial
	// console.
	DefaultBaudRate = 115200

	serialPollTimeout = 500 * time.Millisecond
)

// NewSerial opens a reconnecting stream link over a serial device such
// as /dev/ttyUSB0. The port's read timeout is set so reads poll rather
// than block forever, matching the Conn contract.
func NewSerial(device string, log *zap.Logger) *StreamLink {
	dial := func(ctx context.Context) (Conn, error) {
		port, err := serial.Open(device, &serial.Mode{BaudRate: DefaultBaudRate})
		if err != nil {
			return nil, fmt.Errorf("serial: open %s: %w", device, err)
		}
		if err := port.SetReadTimeout(serialPollTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("serial: set read timeout: %w", err)
		}
		return port, nil
	}
	return NewStreamLink(dial, true, log.Named("serial"))
}
