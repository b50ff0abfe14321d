// Package transport provides the Link abstraction and the serial, TCP
// and BLE implementations that carry framed payloads to and from a
// radio device.
package transport

import (
	"context"
	"errors"
)

// LinkState describes a link status transition.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkUp
)

func (s LinkState) String() string {
	if s == LinkUp {
		return "up"
	}
	return "down"
}

// ErrLinkDown is returned by WriteFrame when no device is attached.
var ErrLinkDown = errors.New("transport: link down")

// Conn is a byte stream to a device. Read returns (0, nil) when no
// bytes arrived within the implementation's poll interval, so readers
// can observe cancellation between reads.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Dialer opens a fresh Conn. Called again after each link loss when
// the link reconnects.
type Dialer func(ctx context.Context) (Conn, error)

// Link is a frame-level connection to a device. Implementations must
// be safe for concurrent use.
type Link interface {
	// WriteFrame sends one payload to the device.
	WriteFrame(payload []byte) error
	// Frames returns the inbound payload channel. Closed when the link
	// is closed for good.
	Frames() <-chan []byte
	// States reports link up/down transitions.
	States() <-chan LinkState
	// Close tears the link down. Idempotent.
	Close() error
}
