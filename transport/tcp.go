package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTCPPort is the device's network API port.
	DefaultTCPPort = "4403"

	tcpDialTimeout  = 5 * time.Second
	tcpPollInterval = 500 * time.Millisecond
)

// NewTCP opens a reconnecting stream link to a device's network API.
// addr may omit the port, in which case the default is appended.
func NewTCP(addr string, log *zap.Logger) *StreamLink {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultTCPPort)
	}
	dial := func(ctx context.Context) (Conn, error) {
		d := net.Dialer{Timeout: tcpDialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
		}
		return &deadlineConn{Conn: conn}, nil
	}
	return NewStreamLink(dial, true, log.Named("tcp"))
}

// deadlineConn converts net.Conn's deadline errors into the Conn
// contract's (0, nil) poll timeouts.
type deadlineConn struct {
	net.Conn
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(tcpPollInterval)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}
