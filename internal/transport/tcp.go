package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

var ErrAddressRequired = errors.New("transport: device address required")

// TCPDialer reaches a device exposed over TCP, such as another bridge.
type TCPDialer struct {
	Address   string
	Timeout   time.Duration
	KeepAlive time.Duration
}

func NewTCPDialer(address string, timeout time.Duration) (*TCPDialer, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrAddressRequired
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("transport: device address %q: %w", address, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPDialer{Address: address, Timeout: timeout, KeepAlive: 30 * time.Second}, nil
}

func (d *TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

func (d *TCPDialer) String() string {
	return "tcp://" + d.Address
}
