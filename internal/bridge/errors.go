package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable is returned when a write is attempted while the
	// device link is not connected. The data is dropped.
	ErrUpstreamUnavailable = errors.New("bridge: upstream unavailable")
	// ErrClientWriteFailed marks a client that could not take a broadcast.
	ErrClientWriteFailed = errors.New("bridge: client write failed")
	ErrLinkLost          = errors.New("bridge: upstream link lost")
	ErrRegistryClosed    = errors.New("bridge: registry closed")

	errClientClosed = errors.New("bridge: client closed")
)

// Side names which end of the bridge a transport failure happened on.
type Side string

const (
	SideUpstream Side = "upstream"
	SideClient   Side = "client"
)

// Op names the transport operation that failed.
type Op string

const (
	OpConnect Op = "connect"
	OpRead    Op = "read"
	OpWrite   Op = "write"
)

// TransportError is a connect/read/write failure on either side. It is
// always recoverable at the bridge level.
type TransportError struct {
	Side Side
	Op   Op
	Peer string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("bridge: %s %s: %v", e.Side, e.Op, e.Err)
	}
	return fmt.Sprintf("bridge: %s %s peer=%s: %v", e.Side, e.Op, e.Peer, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
