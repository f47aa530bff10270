// Package transport provides the peer channels a mesh runs over: a
// bidirectional, ordered, best-effort frame pipe per connected peer.
//
// Two implementations exist. Hub is an in-process switchboard with
// partition controls, used by tests and the simulator. GRPCNetwork
// carries frames over a gRPC bidirectional stream.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("transport: closed")
	ErrUnreachable  = errors.New("transport: peer unreachable")
	ErrNotListening = errors.New("transport: not listening")
)

// Conn is a connection to a single peer. Send never blocks; when the
// outbound buffer is full the frame is dropped. Receive yields inbound
// frames in order until Done is closed.
type Conn interface {
	RemotePeer() string
	Send(frame []byte) error
	Receive() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// Network opens connections on behalf of one local node.
type Network interface {
	// Listen starts accepting inbound connections; accept runs once per
	// new Conn and must not block.
	Listen(accept func(Conn)) error
	// Dial connects to peer at addr. Either may be empty, but not both.
	Dial(ctx context.Context, peer, addr string) (Conn, error)
	// Addr is the address other nodes dial to reach this one.
	Addr() string
	Close() error
}
