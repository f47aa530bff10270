package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newGRPC(t *testing.T, id string) *GRPCNetwork {
	t.Helper()
	g, err := NewGRPC(GRPCConfig{Self: id, ListenAddr: "127.0.0.1:0", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestNewGRPCValidates(t *testing.T) {
	_, err := NewGRPC(GRPCConfig{ListenAddr: "127.0.0.1:0"})
	require.Error(t, err)
	_, err = NewGRPC(GRPCConfig{Self: "a", ListenAddr: "nope"})
	require.Error(t, err)
}

func TestGRPCExchange(t *testing.T) {
	a, b := newGRPC(t, "a"), newGRPC(t, "b")
	accepted := make(chan Conn, 1)
	require.NoError(t, b.Listen(acceptInto(accepted)))
	require.NotEqual(t, "127.0.0.1:0", b.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Dial by address only: the remote ID comes back in the header.
	ca, err := a.Dial(ctx, "", b.Addr())
	require.NoError(t, err)
	require.Equal(t, "b", ca.RemotePeer())

	var cb Conn
	select {
	case cb = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound connection")
	}
	require.Equal(t, "a", cb.RemotePeer())

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, ca.Send([]byte(msg)))
	}
	require.Equal(t, "one", string(recvOne(t, cb)))
	require.Equal(t, "two", string(recvOne(t, cb)))
	require.Equal(t, "three", string(recvOne(t, cb)))

	require.NoError(t, cb.Send([]byte("pong")))
	require.Equal(t, "pong", string(recvOne(t, ca)))

	require.NoError(t, ca.Close())
	select {
	case <-cb.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("remote end not closed")
	}
	require.ErrorIs(t, ca.Send([]byte("x")), ErrClosed)
}

func TestGRPCDialWrongPeer(t *testing.T) {
	a, b := newGRPC(t, "a"), newGRPC(t, "b")
	require.NoError(t, b.Listen(func(c Conn) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Dial(ctx, "c", b.Addr())
	require.ErrorIs(t, err, ErrUnreachable)

	_, err = a.Dial(ctx, "b", "")
	require.ErrorIs(t, err, ErrUnreachable)
}
