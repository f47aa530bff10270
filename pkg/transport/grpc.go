package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName  = "zephyrmesh.transport.v1.Mesh"
	exchangeName = "Exchange"
	nodeIDHeader = "mesh-node-id"

	defaultSendBuffer = 1024
)

// exchanger is the server side of the Exchange stream.
type exchanger interface {
	Exchange(stream grpc.ServerStream) error
}

// serviceDesc declares a single bidirectional stream of BytesValue frames,
// so no generated code is needed.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchanger)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    exchangeName,
		Handler:       exchangeHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "zephyrmesh/transport/v1/mesh.proto",
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(exchanger).Exchange(stream)
}

// GRPCConfig configures a GRPCNetwork.
type GRPCConfig struct {
	Self       string
	ListenAddr string
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	Logger     *zap.Logger
}

// GRPCNetwork carries mesh frames over gRPC bidirectional streams. Each
// side announces its node ID in stream metadata.
type GRPCNetwork struct {
	cfg    GRPCConfig
	logger *zap.Logger

	mu     sync.Mutex
	srv    *grpc.Server
	lis    net.Listener
	accept func(Conn)
	conns  map[*grpcConn]struct{}
	closed bool
}

func NewGRPC(cfg GRPCConfig) (*GRPCNetwork, error) {
	if cfg.Self == "" {
		return nil, fmt.Errorf("nodeID must be provided")
	}
	if cfg.ListenAddr == "" || !strings.Contains(cfg.ListenAddr, ":") {
		return nil, fmt.Errorf("invalid address: %s", cfg.ListenAddr)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &GRPCNetwork{
		cfg:    cfg,
		logger: cfg.Logger.Named("transport").With(zap.String("node", cfg.Self)),
		conns:  make(map[*grpcConn]struct{}),
	}, nil
}

// Listen binds ListenAddr and serves in the background.
func (g *GRPCNetwork) Listen(accept func(Conn)) error {
	lis, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, g)
	reflection.Register(srv)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		lis.Close()
		return ErrClosed
	}
	g.srv, g.lis, g.accept = srv, lis, accept
	g.mu.Unlock()

	g.logger.Info("grpc transport listening", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := srv.Serve(lis); err != nil {
			g.logger.Warn("grpc serve stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once listening, else ListenAddr.
func (g *GRPCNetwork) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lis != nil {
		return g.lis.Addr().String()
	}
	return g.cfg.ListenAddr
}

// Exchange serves one inbound peer stream until either side closes it.
func (g *GRPCNetwork) Exchange(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	ids := md.Get(nodeIDHeader)
	if len(ids) == 0 || ids[0] == "" {
		return fmt.Errorf("missing %s metadata", nodeIDHeader)
	}
	if err := stream.SendHeader(metadata.Pairs(nodeIDHeader, g.cfg.Self)); err != nil {
		return err
	}

	g.mu.Lock()
	accept := g.accept
	g.mu.Unlock()
	if accept == nil {
		return ErrNotListening
	}

	c := g.newConn(ids[0], stream, nil)
	if c == nil {
		return ErrClosed
	}
	accept(c)
	<-c.done
	return nil
}

// Dial opens a stream to addr. The remote announces its ID in the
// response header; a mismatch with a non-empty peer is an error.
func (g *GRPCNetwork) Dial(ctx context.Context, peer, addr string) (Conn, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: no address for %q", ErrUnreachable, peer)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, nodeIDHeader, g.cfg.Self)
	stop := context.AfterFunc(ctx, cancel)

	stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], "/"+serviceName+"/"+exchangeName)
	if err == nil {
		var md metadata.MD
		md, err = stream.Header()
		if err == nil {
			ids := md.Get(nodeIDHeader)
			switch {
			case len(ids) == 0 || ids[0] == "":
				err = fmt.Errorf("missing %s header", nodeIDHeader)
			case peer != "" && ids[0] != peer:
				err = fmt.Errorf("dialed %s but reached %s", peer, ids[0])
			default:
				peer = ids[0]
			}
		}
	}
	if !stop() || err != nil {
		cancel()
		cc.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}

	c := g.newConn(peer, stream, func() {
		cancel()
		cc.Close()
	})
	if c == nil {
		cancel()
		cc.Close()
		return nil, ErrClosed
	}
	return c, nil
}

// Close stops the server and every open connection.
func (g *GRPCNetwork) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	srv := g.srv
	conns := make([]*grpcConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if srv != nil {
		srv.Stop()
	}
	return nil
}

// msgStream is the common half of client and server streams.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

func (g *GRPCNetwork) newConn(peer string, stream msgStream, release func()) *grpcConn {
	c := &grpcConn{
		net:     g,
		peer:    peer,
		stream:  stream,
		release: release,
		in:      make(chan []byte, g.cfg.SendBuffer),
		out:     make(chan []byte, g.cfg.SendBuffer),
		done:    make(chan struct{}),
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	go c.readLoop()
	go c.writeLoop()
	return c
}

// grpcConn adapts a stream to Conn. One goroutine reads and one writes,
// since a gRPC stream allows one concurrent sender and one receiver.
type grpcConn struct {
	net     *GRPCNetwork
	peer    string
	stream  msgStream
	release func()

	in   chan []byte
	out  chan []byte
	once sync.Once
	done chan struct{}
}

func (c *grpcConn) RemotePeer() string     { return c.peer }
func (c *grpcConn) Receive() <-chan []byte { return c.in }
func (c *grpcConn) Done() <-chan struct{}  { return c.done }

func (c *grpcConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- append([]byte(nil), frame...):
	default:
		c.net.logger.Debug("send buffer full, frame dropped", zap.String("peer", c.peer))
	}
	return nil
}

func (c *grpcConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		if c.release != nil {
			c.release()
		}
		c.net.mu.Lock()
		delete(c.net.conns, c)
		c.net.mu.Unlock()
	})
	return nil
}

func (c *grpcConn) readLoop() {
	defer c.Close()
	for {
		msg := new(wrapperspb.BytesValue)
		if err := c.stream.RecvMsg(msg); err != nil {
			select {
			case <-c.done:
			default:
				c.net.logger.Debug("stream closed", zap.String("peer", c.peer), zap.Error(err))
			}
			return
		}
		select {
		case c.in <- msg.GetValue():
		case <-c.done:
			return
		}
	}
}

func (c *grpcConn) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			if err := c.stream.SendMsg(wrapperspb.Bytes(frame)); err != nil {
				c.net.logger.Debug("send failed", zap.String("peer", c.peer), zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
