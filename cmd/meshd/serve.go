package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
	"github.com/ryandielhenn/zephyrmesh/pkg/registry"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
)

type serveOptions struct {
	id            string
	meshAddr      string
	advertise     string
	httpAddr      string
	httpAdvertise string
	region        string
	peers         []string
	voters        []string
	etcd          []string
	storeBytes    int
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a mesh node",
	Long: `Run a mesh node with a gRPC peer transport and an HTTP API.

Flags fall back to environment variables: SELF_ID, SELF_ADDR, ADVERTISE_ADDR,
HTTP_ADDR, HTTP_ADVERTISE, REGION, PEERS, VOTERS, ETCD_ENDPOINTS.

Examples:
  # three voters on one host
  meshd serve --id=n1 --mesh-addr=:7001 --http-addr=:8081 --voters=n1,n2,n3
  meshd serve --id=n2 --mesh-addr=:7002 --http-addr=:8082 --voters=n1,n2,n3 --peers=n1=127.0.0.1:7001
  meshd serve --id=n3 --mesh-addr=:7003 --http-addr=:8083 --voters=n1,n2,n3 --peers=n1=127.0.0.1:7001

  # discover peers through etcd
  meshd serve --id=n4 --etcd=http://etcd:2379`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVar(&serveOpts.id, "id", os.Getenv("SELF_ID"), "node ID (random UUID if empty)")
	f.StringVar(&serveOpts.meshAddr, "mesh-addr", envOr("SELF_ADDR", ":7946"), "gRPC peer transport listen address")
	f.StringVar(&serveOpts.advertise, "advertise", os.Getenv("ADVERTISE_ADDR"), "peer address announced to other nodes")
	f.StringVar(&serveOpts.httpAddr, "http-addr", envOr("HTTP_ADDR", ":8080"), "HTTP API listen address")
	f.StringVar(&serveOpts.httpAdvertise, "http-advertise", os.Getenv("HTTP_ADVERTISE"), "HTTP address other nodes forward writes to")
	f.StringVar(&serveOpts.region, "region", os.Getenv("REGION"), "region label")
	f.StringSliceVar(&serveOpts.peers, "peers", envList("PEERS"), "static peers as id=addr or addr (comma-separated)")
	f.StringSliceVar(&serveOpts.voters, "voters", envList("VOTERS"), "consensus voter IDs (comma-separated)")
	f.StringSliceVar(&serveOpts.etcd, "etcd", envList("ETCD_ENDPOINTS"), "etcd endpoints for peer discovery")
	f.IntVar(&serveOpts.storeBytes, "store-bytes", 64<<20, "replicated store capacity in bytes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	cfg := mesh.DefaultConfig(serveOpts.id)
	cfg.Region = serveOpts.region
	cfg.Voters = serveOpts.voters
	cfg.Address = serveOpts.advertise
	if cfg.Address == "" {
		cfg.Address = advertiseFor(serveOpts.meshAddr)
	}
	cfg.Logger = logger
	logger = logger.With(zap.String("node", cfg.NodeID))

	network, err := transport.NewGRPC(transport.GRPCConfig{
		Self:       cfg.NodeID,
		ListenAddr: serveOpts.meshAddr,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	m, err := mesh.New(cfg, network)
	if err != nil {
		return err
	}

	httpAdvertise := serveOpts.httpAdvertise
	if httpAdvertise == "" {
		httpAdvertise = advertiseFor(serveOpts.httpAddr)
	}
	sm := kv.NewStateMachine(kv.NewStore(serveOpts.storeBytes), logger)
	n := node.NewNode(m, sm, httpAdvertise, logger)

	m.On(mesh.AllEvents, func(ev mesh.Event) {
		switch e := ev.(type) {
		case mesh.NodeSuspect, mesh.NodeDead, mesh.NodeAlive, mesh.PeerConnected, mesh.PeerDisconnected:
			logger.Info("mesh event", zap.String("type", string(ev.Type())), zap.Any("event", e))
		case mesh.Signal:
			// no side channel in daemon mode: peers are dialed by address
			logger.Warn("unrelayed signal", zap.String("kind", string(e.Kind)), zap.String("to", e.To))
		}
	})

	if err := m.Start(); err != nil {
		return err
	}
	defer m.Stop()
	if err := n.Announce(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, p := range serveOpts.peers {
		id, addr := splitPeer(p)
		go connect(ctx, m, logger, id, addr)
	}

	if len(serveOpts.etcd) > 0 {
		release, err := bootstrapEtcd(ctx, m, logger, cfg.NodeID, m.Addr())
		if err != nil {
			return err
		}
		defer release()
	}

	srv := &http.Server{Addr: serveOpts.httpAddr, Handler: n.Routes()}
	errc := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", serveOpts.httpAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// bootstrapEtcd registers this node and connects to every registered
// peer as it appears. The returned func deregisters the node.
func bootstrapEtcd(ctx context.Context, m *mesh.Mesh, logger *zap.Logger, id, addr string) (func(), error) {
	cli, err := registry.NewClient(serveOpts.etcd)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}

	leaseID, cancel, err := registry.RegisterNode(ctx, cli, id, addr, 10)
	if err != nil {
		cli.Close()
		return nil, err
	}
	release := func() {
		releaseLease(cancel, func(ctx context.Context) error {
			_, err := cli.Revoke(ctx, leaseID)
			return err
		}, logger)
		cli.Close()
	}

	err = registry.WatchPeers(ctx, cli, logger, func(peers map[string]string) {
		for peerID, peerAddr := range peers {
			if peerID != id {
				go connect(ctx, m, logger, peerID, peerAddr)
			}
		}
	})
	if err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// releaseLease stops the keepalive, then revokes the lease so the node
// leaves the registry now rather than when the lease expires.
func releaseLease(cancel context.CancelFunc, revoke func(context.Context) error, logger *zap.Logger) {
	cancel()
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := revoke(ctx); err != nil {
		logger.Warn("revoke lease", zap.Error(err))
	}
}

// connect dials a peer, retrying with backoff until it succeeds or ctx
// ends.
func connect(ctx context.Context, m *mesh.Mesh, logger *zap.Logger, id, addr string) {
	backoff := 200 * time.Millisecond
	for {
		err := m.ConnectToPeer(ctx, id, addr)
		if err == nil || errors.Is(err, mesh.ErrNotRunning) {
			return
		}
		logger.Debug("connect failed", zap.String("peer", id), zap.String("addr", addr), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}

func splitPeer(s string) (id, addr string) {
	if id, addr, ok := strings.Cut(s, "="); ok {
		return id, addr
	}
	return "", s
}

// advertiseFor turns a listen address like ":8080" into one reachable by
// other hosts.
func advertiseFor(listen string) string {
	if strings.HasPrefix(listen, ":") {
		if host, err := os.Hostname(); err == nil {
			return host + listen
		}
		return "localhost" + listen
	}
	return listen
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
