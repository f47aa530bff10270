package node

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
)

const (
	defaultPort = "8080"
	// forwardedHeader marks a request already forwarded once, so two
	// nodes that disagree on the leader cannot bounce it forever.
	forwardedHeader = "X-Zephyr-Forwarded"
)

// Node is the HTTP face of a mesh participant: a gossiped KV, a
// consensus-backed KV and a broadcast endpoint.
type Node struct {
	mesh    *mesh.Mesh
	sm      *kv.StateMachine
	addr    string
	logger  *zap.Logger
	client  *http.Client
	timeout time.Duration
}

// NewNode binds sm to m's committed entries. addr is the HTTP address
// other nodes forward to.
func NewNode(m *mesh.Mesh, sm *kv.StateMachine, addr string, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		mesh:    m,
		sm:      sm,
		addr:    addr,
		logger:  logger.Named("http").With(zap.String("node", m.ID())),
		client:  &http.Client{Timeout: 10 * time.Second},
		timeout: 5 * time.Second,
	}
	m.On(mesh.EventApplied, func(ev mesh.Event) {
		// malformed commands are logged by the state machine
		_ = sm.Apply(ev.(mesh.Applied).Entry)
	})
	return n
}

// Announce publishes this node's HTTP address through gossip. The mesh
// must be running.
func (n *Node) Announce() error {
	return n.mesh.Set(httpAddrKey(n.mesh.ID()), []byte(n.addr))
}

func (n *Node) Addr() string {
	return n.addr
}

// Routes returns the node's HTTP handler, instrumented per operation.
func (n *Node) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(pattern, op string, h http.HandlerFunc) {
		mux.Handle(pattern, telemetry.Instrument(op, h))
	}
	handle("GET /healthz", "healthz", n.Healthz)
	handle("GET /info", "info", n.Info)
	handle("GET /status", "status", n.Status)
	handle("GET /nodes", "nodes", n.Nodes)
	handle("GET /kv/{key...}", "gossip_get", n.GossipGet)
	handle("PUT /kv/{key...}", "gossip_put", n.GossipPut)
	handle("DELETE /kv/{key...}", "gossip_del", n.GossipDel)
	handle("GET /store/{key...}", "store_get", n.Get)
	handle("PUT /store/{key...}", "store_put", n.Put)
	handle("DELETE /store/{key...}", "store_del", n.Del)
	handle("POST /broadcast", "broadcast", n.Broadcast)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}

func httpAddrKey(id string) string { return "node/" + id + "/http" }
