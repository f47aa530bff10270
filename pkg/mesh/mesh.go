// Package mesh wires gossip, consensus and membership over a set of peer
// connections and exposes them as one event-driven node.
//
// A Mesh runs a single goroutine that owns all three protocol cores.
// Inbound frames, timers and API calls are serialized onto it, so the
// cores need no locking. Events and gossip subscriptions are delivered
// in order on a separate dispatcher goroutine.
package mesh

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/clock"
	"github.com/ryandielhenn/zephyrmesh/pkg/consensus"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/membership"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

type handler struct {
	id uint64
	fn func(Event)
}

type waiter struct {
	term uint64
	ch   chan proposalResult
}

type proposalResult struct {
	entry consensus.Entry
	err   error
}

// Mesh is one participant in the mesh.
type Mesh struct {
	cfg    Config
	id     string
	net    transport.Network
	logger *zap.Logger

	// Owned by the loop goroutine.
	gossip    *gossip.Gossiper
	raft      *consensus.Node
	members   *membership.Tracker
	connected map[string]*link
	dialing   map[string]bool
	waiters   map[uint64][]waiter
	armed     time.Time

	inbox chan inbound
	calls chan func()
	quit  chan struct{}
	done  chan struct{}

	started  atomic.Bool
	stopOnce sync.Once
	dials    sync.WaitGroup

	linksMu sync.RWMutex
	links   map[string]*link
	stopped bool

	events     *dispatcher
	handlersMu sync.RWMutex
	handlers   map[EventType][]handler
	nextID     uint64
}

// New builds a Mesh that talks over net. Nothing runs until Start.
func New(cfg Config, net transport.Network) (*Mesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig(cfg.NodeID).DialTimeout
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger := cfg.Logger.With(zap.String("node", cfg.NodeID))

	m := &Mesh{
		cfg:       cfg,
		id:        cfg.NodeID,
		net:       net,
		logger:    logger.Named("mesh"),
		connected: make(map[string]*link),
		dialing:   make(map[string]bool),
		waiters:   make(map[uint64][]waiter),
		inbox:     make(chan inbound, 256),
		calls:     make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		links:     make(map[string]*link),
		events:    newDispatcher(),
		handlers:  make(map[EventType][]handler),
	}

	var err error
	m.gossip, err = gossip.New(gossip.Config{
		NodeID:           cfg.NodeID,
		Fanout:           cfg.GossipFanout,
		AntiEntropyEvery: cfg.AntiEntropyEvery,
		Rand:             rand.New(rand.NewSource(seed)),
		Logger:           logger,
	}, gossip.SenderFunc(func(to string, msg *gossip.Message) {
		m.send(to, wire.Gossip{Message: msg})
	}))
	if err != nil {
		return nil, err
	}

	m.raft, err = consensus.New(consensus.Config{
		ID:                cfg.NodeID,
		Voters:            cfg.Voters,
		ElectionTimeout:   cfg.ElectionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxAppendEntries:  cfg.MaxAppendEntries,
		Rand:              rand.New(rand.NewSource(seed + 1)),
		Logger:            logger,
	}, consensus.SenderFunc(func(to string, msg consensus.Message) {
		m.send(to, wire.Consensus{Message: msg})
	}), consensus.Hooks{
		Apply:         m.onApply,
		LeaderChanged: m.onLeaderChanged,
	})
	if err != nil {
		return nil, err
	}

	m.members, err = membership.NewTracker(membership.Config{
		Self:           membership.MeshNode{ID: cfg.NodeID, Address: m.Addr(), Region: cfg.Region},
		SuspectTimeout: cfg.SuspectTimeout,
		DeadTimeout:    cfg.DeadTimeout,
		Logger:         logger,
	}, time.Now())
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mesh) ID() string { return m.id }

// Addr is the address peers dial to reach this node.
func (m *Mesh) Addr() string {
	if m.cfg.Address != "" {
		return m.cfg.Address
	}
	return m.net.Addr()
}

// Start begins accepting connections and runs the protocol loop.
func (m *Mesh) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := m.net.Listen(func(c transport.Conn) { m.addLink(c, "", false) }); err != nil {
		return err
	}
	go m.events.run()
	go m.run()
	m.logger.Info("mesh started",
		zap.String("addr", m.Addr()),
		zap.Strings("voters", m.cfg.Voters))
	return nil
}

// Stop shuts the node down and waits for queued events to be delivered.
// It must not be called from an event handler.
func (m *Mesh) Stop() error {
	if !m.started.Load() {
		return nil
	}
	m.stopOnce.Do(func() {
		close(m.quit)
		<-m.done
		m.dials.Wait()

		m.linksMu.Lock()
		m.stopped = true
		links := make([]*link, 0, len(m.links))
		for _, l := range m.links {
			links = append(links, l)
		}
		m.links = make(map[string]*link)
		m.linksMu.Unlock()
		for _, l := range links {
			l.conn.Close()
		}
		if err := m.net.Close(); err != nil {
			m.logger.Warn("network close", zap.Error(err))
		}

		for idx, ws := range m.waiters {
			for _, w := range ws {
				w.ch <- proposalResult{err: ErrNotRunning}
			}
			delete(m.waiters, idx)
		}
		m.events.close()
		<-m.events.done
		telemetry.ForgetNode(m.id)
		m.logger.Info("mesh stopped")
	})
	return nil
}

// exec runs fn on the loop goroutine and waits for it.
func (m *Mesh) exec(fn func()) error {
	if !m.started.Load() {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	select {
	case m.calls <- func() { fn(); close(finished) }:
	case <-m.quit:
		return ErrNotRunning
	}
	<-finished
	return nil
}

func (m *Mesh) run() {
	defer close(m.done)

	gossipTicker := time.NewTicker(m.cfg.GossipInterval)
	defer gossipTicker.Stop()
	pingTicker := time.NewTicker(m.cfg.PingInterval)
	defer pingTicker.Stop()
	raftTimer := time.NewTimer(time.Until(m.raft.NextDeadline()))
	defer raftTimer.Stop()
	m.armed = m.raft.NextDeadline()

	m.gossip.Set(nodeAddrKey(m.id), []byte(m.Addr()))
	m.updateMetrics()

	for {
		select {
		case <-m.quit:
			return
		case fn := <-m.calls:
			fn()
		case in := <-m.inbox:
			m.handleInbound(in)
		case now := <-raftTimer.C:
			m.raft.Tick(now)
		case now := <-gossipTicker.C:
			m.gossipRound(now)
		case now := <-pingTicker.C:
			m.pingRound(now)
		}
		if d := m.raft.NextDeadline(); !d.Equal(m.armed) {
			m.armed = d
			raftTimer.Reset(time.Until(d))
		}
	}
}

func (m *Mesh) handleInbound(in inbound) {
	switch in.kind {
	case linkFrame:
		m.handleFrame(in.link, in.data)
	case linkUp:
		m.handleLinkUp(in.link)
	case linkDown:
		m.handleLinkDown(in.link)
	case dialFailed:
		delete(m.dialing, in.peer)
	}
}

func (m *Mesh) handleLinkUp(l *link) {
	delete(m.dialing, l.peer)
	if m.currentLink(l.peer) != l {
		return
	}
	_, had := m.connected[l.peer]
	m.connected[l.peer] = l
	if had {
		return
	}
	// Only dial, on behalf of the application, revives a Dead node. A
	// background redial that lands after the node was declared dead
	// leaves it dead.
	if t, ok := m.members.Observe(l.peer, time.Now()); ok {
		m.emit(NodeAlive{Node: t.Node})
	}
	m.gossip.ForgetPeer(l.peer)
	telemetry.Peers.WithLabelValues(m.id).Set(float64(len(m.connected)))
	m.logger.Info("peer connected", zap.String("peer", l.peer), zap.String("dialer", l.dialer))
	m.emit(PeerConnected{Peer: l.peer, Addr: l.addr})
}

func (m *Mesh) handleLinkDown(l *link) {
	m.dropLink(l)
	if m.connected[l.peer] != l {
		return
	}
	if cur := m.currentLink(l.peer); cur != nil {
		m.connected[l.peer] = cur
		return
	}
	delete(m.connected, l.peer)
	telemetry.Peers.WithLabelValues(m.id).Set(float64(len(m.connected)))
	m.logger.Info("peer disconnected", zap.String("peer", l.peer))
	m.emit(PeerDisconnected{Peer: l.peer})
}

// handleFrame decodes one frame and routes it by kind. Malformed frames
// are logged and dropped.
func (m *Mesh) handleFrame(l *link, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		telemetry.DecodeErrors.WithLabelValues(m.id).Inc()
		m.logger.Warn("dropping malformed frame", zap.String("peer", l.peer), zap.Error(err))
		return
	}
	if f.Sender != l.peer {
		telemetry.DecodeErrors.WithLabelValues(m.id).Inc()
		m.logger.Warn("dropping frame with mismatched sender",
			zap.String("peer", l.peer), zap.String("sender", f.Sender))
		return
	}
	telemetry.MessagesTotal.WithLabelValues(m.id, "in", string(f.Body.Kind())).Inc()

	if t, ok := m.members.Observe(f.Sender, time.Now()); ok {
		m.emit(NodeAlive{Node: t.Node})
	}

	switch b := f.Body.(type) {
	case wire.Gossip:
		m.gossip.Receive(b.Message)
	case wire.Consensus:
		m.raft.Receive(f.Sender, b.Message)
	case wire.App:
		m.emit(Message{From: f.Sender, Payload: b.Payload})
	case wire.Ping:
	default:
		m.logger.Warn("unhandled frame kind", zap.String("kind", string(f.Body.Kind())))
	}
}

// send encodes b and hands it to the link for to. Missing links and full
// buffers drop the frame; both protocols recover from loss.
func (m *Mesh) send(to string, b wire.Body) {
	l := m.currentLink(to)
	if l == nil {
		m.logger.Debug("no link, frame dropped", zap.String("peer", to), zap.String("kind", string(b.Kind())))
		return
	}
	raw, err := wire.Encode(m.id, b)
	if err != nil {
		m.logger.Error("encode frame", zap.String("kind", string(b.Kind())), zap.Error(err))
		return
	}
	if err := l.conn.Send(raw); err != nil {
		m.logger.Debug("send failed", zap.String("peer", to), zap.Error(err))
		return
	}
	telemetry.MessagesTotal.WithLabelValues(m.id, "out", string(b.Kind())).Inc()
}

func (m *Mesh) gossipRound(now time.Time) {
	for _, t := range m.members.Sweep(now) {
		switch t.To {
		case membership.Suspect:
			m.emit(NodeSuspect{Node: t.Node})
		case membership.Dead:
			m.gossip.ForgetPeer(t.Node.ID)
			m.emit(NodeDead{Node: t.Node})
		}
	}

	peers := make([]string, 0, len(m.connected))
	for id := range m.connected {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	m.gossip.Tick(m.members.Reachable(peers))
	telemetry.GossipRounds.WithLabelValues(m.id).Inc()
	m.updateMetrics()
}

// pingRound heartbeats every live peer and dials known addresses that
// have no link.
func (m *Mesh) pingRound(now time.Time) {
	for id := range m.connected {
		if m.members.Health(id) != membership.Dead {
			m.send(id, wire.Ping{SentAt: now})
		}
	}
	m.learnAddresses(now)
	for _, n := range m.members.Nodes() {
		if n.ID == m.id || n.Health == membership.Dead || n.Address == "" {
			continue
		}
		if _, ok := m.connected[n.ID]; ok || m.dialing[n.ID] {
			continue
		}
		m.dialing[n.ID] = true
		m.dials.Add(1)
		go m.dialAsync(n.ID, n.Address)
	}
}

// learnAddresses picks up nodes advertised through gossip. Dead nodes
// are left alone.
func (m *Mesh) learnAddresses(now time.Time) {
	for _, e := range m.gossip.Snapshot() {
		id, ok := parseNodeAddrKey(e.Key)
		if !ok || e.Tombstone || id == m.id || len(e.Value) == 0 {
			continue
		}
		n, known := m.members.Get(id)
		if known && (n.Health == membership.Dead || n.Address != "") {
			continue
		}
		m.members.Add(id, string(e.Value), "", now)
	}
}

func (m *Mesh) dialAsync(peer, addr string) {
	defer m.dials.Done()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()
	go func() {
		select {
		case <-m.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	conn, err := m.net.Dial(ctx, peer, addr)
	if err != nil {
		m.logger.Debug("redial failed", zap.String("peer", peer), zap.String("addr", addr), zap.Error(err))
		m.enqueue(inbound{kind: dialFailed, peer: peer})
		return
	}
	m.addLink(conn, addr, true)
	if m.currentLink(peer) == nil {
		m.enqueue(inbound{kind: dialFailed, peer: peer})
	}
}

func (m *Mesh) onApply(e consensus.Entry) {
	telemetry.AppliedTotal.WithLabelValues(m.id).Inc()
	m.emit(Applied{Entry: e})

	ws := m.waiters[e.Index]
	delete(m.waiters, e.Index)
	for _, w := range ws {
		res := proposalResult{entry: e}
		if w.term != e.Term {
			res = proposalResult{err: ErrProposalDropped}
		}
		ch := w.ch
		// After the Applied handlers, so a waiter observes their effects.
		m.events.push(func() { ch <- res })
	}
}

func (m *Mesh) onLeaderChanged(leader string, term uint64) {
	telemetry.LeaderChanges.WithLabelValues(m.id).Inc()
	m.logger.Info("leader changed", zap.String("leader", leader), zap.Uint64("term", term))
	m.updateMetrics()
	m.emit(LeaderChanged{Leader: leader, Term: term})
}

func (m *Mesh) updateMetrics() {
	telemetry.Term.WithLabelValues(m.id).Set(float64(m.raft.Term()))
	telemetry.Role.WithLabelValues(m.id).Set(float64(m.raft.Role()))
	telemetry.CommitIndex.WithLabelValues(m.id).Set(float64(m.raft.CommitIndex()))
	telemetry.GossipKeys.WithLabelValues(m.id).Set(float64(m.gossip.Len()))
	for h, n := range m.members.Counts() {
		telemetry.NodeHealth.WithLabelValues(m.id, h.String()).Set(float64(n))
	}
}

// ---- events ----

// On registers fn for events of type t, or for all events with
// AllEvents. Handlers run on the dispatcher goroutine in emission order.
// The returned function removes the handler.
func (m *Mesh) On(t EventType, fn func(Event)) (off func()) {
	m.handlersMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[t] = append(m.handlers[t], handler{id: id, fn: fn})
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		hs := m.handlers[t]
		for i, h := range hs {
			if h.id == id {
				m.handlers[t] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (m *Mesh) emit(ev Event) {
	m.events.push(func() {
		m.handlersMu.RLock()
		hs := append([]handler(nil), m.handlers[ev.Type()]...)
		if sig, ok := ev.(Signal); ok {
			if t := sig.Kind.eventType(); t != "" {
				hs = append(hs, m.handlers[t]...)
			}
		}
		hs = append(hs, m.handlers[AllEvents]...)
		m.handlersMu.RUnlock()
		for _, h := range hs {
			h.fn(ev)
		}
	})
}

// nodeAddrKey is the gossip key under which a node advertises its mesh
// address.
func nodeAddrKey(id string) string { return "node/" + id + "/addr" }

func parseNodeAddrKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, "node/")
	if !ok {
		return "", false
	}
	id, ok = strings.CutSuffix(id, "/addr")
	return id, ok && id != "" && !strings.Contains(id, "/")
}

// Status is a point-in-time view of a Mesh.
type Status struct {
	ID           string                `json:"id"`
	Addr         string                `json:"addr"`
	Consensus    consensus.Status      `json:"consensus"`
	GossipKeys   int                   `json:"gossipKeys"`
	GossipRounds uint64                `json:"gossipRounds"`
	Clock        clock.VectorClock     `json:"clock"`
	Peers        []string              `json:"peers"`
	Nodes        []membership.MeshNode `json:"nodes"`
}
