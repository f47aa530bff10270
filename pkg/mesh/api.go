package mesh

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/consensus"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/membership"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

// ConnectToPeer opens a connection to id. With no address given, the
// last known one is used; if none is known, an offer Signal is emitted
// for the application to relay and ConnectToPeer returns nil. Connecting
// to a Dead node revives it.
func (m *Mesh) ConnectToPeer(ctx context.Context, id, addr string) error {
	if id == m.id {
		return fmt.Errorf("%w: cannot connect to self", ErrUnknownPeer)
	}
	if id == "" && addr == "" {
		return fmt.Errorf("%w: peer ID or address required", ErrUnknownPeer)
	}
	var linked bool
	err := m.exec(func() {
		if addr == "" {
			if n, ok := m.members.Get(id); ok {
				addr = n.Address
			}
		}
		if _, linked = m.connected[id]; linked {
			m.members.Add(id, addr, "", time.Now())
		}
	})
	if err != nil {
		return err
	}
	if linked {
		return nil
	}
	if addr == "" {
		m.emit(Signal{Kind: SignalOffer, From: m.id, To: id, Addr: m.Addr()})
		return nil
	}
	return m.dial(ctx, id, addr)
}

func (m *Mesh) dial(ctx context.Context, id, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, err := m.net.Dial(ctx, id, addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", id, err)
	}
	peer := conn.RemotePeer()
	m.addLink(conn, addr, true)
	return m.exec(func() {
		// A re-add of a node this side declared dead.
		m.members.Add(peer, addr, "", time.Now())
	})
}

// HandleSignal processes handshake material relayed from another node.
// An offer is answered and dialed; an answer or candidate is dialed if
// no link exists yet.
func (m *Mesh) HandleSignal(ctx context.Context, s Signal) error {
	if s.To != "" && s.To != m.id {
		return fmt.Errorf("%w: signal addressed to %s", ErrUnknownPeer, s.To)
	}
	if s.From == "" || s.From == m.id {
		return fmt.Errorf("%w: signal from %q", ErrUnknownPeer, s.From)
	}
	m.logger.Debug("signal", zap.String("kind", string(s.Kind)), zap.String("from", s.From))

	switch s.Kind {
	case SignalOffer:
		m.emit(Signal{Kind: SignalAnswer, From: m.id, To: s.From, Addr: m.Addr()})
	case SignalAnswer, SignalCandidate:
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	if s.Addr == "" || m.currentLink(s.From) != nil {
		return nil
	}
	return m.dial(ctx, s.From, s.Addr)
}

// Broadcast sends payload to every connected peer as an application
// message.
func (m *Mesh) Broadcast(payload []byte) error {
	if !m.started.Load() {
		return ErrNotRunning
	}
	select {
	case <-m.quit:
		return ErrNotRunning
	default:
	}
	body := wire.App{Payload: payload}
	raw, err := wire.Encode(m.id, body)
	if err != nil {
		return err
	}
	for _, l := range m.snapshotLinks() {
		if err := l.conn.Send(raw); err != nil {
			m.logger.Debug("broadcast send failed", zap.String("peer", l.peer), zap.Error(err))
			continue
		}
		telemetry.MessagesTotal.WithLabelValues(m.id, "out", string(body.Kind())).Inc()
	}
	return nil
}

// ---- gossip ----

// Set writes key to the gossiped key space.
func (m *Mesh) Set(key string, value []byte) error {
	return m.exec(func() { m.gossip.Set(key, value) })
}

// Delete tombstones key in the gossiped key space.
func (m *Mesh) Delete(key string) error {
	return m.exec(func() { m.gossip.Delete(key) })
}

// Get reads key from the local gossip replica, which may be stale.
func (m *Mesh) Get(key string) (value []byte, ok bool) {
	m.exec(func() { value, ok = m.gossip.Get(key) })
	return value, ok
}

// Keys lists live gossip keys with the given prefix, sorted.
func (m *Mesh) Keys(prefix string) []string {
	var out []string
	m.exec(func() {
		for _, e := range m.gossip.Snapshot() {
			if !e.Tombstone && strings.HasPrefix(e.Key, prefix) {
				out = append(out, e.Key)
			}
		}
	})
	return out
}

// Subscribe calls fn on the dispatcher goroutine each time the value of
// key changes locally.
func (m *Mesh) Subscribe(key string, fn func(gossip.Change)) (unsubscribe func(), err error) {
	var off func()
	err = m.exec(func() {
		off = m.gossip.Subscribe(key, func(c gossip.Change) {
			m.events.push(func() { fn(c) })
		})
	})
	if err != nil {
		return nil, err
	}
	return func() { m.exec(off) }, nil
}

// ---- consensus ----

// Propose appends command to the replicated log. It returns false at
// once, with no effect, when this node is not the leader. True means the
// entry was appended locally; watch Applied events for the commit.
func (m *Mesh) Propose(command []byte) (p consensus.Proposal, ok bool) {
	m.exec(func() { p, ok = m.propose(command) })
	return p, ok
}

func (m *Mesh) propose(command []byte) (consensus.Proposal, bool) {
	p, ok := m.raft.Propose(command)
	result := "rejected"
	if ok {
		result = "accepted"
	}
	telemetry.ProposalsTotal.WithLabelValues(m.id, result).Inc()
	return p, ok
}

// ProposeWait proposes command and blocks until it is applied locally,
// overwritten by another leader, or ctx ends.
func (m *Mesh) ProposeWait(ctx context.Context, command []byte) (consensus.Entry, error) {
	ch := make(chan proposalResult, 1)
	var (
		p  consensus.Proposal
		ok bool
	)
	err := m.exec(func() {
		if p, ok = m.propose(command); ok {
			m.waiters[p.Index] = append(m.waiters[p.Index], waiter{term: p.Term, ch: ch})
		}
	})
	if err != nil {
		return consensus.Entry{}, err
	}
	if !ok {
		return consensus.Entry{}, ErrNotLeader
	}

	select {
	case r := <-ch:
		return r.entry, r.err
	case <-ctx.Done():
		m.exec(func() {
			ws := m.waiters[p.Index]
			for i, w := range ws {
				if w.ch == ch {
					m.waiters[p.Index] = append(ws[:i:i], ws[i+1:]...)
					break
				}
			}
			if len(m.waiters[p.Index]) == 0 {
				delete(m.waiters, p.Index)
			}
		})
		return consensus.Entry{}, ctx.Err()
	}
}

func (m *Mesh) IsLeader() (leader bool) {
	m.exec(func() { leader = m.raft.IsLeader() })
	return leader
}

// Leader returns the known leader, or "" if none.
func (m *Mesh) Leader() (id string) {
	m.exec(func() { id = m.raft.Leader() })
	return id
}

// AddVoter adds id to the quorum set on this node. Every node must be
// told of the change.
func (m *Mesh) AddVoter(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty voter ID", ErrUnknownPeer)
	}
	return m.exec(func() { m.raft.AddVoter(id) })
}

// RemoveNode drops id from the quorum set, from membership and from
// gossip bookkeeping, and closes its link.
func (m *Mesh) RemoveNode(id string) error {
	if id == m.id {
		return fmt.Errorf("%w: cannot remove self", ErrUnknownPeer)
	}
	var known bool
	err := m.exec(func() {
		_, inVoters := m.voterSet()[id]
		known = m.members.Remove(id) || inVoters
		m.raft.RemoveVoter(id)
		m.gossip.ForgetPeer(id)
	})
	if err != nil {
		return err
	}
	if l := m.currentLink(id); l != nil {
		l.conn.Close()
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return nil
}

func (m *Mesh) voterSet() map[string]struct{} {
	out := make(map[string]struct{})
	for _, v := range m.raft.Voters() {
		out[v] = struct{}{}
	}
	return out
}

// ---- views ----

// Nodes returns every known node, self included, sorted by ID.
func (m *Mesh) Nodes() []membership.MeshNode {
	var out []membership.MeshNode
	m.exec(func() { out = m.members.Nodes() })
	return out
}

// Peers returns the IDs of connected peers, sorted.
func (m *Mesh) Peers() []string {
	var out []string
	m.exec(func() { out = m.peerIDs() })
	return out
}

func (m *Mesh) peerIDs() []string {
	out := make([]string, 0, len(m.connected))
	for id := range m.connected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Entries returns a copy of the local consensus log.
func (m *Mesh) Entries() []consensus.Entry {
	var out []consensus.Entry
	m.exec(func() { out = m.raft.Entries() })
	return out
}

func (m *Mesh) Status() (Status, error) {
	var s Status
	err := m.exec(func() {
		s = Status{
			ID:           m.id,
			Addr:         m.Addr(),
			Consensus:    m.raft.Status(),
			GossipKeys:   m.gossip.Len(),
			GossipRounds: m.gossip.Rounds(),
			Clock:        m.gossip.Clock(),
			Peers:        m.peerIDs(),
			Nodes:        m.members.Nodes(),
		}
	})
	return s, err
}
