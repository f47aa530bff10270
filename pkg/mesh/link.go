package mesh

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
)

// link is an open connection to one peer.
type link struct {
	peer   string
	addr   string // dialed address; empty for accepted links
	dialer string // node that opened the connection
	conn   transport.Conn
}

type inboundKind uint8

const (
	linkFrame inboundKind = iota
	linkUp
	linkDown
	dialFailed
)

// inbound is everything that reaches the loop from link goroutines.
type inbound struct {
	kind inboundKind
	link *link
	peer string
	data []byte
}

// addLink installs conn as the link to its peer. When both nodes dial
// each other at once, each side keeps the connection opened by the
// smaller node ID, so both settle on the same one.
func (m *Mesh) addLink(conn transport.Conn, addr string, dialed bool) {
	peer := conn.RemotePeer()
	if peer == "" || peer == m.id {
		conn.Close()
		return
	}
	l := &link{peer: peer, addr: addr, dialer: peer, conn: conn}
	if dialed {
		l.dialer = m.id
	}
	preferred := min(m.id, peer)

	m.linksMu.Lock()
	if m.stopped {
		m.linksMu.Unlock()
		conn.Close()
		return
	}
	var loser *link
	if cur, ok := m.links[peer]; ok && !closed(cur.conn) {
		if cur.dialer == preferred || l.dialer != preferred {
			loser = l
		} else {
			loser = cur
		}
	}
	if loser != l {
		m.links[peer] = l
	}
	m.linksMu.Unlock()

	if loser != nil {
		m.logger.Debug("duplicate connection closed",
			zap.String("peer", peer), zap.String("dialer", loser.dialer))
		loser.conn.Close()
		if loser == l {
			return
		}
	}
	go m.readLink(l)
}

// readLink forwards frames from l to the loop until l closes.
func (m *Mesh) readLink(l *link) {
	if !m.enqueue(inbound{kind: linkUp, link: l}) {
		return
	}
	defer m.enqueue(inbound{kind: linkDown, link: l})
	for {
		select {
		case data := <-l.conn.Receive():
			if !m.enqueue(inbound{kind: linkFrame, link: l, data: data}) {
				return
			}
		case <-l.conn.Done():
			return
		case <-m.quit:
			return
		}
	}
}

func (m *Mesh) enqueue(in inbound) bool {
	select {
	case m.inbox <- in:
		return true
	case <-m.quit:
		return false
	}
}

// currentLink returns the installed link for peer, if any.
func (m *Mesh) currentLink(peer string) *link {
	m.linksMu.RLock()
	defer m.linksMu.RUnlock()
	return m.links[peer]
}

func (m *Mesh) dropLink(l *link) bool {
	m.linksMu.Lock()
	defer m.linksMu.Unlock()
	if m.links[l.peer] != l {
		return false
	}
	delete(m.links, l.peer)
	return true
}

// snapshotLinks copies the link set so sends never hold the lock.
func (m *Mesh) snapshotLinks() []*link {
	m.linksMu.RLock()
	defer m.linksMu.RUnlock()
	out := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

func closed(c transport.Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
