package transport

import (
	"context"
	"sync"
)

const hubBuffer = 4096

// Hub connects in-process endpoints. Frames between nodes in different
// partition groups are silently dropped, the way a real network loses
// packets; new dials across a partition fail.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*HubEndpoint
	group     map[string]int
	pipes     map[*hubPipe]struct{}
}

func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*HubEndpoint),
		group:     make(map[string]int),
		pipes:     make(map[*hubPipe]struct{}),
	}
}

// Join returns the endpoint for id, creating it on first use.
func (h *Hub) Join(id string) *HubEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[id]; ok {
		return ep
	}
	ep := &HubEndpoint{hub: h, id: id}
	h.endpoints[id] = ep
	return ep
}

// Partition splits nodes into groups that cannot reach each other. Nodes
// not named keep group 0.
func (h *Hub) Partition(groups ...[]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.group = make(map[string]int)
	for g, ids := range groups {
		for _, id := range ids {
			h.group[id] = g + 1
		}
	}
}

// Isolate cuts id off from every other node.
func (h *Hub) Isolate(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.group[id] = -1
}

// Heal removes all partitions.
func (h *Hub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.group = make(map[string]int)
}

// Disconnect closes every live connection between a and b.
func (h *Hub) Disconnect(a, b string) {
	h.mu.Lock()
	var victims []*hubPipe
	for p := range h.pipes {
		if (p.a == a && p.b == b) || (p.a == b && p.b == a) {
			victims = append(victims, p)
		}
	}
	h.mu.Unlock()
	for _, p := range victims {
		p.close()
	}
}

// Reachable reports whether a and b are on the same side of any partition.
func (h *Hub) Reachable(a, b string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reachableLocked(a, b)
}

func (h *Hub) reachableLocked(a, b string) bool {
	ga, gb := h.group[a], h.group[b]
	if ga == -1 || gb == -1 {
		return a == b
	}
	return ga == gb
}

func (h *Hub) dial(from, to string) (Conn, error) {
	h.mu.Lock()
	target, ok := h.endpoints[to]
	if !ok || target.accept == nil {
		h.mu.Unlock()
		return nil, ErrUnreachable
	}
	if !h.reachableLocked(from, to) {
		h.mu.Unlock()
		return nil, ErrUnreachable
	}
	p := &hubPipe{hub: h, a: from, b: to, done: make(chan struct{})}
	local := &hubConn{pipe: p, local: from, remote: to, in: make(chan []byte, hubBuffer)}
	remote := &hubConn{pipe: p, local: to, remote: from, in: make(chan []byte, hubBuffer)}
	local.peer, remote.peer = remote, local
	h.pipes[p] = struct{}{}
	accept := target.accept
	h.mu.Unlock()

	accept(remote)
	return local, nil
}

func (h *Hub) closeEndpoint(id string) {
	h.mu.Lock()
	var victims []*hubPipe
	for p := range h.pipes {
		if p.a == id || p.b == id {
			victims = append(victims, p)
		}
	}
	if ep, ok := h.endpoints[id]; ok {
		ep.accept = nil
	}
	h.mu.Unlock()
	for _, p := range victims {
		p.close()
	}
}

// HubEndpoint is one node's Network on a Hub. Its address is its ID.
type HubEndpoint struct {
	hub    *Hub
	id     string
	accept func(Conn) // guarded by hub.mu
}

func (e *HubEndpoint) Listen(accept func(Conn)) error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.accept = accept
	return nil
}

func (e *HubEndpoint) Dial(ctx context.Context, peer, addr string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	to := addr
	if to == "" {
		to = peer
	}
	if to == "" || to == e.id {
		return nil, ErrUnreachable
	}
	return e.hub.dial(e.id, to)
}

func (e *HubEndpoint) Addr() string { return e.id }

// Close stops accepting and tears down this endpoint's connections.
func (e *HubEndpoint) Close() error {
	e.hub.closeEndpoint(e.id)
	return nil
}

type hubPipe struct {
	hub  *Hub
	a, b string
	once sync.Once
	done chan struct{}
}

func (p *hubPipe) close() {
	p.once.Do(func() {
		close(p.done)
		p.hub.mu.Lock()
		delete(p.hub.pipes, p)
		p.hub.mu.Unlock()
	})
}

type hubConn struct {
	pipe   *hubPipe
	local  string
	remote string
	in     chan []byte
	peer   *hubConn
}

func (c *hubConn) RemotePeer() string     { return c.remote }
func (c *hubConn) Receive() <-chan []byte { return c.in }
func (c *hubConn) Done() <-chan struct{}  { return c.pipe.done }

func (c *hubConn) Send(frame []byte) error {
	select {
	case <-c.pipe.done:
		return ErrClosed
	default:
	}
	if !c.pipe.hub.Reachable(c.local, c.remote) {
		return nil
	}
	buf := append([]byte(nil), frame...)
	select {
	case c.peer.in <- buf:
	default:
		// full: dropped
	}
	return nil
}

func (c *hubConn) Close() error {
	c.pipe.close()
	return nil
}
