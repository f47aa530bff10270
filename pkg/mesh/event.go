package mesh

import (
	"github.com/ryandielhenn/zephyrmesh/pkg/consensus"
	"github.com/ryandielhenn/zephyrmesh/pkg/membership"
)

// EventType names an Event variant. A Signal is delivered to handlers of
// EventSignal and also to those of its kind: EventOffer, EventAnswer or
// EventICECandidate.
type EventType string

const (
	EventPeerConnected    EventType = "peerConnected"
	EventPeerDisconnected EventType = "peerDisconnected"
	EventNodeSuspect      EventType = "nodeSuspect"
	EventNodeDead         EventType = "nodeDead"
	EventNodeAlive        EventType = "nodeAlive"
	EventMessage          EventType = "message"
	EventApplied          EventType = "apply"
	EventLeaderChanged    EventType = "leaderChanged"
	EventSignal           EventType = "signal"
	EventOffer            EventType = "offer"
	EventAnswer           EventType = "answer"
	EventICECandidate     EventType = "iceCandidate"

	// AllEvents subscribes to every variant.
	AllEvents EventType = "*"
)

// Event is delivered to handlers registered with On. The variants below
// are the only implementations.
type Event interface {
	Type() EventType
	event()
}

type PeerConnected struct {
	Peer string
	Addr string
}

type PeerDisconnected struct {
	Peer string
}

type NodeSuspect struct {
	Node membership.MeshNode
}

type NodeDead struct {
	Node membership.MeshNode
}

// NodeAlive reports a Suspect node heard from again.
type NodeAlive struct {
	Node membership.MeshNode
}

// Message is an application broadcast from a peer.
type Message struct {
	From    string
	Payload []byte
}

// Applied carries a committed log entry, in log order.
type Applied struct {
	Entry consensus.Entry
}

type LeaderChanged struct {
	Leader string // empty when unknown
	Term   uint64
}

// SignalKind is the step of an out-of-band connection handshake.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// eventType is the per-kind event name a Signal is also delivered under.
func (k SignalKind) eventType() EventType {
	switch k {
	case SignalOffer:
		return EventOffer
	case SignalAnswer:
		return EventAnswer
	case SignalCandidate:
		return EventICECandidate
	default:
		return ""
	}
}

// Signal is handshake material the application relays to To through a
// side channel of its choosing, then hands to the remote's HandleSignal.
type Signal struct {
	Kind SignalKind `json:"kind"`
	From string     `json:"from"`
	To   string     `json:"to"`
	Addr string     `json:"addr,omitempty"`
}

func (PeerConnected) Type() EventType    { return EventPeerConnected }
func (PeerDisconnected) Type() EventType { return EventPeerDisconnected }
func (NodeSuspect) Type() EventType      { return EventNodeSuspect }
func (NodeDead) Type() EventType         { return EventNodeDead }
func (NodeAlive) Type() EventType        { return EventNodeAlive }
func (Message) Type() EventType          { return EventMessage }
func (Applied) Type() EventType          { return EventApplied }
func (LeaderChanged) Type() EventType    { return EventLeaderChanged }
func (Signal) Type() EventType           { return EventSignal }

func (PeerConnected) event()    {}
func (PeerDisconnected) event() {}
func (NodeSuspect) event()      {}
func (NodeDead) event()         {}
func (NodeAlive) event()        {}
func (Message) event()          {}
func (Applied) event()          {}
func (LeaderChanged) event()    {}
func (Signal) event()           {}
