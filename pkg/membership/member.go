// Package membership tracks which mesh nodes are reachable. Every node is
// Alive, Suspect or Dead; fresh traffic keeps a node Alive and a periodic
// sweep demotes silent ones.
package membership

import "time"

// Health is the liveness state of a node as seen locally.
type Health uint8

const (
	Alive Health = iota
	Suspect
	Dead
)

func (h Health) String() string {
	switch h {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// MeshNode is one known participant, self included.
type MeshNode struct {
	ID         string    `json:"id"`
	Address    string    `json:"address,omitempty"`
	Region     string    `json:"region,omitempty"`
	Health     Health    `json:"health"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Transition records a health change of a single node.
type Transition struct {
	Node MeshNode
	From Health
	To   Health
}
