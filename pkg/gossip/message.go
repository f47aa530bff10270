package gossip

import (
	"bytes"

	"github.com/ryandielhenn/zephyrmesh/pkg/clock"
)

// Entry is one replicated key/value write. Entries are immutable once
// created; the clock is a snapshot taken when the write happened.
type Entry struct {
	Key        string            `json:"key"`
	Value      []byte            `json:"value,omitempty"`
	Tombstone  bool              `json:"tombstone,omitempty"`
	Clock      clock.VectorClock `json:"clock"`
	Originator string            `json:"originator"`
	Version    uint64            `json:"version"`
}

// Supersedes reports whether e should replace cur. A causally later
// write always wins; concurrent writes fall back to the higher version,
// then the lexicographically larger originator.
func (e Entry) Supersedes(cur Entry) bool {
	switch e.Clock.Compare(cur.Clock) {
	case clock.After:
		return true
	case clock.Before:
		return false
	}
	if e.Version != cur.Version {
		return e.Version > cur.Version
	}
	return e.Originator > cur.Originator
}

func (e Entry) sameValue(o Entry) bool {
	if e.Tombstone || o.Tombstone {
		return e.Tombstone == o.Tombstone
	}
	return bytes.Equal(e.Value, o.Value)
}

// Message is the gossip payload exchanged between peers.
type Message struct {
	ID      string  `json:"id"`
	Sender  string  `json:"sender"`
	Full    bool    `json:"full,omitempty"`
	Entries []Entry `json:"entries"`
}

// Change describes an observable change to a key, as seen by subscribers.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
	Entry   Entry
}
