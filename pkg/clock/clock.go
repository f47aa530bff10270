// Package clock implements vector clocks used to order events that
// originate at different mesh nodes.
package clock

import "sort"

// Ordering is the result of comparing two vector clocks. Clocks form a
// partial order, so Concurrent is a normal answer and not an error.
type Ordering uint8

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock maps a node ID to the number of events that node has
// produced. A node only ever increments its own component; absent
// components are zero.
//
// VectorClock is not safe for concurrent use.
type VectorClock map[string]uint64

// New returns an empty clock.
func New() VectorClock {
	return make(VectorClock)
}

// Increment bumps the component owned by self and returns the new value.
func (vc VectorClock) Increment(self string) uint64 {
	vc[self]++
	return vc[self]
}

// Get returns the component for id, zero if absent.
func (vc VectorClock) Get(id string) uint64 {
	return vc[id]
}

// Merge takes the component-wise maximum of vc and other, in place.
func (vc VectorClock) Merge(other VectorClock) {
	for id, n := range other {
		if n > vc[id] {
			vc[id] = n
		}
	}
}

// Compare reports how vc relates to other over the union of their keys.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false
	for id, n := range vc {
		m := other[id]
		if n < m {
			less = true
		} else if n > m {
			greater = true
		}
	}
	for id, m := range other {
		if _, ok := vc[id]; ok {
			continue
		}
		if m > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Clone returns a deep copy of vc.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, n := range vc {
		out[id] = n
	}
	return out
}

// Nodes returns the IDs present in the clock, sorted.
func (vc VectorClock) Nodes() []string {
	ids := make([]string, 0, len(vc))
	for id := range vc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
