package consensus

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pending struct {
	from, to string
	msg      Message
}

// testCluster is a deterministic simulation of several Nodes on a fake
// clock and a lossy network. Every step advances time by one message
// latency, delivers what was in flight and ticks every node. Safety
// properties are checked after each step.
type testCluster struct {
	t   *testing.T
	now time.Time
	rnd *rand.Rand

	ids     []string
	nodes   map[string]*Node
	applied map[string][]Entry
	queue   []pending

	group   map[string]int // nodes talk only within a group
	loss    float64
	dup     float64
	reorder bool

	leaders    map[uint64]string
	committed  map[uint64]Entry
	// commitTerm is the applier's term when an index was first applied.
	commitTerm map[uint64]uint64
}

const stepLatency = 10 * time.Millisecond

func newTestCluster(t *testing.T, size int, seed int64) *testCluster {
	t.Helper()
	c := &testCluster{
		t:          t,
		now:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		rnd:        rand.New(rand.NewSource(seed)),
		nodes:      make(map[string]*Node),
		applied:    make(map[string][]Entry),
		group:      make(map[string]int),
		leaders:    make(map[uint64]string),
		committed:  make(map[uint64]Entry),
		commitTerm: make(map[uint64]uint64),
	}
	for i := 0; i < size; i++ {
		c.ids = append(c.ids, fmt.Sprintf("n%d", i+1))
	}
	for i, id := range c.ids {
		id := id
		n, err := New(Config{
			ID:                id,
			Voters:            c.ids,
			ElectionTimeout:   150 * time.Millisecond,
			HeartbeatInterval: 50 * time.Millisecond,
			MaxAppendEntries:  8,
			Now:               func() time.Time { return c.now },
			Rand:              rand.New(rand.NewSource(seed*100 + int64(i))),
		}, SenderFunc(func(to string, msg Message) {
			c.queue = append(c.queue, pending{from: id, to: to, msg: msg})
		}), Hooks{
			Apply: func(e Entry) { c.onApply(id, e) },
		})
		require.NoError(t, err)
		c.nodes[id] = n
	}
	return c
}

func (c *testCluster) onApply(id string, e Entry) {
	prev := c.applied[id]
	require.Equal(c.t, uint64(len(prev)+1), e.Index, "node %s applied out of order", id)
	if want, ok := c.committed[e.Index]; ok {
		require.Equal(c.t, want.Term, e.Term, "node %s applied a different entry at %d", id, e.Index)
		require.True(c.t, bytes.Equal(want.Command, e.Command), "node %s applied a different command at %d", id, e.Index)
	} else {
		c.committed[e.Index] = e
		c.commitTerm[e.Index] = c.nodes[id].Term()
	}
	c.applied[id] = append(prev, e)
}

func (c *testCluster) connected(a, b string) bool {
	return c.group[a] == c.group[b]
}

func (c *testCluster) isolate(id string) {
	c.group[id] = len(c.ids) + 1
}

func (c *testCluster) partition(groups ...[]string) {
	for g, ids := range groups {
		for _, id := range ids {
			c.group[id] = g
		}
	}
}

func (c *testCluster) heal() {
	c.group = make(map[string]int)
}

func (c *testCluster) step() {
	c.now = c.now.Add(stepLatency)

	batch := c.queue
	c.queue = nil
	if c.reorder {
		c.rnd.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	}
	for _, p := range batch {
		if !c.connected(p.from, p.to) {
			continue
		}
		if c.loss > 0 && c.rnd.Float64() < c.loss {
			continue
		}
		c.nodes[p.to].Receive(p.from, p.msg)
		if c.dup > 0 && c.rnd.Float64() < c.dup {
			c.nodes[p.to].Receive(p.from, p.msg)
		}
	}
	for _, id := range c.ids {
		c.nodes[id].Tick(c.now)
	}
	c.checkSafety()
}

func (c *testCluster) run(steps int) {
	for i := 0; i < steps; i++ {
		c.step()
	}
}

func (c *testCluster) runUntil(maxSteps int, cond func() bool) bool {
	for i := 0; i < maxSteps; i++ {
		if cond() {
			return true
		}
		c.step()
	}
	return cond()
}

// stableLeader returns a leader that every node in its group follows.
func (c *testCluster) stableLeader() string {
	for _, id := range c.ids {
		n := c.nodes[id]
		if !n.IsLeader() {
			continue
		}
		agreed := true
		for _, other := range c.ids {
			if c.connected(id, other) && (c.nodes[other].Leader() != id || c.nodes[other].Term() != n.Term()) {
				agreed = false
				break
			}
		}
		if agreed {
			return id
		}
	}
	return ""
}

func (c *testCluster) waitLeader() string {
	var leader string
	ok := c.runUntil(500, func() bool {
		leader = c.stableLeader()
		return leader != ""
	})
	require.True(c.t, ok, "no stable leader")
	return leader
}

func (c *testCluster) checkSafety() {
	for _, id := range c.ids {
		n := c.nodes[id]
		if !n.IsLeader() {
			continue
		}
		if prev, ok := c.leaders[n.Term()]; ok && prev != id {
			c.t.Fatalf("two leaders in term %d: %s and %s", n.Term(), prev, id)
		}
		c.leaders[n.Term()] = id

		// Leader completeness: every leader of a later term holds each
		// committed entry. A stale leader of an older term may lag.
		for idx, e := range c.committed {
			if n.Term() <= c.commitTerm[idx] {
				continue
			}
			got, ok := n.log.Get(idx)
			if !ok || got.Term != e.Term {
				c.t.Fatalf("leader %s (term %d) is missing committed entry %d", id, n.Term(), idx)
			}
		}
	}
	c.checkLogMatching()
}

func (c *testCluster) checkLogMatching() {
	for i, a := range c.ids {
		for _, b := range c.ids[i+1:] {
			la, lb := &c.nodes[a].log, &c.nodes[b].log
			top := min(la.LastIndex(), lb.LastIndex())
			for idx := top; idx > 0; idx-- {
				if la.TermAt(idx) != lb.TermAt(idx) {
					continue
				}
				for j := uint64(1); j <= idx; j++ {
					ea, _ := la.Get(j)
					eb, _ := lb.Get(j)
					if ea.Term != eb.Term || !bytes.Equal(ea.Command, eb.Command) {
						c.t.Fatalf("log matching violated between %s and %s at %d (match at %d)", a, b, j, idx)
					}
				}
				break
			}
		}
	}
}

func (c *testCluster) commands(id string) []string {
	out := make([]string, 0, len(c.applied[id]))
	for _, e := range c.applied[id] {
		out = append(out, string(e.Command))
	}
	return out
}

func TestClusterElectsOneLeader(t *testing.T) {
	for _, size := range []int{3, 5} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			c := newTestCluster(t, size, int64(size))
			leader := c.waitLeader()
			c.run(100)
			require.Equal(t, leader, c.stableLeader(), "leadership should be stable on a quiet network")
		})
	}
}

func TestClusterReplicatesProposal(t *testing.T) {
	c := newTestCluster(t, 3, 1)
	leader := c.waitLeader()

	p, ok := c.nodes[leader].Propose([]byte(`{"op":"x"}`))
	require.True(t, ok)

	ok = c.runUntil(100, func() bool {
		for _, id := range c.ids {
			if c.nodes[id].LastApplied() < p.Index {
				return false
			}
		}
		return true
	})
	require.True(t, ok)
	for _, id := range c.ids {
		e := c.applied[id][p.Index-1]
		require.Equal(t, p.Term, e.Term)
		require.Equal(t, `{"op":"x"}`, string(e.Command))
	}

	for _, id := range c.ids {
		if id == leader {
			continue
		}
		_, ok := c.nodes[id].Propose([]byte("nope"))
		require.False(t, ok)
	}
}

func TestClusterPartitionedLeaderRejoins(t *testing.T) {
	c := newTestCluster(t, 3, 2)
	oldLeader := c.waitLeader()
	oldTerm := c.nodes[oldLeader].Term()

	committed, _ := c.nodes[oldLeader].Propose([]byte("committed"))
	require.True(t, c.runUntil(100, func() bool { return c.nodes[oldLeader].CommitIndex() >= committed.Index }))

	c.isolate(oldLeader)
	lost, ok := c.nodes[oldLeader].Propose([]byte("lost"))
	require.True(t, ok, "isolated leader still appends locally")

	var newLeader string
	require.True(t, c.runUntil(500, func() bool {
		newLeader = c.stableLeader()
		return newLeader != "" && newLeader != oldLeader
	}))
	require.Greater(t, c.nodes[newLeader].Term(), oldTerm)
	kept, ok := c.nodes[newLeader].Propose([]byte("kept"))
	require.True(t, ok)
	require.Equal(t, lost.Index, kept.Index, "both proposals target the same slot")
	require.True(t, c.runUntil(100, func() bool { return c.nodes[newLeader].CommitIndex() >= kept.Index }))
	require.True(t, c.nodes[oldLeader].IsLeader(), "old leader still believes it leads its own group")

	c.heal()
	require.True(t, c.runUntil(300, func() bool {
		return c.stableLeader() == newLeader && c.nodes[oldLeader].LastApplied() >= kept.Index
	}))
	require.Equal(t, c.nodes[newLeader].Term(), c.nodes[oldLeader].Term())
	require.False(t, c.nodes[oldLeader].IsLeader())

	e, _ := c.nodes[oldLeader].log.Get(lost.Index)
	require.Equal(t, "kept", string(e.Command), "divergent suffix replaced")
	for _, id := range c.ids {
		require.NotContains(t, c.commands(id), "lost")
		require.Equal(t, []string{"committed", "kept"}, c.commands(id))
	}
}

func TestClusterSafetyUnderLossDuplicationAndReordering(t *testing.T) {
	for seed := int64(1); seed <= 4; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			c := newTestCluster(t, 5, seed)
			c.loss = 0.1
			c.dup = 0.1
			c.reorder = true

			proposed := 0
			for round := 0; round < 12; round++ {
				switch c.rnd.Intn(3) {
				case 0:
					c.heal()
				case 1:
					c.isolate(c.ids[c.rnd.Intn(len(c.ids))])
				case 2:
					perm := c.rnd.Perm(len(c.ids))
					var left, right []string
					for i, p := range perm {
						if i < 2 {
							left = append(left, c.ids[p])
						} else {
							right = append(right, c.ids[p])
						}
					}
					c.partition(left, right)
				}
				for s := 0; s < 60; s++ {
					for _, id := range c.ids {
						if c.nodes[id].IsLeader() && c.rnd.Intn(10) == 0 {
							c.nodes[id].Propose([]byte(fmt.Sprintf("cmd-%d", proposed)))
							proposed++
						}
					}
					c.step()
				}
			}

			// Let the cluster settle on a clean network and commit a barrier.
			c.heal()
			c.loss, c.dup, c.reorder = 0, 0, false
			leader := c.waitLeader()
			barrier, ok := c.nodes[leader].Propose([]byte("barrier"))
			require.True(t, ok)
			require.True(t, c.runUntil(1000, func() bool {
				for _, id := range c.ids {
					if c.nodes[id].LastApplied() < barrier.Index {
						return false
					}
				}
				return true
			}), "cluster did not converge")

			ref := c.applied[leader]
			for _, id := range c.ids {
				require.Equal(t, len(ref), len(c.applied[id]), "node %s", id)
				for i := range ref {
					require.Equal(t, ref[i].Term, c.applied[id][i].Term)
					require.Equal(t, ref[i].Command, c.applied[id][i].Command)
				}
			}
			require.NotEmpty(t, c.leaders)
		})
	}
}
