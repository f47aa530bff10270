package gossip

import (
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/clock"
)

var ErrNodeIDRequired = errors.New("gossip: node ID is required")

const DefaultAntiEntropyEvery = 10

// Config tunes a Gossiper. Smaller fanout trades convergence latency for
// bandwidth.
type Config struct {
	NodeID string
	// Fanout is the number of peers contacted per round.
	Fanout int
	// AntiEntropyEvery makes every Nth round a full-state push. It is
	// what repairs a lost delta, so it cannot be disabled; zero means
	// DefaultAntiEntropyEvery.
	AntiEntropyEvery int
	Rand             *rand.Rand
	Logger           *zap.Logger
}

type record struct {
	entry Entry
	seq   uint64 // local acceptance order
}

type subscriber struct {
	id uint64
	fn func(Change)
}

// Gossiper holds the local replica of the gossiped key space.
type Gossiper struct {
	cfg    Config
	send   Sender
	rnd    *rand.Rand
	logger *zap.Logger

	clock      clock.VectorClock
	entries    map[string]*record
	seq        uint64
	maxVersion uint64

	// sent is the highest local seq pushed to each peer.
	sent   map[string]uint64
	rounds uint64

	subs    map[string][]subscriber
	nextSub uint64
}

// New creates a Gossiper that sends through s.
func New(cfg Config, s Sender) (*Gossiper, error) {
	if cfg.NodeID == "" {
		return nil, ErrNodeIDRequired
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = 1
	}
	if cfg.AntiEntropyEvery <= 0 {
		cfg.AntiEntropyEvery = DefaultAntiEntropyEvery
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Gossiper{
		cfg:     cfg,
		send:    s,
		rnd:     cfg.Rand,
		logger:  cfg.Logger.Named("gossip"),
		clock:   clock.New(),
		entries: make(map[string]*record),
		sent:    make(map[string]uint64),
		subs:    make(map[string][]subscriber),
	}, nil
}

// Set writes value under key and schedules it for dissemination.
func (g *Gossiper) Set(key string, value []byte) Entry {
	return g.write(key, append([]byte(nil), value...), false)
}

// Delete writes a tombstone for key. The tombstone replicates like any
// other write and hides the key from Get.
func (g *Gossiper) Delete(key string) Entry {
	return g.write(key, nil, true)
}

func (g *Gossiper) write(key string, value []byte, tombstone bool) Entry {
	g.clock.Increment(g.cfg.NodeID)
	g.maxVersion++
	e := Entry{
		Key:        key,
		Value:      value,
		Tombstone:  tombstone,
		Clock:      g.clock.Clone(),
		Originator: g.cfg.NodeID,
		Version:    g.maxVersion,
	}
	g.store(e)
	return e
}

// Get returns the current value of key. Tombstoned keys are absent.
func (g *Gossiper) Get(key string) ([]byte, bool) {
	r, ok := g.entries[key]
	if !ok || r.entry.Tombstone {
		return nil, false
	}
	return append([]byte(nil), r.entry.Value...), true
}

// Entry returns the stored entry for key, tombstones included.
func (g *Gossiper) Entry(key string) (Entry, bool) {
	r, ok := g.entries[key]
	if !ok {
		return Entry{}, false
	}
	return r.entry, true
}

// Subscribe registers fn to run whenever the value stored for key
// changes. It returns a function that removes the subscription.
func (g *Gossiper) Subscribe(key string, fn func(Change)) (unsubscribe func()) {
	g.nextSub++
	id := g.nextSub
	g.subs[key] = append(g.subs[key], subscriber{id: id, fn: fn})
	return func() {
		subs := g.subs[key]
		for i, s := range subs {
			if s.id == id {
				g.subs[key] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(g.subs[key]) == 0 {
			delete(g.subs, key)
		}
	}
}

// Receive applies every entry of msg that supersedes local state and
// returns how many were accepted. Accepted entries are re-gossiped on
// later rounds.
func (g *Gossiper) Receive(msg *Message) int {
	if msg == nil {
		return 0
	}
	accepted := 0
	for _, e := range msg.Entries {
		g.clock.Merge(e.Clock)
		if e.Version > g.maxVersion {
			g.maxVersion = e.Version
		}
		if cur, ok := g.entries[e.Key]; ok && !e.Supersedes(cur.entry) {
			continue
		}
		e.Clock = e.Clock.Clone()
		g.store(e)
		accepted++
	}
	if accepted > 0 {
		g.logger.Debug("accepted gossip",
			zap.String("from", msg.Sender),
			zap.Int("accepted", accepted),
			zap.Int("entries", len(msg.Entries)))
	}
	return accepted
}

func (g *Gossiper) store(e Entry) {
	prev, existed := g.entries[e.Key]
	g.seq++
	g.entries[e.Key] = &record{entry: e, seq: g.seq}

	if existed && prev.entry.sameValue(e) {
		return
	}
	if !existed && e.Tombstone {
		return
	}
	ch := Change{Key: e.Key, Value: e.Value, Deleted: e.Tombstone, Entry: e}
	for _, s := range g.subs[e.Key] {
		s.fn(ch)
	}
}

// Tick runs one gossip round against peers. Up to Fanout peers are chosen
// uniformly at random without replacement; each receives the entries it
// has not been sent yet, or the full state on anti-entropy rounds.
func (g *Gossiper) Tick(peers []string) (targets []string) {
	g.rounds++
	full := g.rounds%uint64(g.cfg.AntiEntropyEvery) == 0

	candidates := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != g.cfg.NodeID {
			candidates = append(candidates, p)
		}
	}
	sort.Strings(candidates)
	g.rnd.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > g.cfg.Fanout {
		candidates = candidates[:g.cfg.Fanout]
	}

	for _, peer := range candidates {
		var entries []Entry
		if full {
			entries = g.since(0)
		} else {
			entries = g.since(g.sent[peer])
		}
		g.sent[peer] = g.seq
		if len(entries) == 0 {
			continue
		}
		g.send.SendGossip(peer, &Message{
			ID:      uuid.NewString(),
			Sender:  g.cfg.NodeID,
			Full:    full,
			Entries: entries,
		})
		targets = append(targets, peer)
	}
	return targets
}

// since returns entries accepted after seq, in acceptance order.
func (g *Gossiper) since(seq uint64) []Entry {
	recs := make([]*record, 0)
	for _, r := range g.entries {
		if r.seq > seq {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]Entry, len(recs))
	for i, r := range recs {
		out[i] = r.entry
	}
	return out
}

// ForgetPeer drops delivery bookkeeping for peer; the next round that
// picks it sends everything.
func (g *Gossiper) ForgetPeer(peer string) {
	delete(g.sent, peer)
}

// Snapshot returns every stored entry, tombstones included, sorted by key.
func (g *Gossiper) Snapshot() []Entry {
	out := make([]Entry, 0, len(g.entries))
	for _, r := range g.entries {
		out = append(out, r.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of live (non-tombstone) keys.
func (g *Gossiper) Len() int {
	n := 0
	for _, r := range g.entries {
		if !r.entry.Tombstone {
			n++
		}
	}
	return n
}

// Clock returns a copy of the node's vector clock.
func (g *Gossiper) Clock() clock.VectorClock {
	return g.clock.Clone()
}

// Rounds returns the number of completed gossip rounds.
func (g *Gossiper) Rounds() uint64 {
	return g.rounds
}
