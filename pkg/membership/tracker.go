package membership

import (
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidTimeouts = errors.New("membership: suspect timeout must be positive and below dead timeout")
	ErrSelfRequired    = errors.New("membership: self ID is required")
)

// Config configures a Tracker.
type Config struct {
	Self           MeshNode
	SuspectTimeout time.Duration
	DeadTimeout    time.Duration
	// Detector defaults to a TimeoutDetector with Unit = SuspectTimeout.
	Detector FailureDetector
	Logger   *zap.Logger
}

// Tracker holds the local view of node health. It is not safe for
// concurrent use; the mesh loop owns it.
type Tracker struct {
	self       string
	nodes      map[string]*MeshNode
	det        FailureDetector
	suspectPhi float64
	deadPhi    float64
	logger     *zap.Logger
}

func NewTracker(cfg Config, now time.Time) (*Tracker, error) {
	if cfg.Self.ID == "" {
		return nil, ErrSelfRequired
	}
	if cfg.SuspectTimeout <= 0 || cfg.DeadTimeout <= cfg.SuspectTimeout {
		return nil, ErrInvalidTimeouts
	}
	if cfg.Detector == nil {
		cfg.Detector = NewTimeoutDetector(cfg.SuspectTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	self := cfg.Self
	self.Health = Alive
	self.LastSeenAt = now

	return &Tracker{
		self:       self.ID,
		nodes:      map[string]*MeshNode{self.ID: &self},
		det:        cfg.Detector,
		suspectPhi: 1,
		deadPhi:    float64(cfg.DeadTimeout) / float64(cfg.SuspectTimeout),
		logger:     cfg.Logger.Named("membership"),
	}, nil
}

// Self returns the local node.
func (t *Tracker) Self() MeshNode {
	return *t.nodes[t.self]
}

// Add registers id, or revives it if it was Dead. It reports whether the
// node was newly added or revived.
func (t *Tracker) Add(id, addr, region string, now time.Time) bool {
	if id == t.self {
		return false
	}
	n, ok := t.nodes[id]
	if ok && n.Health != Dead {
		if addr != "" {
			n.Address = addr
		}
		if region != "" {
			n.Region = region
		}
		return false
	}
	if !ok {
		n = &MeshNode{ID: id}
		t.nodes[id] = n
	}
	if addr != "" {
		n.Address = addr
	}
	if region != "" {
		n.Region = region
	}
	n.Health = Alive
	n.LastSeenAt = now
	t.det.Observe(id, now)
	t.logger.Info("node added", zap.String("peer", id), zap.String("addr", n.Address))
	return true
}

// Observe records traffic from id. Unknown nodes are added on first
// contact; a Suspect node is restored to Alive. Dead nodes stay dead.
func (t *Tracker) Observe(id string, now time.Time) (Transition, bool) {
	if id == t.self {
		return Transition{}, false
	}
	n, ok := t.nodes[id]
	if !ok {
		t.Add(id, "", "", now)
		return Transition{}, false
	}
	if n.Health == Dead {
		return Transition{}, false
	}
	if now.After(n.LastSeenAt) {
		n.LastSeenAt = now
	}
	t.det.Observe(id, now)
	if n.Health == Suspect {
		n.Health = Alive
		t.logger.Info("node alive again", zap.String("peer", id))
		return Transition{Node: *n, From: Suspect, To: Alive}, true
	}
	return Transition{}, false
}

// Sweep demotes silent nodes. A node that skipped straight past the dead
// timeout yields both the suspect and the dead transition, in that order.
func (t *Tracker) Sweep(now time.Time) []Transition {
	var out []Transition
	for _, id := range t.ids() {
		n := t.nodes[id]
		if id == t.self || n.Health == Dead {
			continue
		}
		phi := t.det.Phi(id, now)
		if n.Health == Alive && phi > t.suspectPhi {
			n.Health = Suspect
			out = append(out, Transition{Node: *n, From: Alive, To: Suspect})
			t.logger.Info("node suspect", zap.String("peer", id), zap.Float64("phi", phi))
		}
		if n.Health == Suspect && phi > t.deadPhi {
			n.Health = Dead
			out = append(out, Transition{Node: *n, From: Suspect, To: Dead})
			t.logger.Warn("node dead", zap.String("peer", id), zap.Float64("phi", phi))
		}
	}
	return out
}

// Remove forgets id entirely. Self cannot be removed.
func (t *Tracker) Remove(id string) bool {
	if id == t.self {
		return false
	}
	if _, ok := t.nodes[id]; !ok {
		return false
	}
	delete(t.nodes, id)
	t.det.Remove(id)
	t.logger.Info("node removed", zap.String("peer", id))
	return true
}

func (t *Tracker) Get(id string) (MeshNode, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return MeshNode{}, false
	}
	return *n, true
}

// Health returns the health of id; unknown nodes report Dead.
func (t *Tracker) Health(id string) Health {
	n, ok := t.nodes[id]
	if !ok {
		return Dead
	}
	return n.Health
}

// Nodes returns all known nodes sorted by ID.
func (t *Tracker) Nodes() []MeshNode {
	out := make([]MeshNode, 0, len(t.nodes))
	for _, id := range t.ids() {
		out = append(out, *t.nodes[id])
	}
	return out
}

// Reachable filters ids down to known nodes that are not Dead.
func (t *Tracker) Reachable(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n, ok := t.nodes[id]; ok && n.Health != Dead {
			out = append(out, id)
		}
	}
	return out
}

// Counts returns the number of nodes per health state.
func (t *Tracker) Counts() map[Health]int {
	out := map[Health]int{Alive: 0, Suspect: 0, Dead: 0}
	for _, n := range t.nodes {
		out[n.Health]++
	}
	return out
}

func (t *Tracker) ids() []string {
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
