package consensus

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Role is the Raft role of a node.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Config configures a Node.
type Config struct {
	ID string
	// Voters is the quorum set. Defaults to just ID.
	Voters []string
	// ElectionTimeout is the base timeout; each wait is drawn uniformly
	// from [ElectionTimeout, 2*ElectionTimeout).
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	// MaxAppendEntries caps entries per AppendEntries; 0 means no cap.
	MaxAppendEntries int

	Now    func() time.Time
	Rand   *rand.Rand
	Logger *zap.Logger
}

// Hooks are invoked synchronously from the goroutine driving the Node.
type Hooks struct {
	// Apply runs once per committed entry, in index order.
	Apply func(Entry)
	// LeaderChanged runs whenever the known leader changes.
	LeaderChanged func(leader string, term uint64)
}

// Proposal identifies an entry appended by Propose. It is committed once
// an Apply hook observes the same index and term.
type Proposal struct {
	Index uint64
	Term  uint64
}

// Status is a point-in-time view of a Node.
type Status struct {
	ID           string   `json:"id"`
	Role         string   `json:"role"`
	Term         uint64   `json:"term"`
	Leader       string   `json:"leader,omitempty"`
	VotedFor     string   `json:"votedFor,omitempty"`
	CommitIndex  uint64   `json:"commitIndex"`
	LastApplied  uint64   `json:"lastApplied"`
	LastLogIndex uint64   `json:"lastLogIndex"`
	LastLogTerm  uint64   `json:"lastLogTerm"`
	Voters       []string `json:"voters"`
}

// Node is a single-threaded Raft state machine. It never blocks and
// owns no goroutines or timers: the driver calls Tick at or after
// NextDeadline and feeds inbound messages to Receive.
type Node struct {
	cfg    Config
	send   Sender
	hooks  Hooks
	rnd    *rand.Rand
	now    func() time.Time
	logger *zap.Logger

	id     string
	voters map[string]struct{}

	role     Role
	term     uint64
	votedFor string
	leader   string
	log      Log

	commitIndex uint64
	lastApplied uint64

	votes      map[string]bool
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	electionDeadline  time.Time
	heartbeatDeadline time.Time
}

// New creates a follower at term 0 with an armed election deadline.
func New(cfg Config, send Sender, hooks Hooks) (*Node, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: ID is required", ErrInvalidConfig)
	}
	if cfg.ElectionTimeout <= 0 || cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if cfg.HeartbeatInterval >= cfg.ElectionTimeout {
		return nil, fmt.Errorf("%w: heartbeat interval must be below election timeout", ErrInvalidConfig)
	}
	if send == nil {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	n := &Node{
		cfg:        cfg,
		send:       send,
		hooks:      hooks,
		rnd:        cfg.Rand,
		now:        cfg.Now,
		logger:     cfg.Logger.Named("raft"),
		id:         cfg.ID,
		voters:     make(map[string]struct{}),
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
	}
	if len(cfg.Voters) == 0 {
		n.voters[cfg.ID] = struct{}{}
	}
	for _, v := range cfg.Voters {
		n.voters[v] = struct{}{}
	}
	n.resetElectionDeadline(n.now())
	return n, nil
}

// Accessors.

func (n *Node) ID() string          { return n.id }
func (n *Node) Role() Role          { return n.role }
func (n *Node) IsLeader() bool      { return n.role == Leader }
func (n *Node) Leader() string      { return n.leader }
func (n *Node) Term() uint64        { return n.term }
func (n *Node) CommitIndex() uint64 { return n.commitIndex }
func (n *Node) LastApplied() uint64 { return n.lastApplied }

// Entries returns a copy of the whole log.
func (n *Node) Entries() []Entry {
	return n.log.From(1, 0)
}

// Voters returns the quorum set, sorted.
func (n *Node) Voters() []string {
	out := make([]string, 0, len(n.voters))
	for v := range n.voters {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (n *Node) Status() Status {
	return Status{
		ID:           n.id,
		Role:         n.role.String(),
		Term:         n.term,
		Leader:       n.leader,
		VotedFor:     n.votedFor,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
		Voters:       n.Voters(),
	}
}

// NextDeadline is the earliest time at which Tick has work to do.
func (n *Node) NextDeadline() time.Time {
	if n.role == Leader {
		return n.heartbeatDeadline
	}
	return n.electionDeadline
}

// Tick fires whichever timer has expired at now.
func (n *Node) Tick(now time.Time) {
	switch n.role {
	case Leader:
		if !now.Before(n.heartbeatDeadline) {
			n.broadcastAppend()
			n.heartbeatDeadline = now.Add(n.cfg.HeartbeatInterval)
		}
	default:
		if !now.Before(n.electionDeadline) {
			n.campaign(now)
		}
	}
}

// Propose appends command to the leader's log. It returns false, with no
// side effects, on any node that is not the leader. A true result only
// means the entry was appended locally; a later leader may discard it.
func (n *Node) Propose(command []byte) (Proposal, bool) {
	if n.role != Leader {
		return Proposal{}, false
	}
	e := Entry{
		Term:      n.term,
		Index:     n.log.LastIndex() + 1,
		Command:   append([]byte(nil), command...),
		CreatedAt: n.now(),
	}
	n.log.Append(e)
	n.logger.Debug("proposed", zap.Uint64("index", e.Index), zap.Uint64("term", e.Term))

	for _, p := range n.peers() {
		// Lagging peers catch up through responses and heartbeats.
		if n.nextIndex[p] == e.Index {
			n.sendAppend(p)
		}
	}
	n.advanceCommit()
	return Proposal{Index: e.Index, Term: e.Term}, true
}

// Receive handles one inbound message from peer from.
func (n *Node) Receive(from string, msg Message) {
	if msg == nil {
		return
	}
	if msg.GetTerm() > n.term {
		n.logger.Info("newer term observed",
			zap.String("from", from),
			zap.Uint64("term", msg.GetTerm()),
			zap.Uint64("old_term", n.term))
		leader := ""
		if ae, ok := msg.(*AppendEntries); ok {
			leader = ae.LeaderID
		}
		n.becomeFollower(msg.GetTerm(), leader)
	}

	switch m := msg.(type) {
	case *VoteRequest:
		n.handleVoteRequest(from, m)
	case *VoteResponse:
		n.handleVoteResponse(from, m)
	case *AppendEntries:
		n.handleAppendEntries(from, m)
	case *AppendEntriesResponse:
		n.handleAppendEntriesResponse(from, m)
	default:
		n.logger.Warn("unknown consensus message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// AddVoter adds id to the quorum set. The change is local and
// administrative; every node must be told.
func (n *Node) AddVoter(id string) {
	if _, ok := n.voters[id]; ok {
		return
	}
	n.voters[id] = struct{}{}
	n.logger.Info("voter added", zap.String("peer", id), zap.Int("voters", len(n.voters)))
	if n.role == Leader && id != n.id {
		n.nextIndex[id] = n.log.LastIndex() + 1
		n.matchIndex[id] = 0
		n.sendAppend(id)
	}
}

// RemoveVoter drops id from the quorum set.
func (n *Node) RemoveVoter(id string) {
	if _, ok := n.voters[id]; !ok {
		return
	}
	delete(n.voters, id)
	delete(n.nextIndex, id)
	delete(n.matchIndex, id)
	n.logger.Info("voter removed", zap.String("peer", id), zap.Int("voters", len(n.voters)))
	if n.role == Leader {
		n.advanceCommit()
	}
}

// ---- elections ----

func (n *Node) campaign(now time.Time) {
	n.resetElectionDeadline(now)
	if _, ok := n.voters[n.id]; !ok {
		return
	}

	n.term++
	n.role = Candidate
	n.votedFor = n.id
	n.votes = map[string]bool{n.id: true}
	n.setLeader("")
	n.logger.Info("starting election", zap.Uint64("term", n.term))

	if n.hasQuorum(len(n.votes)) {
		n.becomeLeader()
		return
	}
	req := &VoteRequest{
		Term:         n.term,
		CandidateID:  n.id,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}
	for _, p := range n.peers() {
		n.send.Send(p, req)
	}
}

func (n *Node) handleVoteRequest(from string, m *VoteRequest) {
	resp := &VoteResponse{Term: n.term}
	if m.Term < n.term {
		n.send.Send(from, resp)
		return
	}

	// Equal term from another candidate: someone else is already running,
	// so stop campaigning. votedFor stays, which keeps this node from
	// voting twice in the term.
	if n.role == Candidate && m.CandidateID != n.id {
		n.role = Follower
		n.votes = nil
	}

	if (n.votedFor == "" || n.votedFor == m.CandidateID) &&
		n.log.IsUpToDate(m.LastLogIndex, m.LastLogTerm) {
		n.votedFor = m.CandidateID
		resp.VoteGranted = true
		n.resetElectionDeadline(n.now())
		n.logger.Debug("vote granted", zap.String("candidate", m.CandidateID), zap.Uint64("term", n.term))
	}
	n.send.Send(from, resp)
}

func (n *Node) handleVoteResponse(from string, m *VoteResponse) {
	if n.role != Candidate || m.Term != n.term || !m.VoteGranted {
		return
	}
	if _, ok := n.voters[from]; !ok {
		return
	}
	n.votes[from] = true
	if n.hasQuorum(len(n.votes)) {
		n.becomeLeader()
	}
}

func (n *Node) becomeLeader() {
	n.role = Leader
	n.votes = nil
	n.nextIndex = make(map[string]uint64)
	n.matchIndex = make(map[string]uint64)
	for _, p := range n.peers() {
		n.nextIndex[p] = n.log.LastIndex() + 1
		n.matchIndex[p] = 0
	}
	n.setLeader(n.id)
	n.logger.Info("became leader", zap.Uint64("term", n.term), zap.Uint64("last_index", n.log.LastIndex()))

	n.broadcastAppend()
	n.heartbeatDeadline = n.now().Add(n.cfg.HeartbeatInterval)
	n.advanceCommit()
}

func (n *Node) becomeFollower(term uint64, leader string) {
	wasLeader := n.role == Leader
	n.term = term
	n.votedFor = ""
	n.role = Follower
	n.votes = nil
	if wasLeader {
		n.logger.Info("stepping down", zap.Uint64("term", term))
		n.resetElectionDeadline(n.now())
	}
	n.setLeader(leader)
}

// ---- replication ----

func (n *Node) handleAppendEntries(from string, m *AppendEntries) {
	resp := &AppendEntriesResponse{Term: n.term}
	if m.Term < n.term {
		n.send.Send(from, resp)
		return
	}
	if n.role == Leader {
		// Two leaders in one term would break election safety.
		n.logger.Error("append entries from another leader in the same term",
			zap.String("from", m.LeaderID), zap.Uint64("term", m.Term))
		return
	}
	if n.role == Candidate {
		n.role = Follower
		n.votes = nil
	}
	n.resetElectionDeadline(n.now())
	n.setLeader(m.LeaderID)

	if m.PrevLogIndex > n.log.LastIndex() {
		resp.ConflictIndex = n.log.LastIndex() + 1
		n.send.Send(from, resp)
		return
	}
	if m.PrevLogIndex > 0 && n.log.TermAt(m.PrevLogIndex) != m.PrevLogTerm {
		resp.ConflictTerm = n.log.TermAt(m.PrevLogIndex)
		idx := m.PrevLogIndex
		for idx > 1 && n.log.TermAt(idx-1) == resp.ConflictTerm {
			idx--
		}
		resp.ConflictIndex = idx
		n.send.Send(from, resp)
		return
	}

	for i, e := range m.Entries {
		idx := m.PrevLogIndex + uint64(i) + 1
		if idx <= n.log.LastIndex() {
			if n.log.TermAt(idx) == e.Term {
				continue
			}
			if idx <= n.commitIndex {
				n.logger.Error("conflicting entry below commit index",
					zap.Error(ErrCommittedTruncation),
					zap.Uint64("index", idx),
					zap.Uint64("commit_index", n.commitIndex),
					zap.String("leader", m.LeaderID))
				n.send.Send(from, resp)
				return
			}
			n.logger.Info("truncating divergent suffix",
				zap.Uint64("from_index", idx), zap.Uint64("last_index", n.log.LastIndex()))
			n.log.TruncateFrom(idx)
		}
		e.Index = idx
		n.log.Append(e)
	}

	// Only entries this message vouched for may be committed.
	lastNew := m.PrevLogIndex + uint64(len(m.Entries))
	if m.LeaderCommit > n.commitIndex {
		n.commitTo(min(m.LeaderCommit, lastNew))
	}

	resp.Success = true
	resp.MatchIndex = lastNew
	n.send.Send(from, resp)
}

func (n *Node) handleAppendEntriesResponse(from string, m *AppendEntriesResponse) {
	if n.role != Leader || m.Term != n.term {
		return
	}
	if _, ok := n.nextIndex[from]; !ok {
		return
	}

	if m.Success {
		if m.MatchIndex > n.matchIndex[from] {
			n.matchIndex[from] = m.MatchIndex
		}
		if next := n.matchIndex[from] + 1; next > n.nextIndex[from] {
			n.nextIndex[from] = next
		}
		n.advanceCommit()
		if n.nextIndex[from] <= n.log.LastIndex() {
			n.sendAppend(from)
		}
		return
	}

	next := n.nextIndex[from]
	switch {
	case m.ConflictTerm > 0:
		if last := n.log.LastIndexOfTerm(m.ConflictTerm); last > 0 {
			next = last + 1
		} else {
			next = m.ConflictIndex
		}
	case m.ConflictIndex > 0:
		next = m.ConflictIndex
	case next > 1:
		next--
	}
	if next > n.log.LastIndex()+1 {
		next = n.log.LastIndex() + 1
	}
	if next <= n.matchIndex[from] {
		next = n.matchIndex[from] + 1
	}
	if next < 1 {
		next = 1
	}
	n.nextIndex[from] = next
	n.sendAppend(from)
}

func (n *Node) sendAppend(peer string) {
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prev := next - 1
	n.send.Send(peer, &AppendEntries{
		Term:         n.term,
		LeaderID:     n.id,
		PrevLogIndex: prev,
		PrevLogTerm:  n.log.TermAt(prev),
		Entries:      n.log.From(next, n.cfg.MaxAppendEntries),
		LeaderCommit: n.commitIndex,
	})
}

func (n *Node) broadcastAppend() {
	for _, p := range n.peers() {
		n.sendAppend(p)
	}
}

// advanceCommit commits the highest current-term index matched on a
// quorum. Older entries commit transitively.
func (n *Node) advanceCommit() {
	for idx := n.log.LastIndex(); idx > n.commitIndex; idx-- {
		if n.log.TermAt(idx) != n.term {
			break
		}
		count := 0
		for v := range n.voters {
			if v == n.id || n.matchIndex[v] >= idx {
				count++
			}
		}
		if n.hasQuorum(count) {
			n.commitTo(idx)
			return
		}
	}
}

func (n *Node) commitTo(index uint64) {
	if index <= n.commitIndex {
		return
	}
	n.commitIndex = index
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		e, _ := n.log.Get(n.lastApplied)
		if n.hooks.Apply != nil {
			n.hooks.Apply(e)
		}
	}
	n.logger.Debug("committed", zap.Uint64("commit_index", index), zap.Uint64("term", n.term))
}

// ---- helpers ----

func (n *Node) hasQuorum(count int) bool {
	return count >= len(n.voters)/2+1
}

// peers returns the other voters, sorted.
func (n *Node) peers() []string {
	out := make([]string, 0, len(n.voters))
	for v := range n.voters {
		if v != n.id {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func (n *Node) setLeader(id string) {
	if n.leader == id {
		return
	}
	n.leader = id
	if id != "" && id != n.id {
		n.logger.Info("following leader", zap.String("leader", id), zap.Uint64("term", n.term))
	}
	if n.hooks.LeaderChanged != nil {
		n.hooks.LeaderChanged(id, n.term)
	}
}

func (n *Node) resetElectionDeadline(now time.Time) {
	base := n.cfg.ElectionTimeout
	jitter := time.Duration(n.rnd.Int63n(int64(base)))
	n.electionDeadline = now.Add(base + jitter)
}
