package consensus

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sent struct {
	to  string
	msg Message
}

type sink struct {
	msgs []sent
}

func (s *sink) Send(to string, msg Message) {
	s.msgs = append(s.msgs, sent{to: to, msg: msg})
}

func (s *sink) take() []sent {
	out := s.msgs
	s.msgs = nil
	return out
}

type harness struct {
	node    *Node
	out     *sink
	now     time.Time
	applied []Entry
	leaders []string
}

func newHarness(t *testing.T, id string, voters ...string) *harness {
	t.Helper()
	h := &harness{out: &sink{}, now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	n, err := New(Config{
		ID:                id,
		Voters:            voters,
		ElectionTimeout:   150 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		Now:               func() time.Time { return h.now },
		Rand:              rand.New(rand.NewSource(1)),
	}, h.out, Hooks{
		Apply:         func(e Entry) { h.applied = append(h.applied, e) },
		LeaderChanged: func(leader string, _ uint64) { h.leaders = append(h.leaders, leader) },
	})
	require.NoError(t, err)
	h.node = n
	return h
}

// elect drives a three-voter node through an election it wins.
func (h *harness) elect(t *testing.T) {
	t.Helper()
	h.now = h.node.NextDeadline()
	h.node.Tick(h.now)
	require.Equal(t, Candidate, h.node.Role())
	for _, v := range h.node.peers() {
		h.node.Receive(v, &VoteResponse{Term: h.node.Term(), VoteGranted: true})
		if h.node.IsLeader() {
			break
		}
	}
	require.True(t, h.node.IsLeader())
	h.out.take()
}

func seedLog(n *Node, terms ...uint64) {
	for _, term := range terms {
		n.log.Append(Entry{Term: term, Index: n.log.LastIndex() + 1, Command: []byte{byte(term)}})
	}
}

func TestNewValidatesConfig(t *testing.T) {
	base := Config{ID: "a", ElectionTimeout: time.Second, HeartbeatInterval: 100 * time.Millisecond}
	_, err := New(base, &sink{}, Hooks{})
	require.NoError(t, err)

	bad := base
	bad.ID = ""
	_, err = New(bad, &sink{}, Hooks{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	bad = base
	bad.HeartbeatInterval = 2 * time.Second
	_, err = New(bad, &sink{}, Hooks{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(base, nil, Hooks{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestElectionDeadlineIsRandomizedWithinBounds(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	for i := 0; i < 50; i++ {
		h.node.resetElectionDeadline(h.now)
		d := h.node.NextDeadline().Sub(h.now)
		require.GreaterOrEqual(t, d, 150*time.Millisecond)
		require.Less(t, d, 300*time.Millisecond)
	}
}

func TestSingleNodeCommitsImmediately(t *testing.T) {
	h := newHarness(t, "solo")
	h.now = h.node.NextDeadline()
	h.node.Tick(h.now)
	require.True(t, h.node.IsLeader())
	require.Equal(t, uint64(1), h.node.Term())
	require.Equal(t, []string{"solo"}, h.leaders)

	p, ok := h.node.Propose([]byte("x"))
	require.True(t, ok)
	require.Equal(t, Proposal{Index: 1, Term: 1}, p)
	require.Len(t, h.applied, 1)
	require.Equal(t, "x", string(h.applied[0].Command))
	require.Equal(t, uint64(1), h.node.CommitIndex())
	require.Empty(t, h.out.take())
}

func TestProposeOnFollowerReturnsFalse(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	p, ok := h.node.Propose([]byte("x"))
	require.False(t, ok)
	require.Zero(t, p)
	require.Empty(t, h.node.Entries())
	require.Empty(t, h.out.take())
}

func TestCampaignRequestsVotesFromPeers(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	seedLog(h.node, 1, 1)
	h.node.term = 1

	h.now = h.node.NextDeadline()
	h.node.Tick(h.now)

	require.Equal(t, Candidate, h.node.Role())
	require.Equal(t, uint64(2), h.node.Term())
	msgs := h.out.take()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		req := m.msg.(*VoteRequest)
		require.Equal(t, uint64(2), req.Term)
		require.Equal(t, "a", req.CandidateID)
		require.Equal(t, uint64(2), req.LastLogIndex)
		require.Equal(t, uint64(1), req.LastLogTerm)
	}
}

func TestNonVoterNeverCampaigns(t *testing.T) {
	h := newHarness(t, "learner", "a", "b", "c")
	h.now = h.node.NextDeadline()
	h.node.Tick(h.now)
	require.Equal(t, Follower, h.node.Role())
	require.Zero(t, h.node.Term())
	require.Empty(t, h.out.take())
}

func TestVoteRequestRules(t *testing.T) {
	t.Run("lower term denied with current term", func(t *testing.T) {
		h := newHarness(t, "a", "a", "b", "c")
		h.node.term = 5
		h.node.Receive("b", &VoteRequest{Term: 4, CandidateID: "b"})
		resp := h.out.take()[0].msg.(*VoteResponse)
		require.False(t, resp.VoteGranted)
		require.Equal(t, uint64(5), resp.Term)
	})

	t.Run("one vote per term", func(t *testing.T) {
		h := newHarness(t, "a", "a", "b", "c")
		h.node.Receive("b", &VoteRequest{Term: 1, CandidateID: "b"})
		h.node.Receive("c", &VoteRequest{Term: 1, CandidateID: "c"})
		h.node.Receive("b", &VoteRequest{Term: 1, CandidateID: "b"})
		msgs := h.out.take()
		require.True(t, msgs[0].msg.(*VoteResponse).VoteGranted)
		require.False(t, msgs[1].msg.(*VoteResponse).VoteGranted)
		require.True(t, msgs[2].msg.(*VoteResponse).VoteGranted, "repeat request from the same candidate")
	})

	t.Run("stale log denied but term adopted", func(t *testing.T) {
		h := newHarness(t, "a", "a", "b", "c")
		seedLog(h.node, 1, 2)
		h.node.term = 2
		h.node.votedFor = "a"

		h.node.Receive("b", &VoteRequest{Term: 3, CandidateID: "b", LastLogIndex: 5, LastLogTerm: 1})
		resp := h.out.take()[0].msg.(*VoteResponse)
		require.False(t, resp.VoteGranted)
		require.Equal(t, uint64(3), resp.Term)
		require.Equal(t, uint64(3), h.node.Term())
		require.Empty(t, h.node.votedFor, "votedFor resets with the term")

		h.node.Receive("c", &VoteRequest{Term: 3, CandidateID: "c", LastLogIndex: 2, LastLogTerm: 2})
		require.True(t, h.out.take()[0].msg.(*VoteResponse).VoteGranted)
	})

	t.Run("equal term candidate steps down without a second vote", func(t *testing.T) {
		h := newHarness(t, "a", "a", "b", "c")
		h.now = h.node.NextDeadline()
		h.node.Tick(h.now)
		h.out.take()
		require.Equal(t, Candidate, h.node.Role())

		h.node.Receive("b", &VoteRequest{Term: h.node.Term(), CandidateID: "b"})
		require.Equal(t, Follower, h.node.Role())
		require.False(t, h.out.take()[0].msg.(*VoteResponse).VoteGranted)
		require.Equal(t, "a", h.node.votedFor)
	})
}

func TestLeaderStepsDownOnlyOnHigherTerm(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	h.elect(t)
	term := h.node.Term()

	h.node.Receive("b", &VoteRequest{Term: term, CandidateID: "b", LastLogIndex: 10, LastLogTerm: term})
	require.True(t, h.node.IsLeader())
	require.False(t, h.out.take()[0].msg.(*VoteResponse).VoteGranted)

	h.node.Receive("b", &AppendEntriesResponse{Term: term + 1})
	require.Equal(t, Follower, h.node.Role())
	require.Equal(t, term+1, h.node.Term())
	require.Empty(t, h.node.Leader())
	require.Equal(t, []string{"a", ""}, h.leaders)
}

func TestCandidateStepsDownOnAppendEntries(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	h.now = h.node.NextDeadline()
	h.node.Tick(h.now)
	h.out.take()

	h.node.Receive("b", &AppendEntries{Term: h.node.Term(), LeaderID: "b"})
	require.Equal(t, Follower, h.node.Role())
	require.Equal(t, "b", h.node.Leader())
	resp := h.out.take()[0].msg.(*AppendEntriesResponse)
	require.True(t, resp.Success)
}

func TestAppendEntriesRejectsLowerTerm(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	h.node.term = 3
	h.node.Receive("b", &AppendEntries{Term: 2, LeaderID: "b"})
	resp := h.out.take()[0].msg.(*AppendEntriesResponse)
	require.False(t, resp.Success)
	require.Equal(t, uint64(3), resp.Term)
	require.Empty(t, h.node.Leader())
}

func TestAppendEntriesConflictHint(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	seedLog(h.node, 1, 1, 2, 2)
	h.node.term = 2

	h.node.Receive("b", &AppendEntries{Term: 3, LeaderID: "b", PrevLogIndex: 4, PrevLogTerm: 3})
	resp := h.out.take()[0].msg.(*AppendEntriesResponse)
	require.False(t, resp.Success)
	require.Equal(t, uint64(2), resp.ConflictTerm)
	require.Equal(t, uint64(3), resp.ConflictIndex)

	h.node.Receive("b", &AppendEntries{Term: 3, LeaderID: "b", PrevLogIndex: 6, PrevLogTerm: 3})
	resp = h.out.take()[0].msg.(*AppendEntriesResponse)
	require.False(t, resp.Success)
	require.Zero(t, resp.ConflictTerm)
	require.Equal(t, uint64(5), resp.ConflictIndex)
	require.Equal(t, uint64(4), h.node.log.LastIndex(), "rejection never mutates the log")
}

func TestAppendEntriesTruncatesOnlyDivergentSuffix(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	seedLog(h.node, 1, 1, 2)
	h.node.term = 2

	h.node.Receive("b", &AppendEntries{
		Term: 3, LeaderID: "b", PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []Entry{
			{Term: 1, Index: 2, Command: []byte{1}},
			{Term: 3, Index: 3, Command: []byte("new")},
		},
		LeaderCommit: 1,
	})
	resp := h.out.take()[0].msg.(*AppendEntriesResponse)
	require.True(t, resp.Success)
	require.Equal(t, uint64(3), resp.MatchIndex)

	entries := h.node.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, uint64(1), entries[1].Term)
	require.Equal(t, uint64(3), entries[2].Term)
	require.Equal(t, "new", string(entries[2].Command))
	require.Equal(t, uint64(1), h.node.CommitIndex())

	// A stale, shorter copy of the same request must not cut the log.
	h.node.Receive("b", &AppendEntries{
		Term: 3, LeaderID: "b", PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []Entry{{Term: 1, Index: 2, Command: []byte{1}}},
	})
	resp = h.out.take()[0].msg.(*AppendEntriesResponse)
	require.True(t, resp.Success)
	require.Equal(t, uint64(2), resp.MatchIndex)
	require.Len(t, h.node.Entries(), 3)
}

func TestAppendEntriesRefusesToTruncateCommitted(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	seedLog(h.node, 1, 1)
	h.node.term = 1
	h.node.commitTo(2)
	h.applied = nil

	h.node.Receive("b", &AppendEntries{
		Term: 3, LeaderID: "b", PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []Entry{{Term: 2, Index: 2}},
	})
	resp := h.out.take()[0].msg.(*AppendEntriesResponse)
	require.False(t, resp.Success)
	require.Equal(t, uint64(1), h.node.log.TermAt(2))
	require.Empty(t, h.applied)
}

func TestFollowerCommitsOnlyVerifiedEntries(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	seedLog(h.node, 1, 1)
	h.node.term = 1

	// The leader's commit index covers index 2, but this heartbeat only
	// proves index 1 matches; local index 2 may be stale.
	h.node.Receive("b", &AppendEntries{Term: 2, LeaderID: "b", PrevLogIndex: 1, PrevLogTerm: 1, LeaderCommit: 2})
	require.Equal(t, uint64(1), h.node.CommitIndex())
	require.Len(t, h.applied, 1)

	h.node.Receive("b", &AppendEntries{
		Term: 2, LeaderID: "b", PrevLogIndex: 1, PrevLogTerm: 1,
		Entries:      []Entry{{Term: 2, Index: 2, Command: []byte("leader")}},
		LeaderCommit: 2,
	})
	require.Equal(t, uint64(2), h.node.CommitIndex())
	require.Len(t, h.applied, 2)
	require.Equal(t, uint64(2), h.applied[1].Term)
	require.Equal(t, "leader", string(h.applied[1].Command))
}

func TestLeaderDoesNotCommitPriorTermEntriesByCount(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	seedLog(h.node, 1)
	h.node.term = 1
	h.elect(t)
	require.Equal(t, uint64(2), h.node.Term())

	// Index 1 (term 1) is now on a majority, but it is not from this term.
	h.node.Receive("b", &AppendEntriesResponse{Term: 2, Success: true, MatchIndex: 1})
	require.Zero(t, h.node.CommitIndex())
	require.Empty(t, h.applied)

	p, ok := h.node.Propose([]byte("x"))
	require.True(t, ok)
	require.Equal(t, uint64(2), p.Index)
	h.node.Receive("b", &AppendEntriesResponse{Term: 2, Success: true, MatchIndex: 2})

	require.Equal(t, uint64(2), h.node.CommitIndex())
	require.Len(t, h.applied, 2)
	require.Equal(t, uint64(1), h.applied[0].Index)
	require.Equal(t, uint64(2), h.applied[1].Index)
}

func TestLeaderBacktracksWithConflictHint(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	seedLog(h.node, 1, 1, 3, 3)
	h.node.term = 3
	h.elect(t)

	// Follower has term 2 where the leader has none: jump to its first index.
	h.node.Receive("b", &AppendEntriesResponse{Term: 4, ConflictTerm: 2, ConflictIndex: 3})
	ae := h.out.take()[0].msg.(*AppendEntries)
	require.Equal(t, uint64(2), ae.PrevLogIndex)
	require.Len(t, ae.Entries, 2)

	// Follower has term 1 through index 2: resume after the leader's last term-1 entry.
	h.node.nextIndex["c"] = 5
	h.node.Receive("c", &AppendEntriesResponse{Term: 4, ConflictTerm: 1, ConflictIndex: 1})
	ae = h.out.take()[0].msg.(*AppendEntries)
	require.Equal(t, uint64(2), ae.PrevLogIndex)

	// Short follower log.
	h.node.Receive("c", &AppendEntriesResponse{Term: 4, ConflictIndex: 1})
	ae = h.out.take()[0].msg.(*AppendEntries)
	require.Zero(t, ae.PrevLogIndex)
	require.Len(t, ae.Entries, 4)
}

func TestStaleResponsesAreIgnored(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	h.elect(t)
	term := h.node.Term()

	h.node.Receive("b", &AppendEntriesResponse{Term: term - 1, Success: true, MatchIndex: 7})
	require.Zero(t, h.node.matchIndex["b"])
	h.node.Receive("b", &VoteResponse{Term: term, VoteGranted: true})
	require.True(t, h.node.IsLeader())
	require.Empty(t, h.out.take())
}

func TestHeartbeatTick(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	h.elect(t)

	h.now = h.node.NextDeadline().Add(-time.Millisecond)
	h.node.Tick(h.now)
	require.Empty(t, h.out.take())

	h.now = h.node.NextDeadline()
	h.node.Tick(h.now)
	msgs := h.out.take()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		_, ok := m.msg.(*AppendEntries)
		require.True(t, ok)
	}
	require.Equal(t, h.now.Add(50*time.Millisecond), h.node.NextDeadline())
}

func TestVoterAdministration(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	h.elect(t)

	p, _ := h.node.Propose([]byte("x"))
	h.out.take()
	require.Zero(t, h.node.CommitIndex())

	// Without c the quorum of {a, b} still needs b.
	h.node.RemoveVoter("c")
	require.Equal(t, []string{"a", "b"}, h.node.Voters())
	require.Zero(t, h.node.CommitIndex())

	h.node.RemoveVoter("b")
	require.Equal(t, p.Index, h.node.CommitIndex(), "sole voter commits alone")

	h.node.AddVoter("d")
	msgs := h.out.take()
	require.Len(t, msgs, 1)
	require.Equal(t, "d", msgs[0].to)
	require.Equal(t, []string{"a", "d"}, h.node.Voters())
}

func TestStatus(t *testing.T) {
	h := newHarness(t, "a", "a", "b", "c")
	h.elect(t)
	st := h.node.Status()
	require.Equal(t, "leader", st.Role)
	require.Equal(t, "a", st.Leader)
	require.Equal(t, "a", st.VotedFor)
	require.Equal(t, []string{"a", "b", "c"}, st.Voters)
}
