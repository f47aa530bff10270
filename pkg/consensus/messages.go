package consensus

// Message is one of the four consensus RPCs. The set is closed.
type Message interface {
	GetTerm() uint64
	consensusMessage()
}

type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidateId"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

type VoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
}

type AppendEntries struct {
	Term         uint64  `json:"term"`
	LeaderID     string  `json:"leaderId"`
	PrevLogIndex uint64  `json:"prevLogIndex"`
	PrevLogTerm  uint64  `json:"prevLogTerm"`
	Entries      []Entry `json:"entries,omitempty"`
	LeaderCommit uint64  `json:"leaderCommit"`
}

// AppendEntriesResponse carries MatchIndex on success and a conflict hint
// on rejection so the leader can skip a whole term at a time.
type AppendEntriesResponse struct {
	Term          uint64 `json:"term"`
	Success       bool   `json:"success"`
	MatchIndex    uint64 `json:"matchIndex,omitempty"`
	ConflictIndex uint64 `json:"conflictIndex,omitempty"`
	ConflictTerm  uint64 `json:"conflictTerm,omitempty"`
}

func (m *VoteRequest) GetTerm() uint64           { return m.Term }
func (m *VoteResponse) GetTerm() uint64          { return m.Term }
func (m *AppendEntries) GetTerm() uint64         { return m.Term }
func (m *AppendEntriesResponse) GetTerm() uint64 { return m.Term }

func (*VoteRequest) consensusMessage()           {}
func (*VoteResponse) consensusMessage()          {}
func (*AppendEntries) consensusMessage()         {}
func (*AppendEntriesResponse) consensusMessage() {}

// Sender delivers consensus messages. Delivery may drop, duplicate or
// reorder; the protocol tolerates all three.
type Sender interface {
	Send(to string, msg Message)
}

type SenderFunc func(to string, msg Message)

func (f SenderFunc) Send(to string, msg Message) { f(to, msg) }
