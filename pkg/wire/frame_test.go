package wire

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrmesh/pkg/clock"
	"github.com/ryandielhenn/zephyrmesh/pkg/consensus"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

func TestEncodeDecodeEveryKind(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bodies := []Body{
		Gossip{Message: &gossip.Message{ID: "m1", Sender: "a", Entries: []gossip.Entry{{
			Key: "k", Value: []byte("v"), Clock: clock.VectorClock{"a": 2}, Originator: "a", Version: 2,
		}}}},
		Consensus{Message: &consensus.VoteRequest{Term: 3, CandidateID: "a", LastLogIndex: 7, LastLogTerm: 2}},
		Consensus{Message: &consensus.VoteResponse{Term: 3, VoteGranted: true}},
		Consensus{Message: &consensus.AppendEntries{Term: 3, LeaderID: "a", PrevLogIndex: 1, PrevLogTerm: 1,
			Entries: []consensus.Entry{{Term: 3, Index: 2, Command: []byte("cmd"), CreatedAt: now}}, LeaderCommit: 1}},
		Consensus{Message: &consensus.AppendEntriesResponse{Term: 3, ConflictIndex: 2, ConflictTerm: 1}},
		App{Payload: []byte("hello")},
		Ping{SentAt: now},
	}

	seen := map[Kind]bool{}
	for _, b := range bodies {
		raw, err := Encode("a", b)
		require.NoError(t, err, "kind %s", b.Kind())

		f, err := Decode(raw)
		require.NoError(t, err, "kind %s", b.Kind())
		require.Equal(t, "a", f.Sender)
		require.Equal(t, b.Kind(), f.Body.Kind())
		require.Equal(t, b, f.Body)
		seen[b.Kind()] = true
	}
	require.Len(t, seen, len(Kinds))
}

func TestEnvelopeShape(t *testing.T) {
	raw, err := Encode("node-1", Consensus{Message: &consensus.VoteResponse{Term: 4}})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"voteResponse","sender":"node-1","body":{"term":4,"voteGranted":false}}`, string(raw))
}

func TestEncodeRejectsEmptyBodies(t *testing.T) {
	_, err := Encode("a", nil)
	require.Error(t, err)
	_, err = Encode("a", Gossip{})
	require.Error(t, err)
	_, err = Encode("a", Consensus{})
	require.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		kind string
	}{
		{"not json", `{{{`, ""},
		{"missing kind", `{"sender":"a","body":{}}`, ""},
		{"unknown kind", `{"kind":"bogus","sender":"a","body":{}}`, "bogus"},
		{"missing sender", `{"kind":"ping","body":{}}`, "ping"},
		{"missing body", `{"kind":"ping","sender":"a"}`, "ping"},
		{"null body", `{"kind":"app","sender":"a","body":null}`, "app"},
		{"bad body type", `{"kind":"voteRequest","sender":"a","body":{"term":"x"}}`, "voteRequest"},
		{"vote without candidate", `{"kind":"voteRequest","sender":"a","body":{"term":1}}`, "voteRequest"},
		{"append without leader", `{"kind":"appendEntries","sender":"a","body":{"term":1}}`, "appendEntries"},
		{"gossip entry without key", `{"kind":"gossip","sender":"a","body":{"entries":[{"originator":"a"}]}}`, "gossip"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "got %v", err)
			require.Equal(t, tc.kind, pe.Kind)
			require.Contains(t, pe.Error(), "wire: malformed")
		})
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	big := `{"kind":"app","sender":"a","body":{"payload":"` + strings.Repeat("A", MaxFrameSize) + `"}}`
	_, err := Decode([]byte(big))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseErrorUnwraps(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"ping","sender":"a","body":{"sentAt":12}}`))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.NotNil(t, errors.Unwrap(pe))
}
