package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ryandielhenn/zephyrmesh/pkg/consensus"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// MaxFrameSize bounds a single encoded frame.
const MaxFrameSize = 4 << 20

// Kind is the tag that selects how a frame body is interpreted.
type Kind string

const (
	KindGossip                Kind = "gossip"
	KindVoteRequest           Kind = "voteRequest"
	KindVoteResponse          Kind = "voteResponse"
	KindAppendEntries         Kind = "appendEntries"
	KindAppendEntriesResponse Kind = "appendEntriesResponse"
	KindApp                   Kind = "app"
	KindPing                  Kind = "ping"
)

// Kinds lists every valid kind.
var Kinds = []Kind{
	KindGossip, KindVoteRequest, KindVoteResponse,
	KindAppendEntries, KindAppendEntriesResponse, KindApp, KindPing,
}

// Body is the payload of a frame. Implementations are Gossip, Consensus,
// App and Ping; no others exist.
type Body interface {
	Kind() Kind
	body()
}

// Gossip carries a gossip round.
type Gossip struct {
	Message *gossip.Message
}

// Consensus carries one Raft RPC.
type Consensus struct {
	Message consensus.Message
}

// App is an opaque application broadcast, passed through untouched.
type App struct {
	Payload []byte `json:"payload"`
}

// Ping is a liveness heartbeat.
type Ping struct {
	SentAt time.Time `json:"sentAt"`
}

func (Gossip) Kind() Kind { return KindGossip }
func (App) Kind() Kind    { return KindApp }
func (Ping) Kind() Kind   { return KindPing }

func (c Consensus) Kind() Kind {
	switch c.Message.(type) {
	case *consensus.VoteRequest:
		return KindVoteRequest
	case *consensus.VoteResponse:
		return KindVoteResponse
	case *consensus.AppendEntries:
		return KindAppendEntries
	case *consensus.AppendEntriesResponse:
		return KindAppendEntriesResponse
	default:
		return ""
	}
}

func (Gossip) body()    {}
func (Consensus) body() {}
func (App) body()       {}
func (Ping) body()      {}

// Frame is a decoded message from a peer.
type Frame struct {
	Sender string
	Body   Body
}

type envelope struct {
	Kind   Kind            `json:"kind"`
	Sender string          `json:"sender"`
	Body   json.RawMessage `json:"body"`
}

var errNilBody = errors.New("nil body")

// Encode serializes a frame from sender.
func Encode(sender string, b Body) ([]byte, error) {
	if b == nil {
		return nil, errNilBody
	}
	var payload any
	switch v := b.(type) {
	case Gossip:
		if v.Message == nil {
			return nil, errNilBody
		}
		payload = v.Message
	case Consensus:
		if v.Message == nil || v.Kind() == "" {
			return nil, fmt.Errorf("wire: unsupported consensus message %T", v.Message)
		}
		payload = v.Message
	case App:
		payload = v
	case Ping:
		payload = v
	default:
		return nil, fmt.Errorf("wire: unsupported body %T", b)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", b.Kind(), err)
	}
	return json.Marshal(envelope{Kind: b.Kind(), Sender: sender, Body: raw})
}

// Decode parses one frame. Every failure is a *ParseError.
func Decode(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, parseErr("", fmt.Sprintf("frame of %d bytes exceeds limit", len(data)), nil)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, parseErr("", "invalid envelope", err)
	}
	if env.Sender == "" {
		return Frame{}, parseErr(env.Kind, "missing sender", nil)
	}
	if len(env.Body) == 0 || string(env.Body) == "null" {
		return Frame{}, parseErr(env.Kind, "missing body", nil)
	}

	body, err := decodeBody(env.Kind, env.Body)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Sender: env.Sender, Body: body}, nil
}

func decodeBody(kind Kind, raw json.RawMessage) (Body, error) {
	unmarshal := func(v any) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return parseErr(kind, "invalid body", err)
		}
		return nil
	}

	switch kind {
	case KindGossip:
		var m gossip.Message
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		for i, e := range m.Entries {
			if e.Key == "" || e.Originator == "" {
				return nil, parseErr(kind, fmt.Sprintf("entry %d lacks key or originator", i), nil)
			}
		}
		return Gossip{Message: &m}, nil

	case KindVoteRequest:
		var m consensus.VoteRequest
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		if m.CandidateID == "" {
			return nil, parseErr(kind, "missing candidateId", nil)
		}
		return Consensus{Message: &m}, nil

	case KindVoteResponse:
		var m consensus.VoteResponse
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return Consensus{Message: &m}, nil

	case KindAppendEntries:
		var m consensus.AppendEntries
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		if m.LeaderID == "" {
			return nil, parseErr(kind, "missing leaderId", nil)
		}
		return Consensus{Message: &m}, nil

	case KindAppendEntriesResponse:
		var m consensus.AppendEntriesResponse
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return Consensus{Message: &m}, nil

	case KindApp:
		var m App
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil

	case KindPing:
		var m Ping
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil

	case "":
		return nil, parseErr(kind, "missing kind", nil)
	default:
		return nil, parseErr(kind, "unknown kind", nil)
	}
}
