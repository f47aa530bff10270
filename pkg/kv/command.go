package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/consensus"
)

var ErrBadCommand = errors.New("kv: malformed command")

type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Command is the payload of a consensus log entry.
type Command struct {
	Op    Op     `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
	// TTL counts from the entry's creation time on the leader, so every
	// replica computes the same expiry.
	TTL time.Duration `json:"ttl,omitempty"`
}

func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	if c.Key == "" {
		return Command{}, fmt.Errorf("%w: empty key", ErrBadCommand)
	}
	switch c.Op {
	case OpPut, OpDelete:
	default:
		return Command{}, fmt.Errorf("%w: unknown op %q", ErrBadCommand, c.Op)
	}
	return c, nil
}

// StateMachine applies committed log entries to a Store.
type StateMachine struct {
	store  *Store
	logger *zap.Logger

	mu      sync.Mutex
	applied uint64
	skipped uint64
}

func NewStateMachine(store *Store, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{store: store, logger: logger.Named("kv")}
}

// Apply executes e. Entries at or below the applied index are ignored.
// A malformed command still advances the applied index, so all replicas
// skip it alike.
func (m *StateMachine) Apply(e consensus.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Index <= m.applied {
		return nil
	}
	m.applied = e.Index
	m.store.Expire(e.CreatedAt)

	c, err := DecodeCommand(e.Command)
	if err != nil {
		m.skipped++
		m.logger.Warn("skipping command", zap.Uint64("index", e.Index), zap.Error(err))
		return err
	}
	switch c.Op {
	case OpPut:
		var exp time.Time
		if c.TTL > 0 {
			exp = e.CreatedAt.Add(c.TTL)
		}
		m.store.Put(c.Key, c.Value, exp)
	case OpDelete:
		m.store.Delete(c.Key)
	}
	return nil
}

func (m *StateMachine) AppliedIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

func (m *StateMachine) Store() *Store { return m.store }
