package mesh

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds the tunables of a Mesh.
type Config struct {
	NodeID string
	// Address is advertised to peers in signals; empty means the
	// network's own address.
	Address string
	Region  string
	// Voters is the consensus quorum set. Empty means a single-node
	// cluster of NodeID; a node outside the set replicates nothing and
	// never campaigns.
	Voters []string

	GossipInterval   time.Duration
	GossipFanout     int
	AntiEntropyEvery int

	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	MaxAppendEntries  int

	SuspectTimeout time.Duration
	DeadTimeout    time.Duration
	// PingInterval paces liveness pings and reconnection attempts.
	PingInterval time.Duration
	DialTimeout  time.Duration

	// Seed fixes the random source for peer selection and election
	// jitter. Zero seeds from the clock.
	Seed   int64
	Logger *zap.Logger
}

// DefaultConfig returns a Config with LAN-friendly timings. An empty
// nodeID is replaced with a random UUID.
func DefaultConfig(nodeID string) Config {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return Config{
		NodeID:            nodeID,
		GossipInterval:    200 * time.Millisecond,
		GossipFanout:      3,
		AntiEntropyEvery:  10,
		ElectionTimeout:   300 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		MaxAppendEntries:  64,
		SuspectTimeout:    2 * time.Second,
		DeadTimeout:       6 * time.Second,
		PingInterval:      500 * time.Millisecond,
		DialTimeout:       3 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: node ID is required", ErrInvalidConfig)
	}
	if c.GossipInterval <= 0 || c.PingInterval <= 0 {
		return fmt.Errorf("%w: gossip and ping intervals must be positive", ErrInvalidConfig)
	}
	if c.GossipFanout < 1 {
		return fmt.Errorf("%w: gossip fanout must be at least 1", ErrInvalidConfig)
	}
	if c.AntiEntropyEvery < 1 {
		return fmt.Errorf("%w: anti-entropy period must be at least 1", ErrInvalidConfig)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeout {
		return fmt.Errorf("%w: heartbeat interval must be positive and below election timeout", ErrInvalidConfig)
	}
	if c.SuspectTimeout <= 0 || c.SuspectTimeout >= c.DeadTimeout {
		return fmt.Errorf("%w: suspect timeout must be positive and below dead timeout", ErrInvalidConfig)
	}
	if c.MaxAppendEntries < 0 {
		return fmt.Errorf("%w: max append entries cannot be negative", ErrInvalidConfig)
	}
	for _, v := range c.Voters {
		if v == "" {
			return fmt.Errorf("%w: empty voter ID", ErrInvalidConfig)
		}
	}
	return nil
}
