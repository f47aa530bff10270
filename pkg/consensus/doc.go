// Package consensus implements a single-leader replicated log in the Raft
// family: randomized elections, log replication with a conflict hint for
// fast backtracking, and the current-term commit rule.
//
// A Node is a deterministic state machine. It owns no goroutines or
// timers; the caller drives it:
//
//	n, _ := consensus.New(cfg, sender, consensus.Hooks{Apply: apply})
//	n.Receive(from, msg)      // every inbound RPC
//	n.Tick(now)               // at or after n.NextDeadline()
//	n.Propose(cmd)            // leader only; false elsewhere
//
// Committed entries reach Hooks.Apply in index order exactly once per
// node. Only crash and partition faults are tolerated; nothing here
// defends against nodes that lie.
package consensus
