// Package gossip implements epidemic key/value dissemination for
// zephyrmesh. Every write is stamped with a vector clock snapshot, a
// Lamport-style version and its originator, which together give all
// nodes the same total order over writes to a key. Periodic rounds push
// the entries a peer has not seen yet to a few randomly chosen peers,
// with an occasional full-state push (anti-entropy) to repair loss.
//
// Typical usage:
//
//	g, _ := gossip.New(gossip.Config{NodeID: "node1", Fanout: 2}, sender)
//	g.Set("color", []byte("blue"))
//	g.Tick(peers)          // every GossipInterval
//	g.Receive(msg)         // for each inbound gossip message
//
// A Gossiper is a single-threaded core: the mesh orchestrator owns it and
// calls it from one goroutine.
package gossip
