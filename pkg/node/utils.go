package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// LeaderAddr returns the normalized HTTP address of the current leader,
// as advertised through gossip.
func (n *Node) LeaderAddr() (leaderHP string, ok bool) {
	leader := n.mesh.Leader()
	if leader == "" {
		return "", false
	}
	addr, ok := n.mesh.Get(httpAddrKey(leader))
	if !ok || len(addr) == 0 {
		return "", false
	}
	return NormalizeHostPort(string(addr), defaultPort), true
}
