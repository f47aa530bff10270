package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time, and item counts.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID        int       `json:"pid"`
		Now        time.Time `json:"now"`
		ID         string    `json:"id"`
		Leader     string    `json:"leader,omitempty"`
		Items      int       `json:"items"`
		Applied    uint64    `json:"applied"`
		GossipKeys int       `json:"gossipKeys"`
	}
	writeJSON(w, resp{
		PID:        os.Getpid(),
		Now:        time.Now(),
		ID:         n.mesh.ID(),
		Leader:     n.mesh.Leader(),
		Items:      n.sm.Store().Len(),
		Applied:    n.sm.AppliedIndex(),
		GossipKeys: len(n.mesh.Keys("")),
	})
}

func (n *Node) Status(w http.ResponseWriter, _ *http.Request) {
	s, err := n.mesh.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s)
}

func (n *Node) Nodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, n.mesh.Nodes())
}

// ---- gossiped KV ----

func (n *Node) GossipGet(w http.ResponseWriter, req *http.Request) {
	val, ok := n.mesh.Get(req.PathValue("key"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

func (n *Node) GossipPut(w http.ResponseWriter, req *http.Request) {
	val, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := n.mesh.Set(req.PathValue("key"), val); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) GossipDel(w http.ResponseWriter, req *http.Request) {
	if err := n.mesh.Delete(req.PathValue("key")); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- replicated store ----

// Get reads the local replica of the replicated store.
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	val, ok := n.sm.Store().Get(req.PathValue("key"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

// Put replicates a key/value pair through the log. Followers forward to
// the leader.
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	if !n.mesh.IsLeader() {
		n.forwardToLeader(w, req)
		return
	}
	val, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
		sec, err := strconv.Atoi(ttlStr)
		if err != nil || sec < 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(sec) * time.Second
	}
	n.commit(w, req, kv.Command{Op: kv.OpPut, Key: req.PathValue("key"), Value: val, TTL: ttl})
}

// Del removes a key through the log.
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	if !n.mesh.IsLeader() {
		n.forwardToLeader(w, req)
		return
	}
	n.commit(w, req, kv.Command{Op: kv.OpDelete, Key: req.PathValue("key")})
}

func (n *Node) commit(w http.ResponseWriter, req *http.Request, cmd kv.Command) {
	data, err := cmd.Encode()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), n.timeout)
	defer cancel()

	e, err := n.mesh.ProposeWait(ctx, data)
	switch {
	case err == nil:
		w.Header().Set("X-Zephyr-Index", strconv.FormatUint(e.Index, 10))
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, mesh.ErrNotLeader):
		// leadership moved after the check; the body was consumed into cmd
		req.Body = io.NopCloser(bytes.NewReader(cmd.Value))
		req.ContentLength = int64(len(cmd.Value))
		n.forwardToLeader(w, req)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "commit timed out", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

func (n *Node) forwardToLeader(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get(forwardedHeader) != "" {
		http.Error(w, "not the leader", http.StatusServiceUnavailable)
		return
	}
	leader, ok := n.LeaderAddr()
	if !ok {
		http.Error(w, "no leader", http.StatusServiceUnavailable)
		return
	}
	n.logger.Debug("forwarding to leader",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.String("leader", leader))
	n.Forward(w, req, leader)
}

// Forward proxies req to owner and copies back the response.
func (n *Node) Forward(w http.ResponseWriter, req *http.Request, owner string) {
	if owner == "" {
		http.Error(w, "no owner for request", http.StatusServiceUnavailable)
		return
	}

	hostport := NormalizeHostPort(owner, defaultPort)
	if NormalizeHostPort(n.addr, defaultPort) == hostport {
		http.Error(w, "refusing to forward to self", http.StatusInternalServerError)
		return
	}
	target := *req.URL
	target.Scheme = "http"
	target.Host = hostport

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	out.ContentLength = req.ContentLength
	out.Header = req.Header.Clone()
	out.Header.Set("X-Forwarded-For", req.RemoteAddr)
	out.Header.Set(forwardedHeader, n.mesh.ID())

	resp, err := n.client.Do(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// Broadcast sends the request body to every connected peer.
func (n *Node) Broadcast(w http.ResponseWriter, req *http.Request) {
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := n.mesh.Broadcast(payload); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
