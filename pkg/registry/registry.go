// Package registry bootstraps mesh peers from etcd. Each node keeps its
// mesh address under Prefix+id, attached to a lease it keeps alive, so a
// crashed node drops out once its lease expires.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const Prefix = "/zephyrmesh/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode writes id -> addr under a lease of ttl seconds and keeps
// the lease alive until cancel is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Prefix+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", id, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		// keepalive responses must be consumed
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// ListPeers returns every registered node and the store revision read.
func ListPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		applyEvent(peers, mvccpb.PUT, kv)
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the full peer map once, then again after
// every change, until ctx ends.
func WatchPeers(ctx context.Context, cli *clientv3.Client, logger *zap.Logger, fn func(map[string]string)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	peers, rev, err := ListPeers(ctx, cli)
	if err != nil {
		return err
	}
	fn(copyPeers(peers))

	go func() {
		wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range wch {
			if err := resp.Err(); err != nil {
				logger.Warn("peer watch", zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				applyEvent(peers, ev.Type, ev.Kv)
			}
			fn(copyPeers(peers))
		}
	}()
	return nil
}

func applyEvent(peers map[string]string, typ mvccpb.Event_EventType, kv *mvccpb.KeyValue) {
	if kv == nil {
		return
	}
	id := strings.TrimPrefix(string(kv.Key), Prefix)
	if id == "" || id == string(kv.Key) {
		return
	}
	switch typ {
	case mvccpb.PUT:
		peers[id] = string(kv.Value)
	case mvccpb.DELETE:
		delete(peers, id)
	}
}

func copyPeers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
