package coordinator

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/shardalloc/internal/allocation"
	"github.com/dreamware/shardalloc/internal/routing"
)

// AddNode registers a node, replacing an earlier registration with the same
// id.
func (s *ClusterService) AddNode(ctx context.Context, node routing.Node) (*routing.ClusterState, error) {
	return s.Submit(ctx, "node-join", func(st *routing.ClusterState) (*routing.ClusterState, error) {
		return st.WithNode(node), nil
	})
}

// RemoveNode drops a node. Its copies become unassigned and active replicas
// of lost primaries are promoted.
func (s *ClusterService) RemoveNode(ctx context.Context, nodeID string) (*routing.ClusterState, error) {
	return s.Submit(ctx, "node-left", func(st *routing.ClusterState) (*routing.ClusterState, error) {
		next, err := st.WithoutNode(nodeID)
		if err != nil {
			return nil, err
		}
		log.WithField("node", nodeID).Info("node removed from cluster")
		return next, nil
	})
}

// CreateIndex adds an index with all of its copies unassigned.
func (s *ClusterService) CreateIndex(ctx context.Context, meta routing.IndexMetadata) (*routing.ClusterState, error) {
	return s.Submit(ctx, "create-index", func(st *routing.ClusterState) (*routing.ClusterState, error) {
		return st.WithIndex(meta)
	})
}

// SplitShard starts an in-place split and returns the new child shards.
func (s *ClusterService) SplitShard(ctx context.Context, index string, shard, children int) ([]routing.ShardID, error) {
	var created []routing.ShardID
	_, err := s.Submit(ctx, "split-shard", func(st *routing.ClusterState) (*routing.ClusterState, error) {
		next, ids, err := st.SplitShard(index, shard, children)
		if err != nil {
			return nil, err
		}
		created = ids
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ShardStarted marks a recovery complete and finishes any in-place split
// whose children are now all started.
func (s *ClusterService) ShardStarted(ctx context.Context, allocationID string) (*routing.ClusterState, error) {
	return s.Submit(ctx, "shard-started", func(st *routing.ClusterState) (*routing.ClusterState, error) {
		b := st.RoutingTable().Builder()
		started, err := b.StartShard(allocationID)
		if err != nil {
			return nil, err
		}
		next, completed := st.WithRoutingTable(b.Build()).CompleteSplits()
		log.WithFields(log.Fields{
			"shard": started.ShardID.String(),
			"node":  started.NodeID,
		}).Debug("shard copy started")
		for _, parent := range completed {
			log.WithField("shard", parent.String()).Info("in-place split completed")
		}
		return next, nil
	})
}

// ShardFailed reports a failed recovery.
func (s *ClusterService) ShardFailed(ctx context.Context, allocationID, message string) (*routing.ClusterState, error) {
	return s.Submit(ctx, "shard-failed", func(st *routing.ClusterState) (*routing.ClusterState, error) {
		b := st.RoutingTable().Builder()
		failed, err := b.FailShard(allocationID, message)
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"shard":   failed.ShardID.String(),
			"message": message,
		}).Warn("shard copy failed")
		return st.WithRoutingTable(b.Build()), nil
	})
}

// Explain reports every decider's verdict for one copy against the current
// state.
func (s *ClusterService) Explain(key routing.CopyKey) (*allocation.Explanation, error) {
	return s.allocator.Explain(s.State(), key)
}
