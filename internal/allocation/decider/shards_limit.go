package decider

import (
	"github.com/dreamware/shardalloc/internal/routing"
)

// ShardsLimit caps how many copies a node may hold, per index through the
// index's TotalShardsPerNode and across all indices through the cluster
// limit. Counts are recomputed from the context on every call.
type ShardsLimit struct {
	NoOpinion
	clusterLimit int
}

const shardsLimitName = "shards_limit"

// NewShardsLimit builds the decider; a cluster limit of -1 is unlimited.
func NewShardsLimit(clusterLimit int) ShardsLimit {
	return ShardsLimit{clusterLimit: clusterLimit}
}

// Name returns "shards_limit".
func (ShardsLimit) Name() string { return shardsLimitName }

// CanAllocate vetoes a node already holding the limit of other copies.
func (d ShardsLimit) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	return d.check(shard, node, alloc)
}

// CanRemain uses the same count, which leaves the copy itself out, so it
// vetoes a node holding more than the limit.
func (d ShardsLimit) CanRemain(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	return d.check(shard, node, alloc)
}

func (d ShardsLimit) check(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	indexLimit := -1
	if meta, ok := alloc.Index(shard.ShardID.Index); ok && meta.TotalShardsPerNode > 0 {
		indexLimit = meta.TotalShardsPerNode
	}
	if indexLimit <= 0 && d.clusterLimit <= 0 {
		return Yes(shardsLimitName, "total shard limits are disabled: [index: %d, cluster: %d] <= 0", indexLimit, d.clusterLimit)
	}

	total, ofIndex := 0, 0
	count := func(c routing.ShardRouting) {
		if c.SameCopy(shard) {
			return
		}
		total++
		if c.ShardID.Index == shard.ShardID.Index {
			ofIndex++
		}
	}
	for _, c := range node.Copies() {
		count(c)
	}
	for _, c := range node.Incoming() {
		count(c)
	}

	if d.clusterLimit > 0 && total >= d.clusterLimit {
		return No(shardsLimitName, "too many shards [%d] allocated to this node, cluster setting [total_shards_per_node=%d]", total, d.clusterLimit)
	}
	if indexLimit > 0 && ofIndex >= indexLimit {
		return No(shardsLimitName, "too many shards [%d] allocated to this node for index [%s], index setting [total_shards_per_node=%d]",
			ofIndex, shard.ShardID.Index, indexLimit)
	}
	return Yes(shardsLimitName, "the shard count [%d] for this node is under the index limit [%d] and cluster level node limit [%d]",
		ofIndex, indexLimit, d.clusterLimit)
}
