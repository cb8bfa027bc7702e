package decider

import (
	"github.com/dreamware/shardalloc/internal/routing"
)

// ConcurrentRebalance limits how many relocations may be in flight across
// the cluster before further rebalancing is throttled.
type ConcurrentRebalance struct {
	NoOpinion
	limit int
}

const concurrentRebalanceName = "concurrent_rebalance"

// NewConcurrentRebalance builds the decider; -1 is unlimited.
func NewConcurrentRebalance(limit int) ConcurrentRebalance {
	return ConcurrentRebalance{limit: limit}
}

// Name returns "concurrent_rebalance".
func (ConcurrentRebalance) Name() string { return concurrentRebalanceName }

// CanRebalance throttles once the cluster-wide relocation limit is reached.
func (d ConcurrentRebalance) CanRebalance(shard routing.ShardRouting, alloc *routing.Allocation) Decision {
	if d.limit == -1 {
		return Yes(concurrentRebalanceName, "unlimited concurrent rebalances are allowed")
	}
	if n := alloc.RoutingNodes().NumRelocating(); n >= d.limit {
		return Throttle(concurrentRebalanceName, "reached the limit of concurrently rebalancing shards [%d], setting [cluster_concurrent_rebalance=%d]", n, d.limit)
	}
	return Yes(concurrentRebalanceName, "below threshold [%d] for concurrent rebalances", d.limit)
}
