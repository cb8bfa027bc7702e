package decider

import (
	"github.com/dreamware/shardalloc/internal/routing"
)

// ReplicaAfterPrimaryActive only lets replicas allocate or move once their
// primary holds a full copy of the data.
type ReplicaAfterPrimaryActive struct {
	NoOpinion
}

const replicaAfterPrimaryName = "replica_after_primary_active"

// Name returns "replica_after_primary_active".
func (ReplicaAfterPrimaryActive) Name() string { return replicaAfterPrimaryName }

// CanAllocate applies the same rule as CanRebalance.
func (d ReplicaAfterPrimaryActive) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	return d.CanRebalance(shard, alloc)
}

// CanRebalance vetoes replicas whose primary is not started or relocating.
func (ReplicaAfterPrimaryActive) CanRebalance(shard routing.ShardRouting, alloc *routing.Allocation) Decision {
	if shard.Primary {
		return Yes(replicaAfterPrimaryName, "shard is primary and can be allocated")
	}
	primary, ok := alloc.RoutingTable().Primary(shard.ShardID)
	if !ok || !primary.Active() {
		return No(replicaAfterPrimaryName, "primary shard for this replica is not yet active")
	}
	return Yes(replicaAfterPrimaryName, "primary shard for this replica is already active")
}
