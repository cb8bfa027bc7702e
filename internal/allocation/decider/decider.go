package decider

import (
	"github.com/dreamware/shardalloc/internal/routing"
)

// Decider implements one placement rule. Deciders are stateless: every
// answer is a pure function of the copy, the node and the allocation
// context, which they must not modify.
type Decider interface {
	// Name identifies the decider in decisions, logs and metrics.
	Name() string
	// CanAllocate decides whether shard may be placed on node.
	CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision
	// CanRemain decides whether shard may stay on the node it is on.
	CanRemain(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision
	// CanRebalance decides whether shard may be moved to balance the cluster.
	CanRebalance(shard routing.ShardRouting, alloc *routing.Allocation) Decision
}

// NoOpinion answers YES to every question. Deciders embed it and override
// the operations they care about.
type NoOpinion struct{}

// CanAllocate answers YES.
func (NoOpinion) CanAllocate(routing.ShardRouting, *routing.RoutingNode, *routing.Allocation) Decision {
	return Always
}

// CanRemain answers YES.
func (NoOpinion) CanRemain(routing.ShardRouting, *routing.RoutingNode, *routing.Allocation) Decision {
	return Always
}

// CanRebalance answers YES.
func (NoOpinion) CanRebalance(routing.ShardRouting, *routing.Allocation) Decision {
	return Always
}
