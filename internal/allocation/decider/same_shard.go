package decider

import (
	"github.com/dreamware/shardalloc/internal/routing"
)

// SameShard prevents two copies of one shard from sharing a node.
type SameShard struct {
	NoOpinion
}

const sameShardName = "same_shard"

// Name returns "same_shard".
func (SameShard) Name() string { return sameShardName }

// CanAllocate vetoes a node that holds, or is receiving, another copy of
// the same shard.
func (SameShard) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	for _, c := range append(node.Copies(), node.Incoming()...) {
		if c.ShardID == shard.ShardID && !c.SameCopy(shard) {
			return No(sameShardName, "a copy of this shard is already allocated to this node [%s]", c)
		}
	}
	return Yes(sameShardName, "this node does not hold a copy of this shard")
}
