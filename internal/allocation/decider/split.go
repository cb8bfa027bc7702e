package decider

import (
	"github.com/dreamware/shardalloc/internal/routing"
)

// InPlaceShardSplit keeps the children of an in-place split on nodes that
// host the shard they are split from, until the split completes.
//
// The parent is looked up by identity in the allocation context on every
// call. A parent that is relocating is hosted by its source node until the
// move completes.
type InPlaceShardSplit struct {
	NoOpinion
}

const splitName = "in_place_shard_split"

// Name returns "in_place_shard_split".
func (InPlaceShardSplit) Name() string { return splitName }

// CanAllocate allows a child copy only on a node hosting its parent.
//
// Decisions:
//   - no parent: neutral YES
//   - parent missing from the routing table: NO, unresolvable dependency
//   - parent not assigned anywhere: NO
//   - node hosts the parent (initializing, started or relocating away): YES
//   - otherwise: NO
func (InPlaceShardSplit) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	if shard.ParentShardID == nil {
		return Always
	}
	parent := *shard.ParentShardID

	table := alloc.RoutingTable()
	if !table.Has(parent) {
		return No(splitName, "unresolvable dependency: parent shard %s of %s does not exist", parent, shard.ShardID)
	}
	assigned := false
	for _, c := range table.Copies(parent) {
		if c.Assigned() {
			assigned = true
			break
		}
	}
	if !assigned {
		return No(splitName, "parent shard %s is not yet assigned to any node", parent)
	}

	if hosted, ok := node.ByShardID(parent); ok {
		return Yes(splitName, "found routing [%s] for parent shard %s on node [%s]", hosted, parent, node.ID())
	}
	return No(splitName, "parent shard %s is not present on node [%s]", parent, node.ID())
}

// CanRebalance pins both sides of a pending split: children must stay with
// the parent, and the parent must stay with the children.
func (InPlaceShardSplit) CanRebalance(shard routing.ShardRouting, alloc *routing.Allocation) Decision {
	if shard.ParentShardID != nil {
		return No(splitName, "shard %s is a child of the in-progress split of %s", shard.ShardID, *shard.ParentShardID)
	}
	if children := alloc.RoutingTable().Children(shard.ShardID); len(children) > 0 {
		return No(splitName, "shard %s is being split into %v", shard.ShardID, children)
	}
	return Always
}
