package decider

import (
	"github.com/dreamware/shardalloc/internal/routing"
)

// Enable applies the cluster wide switches for allocation and rebalancing.
// The allocation switch only governs unassigned copies; moving assigned
// copies is governed by the rebalance switch.
type Enable struct {
	NoOpinion
	allocation string
	rebalance  string
}

const enableName = "enable"

// NewEnable builds the decider from the allocation switch (EnableAll,
// EnablePrimaries, EnableNewPrimaries or EnableNone) and the rebalance
// switch (EnableAll, EnablePrimaries, EnableReplicas or EnableNone).
// Settings.Validate rejects other values.
func NewEnable(allocation, rebalance string) Enable {
	return Enable{allocation: allocation, rebalance: rebalance}
}

// Name returns "enable".
func (Enable) Name() string { return enableName }

// CanAllocate applies the allocation switch to unassigned copies.
func (d Enable) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	if shard.Assigned() {
		return Yes(enableName, "copy is already assigned")
	}
	switch d.allocation {
	case EnableAll:
		return Yes(enableName, "all allocations are allowed")
	case EnableNone:
		return No(enableName, "no allocations are allowed due to cluster setting [enable=none]")
	case EnableNewPrimaries:
		if shard.InitialPrimary() {
			return Yes(enableName, "new primary allocations are allowed")
		}
		return No(enableName, "non-new primary allocations are forbidden due to cluster setting [enable=new_primaries]")
	case EnablePrimaries:
		if shard.Primary {
			return Yes(enableName, "primary allocations are allowed")
		}
		return No(enableName, "replica allocations are forbidden due to cluster setting [enable=primaries]")
	}
	return No(enableName, "unknown allocation setting [enable=%s]", d.allocation)
}

// CanRebalance applies the rebalance switch.
func (d Enable) CanRebalance(shard routing.ShardRouting, alloc *routing.Allocation) Decision {
	switch d.rebalance {
	case EnableAll:
		return Yes(enableName, "all rebalancing is allowed")
	case EnableNone:
		return No(enableName, "no rebalancing is allowed due to cluster setting [rebalance_enable=none]")
	case EnablePrimaries:
		if shard.Primary {
			return Yes(enableName, "primary rebalancing is allowed")
		}
		return No(enableName, "replica rebalancing is forbidden due to cluster setting [rebalance_enable=primaries]")
	case EnableReplicas:
		if !shard.Primary {
			return Yes(enableName, "replica rebalancing is allowed")
		}
		return No(enableName, "primary rebalancing is forbidden due to cluster setting [rebalance_enable=replicas]")
	}
	return No(enableName, "unknown rebalance setting [rebalance_enable=%s]", d.rebalance)
}
