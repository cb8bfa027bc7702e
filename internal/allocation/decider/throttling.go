package decider

import (
	"github.com/dreamware/shardalloc/internal/routing"
)

// Throttling limits how many recoveries run against a node at once. It never
// vetoes: a node at its limit answers THROTTLE and the copy waits for a later
// cycle.
type Throttling struct {
	NoOpinion
	concurrentRecoveries int
	initialPrimaries     int
}

const throttlingName = "throttling"

// NewThrottling builds the decider.
//
// Parameters:
//   - concurrentRecoveries: Recoveries a node may receive, and send, at once
//   - initialPrimaries: Brand new primaries a node may initialize at once
func NewThrottling(concurrentRecoveries, initialPrimaries int) Throttling {
	return Throttling{concurrentRecoveries: concurrentRecoveries, initialPrimaries: initialPrimaries}
}

// Name returns "throttling".
func (Throttling) Name() string { return throttlingName }

// CanAllocate throttles a node whose recovery budget is used up. Replicas
// and relocations also count against the node the data is copied from.
func (d Throttling) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	// new primaries start from an empty store and have their own budget
	if shard.IsUnassigned() && shard.InitialPrimary() {
		if n := node.NumInitializingPrimaries(); n >= d.initialPrimaries {
			return Throttle(throttlingName, "reached the limit of ongoing initial primary recoveries [%d], setting [node_initial_primaries_recoveries=%d]",
				n, d.initialPrimaries)
		}
		return Yes(throttlingName, "below primary recovery limit of [%d]", d.initialPrimaries)
	}

	if n := node.NumIncomingRecoveries(); n >= d.concurrentRecoveries {
		return Throttle(throttlingName, "reached the limit of incoming shard recoveries [%d], setting [node_concurrent_recoveries=%d]",
			n, d.concurrentRecoveries)
	}

	// the source of a recovery is the primary for new replicas and the copy
	// itself for relocations
	source := shard.NodeID
	if !shard.Assigned() && !shard.Primary {
		if primary, ok := alloc.RoutingTable().Primary(shard.ShardID); ok && primary.Active() {
			source = primary.NodeID
		}
	}
	if source != "" {
		if sourceNode, ok := alloc.RoutingNodes().Node(source); ok {
			if n := sourceNode.NumOutgoingRecoveries(); n >= d.concurrentRecoveries {
				return Throttle(throttlingName, "reached the limit of outgoing shard recoveries [%d] on the node [%s] which holds the source copy, setting [node_concurrent_recoveries=%d]",
					n, source, d.concurrentRecoveries)
			}
		}
	}
	return Yes(throttlingName, "below shard recovery limit of [%d]", d.concurrentRecoveries)
}
