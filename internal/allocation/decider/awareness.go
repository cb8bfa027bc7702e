package decider

import (
	"github.com/dreamware/shardalloc/internal/routing"
)

// Awareness spreads the copies of a shard over the values of the configured
// node attributes, such as zone or rack. A node without the attribute gets
// no copies, and no attribute value may hold more than its fair share,
// ceil(copies / values).
type Awareness struct {
	NoOpinion
	attributes []string
}

const awarenessName = "awareness"

// NewAwareness builds the decider for the given attribute names, for example
// []string{"zone"} or []string{"zone", "rack"}. With no attributes every
// node is allowed.
func NewAwareness(attributes []string) Awareness {
	return Awareness{attributes: append([]string(nil), attributes...)}
}

// Name returns "awareness".
func (Awareness) Name() string { return awarenessName }

// CanAllocate vetoes nodes without the attributes and over-full values.
func (d Awareness) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	return d.check(shard, node, alloc)
}

// CanRemain applies the same rule to the node a copy is on.
func (d Awareness) CanRemain(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	return d.check(shard, node, alloc)
}

func (d Awareness) check(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	if len(d.attributes) == 0 {
		return Yes(awarenessName, "allocation awareness is not enabled")
	}
	nodes := alloc.RoutingNodes()
	totalCopies := len(alloc.RoutingTable().Copies(shard.ShardID))
	if meta, ok := alloc.Index(shard.ShardID.Index); ok {
		totalCopies = 1 + meta.NumberOfReplicas
	}

	for _, attr := range d.attributes {
		value, ok := node.Node().Attribute(attr)
		if !ok {
			return No(awarenessName, "node does not contain the awareness attribute [%s]", attr)
		}

		distinct := make(map[string]struct{})
		for _, n := range nodes.All() {
			if v, ok := n.Node().Attribute(attr); ok {
				distinct[v] = struct{}{}
			}
		}

		// a relocating copy is counted where it is going
		sameValue := 1
		for _, c := range alloc.RoutingTable().Copies(shard.ShardID) {
			if c.SameCopy(shard) || !c.Assigned() {
				continue
			}
			at := c.NodeID
			if c.Relocating() {
				at = c.RelocatingNodeID
			}
			other, ok := nodes.Node(at)
			if !ok {
				continue
			}
			if v, ok := other.Node().Attribute(attr); ok && v == value {
				sameValue++
			}
		}

		limit := (totalCopies + len(distinct) - 1) / len(distinct)
		if sameValue > limit {
			return No(awarenessName, "there are too many copies of the shard allocated to nodes with attribute [%s], there are [%d] total configured shard copies for this shard id and [%d] total attribute values, expected the allocated shard count per attribute [%d] to be less than or equal to the upper bound of the required number of shards per attribute [%d]",
				attr, totalCopies, len(distinct), sameValue, limit)
		}
	}
	return Yes(awarenessName, "node meets all awareness attribute requirements")
}
