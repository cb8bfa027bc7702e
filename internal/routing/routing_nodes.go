package routing

import (
	"golang.org/x/exp/slices"
)

// RoutingNode is one node of the node table together with the shard copies
// located on it. Copies relocating away still count as located here until the
// move completes; copies relocating in are tracked separately as incoming.
type RoutingNode struct {
	node     Node
	copies   []ShardRouting
	incoming []ShardRouting
}

// Node returns the cluster member this entry describes.
func (n *RoutingNode) Node() Node { return n.node }

// ID returns the node id.
func (n *RoutingNode) ID() string { return n.node.ID }

// Copies returns the copies currently located on the node.
func (n *RoutingNode) Copies() []ShardRouting { return slices.Clone(n.copies) }

// Incoming returns copies relocating onto the node.
func (n *RoutingNode) Incoming() []ShardRouting { return slices.Clone(n.incoming) }

// ByShardID returns the copy of the shard located on the node.
func (n *RoutingNode) ByShardID(id ShardID) (ShardRouting, bool) {
	for _, c := range n.copies {
		if c.ShardID == id {
			return c, true
		}
	}
	return ShardRouting{}, false
}

// HostsShard reports whether a copy of the shard currently lives on the node.
// A relocation source still hosts its copy; a relocation target does not yet.
func (n *RoutingNode) HostsShard(id ShardID) bool {
	_, ok := n.ByShardID(id)
	return ok
}

// HasCopy reports whether the node holds or is receiving a copy of the shard.
func (n *RoutingNode) HasCopy(id ShardID) bool {
	if n.HostsShard(id) {
		return true
	}
	for _, c := range n.incoming {
		if c.ShardID == id {
			return true
		}
	}
	return false
}

// NumShards counts copies on the node, including incoming relocations.
func (n *RoutingNode) NumShards() int {
	return len(n.copies) + len(n.incoming)
}

// NumShardsOfIndex counts copies of one index on the node, including incoming
// relocations.
func (n *RoutingNode) NumShardsOfIndex(index string) int {
	count := 0
	for _, c := range n.copies {
		if c.ShardID.Index == index {
			count++
		}
	}
	for _, c := range n.incoming {
		if c.ShardID.Index == index {
			count++
		}
	}
	return count
}

// NumIncomingRecoveries counts recoveries targeting the node: initializing
// copies and relocations arriving.
func (n *RoutingNode) NumIncomingRecoveries() int {
	count := len(n.incoming)
	for _, c := range n.copies {
		if c.Initializing() {
			count++
		}
	}
	return count
}

// NumOutgoingRecoveries counts copies relocating away from the node.
func (n *RoutingNode) NumOutgoingRecoveries() int {
	count := 0
	for _, c := range n.copies {
		if c.Relocating() {
			count++
		}
	}
	return count
}

// NumInitializingPrimaries counts primaries recovering on the node that have
// never been allocated before.
func (n *RoutingNode) NumInitializingPrimaries() int {
	count := 0
	for _, c := range n.copies {
		if c.Initializing() && c.InitialPrimary() {
			count++
		}
	}
	return count
}

// RoutingNodes is the node table: a per-node view of a routing table, built
// once per allocation round and read-only afterwards.
type RoutingNodes struct {
	nodes      map[string]*RoutingNode
	order      []string
	unassigned []ShardRouting
	relocating int
}

// NewRoutingNodes indexes the copies of table by node. Copies placed on nodes
// that are not part of nodes are ignored.
func NewRoutingNodes(nodes []Node, table *RoutingTable) *RoutingNodes {
	rn := &RoutingNodes{nodes: make(map[string]*RoutingNode, len(nodes))}
	for _, node := range nodes {
		rn.nodes[node.ID] = &RoutingNode{node: node}
		rn.order = append(rn.order, node.ID)
	}
	slices.Sort(rn.order)

	for _, c := range table.All() {
		if !c.Assigned() {
			rn.unassigned = append(rn.unassigned, c)
			continue
		}
		if n, ok := rn.nodes[c.NodeID]; ok {
			n.copies = append(n.copies, c)
		}
		if c.Relocating() {
			rn.relocating++
			if target, ok := rn.nodes[c.RelocatingNodeID]; ok {
				target.incoming = append(target.incoming, c)
			}
		}
	}
	return rn
}

// Node returns the entry for a node id.
func (rn *RoutingNodes) Node(id string) (*RoutingNode, bool) {
	n, ok := rn.nodes[id]
	return n, ok
}

// All returns every node entry ordered by node id.
func (rn *RoutingNodes) All() []*RoutingNode {
	out := make([]*RoutingNode, 0, len(rn.order))
	for _, id := range rn.order {
		out = append(out, rn.nodes[id])
	}
	return out
}

// Len returns the number of nodes.
func (rn *RoutingNodes) Len() int { return len(rn.order) }

// Unassigned returns copies without a node.
func (rn *RoutingNodes) Unassigned() []ShardRouting {
	return slices.Clone(rn.unassigned)
}

// NumRelocating returns how many relocations are in flight cluster-wide.
func (rn *RoutingNodes) NumRelocating() int { return rn.relocating }

// NodesHosting returns the ids of nodes currently hosting a copy of the shard,
// ordered by node id.
func (rn *RoutingNodes) NodesHosting(id ShardID) []string {
	var out []string
	for _, nodeID := range rn.order {
		if rn.nodes[nodeID].HostsShard(id) {
			out = append(out, nodeID)
		}
	}
	return out
}
