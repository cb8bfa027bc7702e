// Package routing holds the data model of shard allocation: shard copies, the
// routing table that owns them, the node table derived from it, the cluster
// state snapshot, and the read-only Allocation context handed to deciders.
//
// # Ownership
//
// The routing table is the only owner of shard copy records. Readers get
// values, never pointers into the table. Writers go through a Builder:
//
//	b := state.RoutingTable().Builder()
//	if err := b.Initialize(copy.Key(), "node-1", allocationID); err != nil {
//		return err
//	}
//	next := state.WithRoutingTable(b.Build())
//
// # Relocation
//
// A relocating copy keeps its source in NodeID and names its destination in
// RelocatingNodeID. The node table files it under the source as a located
// copy and under the destination as incoming. HostsShard only looks at
// located copies, which is what split colocation needs: a parent that is
// moving still counts as hosted by its source until the move completes.
//
// # In-place splits
//
// ClusterState.SplitShard adds child shards whose copies reference the split
// shard through ParentShardID. The reference is an identity resolved through
// the routing table on every lookup. Once every child copy is started,
// ClusterState.CompleteSplits clears the references and drops the parent.
package routing
