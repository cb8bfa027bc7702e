package routing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/dreamware/shardalloc/internal/errors"
)

func twoNodeState(t *testing.T) *ClusterState {
	t.Helper()
	state := NewClusterState().
		WithNode(Node{ID: "n2", Attributes: map[string]string{"zone": "b"}}).
		WithNode(Node{ID: "n1", Attributes: map[string]string{"zone": "a"}})
	state, err := state.WithIndex(IndexMetadata{Name: "logs", NumberOfShards: 2, NumberOfReplicas: 1})
	require.NoError(t, err)
	return state
}

// TestNodeAttribute tests attribute lookups, including mixed-case names
func TestNodeAttribute(t *testing.T) {
	n := Node{ID: "n1", Attributes: map[string]string{"Zone": "a", "rack": "r1"}}

	tests := []struct {
		name   string
		attr   string
		want   string
		wantOK bool
	}{
		{name: "exact", attr: "rack", want: "r1", wantOK: true},
		{name: "lower-cased name", attr: "zone", want: "a", wantOK: true},
		{name: "upper-cased name", attr: "RACK", want: "r1", wantOK: true},
		{name: "node id", attr: "_id", want: "n1", wantOK: true},
		{name: "missing", attr: "disk", want: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := n.Attribute(tt.attr)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

// TestClusterStateCopyOnWrite tests that every change produces a new
// version and leaves the previous state untouched
func TestClusterStateCopyOnWrite(t *testing.T) {
	base := NewClusterState()
	withNode := base.WithNode(Node{ID: "n1"})

	assert.Equal(t, int64(0), base.Version())
	assert.Equal(t, int64(1), withNode.Version())
	assert.Empty(t, base.Nodes())
	assert.Len(t, withNode.Nodes(), 1)

	withIndex, err := withNode.WithIndex(IndexMetadata{Name: "logs", NumberOfShards: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, withIndex.RoutingTable().Len())
	assert.Equal(t, 0, withNode.RoutingTable().Len())

	_, err = withIndex.WithIndex(IndexMetadata{Name: "logs", NumberOfShards: 1})
	assert.True(t, errors.Is(err, errs.ErrIndexExists))
}

// TestIndexValidation tests rejected index settings
func TestIndexValidation(t *testing.T) {
	tests := []struct {
		name string
		meta IndexMetadata
	}{
		{"empty name", IndexMetadata{NumberOfShards: 1}},
		{"no shards", IndexMetadata{Name: "logs"}},
		{"negative replicas", IndexMetadata{Name: "logs", NumberOfShards: 1, NumberOfReplicas: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClusterState().WithIndex(tt.meta)
			assert.Error(t, err)
		})
	}
}

// TestWithoutNode tests member removal
func TestWithoutNode(t *testing.T) {
	state := twoNodeState(t)
	b := state.RoutingTable().Builder()
	require.NoError(t, b.Initialize(key("logs", 0, 0), "n1", "a"))
	state = state.WithRoutingTable(b.Build())

	_, err := state.WithoutNode("ghost")
	assert.True(t, errors.Is(err, errs.ErrUnknownNode))

	next, err := state.WithoutNode("n1")
	require.NoError(t, err)
	_, ok := next.Node("n1")
	assert.False(t, ok)
	primary, _ := next.RoutingTable().Primary(sid("logs", 0))
	assert.False(t, primary.Assigned())
	assert.Equal(t, ReasonNodeLeft, primary.Unassigned.Reason)
}

// TestSplitShard tests starting and completing an in-place split
func TestSplitShard(t *testing.T) {
	state := twoNodeState(t)

	t.Run("rejects bad requests", func(t *testing.T) {
		_, _, err := state.SplitShard("missing", 0, 2)
		assert.True(t, errors.Is(err, errs.ErrUnknownIndex))
		_, _, err = state.SplitShard("logs", 7, 2)
		assert.True(t, errors.Is(err, errs.ErrUnknownShard))
		_, _, err = state.SplitShard("logs", 0, 1)
		assert.True(t, errors.Is(err, errs.ErrInvalidSplit))
	})

	split, children, err := state.SplitShard("logs", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []ShardID{sid("logs", 2), sid("logs", 3)}, children)
	meta, _ := split.Index("logs")
	assert.Equal(t, 4, meta.NumberOfShards)

	for _, child := range children {
		for _, c := range split.RoutingTable().Copies(child) {
			require.NotNil(t, c.ParentShardID)
			assert.Equal(t, sid("logs", 0), *c.ParentShardID)
			assert.Equal(t, ReasonSplitCreated, c.Unassigned.Reason)
		}
	}

	_, _, err = split.SplitShard("logs", 0, 2)
	assert.True(t, errors.Is(err, errs.ErrInvalidSplit), "already splitting")
	_, _, err = split.SplitShard("logs", 2, 2)
	assert.True(t, errors.Is(err, errs.ErrInvalidSplit), "child of a pending split")

	unchanged, done := split.CompleteSplits()
	assert.Empty(t, done)
	assert.Same(t, split, unchanged)

	b := split.RoutingTable().Builder()
	for _, child := range children {
		for _, c := range split.RoutingTable().Copies(child) {
			node := "n1"
			if !c.Primary {
				node = "n2"
			}
			id := c.ShardID.String() + "-" + node
			require.NoError(t, b.Initialize(c.Key(), node, id))
			_, err := b.StartShard(id)
			require.NoError(t, err)
		}
	}
	completed, done := split.WithRoutingTable(b.Build()).CompleteSplits()
	assert.Equal(t, []ShardID{sid("logs", 0)}, done)
	assert.False(t, completed.RoutingTable().Has(sid("logs", 0)))
	meta, _ = completed.Index("logs")
	assert.Equal(t, 3, meta.NumberOfShards)
}

// TestRoutingNodes tests the per-node view of the routing table
func TestRoutingNodes(t *testing.T) {
	state := twoNodeState(t)
	b := state.RoutingTable().Builder()
	require.NoError(t, b.Initialize(key("logs", 0, 0), "n1", "p0"))
	require.NoError(t, b.Initialize(key("logs", 1, 0), "n1", "p1"))
	_, err := b.StartShard("p1")
	require.NoError(t, err)
	require.NoError(t, b.Relocate(key("logs", 1, 0), "n2"))
	state = state.WithRoutingTable(b.Build())

	nodes := NewRoutingNodes(state.Nodes(), state.RoutingTable())
	require.Equal(t, 2, nodes.Len())
	assert.Equal(t, "n1", nodes.All()[0].ID())
	assert.Equal(t, 1, nodes.NumRelocating())
	assert.Len(t, nodes.Unassigned(), 2)

	n1, ok := nodes.Node("n1")
	require.True(t, ok)
	n2, _ := nodes.Node("n2")
	_, ok = nodes.Node("n3")
	assert.False(t, ok)

	// the relocation source still hosts the shard, the target only receives it
	assert.True(t, n1.HostsShard(sid("logs", 1)))
	assert.False(t, n2.HostsShard(sid("logs", 1)))
	assert.True(t, n2.HasCopy(sid("logs", 1)))
	assert.Equal(t, []string{"n1"}, nodes.NodesHosting(sid("logs", 1)))

	assert.Equal(t, 2, n1.NumShards())
	assert.Equal(t, 1, n2.NumShards())
	assert.Equal(t, 2, n1.NumShardsOfIndex("logs"))
	assert.Equal(t, 0, n1.NumShardsOfIndex("other"))
	assert.Equal(t, 1, n1.NumIncomingRecoveries())
	assert.Equal(t, 1, n1.NumOutgoingRecoveries())
	assert.Equal(t, 1, n1.NumInitializingPrimaries())
	assert.Equal(t, 1, n2.NumIncomingRecoveries())
}

// TestSnapshotRoundTrip tests that a state survives flattening and that
// hand-written snapshots get their shards created
func TestSnapshotRoundTrip(t *testing.T) {
	state := twoNodeState(t)
	b := state.RoutingTable().Builder()
	require.NoError(t, b.Initialize(key("logs", 0, 0), "n1", "p0"))
	state = state.WithRoutingTable(b.Build())

	restored, err := FromSnapshot(state.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, state.Version(), restored.Version())
	assert.Equal(t, state.RoutingTable().All(), restored.RoutingTable().All())
	assert.Equal(t, state.Nodes(), restored.Nodes())

	handWritten, err := FromSnapshot(Snapshot{
		Nodes:   []Node{{ID: "n1"}},
		Indices: []IndexMetadata{{Name: "metrics", NumberOfShards: 2, NumberOfReplicas: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, handWritten.RoutingTable().Len())

	_, err = FromSnapshot(Snapshot{
		Indices: []IndexMetadata{{Name: "metrics", NumberOfShards: 1}},
		Shards:  []ShardRouting{{ShardID: sid("metrics", 0), Primary: true, NodeID: "ghost", State: StateStarted}},
	})
	assert.Error(t, err)
}

// TestSnapshotRejectsIncompleteIndex tests that an index listing copies must
// list every shard and copy its metadata declares
func TestSnapshotRejectsIncompleteIndex(t *testing.T) {
	started := func(shard, n int, primary bool) ShardRouting {
		return ShardRouting{
			ShardID:      sid("logs", shard),
			Copy:         n,
			Primary:      primary,
			State:        StateStarted,
			NodeID:       "n1",
			AllocationID: fmt.Sprintf("a-%d-%d", shard, n),
		}
	}

	tests := []struct {
		name    string
		shards  []ShardRouting
		wantErr string
	}{
		{
			name:    "missing shard",
			shards:  []ShardRouting{started(0, 0, true)},
			wantErr: "declares 2 shards, snapshot lists 1",
		},
		{
			name:    "missing replica",
			shards:  []ShardRouting{started(0, 0, true), started(1, 0, true), started(1, 1, false)},
			wantErr: "needs 2 copies, snapshot lists 1",
		},
		{
			name:    "copy out of range",
			shards:  []ShardRouting{started(0, 0, true), started(0, 2, false), started(1, 0, true), started(1, 1, false)},
			wantErr: "lists copy 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromSnapshot(Snapshot{
				Nodes:   []Node{{ID: "n1"}},
				Indices: []IndexMetadata{{Name: "logs", NumberOfShards: 2, NumberOfReplicas: 1}},
				Shards:  tt.shards,
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrInvalidIndex))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	complete := []ShardRouting{started(0, 0, true), started(0, 1, false), started(1, 0, true), started(1, 1, false)}
	_, err := FromSnapshot(Snapshot{
		Nodes:   []Node{{ID: "n1"}},
		Indices: []IndexMetadata{{Name: "logs", NumberOfShards: 2, NumberOfReplicas: 1}},
		Shards:  complete,
	})
	assert.NoError(t, err)
}
