package decider

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardalloc/internal/routing"
)

// fixture builds cluster states for decider tests
type fixture struct {
	t     *testing.T
	state *routing.ClusterState
	seq   int
}

func newFixture(t *testing.T, nodes ...routing.Node) *fixture {
	t.Helper()
	state := routing.NewClusterState()
	for _, n := range nodes {
		state = state.WithNode(n)
	}
	return &fixture{t: t, state: state}
}

func node(id string, attrs ...string) routing.Node {
	n := routing.Node{ID: id}
	if len(attrs) > 0 {
		n.Attributes = make(map[string]string)
		for i := 0; i+1 < len(attrs); i += 2 {
			n.Attributes[attrs[i]] = attrs[i+1]
		}
	}
	return n
}

func shardID(index string, shard int) routing.ShardID {
	return routing.ShardID{Index: index, Shard: shard}
}

func copyKey(index string, shard, n int) routing.CopyKey {
	return routing.CopyKey{ShardID: shardID(index, shard), Copy: n}
}

func (f *fixture) index(meta routing.IndexMetadata) *fixture {
	f.t.Helper()
	state, err := f.state.WithIndex(meta)
	require.NoError(f.t, err)
	f.state = state
	return f
}

func (f *fixture) split(index string, shard, children int) []routing.ShardID {
	f.t.Helper()
	state, ids, err := f.state.SplitShard(index, shard, children)
	require.NoError(f.t, err)
	f.state = state
	return ids
}

// initialize puts a copy on a node in INITIALIZING state
func (f *fixture) initialize(key routing.CopyKey, nodeID string) string {
	f.t.Helper()
	f.seq++
	allocationID := fmt.Sprintf("alloc-%d", f.seq)
	b := f.state.RoutingTable().Builder()
	require.NoError(f.t, b.Initialize(key, nodeID, allocationID))
	f.state = f.state.WithRoutingTable(b.Build())
	return allocationID
}

// start puts a copy on a node in STARTED state
func (f *fixture) start(key routing.CopyKey, nodeID string) *fixture {
	f.t.Helper()
	allocationID := f.initialize(key, nodeID)
	b := f.state.RoutingTable().Builder()
	_, err := b.StartShard(allocationID)
	require.NoError(f.t, err)
	f.state = f.state.WithRoutingTable(b.Build())
	return f
}

func (f *fixture) relocate(key routing.CopyKey, target string) *fixture {
	f.t.Helper()
	b := f.state.RoutingTable().Builder()
	require.NoError(f.t, b.Relocate(key, target))
	f.state = f.state.WithRoutingTable(b.Build())
	return f
}

func (f *fixture) alloc() *routing.Allocation {
	return routing.NewAllocation(f.state, routing.ModeReroute)
}

func (f *fixture) copyOf(key routing.CopyKey) routing.ShardRouting {
	f.t.Helper()
	for _, c := range f.state.RoutingTable().Copies(key.ShardID) {
		if c.Copy == key.Copy {
			return c
		}
	}
	f.t.Fatalf("no copy %d of %s", key.Copy, key.ShardID)
	return routing.ShardRouting{}
}

func routingNode(t *testing.T, alloc *routing.Allocation, id string) *routing.RoutingNode {
	t.Helper()
	n, ok := alloc.RoutingNodes().Node(id)
	require.True(t, ok, "node %s", id)
	return n
}

// stub is a decider answering fixed verdicts
type stub struct {
	NoOpinion
	name     string
	decision Decision
	calls    *int
}

func (s stub) Name() string { return s.name }

func (s stub) CanAllocate(routing.ShardRouting, *routing.RoutingNode, *routing.Allocation) Decision {
	if s.calls != nil {
		*s.calls++
	}
	return s.decision
}

// panicky fails for one node only
type panicky struct {
	NoOpinion
	nodeID string
}

func (panicky) Name() string { return "panicky" }

func (p panicky) CanAllocate(_ routing.ShardRouting, node *routing.RoutingNode, _ *routing.Allocation) Decision {
	if node.ID() == p.nodeID {
		panic(fmt.Sprintf("boom on %s", p.nodeID))
	}
	return Yes("panicky", "fine")
}
