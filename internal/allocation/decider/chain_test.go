package decider

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardalloc/internal/routing"
)

// TestChainStopsAtFirstVeto tests that deciders after a NO are not consulted
func TestChainStopsAtFirstVeto(t *testing.T) {
	f := newFixture(t, node("n1")).index(routing.IndexMetadata{Name: "logs", NumberOfShards: 1})
	alloc := f.alloc()

	var after int
	chain := NewChain(
		stub{name: "first", decision: Throttle("", "busy")},
		stub{name: "veto", decision: No("", "never")},
		stub{name: "after", decision: Always, calls: &after},
	)

	d, err := chain.CanAllocate(f.copyOf(copyKey("logs", 0, 0)), routingNode(t, alloc, "n1"), alloc)
	require.NoError(t, err)
	assert.Equal(t, NO, d.Type)
	assert.Equal(t, "veto", d.Label, "labels default to the decider name")
	assert.Equal(t, 0, after)
}

// TestChainDebugCollectsEveryDecider tests the explain mode of the chain
func TestChainDebugCollectsEveryDecider(t *testing.T) {
	f := newFixture(t, node("n1")).index(routing.IndexMetadata{Name: "logs", NumberOfShards: 1})
	alloc := f.alloc().WithDebug()

	var after int
	chain := NewChain(
		stub{name: "veto", decision: No("", "never")},
		stub{name: "after", decision: Yes("", "fine"), calls: &after},
	)

	d, err := chain.CanAllocate(f.copyOf(copyKey("logs", 0, 0)), routingNode(t, alloc, "n1"), alloc)
	require.NoError(t, err)
	assert.Equal(t, NO, d.Type)
	assert.Equal(t, 1, after)
	require.Len(t, d.Children, 2)
	assert.Equal(t, []string{"veto", "after"}, []string{d.Children[0].Label, d.Children[1].Label})
	assert.Equal(t, []string{"veto", "after"}, chain.Names())
}

// TestChainFailsClosed tests that a panicking decider yields NO and a fault
// for its pair only
func TestChainFailsClosed(t *testing.T) {
	f := newFixture(t, node("n1"), node("n2")).index(routing.IndexMetadata{Name: "logs", NumberOfShards: 1})
	alloc := f.alloc()
	shard := f.copyOf(copyKey("logs", 0, 0))
	chain := NewChain(panicky{nodeID: "n1"}, SameShard{})

	d, err := chain.CanAllocate(shard, routingNode(t, alloc, "n1"), alloc)
	require.Error(t, err)
	assert.Equal(t, NO, d.Type)
	assert.Equal(t, "panicky", d.Label)

	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "panicky", fault.Decider)
	assert.Equal(t, "n1", fault.NodeID)
	assert.Equal(t, opAllocate, fault.Op)
	assert.Contains(t, fault.Error(), "boom on n1")

	d, err = chain.CanAllocate(shard, routingNode(t, alloc, "n2"), alloc)
	require.NoError(t, err)
	assert.Equal(t, YES, d.Type)
}

// TestFaultUnwrap tests that error panic values stay reachable
func TestFaultUnwrap(t *testing.T) {
	cause := errors.New("index out of range")
	fault := &Fault{Decider: "x", Value: cause}
	assert.True(t, errors.Is(fault, cause))
	assert.Nil(t, (&Fault{Value: "text"}).Unwrap())
}

// TestChainIsDeterministic tests that repeated evaluation of the same
// context gives identical decisions for every pair
func TestChainIsDeterministic(t *testing.T) {
	f := newFixture(t,
		node("n1", "zone", "a"),
		node("n2", "zone", "b"),
		node("n3", "zone", "a"),
	).index(routing.IndexMetadata{Name: "logs", NumberOfShards: 2, NumberOfReplicas: 1, TotalShardsPerNode: 1})
	f.start(copyKey("logs", 0, 0), "n1")
	children := f.split("logs", 0, 2)

	settings := DefaultSettings()
	settings.AwarenessAttributes = []string{"zone"}
	chain, err := NewDefaultChain(settings)
	require.NoError(t, err)

	evaluate := func() map[string]Decision {
		alloc := f.alloc()
		out := make(map[string]Decision)
		for _, c := range f.state.RoutingTable().All() {
			for _, n := range alloc.RoutingNodes().All() {
				d, err := chain.CanAllocate(c, n, alloc)
				require.NoError(t, err)
				out[c.String()+"@"+n.ID()] = d
			}
		}
		return out
	}

	first := evaluate()
	require.NotEmpty(t, first)
	require.Len(t, children, 2)
	if diff := cmp.Diff(first, evaluate()); diff != "" {
		t.Errorf("decisions changed between evaluations (-first +second):\n%s", diff)
	}
}

// TestDefaultChainOrder tests the built-in registration order
func TestDefaultChainOrder(t *testing.T) {
	chain, err := NewDefaultChain(DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"max_retry",
		"replica_after_primary_active",
		"enable",
		"in_place_shard_split",
		"same_shard",
		"filter",
		"awareness",
		"shards_limit",
		"throttling",
		"concurrent_rebalance",
	}, chain.Names())

	bad := DefaultSettings()
	bad.Enable = "sometimes"
	_, err = NewDefaultChain(bad)
	assert.Error(t, err)
}
