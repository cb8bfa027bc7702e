package allocation

import (
	"fmt"

	"github.com/dreamware/shardalloc/internal/allocation/decider"
	errs "github.com/dreamware/shardalloc/internal/errors"
	"github.com/dreamware/shardalloc/internal/routing"
)

// Explanation is the full reasoning for one copy: every decider's verdict on
// every node, as the diagnostics interface shows it.
type Explanation struct {
	Copy        routing.ShardRouting `json:"copy" yaml:"copy"`
	CurrentNode string               `json:"current_node,omitempty" yaml:"current_node,omitempty"`
	// Remain is set for assigned copies: may the copy stay where it is.
	Remain *decider.Decision `json:"can_remain,omitempty" yaml:"can_remain,omitempty"`
	// Rebalance is set for assigned copies: may the copy be moved to balance.
	Rebalance *decider.Decision `json:"can_rebalance,omitempty" yaml:"can_rebalance,omitempty"`
	// Nodes holds the allocation verdict of every other node.
	Nodes  []NodeDecision `json:"nodes" yaml:"nodes"`
	Faults []string       `json:"faults,omitempty" yaml:"faults,omitempty"`
}

// Explain evaluates the chain in debug mode for one copy against every
// node. It does not change anything.
func (a *Allocator) Explain(state *routing.ClusterState, key routing.CopyKey) (*Explanation, error) {
	var shard routing.ShardRouting
	found := false
	for _, c := range state.RoutingTable().Copies(key.ShardID) {
		if c.Copy == key.Copy {
			shard, found = c, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: copy %d of %s", errs.ErrUnknownShard, key.Copy, key.ShardID)
	}

	alloc := routing.NewAllocation(state, routing.ModeExplicit).WithDebug()
	nodes := alloc.RoutingNodes()
	bal := newBalancer(nodes, a.settings.ShardBalance, a.settings.IndexBalance)
	out := &Explanation{Copy: shard, CurrentNode: shard.NodeID}

	fault := func(err error) {
		if err != nil {
			out.Faults = append(out.Faults, err.Error())
		}
	}

	if shard.Assigned() {
		if current, ok := nodes.Node(shard.NodeID); ok {
			d, err := a.chain.CanRemain(shard, current, alloc)
			fault(err)
			out.Remain = &d
		}
		d, err := a.chain.CanRebalance(shard, alloc)
		fault(err)
		out.Rebalance = &d
	}

	for _, n := range nodes.All() {
		if n.ID() == shard.NodeID {
			continue
		}
		d, err := a.chain.CanAllocate(shard, n, alloc)
		fault(err)
		out.Nodes = append(out.Nodes, NodeDecision{
			NodeID:   n.ID(),
			Decision: d,
			Weight:   bal.weight(n.ID(), shard.ShardID.Index),
		})
	}
	return out, nil
}
