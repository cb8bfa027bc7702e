package decider

import (
	"github.com/dreamware/shardalloc/internal/metrics"
	"github.com/dreamware/shardalloc/internal/routing"
)

const (
	opAllocate  = "allocate"
	opRemain    = "remain"
	opRebalance = "rebalance"
)

// Chain asks an ordered list of deciders the same question and combines the
// answers with Aggregate. The order is fixed when the chain is built, so the
// same allocation context, copy and node always yield the same decision.
//
// Evaluation stops at the first NO. When the allocation context is in debug
// mode every decider is asked instead and the result is a NewMulti decision
// carrying all of their verdicts, which is what the explain API shows.
//
// A decider that panics is recovered at the chain boundary: the pair being
// evaluated gets a NO and the call returns a *Fault describing the failure.
// Other pairs, evaluated by other calls, are not affected.
//
// Thread-safe: A Chain holds no mutable state; one chain serves every
// worker of an allocation cycle.
//
// Example:
//
//	chain := NewChain(SameShard{}, NewShardsLimit(-1), NewThrottling(2, 4))
//	d, err := chain.CanAllocate(shard, node, alloc)
//	if err != nil {
//	    // d is NO; err is a *Fault naming the decider that panicked
//	}
type Chain struct {
	deciders []Decider
}

// NewChain builds a chain. Deciders are consulted in the order given.
func NewChain(deciders ...Decider) *Chain {
	return &Chain{deciders: append([]Decider(nil), deciders...)}
}

// Deciders returns the deciders in evaluation order.
func (c *Chain) Deciders() []Decider {
	return append([]Decider(nil), c.deciders...)
}

// Names returns the names of the deciders in evaluation order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.deciders))
	for i, d := range c.deciders {
		names[i] = d.Name()
	}
	return names
}

// CanAllocate asks whether shard may be placed on node.
//
// Parameters:
//   - shard: The copy being placed, usually unassigned
//   - node: The candidate node
//   - alloc: The read-only allocation context of the current round
//
// Returns:
//   - Decision: The aggregate verdict; NO when a decider faulted
//   - error: A *Fault when a decider panicked, nil otherwise
func (c *Chain) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) (Decision, error) {
	return c.evaluate(opAllocate, shard, node.ID(), alloc, func(d Decider) Decision {
		return d.CanAllocate(shard, node, alloc)
	})
}

// CanRemain asks whether shard may stay on node, the node it is on now.
// It has the same contract as CanAllocate.
func (c *Chain) CanRemain(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) (Decision, error) {
	return c.evaluate(opRemain, shard, node.ID(), alloc, func(d Decider) Decision {
		return d.CanRemain(shard, node, alloc)
	})
}

// CanRebalance asks whether shard may be moved for balance at all,
// independent of any target node.
func (c *Chain) CanRebalance(shard routing.ShardRouting, alloc *routing.Allocation) (Decision, error) {
	return c.evaluate(opRebalance, shard, "", alloc, func(d Decider) Decision {
		return d.CanRebalance(shard, alloc)
	})
}

func (c *Chain) evaluate(op string, shard routing.ShardRouting, nodeID string, alloc *routing.Allocation, ask func(Decider) Decision) (Decision, error) {
	debug := alloc.Debug()
	decisions := make([]Decision, 0, len(c.deciders))
	var fault *Fault
	for _, d := range c.deciders {
		decision, f := call(d, op, shard, nodeID, ask)
		if f != nil {
			metrics.RecordFault(f.Decider)
			if fault == nil {
				fault = f
			}
			decision = f.decision()
		}
		metrics.RecordDecision(decision.Label, op, decision.Type.String())
		decisions = append(decisions, decision)
		if decision.Type == NO && !debug {
			break
		}
	}

	result := Aggregate(decisions...)
	if debug {
		result = NewMulti(decisions)
	}
	if fault != nil {
		return result, fault
	}
	return result, nil
}

// call runs one decider, turning a panic into a fault.
func call(d Decider, op string, shard routing.ShardRouting, nodeID string, ask func(Decider) Decision) (decision Decision, fault *Fault) {
	name := d.Name()
	defer func() {
		if r := recover(); r != nil {
			fault = &Fault{Decider: name, Op: op, Copy: shard, NodeID: nodeID, Value: r}
		}
	}()
	decision = ask(d)
	if decision.Label == "" {
		decision.Label = name
	}
	return decision, nil
}
