package allocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardalloc/internal/allocation/decider"
	errs "github.com/dreamware/shardalloc/internal/errors"
	"github.com/dreamware/shardalloc/internal/routing"
)

// Options tunes a single Reroute call.
type Options struct {
	// Mode is passed to deciders through the allocation context.
	Mode routing.Mode
	// RetryFailed clears failure counters before allocating.
	RetryFailed bool
	// Rebalance runs the balancing pass after allocation.
	Rebalance bool
}

// Allocator turns cluster states into routing decisions. It holds no state
// between calls and may be shared; concurrent Reroute calls over different
// states do not interfere.
type Allocator struct {
	chain    *decider.Chain
	settings Settings
	newID    func() string
}

// New builds an allocator with the built-in decider chain.
func New(settings Settings) (*Allocator, error) {
	chain, err := decider.NewDefaultChain(settings.Deciders)
	if err != nil {
		return nil, err
	}
	return NewAllocator(chain, settings)
}

// NewAllocator builds an allocator around an explicit decider chain.
func NewAllocator(chain *decider.Chain, settings Settings) (*Allocator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{chain: chain, settings: settings, newID: uuid.NewString}, nil
}

// Chain returns the decider chain.
func (a *Allocator) Chain() *decider.Chain { return a.chain }

// Settings returns the settings the allocator was built with.
func (a *Allocator) Settings() Settings { return a.settings }

// Reroute runs one allocation cycle over state.
//
// The cycle moves copies that may no longer remain where they are, then
// allocates unassigned copies, then, when asked, rebalances. Each pass works
// in rounds: a round evaluates its pairs in parallel against a fresh
// read-only context and commits at most one change per node and per shard;
// rounds repeat until one commits nothing.
//
// When ctx is cancelled the cycle stops and returns an error wrapping
// ErrSuperseded. No partial result is returned.
//
// state is never modified. A decider fault only vetoes the pair it happened
// on; it is logged, counted and listed in Result.Faults.
//
// Parameters:
//   - ctx: Cancelled when a newer cluster state supersedes this one
//   - state: The snapshot to allocate
//   - opts: Mode passed to deciders, whether to reset failure counters and
//     whether to run the balancing pass
//
// Returns:
//   - *Result: The new state plus one ShardDecision per copy that was
//     placed, moved, delayed or left unassigned
//   - error: ErrSuperseded on cancellation
//
// Example:
//
//	result, err := allocator.Reroute(ctx, state, Options{Mode: routing.ModeReroute, Rebalance: true})
//	if errors.Is(err, errs.ErrSuperseded) {
//	    return // a newer state is on its way
//	}
//	for _, d := range result.Decisions {
//	    log.Infof("%s: %s %s", d.Copy.ShardID, d.Outcome, d.Decision.Explanation)
//	}
func (a *Allocator) Reroute(ctx context.Context, state *routing.ClusterState, opts Options) (*Result, error) {
	start := time.Now()
	c := &cycle{
		a:         a,
		mode:      opts.Mode,
		state:     state,
		table:     state.RoutingTable(),
		decisions: make(map[routing.CopyKey]ShardDecision),
	}

	if opts.RetryFailed {
		b := c.table.Builder()
		if b.ResetFailedAllocations() > 0 {
			c.changed = true
		}
		c.table = b.Build()
	}

	passes := []func(context.Context) error{c.moveShards, c.allocateUnassigned}
	if opts.Rebalance {
		passes = append(passes, c.rebalance)
	}
	for _, pass := range passes {
		if err := pass(ctx); err != nil {
			return nil, superseded(err)
		}
	}

	result := c.result()
	log.WithFields(log.Fields{
		"version":  state.Version(),
		"changed":  result.Changed,
		"rounds":   result.Rounds,
		"delayed":  result.Delayed,
		"faults":   len(result.Faults),
		"duration": time.Since(start),
	}).Debug("allocation cycle finished")
	return result, nil
}

func superseded(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", errs.ErrSuperseded, err)
	}
	return err
}

// cycle is the working state of one Reroute call.
type cycle struct {
	a         *Allocator
	mode      routing.Mode
	state     *routing.ClusterState
	table     *routing.RoutingTable
	decisions map[routing.CopyKey]ShardDecision
	faults    []*decider.Fault
	changed   bool
	rounds    int
}

func (c *cycle) context(mode routing.Mode) *routing.Allocation {
	return routing.NewAllocation(c.state.WithRoutingTable(c.table), mode)
}

func (c *cycle) record(d ShardDecision) {
	c.decisions[d.Copy.Key()] = d
}

func (c *cycle) result() *Result {
	keys := make([]routing.CopyKey, 0, len(c.decisions))
	for k := range c.decisions {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y routing.CopyKey) int { return x.Compare(y) })

	r := &Result{State: c.state, Faults: c.faults, Changed: c.changed, Rounds: c.rounds}
	for _, k := range keys {
		d := c.decisions[k]
		if d.Outcome == OutcomeDelayed {
			r.Delayed++
		}
		r.Decisions = append(r.Decisions, d)
	}
	if c.changed {
		r.State = c.state.WithRoutingTable(c.table)
	}
	return r
}

// round tracks what the current round already changed.
type round struct {
	nodes  map[string]bool
	shards map[routing.ShardID]bool
}

func newRound() round {
	return round{nodes: make(map[string]bool), shards: make(map[routing.ShardID]bool)}
}

func (r round) touched(id routing.ShardID, nodeIDs ...string) bool {
	if r.shards[id] {
		return true
	}
	for _, n := range nodeIDs {
		if r.nodes[n] {
			return true
		}
	}
	return false
}

func (r round) take(id routing.ShardID, nodeIDs ...string) {
	r.shards[id] = true
	for _, n := range nodeIDs {
		r.nodes[n] = true
	}
}

// moveShards relocates started copies whose node no longer accepts them.
func (c *cycle) moveShards(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.rounds++
		alloc := c.context(c.mode)
		nodes := alloc.RoutingNodes()

		var started []pair
		for _, n := range nodes.All() {
			for _, s := range n.Copies() {
				if s.Started() {
					started = append(started, pair{shard: s, node: n})
				}
			}
		}
		remain, err := c.evaluate(ctx, started, func(p pair) (decider.Decision, error) {
			return c.a.chain.CanRemain(p.shard, p.node, alloc)
		})
		if err != nil {
			return err
		}

		var moving []pair
		var remainDecisions []decider.Decision
		for i, p := range started {
			if remain[i].Type == decider.NO {
				moving = append(moving, p)
				remainDecisions = append(remainDecisions, remain[i])
			}
		}
		if len(moving) == 0 {
			return nil
		}

		targets := make([][]*routing.RoutingNode, len(moving))
		var pairs []pair
		for i, p := range moving {
			for _, n := range nodes.All() {
				if n.ID() != p.node.ID() {
					targets[i] = append(targets[i], n)
					pairs = append(pairs, pair{shard: p.shard, node: n})
				}
			}
		}
		answers, err := c.evaluate(ctx, pairs, func(p pair) (decider.Decision, error) {
			return c.a.chain.CanAllocate(p.shard, p.node, alloc)
		})
		if err != nil {
			return err
		}

		bal := newBalancer(nodes, c.a.settings.ShardBalance, c.a.settings.IndexBalance)
		b := c.table.Builder()
		r := newRound()
		committed := false
		offset := 0
		for i, p := range moving {
			sel := choose(p.shard, targets[i], answers[offset:offset+len(targets[i])], bal)
			offset += len(targets[i])
			source := p.node.ID()
			if r.touched(p.shard.ShardID, source) {
				continue
			}
			switch {
			case sel.best != "":
				if r.touched(p.shard.ShardID, sel.best) {
					continue
				}
				if err := b.Relocate(p.shard.Key(), sel.best); err != nil {
					return err
				}
				r.take(p.shard.ShardID, source, sel.best)
				committed = true
				c.record(ShardDecision{Copy: p.shard, Outcome: OutcomeRelocated, NodeID: sel.best, Decision: sel.decision, Nodes: sel.nodes})
			case sel.throttled:
				c.record(ShardDecision{Copy: p.shard, Outcome: OutcomeDelayed, NodeID: source, Decision: sel.decision, Nodes: sel.nodes})
			default:
				c.record(ShardDecision{Copy: p.shard, Outcome: OutcomeKept, NodeID: source, Decision: remainDecisions[i], Nodes: sel.nodes})
			}
		}
		if !committed {
			return nil
		}
		c.table = b.Build()
		c.changed = true
	}
}

// allocateUnassigned places unassigned copies, primaries first.
func (c *cycle) allocateUnassigned(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		alloc := c.context(c.mode)
		nodes := alloc.RoutingNodes()
		candidates := nodes.Unassigned()
		if len(candidates) == 0 {
			return nil
		}
		c.rounds++
		slices.SortStableFunc(candidates, func(x, y routing.ShardRouting) int {
			if x.Primary != y.Primary {
				if x.Primary {
					return -1
				}
				return 1
			}
			return x.Key().Compare(y.Key())
		})

		all := nodes.All()
		pairs := make([]pair, 0, len(candidates)*len(all))
		for _, s := range candidates {
			for _, n := range all {
				pairs = append(pairs, pair{shard: s, node: n})
			}
		}
		answers, err := c.evaluate(ctx, pairs, func(p pair) (decider.Decision, error) {
			return c.a.chain.CanAllocate(p.shard, p.node, alloc)
		})
		if err != nil {
			return err
		}

		bal := newBalancer(nodes, c.a.settings.ShardBalance, c.a.settings.IndexBalance)
		b := c.table.Builder()
		r := newRound()
		committed := false
		for i, s := range candidates {
			sel := choose(s, all, answers[i*len(all):(i+1)*len(all)], bal)
			if r.touched(s.ShardID) {
				continue
			}
			switch {
			case sel.best != "":
				// the best node changed this round; re-rank on a fresh context
				if r.touched(s.ShardID, sel.best) {
					continue
				}
				if err := b.Initialize(s.Key(), sel.best, c.a.newID()); err != nil {
					return err
				}
				r.take(s.ShardID, sel.best)
				committed = true
				c.record(ShardDecision{Copy: s, Outcome: OutcomeAssigned, NodeID: sel.best, Decision: sel.decision, Nodes: sel.nodes})
			case sel.throttled:
				if b.SetAllocationStatus(s.Key(), routing.StatusThrottled, sel.decision.Explanation) {
					committed = true
				}
				c.record(ShardDecision{Copy: s, Outcome: OutcomeDelayed, Decision: sel.decision, Nodes: sel.nodes})
			default:
				if b.SetAllocationStatus(s.Key(), routing.StatusNo, sel.decision.Explanation) {
					committed = true
				}
				c.record(ShardDecision{Copy: s, Outcome: OutcomeUnassigned, Decision: sel.decision, Nodes: sel.nodes})
			}
		}
		if !committed {
			return nil
		}
		c.table = b.Build()
		c.changed = true
	}
}

// rebalance moves one started copy per round from the heaviest node of an
// index to a lighter one, while the weight difference exceeds the threshold
// and the move narrows it.
func (c *cycle) rebalance(ctx context.Context) error {
	limit := c.table.Len()
	for moves := 0; moves < limit; moves++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.rounds++
		moved, err := c.rebalanceOnce(ctx)
		if err != nil || !moved {
			return err
		}
		c.changed = true
	}
	return nil
}

func (c *cycle) rebalanceOnce(ctx context.Context) (bool, error) {
	alloc := c.context(routing.ModeRebalance)
	nodes := alloc.RoutingNodes()
	if nodes.Len() < 2 {
		return false, nil
	}
	bal := newBalancer(nodes, c.a.settings.ShardBalance, c.a.settings.IndexBalance)

	for _, index := range bal.indices() {
		ranked := bal.rank(bal.nodes, index)
		heavy := ranked[len(ranked)-1]
		heavyNode, _ := nodes.Node(heavy)

		var candidates []routing.ShardRouting
		for _, s := range heavyNode.Copies() {
			if s.Started() && s.ShardID.Index == index {
				candidates = append(candidates, s)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		for _, light := range ranked[:len(ranked)-1] {
			delta := bal.weight(heavy, index) - bal.weight(light, index)
			if delta <= c.a.settings.Threshold || !bal.improves(heavy, light, index) {
				break
			}
			lightNode, _ := nodes.Node(light)
			pairs := make([]pair, len(candidates))
			for i, s := range candidates {
				pairs[i] = pair{shard: s, node: lightNode}
			}
			answers, err := c.evaluate(ctx, pairs, func(p pair) (decider.Decision, error) {
				d, err := c.a.chain.CanRebalance(p.shard, alloc)
				if d.Type != decider.YES {
					return d, err
				}
				return c.a.chain.CanAllocate(p.shard, p.node, alloc)
			})
			if err != nil {
				return false, err
			}
			for i, s := range candidates {
				if answers[i].Type != decider.YES {
					continue
				}
				b := c.table.Builder()
				if err := b.Relocate(s.Key(), light); err != nil {
					return false, err
				}
				c.table = b.Build()
				c.record(ShardDecision{
					Copy:     s,
					Outcome:  OutcomeRelocated,
					NodeID:   light,
					Decision: answers[i],
					Nodes:    []NodeDecision{{NodeID: light, Decision: answers[i], Weight: bal.weight(light, index)}},
				})
				log.WithFields(log.Fields{
					"shard": s.ShardID.String(),
					"from":  heavy,
					"to":    light,
					"delta": delta,
				}).Debug("rebalancing shard copy")
				return true, nil
			}
		}
	}
	return false, nil
}

// selection is the outcome of ranking one copy's node decisions.
type selection struct {
	best      string
	throttled bool
	decision  decider.Decision
	nodes     []NodeDecision
}

// choose picks the lowest weight YES node. Without one it reports the first
// THROTTLE, or a NO summarizing every node's refusal.
func choose(shard routing.ShardRouting, nodes []*routing.RoutingNode, answers []decider.Decision, bal *balancer) selection {
	var (
		sel  selection
		yes  []string
		byID = make(map[string]decider.Decision, len(nodes))
	)
	index := shard.ShardID.Index
	for i, n := range nodes {
		d := answers[i]
		byID[n.ID()] = d
		sel.nodes = append(sel.nodes, NodeDecision{NodeID: n.ID(), Decision: d, Weight: bal.weight(n.ID(), index)})
		switch d.Type {
		case decider.YES:
			yes = append(yes, n.ID())
		case decider.THROTTLE:
			if !sel.throttled {
				sel.throttled = true
				sel.decision = decider.Throttle(d.Label, "allocation delayed on node [%s]: %s", n.ID(), d.Explanation)
			}
		}
	}

	if len(yes) > 0 {
		sel.best = bal.rank(yes, index)[0]
		sel.decision = byID[sel.best]
		sel.throttled = false
		return sel
	}
	if sel.throttled {
		return sel
	}
	if len(nodes) == 0 {
		sel.decision = decider.No("", "no nodes are available to allocate this copy to")
		return sel
	}
	reasons := make([]string, 0, len(nodes))
	for _, nd := range sel.nodes {
		reasons = append(reasons, fmt.Sprintf("[%s] %s: %s", nd.NodeID, nd.Decision.Label, nd.Decision.Explanation))
	}
	sel.decision = decider.No("", "no node accepts this copy: %s", strings.Join(reasons, "; "))
	return sel
}
