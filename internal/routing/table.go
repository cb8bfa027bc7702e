package routing

import (
	"fmt"

	"golang.org/x/exp/slices"

	errs "github.com/dreamware/shardalloc/internal/errors"
)

// RoutingTable is the authoritative mapping from shards to their copies.
//
// A table is immutable once built: every accessor returns copies, and changes
// go through a Builder which produces a new table. This is what lets the
// allocation context be shared by concurrent decider evaluations without
// locks.
//
// Shards are kept ordered by ShardID and copies by their Copy position, so
// iteration order is deterministic.
type RoutingTable struct {
	shards map[ShardID][]ShardRouting
	order  []ShardID
}

// EmptyRoutingTable returns a table without shards.
func EmptyRoutingTable() *RoutingTable {
	return &RoutingTable{shards: make(map[ShardID][]ShardRouting)}
}

// NewRoutingTable builds a table from a flat list of copies.
func NewRoutingTable(copies []ShardRouting) (*RoutingTable, error) {
	b := EmptyRoutingTable().Builder()
	for _, c := range copies {
		existing := b.shards[c.ShardID]
		for _, e := range existing {
			if e.Copy == c.Copy {
				return nil, fmt.Errorf("duplicate copy %d of shard %s", c.Copy, c.ShardID)
			}
		}
		b.shards[c.ShardID] = append(existing, c.clone())
	}
	return b.Build(), nil
}

// Shards returns all shard ids in order.
func (t *RoutingTable) Shards() []ShardID {
	return slices.Clone(t.order)
}

// IndexShards returns the shard ids of one index in order.
func (t *RoutingTable) IndexShards(index string) []ShardID {
	var out []ShardID
	for _, id := range t.order {
		if id.Index == index {
			out = append(out, id)
		}
	}
	return out
}

// Has reports whether the table holds a record for the shard.
func (t *RoutingTable) Has(id ShardID) bool {
	_, ok := t.shards[id]
	return ok
}

// Copies returns every copy of a shard, primary included.
func (t *RoutingTable) Copies(id ShardID) []ShardRouting {
	return cloneCopies(nil, t.shards[id])
}

func cloneCopies(dst, src []ShardRouting) []ShardRouting {
	for _, c := range src {
		dst = append(dst, c.clone())
	}
	return dst
}

// Primary returns the primary copy of a shard.
func (t *RoutingTable) Primary(id ShardID) (ShardRouting, bool) {
	for _, c := range t.shards[id] {
		if c.Primary {
			return c.clone(), true
		}
	}
	return ShardRouting{}, false
}

// All returns every copy in shard order.
func (t *RoutingTable) All() []ShardRouting {
	out := make([]ShardRouting, 0, len(t.order))
	for _, id := range t.order {
		out = cloneCopies(out, t.shards[id])
	}
	return out
}

// Unassigned returns copies without a node, in shard order.
func (t *RoutingTable) Unassigned() []ShardRouting {
	var out []ShardRouting
	for _, id := range t.order {
		for _, c := range t.shards[id] {
			if !c.Assigned() {
				out = append(out, c.clone())
			}
		}
	}
	return out
}

// ByAllocationID finds the copy carrying the given allocation id.
func (t *RoutingTable) ByAllocationID(allocationID string) (ShardRouting, bool) {
	if allocationID == "" {
		return ShardRouting{}, false
	}
	for _, id := range t.order {
		for _, c := range t.shards[id] {
			if c.AllocationID == allocationID {
				return c.clone(), true
			}
		}
	}
	return ShardRouting{}, false
}

// Children returns the shards whose copies still reference parent as the
// shard they are being split from.
func (t *RoutingTable) Children(parent ShardID) []ShardID {
	var out []ShardID
	for _, id := range t.order {
		for _, c := range t.shards[id] {
			if c.ParentShardID != nil && *c.ParentShardID == parent {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// Len returns the number of shard copies in the table.
func (t *RoutingTable) Len() int {
	n := 0
	for _, copies := range t.shards {
		n += len(copies)
	}
	return n
}

// Builder returns a builder seeded with a deep copy of the table.
func (t *RoutingTable) Builder() *Builder {
	b := &Builder{shards: make(map[ShardID][]ShardRouting, len(t.shards))}
	for id, copies := range t.shards {
		cloned := make([]ShardRouting, len(copies))
		for i, c := range copies {
			cloned[i] = c.clone()
		}
		b.shards[id] = cloned
	}
	return b
}

func (s ShardRouting) clone() ShardRouting {
	out := s
	if s.ParentShardID != nil {
		parent := *s.ParentShardID
		out.ParentShardID = &parent
	}
	if s.Unassigned != nil {
		info := *s.Unassigned
		out.Unassigned = &info
	}
	return out
}

// Builder is the only writer of shard copies. It is not safe for concurrent
// use; the allocation engine and the cluster service each own theirs.
type Builder struct {
	shards map[ShardID][]ShardRouting
}

// Build freezes the builder into a new table. The builder must not be used
// afterwards.
func (b *Builder) Build() *RoutingTable {
	order := sortedShardIDs(b.shards)
	for _, id := range order {
		copies := b.shards[id]
		slices.SortFunc(copies, func(a, c ShardRouting) int { return a.Copy - c.Copy })
	}
	t := &RoutingTable{shards: b.shards, order: order}
	b.shards = nil
	return t
}

// AddShard registers a new shard with one primary and the given number of
// replicas, all unassigned.
func (b *Builder) AddShard(id ShardID, replicas int, parent *ShardID, reason UnassignedReason) error {
	if _, ok := b.shards[id]; ok {
		return fmt.Errorf("shard %s already exists", id)
	}
	copies := make([]ShardRouting, 0, replicas+1)
	for i := 0; i <= replicas; i++ {
		c := ShardRouting{
			ShardID:    id,
			Copy:       i,
			Primary:    i == 0,
			State:      StateUnassigned,
			Unassigned: &UnassignedInfo{Reason: reason, Status: StatusNoAttempt},
		}
		if parent != nil {
			p := *parent
			c.ParentShardID = &p
		}
		copies = append(copies, c)
	}
	b.shards[id] = copies
	return nil
}

// RemoveIndex drops every shard of an index.
func (b *Builder) RemoveIndex(index string) {
	for id := range b.shards {
		if id.Index == index {
			delete(b.shards, id)
		}
	}
}

// Get returns the current copy for key.
func (b *Builder) Get(key CopyKey) (ShardRouting, bool) {
	c := b.ref(key)
	if c == nil {
		return ShardRouting{}, false
	}
	return c.clone(), true
}

func (b *Builder) ref(key CopyKey) *ShardRouting {
	copies := b.shards[key.ShardID]
	for i := range copies {
		if copies[i].Copy == key.Copy {
			return &copies[i]
		}
	}
	return nil
}

func (b *Builder) byAllocationID(allocationID string) *ShardRouting {
	if allocationID == "" {
		return nil
	}
	for _, copies := range b.shards {
		for i := range copies {
			if copies[i].AllocationID == allocationID {
				return &copies[i]
			}
		}
	}
	return nil
}

// Initialize assigns an unassigned copy to a node.
func (b *Builder) Initialize(key CopyKey, nodeID, allocationID string) error {
	c := b.ref(key)
	if c == nil {
		return fmt.Errorf("%w: copy %d of %s", errs.ErrUnknownShard, key.Copy, key.ShardID)
	}
	if c.Assigned() {
		return fmt.Errorf("%w: cannot initialize %s, already assigned", errs.ErrIllegalTransition, c)
	}
	c.State = StateInitializing
	c.NodeID = nodeID
	c.AllocationID = allocationID
	// the unassigned info stays until the copy starts: it carries the
	// failure count and tells initial primaries apart
	if c.Unassigned != nil {
		c.Unassigned.Status = ""
		c.Unassigned.Explanation = ""
	}
	return nil
}

// Relocate starts moving a started copy to target.
func (b *Builder) Relocate(key CopyKey, target string) error {
	c := b.ref(key)
	if c == nil {
		return fmt.Errorf("%w: copy %d of %s", errs.ErrUnknownShard, key.Copy, key.ShardID)
	}
	if !c.Started() {
		return fmt.Errorf("%w: cannot relocate %s, only started copies can move", errs.ErrIllegalTransition, c)
	}
	c.State = StateRelocating
	c.RelocatingNodeID = target
	return nil
}

// SetAllocationStatus records the outcome of an allocation attempt on an
// unassigned copy. It reports whether anything changed.
func (b *Builder) SetAllocationStatus(key CopyKey, status AllocationStatus, explanation string) bool {
	c := b.ref(key)
	if c == nil || c.Assigned() {
		return false
	}
	if c.Unassigned == nil {
		c.Unassigned = &UnassignedInfo{}
	}
	if c.Unassigned.Status == status && c.Unassigned.Explanation == explanation {
		return false
	}
	c.Unassigned.Status = status
	c.Unassigned.Explanation = explanation
	return true
}

// StartShard marks the recovery identified by allocationID as complete. An
// initializing copy becomes STARTED; a relocating copy finishes its move.
func (b *Builder) StartShard(allocationID string) (ShardRouting, error) {
	c := b.byAllocationID(allocationID)
	if c == nil {
		return ShardRouting{}, fmt.Errorf("%w: %s", errs.ErrUnknownAllocation, allocationID)
	}
	switch c.State {
	case StateInitializing:
		c.State = StateStarted
		c.Unassigned = nil
	case StateRelocating:
		c.NodeID = c.RelocatingNodeID
		c.RelocatingNodeID = ""
		c.State = StateStarted
	default:
		return ShardRouting{}, fmt.Errorf("%w: cannot start %s", errs.ErrIllegalTransition, c)
	}
	return c.clone(), nil
}

// FailShard reports a failed recovery. An initializing copy returns to
// UNASSIGNED with its failure count incremented; a failed relocation is
// cancelled and the copy stays on its source node.
func (b *Builder) FailShard(allocationID, message string) (ShardRouting, error) {
	c := b.byAllocationID(allocationID)
	if c == nil {
		return ShardRouting{}, fmt.Errorf("%w: %s", errs.ErrUnknownAllocation, allocationID)
	}
	switch c.State {
	case StateInitializing:
		failures := c.FailedAllocations() + 1
		b.unassign(c, ReasonAllocationFailed, message)
		c.Unassigned.FailedAllocations = failures
		if c.Primary {
			b.failInitializingReplicas(c.ShardID, message)
		}
	case StateRelocating:
		c.State = StateStarted
		c.RelocatingNodeID = ""
	default:
		return ShardRouting{}, fmt.Errorf("%w: cannot fail %s", errs.ErrIllegalTransition, c)
	}
	return c.clone(), nil
}

func (b *Builder) unassign(c *ShardRouting, reason UnassignedReason, message string) {
	c.State = StateUnassigned
	c.NodeID = ""
	c.RelocatingNodeID = ""
	c.AllocationID = ""
	c.Unassigned = &UnassignedInfo{Reason: reason, Message: message, Status: StatusNoAttempt}
}

// replicas recover from the primary, so they cannot outlive its loss
func (b *Builder) failInitializingReplicas(id ShardID, message string) {
	copies := b.shards[id]
	for i := range copies {
		if !copies[i].Primary && copies[i].Initializing() {
			b.unassign(&copies[i], ReasonPrimaryFailed, message)
		}
	}
}

// DisassociateNode handles a node leaving the cluster: copies on the node
// become unassigned, relocations towards it are cancelled, and an active
// replica is promoted wherever the primary was lost. It returns the copies
// that lost their node.
func (b *Builder) DisassociateNode(nodeID string) []ShardRouting {
	var lost []ShardRouting
	for _, id := range sortedShardIDs(b.shards) {
		copies := b.shards[id]
		primaryLost := false
		for i := range copies {
			c := &copies[i]
			if c.RelocatingNodeID == nodeID {
				c.State = StateStarted
				c.RelocatingNodeID = ""
			}
			if c.NodeID != nodeID {
				continue
			}
			if c.Primary {
				primaryLost = true
			}
			b.unassign(c, ReasonNodeLeft, fmt.Sprintf("node [%s] left the cluster", nodeID))
			lost = append(lost, c.clone())
		}
		if primaryLost {
			b.promoteReplica(id, nodeID)
		}
	}
	return lost
}

func (b *Builder) promoteReplica(id ShardID, nodeID string) {
	copies := b.shards[id]
	oldPrimary, candidate := -1, -1
	for i := range copies {
		if copies[i].Primary {
			oldPrimary = i
		} else if candidate < 0 && copies[i].Active() {
			candidate = i
		}
	}
	if oldPrimary < 0 {
		return
	}
	if candidate < 0 {
		b.failInitializingReplicas(id, fmt.Sprintf("primary lost with node [%s]", nodeID))
		return
	}
	copies[oldPrimary].Primary = false
	copies[candidate].Primary = true
}

// ResetFailedAllocations clears failure counters so copies that exhausted
// their retries are considered again. It returns how many were reset.
func (b *Builder) ResetFailedAllocations() int {
	reset := 0
	for _, copies := range b.shards {
		for i := range copies {
			if copies[i].Unassigned != nil && copies[i].Unassigned.FailedAllocations > 0 {
				copies[i].Unassigned.FailedAllocations = 0
				reset++
			}
		}
	}
	return reset
}

// CompleteReadySplits finishes every in-place split whose child copies are
// all started: children lose their parent reference and the parent shard is
// removed. It returns the parents that were completed, in order.
func (b *Builder) CompleteReadySplits() []ShardID {
	children := make(map[ShardID][]ShardID)
	for id, copies := range b.shards {
		for _, c := range copies {
			if c.ParentShardID != nil {
				children[*c.ParentShardID] = append(children[*c.ParentShardID], id)
				break
			}
		}
	}
	parents := sortedShardIDs(children)

	var done []ShardID
	for _, parent := range parents {
		ready := true
		for _, child := range children[parent] {
			for _, c := range b.shards[child] {
				if !c.Started() {
					ready = false
				}
			}
		}
		if !ready {
			continue
		}
		for _, child := range children[parent] {
			copies := b.shards[child]
			for i := range copies {
				copies[i].ParentShardID = nil
			}
		}
		delete(b.shards, parent)
		done = append(done, parent)
	}
	return done
}

func sortedShardIDs[V any](m map[ShardID]V) []ShardID {
	ids := make([]ShardID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ShardID) int { return a.Compare(b) })
	return ids
}
