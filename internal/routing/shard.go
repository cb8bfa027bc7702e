package routing

import (
	"cmp"
	"fmt"
	"strings"
)

// ShardID identifies a logical shard: the index it belongs to and its number
// within that index. Shard ids order by index name, then shard number.
type ShardID struct {
	Index string `json:"index" yaml:"index"`
	Shard int    `json:"shard" yaml:"shard"`
}

// String renders the id as [index][shard].
func (id ShardID) String() string {
	return fmt.Sprintf("[%s][%d]", id.Index, id.Shard)
}

// Compare returns -1, 0 or +1 depending on whether id sorts before, equal to
// or after other.
func (id ShardID) Compare(other ShardID) int {
	if c := strings.Compare(id.Index, other.Index); c != 0 {
		return c
	}
	return cmp.Compare(id.Shard, other.Shard)
}

// ShardState is the lifecycle state of a shard copy.
type ShardState string

const (
	StateUnassigned   ShardState = "UNASSIGNED"
	StateInitializing ShardState = "INITIALIZING"
	StateStarted      ShardState = "STARTED"
	StateRelocating   ShardState = "RELOCATING"
)

// UnassignedReason records why a copy lost (or never had) a node.
type UnassignedReason string

const (
	ReasonIndexCreated     UnassignedReason = "INDEX_CREATED"
	ReasonSplitCreated     UnassignedReason = "SPLIT_CREATED"
	ReasonNodeLeft         UnassignedReason = "NODE_LEFT"
	ReasonAllocationFailed UnassignedReason = "ALLOCATION_FAILED"
	ReasonPrimaryFailed    UnassignedReason = "PRIMARY_FAILED"
)

// AllocationStatus is the outcome of the last allocation attempt for an
// unassigned copy.
type AllocationStatus string

const (
	StatusNoAttempt AllocationStatus = "no_attempt"
	StatusThrottled AllocationStatus = "throttled"
	StatusNo        AllocationStatus = "no"
)

// UnassignedInfo is attached to every copy that is not on a node. It carries
// the explanation operators see through the diagnostics interface.
type UnassignedInfo struct {
	Reason            UnassignedReason `json:"reason" yaml:"reason"`
	Message           string           `json:"message,omitempty" yaml:"message,omitempty"`
	FailedAllocations int              `json:"failed_allocations,omitempty" yaml:"failed_allocations,omitempty"`
	Status            AllocationStatus `json:"last_allocation_status,omitempty" yaml:"last_allocation_status,omitempty"`
	Explanation       string           `json:"explanation,omitempty" yaml:"explanation,omitempty"`
}

// ShardRouting is one copy of a shard: the primary or one of its replicas.
//
// Copy is the position of the copy within its shard and stays stable when a
// replica is promoted, so (ShardID, Copy) identifies a copy across cycles.
// NodeID is empty exactly when the copy is unassigned. A RELOCATING copy still
// lives on NodeID and moves to RelocatingNodeID.
//
// ParentShardID is set on children of an in-place split until the split
// completes. It is a plain identity resolved through the routing table.
type ShardRouting struct {
	ShardID          ShardID         `json:"shard_id" yaml:"shard_id"`
	Copy             int             `json:"copy" yaml:"copy"`
	Primary          bool            `json:"primary" yaml:"primary"`
	State            ShardState      `json:"state" yaml:"state"`
	NodeID           string          `json:"node,omitempty" yaml:"node,omitempty"`
	RelocatingNodeID string          `json:"relocating_node,omitempty" yaml:"relocating_node,omitempty"`
	ParentShardID    *ShardID        `json:"parent_shard,omitempty" yaml:"parent_shard,omitempty"`
	AllocationID     string          `json:"allocation_id,omitempty" yaml:"allocation_id,omitempty"`
	Unassigned       *UnassignedInfo `json:"unassigned_info,omitempty" yaml:"unassigned_info,omitempty"`
}

// CopyKey identifies a shard copy independently of its placement.
type CopyKey struct {
	ShardID ShardID
	Copy    int
}

// Compare orders keys by shard id, then copy number.
func (k CopyKey) Compare(other CopyKey) int {
	if c := k.ShardID.Compare(other.ShardID); c != 0 {
		return c
	}
	return cmp.Compare(k.Copy, other.Copy)
}

// Key returns the placement-independent identity of the copy.
func (s ShardRouting) Key() CopyKey {
	return CopyKey{ShardID: s.ShardID, Copy: s.Copy}
}

// SameCopy reports whether s and other describe the same shard copy.
func (s ShardRouting) SameCopy(other ShardRouting) bool {
	return s.Key() == other.Key()
}

// Assigned reports whether the copy is on a node.
func (s ShardRouting) Assigned() bool { return s.NodeID != "" }

// IsUnassigned reports whether the copy is UNASSIGNED.
func (s ShardRouting) IsUnassigned() bool { return s.State == StateUnassigned }

// Initializing reports whether the copy is INITIALIZING.
func (s ShardRouting) Initializing() bool { return s.State == StateInitializing }

// Started reports whether the copy is STARTED.
func (s ShardRouting) Started() bool { return s.State == StateStarted }

// Relocating reports whether the copy is RELOCATING.
func (s ShardRouting) Relocating() bool { return s.State == StateRelocating }

// Active reports whether the copy holds a complete set of data.
func (s ShardRouting) Active() bool {
	return s.State == StateStarted || s.State == StateRelocating
}

// InitialPrimary reports whether s is a primary that has never been
// allocated, so its recovery starts from an empty store.
func (s ShardRouting) InitialPrimary() bool {
	if !s.Primary || s.Unassigned == nil {
		return false
	}
	return s.Unassigned.Reason == ReasonIndexCreated || s.Unassigned.Reason == ReasonSplitCreated
}

// FailedAllocations returns how many times allocating this copy failed.
func (s ShardRouting) FailedAllocations() int {
	if s.Unassigned == nil {
		return 0
	}
	return s.Unassigned.FailedAllocations
}

// String renders the copy for logs and explanations, e.g.
// "[logs][0], node[n1], relocating [n2], [P], s[RELOCATING]".
func (s ShardRouting) String() string {
	var b strings.Builder
	b.WriteString(s.ShardID.String())
	if s.NodeID != "" {
		fmt.Fprintf(&b, ", node[%s]", s.NodeID)
	} else {
		b.WriteString(", node[null]")
	}
	if s.RelocatingNodeID != "" {
		fmt.Fprintf(&b, ", relocating [%s]", s.RelocatingNodeID)
	}
	if s.Primary {
		b.WriteString(", [P]")
	} else {
		fmt.Fprintf(&b, ", [R%d]", s.Copy)
	}
	if s.ParentShardID != nil {
		fmt.Fprintf(&b, ", split from %s", s.ParentShardID)
	}
	fmt.Fprintf(&b, ", s[%s]", s.State)
	return b.String()
}
