package allocation

import (
	"github.com/dreamware/shardalloc/internal/allocation/decider"
	"github.com/dreamware/shardalloc/internal/routing"
)

// Outcome is what a cycle did with one copy.
type Outcome string

const (
	// OutcomeAssigned: an unassigned copy started initializing on a node.
	OutcomeAssigned Outcome = "assigned"
	// OutcomeRelocated: a started copy began moving to another node.
	OutcomeRelocated Outcome = "relocated"
	// OutcomeDelayed: the best answer was THROTTLE; retried next cycle.
	OutcomeDelayed Outcome = "delayed"
	// OutcomeUnassigned: every node said NO.
	OutcomeUnassigned Outcome = "unassigned"
	// OutcomeKept: a copy that may not remain found no node to move to and
	// stays where it is.
	OutcomeKept Outcome = "kept"
)

// NodeDecision is the chain's answer for one node.
type NodeDecision struct {
	NodeID   string           `json:"node" yaml:"node"`
	Decision decider.Decision `json:"decision" yaml:"decision"`
	Weight   float64          `json:"weight" yaml:"weight"`
}

// ShardDecision explains what happened to one copy.
type ShardDecision struct {
	Copy     routing.ShardRouting `json:"copy" yaml:"copy"`
	Outcome  Outcome              `json:"outcome" yaml:"outcome"`
	NodeID   string               `json:"node,omitempty" yaml:"node,omitempty"`
	Decision decider.Decision     `json:"decision" yaml:"decision"`
	Nodes    []NodeDecision       `json:"nodes,omitempty" yaml:"nodes,omitempty"`
}

// Result is the output of one allocation cycle.
type Result struct {
	// State is the new cluster state; the input state when nothing changed.
	State     *routing.ClusterState `json:"-" yaml:"-"`
	Decisions []ShardDecision       `json:"decisions" yaml:"decisions"`
	Delayed   int                   `json:"delayed" yaml:"delayed"`
	Faults    []*decider.Fault      `json:"-" yaml:"-"`
	Changed   bool                  `json:"changed" yaml:"changed"`
	Rounds    int                   `json:"rounds" yaml:"rounds"`
}
