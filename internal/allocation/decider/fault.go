package decider

import (
	"fmt"

	"github.com/dreamware/shardalloc/internal/routing"
)

// Fault is returned by the chain when a decider panics. The pair it was
// evaluating is treated as NO; nothing else is affected.
type Fault struct {
	Decider string               // Name of the decider that panicked
	Op      string               // allocate, remain or rebalance
	Copy    routing.ShardRouting // The copy being evaluated
	NodeID  string               // The candidate node; empty for rebalance
	Value   any                  // The recovered panic value
}

// Error describes the failed evaluation.
func (f *Fault) Error() string {
	if f.NodeID == "" {
		return fmt.Sprintf("decider [%s] failed in %s for %s: %v", f.Decider, f.Op, f.Copy.ShardID, f.Value)
	}
	return fmt.Sprintf("decider [%s] failed in %s for %s on node [%s]: %v", f.Decider, f.Op, f.Copy.ShardID, f.NodeID, f.Value)
}

// Unwrap exposes the panic value when it was an error.
func (f *Fault) Unwrap() error {
	if err, ok := f.Value.(error); ok {
		return err
	}
	return nil
}

// decision is the implicit veto standing in for the failed evaluation.
func (f *Fault) decision() Decision {
	return No(f.Decider, "decider failed: %v", f.Value)
}
