package decider

import (
	"github.com/dreamware/shardalloc/internal/routing"
)

// MaxRetry stops allocating copies that failed too often. The counter is
// reset by a reroute that asks to retry failed allocations.
type MaxRetry struct {
	NoOpinion
	limit int
}

const maxRetryName = "max_retry"

// NewMaxRetry builds the decider; copies that failed limit times are vetoed.
func NewMaxRetry(limit int) MaxRetry {
	return MaxRetry{limit: limit}
}

// Name returns "max_retry".
func (MaxRetry) Name() string { return maxRetryName }

// CanAllocate vetoes unassigned copies whose failed allocation count has
// reached the limit. Assigned copies are not its concern.
func (d MaxRetry) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	if shard.Assigned() || shard.Unassigned == nil {
		return Always
	}
	failures := shard.FailedAllocations()
	if failures >= d.limit {
		return No(maxRetryName, "shard has exceeded the maximum number of retries [%d] on failed allocation attempts - retry with [POST /reroute?retry_failed=true], last failure [%s]",
			d.limit, shard.Unassigned.Message)
	}
	return Yes(maxRetryName, "shard has failed allocating [%d] times but [%d] retries are allowed", failures, d.limit)
}
