package metrics

import (
	"time"

	"github.com/dreamware/shardalloc/internal/routing"
)

// RecordDecision records one decider verdict
func RecordDecision(decider, op, decision string) {
	DecisionsTotal.WithLabelValues(decider, op, decision).Inc()
}

// RecordFault records a recovered decider failure
func RecordFault(decider string) {
	DeciderFaults.WithLabelValues(decider).Inc()
}

// RecordCycle records the outcome of an allocation cycle
func RecordCycle(outcome string, duration time.Duration) {
	CyclesTotal.WithLabelValues(outcome).Inc()
	CycleDuration.Observe(duration.Seconds())
}

// RecordDelayed records how many copies the last cycle throttled
func RecordDelayed(n int) {
	DelayedCopies.Set(float64(n))
}

// RecordUnhealthyNodes records how many monitored nodes are unhealthy
func RecordUnhealthyNodes(n int) {
	UnhealthyNodes.Set(float64(n))
}

// CollectState refreshes the gauges describing a cluster state
func CollectState(state *routing.ClusterState) {
	counts := map[routing.ShardState]int{
		routing.StateUnassigned:   0,
		routing.StateInitializing: 0,
		routing.StateStarted:      0,
		routing.StateRelocating:   0,
	}
	for _, c := range state.RoutingTable().All() {
		counts[c.State]++
	}
	for s, n := range counts {
		ShardCopies.WithLabelValues(string(s)).Set(float64(n))
	}
	ClusterNodes.Set(float64(len(state.Nodes())))
}
