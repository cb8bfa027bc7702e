package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "shardalloc"
)

var (
	// DecisionsTotal counts decider verdicts
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of decider verdicts",
		},
		[]string{"decider", "op", "decision"}, // op: allocate/remain/rebalance
	)

	// DeciderFaults counts recovered decider panics
	DeciderFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decider_faults_total",
			Help:      "Total number of decider evaluations that failed and were treated as NO",
		},
		[]string{"decider"},
	)

	// CyclesTotal counts allocation cycles
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of allocation cycles",
		},
		[]string{"outcome"}, // committed/unchanged/superseded/error
	)

	// CycleDuration measures allocation cycle latency
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Allocation cycle latency in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// ShardCopies tracks copies per state
	ShardCopies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_copies",
			Help:      "Number of shard copies in each state",
		},
		[]string{"state"},
	)

	// DelayedCopies tracks copies held back by throttling
	DelayedCopies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delayed_copies",
			Help:      "Number of copies whose allocation was throttled in the last cycle",
		},
	)

	// ClusterNodes tracks cluster members
	ClusterNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Number of nodes in the cluster",
		},
	)

	// UnhealthyNodes tracks nodes failing their health probes
	UnhealthyNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unhealthy_nodes",
			Help:      "Number of monitored nodes currently marked unhealthy",
		},
	)
)
