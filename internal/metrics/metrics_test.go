package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardalloc/internal/routing"
)

// TestMetricsRecording tests that the record helpers move their collectors.
// The registry is global, so assertions compare against the value before.
func TestMetricsRecording(t *testing.T) {
	before := testutil.ToFloat64(DecisionsTotal.WithLabelValues("same_shard", "allocate", "NO"))
	RecordDecision("same_shard", "allocate", "NO")
	assert.Equal(t, before+1, testutil.ToFloat64(DecisionsTotal.WithLabelValues("same_shard", "allocate", "NO")))

	before = testutil.ToFloat64(DeciderFaults.WithLabelValues("broken"))
	RecordFault("broken")
	assert.Equal(t, before+1, testutil.ToFloat64(DeciderFaults.WithLabelValues("broken")))

	before = testutil.ToFloat64(CyclesTotal.WithLabelValues("superseded"))
	RecordCycle("superseded", 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(CyclesTotal.WithLabelValues("superseded")))

	RecordDelayed(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(DelayedCopies))

	RecordUnhealthyNodes(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(UnhealthyNodes))
}

// TestCollectState tests the state gauges
func TestCollectState(t *testing.T) {
	state, err := routing.NewClusterState().
		WithNode(routing.Node{ID: "n1"}).
		WithIndex(routing.IndexMetadata{Name: "logs", NumberOfShards: 2, NumberOfReplicas: 1})
	require.NoError(t, err)

	CollectState(state)
	assert.Equal(t, float64(4), testutil.ToFloat64(ShardCopies.WithLabelValues("UNASSIGNED")))
	assert.Equal(t, float64(0), testutil.ToFloat64(ShardCopies.WithLabelValues("STARTED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ClusterNodes))
}
