package decider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTypeOrdering tests that verdicts order from most to least restrictive
func TestTypeOrdering(t *testing.T) {
	assert.Less(t, NO, THROTTLE)
	assert.Less(t, THROTTLE, YES)
	assert.Equal(t, "THROTTLE", THROTTLE.String())
}

// TestTypeText tests verdicts rendered and parsed by name
func TestTypeText(t *testing.T) {
	out, err := json.Marshal(No("same_shard", "already here"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"decision":"NO","decider":"same_shard","explanation":"already here"}`, string(out))

	var d Decision
	require.NoError(t, json.Unmarshal([]byte(`{"decision":"throttle"}`), &d))
	assert.Equal(t, THROTTLE, d.Type)

	assert.Error(t, json.Unmarshal([]byte(`{"decision":"MAYBE"}`), &d))
	_, err = Type(7).MarshalText()
	assert.Error(t, err)
}

// TestAggregate tests combining decisions in chain order
func TestAggregate(t *testing.T) {
	yesA := Yes("a", "fine")
	yesB := Yes("b", "fine too")
	throttleB := Throttle("b", "busy")
	throttleC := Throttle("c", "busier")
	noC := No("c", "never")
	noD := No("d", "not either")

	tests := []struct {
		name  string
		input []Decision
		want  Decision
	}{
		{"empty is yes", nil, Always},
		{"yes yes", []Decision{yesA, yesB}, yesA},
		{"yes throttle yes", []Decision{yesA, throttleB, yesA}, throttleB},
		{"yes throttle no", []Decision{yesA, throttleB, noC}, noC},
		{"first throttle wins", []Decision{throttleB, throttleC}, throttleB},
		{"first no wins", []Decision{noC, noD}, noC},
		{"no before throttle", []Decision{noD, throttleB}, noD},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.input...))
		})
	}
}

// TestVetoDominance tests that any NO anywhere makes the aggregate NO
func TestVetoDominance(t *testing.T) {
	pool := []Decision{Yes("y", ""), Throttle("t", ""), No("n", "")}
	// every sequence of length 1..4 over the pool
	var walk func(prefix []Decision)
	walk = func(prefix []Decision) {
		if len(prefix) > 0 {
			hasNo, hasThrottle := false, false
			for _, d := range prefix {
				hasNo = hasNo || d.Type == NO
				hasThrottle = hasThrottle || d.Type == THROTTLE
			}
			got := Aggregate(prefix...).Type
			switch {
			case hasNo:
				assert.Equal(t, NO, got, "%v", prefix)
			case hasThrottle:
				assert.Equal(t, THROTTLE, got, "%v", prefix)
			default:
				assert.Equal(t, YES, got, "%v", prefix)
			}
		}
		if len(prefix) == 4 {
			return
		}
		for _, d := range pool {
			walk(append(append([]Decision(nil), prefix...), d))
		}
	}
	walk(nil)
}

// TestNewMulti tests that debug decisions keep every child and the same
// verdict as Aggregate
func TestNewMulti(t *testing.T) {
	children := []Decision{Yes("a", "ok"), No("b", "vetoed"), Throttle("c", "later")}
	multi := NewMulti(children)

	agg := Aggregate(children...)
	assert.Equal(t, agg.Type, multi.Type)
	assert.Equal(t, agg.Label, multi.Label)
	assert.Equal(t, agg.Explanation, multi.Explanation)
	assert.Equal(t, children, multi.Children)
}

// TestDecisionString tests the human readable rendering
func TestDecisionString(t *testing.T) {
	assert.Equal(t, "YES", Always.String())
	assert.Equal(t, "NO(same_shard)", No("same_shard", "").String())
	assert.Equal(t, "THROTTLE(throttling): busy", Throttle("throttling", "busy").String())
}
