package allocation

import (
	"math"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardalloc/internal/routing"
)

// weightEpsilon absorbs rounding in weight comparisons.
const weightEpsilon = 1e-9

// balancer scores nodes for one round. A lower weight means a node that
// should receive copies; the copy of index i placed on node n raises
//
//	weight(n, i) = θ0·(shards(n) − avgShards) + θ1·(shards(n, i) − avgShards(i))
//
// where θ0 and θ1 are the shard and index balance factors normalized to sum
// to one. A copy relocating away counts on its target only.
type balancer struct {
	theta0, theta1 float64
	nodes          []string
	shards         map[string]int
	indexShards    map[string]map[string]int
	total          int
	indexTotal     map[string]int
}

func newBalancer(nodes *routing.RoutingNodes, shardBalance, indexBalance float64) *balancer {
	sum := shardBalance + indexBalance
	b := &balancer{
		theta0:      shardBalance / sum,
		theta1:      indexBalance / sum,
		shards:      make(map[string]int),
		indexShards: make(map[string]map[string]int),
		indexTotal:  make(map[string]int),
	}
	for _, n := range nodes.All() {
		id := n.ID()
		b.nodes = append(b.nodes, id)
		b.indexShards[id] = make(map[string]int)
		count := func(c routing.ShardRouting) {
			b.shards[id]++
			b.indexShards[id][c.ShardID.Index]++
			b.total++
			b.indexTotal[c.ShardID.Index]++
		}
		for _, c := range n.Copies() {
			if !c.Relocating() {
				count(c)
			}
		}
		for _, c := range n.Incoming() {
			count(c)
		}
	}
	return b
}

func (b *balancer) weight(nodeID, index string) float64 {
	if len(b.nodes) == 0 {
		return 0
	}
	n := float64(len(b.nodes))
	avgShards := float64(b.total) / n
	avgIndex := float64(b.indexTotal[index]) / n
	return b.theta0*(float64(b.shards[nodeID])-avgShards) +
		b.theta1*(float64(b.indexShards[nodeID][index])-avgIndex)
}

// improves reports whether moving one copy of index from heavy to light
// narrows the weight gap between them. A move shifts the gap by twice the
// summed factors, so a gap at or below that sum would only flip sides.
func (b *balancer) improves(heavy, light, index string) bool {
	gap := b.weight(heavy, index) - b.weight(light, index)
	after := gap - 2*(b.theta0+b.theta1)
	return math.Abs(after) < gap-weightEpsilon
}

// rank orders node ids by ascending weight for index, ties broken by id.
func (b *balancer) rank(nodeIDs []string, index string) []string {
	out := slices.Clone(nodeIDs)
	slices.SortStableFunc(out, func(x, y string) int {
		wx, wy := b.weight(x, index), b.weight(y, index)
		switch {
		case wx < wy:
			return -1
		case wx > wy:
			return 1
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	})
	return out
}

// indices returns every index with copies on some node, sorted.
func (b *balancer) indices() []string {
	out := make([]string, 0, len(b.indexTotal))
	for index := range b.indexTotal {
		out = append(out, index)
	}
	slices.Sort(out)
	return out
}
