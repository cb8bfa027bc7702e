package decider

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardalloc/internal/routing"
)

// Filter restricts copies to nodes whose attributes match the include,
// exclude and require filters of their index and of the cluster. Values are
// comma separated and may use glob patterns; the attribute "_id" matches the
// node id. Attribute names are case-insensitive, see routing.Node.Attribute.
//
// Patterns follow path.Match, so '*' and '?' never match '/': a node with
// rack "dc1/r7" is matched by "dc1/*" but not by "dc1*". Malformed patterns
// match nothing.
//
// Example:
//
//	NewFilter(
//	    map[string]string{"zone": "us-east-1a, us-east-1b"}, // include
//	    map[string]string{"_id": "node-7"},                  // exclude
//	    map[string]string{"disk": "ssd"},                    // require
//	)
type Filter struct {
	NoOpinion
	cluster filters
}

const filterName = "filter"

type filters struct {
	include map[string][]string
	exclude map[string][]string
	require map[string][]string
}

// NewFilter builds the decider from cluster level filters; each map goes
// from attribute name to a comma separated list of patterns.
func NewFilter(include, exclude, require map[string]string) Filter {
	return Filter{cluster: parseFilters(include, exclude, require)}
}

func parseFilters(include, exclude, require map[string]string) filters {
	return filters{
		include: parseFilter(include),
		exclude: parseFilter(exclude),
		require: parseFilter(require),
	}
}

func parseFilter(raw map[string]string) map[string][]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string][]string, len(raw))
	for attr, values := range raw {
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out[attr] = append(out[attr], v)
			}
		}
	}
	return out
}

// Name returns "filter".
func (Filter) Name() string { return filterName }

// CanAllocate vetoes nodes that fail the cluster or index filters.
func (d Filter) CanAllocate(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	return d.check(shard, node, alloc)
}

// CanRemain applies the same filters to the node a copy is on.
func (d Filter) CanRemain(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	return d.check(shard, node, alloc)
}

func (d Filter) check(shard routing.ShardRouting, node *routing.RoutingNode, alloc *routing.Allocation) Decision {
	if meta, ok := alloc.Index(shard.ShardID.Index); ok {
		index := parseFilters(meta.Include, meta.Exclude, meta.Require)
		if reason := index.mismatch(node.Node()); reason != "" {
			return No(filterName, "node does not match index setting %s", reason)
		}
	}
	if reason := d.cluster.mismatch(node.Node()); reason != "" {
		return No(filterName, "node does not match cluster setting %s", reason)
	}
	return Yes(filterName, "node passes include/exclude/require filters")
}

// mismatch returns a description of the first filter the node fails, or ""
// when it passes all of them.
func (f filters) mismatch(node routing.Node) string {
	for _, attr := range sortedKeys(f.require) {
		if !matchesAny(node, attr, f.require[attr]) {
			return fmt.Sprintf("[require] filters [%s]", describe(f.require))
		}
	}
	if len(f.include) > 0 {
		included := false
		for _, attr := range sortedKeys(f.include) {
			if matchesAny(node, attr, f.include[attr]) {
				included = true
				break
			}
		}
		if !included {
			return fmt.Sprintf("[include] filters [%s]", describe(f.include))
		}
	}
	for _, attr := range sortedKeys(f.exclude) {
		if matchesAny(node, attr, f.exclude[attr]) {
			return fmt.Sprintf("[exclude] filters [%s]", describe(f.exclude))
		}
	}
	return ""
}

// matchesAny reports whether the node's attr value matches one of patterns.
func matchesAny(node routing.Node, attr string, patterns []string) bool {
	value, ok := node.Attribute(attr)
	if !ok {
		return false
	}
	for _, p := range patterns {
		if matched, err := path.Match(p, value); err == nil && matched {
			return true
		}
	}
	return false
}

func describe(f map[string][]string) string {
	parts := make([]string, 0, len(f))
	for _, attr := range sortedKeys(f) {
		parts = append(parts, fmt.Sprintf("%s:%q", attr, strings.Join(f[attr], ",")))
	}
	return strings.Join(parts, " OR ")
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
