package routing

import (
	"fmt"
	"strings"

	errs "github.com/dreamware/shardalloc/internal/errors"
)

// Node is a cluster member as seen by allocation: an identity and a set of
// attributes used by topology-aware deciders.
type Node struct {
	ID         string            `json:"id" yaml:"id"`
	Addr       string            `json:"addr,omitempty" yaml:"addr,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Attribute returns the value of the named attribute. The pseudo attribute
// "_id" resolves to the node id.
//
// Attribute names are case-insensitive: configuration loaded through viper
// arrives lower-cased, while nodes may register "Zone" or "RACK". Values
// are compared as given.
func (n Node) Attribute(name string) (string, bool) {
	if name == "_id" {
		return n.ID, true
	}
	if v, ok := n.Attributes[name]; ok {
		return v, true
	}
	for k, v := range n.Attributes {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func (n Node) clone() Node {
	out := n
	if n.Attributes != nil {
		out.Attributes = make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// String renders the node as {id}{addr}.
func (n Node) String() string {
	return fmt.Sprintf("{%s}{%s}", n.ID, n.Addr)
}

// IndexMetadata carries the per-index settings allocation needs.
//
// Include, Exclude and Require map an attribute name to a comma separated
// list of values (globs allowed), mirroring the cluster level filters.
type IndexMetadata struct {
	Name               string            `json:"name" yaml:"name"`
	NumberOfShards     int               `json:"number_of_shards" yaml:"number_of_shards"`
	NumberOfReplicas   int               `json:"number_of_replicas" yaml:"number_of_replicas"`
	TotalShardsPerNode int               `json:"total_shards_per_node,omitempty" yaml:"total_shards_per_node,omitempty"`
	Include            map[string]string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude            map[string]string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Require            map[string]string `json:"require,omitempty" yaml:"require,omitempty"`
}

// Validate checks the structural settings of an index.
func (m IndexMetadata) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: index name cannot be empty", errs.ErrInvalidIndex)
	}
	if m.NumberOfShards < 1 {
		return fmt.Errorf("%w: index [%s]: number_of_shards must be >= 1, got %d", errs.ErrInvalidIndex, m.Name, m.NumberOfShards)
	}
	if m.NumberOfReplicas < 0 {
		return fmt.Errorf("%w: index [%s]: number_of_replicas must be >= 0, got %d", errs.ErrInvalidIndex, m.Name, m.NumberOfReplicas)
	}
	return nil
}
