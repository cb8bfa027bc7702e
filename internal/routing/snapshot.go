package routing

import (
	"fmt"

	errs "github.com/dreamware/shardalloc/internal/errors"
)

// Snapshot is the serializable form of a ClusterState, used by the control
// API and by snapshot files.
type Snapshot struct {
	Version int64           `json:"version" yaml:"version"`
	Nodes   []Node          `json:"nodes" yaml:"nodes"`
	Indices []IndexMetadata `json:"indices" yaml:"indices"`
	Shards  []ShardRouting  `json:"shards,omitempty" yaml:"shards,omitempty"`
}

// Snapshot flattens the state.
func (s *ClusterState) Snapshot() Snapshot {
	return Snapshot{
		Version: s.version,
		Nodes:   s.Nodes(),
		Indices: s.Indices(),
		Shards:  s.table.All(),
	}
}

// FromSnapshot rebuilds a state. Indices listed without any shard copies get
// their shards created unassigned, so a hand-written snapshot only needs to
// describe nodes and indices. An index that does list copies must list all
// of them: number_of_shards shards, each with copies 0..number_of_replicas.
func FromSnapshot(snap Snapshot) (*ClusterState, error) {
	state := NewClusterState()
	for _, n := range snap.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("snapshot node without id")
		}
		state.nodes[n.ID] = n.clone()
	}

	declared := make(map[string]bool)
	for _, c := range snap.Shards {
		if _, ok := snap.indexNamed(c.ShardID.Index); !ok {
			return nil, fmt.Errorf("shard %s references an undeclared index", c.ShardID)
		}
		if c.NodeID != "" {
			if _, ok := state.nodes[c.NodeID]; !ok {
				return nil, fmt.Errorf("shard %s is placed on unknown node [%s]", c.ShardID, c.NodeID)
			}
		}
		declared[c.ShardID.Index] = true
	}
	table, err := NewRoutingTable(snap.Shards)
	if err != nil {
		return nil, err
	}
	b := table.Builder()
	for _, meta := range snap.Indices {
		if err := meta.Validate(); err != nil {
			return nil, err
		}
		state.indices[meta.Name] = meta
		if declared[meta.Name] {
			if err := checkIndexCopies(meta, table); err != nil {
				return nil, err
			}
			continue
		}
		for i := 0; i < meta.NumberOfShards; i++ {
			if err := b.AddShard(ShardID{Index: meta.Name, Shard: i}, meta.NumberOfReplicas, nil, ReasonIndexCreated); err != nil {
				return nil, err
			}
		}
	}
	state.table = b.Build()
	state.version = snap.Version
	return state, nil
}

func (snap Snapshot) indexNamed(name string) (IndexMetadata, bool) {
	for _, m := range snap.Indices {
		if m.Name == name {
			return m, true
		}
	}
	return IndexMetadata{}, false
}

// checkIndexCopies verifies that the table holds every shard and copy meta
// declares, and nothing more.
func checkIndexCopies(meta IndexMetadata, table *RoutingTable) error {
	shards := table.IndexShards(meta.Name)
	if len(shards) != meta.NumberOfShards {
		return fmt.Errorf("%w: index [%s] declares %d shards, snapshot lists %d",
			errs.ErrInvalidIndex, meta.Name, meta.NumberOfShards, len(shards))
	}
	for _, id := range shards {
		copies := table.Copies(id)
		if len(copies) != 1+meta.NumberOfReplicas {
			return fmt.Errorf("%w: shard %s needs %d copies, snapshot lists %d",
				errs.ErrInvalidIndex, id, 1+meta.NumberOfReplicas, len(copies))
		}
		for _, c := range copies {
			if c.Copy < 0 || c.Copy > meta.NumberOfReplicas {
				return fmt.Errorf("%w: shard %s lists copy %d, index has %d replicas",
					errs.ErrInvalidIndex, id, c.Copy, meta.NumberOfReplicas)
			}
		}
	}
	return nil
}
