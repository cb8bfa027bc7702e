package routing

import (
	"fmt"

	"golang.org/x/exp/slices"

	errs "github.com/dreamware/shardalloc/internal/errors"
)

// ClusterState is an agreed snapshot of the cluster: its members, index
// metadata and routing table. It is never modified in place; the With*
// helpers return a new state sharing unchanged parts with the old one.
type ClusterState struct {
	version int64
	nodes   map[string]Node
	indices map[string]IndexMetadata
	table   *RoutingTable
}

// NewClusterState returns an empty state at version 0.
func NewClusterState() *ClusterState {
	return &ClusterState{
		nodes:   make(map[string]Node),
		indices: make(map[string]IndexMetadata),
		table:   EmptyRoutingTable(),
	}
}

// Version increases by one with every change.
func (s *ClusterState) Version() int64 { return s.version }

// Nodes returns every member ordered by id.
func (s *ClusterState) Nodes() []Node {
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.clone())
	}
	slices.SortFunc(out, func(a, b Node) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Node returns a copy of the member with the given id.
func (s *ClusterState) Node(id string) (Node, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Indices returns the metadata of every index ordered by name.
func (s *ClusterState) Indices() []IndexMetadata {
	out := make([]IndexMetadata, 0, len(s.indices))
	for _, m := range s.indices {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b IndexMetadata) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Index returns the metadata of the named index.
func (s *ClusterState) Index(name string) (IndexMetadata, bool) {
	m, ok := s.indices[name]
	return m, ok
}

// RoutingTable returns the immutable routing table.
func (s *ClusterState) RoutingTable() *RoutingTable { return s.table }

func (s *ClusterState) next() *ClusterState {
	return &ClusterState{
		version: s.version + 1,
		nodes:   s.nodes,
		indices: s.indices,
		table:   s.table,
	}
}

// WithNode returns a state where node is a member, replacing any member with
// the same id.
func (s *ClusterState) WithNode(node Node) *ClusterState {
	out := s.next()
	out.nodes = make(map[string]Node, len(s.nodes)+1)
	for id, n := range s.nodes {
		out.nodes[id] = n
	}
	out.nodes[node.ID] = node.clone()
	return out
}

// WithoutNode removes a member and disassociates every copy it held.
func (s *ClusterState) WithoutNode(id string) (*ClusterState, error) {
	if _, ok := s.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownNode, id)
	}
	out := s.next()
	out.nodes = make(map[string]Node, len(s.nodes))
	for nodeID, n := range s.nodes {
		if nodeID != id {
			out.nodes[nodeID] = n
		}
	}
	b := s.table.Builder()
	b.DisassociateNode(id)
	out.table = b.Build()
	return out, nil
}

// WithIndex creates an index and adds its shards, all unassigned.
func (s *ClusterState) WithIndex(meta IndexMetadata) (*ClusterState, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.indices[meta.Name]; ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrIndexExists, meta.Name)
	}
	b := s.table.Builder()
	for i := 0; i < meta.NumberOfShards; i++ {
		if err := b.AddShard(ShardID{Index: meta.Name, Shard: i}, meta.NumberOfReplicas, nil, ReasonIndexCreated); err != nil {
			return nil, err
		}
	}
	out := s.withIndexMetadata(meta)
	out.table = b.Build()
	return out, nil
}

func (s *ClusterState) withIndexMetadata(meta IndexMetadata) *ClusterState {
	out := s.next()
	out.indices = make(map[string]IndexMetadata, len(s.indices)+1)
	for name, m := range s.indices {
		out.indices[name] = m
	}
	out.indices[meta.Name] = meta
	return out
}

// WithRoutingTable returns a state carrying table.
func (s *ClusterState) WithRoutingTable(table *RoutingTable) *ClusterState {
	out := s.next()
	out.table = table
	return out
}

// SplitShard starts an in-place split of one shard into children new shards.
// Children are numbered after the highest existing shard of the index and
// reference the split shard as their parent until the split completes.
func (s *ClusterState) SplitShard(index string, shard, children int) (*ClusterState, []ShardID, error) {
	meta, ok := s.indices[index]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", errs.ErrUnknownIndex, index)
	}
	parent := ShardID{Index: index, Shard: shard}
	if !s.table.Has(parent) {
		return nil, nil, fmt.Errorf("%w: %s", errs.ErrUnknownShard, parent)
	}
	if children < 2 {
		return nil, nil, fmt.Errorf("%w: %s needs at least 2 children, got %d", errs.ErrInvalidSplit, parent, children)
	}
	if len(s.table.Children(parent)) > 0 {
		return nil, nil, fmt.Errorf("%w: %s is already being split", errs.ErrInvalidSplit, parent)
	}
	for _, c := range s.table.Copies(parent) {
		if c.ParentShardID != nil {
			return nil, nil, fmt.Errorf("%w: %s is itself still being split from %s", errs.ErrInvalidSplit, parent, c.ParentShardID)
		}
	}

	next := 0
	for _, id := range s.table.IndexShards(index) {
		if id.Shard >= next {
			next = id.Shard + 1
		}
	}
	b := s.table.Builder()
	created := make([]ShardID, 0, children)
	for i := 0; i < children; i++ {
		id := ShardID{Index: index, Shard: next + i}
		if err := b.AddShard(id, meta.NumberOfReplicas, &parent, ReasonSplitCreated); err != nil {
			return nil, nil, err
		}
		created = append(created, id)
	}
	meta.NumberOfShards += children
	out := s.withIndexMetadata(meta)
	out.table = b.Build()
	return out, created, nil
}

// CompleteSplits drops every split parent whose children are all started.
// It returns the state unchanged when no split is ready.
func (s *ClusterState) CompleteSplits() (*ClusterState, []ShardID) {
	b := s.table.Builder()
	done := b.CompleteReadySplits()
	if len(done) == 0 {
		return s, nil
	}
	counts := make(map[string]int)
	for _, id := range done {
		counts[id.Index]++
	}
	out := s.next()
	out.indices = make(map[string]IndexMetadata, len(s.indices))
	for name, m := range s.indices {
		m.NumberOfShards -= counts[name]
		out.indices[name] = m
	}
	out.table = b.Build()
	return out, done
}
