package decider

import (
	"golang.org/x/exp/slices"

	errs "github.com/dreamware/shardalloc/internal/errors"
)

// Allocation enable values.
const (
	EnableAll          = "all"
	EnablePrimaries    = "primaries"
	EnableNewPrimaries = "new_primaries"
	EnableReplicas     = "replicas"
	EnableNone         = "none"
)

// Settings configures the built-in deciders. It is read once when the chain
// is built; changing it afterwards has no effect on existing chains.
type Settings struct {
	// Enable restricts which unassigned copies may be allocated:
	// all, primaries, new_primaries or none.
	Enable string `mapstructure:"enable" yaml:"enable"`
	// RebalanceEnable restricts which copies may be rebalanced:
	// all, primaries, replicas or none.
	RebalanceEnable string `mapstructure:"rebalance_enable" yaml:"rebalance_enable"`
	// TotalShardsPerNode caps copies per node across all indices; -1 is
	// unlimited.
	TotalShardsPerNode int `mapstructure:"total_shards_per_node" yaml:"total_shards_per_node"`
	// NodeConcurrentRecoveries caps recoveries into, and out of, one node.
	NodeConcurrentRecoveries int `mapstructure:"node_concurrent_recoveries" yaml:"node_concurrent_recoveries"`
	// NodeInitialPrimariesRecoveries caps new primaries initializing on one
	// node.
	NodeInitialPrimariesRecoveries int `mapstructure:"node_initial_primaries_recoveries" yaml:"node_initial_primaries_recoveries"`
	// ClusterConcurrentRebalance caps relocations in flight; -1 is unlimited.
	ClusterConcurrentRebalance int `mapstructure:"cluster_concurrent_rebalance" yaml:"cluster_concurrent_rebalance"`
	// AwarenessAttributes lists node attributes copies must be spread over.
	AwarenessAttributes []string `mapstructure:"awareness_attributes" yaml:"awareness_attributes"`
	// Include, Exclude and Require are cluster level attribute filters.
	Include map[string]string `mapstructure:"include" yaml:"include"`
	Exclude map[string]string `mapstructure:"exclude" yaml:"exclude"`
	Require map[string]string `mapstructure:"require" yaml:"require"`
	// MaxRetries is how many failed allocations a copy gets before it is
	// left unassigned until a retry is requested.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Enable:                         EnableAll,
		RebalanceEnable:                EnableAll,
		TotalShardsPerNode:             -1,
		NodeConcurrentRecoveries:       2,
		NodeInitialPrimariesRecoveries: 4,
		ClusterConcurrentRebalance:     2,
		MaxRetries:                     5,
	}
}

// Validate rejects values the deciders cannot interpret.
func (s Settings) Validate() error {
	if !slices.Contains([]string{EnableAll, EnablePrimaries, EnableNewPrimaries, EnableNone}, s.Enable) {
		return errs.InvalidSettingError("enable", s.Enable)
	}
	if !slices.Contains([]string{EnableAll, EnablePrimaries, EnableReplicas, EnableNone}, s.RebalanceEnable) {
		return errs.InvalidSettingError("rebalance_enable", s.RebalanceEnable)
	}
	if s.TotalShardsPerNode < -1 {
		return errs.InvalidSettingError("total_shards_per_node", s.TotalShardsPerNode)
	}
	if s.NodeConcurrentRecoveries < 1 {
		return errs.InvalidSettingError("node_concurrent_recoveries", s.NodeConcurrentRecoveries)
	}
	if s.NodeInitialPrimariesRecoveries < 1 {
		return errs.InvalidSettingError("node_initial_primaries_recoveries", s.NodeInitialPrimariesRecoveries)
	}
	if s.ClusterConcurrentRebalance < -1 {
		return errs.InvalidSettingError("cluster_concurrent_rebalance", s.ClusterConcurrentRebalance)
	}
	if s.MaxRetries < 0 {
		return errs.InvalidSettingError("max_retries", s.MaxRetries)
	}
	return nil
}

// NewDefaultChain builds the built-in deciders in their standard order.
func NewDefaultChain(s Settings) (*Chain, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return NewChain(
		NewMaxRetry(s.MaxRetries),
		ReplicaAfterPrimaryActive{},
		NewEnable(s.Enable, s.RebalanceEnable),
		InPlaceShardSplit{},
		SameShard{},
		NewFilter(s.Include, s.Exclude, s.Require),
		NewAwareness(s.AwarenessAttributes),
		NewShardsLimit(s.TotalShardsPerNode),
		NewThrottling(s.NodeConcurrentRecoveries, s.NodeInitialPrimariesRecoveries),
		NewConcurrentRebalance(s.ClusterConcurrentRebalance),
	), nil
}
