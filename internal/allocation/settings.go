package allocation

import (
	"github.com/dreamware/shardalloc/internal/allocation/decider"
	errs "github.com/dreamware/shardalloc/internal/errors"
)

// Settings configures the allocator and its deciders.
type Settings struct {
	// Workers bounds how many (copy, node) pairs are evaluated at once.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// ShardBalance weighs the total number of copies on a node.
	ShardBalance float64 `mapstructure:"shard_balance" yaml:"shard_balance"`
	// IndexBalance weighs the number of copies of the same index on a node.
	IndexBalance float64 `mapstructure:"index_balance" yaml:"index_balance"`
	// Threshold is the minimum weight difference worth a rebalancing move.
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	// Rebalance enables the balancing pass of automatic cycles.
	Rebalance bool `mapstructure:"rebalance" yaml:"rebalance"`

	Deciders decider.Settings `mapstructure:"deciders" yaml:"deciders"`
}

// DefaultSettings returns the settings the coordinator starts from: four
// workers, index balance weighted slightly above shard balance, a threshold
// of one copy and rebalancing on.
func DefaultSettings() Settings {
	return Settings{
		Workers:      4,
		ShardBalance: 0.45,
		IndexBalance: 0.55,
		Threshold:    1.0,
		Rebalance:    true,
		Deciders:     decider.DefaultSettings(),
	}
}

// Validate rejects settings the allocator cannot run with: no workers,
// negative or all-zero balance factors, a threshold that is not positive,
// and invalid decider settings. Errors name the offending setting.
func (s Settings) Validate() error {
	if s.Workers < 1 {
		return errs.InvalidSettingError("workers", s.Workers)
	}
	if s.ShardBalance < 0 {
		return errs.InvalidSettingError("shard_balance", s.ShardBalance)
	}
	if s.IndexBalance < 0 {
		return errs.InvalidSettingError("index_balance", s.IndexBalance)
	}
	if s.ShardBalance+s.IndexBalance <= 0 {
		return errs.InvalidSettingError("shard_balance+index_balance", s.ShardBalance+s.IndexBalance)
	}
	if s.Threshold <= 0 {
		return errs.InvalidSettingError("threshold", s.Threshold)
	}
	return s.Deciders.Validate()
}
