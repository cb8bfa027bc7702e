package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/shardalloc/internal/allocation"
	"github.com/dreamware/shardalloc/internal/allocation/decider"
	errs "github.com/dreamware/shardalloc/internal/errors"
)

// EnvPrefix prefixes every environment variable read by the configuration,
// e.g. SHARDALLOC_LISTEN or SHARDALLOC_ALLOCATION_WORKERS.
const EnvPrefix = "SHARDALLOC"

// Config holds the coordinator configuration
type Config struct {
	LogLevel string `yaml:"log_level"`
	Listen   string `yaml:"listen"`
	// HealthInterval is how often registered nodes are probed.
	HealthInterval time.Duration `yaml:"health_interval"`
	// HealthMaxFailures is how many failed probes remove a node.
	HealthMaxFailures int                 `yaml:"health_max_failures"`
	Allocation        allocation.Settings `yaml:"allocation"`
}

// NodeConfig holds the node agent configuration
type NodeConfig struct {
	LogLevel       string            `yaml:"log_level"`
	CoordinatorURL string            `yaml:"coordinator_url"`
	NodeID         string            `yaml:"node_id"`
	NodeAddr       string            `yaml:"node_addr"`
	Listen         string            `yaml:"listen"`
	Attributes     map[string]string `yaml:"attributes"`
	PollInterval   time.Duration     `yaml:"poll_interval"`
}

// LoadConfig loads the coordinator configuration from a config file,
// environment variables or CLI flags.
// Priority: CLI flags > Environment variables > config file > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	setCoordinatorDefaults()
	if err := setupViper("coordinator", configPath, rootCmd); err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel:          viper.GetString("log_level"),
		Listen:            viper.GetString("listen"),
		HealthInterval:    viper.GetDuration("health_interval"),
		HealthMaxFailures: viper.GetInt("health_max_failures"),
		Allocation:        loadAllocation(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings a coordinator cannot start without.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errs.InvalidSettingError("listen", c.Listen)
	}
	if c.HealthInterval <= 0 {
		return errs.InvalidSettingError("health_interval", c.HealthInterval)
	}
	if c.HealthMaxFailures < 1 {
		return errs.InvalidSettingError("health_max_failures", c.HealthMaxFailures)
	}
	return c.Allocation.Validate()
}

// LoadNodeConfig loads the node agent configuration with the same precedence
// as LoadConfig.
func LoadNodeConfig(configPath string, rootCmd *cobra.Command) (*NodeConfig, error) {
	setNodeDefaults()
	if err := setupViper("node", configPath, rootCmd); err != nil {
		return nil, err
	}

	cfg := &NodeConfig{
		LogLevel:       viper.GetString("log_level"),
		CoordinatorURL: strings.TrimRight(viper.GetString("coordinator_url"), "/"),
		NodeID:         viper.GetString("node_id"),
		NodeAddr:       viper.GetString("node_addr"),
		Listen:         viper.GetString("listen"),
		Attributes:     viper.GetStringMapString("attributes"),
		PollInterval:   viper.GetDuration("poll_interval"),
	}
	if cfg.NodeID == "" {
		return nil, errs.InvalidSettingError("node_id", cfg.NodeID)
	}
	if cfg.NodeAddr == "" {
		return nil, errs.InvalidSettingError("node_addr", cfg.NodeAddr)
	}
	if cfg.PollInterval <= 0 {
		return nil, errs.InvalidSettingError("poll_interval", cfg.PollInterval)
	}
	return cfg, nil
}

// loadAllocation reads allocation settings key by key so that nested env
// overrides are honored
func loadAllocation() allocation.Settings {
	return allocation.Settings{
		Workers:      viper.GetInt("allocation.workers"),
		ShardBalance: viper.GetFloat64("allocation.shard_balance"),
		IndexBalance: viper.GetFloat64("allocation.index_balance"),
		Threshold:    viper.GetFloat64("allocation.threshold"),
		Rebalance:    viper.GetBool("allocation.rebalance"),
		Deciders: decider.Settings{
			Enable:                         viper.GetString("allocation.deciders.enable"),
			RebalanceEnable:                viper.GetString("allocation.deciders.rebalance_enable"),
			TotalShardsPerNode:             viper.GetInt("allocation.deciders.total_shards_per_node"),
			NodeConcurrentRecoveries:       viper.GetInt("allocation.deciders.node_concurrent_recoveries"),
			NodeInitialPrimariesRecoveries: viper.GetInt("allocation.deciders.node_initial_primaries_recoveries"),
			ClusterConcurrentRebalance:     viper.GetInt("allocation.deciders.cluster_concurrent_rebalance"),
			AwarenessAttributes:            viper.GetStringSlice("allocation.deciders.awareness_attributes"),
			Include:                        stringMap("allocation.deciders.include"),
			Exclude:                        stringMap("allocation.deciders.exclude"),
			Require:                        stringMap("allocation.deciders.require"),
			MaxRetries:                     viper.GetInt("allocation.deciders.max_retries"),
		},
	}
}

func stringMap(key string) map[string]string {
	m := viper.GetStringMapString(key)
	if len(m) == 0 {
		return nil
	}
	return m
}

// setupViper configures Viper with paths, env and flag bindings
func setupViper(name, configPath string, rootCmd *cobra.Command) error {
	viper.SetConfigName(name)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if rootCmd != nil {
		if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

func setCoordinatorDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("listen", ":8080")
	viper.SetDefault("health_interval", 5*time.Second)
	viper.SetDefault("health_max_failures", 3)

	// every allocation key needs a default for env overrides to be seen
	a := allocation.DefaultSettings()
	viper.SetDefault("allocation.workers", a.Workers)
	viper.SetDefault("allocation.shard_balance", a.ShardBalance)
	viper.SetDefault("allocation.index_balance", a.IndexBalance)
	viper.SetDefault("allocation.threshold", a.Threshold)
	viper.SetDefault("allocation.rebalance", a.Rebalance)

	d := a.Deciders
	viper.SetDefault("allocation.deciders.enable", d.Enable)
	viper.SetDefault("allocation.deciders.rebalance_enable", d.RebalanceEnable)
	viper.SetDefault("allocation.deciders.total_shards_per_node", d.TotalShardsPerNode)
	viper.SetDefault("allocation.deciders.node_concurrent_recoveries", d.NodeConcurrentRecoveries)
	viper.SetDefault("allocation.deciders.node_initial_primaries_recoveries", d.NodeInitialPrimariesRecoveries)
	viper.SetDefault("allocation.deciders.cluster_concurrent_rebalance", d.ClusterConcurrentRebalance)
	viper.SetDefault("allocation.deciders.awareness_attributes", []string{})
	viper.SetDefault("allocation.deciders.max_retries", d.MaxRetries)
}

func setNodeDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("coordinator_url", "http://127.0.0.1:8080")
	viper.SetDefault("listen", ":8081")
	viper.SetDefault("poll_interval", 2*time.Second)
}
