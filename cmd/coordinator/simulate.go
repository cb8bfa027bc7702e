package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/dreamware/shardalloc/internal/allocation"
	"github.com/dreamware/shardalloc/internal/routing"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate SNAPSHOT",
	Short: "Run one allocation cycle over a YAML cluster snapshot",
	Long: "simulate reads a cluster snapshot (nodes, indices and optionally shard copies), " +
		"runs a single allocation cycle with the configured settings and prints the " +
		"resulting snapshot and decisions as YAML. Nothing is contacted or changed.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		opts := simulateOptions{}
		opts.retryFailed, _ = cmd.Flags().GetBool("retry-failed")
		opts.explain, _ = cmd.Flags().GetBool("explain")
		return simulate(cmd.Context(), cfg.Allocation, data, opts, cmd.OutOrStdout())
	},
}

func init() {
	simulateCmd.Flags().Bool("retry-failed", false, "reset failure counters before allocating")
	simulateCmd.Flags().Bool("explain", false, "explain every copy left unassigned")
}

type simulateOptions struct {
	retryFailed bool
	explain     bool
}

// simulation is the printed outcome of a simulated cycle
type simulation struct {
	Snapshot     routing.Snapshot           `yaml:"snapshot"`
	Decisions    []allocation.ShardDecision `yaml:"decisions"`
	Delayed      int                        `yaml:"delayed"`
	Rounds       int                        `yaml:"rounds"`
	Faults       []string                   `yaml:"faults,omitempty"`
	Explanations []*allocation.Explanation  `yaml:"explanations,omitempty"`
}

func simulate(ctx context.Context, settings allocation.Settings, data []byte, opts simulateOptions, out io.Writer) error {
	var snap routing.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	state, err := routing.FromSnapshot(snap)
	if err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	allocator, err := allocation.New(settings)
	if err != nil {
		return fmt.Errorf("invalid allocation settings: %w", err)
	}

	res, err := allocator.Reroute(ctx, state, allocation.Options{
		Mode:        routing.ModeExplicit,
		RetryFailed: opts.retryFailed,
		Rebalance:   settings.Rebalance,
	})
	if err != nil {
		return err
	}

	sim := simulation{
		Snapshot:  res.State.Snapshot(),
		Decisions: res.Decisions,
		Delayed:   res.Delayed,
		Rounds:    res.Rounds,
	}
	for _, f := range res.Faults {
		sim.Faults = append(sim.Faults, f.Error())
	}
	if opts.explain {
		for _, c := range res.State.RoutingTable().All() {
			if c.Assigned() {
				continue
			}
			e, err := allocator.Explain(res.State, routing.CopyKey{ShardID: c.ShardID, Copy: c.Copy})
			if err != nil {
				return err
			}
			sim.Explanations = append(sim.Explanations, e)
		}
	}

	encoded, err := yaml.Marshal(sim)
	if err != nil {
		return err
	}
	_, err = out.Write(encoded)
	return err
}
