package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dreamware/shardalloc/internal/config"
	"github.com/dreamware/shardalloc/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Shard allocation coordinator",
	Long: "The coordinator owns the cluster state, decides where every shard copy " +
		"lives and serves the routing table to nodes.",
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func initConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadConfig(cfgFile, cmd.Root())
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	logging.InitLogger(cfg.LogLevel)
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./coordinator.yaml)")
	flags.String("log_level", "info", "log level: trace, debug, info, warn or error")
	flags.String("listen", ":8080", "address of the HTTP control plane")

	rootCmd.AddCommand(serveCmd, simulateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
