package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/tunnel-agent/pkg/agent"
	"github.com/cuemby/tunnel-agent/pkg/config"
	"github.com/cuemby/tunnel-agent/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = agent.Version
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tunnel-agent",
	Short: "Host agent that runs a tunnel workload for opt-in containers",
	Long: `tunnel-agent discovers opt-in containers and services on the local
Docker engine (standalone or swarm), keeps exactly one tunnel workload
running on the host, and reports workload lifecycle to the control plane.

Running without a subcommand is the same as "tunnel-agent run".`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tunnel-agent %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"tunnel-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Optional YAML config file (environment overrides it)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging(cfg config.LogConfig) {
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Level),
		JSONOutput: cfg.Format == "json",
		Output:     os.Stderr,
	})
}
