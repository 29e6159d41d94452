package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/tunnel-agent/pkg/config"
	"github.com/cuemby/tunnel-agent/pkg/mode"
	"github.com/cuemby/tunnel-agent/pkg/runtime"
	"github.com/cuemby/tunnel-agent/pkg/storage"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

const detectTimeout = 15 * time.Second

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect the Docker engine mode",
	Long: `Detect whether the local engine runs standalone or as a swarm node
and print the result. DOCKER_MODE forces a mode the same way it does
for "run".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read(configPath)
		if err != nil {
			return err
		}
		initLogging(cfg.Log)

		engine, err := runtime.NewDockerEngine()
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		defer engine.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), detectTimeout)
		defer cancel()

		info := mode.NewDetector(engine).Detect(ctx, cfg.ForcedMode())
		output, _ := cmd.Flags().GetString("output")
		return render(cmd.OutOrStdout(), output, info)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect persisted agent state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted agent id and tunnel state",
	Long: `Print the agent id and tunnel desired state from the data directory.
The tunnel token is redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read(configPath)
		if err != nil {
			return err
		}
		initLogging(cfg.Log)

		blobs, err := storage.OpenReadOnly(cfg.Storage.Backend, cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer blobs.Close()

		st := storage.NewStateStore(blobs)
		id, err := st.LoadIdentity()
		if err != nil {
			return err
		}
		tunnel, err := st.LoadTunnelState()
		if err != nil {
			return err
		}

		output, _ := cmd.Flags().GetString("output")
		return render(cmd.OutOrStdout(), output, newStateView(cfg, id, tunnel))
	},
}

func init() {
	detectCmd.Flags().StringP("output", "o", "yaml", "Output format (yaml or json)")
	stateShowCmd.Flags().StringP("output", "o", "yaml", "Output format (yaml or json)")
	stateCmd.AddCommand(stateShowCmd)
}

// stateView is the printable form of the persisted records
type stateView struct {
	Backend      string `json:"backend" yaml:"backend"`
	DataDir      string `json:"data_dir" yaml:"data_dir"`
	AgentID      string `json:"agent_id" yaml:"agent_id"`
	TunnelName   string `json:"tunnel_name" yaml:"tunnel_name"`
	TunnelID     string `json:"tunnel_id" yaml:"tunnel_id"`
	Token        string `json:"token" yaml:"token"`
	DesiredState string `json:"desired_state" yaml:"desired_state"`
}

func newStateView(cfg *config.Config, id types.AgentIdentity, st types.TunnelDesiredState) stateView {
	return stateView{
		Backend:      cfg.Storage.Backend,
		DataDir:      cfg.Storage.DataDir,
		AgentID:      id.AgentID,
		TunnelName:   st.TunnelName,
		TunnelID:     st.TunnelID,
		Token:        redact(st.Token),
		DesiredState: string(st.DesiredRunState),
	}
}

// redact keeps the last four characters of long secrets
func redact(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return "****" + secret[len(secret)-4:]
	}
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", format)
	}
}
