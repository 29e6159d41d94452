package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/tunnel-agent/pkg/agent"
	"github.com/cuemby/tunnel-agent/pkg/api"
	"github.com/cuemby/tunnel-agent/pkg/client"
	"github.com/cuemby/tunnel-agent/pkg/config"
	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/metrics"
	"github.com/cuemby/tunnel-agent/pkg/mode"
	"github.com/cuemby/tunnel-agent/pkg/runtime"
	"github.com/cuemby/tunnel-agent/pkg/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent",
	Long: `Run the agent until SIGINT or SIGTERM.

The agent registers with the control plane at DOCKFLARE_MASTER_URL,
converges the tunnel workload to the persisted desired state, then polls
for commands and reports engine events. The tunnel workload is removed
on shutdown.`,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	initLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := runtime.NewDockerEngine()
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer engine.Close()

	if err := engine.Ping(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentEngine, false, err.Error())
		return fmt.Errorf("docker engine unreachable: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentEngine, true, "")

	modeInfo := mode.NewDetector(engine).Detect(ctx, cfg.ForcedMode())
	metrics.SetVersion(Version)
	metrics.SetMode(string(modeInfo.Mode))
	if modeInfo.IsSwarm() {
		metrics.SwarmMode.Set(1)
	}

	log.Logger.Info().
		Str("version", Version).
		Str("mode", string(modeInfo.Mode)).
		Str("node_id", modeInfo.NodeID).
		Str("node_role", modeInfo.NodeRole).
		Msg("Starting tunnel agent")

	opts := runtime.DefaultOptions(modeInfo.Mode)
	opts.PinToNode = cfg.Tunnel.PinToNode
	mgr := runtime.NewManager(engine, modeInfo, opts)

	blobs, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer blobs.Close()

	cp := client.NewClient(client.Config{
		BaseURL:         cfg.Master.URL,
		APIKey:          cfg.Master.APIKey,
		Mode:            modeInfo.Mode,
		ReportRateLimit: cfg.Master.ReportRateLimit,
	})

	a := agent.New(cfg, modeInfo, mgr, cp, storage.NewStateStore(blobs))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })

	if cfg.Agent.HealthAddr != "" {
		hs := api.NewHealthServer(func() api.StatusSource {
			// Keep the interface nil until the reconciler exists
			if r := a.Reconciler(); r != nil {
				return r
			}
			return nil
		}, a.AgentID)
		g.Go(func() error { return hs.Run(gctx, cfg.Agent.HealthAddr) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Logger.Info().Msg("Tunnel agent stopped")
	return nil
}
