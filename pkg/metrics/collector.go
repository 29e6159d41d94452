package metrics

import (
	"context"
	"time"

	"github.com/cuemby/tunnel-agent/pkg/types"
)

// WorkloadSource is the slice of the runtime manager the collector samples
type WorkloadSource interface {
	ListEnabled(ctx context.Context) ([]types.WorkloadDescriptor, error)
	GetByName(ctx context.Context, name string) (*types.WorkloadDescriptor, error)
	Mode() types.Mode
}

// Collector periodically samples workload gauges from the engine
type Collector struct {
	source     WorkloadSource
	tunnelName string
	interval   time.Duration
	stopCh     chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source WorkloadSource, tunnelName string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:     source,
		tunnelName: tunnelName,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples every gauge once
func (c *Collector) Collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if c.source.Mode() == types.ModeSwarm {
		SwarmMode.Set(1)
	} else {
		SwarmMode.Set(0)
	}

	if workloads, err := c.source.ListEnabled(ctx); err == nil {
		WorkloadsEnabled.Set(float64(len(workloads)))
	}

	tunnel, err := c.source.GetByName(ctx, c.tunnelName)
	if err != nil {
		return
	}
	if tunnel.IsActive() {
		TunnelRunning.Set(1)
	} else {
		TunnelRunning.Set(0)
	}
}
