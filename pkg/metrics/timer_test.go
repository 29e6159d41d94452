package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tunnel-agent/pkg/types"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())
	assert.Less(t, timer.Duration(), time.Second)
}

func TestTimerDurationIncreases(t *testing.T) {
	timer := NewTimer()

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	time.Sleep(20 * time.Millisecond)
	second := timer.Duration()

	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.Greater(t, second, first)
}

func TestTimerObserve(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_duration_seconds",
		Help: "Test duration histogram",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_duration_vec_seconds",
		Help: "Test duration histogram vec",
	}, []string{"endpoint"})

	timer := NewTimer()
	timer.ObserveDuration(histogram)
	timer.ObserveDurationVec(vec, "register")

	m := &dto.Metric{}
	require.NoError(t, histogram.Write(m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", Outcome(nil))
	assert.Equal(t, "error", Outcome(errors.New("x")))
}

type fakeSource struct {
	mode      types.Mode
	workloads []types.WorkloadDescriptor
	tunnel    *types.WorkloadDescriptor
	err       error
}

func (f *fakeSource) ListEnabled(ctx context.Context) ([]types.WorkloadDescriptor, error) {
	return f.workloads, f.err
}

func (f *fakeSource) GetByName(ctx context.Context, name string) (*types.WorkloadDescriptor, error) {
	return f.tunnel, f.err
}

func (f *fakeSource) Mode() types.Mode { return f.mode }

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestCollectorCollect(t *testing.T) {
	src := &fakeSource{
		mode:      types.ModeSwarm,
		workloads: []types.WorkloadDescriptor{{ID: "a"}, {ID: "b"}},
		tunnel:    &types.WorkloadDescriptor{Name: "dockflare-agent-tunnel", Status: types.StatusRunning},
	}

	c := NewCollector(src, "dockflare-agent-tunnel", time.Minute)
	c.Collect(context.Background())

	assert.Equal(t, 1.0, gaugeValue(t, SwarmMode))
	assert.Equal(t, 2.0, gaugeValue(t, WorkloadsEnabled))
	assert.Equal(t, 1.0, gaugeValue(t, TunnelRunning))

	src.mode = types.ModeStandalone
	src.tunnel = nil
	c.Collect(context.Background())

	assert.Equal(t, 0.0, gaugeValue(t, SwarmMode))
	assert.Equal(t, 0.0, gaugeValue(t, TunnelRunning))
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(&fakeSource{mode: types.ModeStandalone}, "t", 0)
	assert.Equal(t, 15*time.Second, c.interval)
	c.Start()
	c.Stop()
}
