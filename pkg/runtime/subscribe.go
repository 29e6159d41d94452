package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/metrics"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

// stableStream is how long a subscription must last before the reconnect
// backoff starts over from its initial interval
const stableStream = time.Minute

// Subscribe keeps m.ListenForEvents running until ctx ends, reconnecting
// with exponential backoff whenever the engine stream fails. The initial
// workload snapshot is only sent by the first subscription.
func Subscribe(ctx context.Context, m Manager, out chan<- types.DomainEvent) error {
	logger := log.WithMode("events", string(m.Mode()))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		started := time.Now()
		metrics.UpdateComponent(metrics.ComponentEventStream, true, "")

		err := m.ListenForEvents(ctx, out)
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(started) >= stableStream {
			b.Reset()
		}
		wait := b.NextBackOff()

		metrics.EventStreamReconnects.Inc()
		metrics.UpdateComponent(metrics.ComponentEventStream, false, errString(err))
		logger.Error().Err(err).Dur("retry_in", wait).Msg("Engine event stream ended, reconnecting")

		if err := sleepCtx(ctx, wait); err != nil {
			return nil
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "stream ended"
	}
	return err.Error()
}
