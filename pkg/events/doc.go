/*
Package events provides the in-memory broker between the engine event
subscription and the goroutines that report to the control plane.

# Flow

	runtime.Subscribe ──▶ chan types.DomainEvent ──▶ Broker.Pump
	                                                     │
	                                              publish queue (256)
	                                                     │
	                                               broadcast loop
	                                                     │
	                                     subscriber buffers (128 each)
	                                                     │
	                                             agent.EventForwarder

Publish is non-blocking. A slow control plane therefore never stalls the
engine event stream: once a buffer fills, further events are dropped, logged
at warn level and counted in tunnel_agent_events_dropped_total. A single
broadcast goroutine keeps the publish order for every subscriber.

Each published event is stamped with a UUID and a UTC timestamp. The id is
sent to the control plane as event_id so duplicate reports can be detected
on the receiving side.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go broker.Pump(ctx, domainEvents)

	for ev := range sub {
		report(ev)
	}
*/
package events
