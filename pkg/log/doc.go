/*
Package log provides structured logging for tunnel-agent using zerolog.

The package wraps a single global zerolog.Logger that every other package
derives child loggers from. Child loggers carry the fields operators filter
on: the component that emitted the entry, the engine mode, and the swarm node,
service, task or agent id the entry is about.

# Initialization

Init is called once by the command line entry point, before any component is
constructed:

	log.Init(log.Config{
		Level:      log.ParseLevel(os.Getenv("LOG_LEVEL")),
		JSONOutput: os.Getenv("LOG_FORMAT") == "json",
	})

Console output (RFC3339 timestamps) is the default; JSON output is meant for
log shippers.

# Component Loggers

Components build their logger in their constructor, after Init has run:

	logger := log.WithMode("runtime", string(modeInfo.Mode))
	logger.Info().Str("name", spec.Name).Msg("creating tunnel container")

Available helpers:

  - WithComponent("reconciler")
  - WithMode("runtime", "swarm")
  - WithNodeID, WithServiceID, WithTaskID
  - WithAgentID

Identifiers always go into fields, never into the message text, so that
entries stay greppable and aggregatable.
*/
package log
