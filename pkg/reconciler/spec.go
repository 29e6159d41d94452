package reconciler

import (
	"github.com/cuemby/tunnel-agent/pkg/types"
)

// TunnelCommand is the argument list the tunnel binary runs with
var TunnelCommand = []string{"tunnel", "--no-autoupdate", "run"}

const tunnelRestartPolicy = "unless-stopped"

// Options describes how the tunnel workload is deployed
type Options struct {
	TunnelName  string
	Image       string
	NetworkName string

	// Constraints are extra swarm placement constraints. Ignored outside swarm.
	Constraints []string

	Mode types.Mode
}

// BuildTunnelSpec builds a fresh tunnel spec from the desired state. image
// must already be normalized.
func BuildTunnelSpec(desired types.TunnelDesiredState, opts Options, image string) types.TunnelSpec {
	spec := types.TunnelSpec{
		Name:          opts.TunnelName,
		Image:         image,
		Token:         desired.Token,
		NetworkName:   opts.NetworkName,
		Command:       append([]string(nil), TunnelCommand...),
		Environment:   map[string]string{"TUNNEL_TOKEN": desired.Token},
		RestartPolicy: tunnelRestartPolicy,
		Labels: map[string]string{
			types.LabelManaged: "true",
			types.LabelType:    "tunnel",
		},
	}
	if opts.Mode == types.ModeSwarm && len(opts.Constraints) > 0 {
		spec.PlacementConstraints = append([]string(nil), opts.Constraints...)
	}
	return spec
}
