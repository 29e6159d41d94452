package client

import "github.com/cuemby/tunnel-agent/pkg/types"

// CatchAllService answers requests that match no hostname
const CatchAllService = "http_status:404"

// GenerateIngressRules converts the control plane's rule set into the tunnel
// ingress list. Only active rules are kept, in order, and the list always
// ends with the catch-all entry.
func GenerateIngressRules(rules types.RuleSet) []types.IngressRule {
	ingress := make([]types.IngressRule, 0, rules.Len()+1)
	rules.Each(func(_ string, spec types.RuleSpec) {
		if spec.Status != "active" {
			return
		}
		ingress = append(ingress, types.IngressRule{
			Hostname: spec.Hostname,
			Service:  spec.Service,
			Path:     spec.Path,
		})
	})
	return append(ingress, types.IngressRule{Service: CatchAllService})
}
