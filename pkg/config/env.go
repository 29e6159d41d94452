package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnv applies environment overrides to cfg
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("DOCKFLARE_MASTER_URL"); v != "" {
		cfg.Master.URL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("DOCKFLARE_API_KEY"); v != "" {
		cfg.Master.APIKey = v
	}
	if v := os.Getenv("REPORT_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid REPORT_RATE_LIMIT %q: %w", v, err)
		}
		cfg.Master.ReportRateLimit = f
	}

	if v := strings.TrimSpace(os.Getenv("DOCKER_MODE")); v != "" {
		cfg.Docker.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("SWARM_NODE_ROLE")); v != "" {
		cfg.Docker.SwarmNodeRole = strings.ToLower(v)
	}

	if v := os.Getenv("CLOUDFLARED_IMAGE"); v != "" {
		// Normalized by the reconciler, kept raw here
		cfg.Tunnel.Image = v
	}
	if v := os.Getenv("CLOUDFLARED_NETWORK_NAME"); v != "" {
		cfg.Tunnel.NetworkName = v
	}
	if v := os.Getenv("TUNNEL_PIN_TO_NODE"); v != "" {
		cfg.Tunnel.PinToNode = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v := strings.TrimSpace(os.Getenv("SWARM_PLACEMENT_CONSTRAINTS")); v != "" {
		cfg.Tunnel.PlacementConstraints = SplitConstraints(v)
	}

	if v := strings.TrimSpace(os.Getenv("AGENT_DISPLAY_NAME")); v != "" {
		cfg.Agent.DisplayName = v
	}
	if err := secondsFromEnv("REPORT_INTERVAL_SECONDS", &cfg.Agent.ReportInterval); err != nil {
		return err
	}
	if err := secondsFromEnv("COMMAND_POLL_INTERVAL_SECONDS", &cfg.Agent.CommandPollInterval); err != nil {
		return err
	}
	if err := secondsFromEnv("HEALTH_CHECK_INTERVAL_SECONDS", &cfg.Agent.HealthCheckInterval); err != nil {
		return err
	}
	if v := os.Getenv("HEALTH_ADDR"); v != "" {
		cfg.Agent.HealthAddr = v
	}

	if v := os.Getenv("STATE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("AGENT_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}

	return nil
}

// SplitConstraints parses a comma separated list of placement constraints
func SplitConstraints(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func secondsFromEnv(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid %s %q: want a positive number of seconds", key, v)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
