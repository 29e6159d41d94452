package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultTunnelImage is used when no image is configured or the configured one is invalid
	DefaultTunnelImage = "cloudflare/cloudflared:2025.9.0"

	// DefaultTunnelName is the well-known name of the tunnel workload
	DefaultTunnelName = "dockflare-agent-tunnel"

	// DefaultNetworkName is the network the tunnel workload joins
	DefaultNetworkName = "cloudflare-net"

	// DefaultDataDir holds the agent identity and tunnel state records
	DefaultDataDir = "/app/data"
)

var (
	ErrMissingMasterURL = errors.New("DOCKFLARE_MASTER_URL must be set")
	ErrMissingAPIKey    = errors.New("DOCKFLARE_API_KEY must be set")
)

// Config is the full agent configuration
type Config struct {
	Master  MasterConfig  `yaml:"master"`
	Docker  DockerConfig  `yaml:"docker"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Agent   AgentConfig   `yaml:"agent"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// MasterConfig locates the control plane
type MasterConfig struct {
	URL             string  `yaml:"url"`
	APIKey          string  `yaml:"api_key"`
	ReportRateLimit float64 `yaml:"report_rate_limit"` // reports per second
}

// DockerConfig controls mode detection
type DockerConfig struct {
	Mode          string `yaml:"mode"`           // auto, standalone or swarm
	SwarmNodeRole string `yaml:"swarm_node_role"` // manager, worker, any or empty
}

// TunnelConfig describes the tunnel workload
type TunnelConfig struct {
	Name                 string   `yaml:"name"`
	Image                string   `yaml:"image"`
	NetworkName          string   `yaml:"network_name"`
	PinToNode            bool     `yaml:"pin_to_node"`
	PlacementConstraints []string `yaml:"placement_constraints"`
}

// AgentConfig holds loop intervals and agent presentation
type AgentConfig struct {
	DisplayName         string        `yaml:"display_name"`
	ReportInterval      time.Duration `yaml:"report_interval"`
	CommandPollInterval time.Duration `yaml:"command_poll_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthAddr          string        `yaml:"health_addr"`
}

// StorageConfig selects where state is persisted
type StorageConfig struct {
	Backend string `yaml:"backend"` // file or bolt
	DataDir string `yaml:"data_dir"`
}

// LogConfig controls the logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Default returns the compiled-in configuration
func Default() *Config {
	return &Config{
		Master: MasterConfig{
			ReportRateLimit: 10,
		},
		Docker: DockerConfig{
			Mode: "auto",
		},
		Tunnel: TunnelConfig{
			Name:        DefaultTunnelName,
			Image:       DefaultTunnelImage,
			NetworkName: DefaultNetworkName,
			PinToNode:   true,
		},
		Agent: AgentConfig{
			ReportInterval:      30 * time.Second,
			CommandPollInterval: 30 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "file",
			DataDir: DefaultDataDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence, and validates the result
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks settings that are fatal to startup when wrong
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Master.URL) == "" {
		return ErrMissingMasterURL
	}
	if strings.TrimSpace(c.Master.APIKey) == "" {
		return ErrMissingAPIKey
	}

	switch c.Storage.Backend {
	case "file", "bolt":
	default:
		return fmt.Errorf("invalid storage backend %q (want file or bolt)", c.Storage.Backend)
	}

	if c.Agent.ReportInterval <= 0 || c.Agent.CommandPollInterval <= 0 || c.Agent.HealthCheckInterval <= 0 {
		return errors.New("loop intervals must be positive")
	}
	if c.Tunnel.Name == "" {
		return errors.New("tunnel name must not be empty")
	}
	return nil
}

// ForcedMode returns the forced engine mode, or empty for auto detection
func (c *Config) ForcedMode() string {
	m := strings.ToLower(strings.TrimSpace(c.Docker.Mode))
	if m == "auto" {
		return ""
	}
	return m
}
