package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the per-node configuration loaded at boot
type Config struct {
	DataDir     string   `yaml:"data_dir"`
	Realm       string   `yaml:"realm"` // DID realm, e.g. "voidlux"
	Host        string   `yaml:"host"`
	HTTPPort    int      `yaml:"http_port"`
	P2PPort     int      `yaml:"p2p_port"`
	BrokerPort  int      `yaml:"broker_port"`
	MetricsAddr string   `yaml:"metrics_addr"`
	Seeds       []string `yaml:"seeds"`        // host:port static seed list
	BrokerSeeds []string `yaml:"broker_seeds"` // inter-swarm broker peers
	TestCommand string   `yaml:"test_command"`  // global default for integration runs
	Workbench   string   `yaml:"workbench"`     // root for integration worktrees
	RepoPath    string   `yaml:"repo_path"`     // clone integration worktrees are created from
	PRCommand   string   `yaml:"pr_command"`    // optional external PR opener
	AgentCmd    string   `yaml:"agent_command"` // multiplexer bridge command for local delivery

	Agents []AgentSpec `yaml:"agents"` // agents hosted on this node

	MaxPeers           int           `yaml:"max_peers"`
	DispatchInterval   time.Duration `yaml:"dispatch_interval"`
	AntiEntropyMin     time.Duration `yaml:"anti_entropy_min"`
	AntiEntropyMax     time.Duration `yaml:"anti_entropy_max"`
	ElectionTimeout    time.Duration `yaml:"election_timeout"`
	OverflowPerCycle   int           `yaml:"overflow_per_cycle"`
	ReputationFloor    float64       `yaml:"reputation_floor"`
	BountyTTL          time.Duration `yaml:"bounty_ttl"`
	LogLevel           string        `yaml:"log_level"`
	LogJSON            bool          `yaml:"log_json"`
}

// AgentSpec declares one locally hosted executor agent
type AgentSpec struct {
	Name          string   `yaml:"name"`
	Tool          string   `yaml:"tool"`
	Model         string   `yaml:"model"`
	Capabilities  []string `yaml:"capabilities"`
	ProjectPath   string   `yaml:"project_path"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

// Default returns a config with all defaults applied
func Default() *Config {
	return &Config{
		DataDir:          "data",
		Realm:            "voidlux",
		Host:             "0.0.0.0",
		HTTPPort:         7770,
		P2PPort:          7771,
		BrokerPort:       7780,
		MetricsAddr:      "",
		Workbench:        "workbench",
		MaxPeers:         20,
		DispatchInterval: 30 * time.Second,
		AntiEntropyMin:   30 * time.Second,
		AntiEntropyMax:   60 * time.Second,
		ElectionTimeout:  45 * time.Second,
		OverflowPerCycle: 3,
		ReputationFloor:  0.3,
		BountyTTL:        30 * time.Minute,
		LogLevel:         "info",
	}
}

// Load reads a YAML config file, applying defaults for unset fields.
// A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.P2PPort == c.BrokerPort {
		return fmt.Errorf("p2p_port and broker_port must differ")
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be positive")
	}
	if c.AntiEntropyMin > c.AntiEntropyMax {
		return fmt.Errorf("anti_entropy_min exceeds anti_entropy_max")
	}
	if c.ReputationFloor < 0 || c.ReputationFloor > 1 {
		return fmt.Errorf("reputation_floor must be within [0,1]")
	}
	return nil
}
