// Package config loads node-level tuning for SentinelMesh from YAML with a
// default overlay: absent keys keep their defaults, so a config file only
// needs to name what it changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use Go duration strings
// ("250ms", "5s") as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. Integer scalars are taken as
// nanoseconds; the tag check matters because yaml decodes an untagged
// integer into a string just as happily.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("parsing duration nanoseconds: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the Go duration string form.
func (d Duration) String() string { return time.Duration(d).String() }

// NodeConfig is the full tuning surface of one node.
type NodeConfig struct {
	// NodeID identifies this node in agent identities and audit records.
	NodeID string `yaml:"node_id"`

	Bus       BusConfig       `yaml:"bus"`
	Agent     AgentConfig     `yaml:"agent"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Health    HealthConfig    `yaml:"health"`
}

// BusConfig tunes the shared message bus.
type BusConfig struct {
	// MaxQueueSize bounds undelivered messages; Publish fails at the bound.
	MaxQueueSize int `yaml:"max_queue_size"`
	// DrainInterval is the delivery loop tick.
	DrainInterval Duration `yaml:"drain_interval"`
	// HistoryLimit caps the retained history ring; zero disables history.
	HistoryLimit int `yaml:"history_limit"`
}

// AgentConfig tunes defaults handed to every spawned agent.
type AgentConfig struct {
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	PollInterval       Duration `yaml:"poll_interval"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	DefaultMaxRetries  int      `yaml:"default_max_retries"`
}

// ConsensusConfig tunes the voting protocol.
type ConsensusConfig struct {
	// ApprovalRatio is the default quorum fraction of live agents,
	// rounded up.
	ApprovalRatio float64 `yaml:"approval_ratio"`
	// VoteTimeout is the window in which a request accepts votes.
	VoteTimeout Duration `yaml:"vote_timeout"`
}

// HealthConfig tunes the orchestrator's passive health check.
type HealthConfig struct {
	CheckInterval Duration `yaml:"check_interval"`
}

// Default returns the baseline configuration every load starts from.
func Default() NodeConfig {
	return NodeConfig{
		NodeID: "local",
		Bus: BusConfig{
			MaxQueueSize:  1000,
			DrainInterval: Duration(10 * time.Millisecond),
			HistoryLimit:  1000,
		},
		Agent: AgentConfig{
			HeartbeatInterval:  Duration(5 * time.Second),
			PollInterval:       Duration(20 * time.Millisecond),
			MaxConcurrentTasks: 4,
			DefaultMaxRetries:  3,
		},
		Consensus: ConsensusConfig{
			ApprovalRatio: 0.67,
			VoteTimeout:   Duration(5 * time.Minute),
		},
		Health: HealthConfig{
			CheckInterval: Duration(15 * time.Second),
		},
	}
}

// Load reads path and overlays it onto the defaults.
func Load(path string) (NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse overlays YAML bytes onto the defaults and validates the result.
func Parse(data []byte) (NodeConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c NodeConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.Bus.MaxQueueSize < 1 {
		return fmt.Errorf("bus.max_queue_size must be at least 1, got %d", c.Bus.MaxQueueSize)
	}
	if c.Bus.DrainInterval <= 0 {
		return fmt.Errorf("bus.drain_interval must be positive, got %s", c.Bus.DrainInterval)
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent.heartbeat_interval must be positive, got %s", c.Agent.HeartbeatInterval)
	}
	if c.Agent.PollInterval <= 0 {
		return fmt.Errorf("agent.poll_interval must be positive, got %s", c.Agent.PollInterval)
	}
	if c.Agent.MaxConcurrentTasks < 1 {
		return fmt.Errorf("agent.max_concurrent_tasks must be at least 1, got %d", c.Agent.MaxConcurrentTasks)
	}
	if c.Consensus.ApprovalRatio <= 0 || c.Consensus.ApprovalRatio > 1 {
		return fmt.Errorf("consensus.approval_ratio must be in (0, 1], got %v", c.Consensus.ApprovalRatio)
	}
	if c.Consensus.VoteTimeout <= 0 {
		return fmt.Errorf("consensus.vote_timeout must be positive, got %s", c.Consensus.VoteTimeout)
	}
	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health.check_interval must be positive, got %s", c.Health.CheckInterval)
	}
	return nil
}
