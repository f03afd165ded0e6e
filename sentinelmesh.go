// Package sentinelmesh provides a high-level façade over the node core:
// the shared message bus, the orchestrator with its consensus protocol and
// the node-wide audit accumulator. Most applications interact with this
// package by:
//  1. Creating a Mesh via New() (optionally from a config.NodeConfig)
//  2. Registering one factory per role they want to host
//  3. Spawning agents and exchanging tasks, messages and proposals
//
// The façade delegates to orchestrator.Orchestrator and bus.Bus while
// keeping setup ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply a
// structured logger and tuned intervals via config.
package sentinelmesh

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/hupe1980/sentinelmesh/accumulator"
	"github.com/hupe1980/sentinelmesh/agent"
	"github.com/hupe1980/sentinelmesh/bus"
	"github.com/hupe1980/sentinelmesh/config"
	"github.com/hupe1980/sentinelmesh/core"
	"github.com/hupe1980/sentinelmesh/logging"
	"github.com/hupe1980/sentinelmesh/orchestrator"
)

// Options configures the Mesh instance.
type Options struct {
	// Config carries the node tuning surface. Defaults to config.Default().
	Config config.NodeConfig
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Mesh is the high-level façade aggregating the bus, the orchestrator and
// the shared audit accumulator of one node.
type Mesh struct {
	cfg    config.NodeConfig
	logger logging.Logger

	acc  *accumulator.Accumulator
	bus  *bus.Bus
	orch *orchestrator.Orchestrator
}

// New creates a Mesh with optional overrides. The bus, orchestrator and a
// node-wide accumulator are wired together; call Start before use.
func New(optFns ...func(o *Options)) (*Mesh, error) {
	opts := Options{
		Config: config.Default(),
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	acc := accumulator.New()

	b := bus.New(func(o *bus.Options) {
		o.MaxQueueSize = opts.Config.Bus.MaxQueueSize
		o.DrainInterval = opts.Config.Bus.DrainInterval.Std()
		o.HistoryLimit = opts.Config.Bus.HistoryLimit
		o.Accumulator = acc
		o.Logger = opts.Logger
	})

	orch, err := orchestrator.New(b, func(o *orchestrator.Options) {
		o.NodeID = opts.Config.NodeID
		o.HeartbeatInterval = opts.Config.Agent.HeartbeatInterval.Std()
		o.PollInterval = opts.Config.Agent.PollInterval.Std()
		o.MaxConcurrentTasks = opts.Config.Agent.MaxConcurrentTasks
		o.DefaultMaxRetries = opts.Config.Agent.DefaultMaxRetries
		o.HealthCheckInterval = opts.Config.Health.CheckInterval.Std()
		o.ApprovalRatio = opts.Config.Consensus.ApprovalRatio
		o.VoteTimeout = opts.Config.Consensus.VoteTimeout.Std()
		o.Accumulator = acc
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}

	return &Mesh{cfg: opts.Config, logger: opts.Logger, acc: acc, bus: b, orch: orch}, nil
}

// Start launches the bus delivery loop and the orchestrator health check.
func (m *Mesh) Start() {
	m.bus.Start()
	m.orch.Start()
}

// Close tears the node down: terminates all agents, stops the health check
// and halts the bus.
func (m *Mesh) Close() {
	m.orch.Close()
	m.bus.Stop()
}

// Bus returns the node's shared message bus.
func (m *Mesh) Bus() *bus.Bus { return m.bus }

// Orchestrator returns the node's orchestrator.
func (m *Mesh) Orchestrator() *orchestrator.Orchestrator { return m.orch }

// Accumulator returns the node-wide audit accumulator shared by the bus
// and the orchestrator.
func (m *Mesh) Accumulator() *accumulator.Accumulator { return m.acc }

// RegisterFactory associates an agent constructor with a role.
func (m *Mesh) RegisterFactory(role core.Role, factory orchestrator.Factory) {
	m.orch.RegisterFactory(role, factory)
}

// SpawnAgent spawns, initializes and starts an agent for the role.
func (m *Mesh) SpawnAgent(role core.Role, overrides ...func(o *agent.Options)) (*agent.BaseAgent, error) {
	return m.orch.SpawnAgent(role, overrides...)
}

// TerminateAgent terminates a registered agent by id.
func (m *Mesh) TerminateAgent(id string) error { return m.orch.TerminateAgent(id) }

// SubmitTask submits a task to the agent with the given id.
func (m *Mesh) SubmitTask(agentID string, spec core.TaskSpec) (string, error) {
	a, ok := m.orch.GetAgent(agentID)
	if !ok {
		return "", core.ErrAgentNotFound
	}
	return a.SubmitTask(spec)
}

// Publish places a message on the bus.
func (m *Mesh) Publish(msg core.Message) error { return m.bus.Publish(msg) }

// Subscribe registers a handler for a topic.
func (m *Mesh) Subscribe(topic string, h bus.Handler) *bus.Subscription {
	return m.bus.Subscribe(topic, h)
}

// Request publishes to a topic and waits for the first correlated reply.
func (m *Mesh) Request(ctx context.Context, topic string, msg core.Message, timeout time.Duration) (core.Message, error) {
	return m.bus.Request(ctx, topic, msg, timeout)
}

// InitiateConsensus opens a consensus request; requiredApprovals <= 0
// selects the default quorum.
func (m *Mesh) InitiateConsensus(ctype core.ConsensusType, proposal any, requiredApprovals int) (string, error) {
	return m.orch.InitiateConsensus(ctype, proposal, requiredApprovals)
}

// SubmitVote records one voter's position on a consensus request.
func (m *Mesh) SubmitVote(requestID, voterID string, approve bool, reason string) error {
	return m.orch.SubmitVote(requestID, voterID, approve, reason)
}

// ConsensusStatus returns the live request while pending.
func (m *Mesh) ConsensusStatus(requestID string) (*core.ConsensusRequest, bool) {
	return m.orch.ConsensusStatus(requestID)
}

// Metrics returns the aggregate node snapshot.
func (m *Mesh) Metrics() orchestrator.NodeMetrics { return m.orch.Metrics() }

// HistoryRoot returns the audit root covering bus history and node audit
// records.
func (m *Mesh) HistoryRoot() []byte { return m.bus.HistoryRoot() }

// OrchestratorKey returns the public key the orchestrator signs proposal
// broadcasts with.
func (m *Mesh) OrchestratorKey() ed25519.PublicKey { return m.orch.PublicKey() }
