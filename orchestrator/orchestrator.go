// Package orchestrator manages the population of agents on one node: a
// registry of per-role factories, spawn and terminate control, a passive
// heartbeat-based health check, aggregate metrics and the quorum voting
// protocol that gates high-impact actions.
//
// The orchestrator shares exactly two things with the agents it spawns: the
// message bus and, optionally, a node-wide audit accumulator. Everything
// else (queues, metrics, vote lists) has a single owning instance and is
// never package-global.
package orchestrator

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/sentinelmesh/accumulator"
	"github.com/hupe1980/sentinelmesh/agent"
	"github.com/hupe1980/sentinelmesh/bus"
	"github.com/hupe1980/sentinelmesh/core"
	"github.com/hupe1980/sentinelmesh/logging"
)

// Topic is the orchestrator's own bus topic. Agents address votes and
// control traffic here; broadcast fan-out also lands heartbeats on it.
const Topic = "orchestrator"

// Factory constructs an agent for one role. The orchestrator passes node
// defaults (node id, intervals, logger, current peer list) as options; the
// factory attaches the role's behavior and may layer further options.
type Factory func(optFns ...func(o *agent.Options)) (*agent.BaseAgent, error)

// Options configures an Orchestrator.
type Options struct {
	// NodeID identifies this node in agent identities and audit records.
	NodeID string
	// HeartbeatInterval is handed to spawned agents and drives the
	// unhealthy threshold (3× this interval).
	HeartbeatInterval time.Duration
	// PollInterval is the task loop tick handed to spawned agents.
	PollInterval time.Duration
	// MaxConcurrentTasks bounds per-agent task concurrency.
	MaxConcurrentTasks int
	// DefaultMaxRetries is the retry budget for tasks that do not set
	// their own.
	DefaultMaxRetries int
	// HealthCheckInterval is the orchestrator's own health tick.
	HealthCheckInterval time.Duration
	// ApprovalRatio is the default quorum fraction of live agents,
	// rounded up. Applied when InitiateConsensus gets no explicit count.
	ApprovalRatio float64
	// VoteTimeout is the window in which a consensus request accepts
	// votes.
	VoteTimeout time.Duration
	// Accumulator receives health and consensus audit records. Defaults
	// to a fresh instance.
	Accumulator *accumulator.Accumulator
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Orchestrator spawns, tracks and tears down agents against one shared bus
// and drives the consensus protocol. Safe for concurrent use.
type Orchestrator struct {
	nodeID              string
	bus                 *bus.Bus
	acc                 *accumulator.Accumulator
	logger              logging.Logger
	heartbeatInterval   time.Duration
	pollInterval        time.Duration
	maxConcurrentTasks  int
	defaultMaxRetries   int
	healthCheckInterval time.Duration
	approvalRatio       float64
	voteTimeout         time.Duration

	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey

	mu         sync.RWMutex
	factories  map[core.Role]Factory
	agents     map[string]*agent.BaseAgent
	heartbeats map[string]time.Time

	cmu      sync.Mutex
	requests map[string]*core.ConsensusRequest

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}

	sub *bus.Subscription
}

// New constructs an Orchestrator bound to the shared bus and subscribes it
// to its own topic so vote messages and heartbeats reach it. Call Start to
// begin health checking and Close to release the subscription.
func New(b *bus.Bus, optFns ...func(o *Options)) (*Orchestrator, error) {
	opts := Options{
		NodeID:              "local",
		HeartbeatInterval:   5 * time.Second,
		PollInterval:        20 * time.Millisecond,
		MaxConcurrentTasks:  4,
		DefaultMaxRetries:   3,
		HealthCheckInterval: 15 * time.Second,
		ApprovalRatio:       0.67,
		VoteTimeout:         5 * time.Minute,
		Logger:              logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Accumulator == nil {
		opts.Accumulator = accumulator.New()
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating orchestrator signing key: %w", err)
	}

	o := &Orchestrator{
		nodeID:              opts.NodeID,
		bus:                 b,
		acc:                 opts.Accumulator,
		logger:              opts.Logger,
		heartbeatInterval:   opts.HeartbeatInterval,
		pollInterval:        opts.PollInterval,
		maxConcurrentTasks:  opts.MaxConcurrentTasks,
		defaultMaxRetries:   opts.DefaultMaxRetries,
		healthCheckInterval: opts.HealthCheckInterval,
		approvalRatio:       opts.ApprovalRatio,
		voteTimeout:         opts.VoteTimeout,
		privKey:             priv,
		pubKey:              pub,
		factories:           make(map[core.Role]Factory),
		agents:              make(map[string]*agent.BaseAgent),
		heartbeats:          make(map[string]time.Time),
		requests:            make(map[string]*core.ConsensusRequest),
	}
	o.sub = b.Subscribe(Topic, o.handleMessage)
	return o, nil
}

// Start launches the periodic health check. No-op if already running.
func (o *Orchestrator) Start() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.stop != nil {
		return
	}
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go o.healthLoop(o.stop, o.done)
}

// Stop halts the health check loop; observed within one tick.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.stop == nil {
		return
	}
	close(o.stop)
	<-o.done
	o.stop = nil
	o.done = nil
}

// Close stops the health loop, terminates all remaining agents and
// releases the orchestrator's bus subscription.
func (o *Orchestrator) Close() {
	o.Stop()

	o.mu.Lock()
	agents := make([]*agent.BaseAgent, 0, len(o.agents))
	for _, a := range o.agents {
		agents = append(agents, a)
	}
	o.agents = make(map[string]*agent.BaseAgent)
	o.heartbeats = make(map[string]time.Time)
	o.mu.Unlock()

	for _, a := range agents {
		if err := a.Terminate(); err != nil {
			o.logger.Warn("terminating agent on close", "agent_id", a.ID(), "error", err)
		}
	}
	o.bus.Unsubscribe(o.sub)
}

// RegisterFactory associates a constructor with a role. At most one factory
// per role is active; a later registration replaces the earlier one.
func (o *Orchestrator) RegisterFactory(role core.Role, factory Factory) {
	o.mu.Lock()
	o.factories[role] = factory
	o.mu.Unlock()
}

// SpawnAgent looks up the role's factory, builds the default configuration
// (node id, intervals, role capabilities via agent.New, current peer list),
// constructs the agent, initializes it against the shared bus, starts it
// and registers it by id. Initialization or start failures propagate.
func (o *Orchestrator) SpawnAgent(role core.Role, overrides ...func(o *agent.Options)) (*agent.BaseAgent, error) {
	o.mu.RLock()
	factory, ok := o.factories[role]
	peers := make([]string, 0, len(o.agents))
	for id := range o.agents {
		peers = append(peers, id)
	}
	o.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrFactoryNotFound, role)
	}

	optFns := append([]func(*agent.Options){func(ao *agent.Options) {
		ao.NodeID = o.nodeID
		ao.HeartbeatInterval = o.heartbeatInterval
		ao.PollInterval = o.pollInterval
		ao.MaxConcurrentTasks = o.maxConcurrentTasks
		ao.DefaultMaxRetries = o.defaultMaxRetries
		ao.Peers = peers
		ao.Logger = o.logger
	}}, overrides...)

	a, err := factory(optFns...)
	if err != nil {
		return nil, fmt.Errorf("constructing %s agent: %w", role, err)
	}
	if err := a.Initialize(o.bus); err != nil {
		return nil, err
	}
	if err := a.Start(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.agents[a.ID()] = a
	o.heartbeats[a.ID()] = time.Now()
	o.mu.Unlock()

	o.logger.Info("agent spawned", "agent_id", a.ID(), "role", role, "layer", a.Identity().Layer)
	return a, nil
}

// TerminateAgent terminates the agent and removes it from the registry.
func (o *Orchestrator) TerminateAgent(id string) error {
	o.mu.Lock()
	a, ok := o.agents[id]
	if ok {
		delete(o.agents, id)
		delete(o.heartbeats, id)
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", core.ErrAgentNotFound, id)
	}
	return a.Terminate()
}

// GetAgent returns the registered agent with the given id.
func (o *Orchestrator) GetAgent(id string) (*agent.BaseAgent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[id]
	return a, ok
}

// Agents returns all registered agents.
func (o *Orchestrator) Agents() []*agent.BaseAgent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*agent.BaseAgent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a)
	}
	return out
}

// AgentsByRole returns the registered agents holding the given role.
func (o *Orchestrator) AgentsByRole(role core.Role) []*agent.BaseAgent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*agent.BaseAgent
	for _, a := range o.agents {
		if a.Role() == role {
			out = append(out, a)
		}
	}
	return out
}

// AgentCount returns the number of registered agents.
func (o *Orchestrator) AgentCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.agents)
}

// NodeMetrics aggregates counters across all registered agents.
type NodeMetrics struct {
	Agents           int                `json:"agents"`
	AgentsByLayer    map[core.Layer]int `json:"agents_by_layer"`
	TasksProcessed   uint64             `json:"tasks_processed"`
	TasksFailed      uint64             `json:"tasks_failed"`
	MessagesSent     uint64             `json:"messages_sent"`
	MessagesReceived uint64             `json:"messages_received"`
	PendingConsensus int                `json:"pending_consensus"`
}

// Metrics returns an aggregate snapshot across the agent population.
func (o *Orchestrator) Metrics() NodeMetrics {
	o.mu.RLock()
	agents := make([]*agent.BaseAgent, 0, len(o.agents))
	for _, a := range o.agents {
		agents = append(agents, a)
	}
	o.mu.RUnlock()

	m := NodeMetrics{
		Agents:        len(agents),
		AgentsByLayer: make(map[core.Layer]int),
	}
	for _, a := range agents {
		am := a.Metrics()
		m.AgentsByLayer[a.Identity().Layer]++
		m.TasksProcessed += am.TasksProcessed
		m.TasksFailed += am.TasksFailed
		m.MessagesSent += am.MessagesSent
		m.MessagesReceived += am.MessagesReceived
	}

	o.cmu.Lock()
	m.PendingConsensus = len(o.requests)
	o.cmu.Unlock()
	return m
}

// AuditRoot returns the root of the orchestrator's audit accumulator.
func (o *Orchestrator) AuditRoot() []byte { return o.acc.Root() }

// handleMessage consumes traffic on the orchestrator topic: heartbeats feed
// the liveness table; vote messages are routed into SubmitVote with the
// envelope sender as the voter.
func (o *Orchestrator) handleMessage(msg core.Message) {
	switch msg.Type {
	case core.MessageHeartbeat:
		payload, ok := msg.Payload.(core.HeartbeatPayload)
		if !ok {
			return
		}
		o.mu.Lock()
		if _, known := o.agents[payload.AgentID]; known {
			o.heartbeats[payload.AgentID] = time.Now()
		}
		o.mu.Unlock()
	case core.MessageVote:
		payload, ok := msg.Payload.(core.VotePayload)
		if !ok {
			o.logger.Warn("vote message with unexpected payload", "message_id", msg.ID, "from", msg.From)
			return
		}
		if err := o.SubmitVote(payload.RequestID, msg.From, payload.Approve, payload.Reason); err != nil {
			o.logger.Warn("vote rejected", "request_id", payload.RequestID, "voter_id", msg.From, "error", err)
		}
	}
}

// healthEntry is the audit record appended when an agent misses its
// heartbeat window.
type healthEntry struct {
	NodeID    string `cbor:"node_id"`
	AgentID   string `cbor:"agent_id"`
	LastSeen  int64  `cbor:"last_seen"`
	Timestamp int64  `cbor:"ts"`
}

func (o *Orchestrator) healthLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.checkHealth()
		}
	}
}

// checkHealth is passive: agents whose last heartbeat is older than three
// heartbeat intervals are logged and recorded in the audit trail, but no
// corrective action is taken here. Remediation belongs to external
// collaborators.
func (o *Orchestrator) checkHealth() {
	threshold := 3 * o.heartbeatInterval
	now := time.Now()

	o.mu.RLock()
	type stale struct {
		id   string
		last time.Time
	}
	var unhealthy []stale
	for id, last := range o.heartbeats {
		if now.Sub(last) > threshold {
			unhealthy = append(unhealthy, stale{id: id, last: last})
		}
	}
	o.mu.RUnlock()

	for _, s := range unhealthy {
		o.logger.Warn("agent unhealthy", "agent_id", s.id, "last_heartbeat", s.last, "threshold", threshold)
		if _, err := o.acc.AppendRecord(healthEntry{
			NodeID:    o.nodeID,
			AgentID:   s.id,
			LastSeen:  s.last.UnixNano(),
			Timestamp: now.UnixNano(),
		}); err != nil {
			o.logger.Error("failed to append health audit entry", "agent_id", s.id, "error", err)
		}
	}
}

// broadcast signs and publishes a message from the orchestrator itself.
func (o *Orchestrator) broadcast(msgType core.MessageType, payload any) error {
	msg := core.NewMessage(msgType, Topic, core.TopicBroadcast, payload)
	if err := msg.Sign(o.privKey); err != nil {
		return fmt.Errorf("signing %s broadcast: %w", msgType, err)
	}
	return o.bus.Publish(msg)
}

// PublicKey returns the orchestrator's broadcast signing key.
func (o *Orchestrator) PublicKey() ed25519.PublicKey { return o.pubKey }
