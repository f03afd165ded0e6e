package agent

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/sentinelmesh/accumulator"
	"github.com/hupe1980/sentinelmesh/bus"
	"github.com/hupe1980/sentinelmesh/core"
	"github.com/hupe1980/sentinelmesh/logging"
)

// Options configures a BaseAgent.
type Options struct {
	// NodeID identifies the owning node recorded in the agent identity.
	NodeID string
	// HeartbeatInterval is the period of the liveness broadcast while
	// running.
	HeartbeatInterval time.Duration
	// PollInterval is the task loop tick. The loop idles at this interval
	// when the queue is empty or the agent is at capacity.
	PollInterval time.Duration
	// MaxConcurrentTasks bounds tasks executing at once.
	MaxConcurrentTasks int
	// DefaultMaxRetries applies to submitted tasks that do not set their
	// own retry budget.
	DefaultMaxRetries int
	// Capabilities defaults to the role's standard capability set.
	Capabilities []string
	// Peers lists the agent ids already live on the node at spawn time.
	// Informational; role behaviors may use it for direct addressing.
	Peers []string
	// Behavior supplies the role-specific hooks. Defaults to NopBehavior.
	Behavior Behavior
	// Accumulator receives the agent's local audit trail. Defaults to a
	// fresh instance.
	Accumulator *accumulator.Accumulator
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// BaseAgent is the runtime for one role-specialized worker. It owns its
// task queue, active-task set and metrics exclusively; only the bus and
// (optionally) the accumulator are shared. All exported methods are safe
// for concurrent use.
type BaseAgent struct {
	identity core.Identity
	privKey  ed25519.PrivateKey
	behavior Behavior
	acc      *accumulator.Accumulator
	logger   logging.Logger

	heartbeatInterval  time.Duration
	pollInterval       time.Duration
	maxConcurrentTasks int
	defaultMaxRetries  int
	capabilities       []string
	peers              []string

	mu    sync.Mutex
	state core.State
	bus   *bus.Bus
	subs  []*bus.Subscription
	queue []core.Task

	active     int
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	seen *seenRing

	tasksProcessed   uint64
	tasksFailed      uint64
	messagesSent     uint64
	messagesReceived uint64
	attempts         uint64
	totalDuration    time.Duration
	lastHeartbeat    time.Time
	startedAt        time.Time
}

// Metrics is a point-in-time snapshot of an agent's counters.
type Metrics struct {
	State            core.State    `json:"state"`
	TasksProcessed   uint64        `json:"tasks_processed"`
	TasksFailed      uint64        `json:"tasks_failed"`
	MessagesSent     uint64        `json:"messages_sent"`
	MessagesReceived uint64        `json:"messages_received"`
	QueueDepth       int           `json:"queue_depth"`
	ActiveTasks      int           `json:"active_tasks"`
	AvgTaskDuration  time.Duration `json:"avg_task_duration"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	Uptime           time.Duration `json:"uptime"`
}

// New constructs an agent in the initializing state with a fresh identity
// and Ed25519 signing key for the given role.
func New(role core.Role, optFns ...func(o *Options)) (*BaseAgent, error) {
	opts := Options{
		NodeID:             "local",
		HeartbeatInterval:  5 * time.Second,
		PollInterval:       20 * time.Millisecond,
		MaxConcurrentTasks: 4,
		DefaultMaxRetries:  3,
		Behavior:           NopBehavior{},
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	identity, priv, err := core.NewIdentity(role, opts.NodeID)
	if err != nil {
		return nil, err
	}

	if opts.Capabilities == nil {
		opts.Capabilities = core.RoleCapabilities(role)
	}
	if opts.Accumulator == nil {
		opts.Accumulator = accumulator.New()
	}

	return &BaseAgent{
		identity:           identity,
		privKey:            priv,
		behavior:           opts.Behavior,
		acc:                opts.Accumulator,
		logger:             opts.Logger,
		heartbeatInterval:  opts.HeartbeatInterval,
		pollInterval:       opts.PollInterval,
		maxConcurrentTasks: opts.MaxConcurrentTasks,
		defaultMaxRetries:  opts.DefaultMaxRetries,
		capabilities:       opts.Capabilities,
		peers:              opts.Peers,
		state:              core.StateInitializing,
		seen:               newSeenRing(256),
	}, nil
}

// Identity returns the agent's immutable identity.
func (a *BaseAgent) Identity() core.Identity { return a.identity }

// ID returns the agent's generated id.
func (a *BaseAgent) ID() string { return a.identity.ID }

// Role returns the agent's role.
func (a *BaseAgent) Role() core.Role { return a.identity.Role }

// Capabilities returns a copy of the agent's capability set.
func (a *BaseAgent) Capabilities() []string {
	out := make([]string, len(a.capabilities))
	copy(out, a.capabilities)
	return out
}

// Peers returns the agent ids that were live on the node when this agent
// was spawned.
func (a *BaseAgent) Peers() []string {
	out := make([]string, len(a.peers))
	copy(out, a.peers)
	return out
}

// State returns the current lifecycle state.
func (a *BaseAgent) State() core.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AuditRoot returns the current root of the agent's local audit trail.
func (a *BaseAgent) AuditRoot() []byte { return a.acc.Root() }

// Accumulator exposes the agent's audit accumulator for proof generation.
func (a *BaseAgent) Accumulator() *accumulator.Accumulator { return a.acc }

// auditEntry is the accumulator record appended on every state transition.
type auditEntry struct {
	AgentID   string `cbor:"agent_id"`
	From      string `cbor:"from"`
	To        string `cbor:"to"`
	Timestamp int64  `cbor:"ts"`
}

// transitionLocked moves the state machine and appends the transition to
// the local audit trail. Caller holds a.mu.
func (a *BaseAgent) transitionLocked(to core.State) error {
	if !core.CanTransition(a.state, to) {
		return &core.InvalidTransitionError{From: a.state, To: to}
	}
	from := a.state
	a.state = to
	if _, err := a.acc.AppendRecord(auditEntry{
		AgentID:   a.identity.ID,
		From:      string(from),
		To:        string(to),
		Timestamp: time.Now().UnixNano(),
	}); err != nil {
		a.logger.Error("failed to append transition audit entry", "agent_id", a.identity.ID, "error", err)
	}
	a.logger.Debug("agent state transition", "agent_id", a.identity.ID, "from", from, "to", to)
	return nil
}

// Initialize binds the agent to the shared bus, subscribes to its own id
// and the broadcast topic, runs the role's OnInitialize hook and
// transitions to ready. A hook failure moves the agent to the error state
// and is returned to the caller.
func (a *BaseAgent) Initialize(b *bus.Bus) error {
	a.mu.Lock()
	if a.state != core.StateInitializing {
		state := a.state
		a.mu.Unlock()
		return &core.InvalidTransitionError{From: state, To: core.StateReady}
	}
	a.bus = b
	a.subs = append(a.subs,
		b.Subscribe(a.identity.ID, a.handleMessage),
		b.Subscribe(core.TopicBroadcast, a.handleMessage),
	)
	a.mu.Unlock()

	if err := a.behavior.OnInitialize(a); err != nil {
		a.mu.Lock()
		_ = a.transitionLocked(core.StateError)
		a.mu.Unlock()
		return fmt.Errorf("initializing agent %s: %w", a.identity.ID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(core.StateReady)
}

// Start transitions to running, begins heartbeat emission and the task
// processing loop, then runs the role's OnStart hook. It fails unless the
// agent is currently ready or paused.
func (a *BaseAgent) Start() error {
	a.mu.Lock()
	if a.state != core.StateReady && a.state != core.StatePaused {
		state := a.state
		a.mu.Unlock()
		return &core.InvalidTransitionError{From: state, To: core.StateRunning}
	}
	if err := a.transitionLocked(core.StateRunning); err != nil {
		a.mu.Unlock()
		return err
	}
	if a.startedAt.IsZero() {
		a.startedAt = time.Now()
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.loopCancel = cancel
	a.loopWG.Add(2)
	go a.heartbeatLoop(ctx)
	go a.taskLoop(ctx)
	a.mu.Unlock()

	if err := a.behavior.OnStart(a); err != nil {
		return fmt.Errorf("starting agent %s: %w", a.identity.ID, err)
	}
	return nil
}

// Stop cancels the heartbeat and task loops, transitions to paused and runs
// the role's OnStop hook. The loops observe cancellation within one tick.
// A paused agent can be resumed with Start.
func (a *BaseAgent) Stop() error {
	a.mu.Lock()
	if a.state != core.StateRunning || a.loopCancel == nil {
		state := a.state
		a.mu.Unlock()
		return &core.InvalidTransitionError{From: state, To: core.StatePaused}
	}
	cancel := a.loopCancel
	a.loopCancel = nil
	a.mu.Unlock()

	cancel()
	a.loopWG.Wait()

	a.mu.Lock()
	if err := a.transitionLocked(core.StatePaused); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	if err := a.behavior.OnStop(a); err != nil {
		return fmt.Errorf("stopping agent %s: %w", a.identity.ID, err)
	}
	return nil
}

// Terminate stops the agent if it is running, transitions to the terminal
// terminated state and releases its bus subscriptions. Terminated agents
// accept no further operations.
func (a *BaseAgent) Terminate() error {
	a.mu.Lock()
	if a.state == core.StateTerminated {
		a.mu.Unlock()
		return core.ErrTerminated
	}
	running := a.state == core.StateRunning
	a.mu.Unlock()

	if running {
		if err := a.Stop(); err != nil {
			a.logger.Warn("stop during terminate failed", "agent_id", a.identity.ID, "error", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.transitionLocked(core.StateTerminated); err != nil {
		return err
	}
	if a.bus != nil {
		for _, sub := range a.subs {
			a.bus.Unsubscribe(sub)
		}
	}
	a.subs = nil
	return nil
}

// SubmitTask assigns an id, creation time and a zero retry counter to the
// spec, inserts it into the local queue and re-sorts the queue by priority
// (critical first, stable within a tier). The agent does not have to be
// running; queued tasks wait until it is.
func (a *BaseAgent) SubmitTask(spec core.TaskSpec) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == core.StateTerminated {
		return "", core.ErrTerminated
	}

	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = a.defaultMaxRetries
	}

	task := core.Task{
		ID:            core.NewID(),
		Type:          spec.Type,
		Priority:      spec.Priority,
		Payload:       spec.Payload,
		Created:       time.Now().UTC(),
		MaxRetries:    maxRetries,
		Deadline:      spec.Deadline,
		CorrelationID: spec.CorrelationID,
	}
	a.queue = append(a.queue, task)
	sort.SliceStable(a.queue, func(i, j int) bool {
		return a.queue[i].Priority < a.queue[j].Priority
	})
	return task.ID, nil
}

// QueueDepth returns the number of tasks waiting in the queue.
func (a *BaseAgent) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// SendMessage builds a message to the given topic, signs it with the
// agent's private key and publishes it. It fails with ErrNotInitialized
// before Initialize has bound the agent to a bus.
func (a *BaseAgent) SendMessage(to string, msgType core.MessageType, payload any) error {
	a.mu.Lock()
	b := a.bus
	a.mu.Unlock()
	if b == nil {
		return fmt.Errorf("%w: agent %s", core.ErrNotInitialized, a.identity.ID)
	}

	msg := core.NewMessage(msgType, a.identity.ID, to, payload)
	if err := msg.Sign(a.privKey); err != nil {
		return fmt.Errorf("signing message: %w", err)
	}
	if err := b.Publish(msg); err != nil {
		return err
	}

	a.mu.Lock()
	a.messagesSent++
	a.mu.Unlock()
	return nil
}

// Metrics returns a snapshot of the agent's counters.
func (a *BaseAgent) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := Metrics{
		State:            a.state,
		TasksProcessed:   a.tasksProcessed,
		TasksFailed:      a.tasksFailed,
		MessagesSent:     a.messagesSent,
		MessagesReceived: a.messagesReceived,
		QueueDepth:       len(a.queue),
		ActiveTasks:      a.active,
		LastHeartbeat:    a.lastHeartbeat,
	}
	if a.attempts > 0 {
		m.AvgTaskDuration = a.totalDuration / time.Duration(a.attempts)
	}
	if !a.startedAt.IsZero() {
		m.Uptime = time.Since(a.startedAt)
	}
	return m
}

// handleMessage is the single bus entry point for both the agent's id topic
// and the broadcast topic.
func (a *BaseAgent) handleMessage(msg core.Message) {
	if msg.From == a.identity.ID {
		return
	}
	// A broadcast can reach this agent twice: once via its broadcast
	// subscription and once via the id-topic fan-out. Keep the first copy.
	if msg.To == core.TopicBroadcast && !a.seen.add(msg.ID) {
		return
	}

	a.mu.Lock()
	a.messagesReceived++
	a.mu.Unlock()

	switch msg.Type {
	case core.MessageHeartbeat:
		// Liveness is tracked by the orchestrator; agents ignore peers'
		// heartbeats.
	case core.MessageCommand:
		a.handleCommand(msg)
	default:
		if err := a.behavior.OnMessage(a, msg); err != nil {
			a.logger.Error("message hook failed", "agent_id", a.identity.ID, "message_type", msg.Type, "error", err)
		}
	}
}

func (a *BaseAgent) handleCommand(msg core.Message) {
	payload, ok := msg.Payload.(core.CommandPayload)
	if !ok {
		a.logger.Warn("command message with unexpected payload", "agent_id", a.identity.ID, "message_id", msg.ID)
		return
	}

	var err error
	switch payload.Command {
	case core.CommandPause:
		err = a.Stop()
	case core.CommandResume:
		err = a.Start()
	case core.CommandTerminate:
		err = a.Terminate()
	default:
		err = a.behavior.OnCommand(a, payload.Command, msg)
	}
	if err != nil {
		a.logger.Error("command failed", "agent_id", a.identity.ID, "command", payload.Command, "error", err)
	}
}

// heartbeatLoop broadcasts a signed liveness message every heartbeat
// interval while the agent is running.
func (a *BaseAgent) heartbeatLoop(ctx context.Context) {
	defer a.loopWG.Done()

	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.emitHeartbeat()
		}
	}
}

func (a *BaseAgent) emitHeartbeat() {
	now := time.Now().UTC()
	err := a.SendMessage(core.TopicBroadcast, core.MessageHeartbeat, core.HeartbeatPayload{
		AgentID:   a.identity.ID,
		Role:      a.identity.Role,
		State:     a.State(),
		Timestamp: now,
	})
	if err != nil {
		a.logger.Warn("heartbeat emission failed", "agent_id", a.identity.ID, "error", err)
		return
	}
	a.mu.Lock()
	a.lastHeartbeat = now
	a.mu.Unlock()
}

// taskLoop dequeues and executes tasks while the agent is running. Each
// tick it launches work until the concurrency bound is hit, then idles
// until the next tick.
func (a *BaseAgent) taskLoop(ctx context.Context) {
	defer a.loopWG.Done()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.dispatchPending(ctx)
		}
	}
}

func (a *BaseAgent) dispatchPending(ctx context.Context) {
	for {
		a.mu.Lock()
		if a.state != core.StateRunning || a.active >= a.maxConcurrentTasks || len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		task := a.queue[0]
		a.queue = a.queue[1:]
		a.active++
		a.mu.Unlock()

		go a.execute(ctx, task)
	}
}

// execute performs one attempt. Failures with retry budget left re-append
// the task at the queue tail without re-sorting: a retried task
// deliberately keeps its tail position until the next SubmitTask triggers
// a resort.
func (a *BaseAgent) execute(ctx context.Context, task core.Task) {
	start := time.Now()
	output, err := a.runTask(ctx, task)
	duration := time.Since(start)

	result := core.TaskResult{
		TaskID:    task.ID,
		Success:   err == nil,
		Output:    output,
		Duration:  duration,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		result.Err = err.Error()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.active--
	a.attempts++
	a.totalDuration += duration

	if err == nil {
		a.tasksProcessed++
		a.logger.Debug("task completed", "agent_id", a.identity.ID, "task_id", task.ID, "task_type", task.Type, "duration", duration)
		return
	}

	if task.Retries < task.MaxRetries {
		task.Retries++
		a.queue = append(a.queue, task)
		a.logger.Warn("task failed, requeued", "agent_id", a.identity.ID, "task_id", task.ID, "retries", task.Retries, "error", err)
		return
	}

	a.tasksFailed++
	a.logger.Error("task failed permanently", "agent_id", a.identity.ID, "task_id", task.ID, "retries", task.Retries, "error", result.Err)
}

// runTask invokes the behavior hook, converting a panic into a failed
// attempt instead of crashing the agent.
func (a *BaseAgent) runTask(ctx context.Context, task core.Task) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return a.behavior.ExecuteTask(ctx, a, task)
}

// seenRing remembers the last n message ids for broadcast deduplication.
type seenRing struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

func newSeenRing(capacity int) *seenRing {
	return &seenRing{ids: make(map[string]struct{}, capacity), cap: capacity}
}

// add records the id, reporting false if it was already present.
func (r *seenRing) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.cap {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	return true
}
