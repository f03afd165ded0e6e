package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/sentinelmesh/bus"
	"github.com/hupe1980/sentinelmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(func(o *bus.Options) {
		o.DrainInterval = 2 * time.Millisecond
	})
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func fastOptions(o *Options) {
	o.PollInterval = 2 * time.Millisecond
	o.HeartbeatInterval = time.Hour
}

// taskRecorder captures executed task types in completion order.
type taskRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *taskRecorder) record(taskType string) {
	r.mu.Lock()
	r.types = append(r.types, taskType)
	r.mu.Unlock()
}

func (r *taskRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.types))
	copy(out, r.types)
	return out
}

func TestNewAgent(t *testing.T) {
	a, err := New(core.RoleMonitor)
	require.NoError(t, err)

	assert.Equal(t, core.RoleMonitor, a.Role())
	assert.Equal(t, core.StateInitializing, a.State())
	assert.NotEmpty(t, a.ID())
	assert.Equal(t, core.LayerSensing, a.Identity().Layer)
	assert.Equal(t, []string{"observe", "signal"}, a.Capabilities())
}

func TestNewAgentUnknownRole(t *testing.T) {
	_, err := New(core.Role("wizard"))
	assert.ErrorIs(t, err, core.ErrUnknownRole)
}

func TestNewAgentCustomCapabilitiesAndPeers(t *testing.T) {
	a, err := New(core.RoleScout, func(o *Options) {
		o.Capabilities = []string{"probe-deep"}
		o.Peers = []string{"peer-1"}
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"probe-deep"}, a.Capabilities())
	assert.Equal(t, []string{"peer-1"}, a.Peers())
}

func TestLifecycle(t *testing.T) {
	b := newTestBus(t)

	a, err := New(core.RoleAnalyzer, fastOptions)
	require.NoError(t, err)

	require.NoError(t, a.Initialize(b))
	assert.Equal(t, core.StateReady, a.State())

	require.NoError(t, a.Start())
	assert.Equal(t, core.StateRunning, a.State())

	require.NoError(t, a.Stop())
	assert.Equal(t, core.StatePaused, a.State())

	require.NoError(t, a.Start())
	assert.Equal(t, core.StateRunning, a.State())

	require.NoError(t, a.Terminate())
	assert.Equal(t, core.StateTerminated, a.State())
}

func TestLifecycleInvalidTransitions(t *testing.T) {
	b := newTestBus(t)

	a, err := New(core.RoleAnalyzer, fastOptions)
	require.NoError(t, err)

	// Start before Initialize.
	var invalid *core.InvalidTransitionError
	require.ErrorAs(t, a.Start(), &invalid)

	require.NoError(t, a.Initialize(b))
	require.ErrorAs(t, a.Initialize(b), &invalid)

	// Stop before Start.
	require.ErrorAs(t, a.Stop(), &invalid)

	require.NoError(t, a.Terminate())
	assert.ErrorIs(t, a.Terminate(), core.ErrTerminated)

	_, err = a.SubmitTask(core.TaskSpec{Type: "noop"})
	assert.ErrorIs(t, err, core.ErrTerminated)
}

func TestInitializeHookFailure(t *testing.T) {
	b := newTestBus(t)

	hookErr := errors.New("setup failed")
	a, err := New(core.RoleAnalyzer, fastOptions, func(o *Options) {
		o.Behavior = FuncBehavior{
			InitializeFunc: func(*BaseAgent) error { return hookErr },
		}
	})
	require.NoError(t, err)

	require.ErrorIs(t, a.Initialize(b), hookErr)
	assert.Equal(t, core.StateError, a.State())

	// The error state still admits termination.
	require.NoError(t, a.Terminate())
}

func TestLifecycleHooksInvoked(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var calls []string
	note := func(name string) func(*BaseAgent) error {
		return func(*BaseAgent) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return nil
		}
	}

	a, err := New(core.RoleAnalyzer, fastOptions, func(o *Options) {
		o.Behavior = FuncBehavior{
			InitializeFunc: note("initialize"),
			StartFunc:      note("start"),
			StopFunc:       note("stop"),
		}
	})
	require.NoError(t, err)

	require.NoError(t, a.Initialize(b))
	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"initialize", "start", "stop"}, calls)
}

func TestTasksExecuteInPriorityOrder(t *testing.T) {
	b := newTestBus(t)
	rec := &taskRecorder{}

	a, err := New(core.RolePlanner, fastOptions, func(o *Options) {
		o.MaxConcurrentTasks = 1
		o.Behavior = FuncBehavior{
			TaskFunc: func(_ context.Context, _ *BaseAgent, task core.Task) (any, error) {
				rec.record(task.Type)
				return nil, nil
			},
		}
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))

	// Queue before starting so all four are sorted together.
	_, err = a.SubmitTask(core.TaskSpec{Type: "low", Priority: core.PriorityLow})
	require.NoError(t, err)
	_, err = a.SubmitTask(core.TaskSpec{Type: "medium", Priority: core.PriorityMedium})
	require.NoError(t, err)
	_, err = a.SubmitTask(core.TaskSpec{Type: "critical", Priority: core.PriorityCritical})
	require.NoError(t, err)
	_, err = a.SubmitTask(core.TaskSpec{Type: "high", Priority: core.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, 4, a.QueueDepth())

	require.NoError(t, a.Start())
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{"critical", "high", "medium", "low"}, rec.snapshot())
	assert.Equal(t, uint64(4), a.Metrics().TasksProcessed)
}

func TestFailedTaskRequeuesAtTail(t *testing.T) {
	b := newTestBus(t)
	rec := &taskRecorder{}

	a, err := New(core.RoleEnforcer, fastOptions, func(o *Options) {
		o.MaxConcurrentTasks = 1
		o.Behavior = FuncBehavior{
			TaskFunc: func(_ context.Context, _ *BaseAgent, task core.Task) (any, error) {
				rec.record(task.Type)
				if task.Type == "flaky" {
					return nil, errors.New("transient failure")
				}
				return nil, nil
			},
		}
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))

	_, err = a.SubmitTask(core.TaskSpec{Type: "flaky", Priority: core.PriorityCritical, MaxRetries: 1})
	require.NoError(t, err)
	_, err = a.SubmitTask(core.TaskSpec{Type: "steady", Priority: core.PriorityLow})
	require.NoError(t, err)

	require.NoError(t, a.Start())
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, time.Millisecond)

	// The retry lands at the queue tail, behind the lower-priority task
	// that was already queued.
	assert.Equal(t, []string{"flaky", "steady", "flaky"}, rec.snapshot())

	m := a.Metrics()
	assert.Equal(t, uint64(1), m.TasksProcessed)
	assert.Equal(t, uint64(1), m.TasksFailed)
}

func TestTaskRetriesExhausted(t *testing.T) {
	b := newTestBus(t)
	rec := &taskRecorder{}

	a, err := New(core.RoleEnforcer, fastOptions, func(o *Options) {
		o.Behavior = FuncBehavior{
			TaskFunc: func(_ context.Context, _ *BaseAgent, task core.Task) (any, error) {
				rec.record(task.Type)
				return nil, errors.New("always fails")
			},
		}
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))

	_, err = a.SubmitTask(core.TaskSpec{Type: "doomed", MaxRetries: 2})
	require.NoError(t, err)

	require.NoError(t, a.Start())
	require.Eventually(t, func() bool {
		return a.Metrics().TasksFailed == 1
	}, time.Second, time.Millisecond)

	// Initial attempt plus two retries.
	assert.Len(t, rec.snapshot(), 3)
	assert.Zero(t, a.QueueDepth())
}

func TestTaskPanicCountsAsFailure(t *testing.T) {
	b := newTestBus(t)

	a, err := New(core.RoleEnforcer, fastOptions, func(o *Options) {
		o.Behavior = FuncBehavior{
			TaskFunc: func(context.Context, *BaseAgent, core.Task) (any, error) {
				panic("task exploded")
			},
		}
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))

	_, err = a.SubmitTask(core.TaskSpec{Type: "bomb", MaxRetries: 1})
	require.NoError(t, err)

	require.NoError(t, a.Start())
	require.Eventually(t, func() bool {
		return a.Metrics().TasksFailed == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, core.StateRunning, a.State())
}

func TestSubmitTaskDefaultRetries(t *testing.T) {
	b := newTestBus(t)
	rec := &taskRecorder{}

	a, err := New(core.RoleEnforcer, fastOptions, func(o *Options) {
		o.DefaultMaxRetries = 1
		o.Behavior = FuncBehavior{
			TaskFunc: func(_ context.Context, _ *BaseAgent, task core.Task) (any, error) {
				rec.record(task.Type)
				return nil, errors.New("nope")
			},
		}
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))

	_, err = a.SubmitTask(core.TaskSpec{Type: "default-budget"})
	require.NoError(t, err)

	require.NoError(t, a.Start())
	require.Eventually(t, func() bool {
		return a.Metrics().TasksFailed == 1
	}, time.Second, time.Millisecond)
	assert.Len(t, rec.snapshot(), 2)
}

func TestSendMessageBeforeInitialize(t *testing.T) {
	a, err := New(core.RoleMonitor)
	require.NoError(t, err)

	err = a.SendMessage("somewhere", core.MessageSignal, nil)
	assert.ErrorIs(t, err, core.ErrNotInitialized)
}

func TestSendMessageSignsEnvelope(t *testing.T) {
	b := newTestBus(t)

	a, err := New(core.RoleMonitor, fastOptions)
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))

	var mu sync.Mutex
	var got core.Message
	var received bool
	b.Subscribe("sink", func(msg core.Message) {
		mu.Lock()
		got = msg
		received = true
		mu.Unlock()
	})

	require.NoError(t, a.SendMessage("sink", core.MessageSignal, "observation"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, a.ID(), got.From)
	assert.True(t, got.Verify(a.Identity().PublicKey))
	assert.Equal(t, uint64(1), a.Metrics().MessagesSent)
}

func TestBroadcastDeliveredOnce(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	a, err := New(core.RoleAnalyzer, fastOptions, func(o *Options) {
		o.Behavior = FuncBehavior{
			MessageFunc: func(*BaseAgent, core.Message) error {
				mu.Lock()
				count++
				mu.Unlock()
				return nil
			},
		}
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))

	// The agent holds both an id-topic and a broadcast subscription, so
	// the fan-out would hit it twice without deduplication.
	msg := core.NewMessage(core.MessageSignal, "someone-else", core.TopicBroadcast, nil)
	require.NoError(t, b.Publish(msg))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
	assert.Equal(t, uint64(1), a.Metrics().MessagesReceived)
}

func TestOwnBroadcastIgnored(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	a, err := New(core.RoleAnalyzer, fastOptions, func(o *Options) {
		o.Behavior = FuncBehavior{
			MessageFunc: func(*BaseAgent, core.Message) error {
				mu.Lock()
				count++
				mu.Unlock()
				return nil
			},
		}
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))

	require.NoError(t, a.SendMessage(core.TopicBroadcast, core.MessageSignal, nil))

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestPauseResumeTerminateCommands(t *testing.T) {
	b := newTestBus(t)

	a, err := New(core.RoleAnalyzer, fastOptions)
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))
	require.NoError(t, a.Start())

	send := func(command string) {
		msg := core.NewMessage(core.MessageCommand, "controller", a.ID(), core.CommandPayload{Command: command})
		require.NoError(t, b.Publish(msg))
	}

	send(core.CommandPause)
	require.Eventually(t, func() bool { return a.State() == core.StatePaused }, time.Second, time.Millisecond)

	send(core.CommandResume)
	require.Eventually(t, func() bool { return a.State() == core.StateRunning }, time.Second, time.Millisecond)

	send(core.CommandTerminate)
	require.Eventually(t, func() bool { return a.State() == core.StateTerminated }, time.Second, time.Millisecond)
}

func TestCustomCommandRoutedToHook(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got string
	a, err := New(core.RoleAnalyzer, fastOptions, func(o *Options) {
		o.Behavior = FuncBehavior{
			CommandFunc: func(_ *BaseAgent, command string, _ core.Message) error {
				mu.Lock()
				got = command
				mu.Unlock()
				return nil
			},
		}
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))

	msg := core.NewMessage(core.MessageCommand, "controller", a.ID(), core.CommandPayload{Command: "recalibrate"})
	require.NoError(t, b.Publish(msg))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == "recalibrate"
	}, time.Second, time.Millisecond)
}

func TestHeartbeatBroadcast(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var beats []core.Message
	b.Subscribe("observer", func(msg core.Message) {
		if msg.Type == core.MessageHeartbeat {
			mu.Lock()
			beats = append(beats, msg)
			mu.Unlock()
		}
	})

	a, err := New(core.RoleMonitor, func(o *Options) {
		o.PollInterval = 2 * time.Millisecond
		o.HeartbeatInterval = 5 * time.Millisecond
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))
	require.NoError(t, a.Start())
	defer func() { _ = a.Terminate() }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(beats) >= 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	beat := beats[0]
	mu.Unlock()

	payload, ok := beat.Payload.(core.HeartbeatPayload)
	require.True(t, ok)
	assert.Equal(t, a.ID(), payload.AgentID)
	assert.Equal(t, core.RoleMonitor, payload.Role)
	assert.False(t, a.Metrics().LastHeartbeat.IsZero())
}

func TestTerminateReleasesSubscriptions(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	a, err := New(core.RoleAnalyzer, fastOptions, func(o *Options) {
		o.Behavior = FuncBehavior{
			MessageFunc: func(*BaseAgent, core.Message) error {
				mu.Lock()
				count++
				mu.Unlock()
				return nil
			},
		}
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))
	require.NoError(t, a.Terminate())

	require.NoError(t, b.Publish(core.NewMessage(core.MessageSignal, "someone", a.ID(), nil)))

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestAuditTrailRecordsTransitions(t *testing.T) {
	b := newTestBus(t)

	a, err := New(core.RoleAuditor, fastOptions)
	require.NoError(t, err)

	emptyRoot := a.AuditRoot()
	require.NoError(t, a.Initialize(b))

	afterInit := a.AuditRoot()
	assert.NotEqual(t, emptyRoot, afterInit)
	assert.Equal(t, 1, a.Accumulator().Size())

	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())
	require.NoError(t, a.Terminate())

	// initialize, start, stop, terminate: four transitions recorded.
	assert.Equal(t, 4, a.Accumulator().Size())
	assert.NotEqual(t, afterInit, a.AuditRoot())
}

func TestMetricsSnapshot(t *testing.T) {
	b := newTestBus(t)

	a, err := New(core.RoleAnalyzer, fastOptions)
	require.NoError(t, err)
	require.NoError(t, a.Initialize(b))

	m := a.Metrics()
	assert.Equal(t, core.StateReady, m.State)
	assert.Zero(t, m.TasksProcessed)
	assert.Zero(t, m.Uptime)

	require.NoError(t, a.Start())
	defer func() { _ = a.Terminate() }()

	_, err = a.SubmitTask(core.TaskSpec{Type: "noop"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.Metrics().TasksProcessed == 1
	}, time.Second, time.Millisecond)

	m = a.Metrics()
	assert.Equal(t, core.StateRunning, m.State)
	assert.Positive(t, m.Uptime)
}

func TestSeenRingEvicts(t *testing.T) {
	r := newSeenRing(2)

	assert.True(t, r.add("a"))
	assert.False(t, r.add("a"))
	assert.True(t, r.add("b"))
	assert.True(t, r.add("c")) // evicts "a"
	assert.True(t, r.add("a"))
}
