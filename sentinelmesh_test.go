package sentinelmesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/sentinelmesh/agent"
	"github.com/hupe1980/sentinelmesh/config"
	"github.com/hupe1980/sentinelmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() config.NodeConfig {
	cfg := config.Default()
	cfg.Bus.DrainInterval = config.Duration(2 * time.Millisecond)
	cfg.Agent.PollInterval = config.Duration(2 * time.Millisecond)
	cfg.Agent.HeartbeatInterval = config.Duration(50 * time.Millisecond)
	return cfg
}

func newTestMesh(t *testing.T) *Mesh {
	t.Helper()
	m, err := New(func(o *Options) {
		o.Config = fastConfig()
	})
	require.NoError(t, err)
	m.Start()
	t.Cleanup(m.Close)
	return m
}

func TestMeshSpawnAndSubmitTask(t *testing.T) {
	m := newTestMesh(t)

	done := make(chan core.Task, 1)
	m.RegisterFactory(core.RoleAnalyzer, func(optFns ...func(o *agent.Options)) (*agent.BaseAgent, error) {
		optFns = append(optFns, func(o *agent.Options) {
			o.Behavior = agent.FuncBehavior{
				TaskFunc: func(_ context.Context, _ *agent.BaseAgent, task core.Task) (any, error) {
					select {
					case done <- task:
					default:
					}
					return "scored", nil
				},
			}
		})
		return agent.New(core.RoleAnalyzer, optFns...)
	})

	a, err := m.SpawnAgent(core.RoleAnalyzer)
	require.NoError(t, err)
	assert.Equal(t, core.StateRunning, a.State())

	taskID, err := m.SubmitTask(a.ID(), core.TaskSpec{
		Type:     "score_signal",
		Priority: core.PriorityHigh,
		Payload:  map[string]any{"source": "sensor-4"},
	})
	require.NoError(t, err)

	select {
	case task := <-done:
		assert.Equal(t, taskID, task.ID)
		assert.Equal(t, "score_signal", task.Type)
	case <-time.After(time.Second):
		t.Fatal("task was not executed")
	}

	_, err = m.SubmitTask("unknown-agent", core.TaskSpec{Type: "noop"})
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestMeshMessagingBetweenAgents(t *testing.T) {
	m := newTestMesh(t)

	var mu sync.Mutex
	var received []core.Message
	m.RegisterFactory(core.RoleMonitor, func(optFns ...func(o *agent.Options)) (*agent.BaseAgent, error) {
		return agent.New(core.RoleMonitor, optFns...)
	})
	m.RegisterFactory(core.RoleAnalyzer, func(optFns ...func(o *agent.Options)) (*agent.BaseAgent, error) {
		optFns = append(optFns, func(o *agent.Options) {
			o.Behavior = agent.FuncBehavior{
				MessageFunc: func(_ *agent.BaseAgent, msg core.Message) error {
					mu.Lock()
					received = append(received, msg)
					mu.Unlock()
					return nil
				},
			}
		})
		return agent.New(core.RoleAnalyzer, optFns...)
	})

	monitor, err := m.SpawnAgent(core.RoleMonitor)
	require.NoError(t, err)
	analyzer, err := m.SpawnAgent(core.RoleAnalyzer)
	require.NoError(t, err)

	require.NoError(t, monitor.SendMessage(analyzer.ID(), core.MessageSignal, "anomaly detected"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, monitor.ID(), received[0].From)
	assert.Equal(t, "anomaly detected", received[0].Payload)
	assert.True(t, received[0].Verify(monitor.Identity().PublicKey))
}

func TestMeshRequestReply(t *testing.T) {
	m := newTestMesh(t)

	m.Subscribe("lookup", func(msg core.Message) {
		reply := core.NewMessage(core.MessageReply, "lookup", msg.ReplyTo, "found")
		reply.CorrelationID = msg.ID
		_ = m.Publish(reply)
	})

	msg := core.NewMessage(core.MessageSignal, "caller", "", "query")
	reply, err := m.Request(context.Background(), "lookup", msg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "found", reply.Payload)
}

func TestMeshConsensusEndToEnd(t *testing.T) {
	m := newTestMesh(t)

	// Enforcers approve any proposal they see and receive the resulting
	// intervention task.
	taskCh := make(chan core.Task, 2)
	m.RegisterFactory(core.RoleEnforcer, func(optFns ...func(o *agent.Options)) (*agent.BaseAgent, error) {
		optFns = append(optFns, func(o *agent.Options) {
			o.Behavior = agent.FuncBehavior{
				MessageFunc: func(a *agent.BaseAgent, msg core.Message) error {
					if msg.Type != core.MessageProposal {
						return nil
					}
					p, ok := msg.Payload.(core.ProposalPayload)
					if !ok {
						return nil
					}
					return a.SendMessage("orchestrator", core.MessageVote, core.VotePayload{
						RequestID: p.RequestID,
						Approve:   true,
						Reason:    "anomaly confirmed",
					})
				},
				TaskFunc: func(_ context.Context, _ *agent.BaseAgent, task core.Task) (any, error) {
					taskCh <- task
					return nil, nil
				},
			}
		})
		return agent.New(core.RoleEnforcer, optFns...)
	})

	_, err := m.SpawnAgent(core.RoleEnforcer)
	require.NoError(t, err)
	_, err = m.SpawnAgent(core.RoleEnforcer)
	require.NoError(t, err)

	id, err := m.InitiateConsensus(core.ConsensusIntervention, "isolate segment", 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case task := <-taskCh:
			assert.Equal(t, "isolate segment", task.Payload)
			assert.Equal(t, id, task.CorrelationID)
		case <-time.After(2 * time.Second):
			t.Fatal("intervention task not dispatched after quorum")
		}
	}

	_, ok := m.ConsensusStatus(id)
	assert.False(t, ok, "executed request is removed")
}

func TestMeshDirectVoteSubmission(t *testing.T) {
	m := newTestMesh(t)

	id, err := m.InitiateConsensus(core.ConsensusArchitectureChange, "new layer", 2)
	require.NoError(t, err)

	require.NoError(t, m.SubmitVote(id, "voter-1", true, ""))
	status, ok := m.ConsensusStatus(id)
	require.True(t, ok)
	assert.Equal(t, 1, status.Approvals())
	assert.Equal(t, 1, m.Metrics().PendingConsensus)
}

func TestMeshSharedAuditRoot(t *testing.T) {
	m := newTestMesh(t)

	before := m.HistoryRoot()
	require.NoError(t, m.Publish(core.NewMessage(core.MessageSignal, "a", "t", nil)))
	assert.NotEqual(t, before, m.HistoryRoot())

	// The bus and orchestrator fold into the same node-wide accumulator.
	assert.Equal(t, m.Accumulator().Root(), m.HistoryRoot())
	assert.Equal(t, m.Accumulator(), m.Bus().Accumulator())
}

func TestMeshProposalSignature(t *testing.T) {
	m := newTestMesh(t)

	got := make(chan core.Message, 1)
	m.Subscribe("watcher", func(msg core.Message) {
		if msg.Type == core.MessageProposal {
			select {
			case got <- msg:
			default:
			}
		}
	})

	_, err := m.InitiateConsensus(core.ConsensusIntervention, nil, 1)
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.True(t, msg.Verify(m.OrchestratorKey()))
	case <-time.After(time.Second):
		t.Fatal("proposal broadcast not observed")
	}
}

func TestMeshMetrics(t *testing.T) {
	m := newTestMesh(t)

	m.RegisterFactory(core.RoleAuditor, func(optFns ...func(o *agent.Options)) (*agent.BaseAgent, error) {
		return agent.New(core.RoleAuditor, optFns...)
	})
	_, err := m.SpawnAgent(core.RoleAuditor)
	require.NoError(t, err)

	metrics := m.Metrics()
	assert.Equal(t, 1, metrics.Agents)
	assert.Equal(t, 1, metrics.AgentsByLayer[core.LayerGovernance])
}

func TestMeshCloseTerminatesEverything(t *testing.T) {
	m, err := New(func(o *Options) {
		o.Config = fastConfig()
	})
	require.NoError(t, err)
	m.Start()

	m.RegisterFactory(core.RoleScout, func(optFns ...func(o *agent.Options)) (*agent.BaseAgent, error) {
		return agent.New(core.RoleScout, optFns...)
	})
	scout, err := m.SpawnAgent(core.RoleScout)
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, core.StateTerminated, scout.State())
}
