package agent

import (
	"context"

	"github.com/hupe1980/sentinelmesh/core"
)

// Behavior supplies the role-specific half of an agent. BaseAgent drives
// the lifecycle and scheduling; the Behavior decides what initialization,
// messages, commands and tasks actually mean for the role. All hooks are
// invoked from BaseAgent goroutines, never concurrently with themselves.
//
// Embed NopBehavior to implement only the hooks a role cares about.
type Behavior interface {
	// OnInitialize runs during Initialize after bus subscriptions are in
	// place. Returning an error moves the agent to the error state.
	OnInitialize(a *BaseAgent) error

	// OnStart runs after the agent has transitioned to running.
	OnStart(a *BaseAgent) error

	// OnStop runs after the agent has transitioned to paused.
	OnStop(a *BaseAgent) error

	// OnMessage receives every non-heartbeat, non-command message addressed
	// to the agent.
	OnMessage(a *BaseAgent, msg core.Message) error

	// OnCommand receives command messages that are not one of the built-in
	// pause/resume/terminate commands.
	OnCommand(a *BaseAgent, command string, msg core.Message) error

	// ExecuteTask performs one attempt of a dequeued task. A returned error
	// (or panic) marks the attempt failed and drives the retry logic.
	ExecuteTask(ctx context.Context, a *BaseAgent, task core.Task) (any, error)
}

// NopBehavior implements Behavior with no-ops. Embed it in role behaviors
// to pick up defaults for hooks they do not use.
type NopBehavior struct{}

// OnInitialize is a no-op.
func (NopBehavior) OnInitialize(*BaseAgent) error { return nil }

// OnStart is a no-op.
func (NopBehavior) OnStart(*BaseAgent) error { return nil }

// OnStop is a no-op.
func (NopBehavior) OnStop(*BaseAgent) error { return nil }

// OnMessage is a no-op.
func (NopBehavior) OnMessage(*BaseAgent, core.Message) error { return nil }

// OnCommand is a no-op.
func (NopBehavior) OnCommand(*BaseAgent, string, core.Message) error { return nil }

// ExecuteTask succeeds without doing anything.
func (NopBehavior) ExecuteTask(context.Context, *BaseAgent, core.Task) (any, error) {
	return nil, nil
}

// FuncBehavior adapts plain functions to the Behavior interface. Nil fields
// behave as no-ops. Convenient for wiring small role behaviors and tests
// without declaring a type per role.
type FuncBehavior struct {
	InitializeFunc func(a *BaseAgent) error
	StartFunc      func(a *BaseAgent) error
	StopFunc       func(a *BaseAgent) error
	MessageFunc    func(a *BaseAgent, msg core.Message) error
	CommandFunc    func(a *BaseAgent, command string, msg core.Message) error
	TaskFunc       func(ctx context.Context, a *BaseAgent, task core.Task) (any, error)
}

// OnInitialize calls InitializeFunc when set.
func (f FuncBehavior) OnInitialize(a *BaseAgent) error {
	if f.InitializeFunc == nil {
		return nil
	}
	return f.InitializeFunc(a)
}

// OnStart calls StartFunc when set.
func (f FuncBehavior) OnStart(a *BaseAgent) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(a)
}

// OnStop calls StopFunc when set.
func (f FuncBehavior) OnStop(a *BaseAgent) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(a)
}

// OnMessage calls MessageFunc when set.
func (f FuncBehavior) OnMessage(a *BaseAgent, msg core.Message) error {
	if f.MessageFunc == nil {
		return nil
	}
	return f.MessageFunc(a, msg)
}

// OnCommand calls CommandFunc when set.
func (f FuncBehavior) OnCommand(a *BaseAgent, command string, msg core.Message) error {
	if f.CommandFunc == nil {
		return nil
	}
	return f.CommandFunc(a, command, msg)
}

// ExecuteTask calls TaskFunc when set.
func (f FuncBehavior) ExecuteTask(ctx context.Context, a *BaseAgent, task core.Task) (any, error) {
	if f.TaskFunc == nil {
		return nil, nil
	}
	return f.TaskFunc(ctx, a, task)
}
