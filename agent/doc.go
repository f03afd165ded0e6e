// Package agent contains the per-agent runtime: lifecycle state machine,
// signed outbound messaging, priority task queue with retries, heartbeat
// emission and local audit trail. The package focuses on three concerns:
//
//  1. Lifecycle + bus plumbing (BaseAgent)
//  2. Role-specific behavior hooks (Behavior, NopBehavior, FuncBehavior)
//  3. Task scheduling (priority-first dequeue, bounded concurrency, retry)
//
// Design principles:
//   - No hidden global state: the bus and accumulator are passed in
//   - Role behavior is a capability interface with no-op defaults, selected
//     per role by the orchestrator's factory registry
//   - Every lifecycle transition is appended to the agent's local hash
//     accumulator for later verification
//
// Execution model: an agent owns its queue, active-task set and metrics
// exclusively. Two goroutines run while the agent is in the running state
// (heartbeat ticker and task poll loop); Stop and Terminate are observed
// within one tick of each.
package agent
