// Package core provides the foundational domain types shared by all
// SentinelMesh components. It defines:
//
//   - Identity (immutable agent identity: role, layer, signing key material)
//   - State (the agent lifecycle enum and its legal transitions)
//   - Task / TaskResult (priority-scheduled units of agent work)
//   - Message (the signed envelope exchanged over the bus)
//   - ConsensusRequest / Vote (quorum-gated proposals)
//   - Sentinel errors for every failure class the core can surface
//
// The package intentionally keeps implementation concerns (bus transport,
// scheduling, orchestration, accumulator mechanics) out of scope, so that
// every other package can depend on core without cycles.
package core
