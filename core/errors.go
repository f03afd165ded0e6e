package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes the core can surface. Callers
// should match with errors.Is since operations wrap these with context.
var (
	// ErrQueueFull is returned by Publish when the bus queue has reached
	// its configured bound. The caller must handle or retry; the bus never
	// buffers beyond the bound.
	ErrQueueFull = errors.New("bus queue full")

	// ErrRequestTimeout is returned by Request when no reply arrives on the
	// synthetic reply topic within the deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrAgentNotFound is returned for operations on an unknown agent id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrFactoryNotFound is returned by SpawnAgent when no factory has been
	// registered for the requested role.
	ErrFactoryNotFound = errors.New("no factory registered for role")

	// ErrConsensusNotFound is returned for votes or status queries against
	// an unknown (or already executed) consensus request.
	ErrConsensusNotFound = errors.New("consensus request not found")

	// ErrConsensusExpired is returned by SubmitVote when the request's
	// deadline has passed. Expiry is discovered only at vote time; there is
	// no background sweep.
	ErrConsensusExpired = errors.New("consensus deadline passed")

	// ErrDuplicateVote is returned when a voter id votes twice on the same
	// request, regardless of the approve value.
	ErrDuplicateVote = errors.New("duplicate vote")

	// ErrIndexOutOfRange is returned by GenerateProof for an index outside
	// the accumulator's leaf range.
	ErrIndexOutOfRange = errors.New("leaf index out of range")

	// ErrNotInitialized is returned when an agent attempts bus I/O before
	// Initialize has bound it to a bus.
	ErrNotInitialized = errors.New("agent not initialized")

	// ErrTerminated is returned for operations on a terminated agent.
	ErrTerminated = errors.New("agent terminated")

	// ErrUnknownRole is returned when a role is not one of the twelve known
	// roles.
	ErrUnknownRole = errors.New("unknown role")
)

// InvalidTransitionError reports an illegal lifecycle transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}
