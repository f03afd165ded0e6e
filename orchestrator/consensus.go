package orchestrator

import (
	"fmt"
	"math"
	"time"

	"github.com/hupe1980/sentinelmesh/core"
)

// Task types dispatched when a proposal reaches quorum.
const (
	TaskExecuteIntervention  = "execute_intervention"
	TaskApplyKnowledgeUpdate = "apply_knowledge_update"
)

// InitiateConsensus creates a consensus request, stores it and broadcasts
// it as a proposal message. requiredApprovals <= 0 selects the default
// quorum: the approval ratio (67% unless configured otherwise) of the
// current agent count, rounded up, minimum one. Returns the request id.
func (o *Orchestrator) InitiateConsensus(ctype core.ConsensusType, proposal any, requiredApprovals int) (string, error) {
	if requiredApprovals <= 0 {
		requiredApprovals = int(math.Ceil(o.approvalRatio * float64(o.AgentCount())))
		if requiredApprovals < 1 {
			requiredApprovals = 1
		}
	}

	now := time.Now().UTC()
	req := &core.ConsensusRequest{
		ID:                core.NewID(),
		Type:              ctype,
		Proposer:          Topic,
		Proposal:          proposal,
		RequiredApprovals: requiredApprovals,
		Deadline:          now.Add(o.voteTimeout),
		Created:           now,
		Votes:             []core.Vote{},
	}

	o.cmu.Lock()
	o.requests[req.ID] = req
	o.cmu.Unlock()

	err := o.broadcast(core.MessageProposal, core.ProposalPayload{
		RequestID:         req.ID,
		Type:              req.Type,
		Proposal:          req.Proposal,
		RequiredApprovals: req.RequiredApprovals,
		Deadline:          req.Deadline,
	})
	if err != nil {
		o.logger.Error("proposal broadcast failed", "request_id", req.ID, "error", err)
	}

	o.logger.Info("consensus initiated", "request_id", req.ID, "type", ctype, "required_approvals", requiredApprovals)
	return req.ID, nil
}

// SubmitVote records one voter's position. It fails if the request is
// unknown, past its deadline (the request is dropped at that moment; expiry
// is discovered only here, there is no background sweep) or if the voter
// already voted. When the approving count reaches the threshold the request
// executes immediately and is removed; the trigger fires exactly once, at
// the crossing.
func (o *Orchestrator) SubmitVote(requestID, voterID string, approve bool, reason string) error {
	o.cmu.Lock()
	req, ok := o.requests[requestID]
	if !ok {
		o.cmu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrConsensusNotFound, requestID)
	}
	if time.Now().After(req.Deadline) {
		delete(o.requests, requestID)
		o.cmu.Unlock()
		return fmt.Errorf("%w: %s (deadline %s)", core.ErrConsensusExpired, requestID, req.Deadline.Format(time.RFC3339))
	}
	if req.HasVoted(voterID) {
		o.cmu.Unlock()
		return fmt.Errorf("%w: voter %s on request %s", core.ErrDuplicateVote, voterID, requestID)
	}

	req.Votes = append(req.Votes, core.Vote{
		VoterID:   voterID,
		Approve:   approve,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})

	if req.Approvals() < req.RequiredApprovals {
		o.cmu.Unlock()
		return nil
	}

	delete(o.requests, requestID)
	o.cmu.Unlock()

	o.execute(req)
	return nil
}

// ConsensusStatus returns a copy of the live request with its votes so far,
// or false once the request has executed, expired or never existed.
func (o *Orchestrator) ConsensusStatus(requestID string) (*core.ConsensusRequest, bool) {
	o.cmu.Lock()
	defer o.cmu.Unlock()
	req, ok := o.requests[requestID]
	if !ok {
		return nil, false
	}
	return req.Clone(), true
}

// consensusEntry is the audit record appended when a request executes.
type consensusEntry struct {
	NodeID    string `cbor:"node_id"`
	RequestID string `cbor:"request_id"`
	Type      string `cbor:"type"`
	Approvals int    `cbor:"approvals"`
	Timestamp int64  `cbor:"ts"`
}

// execute dispatches follow-up tasks to role-appropriate agents:
// interventions go to every enforcer, knowledge updates to every curator.
// Architecture changes are accepted but deliberately left for external
// handling.
func (o *Orchestrator) execute(req *core.ConsensusRequest) {
	switch req.Type {
	case core.ConsensusIntervention:
		o.dispatch(core.RoleEnforcer, TaskExecuteIntervention, req)
	case core.ConsensusKnowledgeUpdate:
		o.dispatch(core.RoleCurator, TaskApplyKnowledgeUpdate, req)
	case core.ConsensusArchitectureChange:
		o.logger.Info("architecture change approved, no task dispatch", "request_id", req.ID)
	}

	if _, err := o.acc.AppendRecord(consensusEntry{
		NodeID:    o.nodeID,
		RequestID: req.ID,
		Type:      string(req.Type),
		Approvals: req.Approvals(),
		Timestamp: time.Now().UnixNano(),
	}); err != nil {
		o.logger.Error("failed to append consensus audit entry", "request_id", req.ID, "error", err)
	}

	o.logger.Info("consensus executed", "request_id", req.ID, "type", req.Type, "approvals", req.Approvals())
}

func (o *Orchestrator) dispatch(role core.Role, taskType string, req *core.ConsensusRequest) {
	targets := o.AgentsByRole(role)
	if len(targets) == 0 {
		o.logger.Warn("consensus executed with no target agents", "request_id", req.ID, "role", role)
		return
	}
	for _, a := range targets {
		_, err := a.SubmitTask(core.TaskSpec{
			Type:          taskType,
			Priority:      core.PriorityCritical,
			Payload:       req.Proposal,
			CorrelationID: req.ID,
		})
		if err != nil {
			o.logger.Error("consensus task dispatch failed", "request_id", req.ID, "agent_id", a.ID(), "error", err)
		}
	}
}
