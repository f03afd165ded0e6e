package core

import "time"

// ConsensusType classifies what a proposal asks the node to do.
type ConsensusType string

// Consensus request types.
const (
	ConsensusIntervention       ConsensusType = "intervention"
	ConsensusKnowledgeUpdate    ConsensusType = "knowledge_update"
	ConsensusArchitectureChange ConsensusType = "architecture_change"
)

// Vote is one voter's position on a consensus request. At most one vote per
// voter id per request; a second vote from the same voter is a hard error,
// never a silent overwrite.
type Vote struct {
	VoterID   string    `json:"voter_id"`
	Approve   bool      `json:"approve"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature,omitempty"`
}

// ConsensusRequest is a pending proposal awaiting quorum. Votes is
// append-only. The request is removed the instant quorum is reached and
// executed; past its deadline it lingers until a vote attempt discovers the
// expiry (there is no background sweep).
type ConsensusRequest struct {
	ID                string        `json:"id"`
	Type              ConsensusType `json:"type"`
	Proposer          string        `json:"proposer"`
	Proposal          any           `json:"proposal"`
	RequiredApprovals int           `json:"required_approvals"`
	Deadline          time.Time     `json:"deadline"`
	Created           time.Time     `json:"created"`
	Votes             []Vote        `json:"votes"`
}

// Approvals counts the approving votes received so far.
func (r *ConsensusRequest) Approvals() int {
	n := 0
	for _, v := range r.Votes {
		if v.Approve {
			n++
		}
	}
	return n
}

// HasVoted reports whether the given voter id has already voted.
func (r *ConsensusRequest) HasVoted(voterID string) bool {
	for _, v := range r.Votes {
		if v.VoterID == voterID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe for handing to external callers while the
// request remains live inside the orchestrator.
func (r *ConsensusRequest) Clone() *ConsensusRequest {
	clone := *r
	clone.Votes = make([]Vote, len(r.Votes))
	copy(clone.Votes, r.Votes)
	return &clone
}

// ProposalPayload is the payload of the proposal broadcast announcing a new
// consensus request to every agent.
type ProposalPayload struct {
	RequestID         string        `json:"request_id"`
	Type              ConsensusType `json:"type"`
	Proposal          any           `json:"proposal"`
	RequiredApprovals int           `json:"required_approvals"`
	Deadline          time.Time     `json:"deadline"`
}

// VotePayload is the payload agents attach to vote-type bus messages
// addressed to the orchestrator topic. The voter identity is taken from the
// message envelope's From field.
type VotePayload struct {
	RequestID string `json:"request_id"`
	Approve   bool   `json:"approve"`
	Reason    string `json:"reason,omitempty"`
}
