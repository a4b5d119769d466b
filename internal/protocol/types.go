package protocol

import "time"

// Agent is an authorized voting participant. Records are soft-disabled,
// never deleted: Active=false keeps past votes counted.
type Agent struct {
	AgentID      string    `json:"agent_id"`
	AgentType    string    `json:"agent_type"`
	VotingPower  int64     `json:"voting_power"`
	Active       bool      `json:"active"`
	PublicKey    string    `json:"public_key,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// VoteRecord is one agent's vote on one proposal.
type VoteRecord struct {
	AgentID     string    `json:"agent_id"`
	Vote        bool      `json:"vote"`
	VotingPower int64     `json:"voting_power"`
	CastAt      time.Time `json:"cast_at"`
}

type Proposal struct {
	ProposalID     int64     `json:"proposal_id"`
	Proposer       string    `json:"proposer"`
	ProposalType   string    `json:"proposal_type"`
	ContentHash    string    `json:"content_hash"`
	VotingStart    time.Time `json:"voting_start"`
	VotingEnd      time.Time `json:"voting_end"`
	ExecutionDelay int64     `json:"execution_delay_seconds"`
	YesVotes       int64     `json:"yes_votes"`
	NoVotes        int64     `json:"no_votes"`
	Executed       bool      `json:"executed"`
	Cancelled      bool      `json:"cancelled"`
}

// ConsensusDecision is a finalized, externally computed multi-agent
// decision. Immutable once recorded.
type ConsensusDecision struct {
	RequestID           string    `json:"request_id"`
	DecisionType        string    `json:"decision_type"`
	FinalDecision       string    `json:"final_decision"`
	ConsensusConfidence float64   `json:"consensus_confidence"`
	ParticipatingAgents []string  `json:"participating_agents"`
	RecordedAt          time.Time `json:"recorded_at"`
	ProofHash           string    `json:"proof_hash"`
	RecordedBy          string    `json:"recorded_by"`
	Validated           bool      `json:"validated"`
}

type RegisterAgentRequest struct {
	Caller      string `json:"caller"`
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"agent_type"`
	VotingPower int64  `json:"voting_power"`
	PublicKey   string `json:"public_key,omitempty"`
}

type RegisterAgentResponse struct {
	Status string `json:"status"`
	Agent  Agent  `json:"agent"`
}

type DeactivateAgentRequest struct {
	Caller  string `json:"caller"`
	AgentID string `json:"agent_id"`
}

type DeactivateAgentResponse struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
}

type CreateProposalRequest struct {
	Caller       string `json:"caller"`
	ProposalType string `json:"proposal_type"`
	ContentHash  string `json:"content_hash"`
}

type CreateProposalResponse struct {
	Status   string   `json:"status"`
	Proposal Proposal `json:"proposal"`
}

type VoteRequest struct {
	Caller     string `json:"caller"`
	ProposalID int64  `json:"proposal_id"`
	Vote       bool   `json:"vote"`
}

type VoteResponse struct {
	Status   string   `json:"status"`
	Proposal Proposal `json:"proposal"`
}

type ExecuteProposalRequest struct {
	Caller     string `json:"caller"`
	ProposalID int64  `json:"proposal_id"`
}

type ExecuteProposalResponse struct {
	Status   string   `json:"status"`
	Success  bool     `json:"success"`
	Detail   string   `json:"detail,omitempty"`
	Proposal Proposal `json:"proposal"`
}

type CancelProposalRequest struct {
	Caller     string `json:"caller"`
	ProposalID int64  `json:"proposal_id"`
}

type CancelProposalResponse struct {
	Status   string   `json:"status"`
	Proposal Proposal `json:"proposal"`
}

type PauseRequest struct {
	Caller string `json:"caller"`
}

type PauseResponse struct {
	Status string `json:"status"`
	Paused bool   `json:"paused"`
}

type RecordDecisionRequest struct {
	Caller              string   `json:"caller"`
	RequestID           string   `json:"request_id"`
	DecisionType        string   `json:"decision_type"`
	FinalDecision       string   `json:"final_decision"`
	ConsensusConfidence float64  `json:"consensus_confidence"`
	ParticipatingAgents []string `json:"participating_agents"`
	ProofHash           string   `json:"proof_hash"`
}

// DecisionAck is the signed acknowledgment returned when a decision is
// recorded, so submitters can prove acceptance out-of-band.
type DecisionAck struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

type RecordDecisionResponse struct {
	Status   string            `json:"status"`
	Decision ConsensusDecision `json:"decision"`
	Ack      DecisionAck       `json:"ack"`
}

type VerifyDecisionResponse struct {
	IsValid    bool    `json:"is_valid"`
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
}

type HealthResponse struct {
	Service       string `json:"service"`
	Version       string `json:"version"`
	Status        string `json:"status"`
	Paused        bool   `json:"paused"`
	AgentCount    int    `json:"agent_count"`
	ProposalCount int    `json:"proposal_count"`
	DecisionCount int    `json:"decision_count"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
