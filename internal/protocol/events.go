package protocol

import (
	"encoding/json"
	"time"
)

// Event types emitted by the consensus service. Each successful
// state-changing operation produces exactly one event.
const (
	EventAgentRegistered   = "agent_registered"
	EventAgentDeactivated  = "agent_deactivated"
	EventProposalCreated   = "proposal_created"
	EventVoteCast          = "vote_cast"
	EventProposalExecuted  = "proposal_executed"
	EventProposalCancelled = "proposal_cancelled"
	EventSystemPaused      = "system_paused"
	EventSystemUnpaused    = "system_unpaused"
	EventConsensusRecorded = "consensus_recorded"
)

// Event is the audit-pipeline envelope. Payload is the canonical JSON
// of one of the *Event payload structs below; Sig covers Payload and is
// produced by the service signing key.
type Event struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
	KeyID      string          `json:"kid,omitempty"`
	Sig        string          `json:"sig,omitempty"`
}

type AgentRegisteredEvent struct {
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"agent_type"`
	VotingPower int64  `json:"voting_power"`
}

type AgentDeactivatedEvent struct {
	AgentID string `json:"agent_id"`
}

type ProposalCreatedEvent struct {
	ProposalID   int64     `json:"proposal_id"`
	Proposer     string    `json:"proposer"`
	ProposalType string    `json:"proposal_type"`
	ContentHash  string    `json:"content_hash"`
	VotingStart  time.Time `json:"voting_start"`
	VotingEnd    time.Time `json:"voting_end"`
}

type VoteCastEvent struct {
	ProposalID  int64  `json:"proposal_id"`
	AgentID     string `json:"agent_id"`
	Vote        bool   `json:"vote"`
	VotingPower int64  `json:"voting_power"`
	YesVotes    int64  `json:"yes_votes"`
	NoVotes     int64  `json:"no_votes"`
}

type ProposalExecutedEvent struct {
	ProposalID   int64  `json:"proposal_id"`
	ProposalType string `json:"proposal_type"`
	Success      bool   `json:"success"`
	YesVotes     int64  `json:"yes_votes"`
	NoVotes      int64  `json:"no_votes"`
}

type ProposalCancelledEvent struct {
	ProposalID int64  `json:"proposal_id"`
	Caller     string `json:"caller"`
}

type SystemPausedEvent struct {
	Caller string `json:"caller"`
	Paused bool   `json:"paused"`
}

type ConsensusRecordedEvent struct {
	RequestID     string  `json:"request_id"`
	DecisionType  string  `json:"decision_type"`
	FinalDecision string  `json:"final_decision"`
	Confidence    float64 `json:"consensus_confidence"`
	RecordedBy    string  `json:"recorded_by"`
	ProofHash     string  `json:"proof_hash"`
}
