package storage

import (
	"context"
	"errors"
	"time"

	"github.com/reliquary/consensus/internal/protocol"
)

var (
	ErrAgentMissing    = errors.New("agent missing")
	ErrProposalMissing = errors.New("proposal missing")
	ErrAlreadyVoted    = errors.New("agent already voted on proposal")
	ErrProposalFinal   = errors.New("proposal already executed or cancelled")
	ErrDecisionExists  = errors.New("decision already recorded")
)

// Store is the authoritative consensus ledger: agents, proposals,
// per-proposal votes, recorded decisions, the pause flag, and the
// governance event outbox. The service serializes all mutations; the
// store only has to keep each call atomic.
type Store interface {
	Close()

	PutAgent(ctx context.Context, agent protocol.Agent) error
	GetAgent(ctx context.Context, agentID string) (protocol.Agent, bool, error)
	SetAgentActive(ctx context.Context, agentID string, active bool) error
	CountAgents(ctx context.Context) (int, error)

	// InsertProposal assigns and returns the next sequential proposal id.
	InsertProposal(ctx context.Context, p protocol.Proposal) (int64, error)
	GetProposal(ctx context.Context, proposalID int64) (protocol.Proposal, bool, error)
	CountProposals(ctx context.Context) (int, error)

	// FinalizeVote records the vote and bumps the matching tally in one
	// atomic step. Returns the updated proposal.
	FinalizeVote(ctx context.Context, proposalID int64, rec protocol.VoteRecord) (protocol.Proposal, error)
	GetVote(ctx context.Context, proposalID int64, agentID string) (protocol.VoteRecord, bool, error)
	ListVotes(ctx context.Context, proposalID int64) ([]protocol.VoteRecord, error)

	MarkExecuted(ctx context.Context, proposalID int64) error
	MarkCancelled(ctx context.Context, proposalID int64) error

	InsertDecision(ctx context.Context, d protocol.ConsensusDecision) error
	GetDecision(ctx context.Context, requestID string) (protocol.ConsensusDecision, bool, error)
	CountDecisions(ctx context.Context) (int, error)

	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)

	AppendOutbox(ctx context.Context, ev protocol.Event) error
	FetchPendingOutbox(ctx context.Context, limit int) ([]OutboxItem, error)
	MarkOutboxSent(ctx context.Context, id int64, ackSummary any) error
	MarkOutboxRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error
}

// OutboxItem is a pending governance event awaiting delivery to the
// external audit pipeline.
type OutboxItem struct {
	ID            int64
	Event         protocol.Event
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
}
