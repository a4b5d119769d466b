package service

import (
	"context"
	"errors"

	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/storage"
)

// CreateProposal opens a proposal with the configured voting window and
// execution delay. Caller must be an active agent.
func (s *ConsensusService) CreateProposal(ctx context.Context, req protocol.CreateProposalRequest) (protocol.CreateProposalResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rejectIfPaused(ctx); err != nil {
		return protocol.CreateProposalResponse{}, err
	}
	if _, err := s.activeAgent(ctx, req.Caller); err != nil {
		return protocol.CreateProposalResponse{}, err
	}
	if req.ProposalType == "" {
		return protocol.CreateProposalResponse{}, InvalidArgument("proposal_type is required")
	}

	now := s.now()
	proposal := protocol.Proposal{
		Proposer:       req.Caller,
		ProposalType:   req.ProposalType,
		ContentHash:    req.ContentHash,
		VotingStart:    now,
		VotingEnd:      now.Add(s.votingPeriod),
		ExecutionDelay: int64(s.executionDelay.Seconds()),
	}
	id, err := s.store.InsertProposal(ctx, proposal)
	if err != nil {
		return protocol.CreateProposalResponse{}, Internal("persist proposal", err)
	}
	proposal.ProposalID = id
	s.emit(ctx, protocol.EventProposalCreated, protocol.ProposalCreatedEvent{
		ProposalID:   proposal.ProposalID,
		Proposer:     proposal.Proposer,
		ProposalType: proposal.ProposalType,
		ContentHash:  proposal.ContentHash,
		VotingStart:  proposal.VotingStart,
		VotingEnd:    proposal.VotingEnd,
	})
	return protocol.CreateProposalResponse{Status: "proposal_created", Proposal: proposal}, nil
}

// Vote records one weighted vote per agent per proposal inside the
// voting window. The window is inclusive on both ends.
func (s *ConsensusService) Vote(ctx context.Context, req protocol.VoteRequest) (protocol.VoteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rejectIfPaused(ctx); err != nil {
		return protocol.VoteResponse{}, err
	}
	agent, err := s.activeAgent(ctx, req.Caller)
	if err != nil {
		return protocol.VoteResponse{}, err
	}

	proposal, found, err := s.store.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return protocol.VoteResponse{}, Internal("read proposal", err)
	}
	if !found {
		return protocol.VoteResponse{}, NotFound("proposal not found")
	}
	if proposal.Executed {
		return protocol.VoteResponse{}, InvalidState("proposal already executed")
	}
	if proposal.Cancelled {
		return protocol.VoteResponse{}, InvalidState("proposal is cancelled")
	}
	now := s.now()
	if now.Before(proposal.VotingStart) {
		return protocol.VoteResponse{}, InvalidState("voting has not started")
	}
	if now.After(proposal.VotingEnd) {
		return protocol.VoteResponse{}, InvalidState("voting window has closed")
	}

	updated, err := s.store.FinalizeVote(ctx, req.ProposalID, protocol.VoteRecord{
		AgentID:     agent.AgentID,
		Vote:        req.Vote,
		VotingPower: agent.VotingPower,
		CastAt:      now,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyVoted):
			return protocol.VoteResponse{}, Conflict(CodeAlreadyVoted, "agent has already voted on this proposal")
		case errors.Is(err, storage.ErrProposalMissing):
			return protocol.VoteResponse{}, NotFound("proposal not found")
		case errors.Is(err, storage.ErrProposalFinal):
			return protocol.VoteResponse{}, InvalidState("proposal already executed or cancelled")
		default:
			return protocol.VoteResponse{}, Internal("finalize vote", err)
		}
	}
	s.emit(ctx, protocol.EventVoteCast, protocol.VoteCastEvent{
		ProposalID:  updated.ProposalID,
		AgentID:     agent.AgentID,
		Vote:        req.Vote,
		VotingPower: agent.VotingPower,
		YesVotes:    updated.YesVotes,
		NoVotes:     updated.NoVotes,
	})
	return protocol.VoteResponse{Status: "vote_cast", Proposal: updated}, nil
}

// ExecuteProposal may be triggered by any caller once the voting window
// plus the execution delay have elapsed and quorum/majority hold.
// Quorum counts the weighted sum of all votes cast.
func (s *ConsensusService) ExecuteProposal(ctx context.Context, req protocol.ExecuteProposalRequest) (protocol.ExecuteProposalResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rejectIfPaused(ctx); err != nil {
		return protocol.ExecuteProposalResponse{}, err
	}

	proposal, found, err := s.store.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return protocol.ExecuteProposalResponse{}, Internal("read proposal", err)
	}
	if !found {
		return protocol.ExecuteProposalResponse{}, NotFound("proposal not found")
	}
	if proposal.Executed {
		return protocol.ExecuteProposalResponse{}, InvalidState("proposal already executed")
	}
	if proposal.Cancelled {
		return protocol.ExecuteProposalResponse{}, InvalidState("proposal is cancelled")
	}
	now := s.now()
	if !now.After(proposal.VotingEnd) {
		return protocol.ExecuteProposalResponse{}, InvalidState("voting window is still open")
	}
	eligibleAt := proposal.VotingEnd.Add(s.executionDelay)
	if now.Before(eligibleAt) {
		return protocol.ExecuteProposalResponse{}, InvalidState("execution delay has not elapsed")
	}
	if proposal.YesVotes+proposal.NoVotes < s.quorumThreshold {
		return protocol.ExecuteProposalResponse{}, Conflict(CodeQuorumNotMet, "weighted participation below quorum threshold")
	}
	if proposal.YesVotes <= proposal.NoVotes {
		return protocol.ExecuteProposalResponse{}, Conflict(CodeProposalRejected, "proposal did not pass")
	}

	if err := s.store.MarkExecuted(ctx, req.ProposalID); err != nil {
		if errors.Is(err, storage.ErrProposalFinal) {
			return protocol.ExecuteProposalResponse{}, InvalidState("proposal already executed or cancelled")
		}
		return protocol.ExecuteProposalResponse{}, Internal("mark proposal executed", err)
	}
	proposal.Executed = true

	result := s.executors.Dispatch(ctx, proposal)
	s.emit(ctx, protocol.EventProposalExecuted, protocol.ProposalExecutedEvent{
		ProposalID:   proposal.ProposalID,
		ProposalType: proposal.ProposalType,
		Success:      result.Success,
		YesVotes:     proposal.YesVotes,
		NoVotes:      proposal.NoVotes,
	})
	return protocol.ExecuteProposalResponse{
		Status:   "proposal_executed",
		Success:  result.Success,
		Detail:   result.Detail,
		Proposal: proposal,
	}, nil
}

// CancelProposal is the admin veto, valid any time before execution.
func (s *ConsensusService) CancelProposal(ctx context.Context, req protocol.CancelProposalRequest) (protocol.CancelProposalResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Caller != s.adminID {
		return protocol.CancelProposalResponse{}, Unauthorized("caller is not the administrator")
	}
	proposal, found, err := s.store.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return protocol.CancelProposalResponse{}, Internal("read proposal", err)
	}
	if !found {
		return protocol.CancelProposalResponse{}, NotFound("proposal not found")
	}
	if proposal.Executed {
		return protocol.CancelProposalResponse{}, InvalidState("proposal already executed")
	}
	if proposal.Cancelled {
		return protocol.CancelProposalResponse{}, InvalidState("proposal is already cancelled")
	}
	if err := s.store.MarkCancelled(ctx, req.ProposalID); err != nil {
		if errors.Is(err, storage.ErrProposalFinal) {
			return protocol.CancelProposalResponse{}, InvalidState("proposal already executed or cancelled")
		}
		return protocol.CancelProposalResponse{}, Internal("mark proposal cancelled", err)
	}
	proposal.Cancelled = true
	s.emit(ctx, protocol.EventProposalCancelled, protocol.ProposalCancelledEvent{
		ProposalID: proposal.ProposalID,
		Caller:     req.Caller,
	})
	return protocol.CancelProposalResponse{Status: "proposal_cancelled", Proposal: proposal}, nil
}

func (s *ConsensusService) GetProposal(ctx context.Context, proposalID int64) (protocol.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proposal, found, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return protocol.Proposal{}, Internal("read proposal", err)
	}
	if !found {
		return protocol.Proposal{}, NotFound("proposal not found")
	}
	return proposal, nil
}

func (s *ConsensusService) HasVoted(ctx context.Context, proposalID int64, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, found, err := s.store.GetVote(ctx, proposalID, agentID)
	if err != nil {
		return false, Internal("read vote", err)
	}
	return found, nil
}

// GetVote fails NOT_FOUND if the agent never voted on the proposal.
func (s *ConsensusService) GetVote(ctx context.Context, proposalID int64, agentID string) (protocol.VoteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, found, err := s.store.GetVote(ctx, proposalID, agentID)
	if err != nil {
		return protocol.VoteRecord{}, Internal("read vote", err)
	}
	if !found {
		return protocol.VoteRecord{}, NotFound("agent has not voted on this proposal")
	}
	return rec, nil
}
