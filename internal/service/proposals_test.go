package service

import (
	"context"
	"testing"
	"time"

	"github.com/reliquary/consensus/internal/protocol"
)

func mustCreateProposal(t *testing.T, svc *ConsensusService, caller, proposalType string) protocol.Proposal {
	t.Helper()
	resp, err := svc.CreateProposal(context.Background(), protocol.CreateProposalRequest{
		Caller:       caller,
		ProposalType: proposalType,
		ContentHash:  "sha256:deadbeef",
	})
	if err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}
	return resp.Proposal
}

func mustVote(t *testing.T, svc *ConsensusService, caller string, proposalID int64, vote bool) protocol.Proposal {
	t.Helper()
	resp, err := svc.Vote(context.Background(), protocol.VoteRequest{
		Caller: caller, ProposalID: proposalID, Vote: vote,
	})
	if err != nil {
		t.Fatalf("Vote(%s, %d, %v): %v", caller, proposalID, vote, err)
	}
	return resp.Proposal
}

func TestCreateProposalWindow(t *testing.T) {
	svc, clock := newTestService(t)
	mustRegister(t, svc, "agent_a", "neutral", 1)

	p := mustCreateProposal(t, svc, "agent_a", ProposalSystemUpgrade)
	if p.ProposalID != 1 {
		t.Fatalf("expected first proposal id 1, got %d", p.ProposalID)
	}
	if !p.VotingStart.Equal(clock.Now()) {
		t.Fatalf("voting start %v != now %v", p.VotingStart, clock.Now())
	}
	if !p.VotingEnd.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("voting end %v != now+1h", p.VotingEnd)
	}
	if p.ExecutionDelay != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected execution delay %d", p.ExecutionDelay)
	}
	if p.YesVotes != 0 || p.NoVotes != 0 || p.Executed || p.Cancelled {
		t.Fatalf("new proposal must start empty: %+v", p)
	}

	p2 := mustCreateProposal(t, svc, "agent_a", ProposalTrustUpdate)
	if p2.ProposalID != 2 {
		t.Fatalf("proposal ids must be sequential, got %d", p2.ProposalID)
	}
}

func TestCreateProposalRequiresActiveAgent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateProposal(ctx, protocol.CreateProposalRequest{
		Caller: "agent_unknown", ProposalType: ProposalSystemUpgrade,
	}); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("unknown caller: expected UNAUTHORIZED, got %v", err)
	}

	mustRegister(t, svc, "agent_a", "neutral", 1)
	if _, err := svc.CreateProposal(ctx, protocol.CreateProposalRequest{Caller: "agent_a"}); !IsCode(err, CodeInvalidArgument) {
		t.Fatalf("missing proposal type: expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestVoteTalliesAreWeighted(t *testing.T) {
	svc, _ := newTestService(t)
	mustRegister(t, svc, "agent_a", "strict", 2)
	mustRegister(t, svc, "agent_b", "permissive", 1)
	p := mustCreateProposal(t, svc, "agent_a", ProposalTrustUpdate)

	after := mustVote(t, svc, "agent_a", p.ProposalID, true)
	if after.YesVotes != 2 || after.NoVotes != 0 {
		t.Fatalf("after first vote: yes=%d no=%d", after.YesVotes, after.NoVotes)
	}
	after = mustVote(t, svc, "agent_b", p.ProposalID, true)
	if after.YesVotes != 3 || after.NoVotes != 0 {
		t.Fatalf("after second vote: yes=%d no=%d", after.YesVotes, after.NoVotes)
	}

	rec, err := svc.GetVote(context.Background(), p.ProposalID, "agent_a")
	if err != nil {
		t.Fatalf("GetVote: %v", err)
	}
	if !rec.Vote || rec.VotingPower != 2 {
		t.Fatalf("unexpected vote record: %+v", rec)
	}
}

func TestVoteDuplicateRejected(t *testing.T) {
	svc, _ := newTestService(t)
	mustRegister(t, svc, "agent_a", "neutral", 1)
	p := mustCreateProposal(t, svc, "agent_a", ProposalTrustUpdate)
	mustVote(t, svc, "agent_a", p.ProposalID, true)

	// Flipping the choice does not help; one vote per agent, ever.
	_, err := svc.Vote(context.Background(), protocol.VoteRequest{
		Caller: "agent_a", ProposalID: p.ProposalID, Vote: false,
	})
	if !IsCode(err, CodeAlreadyVoted) {
		t.Fatalf("expected ALREADY_VOTED, got %v", err)
	}

	got, err := svc.GetProposal(context.Background(), p.ProposalID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.YesVotes != 1 || got.NoVotes != 0 {
		t.Fatalf("tally mutated by rejected vote: %+v", got)
	}
}

func TestVoteWindowBounds(t *testing.T) {
	svc, clock := newTestService(t)
	mustRegister(t, svc, "agent_a", "neutral", 1)
	mustRegister(t, svc, "agent_b", "neutral", 1)
	p := mustCreateProposal(t, svc, "agent_a", ProposalTrustUpdate)

	// Voting at exactly the window end is still valid.
	clock.Advance(time.Hour)
	mustVote(t, svc, "agent_a", p.ProposalID, true)

	clock.Advance(time.Second)
	_, err := svc.Vote(context.Background(), protocol.VoteRequest{
		Caller: "agent_b", ProposalID: p.ProposalID, Vote: true,
	})
	if !IsCode(err, CodeInvalidState) {
		t.Fatalf("vote after window: expected INVALID_STATE, got %v", err)
	}
}

func TestVoteUnknownProposal(t *testing.T) {
	svc, _ := newTestService(t)
	mustRegister(t, svc, "agent_a", "neutral", 1)
	_, err := svc.Vote(context.Background(), protocol.VoteRequest{
		Caller: "agent_a", ProposalID: 99, Vote: true,
	})
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestExecuteProposalLifecycle(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "strict", 2)
	mustRegister(t, svc, "agent_b", "permissive", 1)
	p := mustCreateProposal(t, svc, "agent_a", ProposalTrustUpdate)

	mustVote(t, svc, "agent_a", p.ProposalID, true)
	mustVote(t, svc, "agent_b", p.ProposalID, true)

	// Window still open.
	if _, err := svc.ExecuteProposal(ctx, protocol.ExecuteProposalRequest{
		Caller: "agent_b", ProposalID: p.ProposalID,
	}); !IsCode(err, CodeInvalidState) {
		t.Fatalf("execute during window: expected INVALID_STATE, got %v", err)
	}

	// Window closed, delay not yet elapsed.
	clock.Advance(time.Hour + time.Minute)
	if _, err := svc.ExecuteProposal(ctx, protocol.ExecuteProposalRequest{
		Caller: "agent_b", ProposalID: p.ProposalID,
	}); !IsCode(err, CodeInvalidState) {
		t.Fatalf("execute before delay: expected INVALID_STATE, got %v", err)
	}

	// Execution is open to any caller, active agent or not.
	clock.Advance(29 * time.Minute)
	resp, err := svc.ExecuteProposal(ctx, protocol.ExecuteProposalRequest{
		Caller: "anyone", ProposalID: p.ProposalID,
	})
	if err != nil {
		t.Fatalf("ExecuteProposal: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected trust update execution to succeed: %+v", resp)
	}
	if !resp.Proposal.Executed {
		t.Fatalf("proposal not marked executed")
	}

	// Re-execution must fail.
	if _, err := svc.ExecuteProposal(ctx, protocol.ExecuteProposalRequest{
		Caller: "anyone", ProposalID: p.ProposalID,
	}); !IsCode(err, CodeInvalidState) {
		t.Fatalf("re-execute: expected INVALID_STATE, got %v", err)
	}

	// So must late votes.
	if _, err := svc.Vote(ctx, protocol.VoteRequest{
		Caller: "agent_b", ProposalID: p.ProposalID, Vote: false,
	}); !IsCode(err, CodeInvalidState) {
		t.Fatalf("vote on executed proposal: expected INVALID_STATE, got %v", err)
	}
}

func TestExecuteProposalQuorumNotMet(t *testing.T) {
	svc, clock := newTestService(t)
	mustRegister(t, svc, "agent_a", "strict", 2)
	p := mustCreateProposal(t, svc, "agent_a", ProposalSystemUpgrade)
	mustVote(t, svc, "agent_a", p.ProposalID, true)

	clock.Advance(2 * time.Hour)
	_, err := svc.ExecuteProposal(context.Background(), protocol.ExecuteProposalRequest{
		Caller: "agent_a", ProposalID: p.ProposalID,
	})
	if !IsCode(err, CodeQuorumNotMet) {
		t.Fatalf("expected QUORUM_NOT_MET, got %v", err)
	}
}

func TestExecuteProposalTieRejected(t *testing.T) {
	svc, clock := newTestService(t)
	mustRegister(t, svc, "agent_a", "strict", 2)
	mustRegister(t, svc, "agent_b", "watchdog", 2)
	p := mustCreateProposal(t, svc, "agent_a", ProposalSystemUpgrade)
	mustVote(t, svc, "agent_a", p.ProposalID, true)
	mustVote(t, svc, "agent_b", p.ProposalID, false)

	// Quorum is met (2+2 >= 3) but a tie does not pass.
	clock.Advance(2 * time.Hour)
	_, err := svc.ExecuteProposal(context.Background(), protocol.ExecuteProposalRequest{
		Caller: "agent_a", ProposalID: p.ProposalID,
	})
	if !IsCode(err, CodeProposalRejected) {
		t.Fatalf("expected PROPOSAL_REJECTED, got %v", err)
	}

	got, err := svc.GetProposal(context.Background(), p.ProposalID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.Executed {
		t.Fatalf("rejected proposal must not be marked executed")
	}
}

func TestExecuteUnknownProposalTypeFailsSoft(t *testing.T) {
	svc, clock := newTestService(t)
	mustRegister(t, svc, "agent_a", "strict", 2)
	mustRegister(t, svc, "agent_b", "neutral", 1)
	p := mustCreateProposal(t, svc, "agent_a", "PROTOCOL_FORK")
	mustVote(t, svc, "agent_a", p.ProposalID, true)
	mustVote(t, svc, "agent_b", p.ProposalID, true)

	clock.Advance(2 * time.Hour)
	resp, err := svc.ExecuteProposal(context.Background(), protocol.ExecuteProposalRequest{
		Caller: "agent_a", ProposalID: p.ProposalID,
	})
	if err != nil {
		t.Fatalf("ExecuteProposal: %v", err)
	}
	if resp.Success {
		t.Fatalf("unknown proposal type must report success=false")
	}
	if !resp.Proposal.Executed {
		t.Fatalf("proposal must still be consumed by execution")
	}
}

func TestTrustUpdatePassesOnSplitVote(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "strict", 2)
	mustRegister(t, svc, "agent_b", "permissive", 1)
	p := mustCreateProposal(t, svc, "agent_a", ProposalTrustUpdate)

	clock.Advance(time.Minute)
	mustVote(t, svc, "agent_a", p.ProposalID, true)
	mustVote(t, svc, "agent_b", p.ProposalID, false)

	got, err := svc.GetProposal(ctx, p.ProposalID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.YesVotes != 2 || got.NoVotes != 1 {
		t.Fatalf("unexpected tally: yes=%d no=%d", got.YesVotes, got.NoVotes)
	}

	// Window closed but delay pending.
	clock.Advance(time.Hour)
	if _, err := svc.ExecuteProposal(ctx, protocol.ExecuteProposalRequest{
		Caller: "agent_b", ProposalID: p.ProposalID,
	}); !IsCode(err, CodeInvalidState) {
		t.Fatalf("execute before delay: expected INVALID_STATE, got %v", err)
	}

	// Quorum 3 is met by the weighted sum 2+1 and yes > no.
	clock.Advance(30 * time.Minute)
	resp, err := svc.ExecuteProposal(ctx, protocol.ExecuteProposalRequest{
		Caller: "agent_b", ProposalID: p.ProposalID,
	})
	if err != nil {
		t.Fatalf("ExecuteProposal: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success=true, got %+v", resp)
	}
}

func TestDeactivationIsNotRetroactive(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "strict", 2)
	mustRegister(t, svc, "agent_b", "permissive", 1)
	p := mustCreateProposal(t, svc, "agent_a", ProposalTrustUpdate)
	mustVote(t, svc, "agent_a", p.ProposalID, true)
	mustVote(t, svc, "agent_b", p.ProposalID, true)

	if _, err := svc.DeactivateAgent(ctx, protocol.DeactivateAgentRequest{
		Caller: testAdminID, AgentID: "agent_a",
	}); err != nil {
		t.Fatalf("DeactivateAgent: %v", err)
	}

	got, err := svc.GetProposal(ctx, p.ProposalID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.YesVotes != 3 {
		t.Fatalf("deactivation changed past tallies: %+v", got)
	}

	clock.Advance(2 * time.Hour)
	resp, err := svc.ExecuteProposal(ctx, protocol.ExecuteProposalRequest{
		Caller: "agent_b", ProposalID: p.ProposalID,
	})
	if err != nil {
		t.Fatalf("ExecuteProposal: %v", err)
	}
	if !resp.Success {
		t.Fatalf("past votes of a deactivated agent must still count")
	}
}

func TestCancelProposal(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "neutral", 2)
	mustRegister(t, svc, "agent_b", "neutral", 1)
	p := mustCreateProposal(t, svc, "agent_a", ProposalEmergencyOverride)

	if _, err := svc.CancelProposal(ctx, protocol.CancelProposalRequest{
		Caller: "agent_a", ProposalID: p.ProposalID,
	}); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("non-admin cancel: expected UNAUTHORIZED, got %v", err)
	}

	resp, err := svc.CancelProposal(ctx, protocol.CancelProposalRequest{
		Caller: testAdminID, ProposalID: p.ProposalID,
	})
	if err != nil {
		t.Fatalf("CancelProposal: %v", err)
	}
	if !resp.Proposal.Cancelled {
		t.Fatalf("proposal not marked cancelled")
	}

	if _, err := svc.Vote(ctx, protocol.VoteRequest{
		Caller: "agent_b", ProposalID: p.ProposalID, Vote: true,
	}); !IsCode(err, CodeInvalidState) {
		t.Fatalf("vote on cancelled proposal: expected INVALID_STATE, got %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := svc.ExecuteProposal(ctx, protocol.ExecuteProposalRequest{
		Caller: "agent_b", ProposalID: p.ProposalID,
	}); !IsCode(err, CodeInvalidState) {
		t.Fatalf("execute cancelled proposal: expected INVALID_STATE, got %v", err)
	}

	if _, err := svc.CancelProposal(ctx, protocol.CancelProposalRequest{
		Caller: testAdminID, ProposalID: p.ProposalID,
	}); !IsCode(err, CodeInvalidState) {
		t.Fatalf("double cancel: expected INVALID_STATE, got %v", err)
	}
}

func TestHasVoted(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "neutral", 1)
	p := mustCreateProposal(t, svc, "agent_a", ProposalTrustUpdate)

	voted, err := svc.HasVoted(ctx, p.ProposalID, "agent_a")
	if err != nil {
		t.Fatalf("HasVoted: %v", err)
	}
	if voted {
		t.Fatalf("expected no vote yet")
	}
	mustVote(t, svc, "agent_a", p.ProposalID, false)
	voted, err = svc.HasVoted(ctx, p.ProposalID, "agent_a")
	if err != nil {
		t.Fatalf("HasVoted: %v", err)
	}
	if !voted {
		t.Fatalf("expected recorded vote")
	}

	if _, err := svc.GetVote(ctx, p.ProposalID, "agent_zzz"); !IsCode(err, CodeNotFound) {
		t.Fatalf("GetVote for non-voter: expected NOT_FOUND, got %v", err)
	}
}
