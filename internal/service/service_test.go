package service

import (
	"context"
	"testing"
	"time"

	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/storage/memory"
)

const testAdminID = "system_admin"

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestService(t *testing.T) (*ConsensusService, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	svc, err := New(Params{
		Store:           memory.New(),
		AdminID:         testAdminID,
		VotingPeriod:    time.Hour,
		ExecutionDelay:  30 * time.Minute,
		QuorumThreshold: 3,
		Now:             clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, clock
}

func mustRegister(t *testing.T, svc *ConsensusService, agentID, agentType string, power int64) {
	t.Helper()
	_, err := svc.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{
		Caller:      testAdminID,
		AgentID:     agentID,
		AgentType:   agentType,
		VotingPower: power,
	})
	if err != nil {
		t.Fatalf("RegisterAgent(%s): %v", agentID, err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Params{AdminID: "a", QuorumThreshold: 1}); err == nil {
		t.Fatalf("expected error for missing store")
	}
	if _, err := New(Params{Store: memory.New(), QuorumThreshold: 1}); err == nil {
		t.Fatalf("expected error for missing admin id")
	}
	if _, err := New(Params{Store: memory.New(), AdminID: "a"}); err == nil {
		t.Fatalf("expected error for zero quorum threshold")
	}
}

func TestPauseAdminOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Pause(ctx, protocol.PauseRequest{Caller: "agent_a"}); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if _, err := svc.Unpause(ctx, protocol.PauseRequest{Caller: "agent_a"}); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestPauseGatesStateChanges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "neutral", 1)

	if _, err := svc.Pause(ctx, protocol.PauseRequest{Caller: testAdminID}); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if _, err := svc.RegisterAgent(ctx, protocol.RegisterAgentRequest{
		Caller: testAdminID, AgentID: "agent_b", AgentType: "neutral", VotingPower: 1,
	}); !IsCode(err, CodeSystemPaused) {
		t.Fatalf("register while paused: expected SYSTEM_PAUSED, got %v", err)
	}
	if _, err := svc.CreateProposal(ctx, protocol.CreateProposalRequest{
		Caller: "agent_a", ProposalType: ProposalTrustUpdate,
	}); !IsCode(err, CodeSystemPaused) {
		t.Fatalf("create while paused: expected SYSTEM_PAUSED, got %v", err)
	}
	if _, err := svc.Vote(ctx, protocol.VoteRequest{Caller: "agent_a", ProposalID: 1, Vote: true}); !IsCode(err, CodeSystemPaused) {
		t.Fatalf("vote while paused: expected SYSTEM_PAUSED, got %v", err)
	}
	if _, err := svc.ExecuteProposal(ctx, protocol.ExecuteProposalRequest{Caller: "agent_a", ProposalID: 1}); !IsCode(err, CodeSystemPaused) {
		t.Fatalf("execute while paused: expected SYSTEM_PAUSED, got %v", err)
	}
	if _, err := svc.RecordDecision(ctx, protocol.RecordDecisionRequest{
		Caller: "agent_a", RequestID: "req_1",
	}); !IsCode(err, CodeSystemPaused) {
		t.Fatalf("record while paused: expected SYSTEM_PAUSED, got %v", err)
	}

	// Deactivation is an emergency control and stays available.
	if _, err := svc.DeactivateAgent(ctx, protocol.DeactivateAgentRequest{
		Caller: testAdminID, AgentID: "agent_a",
	}); err != nil {
		t.Fatalf("deactivate while paused: %v", err)
	}

	if _, err := svc.Unpause(ctx, protocol.PauseRequest{Caller: testAdminID}); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if _, err := svc.RegisterAgent(ctx, protocol.RegisterAgentRequest{
		Caller: testAdminID, AgentID: "agent_b", AgentType: "neutral", VotingPower: 1,
	}); err != nil {
		t.Fatalf("register after unpause: %v", err)
	}
}

func TestPauseSurvivesReadPath(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "strict", 2)

	if _, err := svc.Pause(ctx, protocol.PauseRequest{Caller: testAdminID}); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	agent, err := svc.GetAgent(ctx, "agent_a")
	if err != nil {
		t.Fatalf("GetAgent while paused: %v", err)
	}
	if !agent.Active || agent.VotingPower != 2 {
		t.Fatalf("unexpected agent snapshot: %+v", agent)
	}

	health, err := svc.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !health.Paused {
		t.Fatalf("expected health to report paused")
	}
	if health.AgentCount != 1 {
		t.Fatalf("expected 1 agent, got %d", health.AgentCount)
	}
}

func TestHealthCounts(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "neutral", 1)
	mustRegister(t, svc, "agent_b", "permissive", 1)

	if _, err := svc.CreateProposal(ctx, protocol.CreateProposalRequest{
		Caller: "agent_a", ProposalType: ProposalSystemUpgrade,
	}); err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := svc.RecordDecision(ctx, protocol.RecordDecisionRequest{
		Caller: "agent_b", RequestID: "req_health", DecisionType: "access_request", FinalDecision: "allowed",
	}); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	health, err := svc.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.AgentCount != 2 || health.ProposalCount != 1 || health.DecisionCount != 1 {
		t.Fatalf("unexpected counts: %+v", health)
	}
	if health.Status != "ok" || health.Paused {
		t.Fatalf("unexpected health status: %+v", health)
	}
}
