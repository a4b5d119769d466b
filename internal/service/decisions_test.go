package service

import (
	"context"
	"testing"
	"time"

	rqcrypto "github.com/reliquary/consensus/internal/crypto"
	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/storage/memory"
)

func TestRecordDecisionAndVerify(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "neutral", 1)

	resp, err := svc.RecordDecision(ctx, protocol.RecordDecisionRequest{
		Caller:              "agent_a",
		RequestID:           "req_1",
		DecisionType:        "access_request",
		FinalDecision:       "allowed",
		ConsensusConfidence: 0.92,
		ParticipatingAgents: []string{"agent_a", "agent_b"},
		ProofHash:           "sha256:cafe",
	})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if resp.Decision.RecordedBy != "agent_a" || !resp.Decision.Validated {
		t.Fatalf("unexpected decision record: %+v", resp.Decision)
	}

	verify, err := svc.VerifyDecision(ctx, "req_1")
	if err != nil {
		t.Fatalf("VerifyDecision: %v", err)
	}
	if !verify.IsValid || verify.Decision != "allowed" || verify.Confidence != 0.92 {
		t.Fatalf("unexpected verification: %+v", verify)
	}
}

func TestRecordDecisionIdempotentReject(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "neutral", 1)
	mustRegister(t, svc, "agent_b", "watchdog", 1)

	first := protocol.RecordDecisionRequest{
		Caller: "agent_a", RequestID: "req_dup", DecisionType: "access_request",
		FinalDecision: "allowed", ConsensusConfidence: 0.9,
	}
	if _, err := svc.RecordDecision(ctx, first); err != nil {
		t.Fatalf("first RecordDecision: %v", err)
	}

	// A conflicting resubmission is an explicit error, never a silent
	// overwrite.
	second := protocol.RecordDecisionRequest{
		Caller: "agent_b", RequestID: "req_dup", DecisionType: "access_request",
		FinalDecision: "denied", ConsensusConfidence: 0.1,
	}
	if _, err := svc.RecordDecision(ctx, second); !IsCode(err, CodeAlreadyRecorded) {
		t.Fatalf("expected ALREADY_RECORDED, got %v", err)
	}

	verify, err := svc.VerifyDecision(ctx, "req_dup")
	if err != nil {
		t.Fatalf("VerifyDecision: %v", err)
	}
	if verify.Decision != "allowed" || verify.Confidence != 0.9 {
		t.Fatalf("original record was not preserved: %+v", verify)
	}
}

func TestRecordDecisionValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustRegister(t, svc, "agent_a", "neutral", 1)

	if _, err := svc.RecordDecision(ctx, protocol.RecordDecisionRequest{
		Caller: "agent_a",
	}); !IsCode(err, CodeInvalidArgument) {
		t.Fatalf("empty request id: expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := svc.RecordDecision(ctx, protocol.RecordDecisionRequest{
		Caller: "agent_ghost", RequestID: "req_1",
	}); !IsCode(err, CodeUnauthorized) {
		t.Fatalf("unknown caller: expected UNAUTHORIZED, got %v", err)
	}
}

func TestVerifyDecisionUnknownReturnsZeroValue(t *testing.T) {
	svc, _ := newTestService(t)
	verify, err := svc.VerifyDecision(context.Background(), "req_missing")
	if err != nil {
		t.Fatalf("VerifyDecision: %v", err)
	}
	if verify.IsValid || verify.Decision != "" || verify.Confidence != 0 {
		t.Fatalf("expected zero-value verification, got %+v", verify)
	}

	_, found, err := svc.GetDecision(context.Background(), "req_missing")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if found {
		t.Fatalf("expected decision to be absent")
	}
}

func TestRecordDecisionSignedAck(t *testing.T) {
	signer, err := rqcrypto.NewSignerFromSeed([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSignerFromSeed: %v", err)
	}
	clock := newFakeClock()
	svc, err := New(Params{
		Store:           memory.New(),
		Signer:          signer,
		AdminID:         testAdminID,
		VotingPeriod:    time.Hour,
		ExecutionDelay:  30 * time.Minute,
		QuorumThreshold: 3,
		Now:             clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustRegister(t, svc, "agent_a", "neutral", 1)

	resp, err := svc.RecordDecision(context.Background(), protocol.RecordDecisionRequest{
		Caller: "agent_a", RequestID: "req_signed", DecisionType: "access_request", FinalDecision: "allowed",
	})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if resp.Ack.Alg != "ed25519" || resp.Ack.Kid != signer.KeyID || resp.Ack.Sig == "" {
		t.Fatalf("unexpected ack: %+v", resp.Ack)
	}

	digest, err := protocol.DecisionDigest(resp.Decision)
	if err != nil {
		t.Fatalf("DecisionDigest: %v", err)
	}
	if !rqcrypto.Verify(signer.Public, []byte(digest), resp.Ack.Sig) {
		t.Fatalf("ack signature does not verify against the decision digest")
	}
}
