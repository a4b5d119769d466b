package service

import (
	"context"
	"errors"

	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/storage"
)

// RecordDecision stores a finalized multi-agent decision exactly once
// per request id. A second submission is an error, not a silent
// success, so submitters learn their payload was not the one recorded.
func (s *ConsensusService) RecordDecision(ctx context.Context, req protocol.RecordDecisionRequest) (protocol.RecordDecisionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rejectIfPaused(ctx); err != nil {
		return protocol.RecordDecisionResponse{}, err
	}
	agent, err := s.activeAgent(ctx, req.Caller)
	if err != nil {
		return protocol.RecordDecisionResponse{}, err
	}
	if req.RequestID == "" {
		return protocol.RecordDecisionResponse{}, InvalidArgument("request_id is required")
	}

	decision := protocol.ConsensusDecision{
		RequestID:           req.RequestID,
		DecisionType:        req.DecisionType,
		FinalDecision:       req.FinalDecision,
		ConsensusConfidence: req.ConsensusConfidence,
		ParticipatingAgents: req.ParticipatingAgents,
		RecordedAt:          s.now(),
		ProofHash:           req.ProofHash,
		RecordedBy:          agent.AgentID,
		Validated:           true,
	}
	if err := s.store.InsertDecision(ctx, decision); err != nil {
		if errors.Is(err, storage.ErrDecisionExists) {
			return protocol.RecordDecisionResponse{}, Conflict(CodeAlreadyRecorded, "decision already recorded for this request_id")
		}
		return protocol.RecordDecisionResponse{}, Internal("persist decision", err)
	}

	resp := protocol.RecordDecisionResponse{Status: "decision_recorded", Decision: decision}
	if s.signer != nil {
		digest, err := protocol.DecisionDigest(decision)
		if err != nil {
			return protocol.RecordDecisionResponse{}, Internal("compute decision digest", err)
		}
		resp.Ack = protocol.DecisionAck{
			Alg: "ed25519",
			Kid: s.signer.KeyID,
			Sig: s.signer.Sign([]byte(digest)),
		}
	}

	s.emit(ctx, protocol.EventConsensusRecorded, protocol.ConsensusRecordedEvent{
		RequestID:     decision.RequestID,
		DecisionType:  decision.DecisionType,
		FinalDecision: decision.FinalDecision,
		Confidence:    decision.ConsensusConfidence,
		RecordedBy:    decision.RecordedBy,
		ProofHash:     decision.ProofHash,
	})
	return resp, nil
}

// VerifyDecision returns (false, "", 0) for unknown ids rather than an
// error.
func (s *ConsensusService) VerifyDecision(ctx context.Context, requestID string) (protocol.VerifyDecisionResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	decision, found, err := s.store.GetDecision(ctx, requestID)
	if err != nil {
		return protocol.VerifyDecisionResponse{}, Internal("read decision", err)
	}
	if !found {
		return protocol.VerifyDecisionResponse{}, nil
	}
	return protocol.VerifyDecisionResponse{
		IsValid:    decision.Validated,
		Decision:   decision.FinalDecision,
		Confidence: decision.ConsensusConfidence,
	}, nil
}

// GetDecision returns the full stored record for audit consumers.
func (s *ConsensusService) GetDecision(ctx context.Context, requestID string) (protocol.ConsensusDecision, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	decision, found, err := s.store.GetDecision(ctx, requestID)
	if err != nil {
		return protocol.ConsensusDecision{}, false, Internal("read decision", err)
	}
	return decision, found, nil
}
