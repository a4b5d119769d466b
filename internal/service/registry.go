package service

import (
	"context"

	"github.com/reliquary/consensus/internal/protocol"
)

// RegisterAgent is admin-only. A deactivated id may be registered
// again; an active duplicate is rejected.
func (s *ConsensusService) RegisterAgent(ctx context.Context, req protocol.RegisterAgentRequest) (protocol.RegisterAgentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Caller != s.adminID {
		return protocol.RegisterAgentResponse{}, Unauthorized("caller is not the administrator")
	}
	if err := s.rejectIfPaused(ctx); err != nil {
		return protocol.RegisterAgentResponse{}, err
	}
	if req.AgentID == "" {
		return protocol.RegisterAgentResponse{}, InvalidArgument("agent_id is required")
	}
	if req.VotingPower <= 0 {
		return protocol.RegisterAgentResponse{}, InvalidArgument("voting_power must be positive")
	}

	existing, found, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return protocol.RegisterAgentResponse{}, Internal("read agent", err)
	}
	if found && existing.Active {
		return protocol.RegisterAgentResponse{}, Conflict(CodeAgentExists, "agent is already registered and active")
	}

	agent := protocol.Agent{
		AgentID:      req.AgentID,
		AgentType:    req.AgentType,
		VotingPower:  req.VotingPower,
		Active:       true,
		PublicKey:    req.PublicKey,
		RegisteredAt: s.now(),
	}
	if err := s.store.PutAgent(ctx, agent); err != nil {
		return protocol.RegisterAgentResponse{}, Internal("persist agent", err)
	}
	s.emit(ctx, protocol.EventAgentRegistered, protocol.AgentRegisteredEvent{
		AgentID:     agent.AgentID,
		AgentType:   agent.AgentType,
		VotingPower: agent.VotingPower,
	})
	return protocol.RegisterAgentResponse{Status: "agent_registered", Agent: agent}, nil
}

// DeactivateAgent is admin-only and monotonic: the agent keeps any
// recorded votes, it just cannot act again.
func (s *ConsensusService) DeactivateAgent(ctx context.Context, req protocol.DeactivateAgentRequest) (protocol.DeactivateAgentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Caller != s.adminID {
		return protocol.DeactivateAgentResponse{}, Unauthorized("caller is not the administrator")
	}
	agent, found, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return protocol.DeactivateAgentResponse{}, Internal("read agent", err)
	}
	if !found {
		return protocol.DeactivateAgentResponse{}, NotFound("agent not found")
	}
	if !agent.Active {
		return protocol.DeactivateAgentResponse{}, InvalidState("agent is already deactivated")
	}
	if err := s.store.SetAgentActive(ctx, req.AgentID, false); err != nil {
		return protocol.DeactivateAgentResponse{}, Internal("persist agent", err)
	}
	s.emit(ctx, protocol.EventAgentDeactivated, protocol.AgentDeactivatedEvent{AgentID: req.AgentID})
	return protocol.DeactivateAgentResponse{Status: "agent_deactivated", AgentID: req.AgentID}, nil
}

// GetAgent returns an all-default record for unknown ids rather than an
// error, matching the zero-value-on-miss convention of the read API.
func (s *ConsensusService) GetAgent(ctx context.Context, agentID string) (protocol.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, found, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return protocol.Agent{}, Internal("read agent", err)
	}
	if !found {
		return protocol.Agent{}, nil
	}
	return agent, nil
}
