package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/storage"
)

// Store is an in-memory ledger for tests and single-node deployments
// that do not need durability across restarts.
type Store struct {
	mu         sync.RWMutex
	agents     map[string]protocol.Agent
	proposals  map[int64]protocol.Proposal
	votes      map[int64]map[string]protocol.VoteRecord
	decisions  map[string]protocol.ConsensusDecision
	meta       map[string]string
	outbox     []storage.OutboxItem
	nextID     int64
	nextOutbox int64
}

func New() *Store {
	return &Store{
		agents:    make(map[string]protocol.Agent),
		proposals: make(map[int64]protocol.Proposal),
		votes:     make(map[int64]map[string]protocol.VoteRecord),
		decisions: make(map[string]protocol.ConsensusDecision),
		meta:      make(map[string]string),
	}
}

func (s *Store) Close() {}

func (s *Store) PutAgent(ctx context.Context, agent protocol.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.AgentID] = agent
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (protocol.Agent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	return agent, ok, nil
}

func (s *Store) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return storage.ErrAgentMissing
	}
	agent.Active = active
	s.agents[agentID] = agent
	return nil
}

func (s *Store) CountAgents(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents), nil
}

func (s *Store) InsertProposal(ctx context.Context, p protocol.Proposal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ProposalID = s.nextID
	s.proposals[p.ProposalID] = p
	s.votes[p.ProposalID] = make(map[string]protocol.VoteRecord)
	return p.ProposalID, nil
}

func (s *Store) GetProposal(ctx context.Context, proposalID int64) (protocol.Proposal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[proposalID]
	return p, ok, nil
}

func (s *Store) CountProposals(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.proposals), nil
}

func (s *Store) FinalizeVote(ctx context.Context, proposalID int64, rec protocol.VoteRecord) (protocol.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return protocol.Proposal{}, storage.ErrProposalMissing
	}
	if p.Executed || p.Cancelled {
		return protocol.Proposal{}, storage.ErrProposalFinal
	}
	byAgent := s.votes[proposalID]
	if _, voted := byAgent[rec.AgentID]; voted {
		return protocol.Proposal{}, storage.ErrAlreadyVoted
	}
	byAgent[rec.AgentID] = rec
	if rec.Vote {
		p.YesVotes += rec.VotingPower
	} else {
		p.NoVotes += rec.VotingPower
	}
	s.proposals[proposalID] = p
	return p, nil
}

func (s *Store) GetVote(ctx context.Context, proposalID int64, agentID string) (protocol.VoteRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAgent, ok := s.votes[proposalID]
	if !ok {
		return protocol.VoteRecord{}, false, nil
	}
	rec, ok := byAgent[agentID]
	return rec, ok, nil
}

func (s *Store) ListVotes(ctx context.Context, proposalID int64) ([]protocol.VoteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAgent := s.votes[proposalID]
	out := make([]protocol.VoteRecord, 0, len(byAgent))
	for _, rec := range byAgent {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *Store) MarkExecuted(ctx context.Context, proposalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return storage.ErrProposalMissing
	}
	if p.Executed || p.Cancelled {
		return storage.ErrProposalFinal
	}
	p.Executed = true
	s.proposals[proposalID] = p
	return nil
}

func (s *Store) MarkCancelled(ctx context.Context, proposalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return storage.ErrProposalMissing
	}
	if p.Executed || p.Cancelled {
		return storage.ErrProposalFinal
	}
	p.Cancelled = true
	s.proposals[proposalID] = p
	return nil
}

func (s *Store) InsertDecision(ctx context.Context, d protocol.ConsensusDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.decisions[d.RequestID]; exists {
		return storage.ErrDecisionExists
	}
	// Copy the agent list so later caller mutation cannot reach the record.
	agents := make([]string, len(d.ParticipatingAgents))
	copy(agents, d.ParticipatingAgents)
	d.ParticipatingAgents = agents
	s.decisions[d.RequestID] = d
	return nil
}

func (s *Store) GetDecision(ctx context.Context, requestID string) (protocol.ConsensusDecision, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[requestID]
	return d, ok, nil
}

func (s *Store) CountDecisions(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.decisions), nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

func (s *Store) AppendOutbox(ctx context.Context, ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOutbox++
	s.outbox = append(s.outbox, storage.OutboxItem{
		ID:        s.nextOutbox,
		Event:     ev,
		Status:    "pending",
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Store) FetchPendingOutbox(ctx context.Context, limit int) ([]storage.OutboxItem, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	items := make([]storage.OutboxItem, 0)
	for _, item := range s.outbox {
		if item.Status != "pending" {
			continue
		}
		if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			continue
		}
		items = append(items, item)
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, id int64, ackSummary any) error {
	if _, err := json.Marshal(ackSummary); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Status = "sent"
			s.outbox[i].LastError = ""
			s.outbox[i].NextAttemptAt = nil
			return nil
		}
	}
	return nil
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			next := nextAttempt.UTC()
			s.outbox[i].Status = "pending"
			s.outbox[i].Attempts = attempts
			s.outbox[i].LastError = lastError
			s.outbox[i].NextAttemptAt = &next
			return nil
		}
	}
	return nil
}
