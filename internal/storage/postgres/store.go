package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

func (s *Store) PutAgent(ctx context.Context, agent protocol.Agent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO agents (agent_id, agent_type, voting_power, active, public_key, registered_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (agent_id) DO UPDATE SET
  agent_type = EXCLUDED.agent_type,
  voting_power = EXCLUDED.voting_power,
  active = EXCLUDED.active,
  public_key = EXCLUDED.public_key,
  registered_at = EXCLUDED.registered_at
`, agent.AgentID, agent.AgentType, agent.VotingPower, agent.Active, agent.PublicKey, agent.RegisteredAt.UTC())
	return err
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (protocol.Agent, bool, error) {
	var out protocol.Agent
	err := s.pool.QueryRow(ctx, `
SELECT agent_id, agent_type, voting_power, active, public_key, registered_at
FROM agents
WHERE agent_id = $1
`, agentID).Scan(&out.AgentID, &out.AgentType, &out.VotingPower, &out.Active, &out.PublicKey, &out.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.Agent{}, false, nil
	}
	if err != nil {
		return protocol.Agent{}, false, err
	}
	out.RegisteredAt = out.RegisteredAt.UTC()
	return out, true, nil
}

func (s *Store) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE agents SET active = $2 WHERE agent_id = $1`, agentID, active)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return storage.ErrAgentMissing
	}
	return nil
}

func (s *Store) CountAgents(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n)
	return n, err
}

func (s *Store) InsertProposal(ctx context.Context, p protocol.Proposal) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO proposals (proposer, proposal_type, content_hash, voting_start, voting_end, execution_delay)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING proposal_id
`, p.Proposer, p.ProposalType, p.ContentHash, p.VotingStart.UTC(), p.VotingEnd.UTC(), p.ExecutionDelay).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetProposal(ctx context.Context, proposalID int64) (protocol.Proposal, bool, error) {
	p, found, err := scanProposal(s.pool.QueryRow(ctx, `
SELECT proposal_id, proposer, proposal_type, content_hash, voting_start, voting_end,
       execution_delay, yes_votes, no_votes, executed, cancelled
FROM proposals
WHERE proposal_id = $1
`, proposalID))
	return p, found, err
}

func (s *Store) CountProposals(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM proposals`).Scan(&n)
	return n, err
}

func (s *Store) GetVote(ctx context.Context, proposalID int64, agentID string) (protocol.VoteRecord, bool, error) {
	var out protocol.VoteRecord
	err := s.pool.QueryRow(ctx, `
SELECT agent_id, vote, voting_power, cast_at
FROM proposal_votes
WHERE proposal_id = $1 AND agent_id = $2
`, proposalID, agentID).Scan(&out.AgentID, &out.Vote, &out.VotingPower, &out.CastAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.VoteRecord{}, false, nil
	}
	if err != nil {
		return protocol.VoteRecord{}, false, err
	}
	out.CastAt = out.CastAt.UTC()
	return out, true, nil
}

func (s *Store) ListVotes(ctx context.Context, proposalID int64) ([]protocol.VoteRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT agent_id, vote, voting_power, cast_at
FROM proposal_votes
WHERE proposal_id = $1
ORDER BY agent_id ASC
`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]protocol.VoteRecord, 0)
	for rows.Next() {
		var rec protocol.VoteRecord
		if err := rows.Scan(&rec.AgentID, &rec.Vote, &rec.VotingPower, &rec.CastAt); err != nil {
			return nil, err
		}
		rec.CastAt = rec.CastAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkExecuted(ctx context.Context, proposalID int64) error {
	return s.markFinal(ctx, proposalID, `executed = TRUE`)
}

func (s *Store) MarkCancelled(ctx context.Context, proposalID int64) error {
	return s.markFinal(ctx, proposalID, `cancelled = TRUE`)
}

func (s *Store) markFinal(ctx context.Context, proposalID int64, set string) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE proposals SET `+set+`
WHERE proposal_id = $1 AND NOT executed AND NOT cancelled
`, proposalID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		_, found, err := s.GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrProposalMissing
		}
		return storage.ErrProposalFinal
	}
	return nil
}

func (s *Store) InsertDecision(ctx context.Context, d protocol.ConsensusDecision) error {
	agents, err := json.Marshal(d.ParticipatingAgents)
	if err != nil {
		return fmt.Errorf("marshal participating agents: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO consensus_decisions
  (request_id, decision_type, final_decision, consensus_confidence,
   participating_agents, recorded_at, proof_hash, recorded_by, validated)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
`, d.RequestID, d.DecisionType, d.FinalDecision, d.ConsensusConfidence,
		agents, d.RecordedAt.UTC(), d.ProofHash, d.RecordedBy, d.Validated)
	if err != nil {
		if isUniqueViolationFor(err, "request_id") || isUniqueViolationFor(err, "consensus_decisions_pkey") {
			return storage.ErrDecisionExists
		}
		return err
	}
	return nil
}

func (s *Store) GetDecision(ctx context.Context, requestID string) (protocol.ConsensusDecision, bool, error) {
	var out protocol.ConsensusDecision
	var agents []byte
	err := s.pool.QueryRow(ctx, `
SELECT request_id, decision_type, final_decision, consensus_confidence,
       participating_agents, recorded_at, proof_hash, recorded_by, validated
FROM consensus_decisions
WHERE request_id = $1
`, requestID).Scan(&out.RequestID, &out.DecisionType, &out.FinalDecision, &out.ConsensusConfidence,
		&agents, &out.RecordedAt, &out.ProofHash, &out.RecordedBy, &out.Validated)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.ConsensusDecision{}, false, nil
	}
	if err != nil {
		return protocol.ConsensusDecision{}, false, err
	}
	if err := json.Unmarshal(agents, &out.ParticipatingAgents); err != nil {
		return protocol.ConsensusDecision{}, false, fmt.Errorf("decode participating agents: %w", err)
	}
	out.RecordedAt = out.RecordedAt.UTC()
	return out, true, nil
}

func (s *Store) CountDecisions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM consensus_decisions`).Scan(&n)
	return n, err
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO meta (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
`, key, value)
	return err
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func scanProposal(row pgx.Row) (protocol.Proposal, bool, error) {
	var p protocol.Proposal
	err := row.Scan(&p.ProposalID, &p.Proposer, &p.ProposalType, &p.ContentHash,
		&p.VotingStart, &p.VotingEnd, &p.ExecutionDelay, &p.YesVotes, &p.NoVotes,
		&p.Executed, &p.Cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.Proposal{}, false, nil
	}
	if err != nil {
		return protocol.Proposal{}, false, err
	}
	p.VotingStart = p.VotingStart.UTC()
	p.VotingEnd = p.VotingEnd.UTC()
	return p, true, nil
}

func isUniqueViolationFor(err error, field string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	if strings.Contains(pgErr.ConstraintName, field) {
		return true
	}
	detail := strings.ToLower(pgErr.Detail)
	if detail == "" {
		return false
	}
	return strings.Contains(detail, strings.ToLower(field))
}
