package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/storage"
)

// FinalizeVote inserts the vote row and bumps the matching tally in one
// transaction. The proposal row is locked first so the tally update and
// the duplicate-vote check cannot interleave with another writer.
func (s *Store) FinalizeVote(ctx context.Context, proposalID int64, rec protocol.VoteRecord) (protocol.Proposal, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return protocol.Proposal{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	p, found, err := scanProposal(tx.QueryRow(ctx, `
SELECT proposal_id, proposer, proposal_type, content_hash, voting_start, voting_end,
       execution_delay, yes_votes, no_votes, executed, cancelled
FROM proposals
WHERE proposal_id = $1
FOR UPDATE
`, proposalID))
	if err != nil {
		return protocol.Proposal{}, err
	}
	if !found {
		return protocol.Proposal{}, storage.ErrProposalMissing
	}
	if p.Executed || p.Cancelled {
		return protocol.Proposal{}, storage.ErrProposalFinal
	}

	_, err = tx.Exec(ctx, `
INSERT INTO proposal_votes (proposal_id, agent_id, vote, voting_power, cast_at)
VALUES ($1, $2, $3, $4, $5)
`, proposalID, rec.AgentID, rec.Vote, rec.VotingPower, rec.CastAt.UTC())
	if err != nil {
		if isUniqueViolationFor(err, "proposal_votes") || isUniqueViolationFor(err, "agent_id") {
			return protocol.Proposal{}, storage.ErrAlreadyVoted
		}
		return protocol.Proposal{}, err
	}

	column := "no_votes"
	if rec.Vote {
		column = "yes_votes"
	}
	err = tx.QueryRow(ctx, `
UPDATE proposals SET `+column+` = `+column+` + $2
WHERE proposal_id = $1
RETURNING yes_votes, no_votes
`, proposalID, rec.VotingPower).Scan(&p.YesVotes, &p.NoVotes)
	if err != nil {
		return protocol.Proposal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return protocol.Proposal{}, err
	}
	return p, nil
}
