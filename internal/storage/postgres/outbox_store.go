package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/storage"
)

func (s *Store) AppendOutbox(ctx context.Context, ev protocol.Event) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO event_outbox (event_id, event_type, occurred_at, payload_json, key_id, sig)
VALUES ($1, $2, $3, $4::jsonb, $5, $6)
ON CONFLICT (event_id) DO NOTHING
`, ev.EventID, ev.EventType, ev.OccurredAt.UTC(), []byte(ev.Payload), ev.KeyID, ev.Sig)
	return err
}

func (s *Store) FetchPendingOutbox(ctx context.Context, limit int) ([]storage.OutboxItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, event_id, event_type, occurred_at, payload_json, key_id, sig,
       status, attempts, COALESCE(last_error,''), next_attempt_at, created_at
FROM event_outbox
WHERE status = 'pending'
  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
ORDER BY created_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]storage.OutboxItem, 0)
	for rows.Next() {
		var item storage.OutboxItem
		var payload []byte
		var next *time.Time
		if err := rows.Scan(&item.ID, &item.Event.EventID, &item.Event.EventType, &item.Event.OccurredAt,
			&payload, &item.Event.KeyID, &item.Event.Sig,
			&item.Status, &item.Attempts, &item.LastError, &next, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Event.Payload = json.RawMessage(payload)
		item.Event.OccurredAt = item.Event.OccurredAt.UTC()
		if next != nil {
			t := next.UTC()
			item.NextAttemptAt = &t
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) MarkOutboxSent(ctx context.Context, id int64, ackSummary any) error {
	raw, err := json.Marshal(ackSummary)
	if err != nil {
		return fmt.Errorf("marshal outbox ack summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
UPDATE event_outbox
SET status = 'sent',
    last_error = NULL,
    next_attempt_at = NULL,
    sent_at = NOW(),
    ack_summary = $2::jsonb,
    updated_at = NOW()
WHERE id = $1
`, id, raw)
	return err
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE event_outbox
SET status = 'pending',
    attempts = $2,
    last_error = $3,
    next_attempt_at = $4,
    updated_at = NOW()
WHERE id = $1
`, id, attempts, lastError, nextAttempt.UTC())
	return err
}
