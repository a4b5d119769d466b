package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	rqcrypto "github.com/reliquary/consensus/internal/crypto"
	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/storage"
)

// EventSink receives one event per successful state-changing operation.
// Sinks must not fail the operation: delivery problems are logged and
// the mutation stands.
type EventSink interface {
	Emit(ctx context.Context, ev protocol.Event)
}

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, ev protocol.Event) {
	s.logger.Info("governance_event",
		slog.String("event_id", ev.EventID),
		slog.String("event_type", ev.EventType),
		slog.Time("occurred_at", ev.OccurredAt),
		slog.String("payload", string(ev.Payload)),
	)
}

// OutboxSink persists events for the audit relay to deliver.
type OutboxSink struct {
	store  storage.Store
	logger *slog.Logger
}

func NewOutboxSink(store storage.Store, logger *slog.Logger) *OutboxSink {
	return &OutboxSink{store: store, logger: logger}
}

func (s *OutboxSink) Emit(ctx context.Context, ev protocol.Event) {
	if err := s.store.AppendOutbox(ctx, ev); err != nil {
		s.logger.Error("outbox append failed",
			slog.String("event_id", ev.EventID),
			slog.String("event_type", ev.EventType),
			slog.String("error", err.Error()),
		)
	}
}

type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, ev protocol.Event) {
	for _, sink := range m {
		sink.Emit(ctx, ev)
	}
}

// buildEvent wraps a payload struct into a signed event envelope.
func buildEvent(eventType string, occurredAt time.Time, payload any, signer *rqcrypto.Signer) (protocol.Event, error) {
	raw, err := protocol.CanonicalJSON(payload)
	if err != nil {
		return protocol.Event{}, err
	}
	ev := protocol.Event{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: occurredAt,
		Payload:    raw,
	}
	if signer != nil {
		ev.KeyID = signer.KeyID
		ev.Sig = signer.Sign(raw)
	}
	return ev, nil
}
