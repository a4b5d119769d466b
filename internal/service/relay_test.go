package service

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/reliquary/consensus/internal/config"
	"github.com/reliquary/consensus/internal/protocol"
)

func TestRelayVerifyAckValid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	r := &AuditRelay{
		nodePublicKey: map[string]ed25519.PublicKey{"primary": pub},
		nodeAckKeyID:  map[string]string{"primary": "ed25519:test"},
	}
	ev := protocol.Event{EventID: "evt_1"}
	recorded := time.Now().UTC()
	resp := AuditAppendResponse{
		NodeRole:   "primary",
		EntryIndex: 7,
		EntryHash:  "hash123",
		RecordedAt: recorded,
		Ack: AuditAck{
			Alg: "ed25519",
			Kid: "ed25519:test",
		},
	}
	payload := struct {
		NodeRole   string    `json:"node_role"`
		EntryIndex int64     `json:"entry_index"`
		EntryHash  string    `json:"entry_hash"`
		EventID    string    `json:"event_id"`
		RecordedAt time.Time `json:"recorded_at"`
		KeyID      string    `json:"kid"`
	}{
		NodeRole:   resp.NodeRole,
		EntryIndex: resp.EntryIndex,
		EntryHash:  resp.EntryHash,
		EventID:    ev.EventID,
		RecordedAt: resp.RecordedAt,
		KeyID:      resp.Ack.Kid,
	}
	raw, err := protocol.CanonicalJSON(payload)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	resp.Ack.Sig = base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, raw))

	node := config.AuditNode{Role: "primary", AckKeyID: "ed25519:test"}
	if err := r.verifyAck(node, ev, resp); err != nil {
		t.Fatalf("verifyAck failed: %v", err)
	}
}

func TestRelayVerifyAckKeyIDMismatch(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	r := &AuditRelay{
		nodePublicKey: map[string]ed25519.PublicKey{"primary": pub},
		nodeAckKeyID:  map[string]string{"primary": "ed25519:expected"},
	}
	resp := AuditAppendResponse{
		NodeRole:   "primary",
		EntryIndex: 1,
		EntryHash:  "hash",
		RecordedAt: time.Now().UTC(),
		Ack: AuditAck{
			Alg: "ed25519",
			Kid: "ed25519:wrong",
			Sig: "not-used",
		},
	}
	node := config.AuditNode{Role: "primary", AckKeyID: "ed25519:expected"}
	if err := r.verifyAck(node, protocol.Event{EventID: "evt_1"}, resp); err == nil {
		t.Fatalf("expected key id mismatch error")
	}
}

func TestRelayVerifyAckUnsupportedAlg(t *testing.T) {
	r := &AuditRelay{
		nodePublicKey: map[string]ed25519.PublicKey{},
		nodeAckKeyID:  map[string]string{},
	}
	resp := AuditAppendResponse{Ack: AuditAck{Alg: "rsa"}}
	if err := r.verifyAck(config.AuditNode{Role: "primary"}, protocol.Event{}, resp); err == nil {
		t.Fatalf("expected unsupported alg error")
	}
}

func TestComputeBackoff(t *testing.T) {
	max := 10 * time.Minute
	if got := computeBackoff(0, max); got != 10*time.Second {
		t.Fatalf("attempt 0: got %v", got)
	}
	if got := computeBackoff(1, max); got != 10*time.Second {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := computeBackoff(2, max); got != 20*time.Second {
		t.Fatalf("attempt 2: got %v", got)
	}
	if got := computeBackoff(50, max); got != max {
		t.Fatalf("large attempts must clamp to max, got %v", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := truncate("0123456789abc", 10); got != "0123456789" {
		t.Fatalf("got %q", got)
	}
}
