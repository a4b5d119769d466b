package service

import (
	"context"

	"github.com/reliquary/consensus/internal/protocol"
)

// Recognized proposal types. Each currently acknowledges execution with
// no further side effect; real handlers are registered at wiring time
// without touching the voting logic.
const (
	ProposalSystemUpgrade     = "SYSTEM_UPGRADE"
	ProposalTrustUpdate       = "TRUST_UPDATE"
	ProposalEmergencyOverride = "EMERGENCY_OVERRIDE"
)

type ExecutionResult struct {
	Success bool
	Detail  string
}

type ProposalExecutor func(ctx context.Context, p protocol.Proposal) ExecutionResult

// ExecutorRegistry maps proposal types to execution handlers. An
// unrecognized type executes as a no-op with Success=false.
type ExecutorRegistry struct {
	byType map[string]ProposalExecutor
}

func NewExecutorRegistry() *ExecutorRegistry {
	r := &ExecutorRegistry{byType: make(map[string]ProposalExecutor)}
	ack := func(detail string) ProposalExecutor {
		return func(ctx context.Context, p protocol.Proposal) ExecutionResult {
			return ExecutionResult{Success: true, Detail: detail}
		}
	}
	r.Register(ProposalSystemUpgrade, ack("system upgrade acknowledged"))
	r.Register(ProposalTrustUpdate, ack("trust update acknowledged"))
	r.Register(ProposalEmergencyOverride, ack("emergency override acknowledged"))
	return r
}

func (r *ExecutorRegistry) Register(proposalType string, fn ProposalExecutor) {
	r.byType[proposalType] = fn
}

func (r *ExecutorRegistry) Dispatch(ctx context.Context, p protocol.Proposal) ExecutionResult {
	fn, ok := r.byType[p.ProposalType]
	if !ok {
		return ExecutionResult{Success: false, Detail: "unrecognized proposal type"}
	}
	return fn(ctx, p)
}
