package service

import (
	"context"
	"errors"
	"sync"
	"time"

	rqcrypto "github.com/reliquary/consensus/internal/crypto"
	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/storage"
)

const metaPausedKey = "system_paused"

// ConsensusService coordinates the agent registry, the proposal &
// voting engine, and the consensus decision ledger over one shared
// store. Every state-changing operation runs under mu so tally updates
// and idempotency checks are atomic with respect to each other;
// read-only accessors take the read lock and observe a consistent
// snapshot.
type ConsensusService struct {
	mu sync.RWMutex

	store     storage.Store
	signer    *rqcrypto.Signer
	events    EventSink
	executors *ExecutorRegistry

	adminID         string
	votingPeriod    time.Duration
	executionDelay  time.Duration
	quorumThreshold int64

	now func() time.Time

	service string
	version string
}

type Params struct {
	Store     storage.Store
	Signer    *rqcrypto.Signer
	Events    EventSink
	Executors *ExecutorRegistry

	AdminID         string
	VotingPeriod    time.Duration
	ExecutionDelay  time.Duration
	QuorumThreshold int64

	// Now is the injected time source for all window checks. Defaults
	// to the wall clock.
	Now func() time.Time

	ServiceName string
	Version     string
}

func New(params Params) (*ConsensusService, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.AdminID == "" {
		return nil, errors.New("admin id is required")
	}
	if params.VotingPeriod <= 0 {
		params.VotingPeriod = 24 * time.Hour
	}
	if params.ExecutionDelay <= 0 {
		params.ExecutionDelay = 2 * time.Hour
	}
	if params.QuorumThreshold <= 0 {
		return nil, errors.New("quorum threshold must be positive")
	}
	if params.Now == nil {
		params.Now = func() time.Time { return time.Now().UTC() }
	}
	if params.Executors == nil {
		params.Executors = NewExecutorRegistry()
	}
	if params.Events == nil {
		params.Events = MultiSink{}
	}
	if params.ServiceName == "" {
		params.ServiceName = "reliquary-consensusd"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	return &ConsensusService{
		store:           params.Store,
		signer:          params.Signer,
		events:          params.Events,
		executors:       params.Executors,
		adminID:         params.AdminID,
		votingPeriod:    params.VotingPeriod,
		executionDelay:  params.ExecutionDelay,
		quorumThreshold: params.QuorumThreshold,
		now:             params.Now,
		service:         params.ServiceName,
		version:         params.Version,
	}, nil
}

// Executors exposes the dispatch registry so wiring code can attach
// real side effects per proposal type.
func (s *ConsensusService) Executors() *ExecutorRegistry {
	return s.executors
}

func (s *ConsensusService) Pause(ctx context.Context, req protocol.PauseRequest) (protocol.PauseResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Caller != s.adminID {
		return protocol.PauseResponse{}, Unauthorized("caller is not the administrator")
	}
	if err := s.store.SetMeta(ctx, metaPausedKey, "true"); err != nil {
		return protocol.PauseResponse{}, Internal("persist pause flag", err)
	}
	s.emit(ctx, protocol.EventSystemPaused, protocol.SystemPausedEvent{Caller: req.Caller, Paused: true})
	return protocol.PauseResponse{Status: "system_paused", Paused: true}, nil
}

func (s *ConsensusService) Unpause(ctx context.Context, req protocol.PauseRequest) (protocol.PauseResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Caller != s.adminID {
		return protocol.PauseResponse{}, Unauthorized("caller is not the administrator")
	}
	if err := s.store.SetMeta(ctx, metaPausedKey, "false"); err != nil {
		return protocol.PauseResponse{}, Internal("persist pause flag", err)
	}
	s.emit(ctx, protocol.EventSystemUnpaused, protocol.SystemPausedEvent{Caller: req.Caller, Paused: false})
	return protocol.PauseResponse{Status: "system_unpaused", Paused: false}, nil
}

func (s *ConsensusService) Health(ctx context.Context) (protocol.HealthResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paused, err := s.paused(ctx)
	if err != nil {
		return protocol.HealthResponse{}, Internal("read pause flag", err)
	}
	agents, err := s.store.CountAgents(ctx)
	if err != nil {
		return protocol.HealthResponse{}, Internal("count agents", err)
	}
	proposals, err := s.store.CountProposals(ctx)
	if err != nil {
		return protocol.HealthResponse{}, Internal("count proposals", err)
	}
	decisions, err := s.store.CountDecisions(ctx)
	if err != nil {
		return protocol.HealthResponse{}, Internal("count decisions", err)
	}
	return protocol.HealthResponse{
		Service:       s.service,
		Version:       s.version,
		Status:        "ok",
		Paused:        paused,
		AgentCount:    agents,
		ProposalCount: proposals,
		DecisionCount: decisions,
	}, nil
}

// paused reads the persisted pause flag. Callers hold at least the
// read lock.
func (s *ConsensusService) paused(ctx context.Context) (bool, error) {
	v, ok, err := s.store.GetMeta(ctx, metaPausedKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return v == "true" || v == "1" || v == "yes", nil
}

// rejectIfPaused gates state-changing operations. Callers hold the
// write lock.
func (s *ConsensusService) rejectIfPaused(ctx context.Context) error {
	paused, err := s.paused(ctx)
	if err != nil {
		return Internal("read pause flag", err)
	}
	if paused {
		return Paused()
	}
	return nil
}

// activeAgent looks up the caller and requires an active registration.
func (s *ConsensusService) activeAgent(ctx context.Context, agentID string) (protocol.Agent, error) {
	if agentID == "" {
		return protocol.Agent{}, InvalidArgument("caller is required")
	}
	agent, found, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return protocol.Agent{}, Internal("read agent", err)
	}
	if !found || !agent.Active {
		return protocol.Agent{}, Unauthorized("caller is not an active agent")
	}
	return agent, nil
}

func (s *ConsensusService) emit(ctx context.Context, eventType string, payload any) {
	ev, err := buildEvent(eventType, s.now(), payload, s.signer)
	if err != nil {
		return
	}
	s.events.Emit(ctx, ev)
}
