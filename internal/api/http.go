package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/reliquary/consensus/internal/logging"
	"github.com/reliquary/consensus/internal/protocol"
	"github.com/reliquary/consensus/internal/service"
)

type Handler struct {
	service *service.ConsensusService
	logger  *slog.Logger
}

func NewHandler(svc *service.ConsensusService, logger *slog.Logger) *Handler {
	return &Handler{service: svc, logger: logger}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/agents/register", h.handleRegisterAgent)
	mux.HandleFunc("POST /v1/agents/deactivate", h.handleDeactivateAgent)
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.handleGetAgent)
	mux.HandleFunc("POST /v1/proposals", h.handleCreateProposal)
	mux.HandleFunc("GET /v1/proposals/{id}", h.handleGetProposal)
	mux.HandleFunc("POST /v1/proposals/vote", h.handleVote)
	mux.HandleFunc("POST /v1/proposals/execute", h.handleExecuteProposal)
	mux.HandleFunc("POST /v1/proposals/cancel", h.handleCancelProposal)
	mux.HandleFunc("GET /v1/proposals/{id}/votes/{agent_id}", h.handleGetVote)
	mux.HandleFunc("POST /v1/system/pause", h.handlePause)
	mux.HandleFunc("POST /v1/system/unpause", h.handleUnpause)
	mux.HandleFunc("POST /v1/consensus/record", h.handleRecordDecision)
	mux.HandleFunc("GET /v1/consensus/verify/{request_id}", h.handleVerifyDecision)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Health(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "health")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.service.RegisterAgent(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "register_agent")
	logging.AddField(r.Context(), "agent_id", resp.Agent.AgentID)
	logging.AddField(r.Context(), "agent_type", resp.Agent.AgentType)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeactivateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.service.DeactivateAgent(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "deactivate_agent")
	logging.AddField(r.Context(), "agent_id", resp.AgentID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.service.GetAgent(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "get_agent")
	writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateProposalRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.service.CreateProposal(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "create_proposal")
	logging.AddField(r.Context(), "proposal_id", resp.Proposal.ProposalID)
	logging.AddField(r.Context(), "proposal_type", resp.Proposal.ProposalType)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, service.InvalidArgument("proposal id must be a positive integer"))
		return
	}
	proposal, err := h.service.GetProposal(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "get_proposal")
	logging.AddField(r.Context(), "proposal_id", proposal.ProposalID)
	writeJSON(w, http.StatusOK, proposal)
}

func (h *Handler) handleVote(w http.ResponseWriter, r *http.Request) {
	var req protocol.VoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.service.Vote(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "vote")
	logging.AddField(r.Context(), "proposal_id", req.ProposalID)
	logging.AddField(r.Context(), "agent_id", req.Caller)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleExecuteProposal(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteProposalRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.service.ExecuteProposal(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "execute_proposal")
	logging.AddField(r.Context(), "proposal_id", req.ProposalID)
	logging.AddField(r.Context(), "execution_success", resp.Success)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCancelProposal(w http.ResponseWriter, r *http.Request) {
	var req protocol.CancelProposalRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.service.CancelProposal(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "cancel_proposal")
	logging.AddField(r.Context(), "proposal_id", req.ProposalID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetVote(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, service.InvalidArgument("proposal id must be a positive integer"))
		return
	}
	rec, err := h.service.GetVote(r.Context(), id, r.PathValue("agent_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "get_vote")
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	var req protocol.PauseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.service.Pause(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "pause")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUnpause(w http.ResponseWriter, r *http.Request) {
	var req protocol.PauseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.service.Unpause(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "unpause")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRecordDecision(w http.ResponseWriter, r *http.Request) {
	var req protocol.RecordDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.service.RecordDecision(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "record_decision")
	logging.AddField(r.Context(), "request_id", resp.Decision.RequestID)
	logging.AddField(r.Context(), "decision_type", resp.Decision.DecisionType)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleVerifyDecision(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.VerifyDecision(r.Context(), r.PathValue("request_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "verify_decision")
	logging.AddField(r.Context(), "is_valid", resp.IsValid)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", service.CodeInternal)
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      service.CodeInternal,
		Message:   "internal server error",
		Retryable: true,
	}})
}

func badRequest(err error) *service.AppError {
	return service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, 2<<20)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
