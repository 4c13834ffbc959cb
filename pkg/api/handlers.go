package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cauldronos/sentientloop/pkg/audit"
	"github.com/cauldronos/sentientloop/pkg/checkpoint"
	"github.com/cauldronos/sentientloop/pkg/contracts"
	"github.com/cauldronos/sentientloop/pkg/engine"
	"github.com/cauldronos/sentientloop/pkg/store"
)

const maxBodyBytes = 1 << 20

const (
	defaultAwaitTimeout = 30 * time.Second
	maxAwaitTimeout     = 2 * time.Minute
)

// Server is the HTTP surface over the engine.
type Server struct {
	engine    *engine.Engine
	chain     *audit.ChainStore
	awaitPoll time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAwaitPollInterval sets how often the await endpoint re-reads a
// pending checkpoint. Defaults to one second.
func WithAwaitPollInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.awaitPoll = d
		}
	}
}

// NewServer creates the HTTP server. chain may be nil when the audit
// query endpoints are not exposed.
func NewServer(eng *engine.Engine, chain *audit.ChainStore, opts ...ServerOption) *Server {
	s := &Server{engine: eng, chain: chain, awaitPoll: time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers all endpoints on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/actions/propose", s.handlePropose)
	mux.HandleFunc("GET /v1/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("GET /v1/checkpoints/{id}", s.handleGetCheckpoint)
	mux.HandleFunc("GET /v1/checkpoints/{id}/escalations", s.handleEscalations)
	mux.HandleFunc("GET /v1/checkpoints/{id}/await", s.handleAwait)
	mux.HandleFunc("POST /v1/checkpoints/{id}/resolve", s.handleResolve)

	mux.HandleFunc("POST /v1/failures", s.handleReportFailure)
	mux.HandleFunc("GET /v1/failures/active", s.handleActiveFailures)
	mux.HandleFunc("GET /v1/failures/{id}", s.handleGetFailure)
	mux.HandleFunc("POST /v1/failures/{id}/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("GET /v1/failures/{id}/options", s.handleRecoveryOptions)
	mux.HandleFunc("POST /v1/failures/{id}/recover", s.handleRecover)

	mux.HandleFunc("GET /v1/policy", s.handleGetPolicy)
	mux.HandleFunc("PUT /v1/policy", s.handlePutPolicy)

	mux.HandleFunc("GET /v1/audit/events", s.handleAuditEvents)
	mux.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var action contracts.ProposedAction
	if !decodeBody(w, r, &action) {
		return
	}
	result, err := s.engine.ProposeAction(r.Context(), action)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Checkpoint != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CheckpointFilter{
		Status:   contracts.CheckpointStatus(q.Get("status")),
		ModuleID: q.Get("module_id"),
		AgentID:  q.Get("agent_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteBadRequest(w, r, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	cps, err := s.engine.ListCheckpoints(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.engine.GetCheckpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.EscalationChain(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": records})
}

// handleAwait long-polls until the checkpoint reaches a terminal status
// or the timeout elapses; a still-pending checkpoint is returned as-is
// so the caller can re-poll.
func (s *Server) handleAwait(w http.ResponseWriter, r *http.Request) {
	timeout := defaultAwaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxAwaitTimeout {
			WriteBadRequest(w, r, "timeout must be a positive duration of at most 2m")
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	cp, err := s.engine.AwaitResolution(ctx, r.PathValue("id"), s.awaitPoll)
	if errors.Is(err, context.DeadlineExceeded) {
		cp, err = s.engine.GetCheckpoint(r.Context(), r.PathValue("id"))
	}
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

type resolveRequest struct {
	Action          contracts.ResolutionAction `json:"action"`
	Reason          string                     `json:"reason,omitempty"`
	ModifiedPayload json.RawMessage            `json:"modified_payload,omitempty"`
	Level           contracts.Level            `json:"level,omitempty"`
	ResolvedBy      string                     `json:"resolved_by"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ResolvedBy == "" {
		WriteBadRequest(w, r, "resolved_by is required")
		return
	}
	cp, err := s.engine.ResolveCheckpoint(r.Context(), r.PathValue("id"), checkpoint.ResolveRequest{
		Action:          req.Action,
		Reason:          req.Reason,
		ModifiedPayload: req.ModifiedPayload,
		Level:           req.Level,
		ResolvedBy:      req.ResolvedBy,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

type reportFailureRequest struct {
	OperationName string                `json:"operation_name"`
	ModuleID      string                `json:"module_id"`
	Type          contracts.FailureType `json:"type"`
	Metadata      map[string]string     `json:"metadata,omitempty"`
}

func (s *Server) handleReportFailure(w http.ResponseWriter, r *http.Request) {
	var req reportFailureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.engine.ReportFailure(r.Context(), req.OperationName, req.ModuleID, req.Type, req.Metadata)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleActiveFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.engine.ListActiveFailures(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

func (s *Server) handleGetFailure(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.GetFailure(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		WriteBadRequest(w, r, "actor is required")
		return
	}
	rec, err := s.engine.AcknowledgeFailure(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecoveryOptions(w http.ResponseWriter, r *http.Request) {
	options, err := s.engine.RecoveryOptions(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": options})
}

type recoverRequest struct {
	OptionID string `json:"option_id"`
	Actor    string `json:"actor"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OptionID == "" || req.Actor == "" {
		WriteBadRequest(w, r, "option_id and actor are required")
		return
	}
	result, err := s.engine.ExecuteRecovery(r.Context(), r.PathValue("id"), req.OptionID, req.Actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	pol, err := s.engine.GetPolicy(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

type putPolicyRequest struct {
	Policy          *contracts.PolicyConfig `json:"policy"`
	ExpectedVersion int64                   `json:"expected_version"`
	UpdatedBy       string                  `json:"updated_by"`
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var req putPolicyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Policy == nil {
		WriteBadRequest(w, r, "policy is required")
		return
	}
	if req.UpdatedBy == "" {
		WriteBadRequest(w, r, "updated_by is required")
		return
	}
	pol, err := s.engine.UpdatePolicy(r.Context(), req.Policy, req.ExpectedVersion, req.UpdatedBy)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.chain == nil {
		WriteNotFound(w, r, "audit chain not configured")
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		EntityType: audit.EntityType(q.Get("entity_type")),
		EntityID:   q.Get("entity_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteBadRequest(w, r, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.chain.Query(filter)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.chain == nil {
		WriteNotFound(w, r, "audit chain not configured")
		return
	}
	if err := s.chain.VerifyChain(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// Handler wraps the routes with the standard middleware stack.
func (s *Server) Handler(limiter *GlobalRateLimiter, idem IdempotencyStorer) http.Handler {
	var h http.Handler = s.Routes()
	if idem != nil {
		h = IdempotencyMiddleware(idem)(h)
	}
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return RequestID(h)
}
