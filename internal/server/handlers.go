package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/approval"
	"github.com/llmos/llmosd/internal/errdefs"
	"github.com/llmos/llmosd/internal/events"
	"github.com/llmos/llmosd/internal/security"
)

// maxRequestBytes bounds request bodies. Plan documents are small; anything
// bigger is almost certainly a mistake or an attack.
const maxRequestBytes = 4 << 20

// failureResponse is the uniform failure shape for every endpoint.
type failureResponse struct {
	Status  string         `json:"status"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a taxonomy error to an HTTP status and the structured
// failure body. Security rejections are distinguished by status string so
// agents can tell policy refusals from ordinary failures.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := errdefs.AsError(err)
	if e == nil {
		s.deps.Log.Error("unclassified handler error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, failureResponse{
			Status: "failed",
			Reason: err.Error(),
		})
		return
	}

	details := map[string]any{"code": e.Code, "kind": string(e.Kind)}
	for k, v := range e.Details {
		details[k] = v
	}

	status := "failed"
	if e.Kind == errdefs.KindSecurity {
		status = "security_rejected"
	}

	writeJSON(w, httpStatusOf(e), failureResponse{
		Status:  status,
		Reason:  e.Message,
		Details: details,
	})
}

func httpStatusOf(e *errdefs.Error) int {
	switch e.Code {
	case errdefs.CodeSyncTimeout:
		return http.StatusGatewayTimeout
	case errdefs.CodePlanNotFound:
		return http.StatusNotFound
	case errdefs.CodePlanNotRunning:
		return http.StatusConflict
	case errdefs.CodeRateLimited:
		return http.StatusTooManyRequests
	}

	switch e.Kind {
	case errdefs.KindProtocol, errdefs.KindCapability, errdefs.KindOrchestration:
		return http.StatusBadRequest
	case errdefs.KindSecurity:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusBadRequest, failureResponse{Status: "failed", Reason: reason})
}

// ─── Plans ───────────────────────────────────────────────────────────────────

// submitEnvelope is the submission body. The plan document is kept as raw
// bytes so the repair cascade sees exactly what the agent produced.
type submitEnvelope struct {
	Plan           json.RawMessage `json:"plan"`
	AsyncExecution bool            `json:"async_execution"`
	User           string          `json:"user,omitempty"`
}

func (s *Server) handlePlanSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		badRequest(w, "could not read request body: "+err.Error())
		return
	}

	// Either an envelope with a plan field, or a bare plan document with
	// async_execution as a query parameter. The bare form also covers
	// malformed JSON that only the repair cascade can decode.
	var env submitEnvelope
	raw := body
	if jsonErr := json.Unmarshal(body, &env); jsonErr == nil && env.Plan != nil {
		raw = env.Plan
	} else {
		env.AsyncExecution = r.URL.Query().Get("async_execution") == "true"
	}

	user := env.User
	if user == "" {
		user = r.Header.Get("X-LLMOS-User")
	}
	if user == "" {
		user = "api"
	}

	plan, repair, err := s.deps.Parser.Parse(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if env.AsyncExecution {
		if err := s.deps.Executor.SubmitAsync(r.Context(), plan, user); err != nil {
			s.writeError(w, err)
			return
		}
		resp := map[string]any{"plan_id": plan.PlanID, "status": "pending"}
		if repair != nil && repair.WasModified {
			resp["repairs_applied"] = repair.Transformations
		}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	wait := time.Duration(s.deps.Config.Server.SyncWaitSeconds) * time.Second
	result, err := s.deps.Executor.SubmitSync(r.Context(), plan, user, wait)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePlanGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, ok, err := s.deps.Store.GetExecutionState(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, errdefs.Orchestration(errdefs.CodePlanNotFound, "plan %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePlanCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Executor.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"plan_id": id, "status": "cancelling"})
}

// ─── Approvals ───────────────────────────────────────────────────────────────

type approvalRequest struct {
	PlanID         string         `json:"plan_id"`
	ActionID       string         `json:"action_id"`
	Decision       string         `json:"decision"`
	Approved       *bool          `json:"approved,omitempty"` // legacy boolean form
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
}

func (s *Server) handleApprovalSubmit(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.PlanID == "" || req.ActionID == "" {
		badRequest(w, "plan_id and action_id are required")
		return
	}

	if req.Decision == "" && req.Approved != nil {
		if *req.Approved {
			req.Decision = string(approval.DecisionApprove)
		} else {
			req.Decision = string(approval.DecisionReject)
		}
	}

	decision := approval.Decision(req.Decision)
	if !decision.Valid() {
		s.writeError(w, errdefs.Protocol(errdefs.CodeValidationFailed,
			"unknown approval decision %q", req.Decision))
		return
	}

	ok := s.deps.Gate.SubmitDecision(req.PlanID, req.ActionID, approval.Response{
		Decision:       decision,
		ModifiedParams: req.ModifiedParams,
		Reason:         req.Reason,
		ApprovedBy:     req.ApprovedBy,
		Timestamp:      time.Now().UTC(),
	})
	if !ok {
		writeJSON(w, http.StatusNotFound, failureResponse{
			Status: "failed",
			Reason: "no pending approval for that plan and action",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "decision": decision})
}

func (s *Server) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	pending := s.deps.Gate.GetPending(r.URL.Query().Get("plan_id"))
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending, "count": len(pending)})
}

// ─── Capabilities ────────────────────────────────────────────────────────────

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	manifests := s.deps.Registry.Manifests()
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": manifests, "count": len(manifests)})
}

// ─── Permissions ─────────────────────────────────────────────────────────────

func (s *Server) handlePermissionsList(w http.ResponseWriter, r *http.Request) {
	grants, err := s.deps.Perms.ListGrants(r.URL.Query().Get("module_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants, "count": len(grants)})
}

type grantRequest struct {
	Permission string `json:"permission"`
	ModuleID   string `json:"module_id"`
	Scope      string `json:"scope,omitempty"`
	Reason     string `json:"reason,omitempty"`
	GrantedBy  string `json:"granted_by,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

func (s *Server) handlePermissionGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Permission == "" || req.ModuleID == "" {
		badRequest(w, "permission and module_id are required")
		return
	}

	scope := security.GrantScope(req.Scope)
	if scope == "" {
		scope = security.ScopeSession
	}
	if scope != security.ScopeSession && scope != security.ScopePermanent {
		badRequest(w, "scope must be 'session' or 'permanent'")
		return
	}

	grantedBy := req.GrantedBy
	if grantedBy == "" {
		grantedBy = "api"
	}

	grant, err := s.deps.Perms.Grant(req.Permission, req.ModuleID, scope,
		req.Reason, grantedBy, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.deps.Bus.Publish(events.TopicPermissions, "permission.granted", map[string]any{
		"permission": grant.Permission,
		"module_id":  grant.ModuleID,
		"scope":      string(grant.Scope),
		"granted_by": grant.GrantedBy,
	})
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handlePermissionRevoke(w http.ResponseWriter, r *http.Request) {
	permission := r.URL.Query().Get("permission")
	moduleID := r.URL.Query().Get("module_id")
	if moduleID == "" {
		badRequest(w, "module_id is required")
		return
	}

	var revoked int
	if permission == "" {
		n, err := s.deps.Perms.RevokeAllForModule(moduleID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		revoked = n
	} else {
		ok, err := s.deps.Perms.Revoke(permission, moduleID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, failureResponse{
				Status: "failed",
				Reason: "no such grant",
			})
			return
		}
		revoked = 1
	}

	s.deps.Bus.Publish(events.TopicPermissions, "permission.revoked", map[string]any{
		"permission": permission,
		"module_id":  moduleID,
		"revoked":    revoked,
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

// ─── Security categories ─────────────────────────────────────────────────────

func (s *Server) handleCategoriesList(w http.ResponseWriter, r *http.Request) {
	cats := s.deps.Categories.List()
	writeJSON(w, http.StatusOK, map[string]any{"categories": cats, "count": len(cats)})
}

func (s *Server) handleCategoryEnable(w http.ResponseWriter, r *http.Request) {
	s.setCategoryEnabled(w, r, true)
}

func (s *Server) handleCategoryDisable(w http.ResponseWriter, r *http.Request) {
	s.setCategoryEnabled(w, r, false)
}

func (s *Server) setCategoryEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	if !s.deps.Categories.SetEnabled(id, enabled) {
		writeJSON(w, http.StatusNotFound, failureResponse{
			Status: "failed",
			Reason: "unknown threat category: " + id,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ─── Body helpers ────────────────────────────────────────────────────────────

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	return dec.Decode(v)
}
