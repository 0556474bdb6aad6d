package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/agent-governance/middleware"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"github.com/upb/agent-governance/services"
	"github.com/upb/agent-governance/services/grant"
	"github.com/upb/agent-governance/services/policy"
	"github.com/upb/agent-governance/utils"
	"go.uber.org/zap"
)

// TargetRequest identifies the resource an access request is aimed at
type TargetRequest struct {
	Type        models.TargetType  `json:"type" validate:"required,oneof=organization workspace team agent memory"`
	ID          string             `json:"id" validate:"required,uuid"`
	Sensitivity models.Sensitivity `json:"sensitivity,omitempty" validate:"omitempty,oneof=public internal confidential restricted"`
}

// ScopeChainRequest carries the enclosing scopes of the target
type ScopeChainRequest struct {
	TeamID         string `json:"team_id,omitempty" validate:"omitempty,uuid"`
	WorkspaceID    string `json:"workspace_id,omitempty" validate:"omitempty,uuid"`
	OrganizationID string `json:"organization_id,omitempty" validate:"omitempty,uuid"`
}

// RequestAccessRequest represents a request for a JIT grant
type RequestAccessRequest struct {
	AccountID     string               `json:"account_id" validate:"required,uuid"`
	AccountName   string               `json:"account_name" validate:"required,max=255"`
	AgentID       string               `json:"agent_id" validate:"required,uuid"`
	AgentName     string               `json:"agent_name" validate:"max=255"`
	Permissions   []string             `json:"permissions" validate:"required,min=1"`
	Scope         map[string][]string  `json:"scope,omitempty"`
	Reason        string               `json:"reason" validate:"required"`
	TaskContext   string               `json:"task_context,omitempty"`
	PrincipalType models.PrincipalType `json:"principal_type,omitempty" validate:"omitempty,oneof=user agent team role"`
	PrincipalRole string               `json:"principal_role,omitempty"`
	MemoryRole    models.MemoryRole    `json:"memory_role,omitempty" validate:"omitempty,oneof=viewer user editor admin"`
	Target        TargetRequest        `json:"target" validate:"required"`
	Scopes        ScopeChainRequest    `json:"scopes"`
	Metrics       map[string]float64   `json:"metrics,omitempty"`
}

// GrantActionRequest carries the reason for a deny or revoke transition
type GrantActionRequest struct {
	Reason string `json:"reason" validate:"required,max=1024"`
}

// GrantHandler handles JIT grant HTTP requests
type GrantHandler struct {
	service *grant.Service
	logger  *zap.Logger
}

// NewGrantHandler creates a new GrantHandler
func NewGrantHandler(service *grant.Service, logger *zap.Logger) *GrantHandler {
	return &GrantHandler{
		service: service,
		logger:  logger,
	}
}

// HandleRequest handles POST /api/v1/grants. The response status follows the
// resolved grant: 201 for auto-granted, 202 for pending approval, 200 for
// denied. Ceiling rejections surface as 403 with the denied grant persisted.
func (h *GrantHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var req RequestAccessRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	access, err := accessRequestFrom(&req)
	if err != nil {
		utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	access.PrincipalType = req.PrincipalType
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		if access.PrincipalType == "" {
			access.PrincipalType = claims.Principal()
		}
		if access.PrincipalRole == "" {
			access.PrincipalRole = claims.Role
		}
	}
	if access.PrincipalType == "" {
		access.PrincipalType = models.PrincipalAgent
	}
	access.RequestID = middleware.GetRequestIDFromContext(r.Context())

	resolved, err := h.service.RequestAccess(r.Context(), *access)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	switch resolved.Status {
	case models.GrantStatusActive:
		utils.WriteCreated(w, resolved)
	case models.GrantStatusPendingApproval:
		utils.WriteAccepted(w, resolved)
	default:
		utils.WriteOK(w, resolved)
	}
}

// HandleList handles GET /api/v1/grants
func (h *GrantHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := grantFilterFrom(r)
	if err != nil {
		utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	grants, err := h.service.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, map[string]interface{}{
		"grants": grants,
		"count":  len(grants),
	})
}

// HandleGet handles GET /api/v1/grants/{id}
func (h *GrantHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	g, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, g)
}

// HandleApprove handles POST /api/v1/grants/{id}/approve. The approver and
// their role come from the authenticated identity, not the request body, so
// a caller cannot approve on behalf of someone else.
func (h *GrantHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	approver := actorFrom(r)
	approverRole := ""
	method := models.ApprovalHuman
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		approverRole = claims.Role
		if claims.PrincipalType == "service" {
			method = models.ApprovalPolicyEngine
		}
	}

	g, err := h.service.Approve(r.Context(), id, approver, approverRole, method)
	if err != nil {
		if services.IsForbiddenError(err) {
			utils.WriteForbidden(w, "Not in the approval chain for this grant")
			return
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, g)
}

// HandleDeny handles POST /api/v1/grants/{id}/deny
func (h *GrantHandler) HandleDeny(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req GrantActionRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	approver := actorFrom(r)
	approverRole := ""
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		approverRole = claims.Role
	}

	g, err := h.service.Deny(r.Context(), id, approver, approverRole, req.Reason)
	if err != nil {
		if services.IsForbiddenError(err) {
			utils.WriteForbidden(w, "Not in the approval chain for this grant")
			return
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, g)
}

// HandleRevoke handles POST /api/v1/grants/{id}/revoke
func (h *GrantHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req GrantActionRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	g, err := h.service.Revoke(r.Context(), id, actorFrom(r), req.Reason)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, g)
}

func accessRequestFrom(req *RequestAccessRequest) (*grant.AccessRequest, error) {
	accountID, err := utils.ParseUUIDParam(req.AccountID)
	if err != nil {
		return nil, err
	}
	agentID, err := utils.ParseUUIDParam(req.AgentID)
	if err != nil {
		return nil, err
	}
	targetID, err := utils.ParseUUIDParam(req.Target.ID)
	if err != nil {
		return nil, err
	}

	scopes, err := scopeChainFrom(&req.Scopes)
	if err != nil {
		return nil, err
	}

	return &grant.AccessRequest{
		AccountID:     accountID,
		AccountName:   req.AccountName,
		AgentID:       agentID,
		AgentName:     req.AgentName,
		Permissions:   req.Permissions,
		Scope:         req.Scope,
		Reason:        req.Reason,
		TaskContext:   req.TaskContext,
		PrincipalRole: req.PrincipalRole,
		MemoryRole:    req.MemoryRole,
		Target: policy.TargetRef{
			Type:        req.Target.Type,
			ID:          targetID,
			Sensitivity: req.Target.Sensitivity,
		},
		Scopes:  scopes,
		Metrics: req.Metrics,
	}, nil
}

func scopeChainFrom(req *ScopeChainRequest) (policy.ScopeChain, error) {
	var chain policy.ScopeChain

	for _, entry := range []struct {
		raw  string
		dest **uuid.UUID
	}{
		{req.TeamID, &chain.TeamID},
		{req.WorkspaceID, &chain.WorkspaceID},
		{req.OrganizationID, &chain.OrganizationID},
	} {
		if entry.raw == "" {
			continue
		}
		id, err := utils.ParseUUIDParam(entry.raw)
		if err != nil {
			return policy.ScopeChain{}, err
		}
		*entry.dest = &id
	}

	return chain, nil
}

func grantFilterFrom(r *http.Request) (repositories.GrantFilter, error) {
	var filter repositories.GrantFilter
	q := r.URL.Query()

	if raw := q.Get("account_id"); raw != "" {
		id, err := utils.ParseUUIDParam(raw)
		if err != nil {
			return filter, err
		}
		filter.AccountID = &id
	}
	if raw := q.Get("agent_id"); raw != "" {
		id, err := utils.ParseUUIDParam(raw)
		if err != nil {
			return filter, err
		}
		filter.AgentID = &id
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, models.GrantStatus(strings.TrimSpace(s)))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err == nil {
			filter.Limit = limit
		}
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err == nil {
			filter.Offset = offset
		}
	}

	return filter, nil
}
