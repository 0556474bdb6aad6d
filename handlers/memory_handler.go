package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/services/memory"
	"github.com/upb/agent-governance/utils"
	"go.uber.org/zap"
)

// CreateMemoryRequest represents a request to create a memory instance
type CreateMemoryRequest struct {
	Name        string             `json:"name" validate:"required,max=255"`
	Sensitivity models.Sensitivity `json:"sensitivity" validate:"required,oneof=public internal confidential restricted"`
}

// AddAccessRuleRequest represents a request to add a manual access rule
type AddAccessRuleRequest struct {
	PrincipalType models.PrincipalType `json:"principal_type" validate:"required,oneof=user agent team role"`
	PrincipalID   string               `json:"principal_id" validate:"required,uuid"`
	PrincipalName string               `json:"principal_name" validate:"max=255"`
	Role          models.MemoryRole    `json:"role" validate:"required,oneof=viewer user editor admin"`
	Reason        string               `json:"reason,omitempty" validate:"max=1024"`
	ExpiresAt     *time.Time           `json:"expires_at,omitempty"`
}

// MemoryHandler handles memory instance and access rule HTTP requests
type MemoryHandler struct {
	service *memory.Service
	logger  *zap.Logger
}

// NewMemoryHandler creates a new MemoryHandler
func NewMemoryHandler(service *memory.Service, logger *zap.Logger) *MemoryHandler {
	return &MemoryHandler{
		service: service,
		logger:  logger,
	}
}

// HandleCreate handles POST /api/v1/memories
func (h *MemoryHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateMemoryRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	instance, err := h.service.Create(r.Context(), req.Name, req.Sensitivity, actorFrom(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteCreated(w, instance)
}

// HandleList handles GET /api/v1/memories
func (h *MemoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	instances, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, map[string]interface{}{
		"memories": instances,
		"count":    len(instances),
	})
}

// HandleGet handles GET /api/v1/memories/{id}
func (h *MemoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	instance, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, instance)
}

// HandleDelete handles DELETE /api/v1/memories/{id}
func (h *MemoryHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteNoContent(w)
}

// HandleAddAccessRule handles POST /api/v1/memories/{id}/access
func (h *MemoryHandler) HandleAddAccessRule(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req AddAccessRuleRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	principalID, err := utils.ParseUUIDParam(req.PrincipalID)
	if err != nil {
		utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	rule, err := h.service.AddAccessRule(r.Context(), actorFrom(r), id, memory.AccessRuleInput{
		PrincipalType: req.PrincipalType,
		PrincipalID:   principalID,
		PrincipalName: req.PrincipalName,
		Role:          req.Role,
		Reason:        req.Reason,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteCreated(w, rule)
}

// HandleRemoveAccessRule handles DELETE /api/v1/memories/{id}/access/{ruleId}
func (h *MemoryHandler) HandleRemoveAccessRule(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	ruleID, ok := urlUUID(w, r, "ruleId")
	if !ok {
		return
	}

	if err := h.service.RemoveAccessRule(r.Context(), actorFrom(r), id, ruleID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteNoContent(w)
}

// HandleListAccessRules handles GET /api/v1/memories/{id}/access. With
// ?effective=true only rules currently in force are returned.
func (h *MemoryHandler) HandleListAccessRules(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var rules []*models.MemoryAccessRule
	var err error
	if r.URL.Query().Get("effective") == "true" {
		rules, err = h.service.ListEffectiveRules(r.Context(), id)
	} else {
		rules, err = h.service.ListAccessRules(r.Context(), id)
	}
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// HandleListEffectiveRules handles GET /api/v1/memories/{id}/access/effective
func (h *MemoryHandler) HandleListEffectiveRules(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	rules, err := h.service.ListEffectiveRules(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// HandleCheckAccess handles GET /api/v1/memories/{id}/access/check
func (h *MemoryHandler) HandleCheckAccess(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	principalID, err := utils.ParseUUIDParam(r.URL.Query().Get("principal_id"))
	if err != nil {
		utils.WriteBadRequest(w, "principal_id must be a valid UUID", nil)
		return
	}

	role := models.MemoryRole(r.URL.Query().Get("role"))
	if role == "" {
		role = models.MemoryRoleViewer
	}

	allowed, err := h.service.CheckAccess(r.Context(), id, principalID, role)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, map[string]interface{}{
		"memory_id":    id,
		"principal_id": principalID,
		"role":         role,
		"allowed":      allowed,
	})
}
