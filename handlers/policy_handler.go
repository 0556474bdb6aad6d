package handlers

import (
	"net/http"

	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"github.com/upb/agent-governance/services/policy"
	"github.com/upb/agent-governance/utils"
	"go.uber.org/zap"
)

// RuleRequest represents one rule within a policy create/update request
type RuleRequest struct {
	Description   string               `json:"description"`
	Condition     models.RuleCondition `json:"condition" validate:"required"`
	Effect        models.Effect        `json:"effect" validate:"required,oneof=allow deny require-approval escalate"`
	ApprovalChain []string             `json:"approval_chain,omitempty"`
	TTLMinutes    *int                 `json:"ttl_minutes,omitempty" validate:"omitempty,gt=0"`
	Priority      int                  `json:"priority" validate:"gte=0"`
}

// CreatePolicyRequest represents a request to create a policy
type CreatePolicyRequest struct {
	Code       string             `json:"code" validate:"required,min=3,max=64"`
	Name       string             `json:"name" validate:"required,max=255"`
	PolicyType models.PolicyType  `json:"policy_type" validate:"required,oneof=authorization access execution data-handling escalation"`
	Scope      models.PolicyScope `json:"scope" validate:"required,oneof=organization workspace team agent"`
	Rules      []RuleRequest      `json:"rules" validate:"dive"`
}

// UpdatePolicyRequest represents a request to update a policy
type UpdatePolicyRequest struct {
	Name       string             `json:"name" validate:"required,max=255"`
	PolicyType models.PolicyType  `json:"policy_type" validate:"required,oneof=authorization access execution data-handling escalation"`
	Scope      models.PolicyScope `json:"scope" validate:"required,oneof=organization workspace team agent"`
	Rules      []RuleRequest      `json:"rules" validate:"dive"`
}

// AttachPolicyRequest represents a request to attach a policy to a target
type AttachPolicyRequest struct {
	TargetType models.TargetType `json:"target_type" validate:"required,oneof=organization workspace team agent memory"`
	TargetID   string            `json:"target_id" validate:"required,uuid"`
}

// PolicyHandler handles policy-related HTTP requests
type PolicyHandler struct {
	store  *policy.Store
	logger *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(store *policy.Store, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		store:  store,
		logger: logger,
	}
}

// HandleList handles GET /api/v1/policies
func (h *PolicyHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := repositories.PolicyFilter{}

	if s := r.URL.Query().Get("type"); s != "" {
		t := models.PolicyType(s)
		filter.Type = &t
	}
	if s := r.URL.Query().Get("status"); s != "" {
		st := models.PolicyStatus(s)
		filter.Status = &st
	}

	policies, err := h.store.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, policies)
}

// HandleCreate handles POST /api/v1/policies
func (h *PolicyHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	p := models.NewPolicy(req.Code, req.Name, req.PolicyType, req.Scope)
	p.Rules = rulesFromRequest(req.Rules)

	if err := h.store.Create(r.Context(), actorFrom(r), p); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy created",
		zap.String("policy_id", p.ID.String()),
		zap.String("code", p.Code))

	_ = utils.WriteCreated(w, p)
}

// HandleGet handles GET /api/v1/policies/{id}
func (h *PolicyHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	p, err := h.store.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, p)
}

// HandleUpdate handles PUT /api/v1/policies/{id}
func (h *PolicyHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req UpdatePolicyRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	update := &models.Policy{
		Name:       req.Name,
		PolicyType: req.PolicyType,
		Scope:      req.Scope,
		Rules:      rulesFromRequest(req.Rules),
	}

	p, err := h.store.Update(r.Context(), actorFrom(r), id, update)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, p)
}

// HandleActivate handles POST /api/v1/policies/{id}/activate
func (h *PolicyHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	p, err := h.store.Activate(r.Context(), actorFrom(r), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy activated",
		zap.String("policy_id", p.ID.String()),
		zap.String("code", p.Code))

	_ = utils.WriteOK(w, p)
}

// HandleArchive handles POST /api/v1/policies/{id}/archive
func (h *PolicyHandler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	p, err := h.store.Archive(r.Context(), actorFrom(r), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, p)
}

// HandleDelete handles DELETE /api/v1/policies/{id}
func (h *PolicyHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), actorFrom(r), id); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteNoContent(w)
}

// HandleAttach handles POST /api/v1/policies/{id}/attachments
func (h *PolicyHandler) HandleAttach(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req AttachPolicyRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	targetID, err := utils.ParseUUIDParam(req.TargetID)
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid target_id format", nil)
		return
	}

	attachment, err := h.store.Attach(r.Context(), actorFrom(r), id, req.TargetType, targetID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteCreated(w, attachment)
}

// HandleDetach handles DELETE /api/v1/policies/{id}/attachments/{attachmentID}
func (h *PolicyHandler) HandleDetach(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	attachmentID, ok := urlUUID(w, r, "attachmentID")
	if !ok {
		return
	}

	if err := h.store.Detach(r.Context(), actorFrom(r), id, attachmentID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteNoContent(w)
}

func rulesFromRequest(rules []RuleRequest) []models.PolicyRule {
	out := make([]models.PolicyRule, len(rules))
	for i, r := range rules {
		out[i] = models.PolicyRule{
			Description:   r.Description,
			Condition:     r.Condition,
			Effect:        r.Effect,
			ApprovalChain: r.ApprovalChain,
			TTLMinutes:    r.TTLMinutes,
			Priority:      r.Priority,
		}
	}
	return out
}
