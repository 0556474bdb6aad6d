package handlers

import (
	"net/http"

	"github.com/upb/agent-governance/middleware"
	"github.com/upb/agent-governance/services/policy"
	"github.com/upb/agent-governance/utils"
	"go.uber.org/zap"
)

// EvaluateRequest represents a stateless policy evaluation request. Unlike a
// grant request it resolves a decision without persisting anything beyond the
// audit trail.
type EvaluateRequest struct {
	Actor         string              `json:"actor" validate:"max=255"`
	ActorID       string              `json:"actor_id,omitempty" validate:"omitempty,uuid"`
	AccountID     string              `json:"account_id" validate:"required,uuid"`
	AgentID       string              `json:"agent_id,omitempty" validate:"omitempty,uuid"`
	Permissions   []string            `json:"permissions" validate:"required,min=1"`
	PrincipalRole string              `json:"principal_role,omitempty"`
	Target        TargetRequest       `json:"target" validate:"required"`
	Scopes        ScopeChainRequest   `json:"scopes"`
	Metrics       map[string]float64  `json:"metrics,omitempty"`
}

// AccessHandler handles direct policy evaluation requests
type AccessHandler struct {
	evaluator *policy.Evaluator
	logger    *zap.Logger
}

// NewAccessHandler creates a new AccessHandler
func NewAccessHandler(evaluator *policy.Evaluator, logger *zap.Logger) *AccessHandler {
	return &AccessHandler{
		evaluator: evaluator,
		logger:    logger,
	}
}

// HandleEvaluate handles POST /api/v1/access/evaluate
func (h *AccessHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	eval, err := evaluationRequestFrom(&req)
	if err != nil {
		utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	if eval.Actor == "" {
		eval.Actor = actorFrom(r)
	}
	eval.RequestID = middleware.GetRequestIDFromContext(r.Context())

	decision, err := h.evaluator.Evaluate(r.Context(), *eval)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, decision)
}

func evaluationRequestFrom(req *EvaluateRequest) (*policy.EvaluationRequest, error) {
	accountID, err := utils.ParseUUIDParam(req.AccountID)
	if err != nil {
		return nil, err
	}
	targetID, err := utils.ParseUUIDParam(req.Target.ID)
	if err != nil {
		return nil, err
	}

	eval := &policy.EvaluationRequest{
		Actor:         req.Actor,
		AccountID:     accountID,
		Permissions:   req.Permissions,
		PrincipalRole: req.PrincipalRole,
		Target: policy.TargetRef{
			Type:        req.Target.Type,
			ID:          targetID,
			Sensitivity: req.Target.Sensitivity,
		},
		Metrics: req.Metrics,
	}

	if req.ActorID != "" {
		id, err := utils.ParseUUIDParam(req.ActorID)
		if err != nil {
			return nil, err
		}
		eval.ActorID = id
	}
	if req.AgentID != "" {
		id, err := utils.ParseUUIDParam(req.AgentID)
		if err != nil {
			return nil, err
		}
		eval.AgentID = id
	}

	scopes, err := scopeChainFrom(&req.Scopes)
	if err != nil {
		return nil, err
	}
	eval.Scopes = scopes

	return eval, nil
}
