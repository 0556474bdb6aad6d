package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"github.com/upb/agent-governance/services/audit"
	"github.com/upb/agent-governance/utils"
	"go.uber.org/zap"
)

// AuditHandler handles audit log HTTP requests
type AuditHandler struct {
	service *audit.AuditService
	logger  *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(service *audit.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		service: service,
		logger:  logger,
	}
}

// HandleList handles GET /api/v1/audit/logs
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFrom(r)
	if err != nil {
		utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	entries, err := h.service.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// HandleGet handles GET /api/v1/audit/logs/{id}
func (h *AuditHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.WriteOK(w, entry)
}

// HandleStats handles GET /api/v1/audit/stats
func (h *AuditHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.service.GetStats()
	utils.WriteOK(w, map[string]interface{}{
		"buffer_size":    stats.BufferSize,
		"pending_events": stats.PendingEvents,
		"worker_count":   stats.WorkerCount,
		"started":        stats.Started,
	})
}

func auditFilterFrom(r *http.Request) (repositories.AuditFilter, error) {
	var filter repositories.AuditFilter
	q := r.URL.Query()

	filter.Actor = q.Get("actor")
	filter.TargetType = q.Get("target_type")

	if raw := q.Get("action"); raw != "" {
		action := models.AuditAction(raw)
		filter.Action = &action
	}
	if raw := q.Get("target_id"); raw != "" {
		id, err := utils.ParseUUIDParam(raw)
		if err != nil {
			return filter, err
		}
		filter.TargetID = &id
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.Since = &since
	}
	if raw := q.Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.Until = &until
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			filter.Limit = limit
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			filter.Offset = offset
		}
	}

	return filter, nil
}
