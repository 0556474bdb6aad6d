package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/agent-governance/middleware"
	"github.com/upb/agent-governance/utils"
	"go.uber.org/zap"
)

// decodeBody decodes and validates a JSON request body. Returns false after
// writing the error response when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Warn("failed to parse request body",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		logger.Warn("request validation failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		HandleValidationError(w, err, logger)
		return false
	}
	return true
}

// urlUUID parses the named chi URL parameter as a UUID. Returns false after
// writing the error response when it is malformed.
func urlUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := utils.ParseUUIDParam(chi.URLParam(r, name))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid "+name+" format", nil)
		return uuid.Nil, false
	}
	return id, true
}

// actorFrom resolves the acting principal's display name from the request's
// claims, falling back to the subject.
func actorFrom(r *http.Request) string {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		return "anonymous"
	}
	if claims.Name != "" {
		return claims.Name
	}
	return claims.Sub
}
