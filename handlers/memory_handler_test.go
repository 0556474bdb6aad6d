package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/services/ceiling"
	"github.com/upb/agent-governance/services/memory"
	"go.uber.org/zap"
)

func newMemoryHandler(repo *MockMemoryRepository) *MemoryHandler {
	service := memory.NewService(repo, ceiling.NewChecker(nil), nil, zap.NewNop())
	return NewMemoryHandler(service, zap.NewNop())
}

func accessRuleBody(t *testing.T, principalType models.PrincipalType, role models.MemoryRole) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(AddAccessRuleRequest{
		PrincipalType: principalType,
		PrincipalID:   uuid.NewString(),
		PrincipalName: "research-agent",
		Role:          role,
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestHandleCreateMemory(t *testing.T) {
	t.Run("creates a memory instance", func(t *testing.T) {
		repo := new(MockMemoryRepository)
		handler := newMemoryHandler(repo)

		repo.On("Create", mock.Anything, mock.MatchedBy(func(m *models.MemoryInstance) bool {
			return m.Name == "shared-context" && m.Sensitivity == models.SensitivityInternal
		})).Return(nil)

		body := bytes.NewBufferString(`{"name": "shared-context", "sensitivity": "internal"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/memories", body)
		w := httptest.NewRecorder()

		handler.HandleCreate(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		repo.AssertExpectations(t)
	})

	t.Run("rejects an unknown sensitivity", func(t *testing.T) {
		handler := newMemoryHandler(new(MockMemoryRepository))

		body := bytes.NewBufferString(`{"name": "shared-context", "sensitivity": "secret"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/memories", body)
		w := httptest.NewRecorder()

		handler.HandleCreate(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleAddAccessRule(t *testing.T) {
	newMemory := func(sensitivity models.Sensitivity) *models.MemoryInstance {
		return &models.MemoryInstance{
			ID:          uuid.New(),
			Name:        "shared-context",
			Sensitivity: sensitivity,
			CreatedAt:   time.Now(),
		}
	}

	t.Run("adds a manual rule within the ceiling", func(t *testing.T) {
		repo := new(MockMemoryRepository)
		handler := newMemoryHandler(repo)

		instance := newMemory(models.SensitivityInternal)
		repo.On("GetByID", mock.Anything, instance.ID).Return(instance, nil)
		repo.On("AddAccessRule", mock.Anything, mock.MatchedBy(func(r *models.MemoryAccessRule) bool {
			return r.MemoryID == instance.ID && r.GrantType == models.GrantTypeManual
		})).Return(nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/memories/"+instance.ID.String()+"/access",
			accessRuleBody(t, models.PrincipalTeam, models.MemoryRoleViewer))
		req = withURLParam(req, "id", instance.ID.String())
		w := httptest.NewRecorder()

		handler.HandleAddAccessRule(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		repo.AssertExpectations(t)
	})

	t.Run("ceiling rejects a team principal on restricted memory", func(t *testing.T) {
		repo := new(MockMemoryRepository)
		handler := newMemoryHandler(repo)

		instance := newMemory(models.SensitivityRestricted)
		repo.On("GetByID", mock.Anything, instance.ID).Return(instance, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/memories/"+instance.ID.String()+"/access",
			accessRuleBody(t, models.PrincipalTeam, models.MemoryRoleViewer))
		req = withURLParam(req, "id", instance.ID.String())
		w := httptest.NewRecorder()

		handler.HandleAddAccessRule(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		response := decodeErrorBody(t, w)
		assert.Equal(t, "ceiling_violation", response["error"])
		repo.AssertNotCalled(t, "AddAccessRule", mock.Anything, mock.Anything)
	})

	t.Run("rejects an unknown role", func(t *testing.T) {
		handler := newMemoryHandler(new(MockMemoryRepository))

		id := uuid.New()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/memories/"+id.String()+"/access",
			accessRuleBody(t, models.PrincipalUser, "owner"))
		req = withURLParam(req, "id", id.String())
		w := httptest.NewRecorder()

		handler.HandleAddAccessRule(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleRemoveAccessRule(t *testing.T) {
	t.Run("refuses to remove a policy-created rule", func(t *testing.T) {
		repo := new(MockMemoryRepository)
		handler := newMemoryHandler(repo)

		memoryID := uuid.New()
		grantID := uuid.New()
		rule := &models.MemoryAccessRule{
			ID:        uuid.New(),
			MemoryID:  memoryID,
			GrantType: models.GrantTypePolicy,
			GrantID:   &grantID,
		}

		repo.On("GetAccessRule", mock.Anything, rule.ID).Return(rule, nil)

		req := httptest.NewRequest(http.MethodDelete, "/api/v1/memories/"+memoryID.String()+"/access/"+rule.ID.String(), nil)
		req = withURLParam(req, "id", memoryID.String())
		req = withURLParam(req, "ruleId", rule.ID.String())
		w := httptest.NewRecorder()

		handler.HandleRemoveAccessRule(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		repo.AssertNotCalled(t, "RemoveAccessRule", mock.Anything, mock.Anything)
	})
}

func TestHandleListEffectiveRules(t *testing.T) {
	t.Run("omits revoked rules", func(t *testing.T) {
		repo := new(MockMemoryRepository)
		handler := newMemoryHandler(repo)

		memoryID := uuid.New()
		now := time.Now()
		revokedAt := now.Add(-time.Hour)

		repo.On("GetByID", mock.Anything, memoryID).Return(&models.MemoryInstance{
			ID:          memoryID,
			Name:        "shared-context",
			Sensitivity: models.SensitivityInternal,
		}, nil)
		repo.On("ListAccessRules", mock.Anything, memoryID).Return([]*models.MemoryAccessRule{
			{
				ID:          uuid.New(),
				MemoryID:    memoryID,
				PrincipalID: uuid.New(),
				Role:        models.MemoryRoleViewer,
				GrantType:   models.GrantTypeManual,
				GrantedAt:   now,
			},
			{
				ID:          uuid.New(),
				MemoryID:    memoryID,
				PrincipalID: uuid.New(),
				Role:        models.MemoryRoleEditor,
				GrantType:   models.GrantTypePolicy,
				GrantedAt:   now.Add(-2 * time.Hour),
				RevokedAt:   &revokedAt,
			},
		}, nil)

		target := "/api/v1/memories/" + memoryID.String() + "/access/effective"
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req = withURLParam(req, "id", memoryID.String())
		w := httptest.NewRecorder()

		handler.HandleListEffectiveRules(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, float64(1), data["count"])
	})
}

func TestHandleCheckAccess(t *testing.T) {
	t.Run("reports whether the principal holds the role", func(t *testing.T) {
		repo := new(MockMemoryRepository)
		handler := newMemoryHandler(repo)

		memoryID := uuid.New()
		principalID := uuid.New()
		now := time.Now()

		repo.On("GetByID", mock.Anything, memoryID).Return(&models.MemoryInstance{
			ID:          memoryID,
			Name:        "shared-context",
			Sensitivity: models.SensitivityInternal,
		}, nil)
		repo.On("ListAccessRules", mock.Anything, memoryID).Return([]*models.MemoryAccessRule{
			{
				ID:          uuid.New(),
				MemoryID:    memoryID,
				PrincipalID: principalID,
				Role:        models.MemoryRoleEditor,
				GrantType:   models.GrantTypeManual,
				GrantedAt:   now,
			},
		}, nil)

		target := "/api/v1/memories/" + memoryID.String() + "/access/check?principal_id=" + principalID.String() + "&role=editor"
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req = withURLParam(req, "id", memoryID.String())
		w := httptest.NewRecorder()

		handler.HandleCheckAccess(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, true, data["allowed"])
	})
}
