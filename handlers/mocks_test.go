package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/agent-governance/middleware"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
)

// MockPolicyRepository is a mock implementation of PolicyRepository
type MockPolicyRepository struct {
	mock.Mock
}

func (m *MockPolicyRepository) Create(ctx context.Context, policy *models.Policy) error {
	args := m.Called(ctx, policy)
	return args.Error(0)
}

func (m *MockPolicyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Policy), args.Error(1)
}

func (m *MockPolicyRepository) GetByCode(ctx context.Context, code string) (*models.Policy, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Policy), args.Error(1)
}

func (m *MockPolicyRepository) List(ctx context.Context, filter repositories.PolicyFilter) ([]*models.Policy, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Policy), args.Error(1)
}

func (m *MockPolicyRepository) GetAttachedActive(ctx context.Context, targetType models.TargetType, targetID uuid.UUID) ([]*models.Policy, error) {
	args := m.Called(ctx, targetType, targetID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Policy), args.Error(1)
}

func (m *MockPolicyRepository) Update(ctx context.Context, policy *models.Policy) error {
	args := m.Called(ctx, policy)
	return args.Error(0)
}

func (m *MockPolicyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPolicyRepository) AddAttachment(ctx context.Context, attachment *models.PolicyAttachment) error {
	args := m.Called(ctx, attachment)
	return args.Error(0)
}

func (m *MockPolicyRepository) RemoveAttachment(ctx context.Context, attachmentID uuid.UUID) error {
	args := m.Called(ctx, attachmentID)
	return args.Error(0)
}

func (m *MockPolicyRepository) WithTx(tx repositories.Transaction) repositories.PolicyRepository {
	return m
}

// MockGrantRepository is a mock implementation of GrantRepository
type MockGrantRepository struct {
	mock.Mock
}

func (m *MockGrantRepository) Create(ctx context.Context, grant *models.JitGrant) error {
	args := m.Called(ctx, grant)
	return args.Error(0)
}

func (m *MockGrantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.JitGrant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.JitGrant), args.Error(1)
}

func (m *MockGrantRepository) List(ctx context.Context, filter repositories.GrantFilter) ([]*models.JitGrant, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.JitGrant), args.Error(1)
}

func (m *MockGrantRepository) ListDueForExpiry(ctx context.Context, asOf time.Time, limit int) ([]*models.JitGrant, error) {
	args := m.Called(ctx, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.JitGrant), args.Error(1)
}

func (m *MockGrantRepository) UpdateWithVersion(ctx context.Context, grant *models.JitGrant, expectedVersion int) error {
	args := m.Called(ctx, grant, expectedVersion)
	return args.Error(0)
}

func (m *MockGrantRepository) WithTx(tx repositories.Transaction) repositories.GrantRepository {
	return m
}

// MockMemoryRepository is a mock implementation of MemoryRepository
type MockMemoryRepository struct {
	mock.Mock
}

func (m *MockMemoryRepository) Create(ctx context.Context, memory *models.MemoryInstance) error {
	args := m.Called(ctx, memory)
	return args.Error(0)
}

func (m *MockMemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.MemoryInstance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MemoryInstance), args.Error(1)
}

func (m *MockMemoryRepository) List(ctx context.Context, limit, offset int) ([]*models.MemoryInstance, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.MemoryInstance), args.Error(1)
}

func (m *MockMemoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockMemoryRepository) AddAccessRule(ctx context.Context, rule *models.MemoryAccessRule) error {
	args := m.Called(ctx, rule)
	return args.Error(0)
}

func (m *MockMemoryRepository) GetAccessRule(ctx context.Context, ruleID uuid.UUID) (*models.MemoryAccessRule, error) {
	args := m.Called(ctx, ruleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MemoryAccessRule), args.Error(1)
}

func (m *MockMemoryRepository) ListAccessRules(ctx context.Context, memoryID uuid.UUID) ([]*models.MemoryAccessRule, error) {
	args := m.Called(ctx, memoryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.MemoryAccessRule), args.Error(1)
}

func (m *MockMemoryRepository) RemoveAccessRule(ctx context.Context, ruleID uuid.UUID) error {
	args := m.Called(ctx, ruleID)
	return args.Error(0)
}

func (m *MockMemoryRepository) RevokeAccessRulesByGrant(ctx context.Context, grantID uuid.UUID, revokedAt time.Time) error {
	args := m.Called(ctx, grantID, revokedAt)
	return args.Error(0)
}

func (m *MockMemoryRepository) WithTx(tx repositories.Transaction) repositories.MemoryRepository {
	return m
}

// MockAuditRepository is a mock implementation of AuditRepository
type MockAuditRepository struct {
	mock.Mock
}

func (m *MockAuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockAuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEntry, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuditEntry), args.Error(1)
}

func (m *MockAuditRepository) List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditEntry, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AuditEntry), args.Error(1)
}

func (m *MockAuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	return m
}

// decodeData unwraps the data envelope from a success response
func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	data, ok := response["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object")
	return data
}

// decodeErrorBody unwraps an error response
func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

// withURLParam binds a chi URL parameter onto the request context
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// withClaims attaches authenticated claims onto the request context
func withClaims(r *http.Request, claims *middleware.Claims) *http.Request {
	return r.WithContext(middleware.WithClaims(r.Context(), claims))
}
