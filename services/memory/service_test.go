package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"github.com/upb/agent-governance/services"
	"github.com/upb/agent-governance/services/ceiling"
	"go.uber.org/zap"
)

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
	if mem := args.Get(0); mem != nil {
		return mem.(*models.MemoryInstance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMemoryRepository) List(ctx context.Context, limit, offset int) ([]*models.MemoryInstance, error) {
	args := m.Called(ctx, limit, offset)
	if mem := args.Get(0); mem != nil {
		return mem.([]*models.MemoryInstance), args.Error(1)
	}
	return nil, args.Error(1)
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
	if r := args.Get(0); r != nil {
		return r.(*models.MemoryAccessRule), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMemoryRepository) ListAccessRules(ctx context.Context, memoryID uuid.UUID) ([]*models.MemoryAccessRule, error) {
	args := m.Called(ctx, memoryID)
	if r := args.Get(0); r != nil {
		return r.([]*models.MemoryAccessRule), args.Error(1)
	}
	return nil, args.Error(1)
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
	args := m.Called(tx)
	return args.Get(0).(repositories.MemoryRepository)
}

func newService(repo repositories.MemoryRepository) *Service {
	return NewService(repo, ceiling.NewChecker(nil), nil, zap.NewNop())
}

func TestCreate(t *testing.T) {
	repo := new(MockMemoryRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	service := newService(repo)

	memory, err := service.Create(context.Background(), "quarterly-reports", models.SensitivityConfidential, "alice")
	require.NoError(t, err)
	assert.Equal(t, "quarterly-reports", memory.Name)
	assert.Equal(t, models.SensitivityConfidential, memory.Sensitivity)
}

func TestCreate_InvalidSensitivity(t *testing.T) {
	service := newService(new(MockMemoryRepository))

	_, err := service.Create(context.Background(), "m", models.Sensitivity("top-secret"), "alice")
	assert.True(t, errors.Is(err, services.ErrInvalidSensitivity))
}

func TestAddAccessRule_Manual(t *testing.T) {
	memory := models.NewMemoryInstance("notes", models.SensitivityInternal, "alice")

	repo := new(MockMemoryRepository)
	repo.On("GetByID", mock.Anything, memory.ID).Return(memory, nil)
	repo.On("AddAccessRule", mock.Anything, mock.Anything).Return(nil)

	service := newService(repo)

	rule, err := service.AddAccessRule(context.Background(), "alice", memory.ID, AccessRuleInput{
		PrincipalType: models.PrincipalTeam,
		PrincipalID:   uuid.New(),
		PrincipalName: "platform-team",
		Role:          models.MemoryRoleEditor,
	})
	require.NoError(t, err)
	assert.Equal(t, models.GrantTypeManual, rule.GrantType)
	assert.Equal(t, "alice", rule.GrantedBy)
}

func TestAddAccessRule_CeilingRejectsTeamOnRestricted(t *testing.T) {
	memory := models.NewMemoryInstance("incident-data", models.SensitivityRestricted, "alice")

	repo := new(MockMemoryRepository)
	repo.On("GetByID", mock.Anything, memory.ID).Return(memory, nil)

	service := newService(repo)

	_, err := service.AddAccessRule(context.Background(), "alice", memory.ID, AccessRuleInput{
		PrincipalType: models.PrincipalTeam,
		PrincipalID:   uuid.New(),
		PrincipalName: "platform-team",
		Role:          models.MemoryRoleViewer,
	})
	require.Error(t, err)
	assert.True(t, services.IsCeilingViolation(err))
	assert.Contains(t, ceiling.Reason(err), "Restricted")
	repo.AssertNotCalled(t, "AddAccessRule")
}

func TestAddAccessRule_CeilingRejectsRoleOnConfidential(t *testing.T) {
	memory := models.NewMemoryInstance("finance", models.SensitivityConfidential, "alice")

	repo := new(MockMemoryRepository)
	repo.On("GetByID", mock.Anything, memory.ID).Return(memory, nil)

	service := newService(repo)

	_, err := service.AddAccessRule(context.Background(), "alice", memory.ID, AccessRuleInput{
		PrincipalType: models.PrincipalRole,
		PrincipalID:   uuid.New(),
		PrincipalName: "finance-analysts",
		Role:          models.MemoryRoleViewer,
	})
	assert.True(t, services.IsCeilingViolation(err))
	repo.AssertNotCalled(t, "AddAccessRule")
}

func TestAddAccessRule_InvalidRole(t *testing.T) {
	service := newService(new(MockMemoryRepository))

	_, err := service.AddAccessRule(context.Background(), "alice", uuid.New(), AccessRuleInput{
		PrincipalType: models.PrincipalUser,
		PrincipalID:   uuid.New(),
		Role:          models.MemoryRole("owner"),
	})
	assert.True(t, errors.Is(err, services.ErrInvalidMemoryRole))
}

func TestRemoveAccessRule_PolicyRuleRefused(t *testing.T) {
	memoryID := uuid.New()
	grantID := uuid.New()
	rule := &models.MemoryAccessRule{
		ID:        uuid.New(),
		MemoryID:  memoryID,
		GrantType: models.GrantTypePolicy,
		GrantID:   &grantID,
	}

	repo := new(MockMemoryRepository)
	repo.On("GetAccessRule", mock.Anything, rule.ID).Return(rule, nil)

	service := newService(repo)

	err := service.RemoveAccessRule(context.Background(), "alice", memoryID, rule.ID)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
	repo.AssertNotCalled(t, "RemoveAccessRule")
}

func TestRemoveAccessRule_WrongMemory(t *testing.T) {
	rule := &models.MemoryAccessRule{
		ID:        uuid.New(),
		MemoryID:  uuid.New(),
		GrantType: models.GrantTypeManual,
	}

	repo := new(MockMemoryRepository)
	repo.On("GetAccessRule", mock.Anything, rule.ID).Return(rule, nil)

	service := newService(repo)

	err := service.RemoveAccessRule(context.Background(), "alice", uuid.New(), rule.ID)
	assert.True(t, errors.Is(err, services.ErrAccessRuleNotFound))
}

func accessRule(memoryID, principalID uuid.UUID, role models.MemoryRole) *models.MemoryAccessRule {
	return &models.MemoryAccessRule{
		ID:            uuid.New(),
		MemoryID:      memoryID,
		PrincipalType: models.PrincipalAgent,
		PrincipalID:   principalID,
		Role:          role,
		GrantType:     models.GrantTypeManual,
		GrantedAt:     time.Now(),
	}
}

func TestCheckAccess(t *testing.T) {
	memory := models.NewMemoryInstance("notes", models.SensitivityInternal, "alice")
	principalID := uuid.New()

	editor := accessRule(memory.ID, principalID, models.MemoryRoleEditor)

	expired := accessRule(memory.ID, uuid.New(), models.MemoryRoleAdmin)
	past := time.Now().Add(-time.Hour)
	expired.ExpiresAt = &past

	revoked := accessRule(memory.ID, uuid.New(), models.MemoryRoleAdmin)
	revokedAt := time.Now().Add(-time.Minute)
	revoked.RevokedAt = &revokedAt

	repo := new(MockMemoryRepository)
	repo.On("GetByID", mock.Anything, memory.ID).Return(memory, nil)
	repo.On("ListAccessRules", mock.Anything, memory.ID).Return([]*models.MemoryAccessRule{editor, expired, revoked}, nil)

	service := newService(repo)

	tests := []struct {
		name      string
		principal uuid.UUID
		required  models.MemoryRole
		want      bool
	}{
		{"editor meets viewer requirement", principalID, models.MemoryRoleViewer, true},
		{"editor meets editor requirement", principalID, models.MemoryRoleEditor, true},
		{"editor fails admin requirement", principalID, models.MemoryRoleAdmin, false},
		{"expired rule confers nothing", expired.PrincipalID, models.MemoryRoleViewer, false},
		{"revoked rule confers nothing", revoked.PrincipalID, models.MemoryRoleViewer, false},
		{"unknown principal has no access", uuid.New(), models.MemoryRoleViewer, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := service.CheckAccess(context.Background(), memory.ID, tt.principal, tt.required)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestListEffectiveRules(t *testing.T) {
	memory := models.NewMemoryInstance("notes", models.SensitivityInternal, "alice")

	live := accessRule(memory.ID, uuid.New(), models.MemoryRoleViewer)
	expired := accessRule(memory.ID, uuid.New(), models.MemoryRoleViewer)
	past := time.Now().Add(-time.Hour)
	expired.ExpiresAt = &past

	repo := new(MockMemoryRepository)
	repo.On("GetByID", mock.Anything, memory.ID).Return(memory, nil)
	repo.On("ListAccessRules", mock.Anything, memory.ID).Return([]*models.MemoryAccessRule{live, expired}, nil)

	service := newService(repo)

	effective, err := service.ListEffectiveRules(context.Background(), memory.ID)
	require.NoError(t, err)
	require.Len(t, effective, 1)
	assert.Equal(t, live.ID, effective[0].ID)
}

func TestGet_NotFound(t *testing.T) {
	repo := new(MockMemoryRepository)
	repo.On("GetByID", mock.Anything, mock.Anything).Return(nil, repositories.ErrNotFound)

	service := newService(repo)

	_, err := service.Get(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, services.ErrMemoryNotFound))
}
