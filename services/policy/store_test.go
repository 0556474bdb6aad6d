package policy

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
	"go.uber.org/zap"
)

func newStore(repo repositories.PolicyRepository) *Store {
	return NewStore(repo, nil, NewPolicyCache(100, time.Minute), nil, zap.NewNop())
}

type countingTx struct{ ctx context.Context }

func (t *countingTx) Commit() error            { return nil }
func (t *countingTx) Rollback() error          { return nil }
func (t *countingTx) Context() context.Context { return t.ctx }

type countingTxManager struct{ runs int }

func (m *countingTxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &countingTx{ctx: ctx}, nil
}

func (m *countingTxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	m.runs++
	return fn(ctx, &countingTx{ctx: ctx})
}

func TestStore_CreateRunsInTransaction(t *testing.T) {
	repo := new(MockPolicyRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	tm := &countingTxManager{}
	store := NewStore(repo, tm, NewPolicyCache(100, time.Minute), nil, zap.NewNop())

	policy := models.NewPolicy("JIT-AUTO-001", "Auto-grant internal reads", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	policy.Rules = []models.PolicyRule{{
		Condition: models.PermissionIn("data:read"),
		Effect:    models.EffectAllow,
	}}

	err := store.Create(context.Background(), "admin", policy)
	require.NoError(t, err)
	assert.Equal(t, 1, tm.runs)
}

func TestStore_CreateForcesDraft(t *testing.T) {
	repo := new(MockPolicyRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	store := newStore(repo)

	policy := models.NewPolicy("JIT-AUTO-001", "Auto-grant internal reads", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	policy.Status = models.PolicyStatusActive
	policy.Version = 7
	policy.Rules = []models.PolicyRule{{
		Condition: models.PermissionIn("data:read"),
		Effect:    models.EffectAllow,
		Priority:  10,
	}}

	err := store.Create(context.Background(), "admin", policy)
	require.NoError(t, err)

	assert.Equal(t, models.PolicyStatusDraft, policy.Status)
	assert.Equal(t, 1, policy.Version)
	assert.NotEqual(t, uuid.Nil, policy.Rules[0].ID)
	assert.Equal(t, 1, policy.Rules[0].Sequence)
	repo.AssertExpectations(t)
}

func TestStore_CreateRejectsInvalidRule(t *testing.T) {
	repo := new(MockPolicyRepository)
	store := newStore(repo)

	policy := models.NewPolicy("BAD-001", "Empty condition", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	policy.Rules = []models.PolicyRule{{
		Condition: models.RuleCondition{Kind: models.ConditionPermissionIn},
		Effect:    models.EffectAllow,
	}}

	err := store.Create(context.Background(), "admin", policy)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
	repo.AssertNotCalled(t, "Create")
}

func TestStore_ActivateRejectsUnknownConditionKind(t *testing.T) {
	policy := models.NewPolicy("BAD-002", "Unknown condition kind", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	policy.Rules = []models.PolicyRule{{
		ID:        uuid.New(),
		PolicyID:  policy.ID,
		Condition: models.RuleCondition{Kind: "bogus-kind", Values: []string{"data:read"}},
		Effect:    models.EffectAllow,
		Sequence:  1,
	}}

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)

	store := newStore(repo)

	_, err := store.Activate(context.Background(), "admin", policy.ID)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
	repo.AssertNotCalled(t, "Update")
}

func TestStore_ActivateRequiresRules(t *testing.T) {
	policy := models.NewPolicy("EMPTY-001", "No rules", models.PolicyTypeAuthorization, models.ScopeWorkspace)

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)

	store := newStore(repo)

	_, err := store.Activate(context.Background(), "admin", policy.ID)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
	repo.AssertNotCalled(t, "Update")
}

func TestStore_ActivateDraft(t *testing.T) {
	policy := models.NewPolicy("JIT-AUTO-001", "Auto-grant", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	policy.Rules = []models.PolicyRule{{
		ID:        uuid.New(),
		PolicyID:  policy.ID,
		Condition: models.PermissionIn("data:read"),
		Effect:    models.EffectAllow,
		Sequence:  1,
	}}

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)
	repo.On("Update", mock.Anything, mock.Anything).Return(nil)

	store := newStore(repo)

	activated, err := store.Activate(context.Background(), "admin", policy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PolicyStatusActive, activated.Status)
	assert.Equal(t, 2, activated.Version)
}

func TestStore_ActivateActiveIsNoOp(t *testing.T) {
	policy := models.NewPolicy("JIT-AUTO-001", "Auto-grant", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	policy.Status = models.PolicyStatusActive
	policy.Version = 3

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)

	store := newStore(repo)

	activated, err := store.Activate(context.Background(), "admin", policy.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, activated.Version)
	repo.AssertNotCalled(t, "Update")
}

func TestStore_ActivateArchivedRejected(t *testing.T) {
	policy := models.NewPolicy("OLD-001", "Archived", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	policy.Status = models.PolicyStatusArchived

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)

	store := newStore(repo)

	_, err := store.Activate(context.Background(), "admin", policy.ID)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
}

func TestStore_UpdateArchivedRejected(t *testing.T) {
	policy := models.NewPolicy("OLD-001", "Archived", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	policy.Status = models.PolicyStatusArchived

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)

	store := newStore(repo)

	_, err := store.Update(context.Background(), "admin", policy.ID, &models.Policy{Name: "renamed"})
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
	repo.AssertNotCalled(t, "Update")
}

func TestStore_UpdateActiveRevalidates(t *testing.T) {
	policy := models.NewPolicy("JIT-AUTO-001", "Auto-grant", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	policy.Status = models.PolicyStatusActive
	policy.Rules = []models.PolicyRule{{
		ID:        uuid.New(),
		PolicyID:  policy.ID,
		Condition: models.PermissionIn("data:read"),
		Effect:    models.EffectAllow,
		Sequence:  1,
	}}

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)

	store := newStore(repo)

	// stripping all rules from an active policy must be refused
	_, err := store.Update(context.Background(), "admin", policy.ID, &models.Policy{
		Name:       "renamed",
		PolicyType: policy.PolicyType,
		Scope:      policy.Scope,
	})
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
	repo.AssertNotCalled(t, "Update")
}

func TestStore_GetNotFound(t *testing.T) {
	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, mock.Anything).Return(nil, repositories.ErrNotFound)

	store := newStore(repo)

	_, err := store.Get(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, services.ErrPolicyNotFound))
}

func TestStore_ArchiveIsIdempotent(t *testing.T) {
	policy := models.NewPolicy("OLD-001", "Archived", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	policy.Status = models.PolicyStatusArchived
	policy.Version = 4

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)

	store := newStore(repo)

	archived, err := store.Archive(context.Background(), "admin", policy.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, archived.Version)
	repo.AssertNotCalled(t, "Update")
}

func TestStore_AttachInvalidatesTargetCache(t *testing.T) {
	policy := models.NewPolicy("JIT-AUTO-001", "Auto-grant", models.PolicyTypeAuthorization, models.ScopeWorkspace)
	targetID := uuid.New()

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)
	repo.On("AddAttachment", mock.Anything, mock.Anything).Return(nil)

	cache := NewPolicyCache(100, time.Minute)
	key := CacheKey{TargetType: models.TargetAgent, TargetID: targetID}
	cache.SetPolicies(key, []*models.Policy{policy})

	store := NewStore(repo, nil, cache, nil, zap.NewNop())

	attachment, err := store.Attach(context.Background(), "admin", policy.ID, models.TargetAgent, targetID)
	require.NoError(t, err)
	assert.Equal(t, policy.ID, attachment.PolicyID)
	assert.Equal(t, "admin", attachment.AttachedBy)
	assert.Nil(t, cache.GetPolicies(key))
}

func TestStore_AttachUnknownTargetType(t *testing.T) {
	policy := models.NewPolicy("JIT-AUTO-001", "Auto-grant", models.PolicyTypeAuthorization, models.ScopeWorkspace)

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)

	store := newStore(repo)

	_, err := store.Attach(context.Background(), "admin", policy.ID, models.TargetType("cluster"), uuid.New())
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
	repo.AssertNotCalled(t, "AddAttachment")
}

func TestStore_DetachUnknownAttachment(t *testing.T) {
	policy := models.NewPolicy("JIT-AUTO-001", "Auto-grant", models.PolicyTypeAuthorization, models.ScopeWorkspace)

	repo := new(MockPolicyRepository)
	repo.On("GetByID", mock.Anything, policy.ID).Return(policy, nil)

	store := newStore(repo)

	err := store.Detach(context.Background(), "admin", policy.ID, uuid.New())
	assert.True(t, errors.Is(err, services.ErrAttachmentNotFound))
	repo.AssertNotCalled(t, "RemoveAttachment")
}
