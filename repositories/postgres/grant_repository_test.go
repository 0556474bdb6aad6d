package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return &DB{DB: mockDB, logger: zap.NewNop()}, mock
}

func TestGrantRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGrantRepository(db, zap.NewNop())

	grant := models.NewJitGrant(uuid.New(), "ops-account", uuid.New(), "report-agent", []string{"memory.read"}, "quarterly report")
	grant.TargetType = models.TargetMemory
	grant.TargetID = uuid.New()
	grant.Status = models.GrantStatusActive

	mock.ExpectExec("INSERT INTO jit_grants").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), grant)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGrantRepository(db, zap.NewNop())

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM jit_grants WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(grantTestColumns()))

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGrantRepository(db, zap.NewNop())

	id := uuid.New()
	accountID := uuid.New()
	agentID := uuid.New()
	targetID := uuid.New()
	now := time.Now()
	expires := now.Add(30 * time.Minute)

	rows := sqlmock.NewRows(grantTestColumns()).
		AddRow(id, accountID, "ops-account", agentID, "report-agent",
			[]byte(`{memory.read,memory.write}`), []byte(`{"memory.read":["doc-1"]}`), "quarterly report",
			"memory", targetID, "confidential",
			"active", "finance-jit", 30, []byte(`{security-lead}`), "",
			"auto-policy", "", "",
			now, now, expires, nil, 2)

	mock.ExpectQuery("SELECT (.+) FROM jit_grants WHERE id").
		WithArgs(id).
		WillReturnRows(rows)

	grant, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, grant.ID)
	assert.Equal(t, []string{"memory.read", "memory.write"}, []string(grant.Permissions))
	assert.Equal(t, map[string][]string{"memory.read": {"doc-1"}}, grant.Scope)
	assert.Equal(t, models.GrantStatusActive, grant.Status)
	assert.Equal(t, []string{"security-lead"}, []string(grant.ApprovalChain))
	assert.Equal(t, 2, grant.Version)
	require.NotNil(t, grant.TTLMinutes)
	assert.Equal(t, 30, *grant.TTLMinutes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepository_UpdateWithVersion(t *testing.T) {
	t.Run("succeeds when version matches", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewGrantRepository(db, zap.NewNop())

		grant := models.NewJitGrant(uuid.New(), "ops", uuid.New(), "agent", []string{"memory.read"}, "r")
		grant.Status = models.GrantStatusRevoked
		grant.Version = 3

		mock.ExpectExec("UPDATE jit_grants").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.UpdateWithVersion(context.Background(), grant, 2)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns version conflict when no row matches", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewGrantRepository(db, zap.NewNop())

		grant := models.NewJitGrant(uuid.New(), "ops", uuid.New(), "agent", []string{"memory.read"}, "r")
		grant.Status = models.GrantStatusExpired
		grant.Version = 3

		mock.ExpectExec("UPDATE jit_grants").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateWithVersion(context.Background(), grant, 2)
		assert.ErrorIs(t, err, repositories.ErrVersionConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGrantRepository_ListDueForExpiry(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGrantRepository(db, zap.NewNop())

	now := time.Now()
	expired := now.Add(-5 * time.Minute)
	id := uuid.New()

	rows := sqlmock.NewRows(grantTestColumns()).
		AddRow(id, uuid.New(), "ops", uuid.New(), "agent",
			[]byte(`{memory.read}`), nil, "r",
			"memory", uuid.New(), nil,
			"active", "jit", nil, nil, "",
			"auto-policy", "", "",
			now.Add(-time.Hour), now.Add(-time.Hour), expired, nil, 1)

	mock.ExpectQuery("SELECT (.+) FROM jit_grants").
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnRows(rows)

	grants, err := repo.ListDueForExpiry(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, id, grants[0].ID)
	assert.Nil(t, grants[0].TTLMinutes)
	assert.Nil(t, grants[0].Scope)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepository_List_FiltersByStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGrantRepository(db, zap.NewNop())

	accountID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM jit_grants").
		WillReturnRows(sqlmock.NewRows(grantTestColumns()))

	grants, err := repo.List(context.Background(), repositories.GrantFilter{
		AccountID: &accountID,
		Statuses:  []models.GrantStatus{models.GrantStatusActive, models.GrantStatusPendingApproval},
		Limit:     20,
	})
	require.NoError(t, err)
	assert.Empty(t, grants)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func grantTestColumns() []string {
	return []string{
		"id", "account_id", "account_name", "agent_id", "agent_name",
		"permissions", "scope", "reason", "target_type", "target_id", "sensitivity",
		"status", "policy_name", "ttl_minutes", "approval_chain", "approved_by",
		"approval_method", "task_context", "revoke_reason",
		"requested_at", "granted_at", "expires_at", "revoked_at", "version",
	}
}
