package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborwatch/harborwatch/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock")), mock
}

func actionRow(id uuid.UUID, status models.ActionStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "insight_id", "endpoint_id", "container_id", "container_name",
		"action_type", "rationale", "status", "approved_by", "approved_at",
		"rejected_by", "rejected_at", "rejection_reason", "executed_at",
		"completed_at", "execution_result", "execution_duration_ms", "created_at",
	}).AddRow(
		id.String(), nil, 1, "c1", "web",
		string(models.ActionRestartContainer), "high cpu", string(status), nil, nil,
		nil, nil, nil, nil,
		nil, nil, nil, time.Now(),
	)
}

func TestApprove(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	t.Run("pending row transitions", func(t *testing.T) {
		mock.ExpectExec("UPDATE actions").
			WithArgs(id, "alice").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT (.+) FROM actions WHERE id").
			WithArgs(id).
			WillReturnRows(actionRow(id, models.ActionApproved))

		action, err := store.Approve(context.Background(), id, "alice")
		require.NoError(t, err)
		assert.Equal(t, models.ActionApproved, action.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-pending row conflicts with current status", func(t *testing.T) {
		mock.ExpectExec("UPDATE actions").
			WithArgs(id, "alice").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM actions WHERE id").
			WithArgs(id).
			WillReturnRows(actionRow(id, models.ActionRejected))

		_, err := store.Approve(context.Background(), id, "alice")
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, id, conflict.ActionID)
		assert.Equal(t, models.ActionRejected, conflict.CurrentStatus)
		assert.Equal(t, models.ActionApproved, conflict.Wanted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row reports not found", func(t *testing.T) {
		mock.ExpectExec("UPDATE actions").
			WithArgs(id, "alice").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM actions WHERE id").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := store.Approve(context.Background(), id, "alice")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMarkExecutingRequiresApproved(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE actions").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM actions WHERE id").
		WithArgs(id).
		WillReturnRows(actionRow(id, models.ActionPending))

	_, err := store.MarkExecuting(context.Background(), id)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.ActionPending, conflict.CurrentStatus)
	assert.Equal(t, models.ActionExecuting, conflict.Wanted)
}

func TestCreateAssignsPendingState(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO actions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	a := &models.Action{
		EndpointID:    1,
		ContainerID:   "c1",
		ContainerName: "web",
		ActionType:    models.ActionRestartContainer,
		Rationale:     "high cpu",
	}
	require.NoError(t, store.Create(context.Background(), a))

	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, models.ActionPending, a.Status)
	assert.False(t, a.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}
