package insight

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

func strPtr(s string) *string { return &s }

func TestDedupKey(t *testing.T) {
	created := time.Date(2026, 1, 10, 12, 34, 56, 0, time.UTC)

	base := func() *models.Insight {
		return &models.Insight{
			Category:    models.CategoryAnomaly,
			ContainerID: strPtr("c1"),
			Title:       "High CPU on web",
			CreatedAt:   created,
		}
	}

	t.Run("stable within the hour", func(t *testing.T) {
		a := base()
		b := base()
		b.CreatedAt = created.Add(20 * time.Minute)
		assert.Equal(t, DedupKey(a), DedupKey(b))
	})

	t.Run("hour bucket separates keys", func(t *testing.T) {
		a := base()
		b := base()
		b.CreatedAt = created.Add(time.Hour)
		assert.NotEqual(t, DedupKey(a), DedupKey(b))
	})

	t.Run("title truncated to prefix", func(t *testing.T) {
		long := base()
		long.Title = "High CPU on web with a very long suffix describing the exact reading 93.7"
		longer := base()
		longer.Title = long.Title[:40] + " different tail entirely"
		assert.Equal(t, DedupKey(long), DedupKey(longer))
	})

	t.Run("container and category separate keys", func(t *testing.T) {
		a := base()
		b := base()
		b.ContainerID = strPtr("c2")
		assert.NotEqual(t, DedupKey(a), DedupKey(b))

		c := base()
		c.Category = models.SecurityCategoryPrefix
		assert.NotEqual(t, DedupKey(a), DedupKey(c))
	})

	t.Run("nil container id allowed", func(t *testing.T) {
		a := base()
		a.ContainerID = nil
		assert.Equal(t, "anomaly||High CPU on web|2026011012", DedupKey(a))
	})
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock")), mock
}

func TestInsertBatchDedup(t *testing.T) {
	store, mock := newMockStore(t)

	id1 := uuid.New()
	id3 := uuid.New()
	batch := []*models.Insight{
		{ID: id1, Category: models.CategoryAnomaly, Title: "a", CreatedAt: time.Now()},
		{Category: models.CategoryAnomaly, Title: "b", CreatedAt: time.Now()},
		{ID: id3, Category: models.CategoryAnomaly, Title: "c", CreatedAt: time.Now()},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO insights")
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id1.String()))
	// Row two hits the dedup constraint: DO NOTHING returns no row.
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}))
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id3.String()))
	mock.ExpectCommit()

	inserted, err := store.InsertBatch(context.Background(), batch)
	require.NoError(t, err)

	assert.Len(t, inserted, 2)
	assert.Contains(t, inserted, id1)
	assert.Contains(t, inserted, id3)
	// The deduplicated row's id is not in the committed set.
	assert.NotContains(t, inserted, batch[1].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	inserted, err := store.InsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchAssignsIDs(t *testing.T) {
	store, mock := newMockStore(t)

	in := &models.Insight{Category: models.CategoryPredictive, Title: "x"}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO insights")
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	_, err := store.InsertBatch(context.Background(), []*models.Insight{in})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, in.ID)
	assert.False(t, in.CreatedAt.IsZero())
}
