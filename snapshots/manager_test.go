package snapshots

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.SetupModels(db))
	return db
}

func TestCreateAndLatest(t *testing.T) {
	m := NewManager(newTestDB(t), nil)
	ctx := context.Background()

	snap, err := m.Create(ctx, "A1", []byte(`{"balance":100}`), 3)
	require.NoError(t, err)
	require.Equal(t, 3, snap.Version)
	require.NotEmpty(t, snap.SnapshotID)

	_, err = m.Create(ctx, "A1", []byte(`{"balance":150}`), 6)
	require.NoError(t, err)

	latest, err := m.Latest(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, 6, latest.Version)
	require.JSONEq(t, `{"balance":150}`, string(latest.State))
}

func TestCreateRejectsStaleSnapshot(t *testing.T) {
	m := NewManager(newTestDB(t), nil)
	ctx := context.Background()

	_, err := m.Create(ctx, "A1", []byte(`{"balance":150}`), 6)
	require.NoError(t, err)

	_, err = m.Create(ctx, "A1", []byte(`{"balance":100}`), 3)
	require.ErrorIs(t, err, domain.ErrStaleSnapshot)

	// Equal version is an idempotent retry, not a regression
	_, err = m.Create(ctx, "A1", []byte(`{"balance":150}`), 6)
	require.NoError(t, err)
}

func TestCreateValidation(t *testing.T) {
	m := NewManager(newTestDB(t), nil)
	ctx := context.Background()

	_, err := m.Create(ctx, "", []byte(`{}`), 1)
	require.True(t, domain.IsValidation(err))

	_, err = m.Create(ctx, "A1", []byte(`{}`), 0)
	require.True(t, domain.IsValidation(err))
}

func TestLatestWithoutSnapshots(t *testing.T) {
	m := NewManager(newTestDB(t), nil)

	latest, err := m.Latest(context.Background(), "A1")
	require.NoError(t, err)
	require.Nil(t, latest)
}

func TestSnapshotsAreIsolatedPerAggregate(t *testing.T) {
	m := NewManager(newTestDB(t), nil)
	ctx := context.Background()

	_, err := m.Create(ctx, "A1", []byte(`{"balance":100}`), 5)
	require.NoError(t, err)
	_, err = m.Create(ctx, "A2", []byte(`{"balance":900}`), 2)
	require.NoError(t, err)

	latest, err := m.Latest(ctx, "A2")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
	require.JSONEq(t, `{"balance":900}`, string(latest.State))
}
