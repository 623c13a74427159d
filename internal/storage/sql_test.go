package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

func newSQLite(t *testing.T) *SQLStorage {
	t.Helper()
	s, err := NewSQLiteStorage(context.Background(), config.StorageConfig{
		SQLitePath: filepath.Join(t.TempDir(), "harvest.db"),
		TableName:  "talkwalker_records",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStorage_StoreRecords(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.StoreRecords(ctx, sampleRecords()))
	// upserts replace the earlier copy
	updated := sampleRecords()[:1]
	updated[0].Body = "edited"
	require.NoError(t, s.StoreRecords(ctx, updated))
	require.NoError(t, s.StoreRecords(ctx, nil))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM talkwalker_records`).Scan(&count))
	assert.Equal(t, 3, count)

	var record string
	var published int64
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT record, published FROM talkwalker_records WHERE id = ?`, "1").Scan(&record, &published))
	assert.Contains(t, record, `"body":"edited"`)
	assert.Equal(t, int64(1700000000), published)
}

func TestSQLiteStorage_RunStatus(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	missing, err := s.GetRunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	started := time.Date(2023, 11, 15, 10, 0, 0, 0, time.UTC)
	status := models.RunStatus{RunID: "run-1", TopicID: "t1", ProjectID: "p1", StartedAt: started, Status: models.RunStatusRunning}
	require.NoError(t, s.UpdateRunStatus(ctx, status))

	status.Status = models.RunStatusSuccess
	status.Ledger = models.LedgerSnapshot{TotalSaved: 5, LatestErrors: []string{}}
	require.NoError(t, s.UpdateRunStatus(ctx, status))

	got, err := s.GetRunStatus(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.RunStatusSuccess, got.Status)
	assert.Equal(t, int64(5), got.Ledger.TotalSaved)
	assert.True(t, started.Equal(got.StartedAt))
}

func TestPostgresDialect(t *testing.T) {
	q := postgresDialect.upsertRecord("talkwalker_records")
	assert.Contains(t, q, "VALUES ($1, $2, $3, $4, $5, $6)")
	assert.Contains(t, q, "ON CONFLICT (id) DO UPDATE")
	assert.Equal(t, "SELECT data FROM talkwalker_records_runs WHERE run_id = $1", postgresDialect.selectRun("talkwalker_records"))
	assert.Contains(t, postgresDialect.schema("talkwalker_records")[0], "record JSONB NOT NULL")
	assert.Contains(t, sqliteDialect.upsertRun("x"), "VALUES (?, ?, ?, ?)")
}
