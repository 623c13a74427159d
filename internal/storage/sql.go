package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

// dialect captures the differences between the PostgreSQL and SQLite schemas.
type dialect struct {
	driver   string
	jsonType string
	timeType string
	// bind renders the n-th (1-based) placeholder.
	bind func(n int) string
}

var (
	postgresDialect = dialect{
		driver:   "postgres",
		jsonType: "JSONB",
		timeType: "TIMESTAMPTZ",
		bind:     func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	sqliteDialect = dialect{
		driver:   "sqlite",
		jsonType: "TEXT",
		timeType: "DATETIME",
		bind:     func(int) string { return "?" },
	}
)

func (d dialect) binds(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.bind(i + 1)
	}
	return strings.Join(parts, ", ")
}

func (d dialect) schema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	external_provider TEXT NOT NULL,
	published BIGINT NOT NULL,
	source TEXT NOT NULL,
	record %s NOT NULL,
	stored_at %s NOT NULL
)`, table, d.jsonType, d.timeType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_runs (
	run_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	data %s NOT NULL,
	updated_at %s NOT NULL
)`, table, d.jsonType, d.timeType),
	}
}

func (d dialect) upsertRecord(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (id, external_provider, published, source, record, stored_at)
VALUES (%s)
ON CONFLICT (id) DO UPDATE SET
	external_provider = excluded.external_provider,
	published = excluded.published,
	source = excluded.source,
	record = excluded.record,
	stored_at = excluded.stored_at`, table, d.binds(6))
}

func (d dialect) upsertRun(table string) string {
	return fmt.Sprintf(`INSERT INTO %s_runs (run_id, status, data, updated_at)
VALUES (%s)
ON CONFLICT (run_id) DO UPDATE SET
	status = excluded.status,
	data = excluded.data,
	updated_at = excluded.updated_at`, table, d.binds(4))
}

func (d dialect) selectRun(table string) string {
	return fmt.Sprintf(`SELECT data FROM %s_runs WHERE run_id = %s`, table, d.bind(1))
}

// SQLStorage implements Storage interface on PostgreSQL or SQLite. Each
// record is stored as a JSON document next to a few indexed columns.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
	table   string
	now     func() time.Time
}

// NewPostgreSQLStorage connects to PostgreSQL and creates the tables.
func NewPostgreSQLStorage(ctx context.Context, cfg config.StorageConfig) (*SQLStorage, error) {
	return openSQL(ctx, postgresDialect, cfg.PostgresURI, cfg.TableName)
}

// NewSQLiteStorage opens (or creates) a SQLite database file.
func NewSQLiteStorage(ctx context.Context, cfg config.StorageConfig) (*SQLStorage, error) {
	return openSQL(ctx, sqliteDialect, cfg.SQLitePath, cfg.TableName)
}

func openSQL(ctx context.Context, d dialect, dsn, table string) (*SQLStorage, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.driver, err)
	}

	for _, stmt := range d.schema(table) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &SQLStorage{db: db, dialect: d, table: table, now: time.Now}, nil
}

// StoreRecords upserts all records in one transaction
func (s *SQLStorage) StoreRecords(ctx context.Context, records []models.MergedRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.upsertRecord(s.table))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	storedAt := s.now().UTC()
	for _, rec := range records {
		doc, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", rec.ExternalID, err)
		}
		_, err = stmt.ExecContext(ctx, recordKey(rec), rec.ExternalProvider, rec.Published, rec.Source, string(doc), storedAt)
		if err != nil {
			return fmt.Errorf("failed to store record %s: %w", rec.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	return nil
}

func (s *SQLStorage) UpdateRunStatus(ctx context.Context, status models.RunStatus) error {
	doc, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal run status: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsertRun(s.table), status.RunID, status.Status, string(doc), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store run status %s: %w", status.RunID, err)
	}
	return nil
}

func (s *SQLStorage) GetRunStatus(ctx context.Context, runID string) (*models.RunStatus, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.dialect.selectRun(s.table), runID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run status %s: %w", runID, err)
	}

	var status models.RunStatus
	if err := json.Unmarshal([]byte(doc), &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run status: %w", err)
	}
	return &status, nil
}

// Close closes the underlying database connection.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}
