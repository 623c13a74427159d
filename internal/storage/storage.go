package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/google/uuid"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

// RecordWriter persists merged records in the order given
type RecordWriter interface {
	StoreRecords(ctx context.Context, records []models.MergedRecord) error
	Close() error
}

// Storage interface defines the contract for the record mirror and run status
type Storage interface {
	RecordWriter
	UpdateRunStatus(ctx context.Context, status models.RunStatus) error
	GetRunStatus(ctx context.Context, runID string) (*models.RunStatus, error)
}

// NewStorage creates a new storage instance based on configuration. The
// session is only used by the dynamodb backend.
func NewStorage(ctx context.Context, cfg config.StorageConfig, sess client.ConfigProvider) (Storage, error) {
	switch cfg.Type {
	case "", "none":
		return NewMemoryStorage(), nil
	case "dynamodb":
		return NewDynamoDBStorage(cfg, sess)
	case "mongodb":
		return NewMongoDBStorage(ctx, cfg)
	case "postgresql":
		return NewPostgreSQLStorage(ctx, cfg)
	case "sqlite":
		return NewSQLiteStorage(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// recordKey is the mirror key of a record: its external id, or a fresh UUID
// for items the search API returned without one.
func recordKey(rec models.MergedRecord) string {
	if rec.ExternalID != "" {
		return rec.ExternalID
	}
	return uuid.NewString()
}

type fanout []RecordWriter

// Fanout writes every batch to each writer in turn, stopping at the first
// failure. Nil writers are skipped.
func Fanout(writers ...RecordWriter) RecordWriter {
	var f fanout
	for _, w := range writers {
		if w != nil {
			f = append(f, w)
		}
	}
	return f
}

func (f fanout) StoreRecords(ctx context.Context, records []models.MergedRecord) error {
	for _, w := range f {
		if err := w.StoreRecords(ctx, records); err != nil {
			return err
		}
	}
	return nil
}

func (f fanout) Close() error {
	var errs []error
	for _, w := range f {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
