package storage

import (
	"context"
	"sync"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

// MemoryStorage keeps run statuses in memory and counts records without
// keeping them. It backs STORAGE_TYPE=none.
type MemoryStorage struct {
	mu       sync.RWMutex
	statuses map[string]models.RunStatus
	records  int
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{statuses: make(map[string]models.RunStatus)}
}

func (m *MemoryStorage) StoreRecords(ctx context.Context, records []models.MergedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records += len(records)
	return nil
}

// Records returns how many records have been offered.
func (m *MemoryStorage) Records() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records
}

func (m *MemoryStorage) UpdateRunStatus(ctx context.Context, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.RunID] = status
	return nil
}

func (m *MemoryStorage) GetRunStatus(ctx context.Context, runID string) (*models.RunStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[runID]
	if !ok {
		return nil, nil
	}
	return &status, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
