package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

// JSONLWriter appends records to a newline-delimited JSON file, the run's
// primary output.
type JSONLWriter struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	buf   *bufio.Writer
	count int
}

// NewJSONLWriter creates (or truncates) the file at path.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return &JSONLWriter{path: path, file: f, buf: bufio.NewWriter(f)}, nil
}

// StoreRecords writes one line per record and flushes, so the file is
// complete up to the last stored batch.
func (w *JSONLWriter) StoreRecords(ctx context.Context, records []models.MergedRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("output file %s is closed", w.path)
	}

	enc := json.NewEncoder(w.buf)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", rec.ExternalID, err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	w.count += len(records)
	return nil
}

// Path returns the output file path.
func (w *JSONLWriter) Path() string { return w.path }

// Count returns the number of records written.
func (w *JSONLWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return fmt.Errorf("failed to flush output file: %w", flushErr)
	}
	return closeErr
}
