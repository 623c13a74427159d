package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Uploader copies a local file to object storage.
type Uploader interface {
	Upload(ctx context.Context, path, bucket, key string) error
}

// RotatingWriter is a size-bounded log file. When a write would exceed
// MaxBytes the current segment is uploaded (if an uploader is set), moved to
// the backup directory with a timestamp suffix, and a fresh file is opened.
type RotatingWriter struct {
	Path      string
	BackupDir string
	MaxBytes  int64

	// Uploader, Bucket and KeyPrefix are optional. The uploaded key is
	// "{KeyPrefix}_{unix}.log.txt".
	Uploader  Uploader
	Bucket    string
	KeyPrefix string

	Now func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.MaxBytes > 0 && w.size > 0 && w.size+int64(len(p)) > w.MaxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate forces a rotation of a non-empty segment.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil || w.size == 0 {
		return nil
	}
	return w.rotate()
}

// Close rotates the final segment and releases the file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	var err error
	if w.size > 0 {
		err = w.rotateTo(false)
	} else {
		err = w.file.Close()
		w.file = nil
	}
	return err
}

func (w *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(w.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) rotate() error {
	return w.rotateTo(true)
}

func (w *RotatingWriter) rotateTo(reopen bool) error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	w.file = nil
	w.size = 0

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().Unix()

	var uploadErr error
	if w.Uploader != nil {
		key := fmt.Sprintf("%s_%d.log.txt", w.KeyPrefix, ts)
		uploadErr = w.Uploader.Upload(context.Background(), w.Path, w.Bucket, key)
	}

	if err := os.MkdirAll(w.BackupDir, 0o755); err != nil {
		return errors.Join(uploadErr, fmt.Errorf("failed to create backup directory: %w", err))
	}
	backup := filepath.Join(w.BackupDir, fmt.Sprintf("%s_%d.log.txt", filepath.Base(w.Path), ts))
	if err := os.Rename(w.Path, backup); err != nil {
		return errors.Join(uploadErr, fmt.Errorf("failed to move log segment: %w", err))
	}

	if reopen {
		if err := w.open(); err != nil {
			return errors.Join(uploadErr, err)
		}
	}
	if uploadErr != nil {
		return fmt.Errorf("failed to upload log segment: %w", uploadErr)
	}
	return nil
}
