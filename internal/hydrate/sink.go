package hydrate

import (
	"fmt"
	"os"
	"sync"
)

// FileSink appends unresolved-id reports to a local file, creating it on
// the first write.
type FileSink struct {
	mu    sync.Mutex
	path  string
	lines int
}

// NewFileSink returns a sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// AppendError writes line followed by a newline.
func (s *FileSink) AppendError(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open error file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write error file: %w", err)
	}
	s.lines++
	return nil
}

// Path returns the file location.
func (s *FileSink) Path() string { return s.path }

// Lines returns how many lines were written.
func (s *FileSink) Lines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}
