// Package convlog persists conversation records. Every sink implements
// domain.ConversationLogger.
package convlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

// FileSink appends one JSON object per line to a file.
type FileSink struct {
	path string
	mu   sync.Mutex
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

type fileRecord struct {
	Client         string `json:"client"`
	PhoneNumber    string `json:"phone number"`
	Question       string `json:"question"`
	Answer         string `json:"answer"`
	ReferenceIndex string `json:"index,omitempty"`
	Timestamp      string `json:"timestamp"`
}

func (s *FileSink) Write(_ context.Context, rec domain.LogRecord) error {
	line, err := json.Marshal(fileRecord{
		Client:         rec.ClientName,
		PhoneNumber:    rec.PhoneNumber,
		Question:       rec.Question,
		Answer:         rec.Answer,
		ReferenceIndex: rec.ReferenceIndex,
		Timestamp:      formatTime(rec.Timestamp),
	})
	if err != nil {
		return &domain.StorageError{Op: "encode log record", Err: err}
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &domain.StorageError{Op: "create log dir", Path: filepath.Dir(s.path), Err: err}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return &domain.StorageError{Op: "open log file", Path: s.path, Err: err}
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return &domain.StorageError{Op: "append log record", Path: s.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &domain.StorageError{Op: "close log file", Path: s.path, Err: err}
	}
	return nil
}

func (s *FileSink) String() string { return fmt.Sprintf("file(%s)", s.path) }

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
