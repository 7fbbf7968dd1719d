// Package audit provides audit trail persistence: JSON Lines files with
// daily rotation and retention cleanup, or a plain writer sink.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/countersign-labs/countersign/internal/domain/audit"
)

// eventFilePattern matches audit log filenames: events-YYYY-MM-DD.log
var eventFilePattern = regexp.MustCompile(`^events-(\d{4}-\d{2}-\d{2})\.log$`)

// FileStoreConfig holds configuration for the file-based audit store.
type FileStoreConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string
	// RetentionDays is the number of days to keep audit files (default 7).
	RetentionDays int
}

// FileStore implements audit.Store with daily file rotation and retention
// cleanup. The current file is held under an exclusive flock so two server
// processes cannot interleave writes.
type FileStore struct {
	dir           string
	retentionDays int
	currentFile   *os.File
	currentDate   string
	logger        *slog.Logger
	cancel        context.CancelFunc
	closed        bool
	mu            sync.Mutex
}

// NewFileStore creates a file-based audit store. It creates the directory
// if needed, opens and locks today's file, runs retention cleanup, and
// starts the hourly cleanup goroutine.
func NewFileStore(cfg FileStoreConfig, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		dir:           cfg.Dir,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s.runCleanup()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Append stores events as JSON Lines, rotating to a new file when the
// event date rolls over.
func (s *FileStore) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		dateStr := ev.Timestamp.UTC().Format("2006-01-02")
		if dateStr != s.currentDate {
			if err := s.rotateLocked(dateStr); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		if _, err := s.currentFile.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
	}

	return nil
}

// Flush forces pending events to disk by syncing the current file.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close releases the lock, stops the cleanup goroutine, and closes the file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = flockUnlock(s.currentFile.Fd())
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// openCurrentFile opens, locks, and adopts the file for the given date.
func (s *FileStore) openCurrentFile(dateStr string) error {
	path := filepath.Join(s.dir, fmt.Sprintf("events-%s.log", dateStr))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open file %s: %w", path, err)
	}
	if err := flockLock(f.Fd()); err != nil {
		_ = f.Close()
		return fmt.Errorf("lock file %s: %w", path, err)
	}

	s.currentFile = f
	s.currentDate = dateStr
	return nil
}

// rotateLocked closes the current file and opens the one for the new date.
// Must be called with s.mu held.
func (s *FileStore) rotateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = flockUnlock(s.currentFile.Fd())
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	return s.openCurrentFile(dateStr)
}

// runCleanup deletes audit files older than the retention period.
func (s *FileStore) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audit cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0

	for _, e := range entries {
		matches := eventFilePattern.FindStringSubmatch(e.Name())
		if matches == nil {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", matches[1])
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				s.logger.Error("audit cleanup: failed to delete file", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}

	if deleted > 0 {
		s.logger.Info("audit cleanup completed", "deleted", deleted)
	}
}

// cleanupLoop runs retention cleanup every hour until the context is cancelled.
func (s *FileStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// Compile-time interface verification.
var _ audit.Store = (*FileStore)(nil)
