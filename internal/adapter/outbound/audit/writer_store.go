package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/countersign-labs/countersign/internal/domain/audit"
)

// WriterStore implements audit.Store by writing JSON Lines to an io.Writer,
// typically stdout. Thread-safe.
type WriterStore struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterStore creates an audit store writing to w.
func NewWriterStore(w io.Writer) *WriterStore {
	return &WriterStore{w: w}
}

// Append writes events as JSON Lines.
func (s *WriterStore) Append(_ context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		if _, err := s.w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
	}
	return nil
}

// Flush is a no-op for plain writers.
func (s *WriterStore) Flush(context.Context) error { return nil }

// Close is a no-op; the writer is owned by the caller.
func (s *WriterStore) Close() error { return nil }

// Compile-time interface verification.
var _ audit.Store = (*WriterStore)(nil)
