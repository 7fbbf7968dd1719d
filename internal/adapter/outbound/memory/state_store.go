package memory

import (
	"context"
	"sync"

	"github.com/countersign-labs/countersign/internal/domain/policy"
)

// MemoryStateStore implements policy.StateStore with a copy-on-write map.
// Update transactions run against a clone of the current state and the
// clone is swapped in only when the transaction function succeeds, which
// gives whole-invocation rollback for free. Thread-safe.
type MemoryStateStore struct {
	state map[string][]byte
	mu    sync.RWMutex
}

// NewStateStore creates a new in-memory policy state store.
func NewStateStore() *MemoryStateStore {
	return &MemoryStateStore{state: make(map[string][]byte)}
}

// stateTx is a transaction over a private clone of the state map.
type stateTx struct {
	state map[string][]byte
}

// Get returns the value for the key and whether it exists.
func (t *stateTx) Get(key policy.StateKey) ([]byte, bool) {
	v, ok := t.state[key.String()]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Put stores the value for the key.
func (t *stateTx) Put(key policy.StateKey, value []byte) {
	t.state[key.String()] = append([]byte(nil), value...)
}

// Delete removes the key if present.
func (t *stateTx) Delete(key policy.StateKey) {
	delete(t.state, key.String())
}

// View runs fn with a read-only transaction. Writes are discarded.
func (s *MemoryStateStore) View(ctx context.Context, fn func(policy.StateTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&stateTx{state: s.clone()})
}

// Update runs fn against a clone and swaps it in iff fn returns nil.
func (s *MemoryStateStore) Update(ctx context.Context, fn func(policy.StateTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &stateTx{state: cloneState(s.state)}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// Len returns the number of stored keys (for tests and health checks).
func (s *MemoryStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state)
}

func (s *MemoryStateStore) clone() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

func cloneState(src map[string][]byte) map[string][]byte {
	dst := make(map[string][]byte, len(src))
	for k, v := range src {
		dst[k] = append([]byte(nil), v...)
	}
	return dst
}

// Compile-time interface verification.
var _ policy.StateStore = (*MemoryStateStore)(nil)
