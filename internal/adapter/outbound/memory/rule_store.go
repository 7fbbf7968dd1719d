package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// accountRules holds one account's rule set and its indexes.
type accountRules struct {
	rules        map[uint32]*rule.ContextRule
	byType       map[string][]uint32 // type key -> ids, descending
	fingerprints map[uint64]uint32   // fingerprint -> owning rule id
	nextID       uint32
}

// MemoryRuleStore implements rule.Store with in-memory maps.
// Thread-safe for concurrent access. For development/testing only.
type MemoryRuleStore struct {
	accounts map[string]*accountRules
	mu       sync.RWMutex
}

// NewRuleStore creates a new in-memory rule store.
func NewRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		accounts: make(map[string]*accountRules),
	}
}

// Get returns the rule with the given id.
// Returns rule.ErrContextRuleNotFound if it doesn't exist.
func (s *MemoryRuleStore) Get(ctx context.Context, account string, id uint32) (*rule.ContextRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[account]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", rule.ErrContextRuleNotFound, id)
	}
	r, ok := acct.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", rule.ErrContextRuleNotFound, id)
	}

	// Return a copy to prevent mutation
	return r.Clone(), nil
}

// ListByType returns all rules of the exact type, newest first.
func (s *MemoryRuleStore) ListByType(ctx context.Context, account string, t rule.Type) ([]*rule.ContextRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[account]
	if !ok {
		return nil, nil
	}

	ids := acct.byType[t.Key()]
	result := make([]*rule.ContextRule, 0, len(ids))
	for _, id := range ids {
		if r, ok := acct.rules[id]; ok {
			result = append(result, r.Clone())
		}
	}
	return result, nil
}

// List returns all rules of the account, newest first.
func (s *MemoryRuleStore) List(ctx context.Context, account string) ([]*rule.ContextRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[account]
	if !ok {
		return nil, nil
	}

	ids := make([]uint32, 0, len(acct.rules))
	for id := range acct.rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	result := make([]*rule.ContextRule, 0, len(ids))
	for _, id := range ids {
		result = append(result, acct.rules[id].Clone())
	}
	return result, nil
}

// Create persists a new rule and returns its assigned id.
func (s *MemoryRuleStore) Create(ctx context.Context, account string, r *rule.ContextRule, fingerprint uint64) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[account]
	if !ok {
		acct = &accountRules{
			rules:        make(map[uint32]*rule.ContextRule),
			byType:       make(map[string][]uint32),
			fingerprints: make(map[uint64]uint32),
		}
		s.accounts[account] = acct
	}

	if len(acct.rules) >= rule.MaxContextRules {
		return 0, rule.ErrTooManyContextRules
	}
	if owner, exists := acct.fingerprints[fingerprint]; exists {
		return 0, fmt.Errorf("%w: same shape as rule %d", rule.ErrDuplicateContextRule, owner)
	}

	id := acct.nextID
	acct.nextID++

	stored := r.Clone()
	stored.ID = id
	acct.rules[id] = stored
	acct.fingerprints[fingerprint] = id
	acct.insertByType(stored.Type.Key(), id)

	r.ID = id
	return id, nil
}

// Update replaces the stored rule with the same id.
func (s *MemoryRuleStore) Update(ctx context.Context, account string, r *rule.ContextRule, fingerprint uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[account]
	if !ok {
		return fmt.Errorf("%w: id %d", rule.ErrContextRuleNotFound, r.ID)
	}
	existing, ok := acct.rules[r.ID]
	if !ok {
		return fmt.Errorf("%w: id %d", rule.ErrContextRuleNotFound, r.ID)
	}

	if owner, exists := acct.fingerprints[fingerprint]; exists && owner != r.ID {
		return fmt.Errorf("%w: same shape as rule %d", rule.ErrDuplicateContextRule, owner)
	}

	// Drop the old fingerprint entry; the shape may have changed.
	for fp, owner := range acct.fingerprints {
		if owner == r.ID {
			delete(acct.fingerprints, fp)
			break
		}
	}

	stored := r.Clone()
	if existing.Type.Key() != stored.Type.Key() {
		acct.removeByType(existing.Type.Key(), r.ID)
		acct.insertByType(stored.Type.Key(), r.ID)
	}
	acct.rules[r.ID] = stored
	acct.fingerprints[fingerprint] = r.ID
	return nil
}

// Delete removes the rule and releases its fingerprint. Ids are never reused.
func (s *MemoryRuleStore) Delete(ctx context.Context, account string, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[account]
	if !ok {
		return fmt.Errorf("%w: id %d", rule.ErrContextRuleNotFound, id)
	}
	existing, ok := acct.rules[id]
	if !ok {
		return fmt.Errorf("%w: id %d", rule.ErrContextRuleNotFound, id)
	}

	delete(acct.rules, id)
	acct.removeByType(existing.Type.Key(), id)
	for fp, owner := range acct.fingerprints {
		if owner == id {
			delete(acct.fingerprints, fp)
			break
		}
	}
	return nil
}

// Count returns the number of rules stored for the account.
func (s *MemoryRuleStore) Count(ctx context.Context, account string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[account]
	if !ok {
		return 0, nil
	}
	return len(acct.rules), nil
}

// Accounts returns every account holding at least one rule, sorted.
func (s *MemoryRuleStore) Accounts(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]string, 0, len(s.accounts))
	for name, acct := range s.accounts {
		if len(acct.rules) > 0 {
			accounts = append(accounts, name)
		}
	}
	sort.Strings(accounts)
	return accounts, nil
}

// insertByType inserts id into the type index keeping descending order.
func (a *accountRules) insertByType(key string, id uint32) {
	ids := a.byType[key]
	pos := sort.Search(len(ids), func(i int) bool { return ids[i] < id })
	ids = append(ids, 0)
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	a.byType[key] = ids
}

// removeByType removes id from the type index, swap-free to keep order.
func (a *accountRules) removeByType(key string, id uint32) {
	ids := a.byType[key]
	for i, v := range ids {
		if v == id {
			a.byType[key] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// Compile-time interface verification.
var _ rule.Store = (*MemoryRuleStore)(nil)
