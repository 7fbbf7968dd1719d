package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/countersign-labs/countersign/internal/domain/policy"
)

func TestStateStoreUpdateCommits(t *testing.T) {
	t.Parallel()

	s := NewStateStore()
	ctx := context.Background()
	key := policy.StateKey{Policy: "simple-threshold", Account: "acct", RuleID: 1, Field: "threshold"}

	err := s.Update(ctx, func(tx policy.StateTx) error {
		tx.Put(key, []byte{2})
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	err = s.View(ctx, func(tx policy.StateTx) error {
		v, ok := tx.Get(key)
		if !ok || v[0] != 2 {
			t.Errorf("Get() = %v, %v after commit", v, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestStateStoreUpdateRollsBackOnError(t *testing.T) {
	t.Parallel()

	s := NewStateStore()
	ctx := context.Background()
	key := policy.StateKey{Policy: "spending-limit", Account: "acct", RuleID: 1, Field: "history"}

	if err := s.Update(ctx, func(tx policy.StateTx) error {
		tx.Put(key, []byte("original"))
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx policy.StateTx) error {
		tx.Put(key, []byte("mutated"))
		tx.Put(policy.StateKey{Policy: "other", Account: "acct", RuleID: 2}, []byte("x"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	_ = s.View(ctx, func(tx policy.StateTx) error {
		v, ok := tx.Get(key)
		if !ok || string(v) != "original" {
			t.Errorf("rolled-back value = %q, want %q", v, "original")
		}
		if _, ok := tx.Get(policy.StateKey{Policy: "other", Account: "acct", RuleID: 2}); ok {
			t.Error("write from failed transaction survived")
		}
		return nil
	})

	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStateStoreViewDiscardsWrites(t *testing.T) {
	t.Parallel()

	s := NewStateStore()
	ctx := context.Background()
	key := policy.StateKey{Policy: "p", Account: "a", RuleID: 0}

	_ = s.View(ctx, func(tx policy.StateTx) error {
		tx.Put(key, []byte("leak"))
		return nil
	})

	_ = s.View(ctx, func(tx policy.StateTx) error {
		if _, ok := tx.Get(key); ok {
			t.Error("write through View transaction was persisted")
		}
		return nil
	})
}

func TestStateStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	s := NewStateStore()
	ctx := context.Background()
	key := policy.StateKey{Policy: "p", Account: "a", RuleID: 0}

	_ = s.Update(ctx, func(tx policy.StateTx) error {
		tx.Put(key, []byte{1, 2, 3})
		return nil
	})

	_ = s.View(ctx, func(tx policy.StateTx) error {
		v, _ := tx.Get(key)
		v[0] = 0xFF
		return nil
	})

	_ = s.View(ctx, func(tx policy.StateTx) error {
		v, _ := tx.Get(key)
		if v[0] != 1 {
			t.Error("mutation of returned value leaked into the store")
		}
		return nil
	})
}
