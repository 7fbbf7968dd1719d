// Package sqlite provides persistent context rule storage on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/countersign-labs/countersign/internal/domain/rule"
)

// schema creates the rule tables. The fingerprint unique index enforces
// shape uniqueness per account at the storage layer, same as the memory
// store. Ids come from a per-account counter row so they are monotonic
// and never reused after deletes.
const schema = `
CREATE TABLE IF NOT EXISTS context_rules (
	account     TEXT    NOT NULL,
	id          INTEGER NOT NULL,
	type_key    TEXT    NOT NULL,
	fingerprint INTEGER NOT NULL,
	doc         TEXT    NOT NULL,
	PRIMARY KEY (account, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_fingerprint
	ON context_rules (account, fingerprint);
CREATE INDEX IF NOT EXISTS idx_rules_type
	ON context_rules (account, type_key);
CREATE TABLE IF NOT EXISTS rule_counters (
	account TEXT PRIMARY KEY,
	next_id INTEGER NOT NULL
);
`

// SQLiteRuleStore implements rule.Store backed by a SQLite database.
type SQLiteRuleStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn and prepares the schema.
// Use ":memory:" for an ephemeral database.
func Open(dsn string) (*SQLiteRuleStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRuleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteRuleStore) Close() error {
	return s.db.Close()
}

// Get returns the rule with the given id.
func (s *SQLiteRuleStore) Get(ctx context.Context, account string, id uint32) (*rule.ContextRule, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM context_rules WHERE account = ? AND id = ?`,
		account, int64(id),
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", rule.ErrContextRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query rule: %w", err)
	}
	return decodeRule(doc)
}

// ListByType returns all rules of the exact type, newest first.
func (s *SQLiteRuleStore) ListByType(ctx context.Context, account string, t rule.Type) ([]*rule.ContextRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM context_rules WHERE account = ? AND type_key = ? ORDER BY id DESC`,
		account, t.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("query rules by type: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// List returns all rules of the account, newest first.
func (s *SQLiteRuleStore) List(ctx context.Context, account string) ([]*rule.ContextRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM context_rules WHERE account = ? ORDER BY id DESC`,
		account,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// Create persists a new rule and returns its assigned id.
func (s *SQLiteRuleStore) Create(ctx context.Context, account string, r *rule.ContextRule, fingerprint uint64) (uint32, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM context_rules WHERE account = ?`, account,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rules: %w", err)
	}
	if count >= rule.MaxContextRules {
		return 0, rule.ErrTooManyContextRules
	}

	var dup int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM context_rules WHERE account = ? AND fingerprint = ?`,
		account, int64(fingerprint),
	).Scan(&dup); err != nil {
		return 0, fmt.Errorf("check fingerprint: %w", err)
	}
	if dup > 0 {
		return 0, rule.ErrDuplicateContextRule
	}

	// Claim the next id. The counter row survives deletes so ids are
	// never reused.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rule_counters (account, next_id) VALUES (?, 0)
		 ON CONFLICT(account) DO NOTHING`, account,
	); err != nil {
		return 0, fmt.Errorf("init counter: %w", err)
	}
	var nextID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_id FROM rule_counters WHERE account = ?`, account,
	).Scan(&nextID); err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rule_counters SET next_id = next_id + 1 WHERE account = ?`, account,
	); err != nil {
		return 0, fmt.Errorf("advance counter: %w", err)
	}

	stored := r.Clone()
	stored.ID = uint32(nextID)
	doc, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("encode rule: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO context_rules (account, id, type_key, fingerprint, doc) VALUES (?, ?, ?, ?, ?)`,
		account, nextID, stored.Type.Key(), int64(fingerprint), string(doc),
	); err != nil {
		return 0, fmt.Errorf("insert rule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	r.ID = stored.ID
	return stored.ID, nil
}

// Update replaces the stored rule with the same id.
func (s *SQLiteRuleStore) Update(ctx context.Context, account string, r *rule.ContextRule, fingerprint uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM context_rules WHERE account = ? AND fingerprint = ?`,
		account, int64(fingerprint),
	).Scan(&owner)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check fingerprint: %w", err)
	}
	if owner.Valid && owner.Int64 != int64(r.ID) {
		return fmt.Errorf("%w: same shape as rule %d", rule.ErrDuplicateContextRule, owner.Int64)
	}

	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE context_rules SET type_key = ?, fingerprint = ?, doc = ? WHERE account = ? AND id = ?`,
		r.Type.Key(), int64(fingerprint), string(doc), account, int64(r.ID),
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d", rule.ErrContextRuleNotFound, r.ID)
	}

	return tx.Commit()
}

// Delete removes the rule. Ids are never reused.
func (s *SQLiteRuleStore) Delete(ctx context.Context, account string, id uint32) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM context_rules WHERE account = ? AND id = ?`,
		account, int64(id),
	)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d", rule.ErrContextRuleNotFound, id)
	}
	return nil
}

// Count returns the number of rules stored for the account.
func (s *SQLiteRuleStore) Count(ctx context.Context, account string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM context_rules WHERE account = ?`, account,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rules: %w", err)
	}
	return count, nil
}

// Accounts returns every account holding at least one rule, sorted.
func (s *SQLiteRuleStore) Accounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT account FROM context_rules ORDER BY account`,
	)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []string
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

func scanRules(rows *sql.Rows) ([]*rule.ContextRule, error) {
	var result []*rule.ContextRule
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r, err := decodeRule(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return result, nil
}

func decodeRule(doc string) (*rule.ContextRule, error) {
	var r rule.ContextRule
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}
	return &r, nil
}

// Compile-time interface verification.
var _ rule.Store = (*SQLiteRuleStore)(nil)
