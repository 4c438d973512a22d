/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.DocumentStore and the audit trail using SQLite. In
  production the same patterns apply to PostgreSQL (see store/postgres).

INTERFACES IMPLEMENTED:
  generic.DocumentStore: Versioned ledger documents
  audit.Writer:          Append-only audit log

KEY TABLES:
  documents:  key -> (version, JSON body). One row per ledger, credit
              account or payment record.
  audit_log:  Append-only audit facts. Never updated, never deleted.

OPTIMISTIC VERSIONING:
  Version 0 means "create": INSERT, and a unique-key clash is a concurrent
  modification. Otherwise UPDATE ... WHERE version = ?; zero rows affected
  is a concurrent modification.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection. SQLite
  allows one writer at a time; PostgreSQL uses row locks instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/unit-ledger/generic"
)

// Store implements generic.DocumentStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: open database: %w", err)
	}
	// One connection: every ":memory:" connection would otherwise be its
	// own empty database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store/sqlite: migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger documents (ledger/*, credit/*, payment/*)
	CREATE TABLE IF NOT EXISTS documents (
		key TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT,
		unit TEXT NOT NULL,
		track TEXT,
		transaction_id TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_unit_at
		ON audit_log(unit, at);
	CREATE INDEX IF NOT EXISTS idx_audit_transaction
		ON audit_log(transaction_id) WHERE transaction_id IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DOCUMENT STORE (generic.DocumentStore interface)
// =============================================================================

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) Read(ctx context.Context, key string) (generic.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDocument(ctx, s.db, key)
}

func (s *Store) List(ctx context.Context, prefix string) ([]generic.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, version, body FROM documents WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: list %q: %w", prefix, err)
	}
	defer rows.Close()

	var docs []generic.Document
	for rows.Next() {
		var doc generic.Document
		var body string
		if err := rows.Scan(&doc.Key, &doc.Version, &body); err != nil {
			return nil, err
		}
		doc.Body = []byte(body)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, keys []string, fn func(tx generic.DocumentTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store/sqlite: begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{tx: sqlTx, keys: keys}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txView struct {
	tx   *sql.Tx
	keys []string
}

func (v *txView) Get(ctx context.Context, key string) (generic.Document, error) {
	if err := generic.Scope(v.keys, key); err != nil {
		return generic.Document{}, err
	}
	return getDocument(ctx, v.tx, key)
}

func (v *txView) Put(ctx context.Context, doc generic.Document) error {
	if err := generic.Scope(v.keys, doc.Key); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if doc.Version == 0 {
		_, err := v.tx.ExecContext(ctx,
			`INSERT INTO documents (key, version, body, updated_at) VALUES (?, 1, ?, ?)`,
			doc.Key, string(doc.Body), now)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%s: %w", doc.Key, generic.ErrConcurrentModification)
		}
		if err != nil {
			return fmt.Errorf("store/sqlite: insert %s: %w", doc.Key, err)
		}
		return nil
	}

	res, err := v.tx.ExecContext(ctx,
		`UPDATE documents SET version = version + 1, body = ?, updated_at = ? WHERE key = ? AND version = ?`,
		string(doc.Body), now, doc.Key, doc.Version)
	if err != nil {
		return fmt.Errorf("store/sqlite: update %s: %w", doc.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s at version %d: %w", doc.Key, doc.Version, generic.ErrConcurrentModification)
	}
	return nil
}

func getDocument(ctx context.Context, q queryer, key string) (generic.Document, error) {
	doc := generic.Document{Key: key}
	var body string
	err := q.QueryRowContext(ctx, `SELECT version, body FROM documents WHERE key = ?`, key).
		Scan(&doc.Version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Document{}, generic.ErrDocumentNotFound
	}
	if err != nil {
		return generic.Document{}, fmt.Errorf("store/sqlite: read %s: %w", key, err)
	}
	doc.Body = []byte(body)
	return doc, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AppendAudit inserts one audit fact.
func (s *Store) AppendAudit(ctx context.Context, fact generic.AuditFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload sql.NullString
	if len(fact.Payload) > 0 {
		b, err := json.Marshal(fact.Payload)
		if err != nil {
			return fmt.Errorf("store/sqlite: encode audit payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (at, action, actor_id, unit, track, transaction_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fact.At.UTC().Format(time.RFC3339Nano),
		string(fact.Action),
		nullString(fact.ActorID),
		string(fact.Unit),
		nullString(string(fact.Track)),
		nullString(string(fact.TransactionID)),
		payload,
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: append audit: %w", err)
	}
	return nil
}

// ListAudit returns the audit facts of unit (every unit when empty), oldest
// first. limit <= 0 means all.
func (s *Store) ListAudit(ctx context.Context, unit generic.UnitID, limit int) ([]generic.AuditFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT at, action, actor_id, unit, track, transaction_id, payload_json
		FROM audit_log WHERE (? = '' OR unit = ?) ORDER BY id`
	args := []any{string(unit), string(unit)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: list audit: %w", err)
	}
	defer rows.Close()

	var facts []generic.AuditFact
	for rows.Next() {
		var (
			at, action, unitID            string
			actor, track, txID, payloadJS sql.NullString
		)
		if err := rows.Scan(&at, &action, &actor, &unitID, &track, &txID, &payloadJS); err != nil {
			return nil, err
		}
		fact := generic.AuditFact{
			Action:        generic.AuditAction(action),
			ActorID:       actor.String,
			Unit:          generic.UnitID(unitID),
			Track:         generic.Track(track.String),
			TransactionID: generic.TransactionID(txID.String),
		}
		fact.At, _ = time.Parse(time.RFC3339Nano, at)
		if payloadJS.Valid {
			if err := json.Unmarshal([]byte(payloadJS.String), &fact.Payload); err != nil {
				return nil, fmt.Errorf("store/sqlite: decode audit payload: %w", err)
			}
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"documents", "audit_log"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}
