/*
Package postgres provides a PostgreSQL-backed generic.DocumentStore.

PURPOSE:
  Same contract as store/sqlite for multi-process deployments. Documents
  live in one table with a jsonb body; transactions run at RepeatableRead
  and lock the declared keys with SELECT ... FOR UPDATE before fn runs.

CONFLICTS:
  - Stale version on UPDATE        -> ErrConcurrentModification
  - Unique violation on INSERT     -> ErrConcurrentModification
  - Serialization failure (40001)  -> ErrConcurrentModification
  All three are retryable.

SEE ALSO:
  - store/sqlite/sqlite.go: Single-process implementation
  - generic/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/unit-ledger/generic"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_documents (
	key TEXT PRIMARY KEY,
	version BIGINT NOT NULL,
	body JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_audit_log (
	id BIGSERIAL PRIMARY KEY,
	at TIMESTAMPTZ NOT NULL,
	action TEXT NOT NULL,
	actor_id TEXT,
	unit TEXT NOT NULL,
	track TEXT,
	transaction_id TEXT,
	payload JSONB
);

CREATE INDEX IF NOT EXISTS idx_ledger_audit_unit ON ledger_audit_log(unit, at);
`

// Store implements generic.DocumentStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a pool for dsn, pings it and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store/postgres: ping: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The caller owns the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store/postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// =============================================================================
// DOCUMENT STORE
// =============================================================================

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Read(ctx context.Context, key string) (generic.Document, error) {
	return getDocument(ctx, s.pool, key)
}

func (s *Store) List(ctx context.Context, prefix string) ([]generic.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, version, body::text FROM ledger_documents WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list %q: %w", prefix, err)
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

// WithTx executes fn within a RepeatableRead transaction holding row locks on keys.
func (s *Store) WithTx(ctx context.Context, keys []string, fn func(tx generic.DocumentTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("store/postgres: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx,
		`SELECT key FROM ledger_documents WHERE key = ANY($1) ORDER BY key FOR UPDATE`, keys)
	if err != nil {
		return classify("lock keys", err)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classify("lock keys", err)
	}

	if err := fn(&txView{tx: tx, keys: keys}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

type txView struct {
	tx   pgx.Tx
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

	if doc.Version == 0 {
		_, err := v.tx.Exec(ctx,
			`INSERT INTO ledger_documents (key, version, body) VALUES ($1, 1, $2::jsonb)`,
			doc.Key, string(doc.Body))
		if err != nil {
			return classify("insert "+doc.Key, err)
		}
		return nil
	}

	tag, err := v.tx.Exec(ctx,
		`UPDATE ledger_documents SET version = version + 1, body = $1::jsonb, updated_at = now()
		 WHERE key = $2 AND version = $3`,
		string(doc.Body), doc.Key, doc.Version)
	if err != nil {
		return classify("update "+doc.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s at version %d: %w", doc.Key, doc.Version, generic.ErrConcurrentModification)
	}
	return nil
}

func getDocument(ctx context.Context, q querier, key string) (generic.Document, error) {
	doc := generic.Document{Key: key}
	var body string
	err := q.QueryRow(ctx, `SELECT version, body::text FROM ledger_documents WHERE key = $1`, key).
		Scan(&doc.Version, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Document{}, generic.ErrDocumentNotFound
	}
	if err != nil {
		return generic.Document{}, classify("read "+key, err)
	}
	doc.Body = []byte(body)
	return doc, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AppendAudit inserts one audit fact.
func (s *Store) AppendAudit(ctx context.Context, fact generic.AuditFact) error {
	var payload any
	if len(fact.Payload) > 0 {
		b, err := json.Marshal(fact.Payload)
		if err != nil {
			return fmt.Errorf("store/postgres: encode audit payload: %w", err)
		}
		payload = string(b)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_audit_log (at, action, actor_id, unit, track, transaction_id, payload)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7::jsonb)`,
		fact.At, string(fact.Action), fact.ActorID, string(fact.Unit),
		string(fact.Track), string(fact.TransactionID), payload)
	if err != nil {
		return fmt.Errorf("store/postgres: append audit: %w", err)
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation, serializationFailure, deadlockDetected:
			return fmt.Errorf("store/postgres: %s: %w", op, generic.ErrConcurrentModification)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("store/postgres: %s: %w", op, err)
}
