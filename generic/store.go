/*
store.go - Persistence contract for ledger documents

PURPOSE:
  Defines the interface between the ledger logic and the database. The
  ledger is stored as a small set of JSON documents per unit:

    ledger/{unit}/{track}   every BillingPeriod of one track
    credit/{unit}/{pool}    the CreditAccount of one credit pool
    payment/{txid}          the payment record and its distribution

  Documents are serialized opaquely; the store never inspects the body.

KEY INTERFACES:
  DocumentStore: Read single documents, run transactions
  DocumentTx:    Read-modify-write within one transaction
  AuditSink:     Fire-and-forget audit facts
  Locker:        Per-unit serialization

ATOMIC TRANSACTIONS:
  WithTx() declares the set of keys up front and runs fn inside one
  store transaction. Either every Put commits or none does. Applying a
  payment to period A and losing the rest of the cash before period B is
  structurally impossible: there is no partial commit.

OPTIMISTIC VERSIONING:
  Each document carries a Version. Put() with a stale version fails with
  ErrConcurrentModification. Version 0 means "create".

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - billing/service.go: The only writer
*/
package generic

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// DOCUMENTS
// =============================================================================

// Document is an opaque, versioned JSON body stored under a key.
type Document struct {
	Key     string
	Version int64
	Body    []byte
}

// LedgerKey addresses the billing periods of one unit and track.
func LedgerKey(unit UnitID, track Track) string {
	return fmt.Sprintf("ledger/%s/%s", unit, track)
}

// CreditKey addresses the credit account of one unit and pool.
func CreditKey(unit UnitID, pool PoolID) string {
	return fmt.Sprintf("credit/%s/%s", unit, pool)
}

// PaymentKey addresses a payment record.
func PaymentKey(txID TransactionID) string {
	return fmt.Sprintf("payment/%s", txID)
}

// =============================================================================
// DOCUMENT STORE
// =============================================================================

// DocumentStore persists ledger documents.
type DocumentStore interface {
	// Read returns a committed document or ErrDocumentNotFound.
	Read(ctx context.Context, key string) (Document, error)

	// List returns committed documents whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Document, error)

	// WithTx executes fn atomically over keys.
	// If fn returns error, nothing is committed.
	WithTx(ctx context.Context, keys []string, fn func(tx DocumentTx) error) error
}

// DocumentTx is the transactional view handed to WithTx callbacks.
type DocumentTx interface {
	// Get returns the document as seen by this transaction, or ErrDocumentNotFound.
	Get(ctx context.Context, key string) (Document, error)

	// Put writes doc if doc.Version matches the stored version.
	Put(ctx context.Context, doc Document) error
}

// Scope checks that key was declared for a transaction.
func Scope(keys []string, key string) error {
	for _, k := range keys {
		if k == key {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrKeyOutOfScope, key)
}

// =============================================================================
// AUDIT - Separate from the ledger, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditPaymentApplied  AuditAction = "payment_applied"
	AuditPaymentReversed AuditAction = "payment_reversed"
	AuditDoubleReversal  AuditAction = "double_reversal"
	AuditCreditAdjusted  AuditAction = "credit_adjusted"
	AuditPeriodBilled    AuditAction = "period_billed"
	AuditLedgerCorrupt   AuditAction = "ledger_corruption"
)

// AuditFact records a ledger event for the audit trail.
type AuditFact struct {
	At            time.Time      `json:"at"`
	Action        AuditAction    `json:"action"`
	ActorID       string         `json:"actor_id,omitempty"`
	Unit          UnitID         `json:"unit"`
	Track         Track          `json:"track,omitempty"`
	TransactionID TransactionID  `json:"transaction_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// AuditSink receives audit facts. Fire-and-forget: it has no error
// return, and a failing sink never rolls back a ledger transaction.
type AuditSink interface {
	Record(ctx context.Context, fact AuditFact)
}

// NopAuditSink discards facts.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, AuditFact) {}
