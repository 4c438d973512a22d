package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_CreateUpdateVersioning(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: Creating at version 0, updating at 1, then writing stale 1 again
	// THEN: The stale write is a concurrent modification and nothing changes

	s := newStore(t)
	ctx := context.Background()
	key := generic.LedgerKey("u1", generic.TrackHOADues)

	require.NoError(t, s.WithTx(ctx, []string{key}, func(tx generic.DocumentTx) error {
		_, err := tx.Get(ctx, key)
		assert.ErrorIs(t, err, generic.ErrDocumentNotFound)
		return tx.Put(ctx, generic.Document{Key: key, Body: []byte(`{"a":1}`)})
	}))

	doc, err := s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	require.NoError(t, s.WithTx(ctx, []string{key}, func(tx generic.DocumentTx) error {
		return tx.Put(ctx, generic.Document{Key: key, Version: 1, Body: []byte(`{"a":2}`)})
	}))

	err = s.WithTx(ctx, []string{key}, func(tx generic.DocumentTx) error {
		return tx.Put(ctx, generic.Document{Key: key, Version: 1, Body: []byte(`{"a":3}`)})
	})
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(err))

	doc, err = s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.JSONEq(t, `{"a":2}`, string(doc.Body))
}

func TestSQLite_DuplicateCreate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := generic.PaymentKey("tx-1")

	put := func() error {
		return s.WithTx(ctx, []string{key}, func(tx generic.DocumentTx) error {
			return tx.Put(ctx, generic.Document{Key: key, Body: []byte(`{}`)})
		})
	}
	require.NoError(t, put())
	assert.ErrorIs(t, put(), generic.ErrConcurrentModification)
}

func TestSQLite_RollbackOnError(t *testing.T) {
	// GIVEN: A committed credit document
	// WHEN: A transaction updates it, creates a payment, then fails
	// THEN: Neither write is visible

	s := newStore(t)
	ctx := context.Background()
	a, b := generic.CreditKey("u1", "main"), generic.PaymentKey("tx-1")

	require.NoError(t, s.WithTx(ctx, []string{a}, func(tx generic.DocumentTx) error {
		return tx.Put(ctx, generic.Document{Key: a, Body: []byte(`1`)})
	}))

	err := s.WithTx(ctx, []string{a, b}, func(tx generic.DocumentTx) error {
		require.NoError(t, tx.Put(ctx, generic.Document{Key: a, Version: 1, Body: []byte(`2`)}))
		require.NoError(t, tx.Put(ctx, generic.Document{Key: b, Body: []byte(`3`)}))
		return errors.New("boom")
	})
	require.Error(t, err)

	doc, err := s.Read(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "1", string(doc.Body))
	assert.Equal(t, int64(1), doc.Version)
	_, err = s.Read(ctx, b)
	assert.ErrorIs(t, err, generic.ErrDocumentNotFound)
}

func TestSQLite_KeyScope(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	err := s.WithTx(ctx, []string{"ledger/u1/hoa_dues"}, func(tx generic.DocumentTx) error {
		return tx.Put(ctx, generic.Document{Key: "ledger/u2/hoa_dues", Body: []byte(`{}`)})
	})
	assert.ErrorIs(t, err, generic.ErrKeyOutOfScope)
}

func TestSQLite_ListByPrefix(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	keys := []string{"ledger/u2/hoa_dues", "ledger/u1/water_bills", "ledger/u1/hoa_dues", "credit/u1/main", "ledger/u10/hoa_dues"}
	require.NoError(t, s.WithTx(ctx, keys, func(tx generic.DocumentTx) error {
		for _, k := range keys {
			if err := tx.Put(ctx, generic.Document{Key: k, Body: []byte(`{}`)}); err != nil {
				return err
			}
		}
		return nil
	}))

	docs, err := s.List(ctx, "ledger/u1/")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "ledger/u1/hoa_dues", docs[0].Key)
	assert.Equal(t, "ledger/u1/water_bills", docs[1].Key)
}

func TestSQLite_AuditLog(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2025, time.January, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendAudit(ctx, generic.AuditFact{
		At: at, Action: generic.AuditPaymentApplied, ActorID: "clerk-1",
		Unit: "u1", Track: generic.TrackHOADues, TransactionID: "tx-1",
		Payload: map[string]any{"cash": "150.00"},
	}))
	require.NoError(t, s.AppendAudit(ctx, generic.AuditFact{
		At: at.Add(time.Minute), Action: generic.AuditCreditAdjusted, Unit: "u1",
	}))
	require.NoError(t, s.AppendAudit(ctx, generic.AuditFact{
		At: at, Action: generic.AuditPeriodBilled, Unit: "u2",
	}))

	facts, err := s.ListAudit(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, generic.AuditPaymentApplied, facts[0].Action)
	assert.Equal(t, "clerk-1", facts[0].ActorID)
	assert.Equal(t, generic.TransactionID("tx-1"), facts[0].TransactionID)
	assert.Equal(t, "150.00", facts[0].Payload["cash"])
	assert.True(t, at.Equal(facts[0].At))
	assert.Equal(t, generic.AuditCreditAdjusted, facts[1].Action)
	assert.Empty(t, facts[1].Payload)

	facts, err = s.ListAudit(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, facts, 1)

	require.NoError(t, s.Reset(ctx))
	facts, err = s.ListAudit(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, facts)
}
