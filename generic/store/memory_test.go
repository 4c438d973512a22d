package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/generic/store"
)

func TestMemory_PutGetVersioning(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: Creating a document at version 0, then updating at version 1
	// THEN: Versions advance; a stale write is a concurrent modification

	m := store.NewMemory()
	ctx := context.Background()
	key := generic.LedgerKey("u1", generic.TrackHOADues)

	require.NoError(t, m.WithTx(ctx, []string{key}, func(tx generic.DocumentTx) error {
		_, err := tx.Get(ctx, key)
		assert.ErrorIs(t, err, generic.ErrDocumentNotFound)
		return tx.Put(ctx, generic.Document{Key: key, Version: 0, Body: []byte(`{"a":1}`)})
	}))

	doc, err := m.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	require.NoError(t, m.WithTx(ctx, []string{key}, func(tx generic.DocumentTx) error {
		return tx.Put(ctx, generic.Document{Key: key, Version: 1, Body: []byte(`{"a":2}`)})
	}))

	err = m.WithTx(ctx, []string{key}, func(tx generic.DocumentTx) error {
		return tx.Put(ctx, generic.Document{Key: key, Version: 1, Body: []byte(`{"a":3}`)})
	})
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	doc, err = m.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.JSONEq(t, `{"a":2}`, string(doc.Body))
}

func TestMemory_RollbackOnError(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	a, b := "credit/u1/main", "payment/tx-1"

	require.NoError(t, m.WithTx(ctx, []string{a}, func(tx generic.DocumentTx) error {
		return tx.Put(ctx, generic.Document{Key: a, Body: []byte(`1`)})
	}))

	err := m.WithTx(ctx, []string{a, b}, func(tx generic.DocumentTx) error {
		require.NoError(t, tx.Put(ctx, generic.Document{Key: a, Version: 1, Body: []byte(`2`)}))
		require.NoError(t, tx.Put(ctx, generic.Document{Key: b, Body: []byte(`3`)}))
		return errors.New("boom")
	})
	require.Error(t, err)

	doc, err := m.Read(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "1", string(doc.Body))
	_, err = m.Read(ctx, b)
	assert.ErrorIs(t, err, generic.ErrDocumentNotFound)
}

func TestMemory_RollbackOnCancel(t *testing.T) {
	m := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	key := "credit/u1/main"

	err := m.WithTx(ctx, []string{key}, func(tx generic.DocumentTx) error {
		require.NoError(t, tx.Put(ctx, generic.Document{Key: key, Body: []byte(`1`)}))
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = m.Read(context.Background(), key)
	assert.ErrorIs(t, err, generic.ErrDocumentNotFound)
}

func TestMemory_KeyScope(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	err := m.WithTx(ctx, []string{"ledger/u1/hoa_dues"}, func(tx generic.DocumentTx) error {
		return tx.Put(ctx, generic.Document{Key: "ledger/u2/hoa_dues"})
	})
	assert.ErrorIs(t, err, generic.ErrKeyOutOfScope)
}

func TestMemory_ListByPrefix(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	keys := []string{"ledger/u2/hoa_dues", "ledger/u1/water_bills", "ledger/u1/hoa_dues", "credit/u1/main"}
	require.NoError(t, m.WithTx(ctx, keys, func(tx generic.DocumentTx) error {
		for _, k := range keys {
			if err := tx.Put(ctx, generic.Document{Key: k, Body: []byte(`{}`)}); err != nil {
				return err
			}
		}
		return nil
	}))

	docs, err := m.List(ctx, "ledger/u1/")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "ledger/u1/hoa_dues", docs[0].Key)
	assert.Equal(t, "ledger/u1/water_bills", docs[1].Key)
}
