package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// DOCUMENT CODEC - Ledger state <-> store documents
// =============================================================================

// getFunc is satisfied by both DocumentStore.Read and DocumentTx.Get.
type getFunc func(ctx context.Context, key string) (generic.Document, error)

// loadLedger decodes ledger/{unit}/{track}. A missing document is an empty
// ledger at version 0.
func loadLedger(ctx context.Context, get getFunc, unit generic.UnitID, track generic.Track, penalty PenaltyConfig) (*PeriodLedger, int64, error) {
	doc, err := get(ctx, generic.LedgerKey(unit, track))
	if errors.Is(err, generic.ErrDocumentNotFound) {
		return NewPeriodLedger(unit, track, penalty), 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	ledger := NewPeriodLedger(unit, track, penalty)
	if err := decodeInto(doc, ledger); err != nil {
		return nil, 0, err
	}
	return ledger, doc.Version, nil
}

// loadAccount decodes credit/{unit}/{pool}. Accounts are created lazily.
func loadAccount(ctx context.Context, get getFunc, unit generic.UnitID, pool generic.PoolID) (*generic.CreditAccount, int64, error) {
	doc, err := get(ctx, generic.CreditKey(unit, pool))
	if errors.Is(err, generic.ErrDocumentNotFound) {
		return generic.NewCreditAccount(unit, pool), 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	account := generic.NewCreditAccount(unit, pool)
	if err := decodeInto(doc, account); err != nil {
		return nil, 0, err
	}
	return account, doc.Version, nil
}

// loadPayment decodes payment/{txid}. Missing records return ErrTransactionNotFound.
func loadPayment(ctx context.Context, get getFunc, txID generic.TransactionID) (*PaymentRecord, int64, error) {
	doc, err := get(ctx, generic.PaymentKey(txID))
	if errors.Is(err, generic.ErrDocumentNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", txID, generic.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	var rec PaymentRecord
	if err := decodeInto(doc, &rec); err != nil {
		return nil, 0, err
	}
	return &rec, doc.Version, nil
}

func putJSON(ctx context.Context, tx generic.DocumentTx, key string, version int64, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return tx.Put(ctx, generic.Document{Key: key, Version: version, Body: body})
}

func decodeInto(doc generic.Document, v any) error {
	if err := json.Unmarshal(doc.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", doc.Key, err)
	}
	return nil
}
