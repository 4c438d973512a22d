// Package store provides DocumentStore implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	docs map[string]generic.Document
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]generic.Document)}
}

func (m *Memory) Read(_ context.Context, key string) (generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[key]
	if !ok {
		return generic.Document{}, generic.ErrDocumentNotFound
	}
	return cloneDoc(doc), nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.Document
	for k, doc := range m.docs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, cloneDoc(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, keys []string, fn func(generic.DocumentTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Snapshot the declared keys
	snapshot := make(map[string]*generic.Document, len(keys))
	for _, k := range keys {
		if doc, ok := m.docs[k]; ok {
			d := cloneDoc(doc)
			snapshot[k] = &d
		} else {
			snapshot[k] = nil
		}
	}

	view := &memoryTxView{parent: m, keys: keys}
	err := fn(view)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		// Rollback
		for k, doc := range snapshot {
			if doc == nil {
				delete(m.docs, k)
			} else {
				m.docs[k] = *doc
			}
		}
		return err
	}
	return nil
}

type memoryTxView struct {
	parent *Memory
	keys   []string
}

func (v *memoryTxView) Get(_ context.Context, key string) (generic.Document, error) {
	if err := generic.Scope(v.keys, key); err != nil {
		return generic.Document{}, err
	}
	doc, ok := v.parent.docs[key]
	if !ok {
		return generic.Document{}, generic.ErrDocumentNotFound
	}
	return cloneDoc(doc), nil
}

func (v *memoryTxView) Put(_ context.Context, doc generic.Document) error {
	if err := generic.Scope(v.keys, doc.Key); err != nil {
		return err
	}
	current, ok := v.parent.docs[doc.Key]
	var version int64
	if ok {
		version = current.Version
	}
	if doc.Version != version {
		return generic.ErrConcurrentModification
	}
	doc = cloneDoc(doc)
	doc.Version = version + 1
	v.parent.docs[doc.Key] = doc
	return nil
}

func cloneDoc(d generic.Document) generic.Document {
	body := make([]byte, len(d.Body))
	copy(body, d.Body)
	return generic.Document{Key: d.Key, Version: d.Version, Body: body}
}
