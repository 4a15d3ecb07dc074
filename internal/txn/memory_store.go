package txn

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process StateStore used by tests and as the
// fallback when no durable backend is configured. Same semantics as the
// durable stores: conditional writes, idempotent replays.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Transaction
	now     func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Transaction), now: time.Now}
}

// Get returns a copy of the stored record.
func (m *MemoryStore) Get(ctx context.Context, txID string) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[txID]
	if !ok {
		return Transaction{}, fmt.Errorf("%s: %w", txID, ErrNotFound)
	}
	return cloneTransaction(rec), nil
}

// PutIfVersion applies a conditional write keyed on the stored version.
func (m *MemoryStore) PutIfVersion(ctx context.Context, expected int64, tx Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := cloneTransaction(tx)
	next.Version = expected + 1
	next.UpdatedAt = m.now()

	current, exists := m.records[tx.ID]
	if !exists {
		if expected != 0 {
			return fmt.Errorf("%s: %w", tx.ID, ErrNotFound)
		}
		m.records[tx.ID] = next
		return nil
	}
	if current.Version == expected {
		m.records[tx.ID] = next
		return nil
	}
	// A replay of the write that produced the current state is a no-op.
	if current.Version == expected+1 && SameState(current, next) {
		return nil
	}
	return fmt.Errorf("tx %s at version %d, expected %d: %w", tx.ID, current.Version, expected, ErrVersionConflict)
}

// ListUnterminated returns ids of transactions still in flight.
func (m *MemoryStore) ListUnterminated(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, rec := range m.records {
		if !rec.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func cloneTransaction(tx Transaction) Transaction {
	out := tx
	out.Steps = make([]StepRecord, len(tx.Steps))
	copy(out.Steps, tx.Steps)
	for i := range out.Steps {
		if tx.Steps[i].Params != nil {
			params := make(map[string]any, len(tx.Steps[i].Params))
			for k, v := range tx.Steps[i].Params {
				params[k] = v
			}
			out.Steps[i].Params = params
		}
	}
	return out
}
