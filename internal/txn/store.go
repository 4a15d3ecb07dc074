package txn

import (
	"context"
	"encoding/json"
	"time"
)

// StateStore is the durable, versioned record of transactions. It is
// the only mutable state shared between coordinator instances, so every
// write is conditional on the version the writer last observed: a
// mismatch is rejected with ErrVersionConflict, never overwritten.
//
// Writes must be idempotent under retry: replaying the write that
// produced the currently stored state succeeds without changing it.
type StateStore interface {
	// Get returns the stored record or ErrNotFound.
	Get(ctx context.Context, txID string) (Transaction, error)

	// PutIfVersion stores tx with Version = expected+1 if the stored
	// version is exactly expected. expected == 0 creates the record.
	// Returns ErrVersionConflict when another writer advanced first.
	PutIfVersion(ctx context.Context, expected int64, tx Transaction) error

	// ListUnterminated returns ids of transactions not yet in a
	// terminal status, for the recovery sweep on coordinator startup.
	ListUnterminated(ctx context.Context) ([]string, error)
}

// StepAuditor is optionally implemented by stores that keep an
// append-only trail of step transitions alongside the versioned record.
type StepAuditor interface {
	AppendStepEvent(ctx context.Context, txID, stepID string, outcome Outcome, detail string) error
}

// SameState reports whether two records describe the same transaction
// state, ignoring the write timestamp. Stores use it to detect an
// idempotent replay of an already-applied write.
func SameState(a, b Transaction) bool {
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
