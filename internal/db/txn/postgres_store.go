package txndb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"conductor/internal/txn"
)

// PostgresStore persists transaction records in Postgres. The versioned
// record lives as JSONB alongside a version column used for the
// conditional writes; step transitions are additionally appended to an
// audit table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a store over an open connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store := NewPostgresStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the transaction tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			status TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS transaction_steps (
			id BIGSERIAL PRIMARY KEY,
			tx_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the stored record.
func (s *PostgresStore) Get(ctx context.Context, txID string) (txn.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, payload FROM transactions WHERE id = $1`, txID)

	var version int64
	var payload []byte
	if err := row.Scan(&version, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return txn.Transaction{}, fmt.Errorf("%s: %w", txID, txn.ErrNotFound)
		}
		return txn.Transaction{}, err
	}

	var record txn.Transaction
	if err := json.Unmarshal(payload, &record); err != nil {
		return txn.Transaction{}, fmt.Errorf("decode tx %s: %w", txID, err)
	}
	record.Version = version
	return record, nil
}

// PutIfVersion applies a conditional write keyed on the version column.
// Replaying the write that produced the current row succeeds without
// changing it; any other mismatch is rejected.
func (s *PostgresStore) PutIfVersion(ctx context.Context, expected int64, record txn.Transaction) error {
	next := record
	next.Version = expected + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode tx %s: %w", record.ID, err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO transactions (id, version, status, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
			record.ID, next.Version, string(next.Status), payload,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE transactions
			SET version = $3, status = $4, payload = $5, updated_at = NOW()
			WHERE id = $1 AND version = $2`,
			record.ID, expected, next.Version, string(next.Status), payload,
		)
	}
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	stored, err := s.Get(ctx, record.ID)
	if err != nil {
		return err
	}
	if stored.Version == next.Version && txn.SameState(stored, next) {
		return nil // idempotent replay
	}
	return fmt.Errorf("tx %s at version %d, expected %d: %w", record.ID, stored.Version, expected, txn.ErrVersionConflict)
}

// ListUnterminated returns ids of transactions still in flight.
func (s *PostgresStore) ListUnterminated(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM transactions WHERE status NOT IN ($1, $2, $3, $4)`,
		string(txn.StatusCommitted), string(txn.StatusAborted),
		string(txn.StatusCompensated), string(txn.StatusFailed),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendStepEvent records a step transition in the audit trail.
func (s *PostgresStore) AppendStepEvent(ctx context.Context, txID, stepID string, outcome txn.Outcome, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_steps (tx_id, step_id, outcome, detail)
		VALUES ($1, $2, $3, $4)`,
		txID, stepID, string(outcome), detail,
	)
	return err
}
