package txndb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"conductor/internal/txn"
)

// RedisStore persists transaction records in Redis. Conditional writes
// use an optimistic WATCH/MULTI round on the record key; unterminated
// ids are tracked in a side set maintained with every write, so the
// recovery sweep never scans the keyspace.
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	pendingKey string
}

// NewRedisStore constructs a store over a connected client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		keyPrefix:  "tx:",
		pendingKey: "tx:pending",
	}
}

func (s *RedisStore) key(txID string) string { return s.keyPrefix + txID }

// Get returns the stored record.
func (s *RedisStore) Get(ctx context.Context, txID string) (txn.Transaction, error) {
	raw, err := s.client.Get(ctx, s.key(txID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return txn.Transaction{}, fmt.Errorf("%s: %w", txID, txn.ErrNotFound)
	}
	if err != nil {
		return txn.Transaction{}, err
	}
	var record txn.Transaction
	if err := json.Unmarshal(raw, &record); err != nil {
		return txn.Transaction{}, fmt.Errorf("decode tx %s: %w", txID, err)
	}
	return record, nil
}

// PutIfVersion applies a conditional write. The version check and the
// write happen inside one WATCH round: a concurrent writer invalidates
// the round and surfaces as ErrVersionConflict rather than being
// silently overwritten.
func (s *RedisStore) PutIfVersion(ctx context.Context, expected int64, record txn.Transaction) error {
	next := record
	next.Version = expected + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode tx %s: %w", record.ID, err)
	}
	key := s.key(record.ID)

	watchErr := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		raw, err := rtx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expected != 0 {
				return fmt.Errorf("%s: %w", record.ID, txn.ErrNotFound)
			}
		case err != nil:
			return err
		default:
			var stored txn.Transaction
			if err := json.Unmarshal(raw, &stored); err != nil {
				return fmt.Errorf("decode tx %s: %w", record.ID, err)
			}
			if stored.Version != expected {
				if stored.Version == next.Version && txn.SameState(stored, next) {
					return nil // idempotent replay
				}
				return fmt.Errorf("tx %s at version %d, expected %d: %w",
					record.ID, stored.Version, expected, txn.ErrVersionConflict)
			}
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if next.Status.Terminal() {
				pipe.SRem(ctx, s.pendingKey, record.ID)
			} else {
				pipe.SAdd(ctx, s.pendingKey, record.ID)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(watchErr, redis.TxFailedErr) {
		return fmt.Errorf("tx %s modified concurrently: %w", record.ID, txn.ErrVersionConflict)
	}
	return watchErr
}

// ListUnterminated returns the members of the pending set.
func (s *RedisStore) ListUnterminated(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.pendingKey).Result()
}
