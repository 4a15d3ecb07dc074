package txn

import (
	"context"
	"fmt"
)

// hybridCoordinator handles transactions mixing 2PC-capable and
// saga-only participants: the 2PC-capable subset runs first as a single
// atomic super-step, and the remaining steps continue as a saga with
// the super-step eligible for compensation as a whole. Undoing the
// committed super-step means running its members' native compensations
// in reverse; members without one are treated as declared terminal.
type hybridCoordinator struct {
	twopc *twoPCCoordinator
	saga  *sagaCoordinator
}

// hybridPartition splits step indexes into the 2PC-capable subset and
// the saga continuation.
func hybridPartition(tx *Transaction) (sub, tail []int) {
	for i := range tx.Steps {
		if tx.Steps[i].Capabilities.Supports2PC {
			sub = append(sub, i)
		} else {
			tail = append(tail, i)
		}
	}
	return sub, tail
}

func (c *hybridCoordinator) run(ctx context.Context, tx *Transaction) error {
	sub, tail := hybridPartition(tx)

	if err := c.twopc.round(ctx, tx, sub); err != nil {
		return err
	}
	if err := c.twopc.broadcast(ctx, tx, sub); err != nil {
		return err
	}
	if tx.Decision == DecisionAbort {
		if err := c.twopc.finish(ctx, tx); err != nil {
			return err
		}
		return fmt.Errorf("tx %s: 2pc super-step aborted", tx.ID)
	}

	if len(tail) == 0 {
		return c.saga.save(detached(ctx), tx, func(t *Transaction) { t.Status = StatusCommitted })
	}
	if err := c.saga.save(ctx, tx, func(t *Transaction) { t.Status = StatusExecuting }); err != nil {
		return err
	}
	// Compensation scope covers every step: a saga-tail failure unwinds
	// the tail first, then the super-step's members in reverse.
	return c.saga.runSteps(ctx, tx, tail, allIndexes(tx))
}

func (c *hybridCoordinator) resume(ctx context.Context, tx *Transaction) error {
	sub, _ := hybridPartition(tx)

	switch tx.Status {
	case StatusPreparing, StatusCommitting, StatusAborting:
		if err := c.twopc.ensureDecided(ctx, tx, sub); err != nil {
			return err
		}
		if err := c.twopc.broadcast(ctx, tx, sub); err != nil {
			return err
		}
		if tx.Decision == DecisionAbort {
			return c.twopc.finish(ctx, tx)
		}
	default:
		// Tail phase: make sure the persisted commit decision reached
		// every super-step member before unwinding. Broadcast is
		// idempotent over already-acknowledged steps.
		if tx.Decision == DecisionCommit {
			if err := c.twopc.broadcast(ctx, tx, sub); err != nil {
				return err
			}
		}
	}
	return c.saga.resume(ctx, tx)
}
