package txn

import (
	"context"
	"fmt"
)

// sagaCoordinator executes steps in declared order (or declared
// parallel groups) and on failure runs compensations in strict reverse
// completion order. Every step outcome is persisted before the next
// group begins, so a crash always leaves a durable record of exactly
// which steps committed.
type sagaCoordinator struct {
	saver
	reg      *Registry
	retry    Policy
	breakers *breakerSet
}

// run drives the whole transaction as a saga.
func (c *sagaCoordinator) run(ctx context.Context, tx *Transaction) error {
	return c.runSteps(ctx, tx, allIndexes(tx), allIndexes(tx))
}

// runSteps executes the steps in scope group by group. On a forward
// failure it compensates every committed step in compScope; hybrid
// passes a compScope wider than scope so the 2PC super-step unwinds too.
func (c *sagaCoordinator) runSteps(ctx context.Context, tx *Transaction, scope, compScope []int) error {
	for _, group := range groupIndexes(tx, scope) {
		if cause := c.runGroup(ctx, tx, group); cause != nil {
			bg := detached(ctx)
			if err := c.save(bg, tx, func(t *Transaction) { t.Status = StatusCompensating }); err != nil {
				return err
			}
			if err := c.compensate(bg, tx, compScope); err != nil {
				return err
			}
			return cause
		}
	}
	if err := c.save(detached(ctx), tx, func(t *Transaction) { t.Status = StatusCommitted }); err != nil {
		return err
	}
	return nil
}

type stepResult struct {
	idx      int
	attempts int
	err      error
}

// runGroup fans the group's forward operations out concurrently and
// persists each completion as it arrives. A failing member does not
// cancel its siblings: their state must settle so the reverse walk
// knows what to undo.
func (c *sagaCoordinator) runGroup(ctx context.Context, tx *Transaction, group []int) error {
	calls := make(map[int]func(context.Context) error, len(group))
	for _, i := range group {
		step := tx.Steps[i]
		sp, err := c.reg.saga(step.Participant)
		if err != nil {
			if saveErr := c.persistStepFailure(ctx, tx, i, 0, err); saveErr != nil {
				return saveErr
			}
			return fmt.Errorf("step %s: %w", step.StepID, err)
		}
		params := step.Params
		calls[i] = func(callCtx context.Context) error {
			return sp.Act(callCtx, tx.ID, params)
		}
	}

	results := make(chan stepResult, len(group))
	for _, i := range group {
		i := i
		br := c.breakers.get(tx.Steps[i].Participant)
		go func() {
			attempts, err := callParticipant(ctx, c.retry, br, calls[i])
			results <- stepResult{idx: i, attempts: attempts, err: err}
		}()
	}

	var firstErr error
	for range group {
		r := <-results
		if r.err != nil {
			if err := c.persistStepFailure(ctx, tx, r.idx, r.attempts, r.err); err != nil {
				return err
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("step %s: %w", tx.Steps[r.idx].StepID, r.err)
			}
			continue
		}
		if err := c.persistStepCommit(ctx, tx, r.idx, r.attempts); err != nil {
			return err
		}
	}
	return firstErr
}

func (c *sagaCoordinator) persistStepCommit(ctx context.Context, tx *Transaction, i, attempts int) error {
	err := c.save(detached(ctx), tx, func(t *Transaction) {
		t.Steps[i].Outcome = OutcomeCommitted
		t.Steps[i].Attempts = attempts
		t.Steps[i].CommitSeq = t.nextCommitSeq()
	})
	if err != nil {
		return err
	}
	c.auditStep(detached(ctx), tx.ID, tx.Steps[i].StepID, OutcomeCommitted, "")
	return nil
}

func (c *sagaCoordinator) persistStepFailure(ctx context.Context, tx *Transaction, i, attempts int, cause error) error {
	err := c.save(detached(ctx), tx, func(t *Transaction) {
		t.Steps[i].Outcome = OutcomeFailed
		t.Steps[i].Attempts = attempts
		t.Steps[i].Detail = cause.Error()
	})
	if err != nil {
		return err
	}
	c.auditStep(detached(ctx), tx.ID, tx.Steps[i].StepID, OutcomeFailed, cause.Error())
	return nil
}

// compensate walks committed steps in scope in reverse completion order.
// A step that never executed or failed its forward operation is never
// compensated. Irreversible steps are declared terminal and skipped.
// A compensation failure halts the walk: repeated automatic retries on
// an already-inconsistent system would amplify the inconsistency, so it
// is surfaced for manual remediation instead.
func (c *sagaCoordinator) compensate(ctx context.Context, tx *Transaction, scope []int) error {
	inScope := make(map[int]bool, len(scope))
	for _, i := range scope {
		inScope[i] = true
	}
	var walk []int
	for _, i := range tx.committedSteps() {
		if inScope[i] {
			walk = append(walk, i)
		}
	}

	for k := len(walk) - 1; k >= 0; k-- {
		i := walk[k]
		step := tx.Steps[i]
		if step.Irreversible || !step.HasCompensation {
			c.logf("tx %s: step %s is irreversible, skipping compensation", tx.ID, step.StepID)
			continue
		}

		sp, err := c.reg.saga(step.Participant)
		if err == nil {
			br := c.breakers.get(step.Participant)
			_, err = callParticipant(ctx, c.retry, br, func(callCtx context.Context) error {
				return sp.Compensate(callCtx, tx.ID, step.Params)
			})
		}
		if err != nil {
			cerr := &CompensationError{
				TxID:          tx.ID,
				FailedStep:    step.StepID,
				Uncompensated: uncompensatedIDs(tx, walk[:k+1]),
				Cause:         err,
			}
			if saveErr := c.save(ctx, tx, func(t *Transaction) {
				t.Steps[i].Detail = err.Error()
				t.Status = StatusFailed
			}); saveErr != nil {
				return saveErr
			}
			c.logf("tx %s: %v", tx.ID, cerr)
			return cerr
		}

		if err := c.save(ctx, tx, func(t *Transaction) {
			t.Steps[i].Outcome = OutcomeCompensated
		}); err != nil {
			return err
		}
		c.auditStep(ctx, tx.ID, step.StepID, OutcomeCompensated, "")
	}

	return c.save(ctx, tx, func(t *Transaction) { t.Status = StatusCompensated })
}

// resume continues a saga found unterminated in the store: the durable
// record tells exactly which steps committed, and recovery conservatively
// unwinds them rather than guessing where the forward walk stopped.
func (c *sagaCoordinator) resume(ctx context.Context, tx *Transaction) error {
	bg := detached(ctx)
	if tx.Status != StatusCompensating {
		if err := c.save(bg, tx, func(t *Transaction) { t.Status = StatusCompensating }); err != nil {
			return err
		}
	}
	return c.compensate(bg, tx, allIndexes(tx))
}

// uncompensatedIDs lists steps in the remaining walk still holding
// compensable effects, most recent first.
func uncompensatedIDs(tx *Transaction, remaining []int) []string {
	ids := make([]string, 0, len(remaining))
	for k := len(remaining) - 1; k >= 0; k-- {
		step := tx.Steps[remaining[k]]
		if step.Irreversible || !step.HasCompensation {
			continue
		}
		ids = append(ids, step.StepID)
	}
	return ids
}
