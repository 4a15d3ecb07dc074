package txn

import (
	"context"
	"fmt"
)

// twoPCCoordinator runs a prepare round across all participants and
// commits only if every one prepared; otherwise every prepared
// participant receives abort. The decision is persisted before any
// second-phase call goes out, and once persisted it is only ever
// re-broadcast, never re-derived.
type twoPCCoordinator struct {
	saver
	reg      *Registry
	retry    Policy
	breakers *breakerSet
}

// run drives the whole transaction through prepare, decision and
// broadcast, ending in committed or aborted.
func (c *twoPCCoordinator) run(ctx context.Context, tx *Transaction) error {
	if err := c.round(ctx, tx, allIndexes(tx)); err != nil {
		return err
	}
	if err := c.broadcast(ctx, tx, allIndexes(tx)); err != nil {
		return err
	}
	return c.finish(ctx, tx)
}

// round executes the prepare phase over the steps in scope and persists
// the resulting decision. Prepares are issued concurrently and the
// round waits for every response or the transaction deadline: an
// in-flight prepare is never abandoned client-side, so each step's
// outcome is known before the decision is made.
func (c *twoPCCoordinator) round(ctx context.Context, tx *Transaction, scope []int) error {
	if err := c.save(ctx, tx, func(t *Transaction) { t.Status = StatusPreparing }); err != nil {
		return err
	}

	calls := make(map[int]func(context.Context) error, len(scope))
	for _, i := range scope {
		step := tx.Steps[i]
		tp, err := c.reg.twoPC(step.Participant)
		if err != nil {
			if saveErr := c.persistPrepareOutcome(ctx, tx, i, 0, err); saveErr != nil {
				return saveErr
			}
			continue
		}
		params := step.Params
		calls[i] = func(callCtx context.Context) error {
			return tp.Prepare(callCtx, tx.ID, params)
		}
	}

	results := make(chan stepResult, len(calls))
	for i, call := range calls {
		i, call := i, call
		br := c.breakers.get(tx.Steps[i].Participant)
		go func() {
			attempts, err := callParticipant(ctx, c.retry, br, call)
			results <- stepResult{idx: i, attempts: attempts, err: err}
		}()
	}
	for range calls {
		r := <-results
		if err := c.persistPrepareOutcome(ctx, tx, r.idx, r.attempts, r.err); err != nil {
			return err
		}
	}

	decision := DecisionCommit
	status := StatusCommitting
	for _, i := range scope {
		if tx.Steps[i].Outcome != OutcomePrepared {
			decision = DecisionAbort
			status = StatusAborting
			break
		}
	}
	return c.save(detached(ctx), tx, func(t *Transaction) {
		t.Decision = decision
		t.Status = status
	})
}

func (c *twoPCCoordinator) persistPrepareOutcome(ctx context.Context, tx *Transaction, i, attempts int, cause error) error {
	outcome := OutcomePrepared
	detail := ""
	if cause != nil {
		outcome = OutcomeFailed
		detail = cause.Error()
	}
	err := c.save(detached(ctx), tx, func(t *Transaction) {
		t.Steps[i].Outcome = outcome
		t.Steps[i].Attempts = attempts
		t.Steps[i].Detail = detail
	})
	if err != nil {
		return err
	}
	c.auditStep(detached(ctx), tx.ID, tx.Steps[i].StepID, outcome, detail)
	return nil
}

// broadcast pushes the persisted decision to the steps in scope. Once
// the decision is made it is binding, so every call is retried until
// acknowledged; on exhaustion the transaction stays in committing or
// aborting for the recovery sweep to resume.
func (c *twoPCCoordinator) broadcast(ctx context.Context, tx *Transaction, scope []int) error {
	bg := detached(ctx)
	for _, i := range scope {
		step := tx.Steps[i]
		var target Outcome
		switch tx.Decision {
		case DecisionCommit:
			target = OutcomeCommitted
		case DecisionAbort:
			// Only previously-prepared steps hold resources to release;
			// a step that failed its prepare receives nothing further.
			if step.Outcome != OutcomePrepared {
				continue
			}
			target = OutcomeCompensated
		default:
			return fmt.Errorf("tx %s: broadcast without a persisted decision", tx.ID)
		}
		if step.Outcome == target {
			continue // already acknowledged on a previous broadcast
		}

		tp, err := c.reg.twoPC(step.Participant)
		if err != nil {
			return err
		}
		br := c.breakers.get(step.Participant)
		attempts, err := callParticipant(bg, c.retry, br, func(callCtx context.Context) error {
			if tx.Decision == DecisionCommit {
				return tp.Commit(callCtx, tx.ID)
			}
			return tp.Abort(callCtx, tx.ID)
		})
		if err != nil {
			c.logf("tx %s: step %s missed %s after %d attempts: %v", tx.ID, step.StepID, tx.Decision, attempts, err)
			return fmt.Errorf("step %s did not acknowledge %s: %w", step.StepID, tx.Decision, err)
		}

		if err := c.save(bg, tx, func(t *Transaction) {
			t.Steps[i].Outcome = target
			t.Steps[i].Attempts = attempts
			if target == OutcomeCommitted {
				t.Steps[i].CommitSeq = t.nextCommitSeq()
			}
		}); err != nil {
			return err
		}
		c.auditStep(bg, tx.ID, step.StepID, target, "")
	}
	return nil
}

func (c *twoPCCoordinator) finish(ctx context.Context, tx *Transaction) error {
	terminal := StatusCommitted
	if tx.Decision == DecisionAbort {
		terminal = StatusAborted
	}
	return c.save(detached(ctx), tx, func(t *Transaction) { t.Status = terminal })
}

// resume picks a transaction back up after a coordinator restart. With
// a persisted decision the only remaining work is re-broadcasting it.
// Without one the prepare round never concluded, so it runs again from
// scratch and may validly reach either outcome.
func (c *twoPCCoordinator) resume(ctx context.Context, tx *Transaction) error {
	if err := c.ensureDecided(ctx, tx, allIndexes(tx)); err != nil {
		return err
	}
	if err := c.broadcast(ctx, tx, allIndexes(tx)); err != nil {
		return err
	}
	return c.finish(ctx, tx)
}

// ensureDecided re-runs the prepare round over scope when no decision
// was persisted. A step recorded prepared before the crash is reset:
// its prepare will be re-issued, which the participant contract makes
// safe under at-least-once delivery.
func (c *twoPCCoordinator) ensureDecided(ctx context.Context, tx *Transaction, scope []int) error {
	if tx.Decision != DecisionNone {
		return nil
	}
	if err := c.save(ctx, tx, func(t *Transaction) {
		for _, i := range scope {
			if t.Steps[i].Outcome == OutcomePrepared {
				t.Steps[i].Outcome = OutcomePending
			}
		}
	}); err != nil {
		return err
	}
	return c.round(ctx, tx, scope)
}
