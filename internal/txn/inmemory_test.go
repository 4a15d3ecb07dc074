package txn

import (
	"context"
	"testing"
)

func moveParams(account string, amount int64) map[string]any {
	return map[string]any{"account": account, "amount": amount}
}

func TestLedger_PrepareCommit(t *testing.T) {
	l := NewLedgerParticipant("pay", capsBoth)
	l.Deposit("alice", 100)
	ctx := context.Background()

	if err := l.Prepare(ctx, "tx-1", moveParams("alice", -60)); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	// The hold reserves the funds immediately.
	if got := l.Balance("alice"); got != 40 {
		t.Fatalf("expected 40 after hold, got %d", got)
	}
	// A second debit against the reserved funds must be refused.
	if err := l.Prepare(ctx, "tx-2", moveParams("alice", -50)); err == nil {
		t.Fatalf("expected insufficient funds")
	}

	if err := l.Commit(ctx, "tx-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := l.Balance("alice"); got != 40 {
		t.Fatalf("expected 40 after commit, got %d", got)
	}
	// Redelivered commit is a no-op.
	if err := l.Commit(ctx, "tx-1"); err != nil {
		t.Fatalf("recommit: %v", err)
	}
	if got := l.Balance("alice"); got != 40 {
		t.Fatalf("commit must be idempotent, got %d", got)
	}
}

func TestLedger_AbortReleasesHold(t *testing.T) {
	l := NewLedgerParticipant("pay", capsBoth)
	l.Deposit("alice", 100)
	ctx := context.Background()

	if err := l.Prepare(ctx, "tx-1", moveParams("alice", -60)); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := l.Abort(ctx, "tx-1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if got := l.Balance("alice"); got != 100 {
		t.Fatalf("expected hold released, got %d", got)
	}
	// Abort for a transaction never prepared here is a no-op.
	if err := l.Abort(ctx, "tx-ghost"); err != nil {
		t.Fatalf("abort unknown: %v", err)
	}
	if got := l.Balance("alice"); got != 100 {
		t.Fatalf("spurious abort changed balance: %d", got)
	}
}

func TestLedger_CreditAppliesOnCommitOnly(t *testing.T) {
	l := NewLedgerParticipant("pay", capsBoth)
	ctx := context.Background()

	if err := l.Prepare(ctx, "tx-1", moveParams("bob", 30)); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := l.Balance("bob"); got != 0 {
		t.Fatalf("credit must not land before commit, got %d", got)
	}
	if err := l.Commit(ctx, "tx-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := l.Balance("bob"); got != 30 {
		t.Fatalf("expected 30 after commit, got %d", got)
	}
}

func TestLedger_ActAndCompensate(t *testing.T) {
	l := NewLedgerParticipant("pay", capsBoth)
	l.Deposit("alice", 100)
	ctx := context.Background()
	params := moveParams("alice", -25)

	if err := l.Act(ctx, "tx-1", params); err != nil {
		t.Fatalf("act: %v", err)
	}
	if got := l.Balance("alice"); got != 75 {
		t.Fatalf("expected 75, got %d", got)
	}
	// Redelivered act is a no-op.
	if err := l.Act(ctx, "tx-1", params); err != nil {
		t.Fatalf("re-act: %v", err)
	}
	if got := l.Balance("alice"); got != 75 {
		t.Fatalf("act must be idempotent, got %d", got)
	}

	if err := l.Compensate(ctx, "tx-1", params); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if got := l.Balance("alice"); got != 100 {
		t.Fatalf("expected full reversal, got %d", got)
	}
	// Compensating again, or compensating something never applied,
	// changes nothing.
	if err := l.Compensate(ctx, "tx-1", params); err != nil {
		t.Fatalf("re-compensate: %v", err)
	}
	if err := l.Compensate(ctx, "tx-ghost", params); err != nil {
		t.Fatalf("compensate unknown: %v", err)
	}
	if got := l.Balance("alice"); got != 100 {
		t.Fatalf("compensate must be idempotent, got %d", got)
	}
}

func TestLedger_ActInsufficientFunds(t *testing.T) {
	l := NewLedgerParticipant("pay", capsBoth)
	l.Deposit("alice", 10)

	if err := l.Act(context.Background(), "tx-1", moveParams("alice", -25)); err == nil {
		t.Fatalf("expected insufficient funds")
	}
	if got := l.Balance("alice"); got != 10 {
		t.Fatalf("failed act must not move funds, got %d", got)
	}
}

func TestLedger_RejectsMalformedParams(t *testing.T) {
	l := NewLedgerParticipant("pay", capsBoth)
	ctx := context.Background()

	if err := l.Act(ctx, "tx-1", map[string]any{"amount": 10}); err == nil {
		t.Fatalf("expected missing account error")
	}
	if err := l.Prepare(ctx, "tx-1", map[string]any{"account": "alice"}); err == nil {
		t.Fatalf("expected missing amount error")
	}
	// Params decoded from JSON arrive as float64.
	if err := l.Act(ctx, "tx-2", map[string]any{"account": "alice", "amount": float64(5)}); err != nil {
		t.Fatalf("act with float amount: %v", err)
	}
	if got := l.Balance("alice"); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestLedger_EndToEndSaga(t *testing.T) {
	store := NewMemoryStore()
	pay := NewLedgerParticipant("pay", capsBoth)
	rewards := NewLedgerParticipant("rewards", capsSagaOnly)
	pay.Deposit("alice", 100)

	mgr := newTestManager(t, store, pay, rewards)
	ctx := context.Background()

	descs := []StepDescriptor{
		{Participant: "pay", Params: moveParams("alice", -40), Group: 0},
		{Participant: "rewards", Params: moveParams("alice", 4), Group: 1},
	}
	id, err := mgr.Create(ctx, eventualReq, descs)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := mgr.Execute(ctx, id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if tx.Status != StatusCommitted {
		t.Fatalf("expected committed, got %s", tx.Status)
	}
	if got := pay.Balance("alice"); got != 60 {
		t.Fatalf("expected 60 on pay ledger, got %d", got)
	}
	if got := rewards.Balance("alice"); got != 4 {
		t.Fatalf("expected 4 reward points, got %d", got)
	}
}
