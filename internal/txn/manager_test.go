package txn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func quickPolicy(maxAttempts int) Policy {
	// No base delay: retries run back to back in tests.
	return Policy{MaxAttempts: maxAttempts}
}

func newTestManager(t *testing.T, store StateStore, participants ...Participant) *Manager {
	t.Helper()
	reg := NewRegistry()
	for _, p := range participants {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.ID(), err)
		}
	}
	return NewManager(store, reg,
		WithRetryPolicy(quickPolicy(2)),
		WithLogf(t.Logf),
	)
}

func descriptors(participants ...string) []StepDescriptor {
	descs := make([]StepDescriptor, 0, len(participants))
	for i, id := range participants {
		descs = append(descs, StepDescriptor{StepID: id, Participant: id, Group: i})
	}
	return descs
}

var eventualReq = Requirements{Consistency: ConsistencyEventual, Timeout: 5 * time.Second}
var strongReq = Requirements{Consistency: ConsistencyStrong, Timeout: 5 * time.Second}

func TestManager_Create_Validations(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	pay := newFakeParticipant("pay", capsBoth, log)
	mgr := newTestManager(t, store, pay)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, eventualReq, nil); !errors.Is(err, ErrNoSteps) {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}

	if _, err := mgr.Create(ctx, Requirements{Consistency: ConsistencyEventual}, descriptors("pay")); !errors.Is(err, ErrInvalidRequirements) {
		t.Fatalf("expected ErrInvalidRequirements for zero timeout, got %v", err)
	}

	dup := []StepDescriptor{{StepID: "s", Participant: "pay"}, {StepID: "s", Participant: "pay"}}
	if _, err := mgr.Create(ctx, eventualReq, dup); !errors.Is(err, ErrDuplicateStep) {
		t.Fatalf("expected ErrDuplicateStep, got %v", err)
	}

	if _, err := mgr.Create(ctx, eventualReq, descriptors("ghost")); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
}

func TestManager_SagaHappyPath(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	a := newFakeParticipant("a", capsSagaOnly, log)
	b := newFakeParticipant("b", capsSagaOnly, log)
	c := newFakeParticipant("c", capsSagaOnly, log)
	mgr := newTestManager(t, store, a, b, c)
	ctx := context.Background()

	id, err := mgr.Create(ctx, eventualReq, descriptors("a", "b", "c"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := mgr.Execute(ctx, id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if tx.Pattern != PatternSaga {
		t.Fatalf("expected saga, got %s", tx.Pattern)
	}
	if tx.Status != StatusCommitted {
		t.Fatalf("expected committed, got %s", tx.Status)
	}
	want := []string{"a.act", "b.act", "c.act"}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, got)
		}
	}
	for _, s := range tx.Steps {
		if s.Outcome != OutcomeCommitted {
			t.Fatalf("step %s expected committed, got %s", s.StepID, s.Outcome)
		}
	}
}

func TestManager_SagaUngroupedStepsRunInDeclarationOrder(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	a := newFakeParticipant("a", capsSagaOnly, log)
	b := newFakeParticipant("b", capsSagaOnly, log)
	c := newFakeParticipant("c", capsSagaOnly, log)
	mgr := newTestManager(t, store, a, b, c)
	ctx := context.Background()

	// No descriptor declares a group: sequential is the default.
	descs := []StepDescriptor{
		{Participant: "a"},
		{Participant: "b"},
		{Participant: "c"},
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

	want := []string{"a.act", "b.act", "c.act"}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected declaration order %v, got %v", want, got)
		}
	}
}

func TestManager_SagaUngroupedFailureStopsLaterSteps(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	a := newFakeParticipant("a", capsSagaOnly, log)
	b := newFakeParticipant("b", capsSagaOnly, log)
	boom := errors.New("downstream unavailable")
	a.actErrs = []error{boom, boom}

	mgr := newTestManager(t, store, a, b)
	ctx := context.Background()

	descs := []StepDescriptor{
		{Participant: "a"},
		{Participant: "b"},
	}
	id, err := mgr.Create(ctx, eventualReq, descs)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, execErr := mgr.Execute(ctx, id)
	if !errors.Is(execErr, boom) {
		t.Fatalf("expected forward failure surfaced, got %v", execErr)
	}
	if tx.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", tx.Status)
	}
	// A later undeclared-group step must never start while an earlier
	// one is unresolved, let alone after it failed.
	if log.count("b.act") != 0 {
		t.Fatalf("step b ran despite a failing before it: %v", log.snapshot())
	}
	if log.count("b.compensate") != 0 {
		t.Fatalf("never-run step must not be compensated: %v", log.snapshot())
	}
}

func TestManager_SagaMidFailure_CompensatesInReverse(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	a := newFakeParticipant("a", capsSagaOnly, log)
	b := newFakeParticipant("b", capsSagaOnly, log)
	c := newFakeParticipant("c", capsSagaOnly, log)
	boom := errors.New("downstream unavailable")
	c.actErrs = []error{boom, boom} // both attempts fail

	mgr := newTestManager(t, store, a, b, c)
	ctx := context.Background()

	id, err := mgr.Create(ctx, eventualReq, descriptors("a", "b", "c"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := mgr.Execute(ctx, id)
	if !errors.Is(err, boom) {
		t.Fatalf("expected forward failure surfaced, got %v", err)
	}
	if tx.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", tx.Status)
	}

	want := []string{"a.act", "b.act", "c.act", "c.act", "b.compensate", "a.compensate"}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, got)
		}
	}
	if log.count("c.compensate") != 0 {
		t.Fatalf("failed step must never be compensated")
	}

	if tx.Step("a").Outcome != OutcomeCompensated || tx.Step("b").Outcome != OutcomeCompensated {
		t.Fatalf("completed steps must end compensated")
	}
	if tx.Step("c").Outcome != OutcomeFailed {
		t.Fatalf("failing step must end failed, got %s", tx.Step("c").Outcome)
	}
	if tx.Step("c").Attempts != 2 {
		t.Fatalf("expected 2 attempts on failing step, got %d", tx.Step("c").Attempts)
	}
}

func TestManager_SagaParallelGroupFailure(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	a := newFakeParticipant("a", capsSagaOnly, log)
	b := newFakeParticipant("b", capsSagaOnly, log)
	c := newFakeParticipant("c", capsSagaOnly, log)
	boom := errors.New("no capacity")
	c.actErrs = []error{boom, boom}

	mgr := newTestManager(t, store, a, b, c)
	ctx := context.Background()

	// a alone in group 0; b and c share group 1.
	descs := []StepDescriptor{
		{StepID: "a", Participant: "a", Group: 0},
		{StepID: "b", Participant: "b", Group: 1},
		{StepID: "c", Participant: "c", Group: 1},
	}
	id, err := mgr.Create(ctx, eventualReq, descs)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := mgr.Execute(ctx, id)
	if !errors.Is(err, boom) {
		t.Fatalf("expected group failure surfaced, got %v", err)
	}
	if tx.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", tx.Status)
	}

	// b completed inside the failing group, so it is compensated too,
	// before a (reverse completion order).
	if log.count("b.compensate") != 1 || log.count("a.compensate") != 1 {
		t.Fatalf("expected b and a compensated once, got %v", log.snapshot())
	}
	if log.count("c.compensate") != 0 {
		t.Fatalf("failed group member must not be compensated")
	}
	got := log.snapshot()
	if got[len(got)-1] != "a.compensate" {
		t.Fatalf("a must be compensated last, got %v", got)
	}
}

func TestManager_SagaCompensationFailure_Unrecoverable(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	a := newFakeParticipant("a", capsSagaOnly, log)
	b := newFakeParticipant("b", capsSagaOnly, log)
	c := newFakeParticipant("c", capsSagaOnly, log)
	actBoom := errors.New("forward failed")
	compBoom := errors.New("undo failed")
	c.actErrs = []error{actBoom, actBoom}
	b.compensateErrs = []error{compBoom, compBoom}

	mgr := newTestManager(t, store, a, b, c)
	ctx := context.Background()

	id, err := mgr.Create(ctx, eventualReq, descriptors("a", "b", "c"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := mgr.Execute(ctx, id)

	var cerr *CompensationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompensationError, got %v", err)
	}
	if cerr.FailedStep != "b" {
		t.Fatalf("expected failing compensation on b, got %s", cerr.FailedStep)
	}
	// b and a both still hold effects; most recent first.
	if len(cerr.Uncompensated) != 2 || cerr.Uncompensated[0] != "b" || cerr.Uncompensated[1] != "a" {
		t.Fatalf("unexpected uncompensated set: %v", cerr.Uncompensated)
	}
	if tx.Status != StatusFailed {
		t.Fatalf("expected failed_unrecoverable, got %s", tx.Status)
	}
	// The reverse walk halts: a is never touched.
	if log.count("a.compensate") != 0 {
		t.Fatalf("walk must halt at first compensation failure")
	}
}

func TestManager_TwoPCHappyPath(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	a := newFakeParticipant("a", caps2PCOnly, log)
	b := newFakeParticipant("b", caps2PCOnly, log)
	mgr := newTestManager(t, store, a, b)
	ctx := context.Background()

	id, err := mgr.Create(ctx, strongReq, descriptors("a", "b"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := mgr.Execute(ctx, id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if tx.Pattern != PatternTwoPC {
		t.Fatalf("expected 2pc, got %s", tx.Pattern)
	}
	if tx.Status != StatusCommitted || tx.Decision != DecisionCommit {
		t.Fatalf("expected committed/commit, got %s/%s", tx.Status, tx.Decision)
	}
	if log.count("a.prepare") != 1 || log.count("b.prepare") != 1 {
		t.Fatalf("expected one prepare each, got %v", log.snapshot())
	}
	if log.count("a.commit") != 1 || log.count("b.commit") != 1 {
		t.Fatalf("expected one commit each, got %v", log.snapshot())
	}
	if log.count("a.abort")+log.count("b.abort") != 0 {
		t.Fatalf("no aborts on the commit path")
	}
}

func TestManager_TwoPCAbort_NoMixedOutcome(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	a := newFakeParticipant("a", caps2PCOnly, log)
	b := newFakeParticipant("b", caps2PCOnly, log)
	boom := errors.New("prepare refused")
	b.prepareErrs = []error{boom, boom}

	mgr := newTestManager(t, store, a, b)
	ctx := context.Background()

	id, err := mgr.Create(ctx, strongReq, descriptors("a", "b"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, execErr := mgr.Execute(ctx, id)
	if tx.Status != StatusAborted || tx.Decision != DecisionAbort {
		t.Fatalf("expected aborted/abort, got %s/%s (err=%v)", tx.Status, tx.Decision, execErr)
	}

	// The prepared participant receives abort; the refusing one
	// receives nothing beyond its failed prepare.
	if log.count("a.abort") != 1 {
		t.Fatalf("prepared participant must be aborted, got %v", log.snapshot())
	}
	if log.count("b.abort") != 0 {
		t.Fatalf("unprepared participant must not receive abort")
	}
	if log.count("a.commit")+log.count("b.commit") != 0 {
		t.Fatalf("atomicity violated: commit issued on abort path")
	}
	if tx.Step("a").Outcome != OutcomeCompensated {
		t.Fatalf("aborted prepare must be released, got %s", tx.Step("a").Outcome)
	}
	if tx.Step("b").Outcome != OutcomeFailed {
		t.Fatalf("refusing step must end failed, got %s", tx.Step("b").Outcome)
	}
}

func TestManager_TwoPCCommitRetriedUntilAcked(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	a := newFakeParticipant("a", caps2PCOnly, log)
	b := newFakeParticipant("b", caps2PCOnly, log)
	b.commitErrs = []error{errors.New("dropped ack")} // first commit lost

	mgr := newTestManager(t, store, a, b)
	ctx := context.Background()

	id, err := mgr.Create(ctx, strongReq, descriptors("a", "b"))
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
	if log.count("b.commit") != 2 {
		t.Fatalf("expected commit retried until acknowledged, got %d calls", log.count("b.commit"))
	}
}

func TestManager_Unsatisfiable_BeforeAnyParticipantCall(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	saga := newFakeParticipant("saga-only", capsSagaOnly, log)
	mgr := newTestManager(t, store, saga)
	ctx := context.Background()

	id, err := mgr.Create(ctx, strongReq, descriptors("saga-only"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := mgr.Execute(ctx, id)
	if !errors.Is(err, ErrPatternUnsatisfiable) {
		t.Fatalf("expected ErrPatternUnsatisfiable, got %v", err)
	}
	if len(log.snapshot()) != 0 {
		t.Fatalf("no participant may be called, got %v", log.snapshot())
	}
	if tx.Status != StatusCreated {
		t.Fatalf("transaction must stay created, got %s", tx.Status)
	}
}

func TestManager_Hybrid_CommitsSubsetThenTail(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	pay := newFakeParticipant("pay", capsBoth, log)
	stock := newFakeParticipant("stock", caps2PCOnly, log)
	notify := newFakeParticipant("notify", capsSagaOnly, log)

	mgr := newTestManager(t, store, pay, stock, notify)
	ctx := context.Background()

	id, err := mgr.Create(ctx, eventualReq, descriptors("pay", "stock", "notify"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := mgr.Execute(ctx, id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if tx.Pattern != PatternHybrid {
		t.Fatalf("expected hybrid, got %s", tx.Pattern)
	}
	if tx.Status != StatusCommitted {
		t.Fatalf("expected committed, got %s", tx.Status)
	}

	got := log.snapshot()
	// The atomic super-step settles entirely before the saga tail runs.
	sawAct := false
	for _, call := range got {
		if call == "notify.act" {
			sawAct = true
		}
		if sawAct && (call == "pay.commit" || call == "stock.commit") {
			t.Fatalf("saga tail ran before super-step committed: %v", got)
		}
	}
	if !sawAct {
		t.Fatalf("saga tail never ran: %v", got)
	}
}

func TestManager_Hybrid_TailFailureUnwindsSuperStep(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	pay := newFakeParticipant("pay", caps2PCOnly, log)
	stock := newFakeParticipant("stock", caps2PCOnly, log)
	notify := newFakeParticipant("notify", capsSagaOnly, log)
	boom := errors.New("notify rejected")
	notify.actErrs = []error{boom, boom}

	mgr := newTestManager(t, store, pay, stock, notify)
	ctx := context.Background()

	id, err := mgr.Create(ctx, eventualReq, descriptors("pay", "stock", "notify"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, err := mgr.Execute(ctx, id)
	if !errors.Is(err, boom) {
		t.Fatalf("expected tail failure surfaced, got %v", err)
	}
	if tx.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", tx.Status)
	}

	// Native compensations of the committed super-step members run in
	// reverse commit order: stock then pay.
	got := log.snapshot()
	var comps []string
	for _, call := range got {
		switch call {
		case "stock.compensate", "pay.compensate", "notify.compensate":
			comps = append(comps, call)
		}
	}
	if len(comps) != 2 || comps[0] != "stock.compensate" || comps[1] != "pay.compensate" {
		t.Fatalf("unexpected compensation order: %v", comps)
	}
}

func TestManager_Hybrid_SuperStepAbort(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	pay := newFakeParticipant("pay", caps2PCOnly, log)
	notify := newFakeParticipant("notify", capsSagaOnly, log)
	boom := errors.New("hold refused")
	pay.prepareErrs = []error{boom, boom}

	mgr := newTestManager(t, store, pay, notify)
	ctx := context.Background()

	id, err := mgr.Create(ctx, eventualReq, descriptors("pay", "notify"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, execErr := mgr.Execute(ctx, id)
	if execErr == nil {
		t.Fatalf("expected error from aborted super-step")
	}
	if tx.Status != StatusAborted {
		t.Fatalf("expected aborted, got %s", tx.Status)
	}
	if log.count("notify.act") != 0 {
		t.Fatalf("saga tail must not run after super-step abort")
	}
}

func TestManager_Status_ReadOnly(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	pay := newFakeParticipant("pay", capsSagaOnly, log)
	mgr := newTestManager(t, store, pay)
	ctx := context.Background()

	id, err := mgr.Create(ctx, eventualReq, descriptors("pay"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	before, _ := mgr.Status(ctx, id)
	again, _ := mgr.Status(ctx, id)
	if before.Version != again.Version || before.Status != again.Status {
		t.Fatalf("status must not mutate: %+v vs %+v", before, again)
	}
}

func TestManager_SagaTimeoutTriggersCompensation(t *testing.T) {
	log := &callLog{}
	store := NewMemoryStore()
	a := newFakeParticipant("a", capsSagaOnly, log)
	slow := newFakeParticipant("slow", capsSagaOnly, log)
	slow.block = true

	mgr := newTestManager(t, store, a, slow)
	ctx := context.Background()

	req := Requirements{Consistency: ConsistencyEventual, Timeout: 50 * time.Millisecond}
	id, err := mgr.Create(ctx, req, descriptors("a", "slow"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, execErr := mgr.Execute(ctx, id)
	if !errors.Is(execErr, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", execErr)
	}
	// Compensation legitimately continues past the deadline.
	if tx.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", tx.Status)
	}
	if log.count("a.compensate") != 1 {
		t.Fatalf("completed step must be compensated after timeout")
	}
}
