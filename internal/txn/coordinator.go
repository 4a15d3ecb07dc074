package txn

import (
	"context"
	"sync"
	"time"
)

// Observer receives a snapshot of every persisted transition. This is
// the hook surface for metrics and event fan-out; the core never
// depends on what observers do with it.
type Observer func(Transaction)

// saver funnels every state transition through one conditional write.
// On success the in-memory record's version advances in lockstep with
// the store, so a concurrent coordinator instance advancing the same
// transaction surfaces immediately as ErrVersionConflict.
type saver struct {
	store   StateStore
	observe Observer
	logf    func(format string, args ...any)
}

func (s saver) save(ctx context.Context, tx *Transaction, mutate func(*Transaction)) error {
	mutate(tx)
	if err := s.store.PutIfVersion(ctx, tx.Version, *tx); err != nil {
		return err
	}
	tx.Version++
	tx.UpdatedAt = time.Now()
	if s.observe != nil {
		s.observe(*tx)
	}
	return nil
}

// auditStep records a step transition in the store's append-only trail,
// when the store keeps one. Best-effort: the versioned record is the
// source of truth.
func (s saver) auditStep(ctx context.Context, txID, stepID string, outcome Outcome, detail string) {
	auditor, ok := s.store.(StepAuditor)
	if !ok {
		return
	}
	if err := auditor.AppendStepEvent(ctx, txID, stepID, outcome, detail); err != nil {
		s.logf("tx %s: step audit %s -> %s: %v", txID, stepID, outcome, err)
	}
}

// breakerSet lazily builds one circuit breaker per participant. A nil
// set disables breaking entirely.
type breakerSet struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	byID       map[string]*Breaker
}

func newBreakerSet(maxFails int, resetAfter time.Duration) *breakerSet {
	return &breakerSet{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		byID:       make(map[string]*Breaker),
	}
}

func (b *breakerSet) get(participantID string) *Breaker {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.byID[participantID]
	if !ok {
		br = NewBreaker(b.maxFails, b.resetAfter)
		b.byID[participantID] = br
	}
	return br
}

// callParticipant wraps one participant operation with the breaker and
// retry policy, reporting the attempts consumed.
func callParticipant(ctx context.Context, policy Policy, br *Breaker, fn func(context.Context) error) (attempts int, err error) {
	policy.OnAttempt = func(attempt int) { attempts = attempt }
	err = policy.Do(ctx, func() error {
		return br.Execute(func() error { return fn(ctx) })
	})
	return attempts, err
}

// groupIndexes partitions the given step indexes into execution groups,
// ordered by first appearance of each group value. Steps sharing a
// group run concurrently; group boundaries are barriers.
func groupIndexes(tx *Transaction, scope []int) [][]int {
	var order []int
	byGroup := make(map[int][]int)
	for _, i := range scope {
		g := tx.Steps[i].Group
		if _, seen := byGroup[g]; !seen {
			order = append(order, g)
		}
		byGroup[g] = append(byGroup[g], i)
	}
	groups := make([][]int, 0, len(order))
	for _, g := range order {
		groups = append(groups, byGroup[g])
	}
	return groups
}

// allIndexes returns every step index of the transaction.
func allIndexes(tx *Transaction) []int {
	idx := make([]int, len(tx.Steps))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// detached strips the caller's deadline for phases that legitimately
// outlive it: compensation walks and decision broadcasts continue in
// the background after the transaction is reported failed.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
