package txn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is the public entry point for distributed transactions. It
// owns the lifecycle (create, select pattern, execute, finalize),
// delegates to the coordinator the selector picked, and persists every
// transition through the state store. It holds no state of its own
// beyond the in-flight execution context.
type Manager struct {
	store    StateStore
	registry *Registry
	retry    Policy
	breakers *breakerSet
	logf     func(format string, args ...any)
	observe  Observer
	newID    func() string

	saga   *sagaCoordinator
	twopc  *twoPCCoordinator
	hybrid *hybridCoordinator
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRetryPolicy overrides the policy wrapped around participant calls.
func WithRetryPolicy(p Policy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithLogf injects the logging function (defaults to log.Printf).
func WithLogf(logf func(format string, args ...any)) Option {
	return func(m *Manager) { m.logf = logf }
}

// WithObserver registers a hook receiving every persisted transition.
func WithObserver(obs Observer) Option {
	return func(m *Manager) { m.observe = obs }
}

// WithBreakers guards each participant with a circuit breaker.
func WithBreakers(maxFails int, resetAfter time.Duration) Option {
	return func(m *Manager) { m.breakers = newBreakerSet(maxFails, resetAfter) }
}

// WithIDGenerator overrides transaction id generation (tests).
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager constructs a Manager over a state store and a participant
// registry.
func NewManager(store StateStore, registry *Registry, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		registry: registry,
		retry:    DefaultPolicy(),
		logf:     log.Printf,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}

	s := saver{store: m.store, observe: m.observe, logf: m.logf}
	m.saga = &sagaCoordinator{saver: s, reg: m.registry, retry: m.retry, breakers: m.breakers}
	m.twopc = &twoPCCoordinator{saver: s, reg: m.registry, retry: m.retry, breakers: m.breakers}
	m.hybrid = &hybridCoordinator{twopc: m.twopc, saga: m.saga}
	return m
}

// Create validates the step descriptors, persists the new transaction
// in created status and returns its id. No participant is called.
func (m *Manager) Create(ctx context.Context, req Requirements, descriptors []StepDescriptor) (string, error) {
	if len(descriptors) == 0 {
		return "", ErrNoSteps
	}
	if req.Timeout <= 0 {
		return "", fmt.Errorf("transaction timeout must be positive: %w", ErrInvalidRequirements)
	}
	if req.Consistency == "" {
		req.Consistency = ConsistencyEventual
	}
	if req.Availability == "" {
		req.Availability = AvailabilityStandard
	}

	// Parallelism is opt-in. When no descriptor declares a group, each
	// step gets its own so execution is strictly sequential in insertion
	// order.
	grouped := false
	for _, d := range descriptors {
		if d.Group != 0 {
			grouped = true
			break
		}
	}

	seen := make(map[string]bool, len(descriptors))
	steps := make([]StepRecord, 0, len(descriptors))
	for i, d := range descriptors {
		stepID := d.StepID
		if stepID == "" {
			stepID = d.Participant
		}
		if seen[stepID] {
			return "", fmt.Errorf("%w: %s", ErrDuplicateStep, stepID)
		}
		seen[stepID] = true

		group := d.Group
		if !grouped {
			group = i
		}

		p, err := m.registry.Lookup(d.Participant)
		if err != nil {
			return "", err
		}
		steps = append(steps, StepRecord{
			StepID:          stepID,
			Participant:     d.Participant,
			Params:          d.Params,
			Group:           group,
			Irreversible:    d.Irreversible,
			Capabilities:    p.Capabilities(),
			HasCompensation: hasCompensation(p),
			Outcome:         OutcomePending,
		})
	}

	now := time.Now()
	tx := Transaction{
		ID:           m.newID(),
		Status:       StatusCreated,
		Requirements: req,
		Steps:        steps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.PutIfVersion(ctx, 0, tx); err != nil {
		return "", err
	}
	if m.observe != nil {
		tx.Version = 1
		m.observe(tx)
	}
	return tx.ID, nil
}

// Execute selects the pattern, persists the selection and drives the
// transaction to a terminal status under its declared timeout. A
// configuration error (including ErrPatternUnsatisfiable) is returned
// before any participant is called, leaving the transaction in created.
func (m *Manager) Execute(ctx context.Context, txID string) (Transaction, error) {
	tx, err := m.store.Get(ctx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if tx.Status.Terminal() {
		return tx, nil
	}
	if tx.Status != StatusCreated && tx.Status != StatusPatternSelected {
		return tx, fmt.Errorf("tx %s is %s, use Recover to resume it", tx.ID, tx.Status)
	}

	s := saver{store: m.store, observe: m.observe, logf: m.logf}
	if tx.Status == StatusCreated {
		pattern, selErr := Select(tx.Requirements, tx.Steps)
		if selErr != nil {
			return tx, selErr
		}
		if err := s.save(ctx, &tx, func(t *Transaction) {
			t.Pattern = pattern
			t.Status = StatusPatternSelected
		}); err != nil {
			return tx, err
		}
	}

	dctx, cancel := context.WithTimeout(ctx, tx.Requirements.Timeout)
	defer cancel()

	switch tx.Pattern {
	case PatternSaga:
		if err := s.save(dctx, &tx, func(t *Transaction) { t.Status = StatusExecuting }); err != nil {
			return tx, err
		}
		err = m.saga.run(dctx, &tx)
	case PatternTwoPC:
		err = m.twopc.run(dctx, &tx)
	case PatternHybrid:
		err = m.hybrid.run(dctx, &tx)
	default:
		err = fmt.Errorf("tx %s has unknown pattern %q", tx.ID, tx.Pattern)
	}
	if err != nil {
		m.logf("tx %s finished %s: %v", tx.ID, tx.Status, err)
	}
	return tx, err
}

// Status returns the stored record. Read-only, never mutates.
//
// The Status field reflects whichever coordinator owns the transaction:
// sagas report executing/compensating, while 2PC and hybrid report
// preparing/committing/aborting in place of executing. The two machines
// share the one field, so callers should branch on Pattern before
// interpreting non-terminal values.
func (m *Manager) Status(ctx context.Context, txID string) (Transaction, error) {
	return m.store.Get(ctx, txID)
}

// Recover inspects the last persisted state and resumes the correct
// coordinator from where it left off: a saga resumes compensation from
// the last committed step found in the store, a 2PC round re-broadcasts
// its persisted decision (or re-prepares when none was made).
func (m *Manager) Recover(ctx context.Context, txID string) (Transaction, error) {
	tx, err := m.store.Get(ctx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if tx.Status.Terminal() {
		return tx, nil
	}
	if tx.Status == StatusCreated || tx.Status == StatusPatternSelected {
		return m.Execute(ctx, txID)
	}

	dctx, cancel := context.WithTimeout(ctx, tx.Requirements.Timeout)
	defer cancel()

	switch tx.Pattern {
	case PatternSaga:
		err = m.saga.resume(dctx, &tx)
	case PatternTwoPC:
		err = m.twopc.resume(dctx, &tx)
	case PatternHybrid:
		err = m.hybrid.resume(dctx, &tx)
	default:
		err = fmt.Errorf("tx %s has unknown pattern %q", tx.ID, tx.Pattern)
	}
	return tx, err
}

// RecoverAll sweeps every unterminated transaction, one goroutine each,
// and returns the first error encountered. Run at coordinator startup
// so no transaction stays ambiguous longer than a restart.
func (m *Manager) RecoverAll(ctx context.Context) error {
	ids, err := m.store.ListUnterminated(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	m.logf("recovery sweep: %d unterminated transactions", len(ids))

	errCh := make(chan error, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Recover(ctx, id); err != nil {
				m.logf("recover tx %s: %v", id, err)
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	return <-errCh
}
