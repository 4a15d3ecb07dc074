package txn

import (
	"context"
	"fmt"
	"sync"
)

// Participant is the minimal contract for any collaborator acting as a
// step. Capabilities are queried once at registration; the registry
// resolves them into the concrete protocol interfaces below and never
// inspects types again at runtime.
type Participant interface {
	ID() string
	Capabilities() Capabilities
}

// SagaParticipant performs a forward operation and, unless the step is
// declared irreversible, a compensating operation that semantically
// undoes it. Both must be safe under at-least-once delivery.
type SagaParticipant interface {
	Participant
	Act(ctx context.Context, txID string, params map[string]any) error
	Compensate(ctx context.Context, txID string, params map[string]any) error
}

// TwoPCParticipant takes part in a prepare/commit/abort round. Commit
// and Abort must be idempotent and re-invokable after a coordinator
// crash.
type TwoPCParticipant interface {
	Participant
	Prepare(ctx context.Context, txID string, params map[string]any) error
	Commit(ctx context.Context, txID string) error
	Abort(ctx context.Context, txID string) error
}

// Registry holds the participants known to one Manager instance. It is
// scoped, not process-wide; two managers never share registrations.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]Participant
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{participants: make(map[string]Participant)}
}

// Register admits a participant, checking once that its declared
// capabilities match the interfaces it actually implements. A claim
// without a matching implementation is a configuration error.
func (r *Registry) Register(p Participant) error {
	caps := p.Capabilities()
	if !caps.Supports2PC && !caps.SupportsSaga {
		return fmt.Errorf("participant %s: %w", p.ID(), ErrPatternUnsatisfiable)
	}
	if caps.Supports2PC {
		if _, ok := p.(TwoPCParticipant); !ok {
			return fmt.Errorf("participant %s claims 2pc support without implementing it: %w", p.ID(), ErrProtocolViolation)
		}
	}
	if caps.SupportsSaga {
		if _, ok := p.(SagaParticipant); !ok {
			return fmt.Errorf("participant %s claims saga support without implementing it: %w", p.ID(), ErrProtocolViolation)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.participants[p.ID()]; exists {
		return fmt.Errorf("participant %s already registered", p.ID())
	}
	r.participants[p.ID()] = p
	return nil
}

// Lookup returns a registered participant by id.
func (r *Registry) Lookup(id string) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	return p, nil
}

// saga returns the saga-side of a registered participant.
func (r *Registry) saga(id string) (SagaParticipant, error) {
	p, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	sp, ok := p.(SagaParticipant)
	if !ok {
		return nil, fmt.Errorf("participant %s has no saga protocol: %w", id, ErrProtocolViolation)
	}
	return sp, nil
}

// twoPC returns the 2PC-side of a registered participant.
func (r *Registry) twoPC(id string) (TwoPCParticipant, error) {
	p, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	tp, ok := p.(TwoPCParticipant)
	if !ok {
		return nil, fmt.Errorf("participant %s has no 2pc protocol: %w", id, ErrProtocolViolation)
	}
	return tp, nil
}

// hasCompensation reports whether the participant can undo its forward
// operation. Resolved at admission, recorded on the step.
func hasCompensation(p Participant) bool {
	_, ok := p.(SagaParticipant)
	return ok
}
