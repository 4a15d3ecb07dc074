package txn

import "time"

// Pattern identifies the coordination strategy chosen for a transaction.
// It is fixed once selected and never re-evaluated mid-flight.
type Pattern string

const (
	PatternSaga   Pattern = "saga"
	PatternTwoPC  Pattern = "two_phase_commit"
	PatternHybrid Pattern = "hybrid"
)

// Status is the transaction lifecycle state machine value.
type Status string

const (
	StatusCreated         Status = "created"
	StatusPatternSelected Status = "pattern_selected"
	StatusExecuting       Status = "executing"
	StatusPreparing       Status = "preparing"
	StatusCommitting      Status = "committing"
	StatusAborting        Status = "aborting"
	StatusCompensating    Status = "compensating"
	StatusCommitted       Status = "committed"
	StatusAborted         Status = "aborted"
	StatusCompensated     Status = "compensated"
	StatusFailed          Status = "failed_unrecoverable"
)

// Terminal reports whether a transaction in this status is immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusAborted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// Decision is the binding outcome of a two-phase-commit round. Once
// persisted it is only ever re-broadcast, never re-derived.
type Decision string

const (
	DecisionNone   Decision = ""
	DecisionCommit Decision = "commit"
	DecisionAbort  Decision = "abort"
)

// Consistency is the caller's consistency requirement.
type Consistency string

const (
	ConsistencyStrong   Consistency = "strong"
	ConsistencyEventual Consistency = "eventual"
)

// Availability is the caller's availability target.
type Availability string

const (
	AvailabilityHigh     Availability = "high"
	AvailabilityStandard Availability = "standard"
)

// Requirements is the immutable record supplied by the caller at creation.
// Timeout is an absolute budget across all phases, not reset per step.
type Requirements struct {
	Consistency  Consistency   `json:"consistency"`
	Availability Availability  `json:"availability"`
	Timeout      time.Duration `json:"timeout"`
}

// Capabilities declares which protocols a participant supports. At least
// one must be true for a step to be admitted.
type Capabilities struct {
	Supports2PC  bool `json:"supports_2pc"`
	SupportsSaga bool `json:"supports_saga"`
}

// Outcome is the per-step state within a transaction.
type Outcome string

const (
	OutcomePending     Outcome = "pending"
	OutcomePrepared    Outcome = "prepared"
	OutcomeCommitted   Outcome = "committed"
	OutcomeCompensated Outcome = "compensated"
	OutcomeFailed      Outcome = "failed"
)

// StepDescriptor is the caller's declaration of one unit of work.
// Participant names a registered participant; Params are passed opaquely
// to its forward and compensating operations. Steps with the same Group
// value run concurrently within a saga; group boundaries are barriers.
// Groups are opt-in: when no descriptor in the transaction declares one,
// steps run strictly sequentially in declaration order.
type StepDescriptor struct {
	StepID       string
	Participant  string
	Params       map[string]any
	Group        int
	Irreversible bool
}

// StepRecord is the durable state of one step. Capabilities and
// HasCompensation are resolved once at admission from the registered
// participant and never re-inspected at runtime.
type StepRecord struct {
	StepID          string         `json:"step_id"`
	Participant     string         `json:"participant"`
	Params          map[string]any `json:"params,omitempty"`
	Group           int            `json:"group"`
	Irreversible    bool           `json:"irreversible,omitempty"`
	Capabilities    Capabilities   `json:"capabilities"`
	HasCompensation bool           `json:"has_compensation"`
	Outcome         Outcome        `json:"outcome"`
	Attempts        int            `json:"attempts"`
	CommitSeq       int            `json:"commit_seq"` // order in which the step reached committed; 0 = never
	Detail          string         `json:"detail,omitempty"`
}

// Transaction is the unit of coordination. Version is the optimistic
// concurrency token for the state store; every persisted transition
// increments it by exactly one.
type Transaction struct {
	ID           string       `json:"id"`
	Pattern      Pattern      `json:"pattern,omitempty"`
	Status       Status       `json:"status"`
	Requirements Requirements `json:"requirements"`
	Steps        []StepRecord `json:"steps"`
	Decision     Decision     `json:"decision,omitempty"`
	Version      int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Step returns a pointer to the step with the given id, or nil.
func (t *Transaction) Step(stepID string) *StepRecord {
	for i := range t.Steps {
		if t.Steps[i].StepID == stepID {
			return &t.Steps[i]
		}
	}
	return nil
}

// committedSteps returns indexes of steps whose forward operation
// committed, ordered by completion (CommitSeq ascending).
func (t *Transaction) committedSteps() []int {
	var idx []int
	for i := range t.Steps {
		if t.Steps[i].Outcome == OutcomeCommitted && t.Steps[i].CommitSeq > 0 {
			idx = append(idx, i)
		}
	}
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && t.Steps[idx[j]].CommitSeq < t.Steps[idx[j-1]].CommitSeq; j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
	return idx
}

// nextCommitSeq returns the completion sequence number for the next
// step to commit.
func (t *Transaction) nextCommitSeq() int {
	max := 0
	for i := range t.Steps {
		if t.Steps[i].CommitSeq > max {
			max = t.Steps[i].CommitSeq
		}
	}
	return max + 1
}
