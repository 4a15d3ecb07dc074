package txn

import (
	"errors"
	"fmt"
	"strings"
)

// Configuration errors: detected before execution begins, returned
// synchronously, never retried.
var (
	// ErrPatternUnsatisfiable signals that no coordination pattern can
	// satisfy the declared requirements and participant capabilities.
	ErrPatternUnsatisfiable = errors.New("no coordination pattern satisfies requirements")

	// ErrNoSteps signals a transaction declared without any steps.
	ErrNoSteps = errors.New("transaction has no steps")

	// ErrDuplicateStep signals two steps sharing a step id.
	ErrDuplicateStep = errors.New("duplicate step id")

	// ErrUnknownParticipant signals a step naming an unregistered participant.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrMissingCompensation signals a saga step that can fail partway
	// but declares no compensating operation.
	ErrMissingCompensation = errors.New("saga step missing compensation")

	// ErrInvalidRequirements signals malformed caller requirements.
	ErrInvalidRequirements = errors.New("invalid transaction requirements")
)

// Runtime errors.
var (
	// ErrNotFound signals an unknown transaction id.
	ErrNotFound = errors.New("transaction not found")

	// ErrVersionConflict signals a rejected conditional write: another
	// coordinator instance advanced the transaction first.
	ErrVersionConflict = errors.New("state store version conflict")

	// ErrProtocolViolation signals a participant response outside its
	// declared contract. Never retried: retrying a malformed response
	// cannot help.
	ErrProtocolViolation = errors.New("participant protocol violation")

	// ErrTerminal signals an attempt to advance an already-terminal
	// transaction.
	ErrTerminal = errors.New("transaction is terminal")
)

// CompensationError is the one terminal failure the core cannot resolve
// alone: a compensation failed mid-walk, leaving the listed steps with
// effects still applied. Requires manual remediation.
type CompensationError struct {
	TxID          string
	FailedStep    string
	Uncompensated []string
	Cause         error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("transaction %s: compensation of step %s failed, uncompensated steps [%s]: %v",
		e.TxID, e.FailedStep, strings.Join(e.Uncompensated, ", "), e.Cause)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

// IsConfigError reports whether err is caller-correctable configuration,
// as opposed to a runtime failure requiring operator attention.
func IsConfigError(err error) bool {
	for _, target := range []error{
		ErrPatternUnsatisfiable,
		ErrNoSteps,
		ErrDuplicateStep,
		ErrUnknownParticipant,
		ErrMissingCompensation,
		ErrInvalidRequirements,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
