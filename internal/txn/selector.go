package txn

import "fmt"

// Select picks the coordination pattern for a set of steps given the
// caller's requirements. Pure function: no side effects, deterministic
// over its inputs.
//
// Strong consistency with uniformly 2PC-capable steps yields 2PC. A
// uniformly saga-capable set yields a saga, provided every step that
// can fail partway declares a compensation. A mixed set yields the
// hybrid pattern: the 2PC-capable subset runs first as a single
// compensable super-step, the rest as a saga continuation. The
// compensation rule then covers the super-step members too, since a
// tail failure unwinds them after their commit; a member without an
// undo must be declared irreversible up front. Anything else is a
// configuration error, never a runtime failure.
func Select(req Requirements, steps []StepRecord) (Pattern, error) {
	if len(steps) == 0 {
		return "", ErrNoSteps
	}

	all2PC, allSaga := true, true
	for i := range steps {
		caps := steps[i].Capabilities
		if !caps.Supports2PC && !caps.SupportsSaga {
			return "", fmt.Errorf("step %s supports no protocol: %w", steps[i].StepID, ErrPatternUnsatisfiable)
		}
		all2PC = all2PC && caps.Supports2PC
		allSaga = allSaga && caps.SupportsSaga
	}

	if req.Consistency == ConsistencyStrong {
		if all2PC {
			return PatternTwoPC, nil
		}
		// A hybrid grouping still gives the 2PC-capable subset atomic
		// semantics; viable only if at least one step can take part. The
		// saga tail makes the whole set compensable, so every step,
		// super-step members included, must declare an undo or be
		// marked irreversible.
		if any2PC(steps) {
			if err := checkCompensations(steps); err != nil {
				return "", err
			}
			return PatternHybrid, nil
		}
		return "", fmt.Errorf("strong consistency requested but no step supports 2pc: %w", ErrPatternUnsatisfiable)
	}

	if allSaga {
		if err := checkCompensations(steps); err != nil {
			return "", err
		}
		return PatternSaga, nil
	}
	if any2PC(steps) {
		// A uniformly 2PC-capable set has an empty saga tail: nothing
		// can fail after the atomic round, so no undo is required.
		if all2PC {
			return PatternHybrid, nil
		}
		// A non-empty tail can fail after the super-step committed, so
		// the compensation rule covers every step, not just the tail.
		if err := checkCompensations(steps); err != nil {
			return "", err
		}
		return PatternHybrid, nil
	}
	return "", fmt.Errorf("no grouping covers every step: %w", ErrPatternUnsatisfiable)
}

func any2PC(steps []StepRecord) bool {
	for i := range steps {
		if steps[i].Capabilities.Supports2PC {
			return true
		}
	}
	return false
}

// checkCompensations rejects steps that are neither compensable nor
// declared irreversible.
func checkCompensations(steps []StepRecord) error {
	for i := range steps {
		s := &steps[i]
		if !s.HasCompensation && !s.Irreversible {
			return fmt.Errorf("step %s: %w", s.StepID, ErrMissingCompensation)
		}
	}
	return nil
}
