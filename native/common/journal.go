package common

import (
	"errors"
	"fmt"
)

// ErrRollbackFailed marks an abort whose undo steps could not all be applied.
// The ledger may be inconsistent and the call needs operator attention.
var ErrRollbackFailed = errors.New("rollback incomplete")

// Journal records undo steps for effects that were applied before a
// collaborator call. Rollback runs them newest first.
type Journal struct {
	undo []func() error
}

// Record appends an undo step that cannot fail.
func (j *Journal) Record(fn func()) {
	if fn == nil {
		return
	}
	j.undo = append(j.undo, func() error { fn(); return nil })
}

// RecordStep appends an undo step that can fail, such as a token movement.
func (j *Journal) RecordStep(fn func() error) {
	if fn == nil {
		return
	}
	j.undo = append(j.undo, fn)
}

// Rollback runs every recorded step, newest first, and clears the journal.
// A failing step does not stop the ones recorded before it; all failures are
// returned together.
func (j *Journal) Rollback() error {
	var errs []error
	for i := len(j.undo) - 1; i >= 0; i-- {
		if err := j.undo[i](); err != nil {
			errs = append(errs, err)
		}
	}
	j.undo = nil
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRollbackFailed, errors.Join(errs...))
}

// Abort rolls back and returns cause, joined with the rollback failure if
// there was one.
func (j *Journal) Abort(cause error) error {
	if err := j.Rollback(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Commit forgets the recorded steps.
func (j *Journal) Commit() {
	j.undo = nil
}

// Len returns the number of pending undo steps.
func (j *Journal) Len() int { return len(j.undo) }
