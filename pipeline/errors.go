package pipeline

import "fmt"

// Record-level problems (failed rules, coercion failures, unresolved fact
// references) are not Go errors: they are flagged on the record or counted
// in the run manifest and the run continues. The types below cover the only
// failures that abort a run.

// MergeIntegrityError reports a violated dimension invariant, such as two
// current versions for one natural key. It indicates a prior bug and aborts
// the run.
type MergeIntegrityError struct {
	Dimension  string
	NaturalKey string
	Detail     string
}

func (e *MergeIntegrityError) Error() string {
	return fmt.Sprintf("merge integrity violation in dimension %s (key %q): %s",
		e.Dimension, e.NaturalKey, e.Detail)
}

// CollaboratorError wraps a failure of an external collaborator (blob store
// or relational engine). Fatal for the run; the orchestrator may retry the
// whole batch under the same identifier.
type CollaboratorError struct {
	Collaborator string // "blob" or "warehouse"
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s collaborator failed during %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }
