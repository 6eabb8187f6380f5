package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is a state of the run state machine.
type RunStatus string

const (
	StatusPending           RunStatus = "pending"
	StatusValidating        RunStatus = "validating"
	StatusNormalizing       RunStatus = "normalizing"
	StatusMergingDimensions RunStatus = "merging_dimensions"
	StatusBuildingFacts     RunStatus = "building_facts"
	StatusSucceeded         RunStatus = "succeeded"
	StatusFailed            RunStatus = "failed"
	StatusPartial           RunStatus = "partial"
)

// transitions lists the legal forward edges. failed is reachable from every
// non-terminal state and is handled separately.
var transitions = map[RunStatus][]RunStatus{
	StatusPending:           {StatusValidating},
	StatusValidating:        {StatusNormalizing},
	StatusNormalizing:       {StatusMergingDimensions},
	StatusMergingDimensions: {StatusBuildingFacts},
	StatusBuildingFacts:     {StatusSucceeded, StatusPartial},
}

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusPartial
}

// RunManifest is the sole user-visible contract of a run: identifiers,
// per-stage counts and a terminal status. It is created at run start and
// immutable once finalized.
type RunManifest struct {
	RunID   string
	BatchID string
	Status  RunStatus

	StartedAt  time.Time
	FinishedAt time.Time

	RecordsProcessed int64
	RecordsValid     int64
	RecordsInvalid   int64

	DimensionsInserted  int64
	DimensionsExpired   int64
	DimensionsUpdated   int64 // SCD type 1 in-place updates
	DimensionsUnchanged int64
	DuplicatesDiscarded int64

	FactsInserted   int64
	FactsUnresolved int64

	Error string
}

// NewRunManifest starts accounting for one batch invocation.
func NewRunManifest(batchID string) *RunManifest {
	return &RunManifest{
		RunID:     uuid.NewString(),
		BatchID:   batchID,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
	}
}

// Transition advances the state machine. Illegal moves and moves out of a
// terminal state are rejected.
func (m *RunManifest) Transition(next RunStatus) error {
	if m.Status.Terminal() {
		return fmt.Errorf("run %s already finalized as %s", m.BatchID, m.Status)
	}
	for _, allowed := range transitions[m.Status] {
		if next == allowed {
			m.Status = next
			return nil
		}
	}
	return fmt.Errorf("illegal run transition %s → %s", m.Status, next)
}

// Fail finalizes the run as failed from any non-terminal state.
func (m *RunManifest) Fail(err error) {
	if m.Status.Terminal() {
		return
	}
	m.Status = StatusFailed
	m.Error = err.Error()
	m.FinishedAt = time.Now().UTC()
}

// Finalize closes a completed run. Record-level issues downgrade the status
// to partial; that is expected steady state under flag-and-retain, not an
// error condition.
func (m *RunManifest) Finalize() error {
	terminal := StatusSucceeded
	if m.RecordsInvalid > 0 || m.FactsUnresolved > 0 {
		terminal = StatusPartial
	}
	if err := m.Transition(terminal); err != nil {
		return err
	}
	m.FinishedAt = time.Now().UTC()
	return nil
}

// AddMerge folds one dimension's merge plan into the run counts.
func (m *RunManifest) AddMerge(plan *MergePlan) {
	m.DimensionsInserted += int64(len(plan.Insert))
	m.DimensionsExpired += int64(len(plan.Expire))
	m.DimensionsUpdated += int64(len(plan.Update))
	m.DimensionsUnchanged += int64(plan.Unchanged)
	m.DuplicatesDiscarded += int64(plan.Duplicates)
}

// AddFacts folds one fact batch into the run counts.
func (m *RunManifest) AddFacts(batch *FactBatch) {
	m.FactsInserted += int64(len(batch.Rows))
	m.FactsUnresolved += int64(batch.Unresolved)
}
