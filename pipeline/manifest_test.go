package pipeline

import (
	"errors"
	"testing"
)

func advance(t *testing.T, m *RunManifest, states ...RunStatus) {
	t.Helper()
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
	}
}

func TestManifest_HappyPath(t *testing.T) {
	m := NewRunManifest("batch-20240305")
	if m.Status != StatusPending {
		t.Fatalf("expected pending start, got %s", m.Status)
	}
	if m.RunID == "" {
		t.Errorf("expected a run id")
	}

	advance(t, m, StatusValidating, StatusNormalizing, StatusMergingDimensions, StatusBuildingFacts)
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if m.Status != StatusSucceeded {
		t.Errorf("expected succeeded, got %s", m.Status)
	}
	if m.FinishedAt.IsZero() {
		t.Errorf("expected finish timestamp set")
	}
}

func TestManifest_IllegalTransitionRejected(t *testing.T) {
	m := NewRunManifest("batch-x")
	if err := m.Transition(StatusBuildingFacts); err == nil {
		t.Errorf("expected pending → building_facts to be rejected")
	}
	if m.Status != StatusPending {
		t.Errorf("failed transition must not change state, got %s", m.Status)
	}
}

func TestManifest_InvalidRecordsProducePartial(t *testing.T) {
	m := NewRunManifest("batch-x")
	advance(t, m, StatusValidating, StatusNormalizing, StatusMergingDimensions, StatusBuildingFacts)
	m.RecordsInvalid = 3

	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if m.Status != StatusPartial {
		t.Errorf("expected partial with invalid records, got %s", m.Status)
	}
}

func TestManifest_UnresolvedFactsProducePartial(t *testing.T) {
	m := NewRunManifest("batch-x")
	advance(t, m, StatusValidating, StatusNormalizing, StatusMergingDimensions, StatusBuildingFacts)
	m.FactsUnresolved = 1

	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if m.Status != StatusPartial {
		t.Errorf("expected partial with unresolved facts, got %s", m.Status)
	}
}

func TestManifest_FailFromAnyState(t *testing.T) {
	m := NewRunManifest("batch-x")
	advance(t, m, StatusValidating, StatusNormalizing)

	m.Fail(errors.New("warehouse unreachable"))
	if m.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", m.Status)
	}
	if m.Error != "warehouse unreachable" {
		t.Errorf("expected error recorded, got %q", m.Error)
	}
	if err := m.Transition(StatusValidating); err == nil {
		t.Errorf("expected transitions out of failed to be rejected")
	}

	// Fail on an already-terminal run is a no-op.
	m.Fail(errors.New("second failure"))
	if m.Error != "warehouse unreachable" {
		t.Errorf("terminal manifest must not be overwritten, got %q", m.Error)
	}
}

func TestManifest_CountsFoldFromPlansAndBatches(t *testing.T) {
	m := NewRunManifest("batch-x")

	m.AddMerge(&MergePlan{
		Insert:     []DimensionVersion{{}, {}},
		Expire:     []Expiration{{}},
		Update:     []InPlaceUpdate{{}},
		Unchanged:  5,
		Duplicates: 2,
	})
	m.AddFacts(&FactBatch{Rows: []FactRow{{}, {}, {}}, Unresolved: 1})

	if m.DimensionsInserted != 2 || m.DimensionsExpired != 1 || m.DimensionsUpdated != 1 {
		t.Errorf("unexpected dimension counts: %+v", m)
	}
	if m.DimensionsUnchanged != 5 || m.DuplicatesDiscarded != 2 {
		t.Errorf("unexpected unchanged/duplicate counts: %+v", m)
	}
	if m.FactsInserted != 3 || m.FactsUnresolved != 1 {
		t.Errorf("unexpected fact counts: %+v", m)
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	for _, s := range []RunStatus{StatusSucceeded, StatusFailed, StatusPartial} {
		if !s.Terminal() {
			t.Errorf("expected %s terminal", s)
		}
	}
	for _, s := range []RunStatus{StatusPending, StatusValidating, StatusNormalizing, StatusMergingDimensions, StatusBuildingFacts} {
		if s.Terminal() {
			t.Errorf("expected %s non-terminal", s)
		}
	}
}
