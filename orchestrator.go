package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/andresbrocco/cloud-data-warehouse/blobstore"
	"github.com/andresbrocco/cloud-data-warehouse/pipeline"
	"github.com/andresbrocco/cloud-data-warehouse/schema"
	"github.com/andresbrocco/cloud-data-warehouse/warehouse"
)

// Orchestrator sequences one pipeline run: raw load, validation,
// normalization, dimension merges, fact building. Runs are idempotent per
// batch identifier; replaying a completed batch reproduces its manifest
// without writing.
type Orchestrator struct {
	config *Config
	model  *schema.Schema
	store  blobstore.Store
	db     *warehouse.DB
	loader *RawLoader

	mu   sync.RWMutex
	last *pipeline.RunManifest
}

// NewOrchestrator wires the pipeline against its two collaborators.
func NewOrchestrator(config *Config, model *schema.Schema, store blobstore.Store, db *warehouse.DB) *Orchestrator {
	return &Orchestrator{
		config: config,
		model:  model,
		store:  store,
		db:     db,
		loader: NewRawLoader(store, db, config.Blob.Prefix),
	}
}

// LastManifest returns the manifest of the most recently finished run.
func (o *Orchestrator) LastManifest() *pipeline.RunManifest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

func (o *Orchestrator) remember(m *pipeline.RunManifest) {
	o.mu.Lock()
	o.last = m
	o.mu.Unlock()
}

// mergeOutcome carries one dimension's merge result across the barrier
// between merge and fact goroutines. err is written before done closes and
// read only after it.
type mergeOutcome struct {
	done chan struct{}
	err  error
}

// source bundles the per-source artifacts shared by the stages.
type source struct {
	name   string
	fields []schema.Field
	rules  []schema.Rule
}

func (o *Orchestrator) sources() []source {
	var out []source
	for i := range o.model.Dimensions {
		d := &o.model.Dimensions[i]
		out = append(out, source{name: d.Source, fields: d.Fields, rules: d.Rules})
	}
	for i := range o.model.Facts {
		f := &o.model.Facts[i]
		out = append(out, source{name: f.Source, fields: f.Fields, rules: f.Rules})
	}
	return out
}

// Run executes one batch. asOf is the batch effective time used for
// dimension intervals. The returned manifest is the sole contract: callers
// inspect it to distinguish partial (flagged records, expected) from failed.
func (o *Orchestrator) Run(ctx context.Context, batchID string, asOf time.Time) (*pipeline.RunManifest, error) {
	// Idempotent replay: a batch that already completed produces its stored
	// manifest and zero writes.
	prior, err := o.db.FindRun(ctx, batchID)
	if err != nil {
		return nil, &pipeline.CollaboratorError{Collaborator: "warehouse", Op: "run lookup", Err: err}
	}
	if prior != nil && (prior.Status == pipeline.StatusSucceeded || prior.Status == pipeline.StatusPartial) {
		log.Printf("🔁 Batch %s already completed as %s, replaying manifest", batchID, prior.Status)
		o.remember(prior)
		return prior, nil
	}
	if prior != nil {
		log.Printf("♻️  Batch %s previously failed, retrying from pending", batchID)
	}

	m := pipeline.NewRunManifest(batchID)
	log.Printf("🚀 Starting run %s for batch %s (as of %s)", m.RunID, batchID, asOf.UTC().Format(time.RFC3339))

	fail := func(err error) (*pipeline.RunManifest, error) {
		m.Fail(err)
		if saveErr := o.db.SaveRun(ctx, m); saveErr != nil {
			log.Printf("❌ Failed to persist failed run manifest: %v", saveErr)
		}
		observeRun(m)
		o.remember(m)
		return m, err
	}

	// Raw load
	for _, src := range o.sources() {
		rows, err := o.loader.LoadSource(ctx, src.name, src.fields, batchID)
		if err != nil {
			return fail(err)
		}
		if rows > 0 {
			log.Printf("📦 Source %s: %d raw rows", src.name, rows)
		}
	}

	// Validation: one validated record per raw record, always.
	if err := m.Transition(pipeline.StatusValidating); err != nil {
		return fail(err)
	}
	validated := make(map[string][]pipeline.ValidatedRecord)
	for _, src := range o.sources() {
		raw, err := o.db.LoadRaw(ctx, src.name, src.fields, batchID)
		if err != nil {
			return fail(&pipeline.CollaboratorError{Collaborator: "warehouse", Op: "raw select", Err: err})
		}

		validator, err := pipeline.NewValidator(src.fields, src.rules)
		if err != nil {
			return fail(fmt.Errorf("invalid rule set for source %s: %w", src.name, err))
		}

		records := make([]pipeline.ValidatedRecord, 0, len(raw))
		for _, rec := range raw {
			records = append(records, validator.Validate(rec))
		}
		validated[src.name] = records

		m.RecordsProcessed += int64(len(records))
		for _, rec := range records {
			if rec.IsValid {
				m.RecordsValid++
			} else {
				m.RecordsInvalid++
			}
		}
	}

	// Normalization lands the typed derivation in staging, replacing any
	// prior derivation for the same raw keys.
	if err := m.Transition(pipeline.StatusNormalizing); err != nil {
		return fail(err)
	}
	for _, src := range o.sources() {
		if err := o.db.ReplaceStaging(ctx, src.name, src.fields, validated[src.name], batchID); err != nil {
			return fail(&pipeline.CollaboratorError{Collaborator: "warehouse", Op: "staging", Err: err})
		}
	}

	// Dimension merges: independent dimensions in parallel, one writer per
	// dimension. Fact builders start once every dimension they reference
	// has committed (a barrier, not a lock).
	if err := m.Transition(pipeline.StatusMergingDimensions); err != nil {
		return fail(err)
	}

	merged := make(map[string]*mergeOutcome, len(o.model.Dimensions))
	for i := range o.model.Dimensions {
		merged[o.model.Dimensions[i].Name] = &mergeOutcome{done: make(chan struct{})}
	}

	var (
		wg      sync.WaitGroup
		countMu sync.Mutex
		runErrs = make(chan error, len(o.model.Dimensions)+len(o.model.Facts))
	)

	for i := range o.model.Dimensions {
		d := &o.model.Dimensions[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := merged[d.Name]
			defer close(out.done)

			if err := o.mergeDimension(ctx, d, validated[d.Source], asOf, m, &countMu); err != nil {
				out.err = err
				runErrs <- err
			}
		}()
	}

	for i := range o.model.Facts {
		f := &o.model.Facts[i]
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Facts must never commit against a dimension whose merge did
			// not complete; the failed merge already fails the run.
			for _, role := range f.Roles {
				out := merged[role.Dimension]
				<-out.done
				if out.err != nil {
					log.Printf("  ⏸️  fact %s skipped: dimension %s merge did not complete", f.Name, role.Dimension)
					return
				}
			}
			if err := o.buildFact(ctx, f, validated[f.Source], batchID, m, &countMu); err != nil {
				runErrs <- err
			}
		}()
	}

	wg.Wait()
	close(runErrs)
	if err := <-runErrs; err != nil {
		return fail(err)
	}

	// Fact goroutines overlap with merges of unrelated dimensions; the
	// state machine records the stage once the barrier has fully drained.
	if err := m.Transition(pipeline.StatusBuildingFacts); err != nil {
		return fail(err)
	}

	if err := m.Finalize(); err != nil {
		return fail(err)
	}
	if err := o.db.SaveRun(ctx, m); err != nil {
		return fail(&pipeline.CollaboratorError{Collaborator: "warehouse", Op: "manifest save", Err: err})
	}

	observeRun(m)
	o.remember(m)
	log.Printf("✅ Batch %s finished as %s: %d processed, %d valid, %d invalid, %d dim inserts, %d expirations, %d facts",
		batchID, m.Status, m.RecordsProcessed, m.RecordsValid, m.RecordsInvalid,
		m.DimensionsInserted, m.DimensionsExpired, m.FactsInserted)
	return m, nil
}

// mergeDimension plans and applies one dimension's batch, then verifies the
// single-current-version invariant.
func (o *Orchestrator) mergeDimension(ctx context.Context, d *schema.Dimension, records []pipeline.ValidatedRecord, asOf time.Time, m *pipeline.RunManifest, mu *sync.Mutex) error {
	current, err := o.db.LoadCurrent(ctx, d)
	if err != nil {
		return &pipeline.CollaboratorError{Collaborator: "warehouse", Op: "dimension select", Err: err}
	}

	merger := pipeline.NewMerger(d)
	cands, excluded := merger.Candidates(records)

	plan, err := merger.Plan(current, cands, asOf)
	if err != nil {
		return err
	}

	if !plan.Empty() {
		if err := o.db.ApplyMergePlan(ctx, d, plan); err != nil {
			return &pipeline.CollaboratorError{Collaborator: "warehouse", Op: "dimension merge", Err: err}
		}
	}

	dupes, err := o.db.CurrentCount(ctx, d)
	if err != nil {
		return &pipeline.CollaboratorError{Collaborator: "warehouse", Op: "integrity check", Err: err}
	}
	if dupes > 0 {
		return &pipeline.MergeIntegrityError{
			Dimension: d.Name,
			Detail:    fmt.Sprintf("%d natural keys with multiple current versions", dupes),
		}
	}

	// Keyless rows passed their rules but cannot merge: reclassify them so
	// valid + invalid still sums to processed.
	mu.Lock()
	m.AddMerge(plan)
	m.RecordsValid -= int64(excluded)
	m.RecordsInvalid += int64(excluded)
	mu.Unlock()

	log.Printf("  🔀 dim %s: %d inserts, %d expirations, %d updates, %d unchanged, %d duplicates",
		d.Name, len(plan.Insert), len(plan.Expire), len(plan.Update), plan.Unchanged, plan.Duplicates)
	return nil
}

// buildFact resolves and inserts one fact source's rows.
func (o *Orchestrator) buildFact(ctx context.Context, f *schema.Fact, records []pipeline.ValidatedRecord, batchID string, m *pipeline.RunManifest, mu *sync.Mutex) error {
	histories := make(map[string]*pipeline.DimensionHistory, len(f.Roles))
	for _, role := range f.Roles {
		if _, done := histories[role.Dimension]; done {
			continue
		}
		d, _ := o.model.Dimension(role.Dimension)
		h, err := o.db.LoadHistory(ctx, d)
		if err != nil {
			return &pipeline.CollaboratorError{Collaborator: "warehouse", Op: "history select", Err: err}
		}
		histories[role.Dimension] = h
	}

	batch := pipeline.NewFactBuilder(f).Build(records, histories)
	if err := o.db.InsertFacts(ctx, f, batch, batchID); err != nil {
		return &pipeline.CollaboratorError{Collaborator: "warehouse", Op: "fact insert", Err: err}
	}

	mu.Lock()
	m.AddFacts(batch)
	mu.Unlock()

	log.Printf("  📈 fact %s: %d inserted, %d unresolved", f.Name, len(batch.Rows), batch.Unresolved)
	return nil
}
