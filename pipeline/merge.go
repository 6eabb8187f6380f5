package pipeline

import (
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// OpenEnd is the effective_to sentinel meaning "current". Using a far-future
// instant instead of NULL keeps interval predicates set-based and sargable.
var OpenEnd = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// DimensionVersion is one historized row of a dimension table.
type DimensionVersion struct {
	SurrogateKey  string
	NaturalKey    string
	Attributes    map[string]Value
	EffectiveFrom time.Time
	EffectiveTo   time.Time
	IsCurrent     bool
}

// Candidate is one incoming attribute set for a natural key, with the
// ordering value used to break ties between duplicate source rows.
type Candidate struct {
	NaturalKey string
	Attributes map[string]Value
	Order      int64
}

// Expiration closes a current version at a batch boundary.
type Expiration struct {
	SurrogateKey string
	EffectiveTo  time.Time
}

// InPlaceUpdate overwrites tracked attributes of an existing version
// (SCD type 1 dimensions only).
type InPlaceUpdate struct {
	SurrogateKey string
	Attributes   map[string]Value
}

// MergePlan is the full set of writes one dimension batch requires. The
// warehouse applies it in a single transaction; an empty plan means the
// batch was a no-op replay.
type MergePlan struct {
	Dimension string
	Expire    []Expiration
	Insert    []DimensionVersion
	Update    []InPlaceUpdate

	Unchanged  int
	Duplicates int
}

// Empty reports whether the plan carries no writes.
func (p *MergePlan) Empty() bool {
	return len(p.Expire) == 0 && len(p.Insert) == 0 && len(p.Update) == 0
}

// Merger computes merge plans for one dimension. It is the only component
// allowed to decide is_current/effective_to transitions. newKey generates
// surrogate keys and is injectable for tests.
type Merger struct {
	dim    *schema.Dimension
	newKey func() string
}

// NewMerger builds a merger for one dimension schema.
func NewMerger(dim *schema.Dimension) *Merger {
	return &Merger{dim: dim, newKey: uuid.NewString}
}

// NaturalKeyOf joins the natural key fields of a record into the composite
// key string used throughout the dimension tables.
func NaturalKeyOf(keyFields []string, fields map[string]Value) (string, bool) {
	parts := make([]string, 0, len(keyFields))
	for _, k := range keyFields {
		v, ok := fields[k]
		if !ok || v.Null {
			return "", false
		}
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "|"), true
}

// Candidates converts validated records into merge candidates. Invalid
// records were already counted by validation and are skipped silently; a
// record that passed its rules but still lacks a complete natural key is
// excluded and counted here. Neither is retried automatically; both require
// a corrected re-submission in a later batch.
func (m *Merger) Candidates(records []ValidatedRecord) (cands []Candidate, excluded int) {
	for _, rec := range records {
		if !rec.IsValid {
			continue
		}
		key, ok := NaturalKeyOf(m.dim.NaturalKey, rec.Fields)
		if !ok {
			log.Printf("⚠️  %s row %d: incomplete natural key, excluded from %s merge",
				rec.Raw.SourceFile, rec.Raw.RowOffset, m.dim.Name)
			excluded++
			continue
		}

		order := rec.Raw.RowOffset
		if m.dim.OrderBy != "" {
			if v, ok := rec.Fields[m.dim.OrderBy]; ok && !v.Null {
				switch v.Kind {
				case schema.FieldInteger:
					order = v.Int
				case schema.FieldTimestamp:
					order = v.Time.UnixNano()
				}
			}
		}

		attrs := make(map[string]Value, len(m.dim.Tracked))
		for _, a := range m.dim.Tracked {
			attrs[a] = rec.Fields[a]
		}
		cands = append(cands, Candidate{NaturalKey: key, Attributes: attrs, Order: order})
	}
	return cands, excluded
}

// Plan reconciles the incoming batch against current dimension state as of
// asOf. Unchanged keys produce zero writes, so replaying a batch is a no-op.
func (m *Merger) Plan(current []DimensionVersion, batch []Candidate, asOf time.Time) (*MergePlan, error) {
	byKey := make(map[string]*DimensionVersion, len(current))
	for i := range current {
		cur := &current[i]
		if !cur.IsCurrent {
			continue
		}
		if _, dup := byKey[cur.NaturalKey]; dup {
			return nil, &MergeIntegrityError{
				Dimension:  m.dim.Name,
				NaturalKey: cur.NaturalKey,
				Detail:     "two current versions",
			}
		}
		byKey[cur.NaturalKey] = cur
	}

	winners, dups := dedupe(batch)
	plan := &MergePlan{Dimension: m.dim.Name, Duplicates: dups}

	for _, cand := range winners {
		cur, exists := byKey[cand.NaturalKey]

		switch {
		case !exists:
			plan.Insert = append(plan.Insert, DimensionVersion{
				SurrogateKey:  m.newKey(),
				NaturalKey:    cand.NaturalKey,
				Attributes:    cand.Attributes,
				EffectiveFrom: asOf,
				EffectiveTo:   OpenEnd,
				IsCurrent:     true,
			})

		case attributesEqual(cand.Attributes, cur.Attributes, m.dim.Tracked):
			plan.Unchanged++

		case m.dim.SCDType == 1:
			plan.Update = append(plan.Update, InPlaceUpdate{
				SurrogateKey: cur.SurrogateKey,
				Attributes:   cand.Attributes,
			})

		default: // SCD type 2: close the current version, open a new one
			plan.Expire = append(plan.Expire, Expiration{
				SurrogateKey: cur.SurrogateKey,
				EffectiveTo:  asOf,
			})
			plan.Insert = append(plan.Insert, DimensionVersion{
				SurrogateKey:  m.newKey(),
				NaturalKey:    cand.NaturalKey,
				Attributes:    cand.Attributes,
				EffectiveFrom: asOf,
				EffectiveTo:   OpenEnd,
				IsCurrent:     true,
			})
		}
	}

	return plan, nil
}

// dedupe keeps the latest candidate per natural key by ordering value
// (row order breaks remaining ties) and logs every discarded duplicate.
func dedupe(batch []Candidate) ([]Candidate, int) {
	type indexed struct {
		cand Candidate
		pos  int
	}
	best := make(map[string]indexed, len(batch))
	var dups int

	for i, cand := range batch {
		prev, seen := best[cand.NaturalKey]
		if !seen {
			best[cand.NaturalKey] = indexed{cand, i}
			continue
		}
		dups++
		if cand.Order > prev.cand.Order || (cand.Order == prev.cand.Order && i > prev.pos) {
			log.Printf("⚠️  duplicate natural key %q: keeping row with order %d, discarding order %d",
				cand.NaturalKey, cand.Order, prev.cand.Order)
			best[cand.NaturalKey] = indexed{cand, i}
		} else {
			log.Printf("⚠️  duplicate natural key %q: keeping row with order %d, discarding order %d",
				cand.NaturalKey, prev.cand.Order, cand.Order)
		}
	}

	winners := make([]indexed, 0, len(best))
	for _, w := range best {
		winners = append(winners, w)
	}
	// Deterministic plan order regardless of map iteration.
	sort.Slice(winners, func(i, j int) bool { return winners[i].pos < winners[j].pos })

	out := make([]Candidate, len(winners))
	for i, w := range winners {
		out[i] = w.cand
	}
	return out, dups
}

func attributesEqual(a, b map[string]Value, tracked []string) bool {
	for _, name := range tracked {
		if !a[name].Equal(b[name]) {
			return false
		}
	}
	return true
}
