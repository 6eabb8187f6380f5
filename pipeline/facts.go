package pipeline

import (
	"log"
	"sort"
	"time"

	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// DimensionHistory holds every version of a dimension grouped by natural
// key, sorted by effective_from, for point-in-time resolution. Type 1
// dimensions carry no meaningful intervals and resolve to the current
// version regardless of time.
type DimensionHistory struct {
	versions map[string][]DimensionVersion
	timeless bool
}

// Timeless marks the history as belonging to a type 1 dimension.
func (h *DimensionHistory) Timeless() *DimensionHistory {
	h.timeless = true
	return h
}

// NewDimensionHistory indexes a bulk-selected set of dimension versions.
func NewDimensionHistory(versions []DimensionVersion) *DimensionHistory {
	h := &DimensionHistory{versions: make(map[string][]DimensionVersion)}
	for _, v := range versions {
		h.versions[v.NaturalKey] = append(h.versions[v.NaturalKey], v)
	}
	for key := range h.versions {
		vs := h.versions[key]
		sort.Slice(vs, func(i, j int) bool { return vs[i].EffectiveFrom.Before(vs[j].EffectiveFrom) })
	}
	return h
}

// ResolveAt returns the surrogate key of the version whose
// [effective_from, effective_to) interval contains t, not necessarily the
// latest version. For timeless (type 1) dimensions the current version wins
// regardless of t.
func (h *DimensionHistory) ResolveAt(naturalKey string, t time.Time) (string, bool) {
	if h.timeless {
		for _, v := range h.versions[naturalKey] {
			if v.IsCurrent {
				return v.SurrogateKey, true
			}
		}
		return "", false
	}
	for _, v := range h.versions[naturalKey] {
		if !t.Before(v.EffectiveFrom) && t.Before(v.EffectiveTo) {
			return v.SurrogateKey, true
		}
	}
	return "", false
}

// FactRow is one immutable fact ready for bulk insert: resolved surrogate
// keys per dimension role plus typed measures and the transaction time.
type FactRow struct {
	SourceFile string
	RowOffset  int64
	Keys       map[string]string // role dimension name → surrogate key
	Measures   map[string]Value
	TxTime     time.Time
}

// FactBatch is the outcome of building one fact source: rows to insert plus
// counts of rows rejected (invalid input or unresolved references).
type FactBatch struct {
	Rows       []FactRow
	Invalid    int
	Unresolved int
}

// FactBuilder resolves natural keys in transaction records to the dimension
// versions current at each record's transaction timestamp.
type FactBuilder struct {
	fact *schema.Fact
}

// NewFactBuilder builds a fact builder for one fact schema.
func NewFactBuilder(fact *schema.Fact) *FactBuilder {
	return &FactBuilder{fact: fact}
}

// Build produces insertable fact rows. A record whose dimension reference
// cannot be resolved at its transaction time is rejected and counted; it is
// never inserted with a placeholder key.
func (b *FactBuilder) Build(records []ValidatedRecord, histories map[string]*DimensionHistory) *FactBatch {
	batch := &FactBatch{}

	for _, rec := range records {
		if !rec.IsValid {
			batch.Invalid++
			continue
		}

		txVal, ok := rec.Fields[b.fact.TimeField]
		if !ok || txVal.Null {
			batch.Invalid++
			continue
		}
		txTime := txVal.Time

		keys := make(map[string]string, len(b.fact.Roles))
		resolved := true
		for _, role := range b.fact.Roles {
			keyVal, ok := rec.Fields[role.KeyField]
			if !ok || keyVal.Null {
				resolved = false
				break
			}
			history, ok := histories[role.Dimension]
			if !ok {
				resolved = false
				break
			}
			surrogate, ok := history.ResolveAt(keyVal.String(), txTime)
			if !ok {
				log.Printf("⚠️  unresolved %s reference %q at %s (%s row %d)",
					role.Dimension, keyVal.String(), txTime.UTC().Format(time.RFC3339),
					rec.Raw.SourceFile, rec.Raw.RowOffset)
				resolved = false
				break
			}
			keys[role.Dimension] = surrogate
		}
		if !resolved {
			batch.Unresolved++
			continue
		}

		measures := make(map[string]Value, len(b.fact.Measures))
		for _, m := range b.fact.Measures {
			measures[m] = rec.Fields[m]
		}

		batch.Rows = append(batch.Rows, FactRow{
			SourceFile: rec.Raw.SourceFile,
			RowOffset:  rec.Raw.RowOffset,
			Keys:       keys,
			Measures:   measures,
			TxTime:     txTime,
		})
	}

	return batch
}
