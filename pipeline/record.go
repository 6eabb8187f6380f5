// Package pipeline implements the pure transformation core: quality
// validation, type normalization, slowly-changing-dimension merge planning,
// point-in-time fact building and run accounting. Nothing in this package
// performs I/O; the orchestrator feeds it rows read from the warehouse and
// applies the plans it produces.
package pipeline

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// RawRecord is one source row exactly as received, identified by its
// position in the originating object. Values are untyped strings keyed by
// field name.
type RawRecord struct {
	SourceFile string
	RowOffset  int64
	Values     map[string]string
}

// Value is a typed field value produced by the normalizer. Raw always holds
// the original string for audit, even when coercion fails.
type Value struct {
	Kind schema.FieldType
	Raw  string
	Null bool

	Str  string
	Int  int64
	Dec  decimal.Decimal
	Time time.Time
	Bool bool
}

// Equal reports whether two values are equal under their typed
// representation. Decimals compare by numeric value, timestamps by instant.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.Null != o.Null {
		return false
	}
	if v.Null {
		return true
	}
	switch v.Kind {
	case schema.FieldInteger:
		return v.Int == o.Int
	case schema.FieldDecimal:
		return v.Dec.Equal(o.Dec)
	case schema.FieldTimestamp:
		return v.Time.Equal(o.Time)
	case schema.FieldBoolean:
		return v.Bool == o.Bool
	default:
		return v.Str == o.Str
	}
}

// String renders the typed value as a stable string, used for composite
// natural keys and logging.
func (v Value) String() string {
	if v.Null {
		return ""
	}
	switch v.Kind {
	case schema.FieldTimestamp:
		return v.Time.UTC().Format(time.RFC3339Nano)
	case schema.FieldDecimal:
		return v.Dec.String()
	default:
		return v.Raw
	}
}

// ValidatedRecord is the flag-and-retain product of validation: the original
// raw record, its typed fields, and every rule or coercion issue found.
// Records are never dropped; IsValid gates downstream use only.
type ValidatedRecord struct {
	Raw           RawRecord
	IsValid       bool
	QualityIssues []string
	Fields        map[string]Value
}
