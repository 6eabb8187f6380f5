package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// timestampLayouts is the fixed whitelist of accepted input formats. A value
// that parses under more than one layout to different instants is rejected
// as ambiguous rather than guessed at.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

var boolTokens = map[string]bool{
	"true":  true,
	"t":     true,
	"1":     true,
	"yes":   true,
	"y":     true,
	"false": false,
	"f":     false,
	"0":     false,
	"no":    false,
	"n":     false,
}

// Normalizer converts raw string fields into typed values per the declared
// field specs. Conversion is total: a failure yields a null value plus a
// type_conversion_failed issue, never an error.
type Normalizer struct {
	fields []schema.Field
}

// NewNormalizer builds a normalizer for one source's field specs.
func NewNormalizer(fields []schema.Field) *Normalizer {
	return &Normalizer{fields: fields}
}

// Normalize coerces every declared field of rec. Issues are returned in
// field declaration order. The original raw string is preserved on every
// value, including failed coercions.
func (n *Normalizer) Normalize(rec RawRecord) (map[string]Value, []string) {
	out := make(map[string]Value, len(n.fields))
	var issues []string

	for _, f := range n.fields {
		raw, present := rec.Values[f.Name]
		v, err := coerce(f, raw, present)
		if err != nil {
			issues = append(issues, fmt.Sprintf("type_conversion_failed:%s", f.Name))
			v = Value{Kind: f.Type, Raw: raw, Null: true}
		}
		out[f.Name] = v
	}
	return out, issues
}

func coerce(f schema.Field, raw string, present bool) (Value, error) {
	trimmed := strings.TrimSpace(raw)
	if !present || trimmed == "" {
		// Absent and empty are null, not coercion failures. The required
		// rule decides whether null is acceptable.
		return Value{Kind: f.Type, Raw: raw, Null: true}, nil
	}

	v := Value{Kind: f.Type, Raw: raw}
	switch f.Type {
	case schema.FieldString:
		v.Str = raw

	case schema.FieldInteger:
		i, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return v, err
		}
		v.Int = i

	case schema.FieldDecimal:
		d, err := decimal.NewFromString(trimmed)
		if err != nil {
			return v, err
		}
		if exceedsPrecision(d, f.Precision, f.Scale) {
			return v, fmt.Errorf("value %s exceeds decimal(%d,%d)", trimmed, f.Precision, f.Scale)
		}
		// Fixed scale so equal quantities compare and render identically.
		v.Dec = d.Round(int32(f.Scale))

	case schema.FieldTimestamp:
		t, err := parseTimestamp(trimmed)
		if err != nil {
			return v, err
		}
		v.Time = t

	case schema.FieldBoolean:
		b, ok := boolTokens[strings.ToLower(trimmed)]
		if !ok {
			return v, fmt.Errorf("not a boolean token: %q", trimmed)
		}
		v.Bool = b
	}
	return v, nil
}

// exceedsPrecision reports whether d has more integer digits than
// precision-scale allows. Extra fractional digits are rounded, not rejected.
func exceedsPrecision(d decimal.Decimal, precision, scale int) bool {
	intPart := d.Abs().Truncate(0)
	if intPart.IsZero() {
		return false
	}
	return len(intPart.String()) > precision-scale
}

// parseTimestamp tries the layout whitelist. If two layouts accept the value
// but disagree on the instant, parsing fails explicitly.
func parseTimestamp(s string) (time.Time, error) {
	var parsed []time.Time
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			parsed = append(parsed, t)
		}
	}
	if len(parsed) == 0 {
		return time.Time{}, fmt.Errorf("no accepted timestamp format matches %q", s)
	}
	first := parsed[0]
	for _, t := range parsed[1:] {
		if !t.Equal(first) {
			return time.Time{}, fmt.Errorf("ambiguous timestamp %q", s)
		}
	}
	// TIMESTAMP columns store microseconds; keeping the in-memory value at
	// the same precision makes round-tripped attributes compare equal.
	return first.Truncate(time.Microsecond), nil
}
