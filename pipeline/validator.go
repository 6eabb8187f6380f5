package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// compiledRule is a rule with its bounds and pattern pre-parsed so that
// evaluation is a pure predicate over a typed value.
type compiledRule struct {
	spec    schema.Rule
	min     *decimal.Decimal
	max     *decimal.Decimal
	pattern *regexp.Regexp
	allowed map[string]bool
}

// Validator applies a source's declarative rule set. Every record in yields
// exactly one ValidatedRecord out: failures flag the record and list every
// violated rule, they never drop it.
type Validator struct {
	normalizer *Normalizer
	rules      []compiledRule
}

// NewValidator compiles the rule set for one source. Rule bounds and
// patterns are validated here so Validate itself cannot fail.
func NewValidator(fields []schema.Field, rules []schema.Rule) (*Validator, error) {
	v := &Validator{normalizer: NewNormalizer(fields)}

	for _, r := range rules {
		cr := compiledRule{spec: r}
		switch r.Type {
		case "numeric_range":
			if r.Min != "" {
				d, err := decimal.NewFromString(r.Min)
				if err != nil {
					return nil, fmt.Errorf("rule %s: bad min %q: %w", r.Name(), r.Min, err)
				}
				cr.min = &d
			}
			if r.Max != "" {
				d, err := decimal.NewFromString(r.Max)
				if err != nil {
					return nil, fmt.Errorf("rule %s: bad max %q: %w", r.Name(), r.Max, err)
				}
				cr.max = &d
			}
		case "pattern":
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %s: bad pattern: %w", r.Name(), err)
			}
			cr.pattern = re
		case "allowed_values":
			cr.allowed = make(map[string]bool, len(r.Values))
			for _, val := range r.Values {
				cr.allowed[val] = true
			}
		}
		v.rules = append(v.rules, cr)
	}
	return v, nil
}

// Validate normalizes and rule-checks one raw record. Coercion issues come
// first, then rule issues in declaration order; no short-circuit, every
// failed rule is listed. The same input always yields the same output.
func (v *Validator) Validate(rec RawRecord) ValidatedRecord {
	fields, issues := v.normalizer.Normalize(rec)

	for _, cr := range v.rules {
		if !cr.eval(fields[cr.spec.Field]) {
			issues = append(issues, cr.spec.Name())
		}
	}

	return ValidatedRecord{
		Raw:           rec,
		IsValid:       len(issues) == 0,
		QualityIssues: issues,
		Fields:        fields,
	}
}

// eval returns true when the rule passes. Rules other than required pass on
// null values: absence is the required rule's concern.
func (cr *compiledRule) eval(val Value) bool {
	switch cr.spec.Type {
	case "required":
		// Presence of the raw value; an uncoercible value is present and
		// already carries its own conversion issue.
		return strings.TrimSpace(val.Raw) != ""

	case "min_length":
		if val.Null {
			return true
		}
		return utf8.RuneCountInString(strings.TrimSpace(val.Raw)) >= cr.spec.MinLength

	case "numeric_range":
		if val.Null {
			return true
		}
		var d decimal.Decimal
		switch val.Kind {
		case schema.FieldInteger:
			d = decimal.NewFromInt(val.Int)
		case schema.FieldDecimal:
			d = val.Dec
		default:
			return false
		}
		if cr.min != nil && d.LessThan(*cr.min) {
			return false
		}
		if cr.max != nil && d.GreaterThan(*cr.max) {
			return false
		}
		return true

	case "allowed_values":
		if val.Null {
			return true
		}
		return cr.allowed[strings.TrimSpace(val.Raw)]

	case "pattern":
		if val.Null {
			return true
		}
		return cr.pattern.MatchString(strings.TrimSpace(val.Raw))
	}
	return true
}
