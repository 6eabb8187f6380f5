package pipeline

import (
	"reflect"
	"testing"

	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

func testValidator(t *testing.T) *Validator {
	t.Helper()
	fields := []schema.Field{
		{Name: "customer_id", Type: schema.FieldInteger},
		{Name: "email", Type: schema.FieldString},
		{Name: "country", Type: schema.FieldString},
		{Name: "amount", Type: schema.FieldDecimal, Precision: 12, Scale: 2},
	}
	rules := []schema.Rule{
		{Type: "required", Field: "customer_id"},
		{Type: "min_length", Field: "email", MinLength: 5},
		{Type: "pattern", Field: "email", Pattern: `^[^@\s]+@[^@\s]+$`},
		{Type: "allowed_values", Field: "country", Values: []string{"UK", "FR", "DE"}},
		{Type: "numeric_range", Field: "amount", Min: "0", Max: "10000"},
	}
	v, err := NewValidator(fields, rules)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidate_CleanRecord(t *testing.T) {
	v := testValidator(t)

	out := v.Validate(RawRecord{Values: map[string]string{
		"customer_id": "42",
		"email":       "ada@example.com",
		"country":     "UK",
		"amount":      "19.90",
	}})

	if !out.IsValid {
		t.Fatalf("expected valid record, got issues %v", out.QualityIssues)
	}
	if len(out.QualityIssues) != 0 {
		t.Errorf("expected empty issue list, got %v", out.QualityIssues)
	}
}

func TestValidate_AllFailedRulesListed(t *testing.T) {
	v := testValidator(t)

	// Every rule violated at once; nothing short-circuits.
	out := v.Validate(RawRecord{Values: map[string]string{
		"customer_id": "",
		"email":       "x@y",
		"country":     "BR",
		"amount":      "-5",
	}})

	if out.IsValid {
		t.Fatalf("expected invalid record")
	}
	want := []string{
		"required:customer_id",
		"min_length:email",
		"allowed_values:country",
		"numeric_range:amount",
	}
	if !reflect.DeepEqual(out.QualityIssues, want) {
		t.Errorf("expected issues %v, got %v", want, out.QualityIssues)
	}
}

func TestValidate_CoercionIssuesPrecedeRuleIssues(t *testing.T) {
	v := testValidator(t)

	out := v.Validate(RawRecord{Values: map[string]string{
		"customer_id": "42",
		"email":       "ada@example.com",
		"country":     "ES",
		"amount":      "lots",
	}})

	want := []string{
		"type_conversion_failed:amount",
		"allowed_values:country",
	}
	if !reflect.DeepEqual(out.QualityIssues, want) {
		t.Errorf("expected issues %v, got %v", want, out.QualityIssues)
	}
}

func TestValidate_NullPassesNonRequiredRules(t *testing.T) {
	v := testValidator(t)

	// Absent email and country: only the required field is enforced.
	out := v.Validate(RawRecord{Values: map[string]string{
		"customer_id": "7",
	}})

	if !out.IsValid {
		t.Errorf("expected null fields to pass non-required rules, got %v", out.QualityIssues)
	}
}

func TestValidate_RequiredChecksPresenceNotCoercion(t *testing.T) {
	v := testValidator(t)

	// A present but uncoercible value satisfies required; the conversion
	// failure is its own issue.
	out := v.Validate(RawRecord{Values: map[string]string{
		"customer_id": "not-a-number",
	}})

	want := []string{"type_conversion_failed:customer_id"}
	if !reflect.DeepEqual(out.QualityIssues, want) {
		t.Errorf("expected issues %v, got %v", want, out.QualityIssues)
	}
}

func TestValidate_RecordNeverDropped(t *testing.T) {
	v := testValidator(t)

	rec := RawRecord{SourceFile: "customers/part-003.csv", RowOffset: 17, Values: map[string]string{
		"customer_id": "",
	}}
	out := v.Validate(rec)

	if out.IsValid {
		t.Fatalf("expected invalid record")
	}
	if out.Raw.SourceFile != rec.SourceFile || out.Raw.RowOffset != rec.RowOffset {
		t.Errorf("expected raw record retained with its origin")
	}
	if len(out.Fields) == 0 {
		t.Errorf("expected typed fields retained on invalid record")
	}
}

func TestNewValidator_RejectsBadRuleSpec(t *testing.T) {
	fields := []schema.Field{{Name: "email", Type: schema.FieldString}}

	if _, err := NewValidator(fields, []schema.Rule{
		{Type: "pattern", Field: "email", Pattern: "(("},
	}); err == nil {
		t.Errorf("expected error for invalid pattern")
	}

	if _, err := NewValidator(fields, []schema.Rule{
		{Type: "numeric_range", Field: "email", Min: "abc"},
	}); err == nil {
		t.Errorf("expected error for non-numeric bound")
	}
}
