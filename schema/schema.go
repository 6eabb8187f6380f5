// Package schema defines the declarative warehouse model: per-source field
// types, validation rules, dimension merge parameters (natural key, tracked
// attributes, SCD type) and fact definitions. One schema file drives every
// dimension and fact through the same generic engine.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FieldType enumerates the typed representations a raw string field can be
// normalized into.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInteger   FieldType = "integer"
	FieldDecimal   FieldType = "decimal"
	FieldTimestamp FieldType = "timestamp"
	FieldBoolean   FieldType = "boolean"
)

// Field describes a single column of a source.
type Field struct {
	Name string    `yaml:"name"`
	Type FieldType `yaml:"type"`

	// Precision/Scale apply to decimal fields only.
	Precision int `yaml:"precision"`
	Scale     int `yaml:"scale"`
}

// Rule is a declarative validation predicate over a field.
type Rule struct {
	Type  string `yaml:"type"` // required, min_length, numeric_range, allowed_values, pattern
	Field string `yaml:"field"`

	MinLength int      `yaml:"min_length"`
	Min       string   `yaml:"min"` // numeric_range bound, decimal literal
	Max       string   `yaml:"max"`
	Values    []string `yaml:"values"` // allowed_values code set
	Pattern   string   `yaml:"pattern"`
}

// Name returns a stable identifier for the rule, used in quality issue lists.
func (r Rule) Name() string {
	return fmt.Sprintf("%s:%s", r.Type, r.Field)
}

// Dimension configures one dimension instance for the generic merge engine.
type Dimension struct {
	Name       string   `yaml:"name"`
	Source     string   `yaml:"source"` // raw source name (blob prefix and table suffix)
	NaturalKey []string `yaml:"natural_key"`
	Tracked    []string `yaml:"tracked"`  // attribute fields compared for change detection
	SCDType    int      `yaml:"scd_type"` // 1 = overwrite in place, 2 = close and insert
	OrderBy    string   `yaml:"order_by"` // tie-break field for duplicate natural keys; empty = row offset

	Fields []Field `yaml:"fields"`
	Rules  []Rule  `yaml:"rules"`
}

// Field looks up a field spec by name.
func (d *Dimension) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Table returns the dimension table name.
func (d *Dimension) Table() string { return "dim_" + d.Name }

// Role binds a key field of a fact source to the dimension it references.
type Role struct {
	Dimension string `yaml:"dimension"`
	KeyField  string `yaml:"key_field"` // field in the fact source carrying the natural key
}

// Fact configures one fact instance.
type Fact struct {
	Name      string   `yaml:"name"`
	Source    string   `yaml:"source"`
	Roles     []Role   `yaml:"roles"`
	Measures  []string `yaml:"measures"`
	TimeField string   `yaml:"time_field"` // transaction timestamp field

	Fields []Field `yaml:"fields"`
	Rules  []Rule  `yaml:"rules"`
}

// Field looks up a field spec by name.
func (f *Fact) Field(name string) (Field, bool) {
	for _, fl := range f.Fields {
		if fl.Name == name {
			return fl, true
		}
	}
	return Field{}, false
}

// Table returns the fact table name.
func (f *Fact) Table() string { return "fact_" + f.Name }

// Schema is the full declarative model for one warehouse.
type Schema struct {
	Dimensions []Dimension `yaml:"dimensions"`
	Facts      []Fact      `yaml:"facts"`
}

// Dimension looks up a dimension by name.
func (s *Schema) Dimension(name string) (*Dimension, bool) {
	for i := range s.Dimensions {
		if s.Dimensions[i].Name == name {
			return &s.Dimensions[i], true
		}
	}
	return nil, false
}

var ruleTypes = map[string]bool{
	"required":       true,
	"min_length":     true,
	"numeric_range":  true,
	"allowed_values": true,
	"pattern":        true,
}

// Load reads and validates a schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks internal consistency of the schema.
func (s *Schema) Validate() error {
	if len(s.Dimensions) == 0 {
		return fmt.Errorf("schema declares no dimensions")
	}

	for i := range s.Dimensions {
		d := &s.Dimensions[i]
		if d.Name == "" {
			return fmt.Errorf("dimension %d: name is required", i)
		}
		if d.Source == "" {
			return fmt.Errorf("dimension %s: source is required", d.Name)
		}
		if len(d.NaturalKey) == 0 {
			return fmt.Errorf("dimension %s: natural_key is required", d.Name)
		}
		if d.SCDType != 1 && d.SCDType != 2 {
			return fmt.Errorf("dimension %s: scd_type must be 1 or 2, got %d", d.Name, d.SCDType)
		}
		if err := checkFields(d.Name, d.Fields); err != nil {
			return err
		}
		for _, k := range d.NaturalKey {
			if _, ok := d.Field(k); !ok {
				return fmt.Errorf("dimension %s: natural_key field %q not declared", d.Name, k)
			}
		}
		for _, a := range d.Tracked {
			if _, ok := d.Field(a); !ok {
				return fmt.Errorf("dimension %s: tracked field %q not declared", d.Name, a)
			}
		}
		if d.OrderBy != "" {
			if _, ok := d.Field(d.OrderBy); !ok {
				return fmt.Errorf("dimension %s: order_by field %q not declared", d.Name, d.OrderBy)
			}
		}
		if err := checkRules(d.Name, d.Rules, d.Fields); err != nil {
			return err
		}
	}

	for i := range s.Facts {
		f := &s.Facts[i]
		if f.Name == "" {
			return fmt.Errorf("fact %d: name is required", i)
		}
		if f.Source == "" {
			return fmt.Errorf("fact %s: source is required", f.Name)
		}
		if f.TimeField == "" {
			return fmt.Errorf("fact %s: time_field is required", f.Name)
		}
		if err := checkFields(f.Name, f.Fields); err != nil {
			return err
		}
		tf, ok := f.Field(f.TimeField)
		if !ok {
			return fmt.Errorf("fact %s: time_field %q not declared", f.Name, f.TimeField)
		}
		if tf.Type != FieldTimestamp {
			return fmt.Errorf("fact %s: time_field %q must be a timestamp", f.Name, f.TimeField)
		}
		if len(f.Roles) == 0 {
			return fmt.Errorf("fact %s: at least one dimension role is required", f.Name)
		}
		for _, role := range f.Roles {
			if _, ok := s.Dimension(role.Dimension); !ok {
				return fmt.Errorf("fact %s: role references unknown dimension %q", f.Name, role.Dimension)
			}
			if _, ok := f.Field(role.KeyField); !ok {
				return fmt.Errorf("fact %s: role key_field %q not declared", f.Name, role.KeyField)
			}
		}
		for _, m := range f.Measures {
			if _, ok := f.Field(m); !ok {
				return fmt.Errorf("fact %s: measure %q not declared", f.Name, m)
			}
		}
		if err := checkRules(f.Name, f.Rules, f.Fields); err != nil {
			return err
		}
	}

	return nil
}

func checkFields(owner string, fields []Field) error {
	if len(fields) == 0 {
		return fmt.Errorf("%s: fields are required", owner)
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("%s: field with empty name", owner)
		}
		if seen[f.Name] {
			return fmt.Errorf("%s: duplicate field %q", owner, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case FieldString, FieldInteger, FieldTimestamp, FieldBoolean:
		case FieldDecimal:
			if f.Precision <= 0 || f.Scale < 0 || f.Scale > f.Precision {
				return fmt.Errorf("%s: field %q has invalid decimal precision/scale (%d,%d)",
					owner, f.Name, f.Precision, f.Scale)
			}
		default:
			return fmt.Errorf("%s: field %q has unknown type %q", owner, f.Name, f.Type)
		}
	}
	return nil
}

func checkRules(owner string, rules []Rule, fields []Field) error {
	names := make(map[string]bool, len(fields))
	for _, f := range fields {
		names[f.Name] = true
	}
	for _, r := range rules {
		if !ruleTypes[r.Type] {
			return fmt.Errorf("%s: unknown rule type %q", owner, r.Type)
		}
		if r.Field == "" || !names[r.Field] {
			return fmt.Errorf("%s: rule %s references unknown field %q", owner, r.Type, r.Field)
		}
		if r.Type == "allowed_values" && len(r.Values) == 0 {
			return fmt.Errorf("%s: rule %s needs a non-empty values list", owner, r.Name())
		}
		if r.Type == "pattern" && r.Pattern == "" {
			return fmt.Errorf("%s: rule %s needs a pattern", owner, r.Name())
		}
		if r.Type == "numeric_range" && r.Min == "" && r.Max == "" {
			return fmt.Errorf("%s: rule %s needs min and/or max", owner, r.Name())
		}
	}
	return nil
}
