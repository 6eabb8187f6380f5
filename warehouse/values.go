package warehouse

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/andresbrocco/cloud-data-warehouse/pipeline"
	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// bindValue converts a typed pipeline value into a driver argument.
func bindValue(v pipeline.Value) any {
	if v.Null {
		return nil
	}
	switch v.Kind {
	case schema.FieldInteger:
		return v.Int
	case schema.FieldDecimal:
		return v.Dec.String()
	case schema.FieldTimestamp:
		return v.Time.UTC()
	case schema.FieldBoolean:
		return v.Bool
	default:
		return v.Str
	}
}

// selectExpr renders the SELECT expression for one field. Decimals are cast
// to VARCHAR so both engines scan them losslessly into strings.
func selectExpr(f schema.Field) string {
	if f.Type == schema.FieldDecimal {
		return fmt.Sprintf("CAST(%s AS VARCHAR) AS %s", f.Name, f.Name)
	}
	return f.Name
}

// fieldScanner allocates scan targets for a list of fields and converts the
// scanned results back into typed pipeline values.
type fieldScanner struct {
	fields  []schema.Field
	targets []any
}

func newFieldScanner(fields []schema.Field) *fieldScanner {
	fs := &fieldScanner{fields: fields, targets: make([]any, len(fields))}
	for i, f := range fields {
		switch f.Type {
		case schema.FieldInteger:
			fs.targets[i] = new(sql.NullInt64)
		case schema.FieldTimestamp:
			fs.targets[i] = new(sql.NullTime)
		case schema.FieldBoolean:
			fs.targets[i] = new(sql.NullBool)
		default: // string and decimal-as-varchar
			fs.targets[i] = new(sql.NullString)
		}
	}
	return fs
}

// values converts the last scan into pipeline values keyed by field name.
func (fs *fieldScanner) values() (map[string]pipeline.Value, error) {
	out := make(map[string]pipeline.Value, len(fs.fields))
	for i, f := range fs.fields {
		v := pipeline.Value{Kind: f.Type}
		switch f.Type {
		case schema.FieldInteger:
			t := fs.targets[i].(*sql.NullInt64)
			if !t.Valid {
				v.Null = true
			} else {
				v.Int = t.Int64
				v.Raw = fmt.Sprintf("%d", t.Int64)
			}
		case schema.FieldTimestamp:
			t := fs.targets[i].(*sql.NullTime)
			if !t.Valid {
				v.Null = true
			} else {
				v.Time = t.Time.UTC()
				v.Raw = t.Time.UTC().Format(time.RFC3339Nano)
			}
		case schema.FieldBoolean:
			t := fs.targets[i].(*sql.NullBool)
			if !t.Valid {
				v.Null = true
			} else {
				v.Bool = t.Bool
				v.Raw = fmt.Sprintf("%t", t.Bool)
			}
		case schema.FieldDecimal:
			t := fs.targets[i].(*sql.NullString)
			if !t.Valid {
				v.Null = true
			} else {
				d, err := decimal.NewFromString(t.String)
				if err != nil {
					return nil, fmt.Errorf("bad decimal %q in column %s: %w", t.String, f.Name, err)
				}
				v.Dec = d
				v.Raw = t.String
			}
		default:
			t := fs.targets[i].(*sql.NullString)
			if !t.Valid {
				v.Null = true
			} else {
				v.Str = t.String
				v.Raw = t.String
			}
		}
		out[f.Name] = v
	}
	return out, nil
}
