package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/andresbrocco/cloud-data-warehouse/pipeline"
	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// trackedFields resolves a dimension's tracked attribute specs in order.
func trackedFields(d *schema.Dimension) []schema.Field {
	fields := make([]schema.Field, 0, len(d.Tracked))
	for _, name := range d.Tracked {
		f, _ := d.Field(name)
		fields = append(fields, f)
	}
	return fields
}

// loadVersions bulk-selects dimension versions matching where.
func (db *DB) loadVersions(ctx context.Context, d *schema.Dimension, where string) ([]pipeline.DimensionVersion, error) {
	fields := trackedFields(d)
	cols := []string{"surrogate_key", "natural_key"}
	for _, f := range fields {
		cols = append(cols, selectExpr(f))
	}
	cols = append(cols, "effective_from", "effective_to", "is_current")

	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(cols, ", "), d.Table(), where)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s versions: %w", d.Name, err)
	}
	defer rows.Close()

	var versions []pipeline.DimensionVersion
	for rows.Next() {
		var v pipeline.DimensionVersion
		fs := newFieldScanner(fields)

		targets := []any{&v.SurrogateKey, &v.NaturalKey}
		targets = append(targets, fs.targets...)
		targets = append(targets, &v.EffectiveFrom, &v.EffectiveTo, &v.IsCurrent)
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan %s version: %w", d.Name, err)
		}

		attrs, err := fs.values()
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s version: %w", d.Name, err)
		}
		v.Attributes = attrs
		v.EffectiveFrom = v.EffectiveFrom.UTC()
		v.EffectiveTo = v.EffectiveTo.UTC()
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s versions: %w", d.Name, err)
	}
	return versions, nil
}

// LoadCurrent bulk-selects the current version set of one dimension.
func (db *DB) LoadCurrent(ctx context.Context, d *schema.Dimension) ([]pipeline.DimensionVersion, error) {
	return db.loadVersions(ctx, d, " WHERE is_current = true")
}

// LoadHistory bulk-selects every version of one dimension for point-in-time
// fact resolution.
func (db *DB) LoadHistory(ctx context.Context, d *schema.Dimension) (*pipeline.DimensionHistory, error) {
	versions, err := db.loadVersions(ctx, d, "")
	if err != nil {
		return nil, err
	}
	h := pipeline.NewDimensionHistory(versions)
	if d.SCDType == 1 {
		h.Timeless()
	}
	return h, nil
}

// ApplyMergePlan writes one dimension's merge plan in a single transaction:
// either every closure, insert and update commits, or the dimension stays in
// its pre-batch state. Each write is one set-based statement.
func (db *DB) ApplyMergePlan(ctx context.Context, d *schema.Dimension, plan *pipeline.MergePlan) error {
	if plan.Empty() {
		return nil
	}

	fields := trackedFields(d)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin %s merge transaction: %w", d.Name, err)
	}
	defer tx.Rollback()

	// Close expired versions with a single bulk update-where.
	if len(plan.Expire) > 0 {
		args := []any{plan.Expire[0].EffectiveTo.UTC()}
		ph := make([]string, 0, len(plan.Expire))
		for _, e := range plan.Expire {
			args = append(args, e.SurrogateKey)
			ph = append(ph, db.placeholder(len(args)))
		}
		query := fmt.Sprintf(
			"UPDATE %s SET effective_to = %s, is_current = false WHERE surrogate_key IN (%s)",
			d.Table(), db.placeholder(1), strings.Join(ph, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to expire %s versions: %w", d.Name, err)
		}
	}

	// SCD type 1: overwrite tracked attributes in place via a VALUES join.
	if len(plan.Update) > 0 {
		var (
			args   []any
			tuples []string
		)
		for _, u := range plan.Update {
			tuple := make([]string, 0, len(fields)+1)
			args = append(args, u.SurrogateKey)
			tuple = append(tuple, db.placeholder(len(args)))
			for _, f := range fields {
				args = append(args, bindValue(u.Attributes[f.Name]))
				tuple = append(tuple, db.placeholder(len(args)))
			}
			tuples = append(tuples, "("+strings.Join(tuple, ", ")+")")
		}

		vcols := []string{"surrogate_key"}
		sets := make([]string, 0, len(fields))
		for _, f := range fields {
			vcols = append(vcols, f.Name)
			sets = append(sets, fmt.Sprintf("%s = v.%s", f.Name, f.Name))
		}

		query := fmt.Sprintf(
			"UPDATE %s SET %s FROM (VALUES %s) AS v (%s) WHERE %s.surrogate_key = v.surrogate_key",
			d.Table(), strings.Join(sets, ", "), strings.Join(tuples, ", "),
			strings.Join(vcols, ", "), d.Table())
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update %s in place: %w", d.Name, err)
		}
	}

	// New versions land with one bulk insert.
	if len(plan.Insert) > 0 {
		cols := []string{"surrogate_key", "natural_key"}
		for _, f := range fields {
			cols = append(cols, f.Name)
		}
		cols = append(cols, "effective_from", "effective_to", "is_current")

		for start := 0; start < len(plan.Insert); start += insertChunk {
			end := start + insertChunk
			if end > len(plan.Insert) {
				end = len(plan.Insert)
			}
			chunk := plan.Insert[start:end]

			args := make([]any, 0, len(chunk)*len(cols))
			for _, v := range chunk {
				args = append(args, v.SurrogateKey, v.NaturalKey)
				for _, f := range fields {
					args = append(args, bindValue(v.Attributes[f.Name]))
				}
				args = append(args, v.EffectiveFrom.UTC(), v.EffectiveTo.UTC(), v.IsCurrent)
			}

			query := db.insertSQL(d.Table(), cols, len(chunk))
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to insert %s versions: %w", d.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s merge: %w", d.Name, err)
	}
	return nil
}

// CurrentCount returns the number of current versions per natural key that
// exceed one, for integrity verification.
func (db *DB) CurrentCount(ctx context.Context, d *schema.Dimension) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM (
		SELECT natural_key FROM %s WHERE is_current = true
		GROUP BY natural_key HAVING COUNT(*) > 1
	) dupes`, d.Table())

	var n int64
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to verify %s integrity: %w", d.Name, err)
	}
	return n, nil
}
