package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Predicate is a filter over document fields.
type Predicate interface {
	predicate()
}

// Eq matches documents whose field equals Value.
type Eq struct {
	Field string
	Value any
}

// In matches documents whose field equals any of Values.
type In struct {
	Field  string
	Values []any
}

// And is the conjunction of its predicates. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (Eq) predicate()  {}
func (In) predicate()  {}
func (And) predicate() {}

// Query selects tenant-scoped documents from one doc table.
//
// Field names refer to business fields (fields.<name> in the document);
// "id", "tenant_id" and "synced" address the header columns.
type Query struct {
	Table          string
	TenantID       string
	Filter         Predicate
	IncludeDeleted bool
	Limit          int
}

// headerColumns are addressed directly instead of through json_extract.
var headerColumns = map[string]bool{
	"id":        true,
	"tenant_id": true,
	"synced":    true,
}

// fieldExpr is the SQL expression for a business field. It must match the
// expression used in EnsureTable's CREATE INDEX for the index to be used.
func fieldExpr(field string) string {
	return fmt.Sprintf("json_extract(doc, '$.fields.%s')", field)
}

// CompileQuery converts a Query to parameterized SQL.
//
// Every query includes ORDER BY id for deterministic results. Values are
// always parameterized, never interpolated.
func CompileQuery(q Query) (string, []any, error) {
	if !identPattern.MatchString(q.Table) {
		return "", nil, fmt.Errorf("compile query: invalid table %q", q.Table)
	}

	var (
		where  []string
		params []any
	)
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		params = append(params, q.TenantID)
	}
	if q.Filter != nil {
		sql, p, err := compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where = append(where, sql)
		params = append(params, p...)
	}
	if !q.IncludeDeleted {
		where = append(where, "COALESCE(json_extract(doc, '$.deleted'), 0) = 0")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, tenant_id, doc, checksum, synced, updated_at FROM %s", q.Table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY id ASC COLLATE BINARY")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}
	return b.String(), params, nil
}

func compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case Eq:
		col, err := columnFor(pred.Field)
		if err != nil {
			return "", nil, err
		}
		param, err := toParam(pred.Value)
		if err != nil {
			return "", nil, fmt.Errorf("field %s: %w", pred.Field, err)
		}
		if param == nil {
			return col + " IS NULL", nil, nil
		}
		return col + " = ?", []any{param}, nil

	case In:
		col, err := columnFor(pred.Field)
		if err != nil {
			return "", nil, err
		}
		if len(pred.Values) == 0 {
			return "1 = 0", nil, nil
		}
		params := make([]any, 0, len(pred.Values))
		for _, v := range pred.Values {
			param, err := toParam(v)
			if err != nil {
				return "", nil, fmt.Errorf("field %s: %w", pred.Field, err)
			}
			params = append(params, param)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(params)), ", ")
		return fmt.Sprintf("%s IN (%s)", col, placeholders), params, nil

	case And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		var (
			parts  []string
			params []any
		)
		for _, sub := range pred.Predicates {
			sql, p, err := compilePredicate(sub)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+sql+")")
			params = append(params, p...)
		}
		return strings.Join(parts, " AND "), params, nil

	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func columnFor(field string) (string, error) {
	if headerColumns[field] {
		return field, nil
	}
	if !identPattern.MatchString(field) {
		return "", fmt.Errorf("invalid field name %q", field)
	}
	return fieldExpr(field), nil
}

// toParam converts a JSON value to the SQL value json_extract yields for it.
func toParam(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return boolToInt(val), nil
	case string, int, int32, int64, uint32, float32, float64:
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", val)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported filter value type %T", v)
	}
}

// QueryDocs runs a compiled query.
func (s *Store) QueryDocs(ctx context.Context, q Query) ([]Doc, error) {
	if err := s.checkTable(q.Table); err != nil {
		return nil, fmt.Errorf("query docs: %w", err)
	}
	sql, params, err := CompileQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("query docs %s: %w", q.Table, err)
	}
	defer rows.Close()
	return scanDocs(rows)
}
