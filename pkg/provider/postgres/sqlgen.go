package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
)

// columnType maps a logical field type to its PostgreSQL column type.
func columnType(dt capability.DataType) (string, error) {
	switch dt {
	case capability.DataTypeString:
		return "TEXT", nil
	case capability.DataTypeInt:
		return "BIGINT", nil
	case capability.DataTypeFloat:
		return "DOUBLE PRECISION", nil
	case capability.DataTypeBool:
		return "BOOLEAN", nil
	case capability.DataTypeTimestamp:
		return "TIMESTAMPTZ", nil
	case capability.DataTypeJSON:
		return "JSONB", nil
	case capability.DataTypeBinary:
		return "BYTEA", nil
	default:
		return "", errors.Newf(errors.ErrorTypeValidation, "unsupported column type %q", dt)
	}
}

// createTableSQL renders an idempotent CREATE TABLE for a logical table.
func createTableSQL(table *config.TableConfig) (string, error) {
	cols := make([]string, 0, len(table.Fields))
	for _, f := range table.Fields {
		ct, err := columnType(f.Type)
		if err != nil {
			return "", err
		}
		col := quoteIdent(f.Name) + " " + ct
		if f.PrimaryKey {
			col += " PRIMARY KEY"
		} else {
			if !f.Nullable {
				col += " NOT NULL"
			}
			if f.Unique {
				col += " UNIQUE"
			}
		}
		cols = append(cols, col)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		quoteIdent(table.Name), strings.Join(cols, ", ")), nil
}

// createIndexSQL renders idempotent CREATE INDEX statements for the table's
// declared and per-field indexes.
func createIndexSQL(table *config.TableConfig) []string {
	var stmts []string
	for _, f := range table.Fields {
		if f.Indexed && !f.PrimaryKey && !f.Unique {
			stmts = append(stmts, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				quoteIdent("idx_"+table.Name+"_"+f.Name),
				quoteIdent(table.Name), quoteIdent(f.Name)))
		}
	}
	for _, idx := range table.Indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		cols := make([]string, len(idx.Fields))
		for i, f := range idx.Fields {
			cols[i] = quoteIdent(f)
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, quoteIdent(idx.Name), quoteIdent(table.Name), strings.Join(cols, ", ")))
	}
	return stmts
}

// upsertSQL renders an INSERT ... ON CONFLICT DO UPDATE for a record, so
// re-running writes (lifecycle archival included) stays idempotent.
func upsertSQL(table *config.TableConfig, data map[string]interface{}) (string, []interface{}) {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	pk := table.PrimaryKey()
	cols := make([]string, len(names))
	holders := make([]string, len(names))
	args := make([]interface{}, len(names))
	var updates []string
	for i, name := range names {
		cols[i] = quoteIdent(name)
		holders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = data[name]
		if pk == nil || name != pk.Name {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(name), quoteIdent(name)))
		}
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table.Name), strings.Join(cols, ", "), strings.Join(holders, ", "))
	if pk != nil {
		if len(updates) > 0 {
			sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
				quoteIdent(pk.Name), strings.Join(updates, ", "))
		} else {
			sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", quoteIdent(pk.Name))
		}
	}
	return sql, args
}

// whereClause renders a criteria tree as a WHERE fragment with positional
// parameters continuing from *argn. Similarity criteria are rejected here,
// before any statement reaches the server.
func whereClause(c *core.Criteria, argn *int, args *[]interface{}) (string, error) {
	if c == nil {
		return "", nil
	}
	switch c.Kind {
	case core.KindEq:
		*argn++
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s = $%d", quoteIdent(c.Field), *argn), nil
	case core.KindNeq:
		*argn++
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s <> $%d", quoteIdent(c.Field), *argn), nil
	case core.KindRange:
		var parts []string
		if c.Low != nil {
			*argn++
			*args = append(*args, c.Low)
			parts = append(parts, fmt.Sprintf("%s >= $%d", quoteIdent(c.Field), *argn))
		}
		if c.High != nil {
			*argn++
			*args = append(*args, c.High)
			parts = append(parts, fmt.Sprintf("%s <= $%d", quoteIdent(c.Field), *argn))
		}
		if len(parts) == 0 {
			return "TRUE", nil
		}
		return strings.Join(parts, " AND "), nil
	case core.KindIn:
		if len(c.Values) == 0 {
			return "FALSE", nil
		}
		holders := make([]string, len(c.Values))
		for i, v := range c.Values {
			*argn++
			*args = append(*args, v)
			holders[i] = fmt.Sprintf("$%d", *argn)
		}
		return fmt.Sprintf("%s IN (%s)", quoteIdent(c.Field), strings.Join(holders, ", ")), nil
	case core.KindPattern:
		*argn++
		*args = append(*args, c.Pattern)
		return fmt.Sprintf("%s ~ $%d", quoteIdent(c.Field), *argn), nil
	case core.KindNear:
		return "", errors.New(errors.ErrorTypeCapability, "similarity criteria are not servable by SQL").
			WithStage(errors.StageTranslation)
	case core.KindAnd, core.KindOr:
		if len(c.Children) == 0 {
			return "TRUE", nil
		}
		op := " AND "
		if c.Kind == core.KindOr {
			op = " OR "
		}
		parts := make([]string, len(c.Children))
		for i, child := range c.Children {
			frag, err := whereClause(child, argn, args)
			if err != nil {
				return "", err
			}
			parts[i] = frag
		}
		return "(" + strings.Join(parts, op) + ")", nil
	default:
		return "", errors.Newf(errors.ErrorTypeQuery, "unknown criteria kind %q", c.Kind).
			WithStage(errors.StageTranslation)
	}
}

// selectSQL renders a full SELECT for a query spec.
func selectSQL(spec *core.QuerySpec) (string, []interface{}, error) {
	var (
		argn int
		args []interface{}
	)

	projection := "*"
	if spec.Type == capability.QueryTypeAggregation {
		var terms []string
		for _, g := range spec.GroupBy {
			terms = append(terms, quoteIdent(g))
		}
		for _, agg := range spec.Aggregates {
			terms = append(terms, aggregateTerm(agg))
		}
		if len(terms) == 0 {
			terms = []string{"COUNT(*) AS count"}
		}
		projection = strings.Join(terms, ", ")
	} else if len(spec.Projection) > 0 {
		cols := make([]string, len(spec.Projection))
		for i, p := range spec.Projection {
			cols[i] = quoteIdent(p)
		}
		projection = strings.Join(cols, ", ")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", projection, quoteIdent(spec.Table))

	where, err := whereClause(spec.Criteria, &argn, &args)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sql += " WHERE " + where
	}

	if len(spec.GroupBy) > 0 {
		cols := make([]string, len(spec.GroupBy))
		for i, g := range spec.GroupBy {
			cols[i] = quoteIdent(g)
		}
		sql += " GROUP BY " + strings.Join(cols, ", ")
	}

	if len(spec.OrderBy) > 0 {
		terms := make([]string, len(spec.OrderBy))
		for i, o := range spec.OrderBy {
			dir := "ASC"
			if o.Descending {
				dir = "DESC"
			}
			terms[i] = quoteIdent(o.Field) + " " + dir
		}
		sql += " ORDER BY " + strings.Join(terms, ", ")
	}

	if spec.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", spec.Limit)
	}
	if spec.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", spec.Offset)
	}
	return sql, args, nil
}

// countSQL renders a SELECT COUNT(*) for a query spec's criteria.
func countSQL(spec *core.QuerySpec) (string, []interface{}, error) {
	var (
		argn int
		args []interface{}
	)
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(spec.Table))
	where, err := whereClause(spec.Criteria, &argn, &args)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sql += " WHERE " + where
	}
	return sql, args, nil
}

// updateSQL renders an UPDATE applying changes to rows matching criteria.
func updateSQL(table string, criteria *core.Criteria, changes map[string]interface{}) (string, []interface{}, error) {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		argn int
		args []interface{}
	)
	sets := make([]string, len(names))
	for i, name := range names {
		argn++
		args = append(args, changes[name])
		sets[i] = fmt.Sprintf("%s = $%d", quoteIdent(name), argn)
	}

	sql := fmt.Sprintf("UPDATE %s SET %s", quoteIdent(table), strings.Join(sets, ", "))
	where, err := whereClause(criteria, &argn, &args)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sql += " WHERE " + where
	}
	return sql, args, nil
}

// deleteSQL renders a DELETE for rows matching criteria.
func deleteSQL(table string, criteria *core.Criteria) (string, []interface{}, error) {
	var (
		argn int
		args []interface{}
	)
	sql := fmt.Sprintf("DELETE FROM %s", quoteIdent(table))
	where, err := whereClause(criteria, &argn, &args)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sql += " WHERE " + where
	}
	return sql, args, nil
}

func aggregateTerm(agg core.Aggregate) string {
	field := "*"
	if agg.Field != "" {
		field = quoteIdent(agg.Field)
	}
	as := agg.As
	if as == "" {
		as = string(agg.Func)
	}
	return fmt.Sprintf("%s(%s) AS %s", strings.ToUpper(string(agg.Func)), field, quoteIdent(as))
}

// quoteIdent quotes a SQL identifier, doubling embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
