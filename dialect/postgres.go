package dialect

import (
	"fmt"
	"strings"
)

// Postgres renders PostgreSQL. JSON projection is built explicitly with
// json_build_object/json_agg since the engine has no FOR JSON equivalent;
// named parameters execute through pgx's named-argument rewriting.
type Postgres struct{}

// Name implements Dialect.
func (Postgres) Name() string { return "postgres" }

// QuoteIdentifier quotes with double quotes, doubling embedded quotes.
func (Postgres) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Placeholder renders the @-prefixed named parameter (pgx NamedArgs form).
func (Postgres) Placeholder(name string) string { return "@" + name }

// CurrentTimestamp implements Dialect.
func (Postgres) CurrentTimestamp() string { return "now()" }

// AddPaging appends LIMIT/OFFSET. pageSize <= 0 leaves the query alone.
func (Postgres) AddPaging(query string, page, pageSize int) string {
	if pageSize <= 0 {
		return query
	}
	if page < 0 {
		page = 0
	}
	return fmt.Sprintf("%s LIMIT %d OFFSET %d", query, pageSize, page*pageSize)
}

// JSONPropertyNavigation chains -> operators, extracting the final segment
// as text with ->> so it sorts by value rather than by JSON representation.
func (Postgres) JSONPropertyNavigation(column string, segments []string) string {
	if len(segments) == 0 {
		return column
	}
	expr := column
	for _, seg := range segments[:len(segments)-1] {
		expr += fmt.Sprintf("->'%s'", strings.ReplaceAll(seg, "'", "''"))
	}
	return expr + fmt.Sprintf("->>'%s'", strings.ReplaceAll(segments[len(segments)-1], "'", "''"))
}

// InsertReturningID uses RETURNING.
func (d Postgres) InsertReturningID(schema, table, keyColumn string, columns, placeholders []string) (string, error) {
	if len(columns) != len(placeholders) {
		return "", ErrArgumentMismatch
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		d.qualify(schema, table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		d.QuoteIdentifier(keyColumn),
	), nil
}

// InsertIfNotExists uses the INSERT … SELECT … WHERE NOT EXISTS form so it
// stays free of constraint assumptions on the junction table.
func (d Postgres) InsertIfNotExists(schema, table, column1, placeholder1, column2, placeholder2, validFromColumn string) string {
	target := d.qualify(schema, table)
	c1, c2 := d.QuoteIdentifier(column1), d.QuoteIdentifier(column2)
	cols := c1 + ", " + c2
	vals := placeholder1 + ", " + placeholder2
	if validFromColumn != "" {
		cols += ", " + d.QuoteIdentifier(validFromColumn)
		vals += ", " + d.CurrentTimestamp()
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = %s AND %s = %s)",
		target, cols, vals, target, c1, placeholder1, c2, placeholder2)
}

// BasicSelect renders the SELECT clause. With wrapAsJSON the projection is
// one json_build_object per row, nesting an object per dotted path segment;
// without it the clause is flat with dotted aliases matching the SQL Server
// dialect so host-side assembly is engine-independent.
func (d Postgres) BasicSelect(names, expressions, paths []string, wrapAsJSON bool) (string, error) {
	if len(names) != len(expressions) || len(names) != len(paths) {
		return "", ErrArgumentMismatch
	}
	if !wrapAsJSON {
		parts := make([]string, len(names))
		for i := range names {
			alias := names[i]
			if paths[i] != "" {
				alias = paths[i] + "." + names[i]
			}
			parts[i] = fmt.Sprintf("%s AS %s", expressions[i], d.QuoteIdentifier(alias))
		}
		return "SELECT " + strings.Join(parts, ", "), nil
	}
	return "SELECT " + d.jsonObject(names, expressions, paths), nil
}

// jsonObject recursively renders json_build_object, grouping entries by the
// first segment of their output path.
func (d Postgres) jsonObject(names, exprs, paths []string) string {
	rootNames, rootExprs, groups := splitPaths(names, exprs, paths)
	var pairs []string
	for i := range rootNames {
		pairs = append(pairs, fmt.Sprintf("'%s', %s", strings.ReplaceAll(rootNames[i], "'", "''"), rootExprs[i]))
	}
	for _, g := range groups {
		pairs = append(pairs, fmt.Sprintf("'%s', %s", strings.ReplaceAll(g.segment, "'", "''"), d.jsonObject(g.names, g.exprs, g.paths)))
	}
	return "json_build_object(" + strings.Join(pairs, ", ") + ")"
}

// WrapIntoJSON aggregates the query's rows into one JSON document. auto has
// no PostgreSQL equivalent and falls back to row_to_json over the subquery.
func (Postgres) WrapIntoJSON(query string, auto, includeNulls, withoutArrayWrapper bool) string {
	rowExpr := "row_to_json(_wrap)"
	if !includeNulls {
		rowExpr = "json_strip_nulls(" + rowExpr + ")"
	}
	if withoutArrayWrapper {
		return fmt.Sprintf("SELECT %s FROM (%s) AS _wrap LIMIT 1", rowExpr, query)
	}
	return fmt.Sprintf("SELECT COALESCE(json_agg(%s), '[]'::json) FROM (%s) AS _wrap", rowExpr, query)
}

// Like concatenates the wildcards around the parameter with ||.
func (Postgres) Like(expr, placeholder string, mode LikeMode) string {
	switch mode {
	case LikePrefix:
		return fmt.Sprintf("%s LIKE %s || '%%'", expr, placeholder)
	case LikeSuffix:
		return fmt.Sprintf("%s LIKE '%%' || %s", expr, placeholder)
	default:
		return fmt.Sprintf("%s LIKE '%%' || %s || '%%'", expr, placeholder)
	}
}

func (d Postgres) qualify(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

var _ Dialect = Postgres{}
