package dialect

import (
	"fmt"
	"strings"
)

// SQLServer renders T-SQL. JSON projection uses FOR JSON, which derives
// nesting either from dotted column aliases (PATH) or from the join shape
// (AUTO); paging uses OFFSET … FETCH and requires an ORDER BY, which the
// planner always emits before paging is applied.
type SQLServer struct{}

// Name implements Dialect.
func (SQLServer) Name() string { return "sqlserver" }

// QuoteIdentifier quotes with brackets, doubling any closing bracket.
func (SQLServer) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// Placeholder renders the @-prefixed named parameter.
func (SQLServer) Placeholder(name string) string { return "@" + name }

// CurrentTimestamp implements Dialect.
func (SQLServer) CurrentTimestamp() string { return "GETUTCDATE()" }

// AddPaging appends OFFSET … FETCH. pageSize <= 0 leaves the query alone.
func (SQLServer) AddPaging(query string, page, pageSize int) string {
	if pageSize <= 0 {
		return query
	}
	if page < 0 {
		page = 0
	}
	return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", query, page*pageSize, pageSize)
}

// JSONPropertyNavigation renders JSON_VALUE with a $-rooted path.
func (d SQLServer) JSONPropertyNavigation(column string, segments []string) string {
	if len(segments) == 0 {
		return column
	}
	return fmt.Sprintf("JSON_VALUE(%s, '$.%s')", column, strings.Join(segments, "."))
}

// InsertReturningID uses OUTPUT INSERTED so the key comes back whether it
// was generated by the engine or supplied by the caller.
func (d SQLServer) InsertReturningID(schema, table, keyColumn string, columns, placeholders []string) (string, error) {
	if len(columns) != len(placeholders) {
		return "", ErrArgumentMismatch
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) OUTPUT INSERTED.%s VALUES (%s)",
		d.qualify(schema, table),
		strings.Join(quoted, ", "),
		d.QuoteIdentifier(keyColumn),
		strings.Join(placeholders, ", "),
	), nil
}

// InsertIfNotExists guards the insert with an existence probe on the two
// referencing columns.
func (d SQLServer) InsertIfNotExists(schema, table, column1, placeholder1, column2, placeholder2, validFromColumn string) string {
	target := d.qualify(schema, table)
	c1, c2 := d.QuoteIdentifier(column1), d.QuoteIdentifier(column2)
	cols := c1 + ", " + c2
	vals := placeholder1 + ", " + placeholder2
	if validFromColumn != "" {
		cols += ", " + d.QuoteIdentifier(validFromColumn)
		vals += ", " + d.CurrentTimestamp()
	}
	return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM %s WHERE %s = %s AND %s = %s) INSERT INTO %s (%s) VALUES (%s)",
		target, c1, placeholder1, c2, placeholder2, target, cols, vals)
}

// BasicSelect renders the SELECT clause. With wrapAsJSON, dotted aliases
// carry the output paths and FOR JSON PATH (applied by WrapIntoJSON) turns
// them into nested objects; the flat form uses the same dotted aliases so
// host-side assembly sees identical column names on every engine.
func (d SQLServer) BasicSelect(names, expressions, paths []string, wrapAsJSON bool) (string, error) {
	if len(names) != len(expressions) || len(names) != len(paths) {
		return "", ErrArgumentMismatch
	}
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

// WrapIntoJSON appends the FOR JSON clause.
func (SQLServer) WrapIntoJSON(query string, auto, includeNulls, withoutArrayWrapper bool) string {
	mode := "PATH"
	if auto {
		mode = "AUTO"
	}
	clause := " FOR JSON " + mode
	if includeNulls {
		clause += ", INCLUDE_NULL_VALUES"
	}
	if withoutArrayWrapper {
		clause += ", WITHOUT_ARRAY_WRAPPER"
	}
	return query + clause
}

// Like concatenates the wildcards around the parameter with +.
func (SQLServer) Like(expr, placeholder string, mode LikeMode) string {
	switch mode {
	case LikePrefix:
		return fmt.Sprintf("%s LIKE %s + '%%'", expr, placeholder)
	case LikeSuffix:
		return fmt.Sprintf("%s LIKE '%%' + %s", expr, placeholder)
	default:
		return fmt.Sprintf("%s LIKE '%%' + %s + '%%'", expr, placeholder)
	}
}

func (d SQLServer) qualify(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

var _ Dialect = SQLServer{}
