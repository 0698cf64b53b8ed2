// Package dialect isolates engine-specific SQL rendering behind a stable
// interface. Each implementation is a pure, stateless string-template
// provider: the planner and filter compiler decide structure, the dialect
// decides spelling. For the same abstract call every dialect must produce
// syntactically valid, semantically equivalent SQL.
package dialect

import (
	"errors"
	"fmt"
	"strings"
)

// ErrArgumentMismatch is returned when parallel slices passed to a dialect
// call differ in length. Callers map it to a bad-request failure.
var ErrArgumentMismatch = errors.New("dialect: mismatched argument list lengths")

// ForEngine maps an engine name onto its dialect.
func ForEngine(engine string) (Dialect, error) {
	switch strings.ToLower(engine) {
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "sqlserver", "mssql":
		return SQLServer{}, nil
	}
	return nil, fmt.Errorf("dialect: unsupported engine %q", engine)
}

// LikeMode selects wildcard placement for substring operators.
type LikeMode int

const (
	// LikeContains matches the value anywhere in the column.
	LikeContains LikeMode = iota
	// LikePrefix matches values starting with the literal.
	LikePrefix
	// LikeSuffix matches values ending with the literal.
	LikeSuffix
)

// Dialect renders engine-specific SQL. Implementations hold no state and are
// safe for concurrent use.
type Dialect interface {
	// Name identifies the engine ("sqlserver", "postgres").
	Name() string

	// QuoteIdentifier quotes a table or column identifier.
	QuoteIdentifier(name string) string

	// Placeholder renders a reference to the named parameter, e.g.
	// "@Filter_Int0". Parameter names are engine-independent; execution
	// binds them natively (SQL Server) or via named-argument rewriting
	// (PostgreSQL through pgx).
	Placeholder(name string) string

	// CurrentTimestamp is the engine's UTC now() literal.
	CurrentTimestamp() string

	// AddPaging appends the paging clause. Semantics are always
	// zero-based page index × page size = offset, page size = limit.
	AddPaging(query string, page, pageSize int) string

	// JSONPropertyNavigation renders navigation into a JSON column, used
	// for sorting by a nested JSON field. column is already quoted or
	// aliased; segments are the path below it.
	JSONPropertyNavigation(column string, segments []string) string

	// InsertReturningID renders an INSERT that yields the generated or
	// supplied key value as a one-row result set.
	InsertReturningID(schema, table, keyColumn string, columns, placeholders []string) (string, error)

	// InsertIfNotExists renders an idempotent two-column insert used for
	// junction rows. When validFromColumn is non-empty it is filled with
	// the current timestamp.
	InsertIfNotExists(schema, table, column1, placeholder1, column2, placeholder2, validFromColumn string) string

	// BasicSelect renders the SELECT clause from parallel slices: external
	// names, SQL expressions, and dotted output-path prefixes ("" for the
	// root object). With wrapAsJSON the projection nests one JSON object
	// per path segment; without it the clause is flat and paths surface as
	// dotted column aliases.
	BasicSelect(names, expressions, paths []string, wrapAsJSON bool) (string, error)

	// WrapIntoJSON wraps a complete query so the whole result set comes
	// back as one JSON document. auto lets the engine derive nesting from
	// the join shape where supported; withoutArrayWrapper unwraps a
	// single-object result.
	WrapIntoJSON(query string, auto, includeNulls, withoutArrayWrapper bool) string

	// Like renders a substring predicate over an expression against a
	// named parameter carrying the bare literal (no wildcards).
	Like(expr, placeholder string, mode LikeMode) string
}

// splitPaths groups a projection (parallel names/exprs/paths) into the
// root-level columns and the nested groups keyed by first path segment, in
// first-appearance order. Shared by dialects that build nested JSON
// projections by hand.
type pathGroup struct {
	segment string
	names   []string
	exprs   []string
	paths   []string
}

func splitPaths(names, exprs, paths []string) (rootNames, rootExprs []string, groups []*pathGroup) {
	index := map[string]*pathGroup{}
	for i, p := range paths {
		if p == "" {
			rootNames = append(rootNames, names[i])
			rootExprs = append(rootExprs, exprs[i])
			continue
		}
		head, rest := p, ""
		if dot := strings.IndexByte(p, '.'); dot >= 0 {
			head, rest = p[:dot], p[dot+1:]
		}
		grp, ok := index[head]
		if !ok {
			grp = &pathGroup{segment: head}
			index[head] = grp
			groups = append(groups, grp)
		}
		grp.names = append(grp.names, names[i])
		grp.exprs = append(grp.exprs, exprs[i])
		grp.paths = append(grp.paths, rest)
	}
	return rootNames, rootExprs, groups
}
