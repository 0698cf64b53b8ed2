// Package engine executes planned queries against a database. It is the
// coordinator between the metadata graph, the permission rules, the filter
// compiler and the planner: it authorizes the request, merges the caller's
// filter with the permission filter, renders SQL through the dialect, runs
// it, and shapes flat rows back into nested documents.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/trellisql/trellis"
	"github.com/trellisql/trellis/dialect"
	"github.com/trellisql/trellis/sqlgen"
)

// GraphSource yields the current metadata graph. *trellis.GraphCache
// satisfies it; StaticGraph wraps a fixed graph for tests and tools.
type GraphSource interface {
	Graph(ctx context.Context) (*trellis.Graph, error)
}

// StaticGraph adapts a fixed graph into a GraphSource.
type StaticGraph struct{ G *trellis.Graph }

func (s StaticGraph) Graph(context.Context) (*trellis.Graph, error) { return s.G, nil }

// Guard is an optional hook consulted before every write. Returning an error
// aborts the write; return a Conflict error to signal optimistic-concurrency
// failures.
type Guard func(ctx context.Context, e *trellis.Entity, capability trellis.Capability, values map[string]any) error

// Executor runs reads and writes for one database.
type Executor struct {
	db      trellis.Querier
	dialect dialect.Dialect
	graphs  GraphSource

	newID func() string
	guard Guard
}

// Option configures an Executor.
type Option func(*Executor)

// WithIDGenerator replaces the key generator used when a create request
// carries no key. The default is a random UUID.
func WithIDGenerator(gen func() string) Option {
	return func(e *Executor) { e.newID = gen }
}

// WithGuard installs a pre-write hook.
func WithGuard(g Guard) Option {
	return func(e *Executor) { e.guard = g }
}

// New builds an Executor. db is typically *sql.DB but can be a transaction
// or single connection.
func New(db trellis.Querier, d dialect.Dialect, graphs GraphSource, opts ...Option) *Executor {
	e := &Executor{
		db:      db,
		dialect: d,
		graphs:  graphs,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// List runs a filtered, sorted, paged query and returns the matching rows as
// nested documents plus pagination counts. Total counts the rows visible to
// the principal, Filtered the rows remaining after the caller's filter.
func (e *Executor) List(ctx context.Context, principal trellis.Principal, q trellis.Query) (*trellis.ListResult, error) {
	graph, err := e.graphs.Graph(ctx)
	if err != nil {
		return nil, err
	}
	entity, permFilter, err := trellis.Authorize(principal, graph.Candidates(q.Resource), trellis.CapabilityReadAll)
	if err != nil {
		return nil, err
	}

	plan, err := e.plan(entity, principal, q.Projection)
	if err != nil {
		return nil, err
	}

	permClause, permParams, next, err := e.compile(permFilter, entity, principal, plan.RootAlias, plan.NextParam)
	if err != nil {
		return nil, err
	}
	filterClause, filterParams, _, err := e.compile(q.Filter, entity, principal, plan.RootAlias, next)
	if err != nil {
		return nil, err
	}

	orderBy, err := e.orderBy(entity, plan.RootAlias, q.SortProperty, q.SortOrder)
	if err != nil {
		return nil, err
	}

	page, pageSize := q.Page, q.PageSize
	if page < 0 {
		page = 0
	}

	query, err := plan.SQL(e.dialect, sqlgen.RenderOptions{
		ExtraWhere: nonEmpty(permClause, filterClause),
		OrderBy:    orderBy,
		Page:       page,
		PageSize:   pageSize,
	})
	if err != nil {
		return nil, err
	}

	args := e.args(concat(plan.Params, permParams, filterParams))
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entity.ObjectName, err)
	}
	items, err := assembleRows(rows, plan)
	if err != nil {
		return nil, err
	}

	total, err := e.count(ctx, plan, nonEmpty(permClause), permParams)
	if err != nil {
		return nil, err
	}
	filtered := total
	if filterClause != "" {
		filtered, err = e.count(ctx, plan, nonEmpty(permClause, filterClause), concat(permParams, filterParams))
		if err != nil {
			return nil, err
		}
	}

	return &trellis.ListResult{
		Items:    items,
		Page:     page,
		Total:    total,
		Filtered: filtered,
	}, nil
}

// GetOne fetches a single row by key, shaped like a List item.
func (e *Executor) GetOne(ctx context.Context, principal trellis.Principal, resource string, id any, projection []string) (map[string]any, error) {
	graph, err := e.graphs.Graph(ctx)
	if err != nil {
		return nil, err
	}
	entity, permFilter, err := trellis.Authorize(principal, graph.Candidates(resource), trellis.CapabilityReadOne)
	if err != nil {
		return nil, err
	}

	plan, err := e.plan(entity, principal, projection)
	if err != nil {
		return nil, err
	}

	keyFilter := &trellis.Comparer{
		Property: entity.KeyProperty().Name,
		Operator: trellis.OpEq,
		Filter:   id,
	}
	clause, params, _, err := e.compile(trellis.AndComparers(keyFilter, permFilter), entity, principal, plan.RootAlias, plan.NextParam)
	if err != nil {
		return nil, err
	}

	query, err := plan.SQL(e.dialect, sqlgen.RenderOptions{ExtraWhere: nonEmpty(clause)})
	if err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, query, e.args(concat(plan.Params, params))...)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", entity.ObjectName, err)
	}
	items, err := assembleRows(rows, plan)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, trellis.NotFoundf("%s %v not found", entity.ObjectName, id)
	}
	return items[0], nil
}

func (e *Executor) plan(entity *trellis.Entity, principal trellis.Principal, projection []string) (*sqlgen.SelectPlan, error) {
	planner := sqlgen.Planner{
		Dialect:   e.dialect,
		Principal: principal,
		NestedFilter: func(nested *trellis.Entity) (*trellis.Comparer, error) {
			return trellis.AuthorizeNested(principal, nested)
		},
	}
	return planner.Plan(entity, projection, 0)
}

func (e *Executor) compile(filter *trellis.Comparer, entity *trellis.Entity, principal trellis.Principal, alias string, start int) (string, []sqlgen.Param, int, error) {
	clause, next, params, err := sqlgen.CompileFilter(filter, sqlgen.FilterContext{
		Entity:    entity,
		Dialect:   e.dialect,
		Principal: principal,
		Alias:     alias,
	}, start)
	return clause, params, next, err
}

// orderBy resolves the sort property against the root entity. The key is the
// fallback ordering; paging needs a deterministic order on both engines. A
// dotted sort property navigates into a JSON column on the root entity.
func (e *Executor) orderBy(entity *trellis.Entity, alias, sortProperty string, order trellis.SortOrder) (string, error) {
	expr := fmt.Sprintf("%s.%s", alias, entity.KeyProperty().Column)
	if sortProperty != "" {
		segments := strings.Split(sortProperty, ".")
		prop := entity.PropertyByName(segments[0])
		if prop == nil {
			return "", trellis.BadRequestf("invalid sort property %q", sortProperty)
		}
		expr = fmt.Sprintf("%s.%s", alias, prop.Column)
		if len(segments) > 1 {
			expr = e.dialect.JSONPropertyNavigation(expr, segments[1:])
		}
	}
	direction := "ASC"
	if order == trellis.SortDesc {
		direction = "DESC"
	}
	return expr + " " + direction, nil
}

func (e *Executor) count(ctx context.Context, plan *sqlgen.SelectPlan, where []string, params []sqlgen.Param) (int64, error) {
	var n int64
	query := plan.CountSQL(e.dialect, where...)
	if err := e.db.QueryRowContext(ctx, query, e.args(params)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", plan.Root.ObjectName, err)
	}
	return n, nil
}

// args converts compiled parameters into driver arguments. go-mssqldb takes
// sql.Named values directly; pgx rewrites @name placeholders through
// NamedArgs, which its database/sql driver also honors.
func (e *Executor) args(params []sqlgen.Param) []any {
	if e.dialect.Name() == "postgres" {
		if len(params) == 0 {
			return nil
		}
		named := make(pgx.NamedArgs, len(params))
		for _, p := range params {
			named[p.Name] = p.Value
		}
		return []any{named}
	}
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = sql.Named(p.Name, p.Value)
	}
	return out
}

func nonEmpty(clauses ...string) []string {
	var out []string
	for _, c := range clauses {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func concat(lists ...[]sqlgen.Param) []sqlgen.Param {
	var out []sqlgen.Param
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
