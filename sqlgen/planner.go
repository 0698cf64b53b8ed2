package sqlgen

import (
	"fmt"
	"strings"

	"github.com/trellisql/trellis"
	"github.com/trellisql/trellis/dialect"
)

// Planner builds join plans for an entity and a set of requested property
// paths. NestedFilter, when set, is consulted for every joined entity and
// returns the row filter the current principal is restricted to on that
// entity; the compiled predicate becomes part of the join condition, so
// restricted nested rows come back as NULL rather than dropping the parent
// row. An entity the principal may not read at all is pruned from implicit
// expansion; only a projection path naming it keeps the denial as an error.
type Planner struct {
	Dialect      dialect.Dialect
	Principal    trellis.Principal
	NestedFilter func(e *trellis.Entity) (*trellis.Comparer, error)
}

// PlanColumn is one projected column: the SQL expression, the external name,
// and the dotted output path of the node it belongs to ("" for the root).
type PlanColumn struct {
	Expr  string
	Name  string
	Path  string
	IsKey bool
}

// OutputName is the column's full dotted name in the flat result set.
func (c PlanColumn) OutputName() string {
	if c.Path == "" {
		return c.Name
	}
	return c.Path + "." + c.Name
}

// SelectPlan is the result of planning: projection columns, join clauses,
// root-level predicates, and the parameters bound so far. ArrayPaths marks
// the output paths that fold into JSON arrays instead of single objects.
type SelectPlan struct {
	Root       *trellis.Entity
	RootAlias  string
	Columns    []PlanColumn
	Joins      []string
	Where      []string
	Params     []Param
	NextParam  int
	ArrayPaths map[string]bool

	aliasCount int
}

// RenderOptions shape the final statement rendered from a plan.
type RenderOptions struct {
	// ExtraWhere holds predicates compiled against the root alias, typically
	// the merged permission and caller filter.
	ExtraWhere []string
	// OrderBy is a complete ordering expression ("tab0.Name ASC"); required
	// whenever paging is applied.
	OrderBy string
	// Paging is applied when PageSize is positive. Page is zero-based.
	Page     int
	PageSize int
	// WrapAsJSON renders the nested-JSON shape instead of the flat one.
	WrapAsJSON          bool
	WithoutArrayWrapper bool
}

// Plan recursively expands entity into a join plan. requested is the explicit
// set of dotted output paths to project; empty means the default projection
// (every non-hidden property, every reachable nested entity, bounded by the
// cycle rule). start seeds the parameter counter for nested permission
// filters.
func (pl *Planner) Plan(entity *trellis.Entity, requested []string, start int) (*SelectPlan, error) {
	plan := &SelectPlan{
		Root:       entity,
		ArrayPaths: make(map[string]bool),
		NextParam:  start,
	}
	rs := newRequestSet(requested)
	visited := map[string]bool{entity.Key: true}

	plan.RootAlias = plan.nextAlias()
	if err := pl.expand(plan, entity, plan.RootAlias, "", rs, visited); err != nil {
		return nil, err
	}
	if entity.SoftDeleteColumn != "" {
		plan.Where = append(plan.Where, fmt.Sprintf("%s.%s IS NULL", plan.RootAlias, entity.SoftDeleteColumn))
	}
	return plan, nil
}

func (p *SelectPlan) nextAlias() string {
	alias := fmt.Sprintf("tab%d", p.aliasCount)
	p.aliasCount++
	return alias
}

func (p *SelectPlan) addColumn(expr, name, path string, isKey bool) {
	p.Columns = append(p.Columns, PlanColumn{Expr: expr, Name: name, Path: path, IsKey: isKey})
}

// expand plans one entity node: key column first, then scalar columns, then
// the three kinds of nested expansion. visited tracks the current
// root-to-node path so cyclic graphs terminate; an entity may appear on
// several sibling branches, just never nested under itself.
func (pl *Planner) expand(plan *SelectPlan, e *trellis.Entity, alias, prefix string, rs requestSet, visited map[string]bool) error {
	key := e.KeyProperty()
	plan.addColumn(qualify(alias, key.Column), key.Name, prefix, true)

	for _, prop := range e.Properties {
		if prop.IsKey {
			continue
		}
		path := joinPath(prefix, prop.Name)

		if prop.ReferencesEntity != "" {
			target := prop.Referenced()
			if target != nil && !visited[target.Key] && rs.wantsExpand(path) {
				filter, allowed, err := pl.allowNested(target, rs != nil)
				if err != nil {
					return err
				}
				if allowed {
					childAlias := plan.nextAlias()
					cond := fmt.Sprintf("%s.%s = %s.%s",
						childAlias, target.KeyProperty().Column,
						alias, prop.Column)
					if err := pl.join(plan, target, childAlias, cond, filter); err != nil {
						return err
					}
					visited[target.Key] = true
					err := pl.expand(plan, target, childAlias, path, rs, visited)
					delete(visited, target.Key)
					if err != nil {
						return err
					}
					continue
				}
			}
			// Unexpanded foreign keys still surface as scalar ids.
			if rs.wantsColumn(path, prop.Hidden) {
				plan.addColumn(qualify(alias, prop.Column), prop.Name, prefix, false)
			}
			continue
		}

		if rs.wantsColumn(path, prop.Hidden) {
			plan.addColumn(qualify(alias, prop.Column), prop.Name, prefix, false)
		}
	}

	for _, ref := range e.Referencing() {
		if ref.RelatedName == "" {
			continue
		}
		source := ref.Entity()
		path := joinPath(prefix, ref.RelatedName)
		if visited[source.Key] || !rs.wantsExpand(path) {
			continue
		}
		filter, allowed, err := pl.allowNested(source, rs != nil)
		if err != nil {
			return err
		}
		if !allowed {
			continue
		}
		childAlias := plan.nextAlias()
		cond := fmt.Sprintf("%s.%s = %s.%s",
			childAlias, ref.Column,
			alias, e.KeyProperty().Column)
		if err := pl.join(plan, source, childAlias, cond, filter); err != nil {
			return err
		}
		if ref.RelatedAsArray {
			plan.ArrayPaths[path] = true
		}
		visited[source.Key] = true
		err = pl.expand(plan, source, childAlias, path, rs, visited)
		delete(visited, source.Key)
		if err != nil {
			return err
		}
	}

	for _, side := range e.RelationSides() {
		if !side.Visible {
			continue
		}
		far := side.Far
		path := joinPath(prefix, side.CollectionName)
		if visited[far.Key] || !rs.wantsExpand(path) {
			continue
		}
		filter, allowed, err := pl.allowNested(far, rs != nil)
		if err != nil {
			return err
		}
		if !allowed {
			continue
		}
		childAlias := plan.nextAlias()
		junction := qualifiedTable(pl.Dialect, e.Schema, side.Relation.Table)
		sub := sqlf(`
			SELECT %s
			FROM %s
			WHERE %s`,
			side.FarColumn,
			junction,
			andJoin(append(
				[]string{fmt.Sprintf("%s = %s.%s", side.NearColumn, alias, e.KeyProperty().Column)},
				RelationValidity(pl.Dialect, "", side.Relation)...)))
		cond := fmt.Sprintf("%s.%s IN (%s)", childAlias, far.KeyProperty().Column, sub)
		if err := pl.join(plan, far, childAlias, cond, filter); err != nil {
			return err
		}
		plan.ArrayPaths[path] = true
		visited[far.Key] = true
		err = pl.expand(plan, far, childAlias, path, rs, visited)
		delete(visited, far.Key)
		if err != nil {
			return err
		}
	}
	return nil
}

// allowNested resolves the principal's row filter for a nested entity. A
// read denial prunes the branch under the default projection; a path the
// caller asked for by name keeps the denial as an error.
func (pl *Planner) allowNested(e *trellis.Entity, explicit bool) (*trellis.Comparer, bool, error) {
	if pl.NestedFilter == nil {
		return nil, true, nil
	}
	filter, err := pl.NestedFilter(e)
	if err == nil {
		return filter, true, nil
	}
	if !explicit && (trellis.IsForbiddenErr(err) || trellis.IsUnauthorizedErr(err)) {
		return nil, false, nil
	}
	return nil, false, err
}

// join appends a LEFT JOIN on the given condition, folding in the joined
// entity's soft-delete predicate and the principal's row filter for it.
func (pl *Planner) join(plan *SelectPlan, e *trellis.Entity, alias, cond string, filter *trellis.Comparer) error {
	conds := []string{cond}
	if e.SoftDeleteColumn != "" {
		conds = append(conds, fmt.Sprintf("%s.%s IS NULL", alias, e.SoftDeleteColumn))
	}
	if filter != nil {
		clause, next, params, err := CompileFilter(filter, FilterContext{
			Entity:    e,
			Dialect:   pl.Dialect,
			Principal: pl.Principal,
			Alias:     alias,
		}, plan.NextParam)
		if err != nil {
			return err
		}
		plan.NextParam = next
		plan.Params = append(plan.Params, params...)
		if clause != "" {
			conds = append(conds, clause)
		}
	}
	plan.Joins = append(plan.Joins, fmt.Sprintf("LEFT JOIN %s AS %s ON %s",
		qualifiedTable(pl.Dialect, e.Schema, e.Table), alias, andJoin(conds)))
	return nil
}

// SQL renders the plan into a complete statement. Paging over a plan with
// joins goes through a root-key subselect so that child rows multiplied by
// LEFT JOINs do not eat into the page.
func (p *SelectPlan) SQL(d dialect.Dialect, opts RenderOptions) (string, error) {
	names := make([]string, len(p.Columns))
	exprs := make([]string, len(p.Columns))
	paths := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		names[i] = c.Name
		exprs[i] = c.Expr
		paths[i] = c.Path
	}
	sel, err := d.BasicSelect(names, exprs, paths, opts.WrapAsJSON)
	if err != nil {
		return "", err
	}

	table := qualifiedTable(d, p.Root.Schema, p.Root.Table)
	where := append(append([]string{}, p.Where...), opts.ExtraWhere...)

	paged := opts.PageSize > 0
	if paged && len(p.Joins) > 0 {
		inner := sqlf(`
			SELECT %s.%s AS page_key
			FROM %s AS %s
			%s
			ORDER BY %s`,
			p.RootAlias, p.Root.KeyProperty().Column,
			table, p.RootAlias,
			optf(len(where) > 0, "WHERE %s", andJoin(where)),
			opts.OrderBy)
		inner = d.AddPaging(inner, opts.Page, opts.PageSize)
		where = []string{fmt.Sprintf("%s.%s IN (SELECT page_key FROM (%s) AS paged)",
			p.RootAlias, p.Root.KeyProperty().Column, inner)}
		paged = false
	}

	query := sqlf(`
		%s
		FROM %s AS %s
		%s
		%s
		%s`,
		sel,
		table, p.RootAlias,
		strings.Join(p.Joins, "\n"),
		optf(len(where) > 0, "WHERE %s", andJoin(where)),
		optf(opts.OrderBy != "", "ORDER BY %s", opts.OrderBy))
	if paged {
		query = d.AddPaging(query, opts.Page, opts.PageSize)
	}
	if opts.WrapAsJSON {
		query = d.WrapIntoJSON(query, false, false, opts.WithoutArrayWrapper)
	}
	return query, nil
}

// CountSQL renders the row count matching the plan's predicates plus extra.
// Joins never narrow the root row set (they are all LEFT), so counting the
// root table alone is exact.
func (p *SelectPlan) CountSQL(d dialect.Dialect, extraWhere ...string) string {
	where := append(append([]string{}, p.Where...), extraWhere...)
	return sqlf(`
		SELECT COUNT(*)
		FROM %s AS %s
		%s`,
		qualifiedTable(d, p.Root.Schema, p.Root.Table), p.RootAlias,
		optf(len(where) > 0, "WHERE %s", andJoin(where)))
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// requestSet is the caller's explicit projection; nil means default.
type requestSet map[string]bool

func newRequestSet(paths []string) requestSet {
	if len(paths) == 0 {
		return nil
	}
	rs := make(requestSet, len(paths))
	for _, p := range paths {
		rs[p] = true
	}
	return rs
}

// wantsColumn reports whether a scalar column at the given output path is
// projected. Hidden columns only appear when named explicitly.
func (rs requestSet) wantsColumn(path string, hidden bool) bool {
	if rs == nil {
		return !hidden
	}
	return rs[path]
}

// wantsExpand reports whether the nested entity at the given output path
// should be joined: always under the default projection, otherwise only when
// some requested path descends into it.
func (rs requestSet) wantsExpand(path string) bool {
	if rs == nil {
		return true
	}
	prefix := path + "."
	for p := range rs {
		if p == path || strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
