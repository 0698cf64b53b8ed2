package sqlgen

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trellisql/trellis"
	"github.com/trellisql/trellis/dialect"
)

// FilterContext carries everything a comparer compilation needs besides the
// tree itself. Alias is the prefix for direct column references; an empty
// alias renders bare column names.
type FilterContext struct {
	Entity    *trellis.Entity
	Dialect   dialect.Dialect
	Principal trellis.Principal
	Alias     string
}

// CompileFilter turns a comparer tree into a boolean SQL fragment plus the
// named parameters it binds. start is the first parameter number to use; the
// returned next is the first number still free, so callers compiling several
// trees into one statement thread the counter through.
//
// A nil tree compiles to the empty fragment. Unknown operators compile to the
// always-true clause (1 = 1) so a filter with an unrecognized operator widens
// the result instead of failing the request.
func CompileFilter(node *trellis.Comparer, ctx FilterContext, start int) (sql string, next int, params []Param, err error) {
	if node == nil {
		return "", start, nil, nil
	}
	if node.IsGroup() {
		return compileGroup(node, ctx, start)
	}
	if node.Operator == trellis.OpContainsAny {
		return compileContainsAny([]*trellis.Comparer{node}, ctx, start)
	}
	return compileLeaf(node, ctx, start)
}

func compileGroup(node *trellis.Comparer, ctx FilterContext, start int) (string, int, []Param, error) {
	var (
		containsAny []*trellis.Comparer
		ordinary    []*trellis.Comparer
	)
	for _, child := range node.Comparisons {
		if !child.IsGroup() && child.Operator == trellis.OpContainsAny {
			containsAny = append(containsAny, child)
			continue
		}
		ordinary = append(ordinary, child)
	}

	counter := start
	var clauses []string
	var params []Param

	if len(containsAny) > 0 {
		clause, next, ps, err := compileContainsAny(containsAny, ctx, counter)
		if err != nil {
			return "", start, nil, err
		}
		counter = next
		params = append(params, ps...)
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}

	for _, child := range ordinary {
		clause, next, ps, err := CompileFilter(child, ctx, counter)
		if err != nil {
			return "", start, nil, err
		}
		counter = next
		params = append(params, ps...)
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}

	if len(clauses) == 0 {
		return "", counter, params, nil
	}

	switch node.Conjunction {
	case trellis.ConjunctionOr:
		return "(" + strings.Join(clauses, " OR ") + ")", counter, params, nil
	case trellis.ConjunctionNot:
		return "NOT (" + strings.Join(clauses, " AND ") + ")", counter, params, nil
	default:
		return "(" + strings.Join(clauses, " AND ") + ")", counter, params, nil
	}
}

// compileContainsAny compiles the contains-any comparers of one group
// together. The filter literal of the first comparer is split on whitespace;
// every word must match at least one of the listed properties, so words are
// ANDed and the per-word property matches are ORed. Each (word, property)
// pair binds its own parameter.
func compileContainsAny(comparers []*trellis.Comparer, ctx FilterContext, start int) (string, int, []Param, error) {
	words := strings.Fields(fmt.Sprint(comparers[0].Filter))
	if len(words) == 0 {
		return "", start, nil, nil
	}

	type target struct{ expr string }
	var targets []target
	for _, c := range comparers {
		resolved, err := ctx.Entity.ResolvePath(c.Property)
		if err != nil {
			return "", start, nil, err
		}
		if len(resolved.Hops) > 0 {
			return "", start, nil, trellis.BadRequestf("contains-any requires a direct property, got %q", c.Property)
		}
		targets = append(targets, target{expr: qualify(ctx.Alias, resolved.Terminal.Column)})
	}

	counter := start
	var params []Param
	var wordClauses []string
	for _, word := range words {
		var matches []string
		for _, t := range targets {
			name := paramName(counter)
			counter++
			params = append(params, Param{Name: name, Value: word})
			matches = append(matches, ctx.Dialect.Like(t.expr, ctx.Dialect.Placeholder(name), dialect.LikeContains))
		}
		wordClauses = append(wordClauses, "("+strings.Join(matches, " OR ")+")")
	}
	return "(" + strings.Join(wordClauses, " AND ") + ")", counter, params, nil
}

func compileLeaf(node *trellis.Comparer, ctx FilterContext, start int) (string, int, []Param, error) {
	resolved, err := ctx.Entity.ResolvePath(node.Property)
	if err != nil {
		return "", start, nil, err
	}
	if len(resolved.Hops) > 0 {
		return compileHops(node, resolved, ctx, start)
	}
	expr := qualify(ctx.Alias, resolved.Terminal.Column)
	return compileComparison(expr, node, ctx, start)
}

// compileComparison renders a single comparison against a column expression.
// The historical inversion of gte and lte is load-bearing: stored filters all
// over existing deployments depend on it.
func compileComparison(expr string, node *trellis.Comparer, ctx FilterContext, start int) (string, int, []Param, error) {
	switch node.Operator {
	case trellis.OpNull:
		return fmt.Sprintf("%s IS NULL", expr), start, nil, nil
	case trellis.OpNotNull:
		return fmt.Sprintf("%s IS NOT NULL", expr), start, nil, nil
	}

	value, err := filterValue(node.Filter, ctx.Principal)
	if err != nil {
		return "", start, nil, err
	}

	name := paramName(start)
	placeholder := ctx.Dialect.Placeholder(name)
	param := Param{Name: name, Value: value}

	switch node.Operator {
	case trellis.OpEq:
		return fmt.Sprintf("%s = %s", expr, placeholder), start + 1, []Param{param}, nil
	case trellis.OpNeq:
		return fmt.Sprintf("%s != %s", expr, placeholder), start + 1, []Param{param}, nil
	case trellis.OpGte:
		return fmt.Sprintf("%s <= %s", expr, placeholder), start + 1, []Param{param}, nil
	case trellis.OpLte:
		return fmt.Sprintf("%s >= %s", expr, placeholder), start + 1, []Param{param}, nil
	case trellis.OpGt:
		return fmt.Sprintf("%s > %s", expr, placeholder), start + 1, []Param{param}, nil
	case trellis.OpLt:
		return fmt.Sprintf("%s < %s", expr, placeholder), start + 1, []Param{param}, nil
	case trellis.OpContains:
		return ctx.Dialect.Like(expr, placeholder, dialect.LikeContains), start + 1, []Param{param}, nil
	case trellis.OpStartsWith:
		return ctx.Dialect.Like(expr, placeholder, dialect.LikePrefix), start + 1, []Param{param}, nil
	case trellis.OpEndsWith:
		return ctx.Dialect.Like(expr, placeholder, dialect.LikeSuffix), start + 1, []Param{param}, nil
	default:
		return "(1 = 1)", start, nil, nil
	}
}

// compileHops compiles a comparison whose property path crosses entity
// boundaries into a correlated EXISTS subquery. Each hop adds a fil_tab{n}
// alias, junction traversals an extra fil_cross_tab{n}; the numbers are local
// to the subquery scope so sibling EXISTS clauses cannot collide.
func compileHops(node *trellis.Comparer, resolved *trellis.ResolvedPath, ctx FilterContext, start int) (string, int, []Param, error) {
	d := ctx.Dialect
	outer := ctx.Alias
	if outer == "" {
		outer = d.QuoteIdentifier(ctx.Entity.Table)
	}

	var from string
	var joins []string
	var where []string

	prevAlias := outer
	prevEntity := ctx.Entity
	for i, hop := range resolved.Hops {
		alias := fmt.Sprintf("fil_tab%d", i+1)
		table := qualifiedTable(d, hop.To.Schema, hop.To.Table)

		switch hop.Kind {
		case trellis.HopForeignKey:
			cond := fmt.Sprintf("%s.%s = %s.%s",
				alias, hop.To.KeyProperty().Column,
				prevAlias, hop.Property.Column)
			if i == 0 {
				from = fmt.Sprintf("%s AS %s", table, alias)
				where = append(where, cond)
			} else {
				joins = append(joins, fmt.Sprintf("INNER JOIN %s AS %s ON %s", table, alias, cond))
			}
		case trellis.HopReferencing:
			cond := fmt.Sprintf("%s.%s = %s.%s",
				alias, hop.Property.Column,
				prevAlias, prevEntity.KeyProperty().Column)
			if i == 0 {
				from = fmt.Sprintf("%s AS %s", table, alias)
				where = append(where, cond)
			} else {
				joins = append(joins, fmt.Sprintf("INNER JOIN %s AS %s ON %s", table, alias, cond))
			}
		case trellis.HopRelation:
			cross := fmt.Sprintf("fil_cross_tab%d", i+1)
			side := hop.Side
			crossTable := qualifiedTable(d, prevEntity.Schema, side.Relation.Table)
			nearCond := fmt.Sprintf("%s.%s = %s.%s",
				cross, side.NearColumn,
				prevAlias, prevEntity.KeyProperty().Column)
			farCond := fmt.Sprintf("%s.%s = %s.%s",
				alias, hop.To.KeyProperty().Column,
				cross, side.FarColumn)
			if i == 0 {
				from = fmt.Sprintf("%s AS %s", crossTable, cross)
				where = append(where, nearCond)
			} else {
				joins = append(joins, fmt.Sprintf("INNER JOIN %s AS %s ON %s", crossTable, cross, nearCond))
			}
			joins = append(joins, fmt.Sprintf("INNER JOIN %s AS %s ON %s", table, alias, farCond))
			for _, validity := range RelationValidity(d, cross, side.Relation) {
				where = append(where, validity)
			}
		}
		prevAlias = alias
		prevEntity = hop.To
	}

	terminal, next, params, err := compileComparison(qualify(prevAlias, resolved.Terminal.Column), node, ctx, start)
	if err != nil {
		return "", start, nil, err
	}
	where = append(where, terminal)

	body := sqlf(`
		SELECT 1
		FROM %s
		%s
		WHERE %s`,
		from,
		strings.Join(joins, "\n"),
		andJoin(where))
	return exists(body), next, params, nil
}

// RelationValidity renders the temporal and active predicates of a junction
// table, empty when the relation carries no validity columns.
func RelationValidity(d dialect.Dialect, alias string, rel *trellis.EntityRelation) []string {
	var preds []string
	if rel.ValidFromColumn != "" {
		preds = append(preds, fmt.Sprintf("%s <= %s", qualify(alias, rel.ValidFromColumn), d.CurrentTimestamp()))
	}
	if rel.ValidToColumn != "" {
		col := qualify(alias, rel.ValidToColumn)
		preds = append(preds, fmt.Sprintf("(%s IS NULL OR %s >= %s)", col, col, d.CurrentTimestamp()))
	}
	if rel.ActiveColumn != "" {
		preds = append(preds, fmt.Sprintf("%s = 1", qualify(alias, rel.ActiveColumn)))
	}
	return preds
}

func qualifiedTable(d dialect.Dialect, schema, table string) string {
	if schema != "" {
		return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(table)
}

// filterValue normalizes a comparer literal into a driver-bindable value and
// substitutes the current-user token.
func filterValue(v any, principal trellis.Principal) (any, error) {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, trellis.BadRequestf("invalid numeric filter value %q", val.String())
		}
		return f, nil
	case string:
		if val == trellis.UserToken {
			if principal == nil || !principal.IsAuthenticated() {
				return nil, nil
			}
			return principal.UserID(), nil
		}
		return val, nil
	default:
		return val, nil
	}
}
