// Package gqlquery converts GraphQL query documents into the same request
// tuple the REST surface produces. It adapts only the query shape — resource,
// paging, sorting, filter and projection — and leaves schema definition and
// execution to the caller; the filter trees it emits use the same grammar the
// filter compiler consumes.
package gqlquery

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"

	"github.com/trellisql/trellis"
)

// operatorNames maps filter-object keys and field-name suffixes onto
// operators.
var operatorNames = map[string]trellis.Operator{
	"eq":          trellis.OpEq,
	"neq":         trellis.OpNeq,
	"gte":         trellis.OpGte,
	"lte":         trellis.OpLte,
	"gt":          trellis.OpGt,
	"lt":          trellis.OpLt,
	"contains":    trellis.OpContains,
	"startswith":  trellis.OpStartsWith,
	"endswith":    trellis.OpEndsWith,
	"null":        trellis.OpNull,
	"notnull":     trellis.OpNotNull,
	"containsany": trellis.OpContainsAny,
}

// operatorSuffixes is checked longest-first so _notnull wins over _null and
// _containsany over _contains.
var operatorSuffixes = []string{
	"containsany", "startswith", "endswith", "contains", "notnull",
	"null", "gte", "lte", "neq", "gt", "lt", "eq",
}

// Convert parses a GraphQL document and maps its first operation's first root
// field onto a query. Arguments page, pageSize, sortProperty and sortOrder
// map directly; a where or filter argument becomes the comparer tree; the
// selection set becomes dotted projection paths.
func Convert(document string) (*trellis.Query, error) {
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(document), Name: "query"}),
	})
	if err != nil {
		return nil, trellis.BadRequestf("invalid graphql document: %v", err)
	}

	field, err := rootField(doc)
	if err != nil {
		return nil, err
	}

	q := &trellis.Query{Resource: field.Name.Value}
	for _, arg := range field.Arguments {
		switch arg.Name.Value {
		case "page":
			q.Page, err = intArg(arg)
		case "pageSize":
			q.PageSize, err = intArg(arg)
		case "sortProperty":
			q.SortProperty = stringArg(arg)
		case "sortOrder":
			q.SortOrder = trellis.SortOrder(strings.ToLower(stringArg(arg)))
		case "where", "filter":
			q.Filter, err = convertFilter(arg.Value)
		default:
			return nil, trellis.BadRequestf("unknown argument %q", arg.Name.Value)
		}
		if err != nil {
			return nil, err
		}
	}

	q.Projection = projectionPaths(field.SelectionSet, "")
	return q, nil
}

func rootField(doc *ast.Document) (*ast.Field, error) {
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok || op.SelectionSet == nil {
			continue
		}
		for _, sel := range op.SelectionSet.Selections {
			if field, ok := sel.(*ast.Field); ok {
				return field, nil
			}
		}
	}
	return nil, trellis.BadRequestf("document has no root field")
}

// convertFilter turns a where/filter argument object into a comparer tree. A
// single resulting node is returned bare; several siblings are grouped under
// an implicit AND.
func convertFilter(value ast.Value) (*trellis.Comparer, error) {
	obj, ok := value.(*ast.ObjectValue)
	if !ok {
		return nil, trellis.BadRequestf("filter must be an object")
	}
	nodes, err := convertFields(obj.Fields, "")
	if err != nil {
		return nil, err
	}
	return groupNodes(trellis.ConjunctionAnd, nodes), nil
}

func convertFields(fields []*ast.ObjectField, prefix string) ([]*trellis.Comparer, error) {
	var nodes []*trellis.Comparer
	for _, field := range fields {
		converted, err := convertField(field, prefix)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, converted...)
	}
	return nodes, nil
}

func convertField(field *ast.ObjectField, prefix string) ([]*trellis.Comparer, error) {
	name := field.Name.Value

	if conj, ok := conjunctionName(name); ok {
		list, ok := field.Value.(*ast.ListValue)
		if !ok {
			return nil, trellis.BadRequestf("%s filter takes a list", name)
		}
		var children []*trellis.Comparer
		for _, item := range list.Values {
			obj, ok := item.(*ast.ObjectValue)
			if !ok {
				return nil, trellis.BadRequestf("%s list items must be objects", name)
			}
			nodes, err := convertFields(obj.Fields, prefix)
			if err != nil {
				return nil, err
			}
			if child := groupNodes(trellis.ConjunctionAnd, nodes); child != nil {
				children = append(children, child)
			}
		}
		return []*trellis.Comparer{{Conjunction: conj, Comparisons: children}}, nil
	}

	if obj, ok := field.Value.(*ast.ObjectValue); ok {
		if allOperators(obj.Fields) {
			// One leaf per operator key.
			var nodes []*trellis.Comparer
			for _, opField := range obj.Fields {
				nodes = append(nodes, &trellis.Comparer{
					Property: joinPrefix(prefix, name),
					Operator: operatorNames[opField.Name.Value],
					Filter:   literal(opField.Value),
				})
			}
			return nodes, nil
		}
		// Nested-entity filter.
		return convertFields(obj.Fields, joinPrefix(prefix, name))
	}

	if base, op, ok := splitOperatorSuffix(name); ok {
		return []*trellis.Comparer{{
			Property: joinPrefix(prefix, base),
			Operator: op,
			Filter:   literal(field.Value),
		}}, nil
	}

	// Shorthand equality.
	return []*trellis.Comparer{{
		Property: joinPrefix(prefix, name),
		Operator: trellis.OpEq,
		Filter:   literal(field.Value),
	}}, nil
}

func conjunctionName(name string) (trellis.Conjunction, bool) {
	switch name {
	case "and":
		return trellis.ConjunctionAnd, true
	case "or":
		return trellis.ConjunctionOr, true
	case "not":
		return trellis.ConjunctionNot, true
	}
	return "", false
}

func allOperators(fields []*ast.ObjectField) bool {
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if _, ok := operatorNames[f.Name.Value]; !ok {
			return false
		}
	}
	return true
}

func splitOperatorSuffix(name string) (string, trellis.Operator, bool) {
	for _, suffix := range operatorSuffixes {
		tail := "_" + suffix
		if strings.HasSuffix(name, tail) && len(name) > len(tail) {
			return name[:len(name)-len(tail)], operatorNames[suffix], true
		}
	}
	return "", "", false
}

func groupNodes(conj trellis.Conjunction, nodes []*trellis.Comparer) *trellis.Comparer {
	switch len(nodes) {
	case 0:
		return nil
	case 1:
		return nodes[0]
	default:
		return &trellis.Comparer{Conjunction: conj, Comparisons: nodes}
	}
}

// literal maps a GraphQL value onto the comparer literal space. Numbers come
// back as json.Number, same as the JSON filter parser produces.
func literal(value ast.Value) any {
	switch v := value.(type) {
	case *ast.IntValue:
		return json.Number(v.Value)
	case *ast.FloatValue:
		return json.Number(v.Value)
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.EnumValue:
		return v.Value
	case *ast.ListValue:
		items := make([]any, len(v.Values))
		for i, item := range v.Values {
			items[i] = literal(item)
		}
		return items
	default:
		return nil
	}
}

func projectionPaths(set *ast.SelectionSet, prefix string) []string {
	if set == nil {
		return nil
	}
	var paths []string
	for _, sel := range set.Selections {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		path := joinPrefix(prefix, field.Name.Value)
		if field.SelectionSet == nil {
			paths = append(paths, path)
			continue
		}
		paths = append(paths, projectionPaths(field.SelectionSet, path)...)
	}
	return paths
}

func joinPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func intArg(arg *ast.Argument) (int, error) {
	iv, ok := arg.Value.(*ast.IntValue)
	if !ok {
		return 0, trellis.BadRequestf("argument %q must be an integer", arg.Name.Value)
	}
	n, err := strconv.Atoi(iv.Value)
	if err != nil {
		return 0, trellis.BadRequestf("argument %q must be an integer", arg.Name.Value)
	}
	return n, nil
}

func stringArg(arg *ast.Argument) string {
	switch v := arg.Value.(type) {
	case *ast.StringValue:
		return v.Value
	case *ast.EnumValue:
		return v.Value
	}
	return ""
}
