package engine

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/trellisql/trellis/sqlgen"
)

// assembleRows folds a flat result set with dotted column aliases back into
// nested documents. Rows are grouped by the root key; every joined node is
// deduplicated by its own key, so a root row multiplied by array joins comes
// back as one document with populated arrays. Row order is preserved for
// roots and for array elements alike.
func assembleRows(rows *sql.Rows, plan *sqlgen.SelectPlan) ([]map[string]any, error) {
	defer rows.Close()

	root := buildTree(plan)
	values := make([]any, len(plan.Columns))
	scan := make([]any, len(plan.Columns))
	for i := range values {
		scan[i] = &values[i]
	}

	out := []map[string]any{}
	seen := map[string]*object{}

	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i := range values {
			values[i] = normalizeValue(values[i])
		}

		rootKey := values[root.keyIdx]
		if rootKey == nil {
			continue
		}
		id := fmt.Sprint(rootKey)
		obj := seen[id]
		if obj == nil {
			obj = newObject()
			seen[id] = obj
			out = append(out, obj.data)
		}
		obj.fill(root, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return out, nil
}

// pathNode is one nested level of the projection: its key column, scalar
// columns, and child nodes.
type pathNode struct {
	name     string
	isArray  bool
	keyIdx   int
	cols     []planCol
	children []*pathNode
}

type planCol struct {
	idx  int
	name string
}

// buildTree groups the plan's flat column list by output path. Columns appear
// in depth-first planning order with each node's key first, so a node's
// parent always exists by the time the node is seen.
func buildTree(plan *sqlgen.SelectPlan) *pathNode {
	root := &pathNode{}
	byPath := map[string]*pathNode{"": root}

	for i, col := range plan.Columns {
		node, ok := byPath[col.Path]
		if !ok {
			node = &pathNode{
				name:    lastSegment(col.Path),
				isArray: plan.ArrayPaths[col.Path],
			}
			byPath[col.Path] = node
			parent := byPath[parentPath(col.Path)]
			parent.children = append(parent.children, node)
		}
		if col.IsKey {
			node.keyIdx = i
		}
		node.cols = append(node.cols, planCol{idx: i, name: col.Name})
	}
	return root
}

// object is one materialized map plus the dedupe state of its children.
type object struct {
	data map[string]any
	kids map[string]map[string]*object
}

func newObject() *object {
	return &object{
		data: map[string]any{},
		kids: map[string]map[string]*object{},
	}
}

// fill copies this node's scalar columns into the object and descends into
// its children for the current row.
func (o *object) fill(node *pathNode, values []any) {
	for _, col := range node.cols {
		o.data[col.name] = values[col.idx]
	}

	for _, child := range node.children {
		if child.isArray {
			if _, ok := o.data[child.name]; !ok {
				o.data[child.name] = []map[string]any{}
			}
		}

		keyVal := values[child.keyIdx]
		if keyVal == nil {
			// No joined row on this branch. Arrays stay empty, single
			// references surface as explicit nulls.
			if !child.isArray {
				if _, ok := o.data[child.name]; !ok {
					o.data[child.name] = nil
				}
			}
			continue
		}

		id := fmt.Sprint(keyVal)
		group := o.kids[child.name]
		if group == nil {
			group = map[string]*object{}
			o.kids[child.name] = group
		}
		kid := group[id]
		if kid == nil {
			kid = newObject()
			group[id] = kid
			if child.isArray {
				arr := o.data[child.name].([]map[string]any)
				o.data[child.name] = append(arr, kid.data)
			} else {
				o.data[child.name] = kid.data
			}
		}
		kid.fill(child, values)
	}
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return path
}

func parentPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return ""
}

// normalizeValue maps driver values onto JSON-friendly Go values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC()
	default:
		return v
	}
}
