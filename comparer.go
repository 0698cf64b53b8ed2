package trellis

import (
	"encoding/json"
	"strings"
)

// Conjunction joins the children of a comparer group.
type Conjunction string

const (
	ConjunctionAnd Conjunction = "and"
	ConjunctionOr  Conjunction = "or"
	ConjunctionNot Conjunction = "not"
)

// Operator names one leaf comparison. Operator strings are the wire values
// consumed from clients and produced by the GraphQL adapter.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGte        Operator = "gte"
	OpLte        Operator = "lte"
	OpGt         Operator = "gt"
	OpLt         Operator = "lt"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpNull       Operator = "null"
	OpNotNull    Operator = "not null"
	// OpContainsAny implements word search: the filter literal is split on
	// whitespace and a record matches if every word appears in at least one
	// of the columns listed by the group's contains-any comparers.
	OpContainsAny Operator = "contains-any"
)

// UserToken is the literal replaced by the authenticated principal's id when
// a comparer filter value (or a permission filter template) carries it.
const UserToken = "$user"

// RoleToken is the literal replaced by the principal's role name in
// permission filter templates.
const RoleToken = "$role"

// Comparer is one node of the boolean filter tree. A node is either a leaf
// comparison (Property, Operator, Filter set) or a group (Conjunction and
// Comparisons set). Property is a dot-separated chain that may cross
// relation or foreign-key hops before terminating in a scalar column.
//
// Comparers are built per request from client JSON, from a GraphQL document,
// or from a role's filter template. They are immutable once compiled and
// never persisted.
type Comparer struct {
	Conjunction Conjunction `json:"conjunction,omitempty"`
	Comparisons []*Comparer `json:"comparisons,omitempty"`

	Property string   `json:"property,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Filter   any      `json:"filter,omitempty"`
}

// IsGroup reports whether the node is a conjunction group rather than a
// leaf comparison.
func (c *Comparer) IsGroup() bool {
	return c != nil && c.Conjunction != ""
}

// ParseComparer decodes the filter JSON grammar into a comparer tree.
// Malformed documents are BadRequest.
func ParseComparer(data []byte) (*Comparer, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var c Comparer
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&c); err != nil {
		return nil, BadRequestf("malformed filter: %v", err)
	}
	if err := checkComparer(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// checkComparer rejects nodes that are neither a group nor a leaf.
func checkComparer(c *Comparer) error {
	if c == nil {
		return nil
	}
	if c.IsGroup() {
		switch c.Conjunction {
		case ConjunctionAnd, ConjunctionOr, ConjunctionNot:
		default:
			return BadRequestf("unknown conjunction %q", c.Conjunction)
		}
		for _, child := range c.Comparisons {
			if err := checkComparer(child); err != nil {
				return err
			}
		}
		return nil
	}
	if c.Property == "" {
		return BadRequestf("comparison is missing a property")
	}
	return nil
}

// AndComparers combines two comparer trees with AND. Either side may be nil,
// in which case the other is returned unchanged. This is how a caller filter
// and a permission filter are merged: the permission filter can never be
// widened by the caller's tree.
func AndComparers(a, b *Comparer) *Comparer {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &Comparer{
		Conjunction: ConjunctionAnd,
		Comparisons: []*Comparer{a, b},
	}
}
