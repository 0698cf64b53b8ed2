package trellis

import (
	"strings"
)

// Entity describes one backing table and its exposed shape. Entities are
// identified by an opaque Key that is stable for the process lifetime; the
// planner uses it as a cycle-detection token.
type Entity struct {
	// Key is the entity's identity inside the graph.
	Key string
	// Table is the physical table name.
	Table string
	// ObjectName is the externally visible resource name.
	ObjectName string
	// Schema optionally qualifies Table.
	Schema string
	// SoftDeleteColumn, when set, marks rows as deleted instead of removing
	// them; live rows have the column NULL.
	SoftDeleteColumn string

	// Properties are the columns and foreign keys owned by this entity, in
	// declaration order.
	Properties []*Property
	// Roles are the role rules applied to this entity. An entity with no
	// rules is public.
	Roles []*EntityRole

	// referencing holds properties on other entities that reference this
	// one, populated while the graph links itself.
	referencing []*Property
	// relations holds the junctions this entity participates in.
	relations []*EntityRelation

	graph *Graph
}

// Property is one column or foreign-key relationship on an Entity.
type Property struct {
	// Column is the physical column name.
	Column string
	// Name is the external (camelCase) name.
	Name string
	// IsKey marks the single key property of the entity. When no property
	// is marked, a property named "Id" is promoted during validation.
	IsKey bool
	// ReadOnly excludes the property from writes.
	ReadOnly bool
	// Hidden excludes the property from all default projections.
	Hidden bool
	// ReferencesEntity, when set, is the Key of the entity this column is a
	// foreign key to; projecting it produces a nested single-object join.
	ReferencesEntity string
	// RelatedName, when set on a foreign-key property, is the property name
	// the referenced entity exposes for the inverse side of the join.
	RelatedName string
	// RelatedAsArray shapes the inverse side as an array rather than a
	// single object.
	RelatedAsArray bool
	// Default optionally names a default-value directive; the only
	// recognized directive is DefaultCurrentUser.
	Default string

	owner *Entity
}

// DefaultCurrentUser is the default-value directive filling a column with
// the authenticated principal's id on create.
const DefaultCurrentUser = "$currentUser"

// Entity returns the owning entity.
func (p *Property) Entity() *Entity { return p.owner }

// Referenced returns the entity this property is a foreign key to, or nil.
func (p *Property) Referenced() *Entity {
	if p.ReferencesEntity == "" || p.owner == nil || p.owner.graph == nil {
		return nil
	}
	return p.owner.graph.Entity(p.ReferencesEntity)
}

// EntityRelation is a many-to-many junction between two entities. Each side
// may expose the far entity under its own collection name, and visibility is
// independent per side. The optional validity window (from/to timestamps) or
// active flag implements soft-unlink: rows outside the window are treated as
// unlinked without being deleted.
type EntityRelation struct {
	Table string
	// FirstColumn/SecondColumn are the referencing columns on the junction.
	FirstColumn  string
	SecondColumn string
	// FirstEntity/SecondEntity are the participating entity keys.
	FirstEntity  string
	SecondEntity string
	// FirstCollectionName is the name under which the first entity exposes
	// the second; SecondCollectionName the reverse.
	FirstCollectionName  string
	SecondCollectionName string
	// Validity window columns on the junction, all optional.
	ValidFromColumn string
	ValidToColumn   string
	ActiveColumn    string
	// Visibility flags per side.
	FirstVisible  bool
	SecondVisible bool
}

// RelationSide is an EntityRelation viewed from one participating entity.
type RelationSide struct {
	Relation       *EntityRelation
	Near           *Entity
	Far            *Entity
	NearColumn     string
	FarColumn      string
	CollectionName string
	Visible        bool
}

// HasValidity reports whether the junction declares a validity window or
// active flag.
func (r *EntityRelation) HasValidity() bool {
	return r.ValidFromColumn != "" || r.ValidToColumn != "" || r.ActiveColumn != ""
}

// EntityRole is the (entity, role) capability rule: five boolean flags plus
// view/edit filter templates in the comparer grammar with $user and $role
// placeholders.
type EntityRole struct {
	Role string

	ReadOne bool
	ReadAll bool
	Create  bool
	Update  bool
	Delete  bool

	ViewFilter string
	EditFilter string
}

// Allows reports whether the rule grants the capability.
func (r *EntityRole) Allows(c Capability) bool {
	switch c {
	case CapabilityReadOne:
		return r.ReadOne
	case CapabilityReadAll:
		return r.ReadAll
	case CapabilityCreate:
		return r.Create
	case CapabilityUpdate:
		return r.Update
	case CapabilityDelete:
		return r.Delete
	}
	return false
}

// FilterTemplate returns the view filter for read capabilities and the edit
// filter for write capabilities.
func (r *EntityRole) FilterTemplate(c Capability) string {
	if c.IsRead() {
		return r.ViewFilter
	}
	return r.EditFilter
}

// Graph is the immutable in-memory model of entities, properties, relations
// and role rules. It is built once from configuration and shared read-only
// between requests; see GraphCache for the rebuild lifecycle.
type Graph struct {
	entities  []*Entity
	relations []*EntityRelation
	byKey     map[string]*Entity
	byObject  map[string][]*Entity
}

// NewGraph links entities and relations into a Graph. The input slices are
// owned by the graph afterwards. NewGraph performs linking only; call
// Validate for the full invariant check.
func NewGraph(entities []*Entity, relations []*EntityRelation) (*Graph, error) {
	g := &Graph{
		entities:  entities,
		relations: relations,
		byKey:     make(map[string]*Entity, len(entities)),
		byObject:  make(map[string][]*Entity, len(entities)),
	}

	for _, e := range entities {
		if e.Key == "" {
			return nil, BadRequestf("entity with table %q has no key", e.Table)
		}
		if _, dup := g.byKey[e.Key]; dup {
			return nil, BadRequestf("duplicate entity key %q", e.Key)
		}
		e.graph = g
		g.byKey[e.Key] = e
		obj := strings.ToLower(e.ObjectName)
		g.byObject[obj] = append(g.byObject[obj], e)
		for _, p := range e.Properties {
			p.owner = e
		}
	}

	// Link referencing properties: every foreign key is visible from the
	// referenced entity as a potential inverse join.
	for _, e := range entities {
		for _, p := range e.Properties {
			if p.ReferencesEntity == "" {
				continue
			}
			target, ok := g.byKey[p.ReferencesEntity]
			if !ok {
				return nil, BadRequestf("property %s.%s references unknown entity %q", e.Key, p.Name, p.ReferencesEntity)
			}
			target.referencing = append(target.referencing, p)
		}
	}

	for _, r := range relations {
		first, ok := g.byKey[r.FirstEntity]
		if !ok {
			return nil, BadRequestf("relation on %q references unknown entity %q", r.Table, r.FirstEntity)
		}
		second, ok := g.byKey[r.SecondEntity]
		if !ok {
			return nil, BadRequestf("relation on %q references unknown entity %q", r.Table, r.SecondEntity)
		}
		first.relations = append(first.relations, r)
		if second != first {
			second.relations = append(second.relations, r)
		}
	}

	return g, nil
}

// Entities returns all entities in declaration order.
func (g *Graph) Entities() []*Entity { return g.entities }

// Relations returns all junction relations in declaration order.
func (g *Graph) Relations() []*EntityRelation { return g.relations }

// Entity returns the entity with the given key, or nil.
func (g *Graph) Entity(key string) *Entity { return g.byKey[key] }

// Candidates returns the entities exposed under the given external object
// name, case-insensitively. Several entities may share one object name when
// different roles see different shapes of the same resource.
func (g *Graph) Candidates(objectName string) []*Entity {
	return g.byObject[strings.ToLower(objectName)]
}

// KeyProperty returns the entity's single key property. Validation
// guarantees exactly one exists.
func (e *Entity) KeyProperty() *Property {
	for _, p := range e.Properties {
		if p.IsKey {
			return p
		}
	}
	return nil
}

// QualifiedTable returns the schema-qualified table name parts.
func (e *Entity) QualifiedTable() (schema, table string) {
	return e.Schema, e.Table
}

// Unrestricted reports whether the entity has zero role rules and is
// therefore public.
func (e *Entity) Unrestricted() bool { return len(e.Roles) == 0 }

// PropertyByName resolves an external property name case-insensitively.
func (e *Entity) PropertyByName(name string) *Property {
	for _, p := range e.Properties {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

// ReferencingByName resolves a referencing property (a foreign key on some
// other entity pointing here) by the inverse name it exposes on this entity.
func (e *Entity) ReferencingByName(name string) *Property {
	for _, p := range e.referencing {
		if p.RelatedName != "" && strings.EqualFold(p.RelatedName, name) {
			return p
		}
	}
	return nil
}

// Referencing returns the foreign-key properties on other entities that
// point at this one.
func (e *Entity) Referencing() []*Property { return e.referencing }

// Relations returns the junction relations this entity participates in.
func (e *Entity) Relations() []*EntityRelation { return e.relations }

// RelationSides returns this entity's view of each relation it participates
// in. A self-relation contributes both sides.
func (e *Entity) RelationSides() []RelationSide {
	var sides []RelationSide
	for _, r := range e.relations {
		if r.FirstEntity == e.Key {
			sides = append(sides, RelationSide{
				Relation:       r,
				Near:           e,
				Far:            e.graph.Entity(r.SecondEntity),
				NearColumn:     r.FirstColumn,
				FarColumn:      r.SecondColumn,
				CollectionName: r.FirstCollectionName,
				Visible:        r.FirstVisible,
			})
		}
		if r.SecondEntity == e.Key {
			sides = append(sides, RelationSide{
				Relation:       r,
				Near:           e,
				Far:            e.graph.Entity(r.FirstEntity),
				NearColumn:     r.SecondColumn,
				FarColumn:      r.FirstColumn,
				CollectionName: r.SecondCollectionName,
				Visible:        r.SecondVisible,
			})
		}
	}
	return sides
}

// RelationSideByName resolves a relation by its externally visible
// collection name on this entity, case-insensitively. Invisible sides do not
// resolve.
func (e *Entity) RelationSideByName(name string) (RelationSide, bool) {
	for _, s := range e.RelationSides() {
		if s.Visible && strings.EqualFold(s.CollectionName, name) {
			return s, true
		}
	}
	return RelationSide{}, false
}

// HopKind identifies how one segment of a dotted property path descends into
// the next entity.
type HopKind int

const (
	// HopForeignKey descends through a foreign-key property into the
	// referenced entity.
	HopForeignKey HopKind = iota
	// HopReferencing descends through the inverse side of a foreign key on
	// another entity.
	HopReferencing
	// HopRelation descends across a junction table.
	HopRelation
)

// PathHop is one resolved step of a dotted property path.
type PathHop struct {
	Kind HopKind
	// Property is set for foreign-key and referencing hops.
	Property *Property
	// Side is set for relation hops.
	Side RelationSide
	From *Entity
	To   *Entity
}

// ResolvedPath is a dotted property path resolved against an entity: zero or
// more hops followed by a terminal scalar property on the final entity.
type ResolvedPath struct {
	Hops     []PathHop
	Terminal *Property
}

// Entity returns the entity owning the terminal property.
func (rp *ResolvedPath) Entity() *Entity { return rp.Terminal.Entity() }

// ResolvePath walks a dot-separated property chain starting at this entity.
// Each non-terminal segment must resolve to a foreign-key property, a
// referencing property, or a visible relation collection name; the terminal
// segment must resolve to a column on the final entity. Any unresolved
// segment is BadRequest ("invalid filter property").
func (e *Entity) ResolvePath(path string) (*ResolvedPath, error) {
	segments := strings.Split(path, ".")
	current := e
	rp := &ResolvedPath{}

	for i, seg := range segments {
		last := i == len(segments)-1
		if last {
			p := current.PropertyByName(seg)
			if p == nil {
				return nil, BadRequestf("invalid filter property %q", path)
			}
			rp.Terminal = p
			return rp, nil
		}

		if p := current.PropertyByName(seg); p != nil && p.ReferencesEntity != "" {
			target := p.Referenced()
			if target == nil {
				return nil, BadRequestf("invalid filter property %q", path)
			}
			rp.Hops = append(rp.Hops, PathHop{Kind: HopForeignKey, Property: p, From: current, To: target})
			current = target
			continue
		}
		if p := current.ReferencingByName(seg); p != nil {
			rp.Hops = append(rp.Hops, PathHop{Kind: HopReferencing, Property: p, From: current, To: p.Entity()})
			current = p.Entity()
			continue
		}
		if side, ok := current.RelationSideByName(seg); ok {
			rp.Hops = append(rp.Hops, PathHop{Kind: HopRelation, Side: side, From: current, To: side.Far})
			current = side.Far
			continue
		}
		return nil, BadRequestf("invalid filter property %q", path)
	}

	// Unreachable: the loop always returns on the last segment.
	return nil, BadRequestf("invalid filter property %q", path)
}
