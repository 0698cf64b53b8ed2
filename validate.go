package trellis

import (
	"fmt"
	"strings"
)

// defaultKeyName is promoted to the key property when an entity marks none.
const defaultKeyName = "Id"

// Validate checks the graph invariants before it is published to readers:
//
//   - every entity carries exactly one key property (a property named "Id"
//     is promoted when none is marked);
//   - external property names are unique per entity, and relation collection
//     names do not collide with property names;
//   - relation endpoints and foreign-key targets resolve;
//   - role rules do not duplicate a role on one entity;
//   - filter templates parse under the comparer grammar.
//
// Validate is called by LoadDefinitions; callers assembling a Graph by hand
// should call it themselves before first use.
func Validate(g *Graph) error {
	for _, e := range g.Entities() {
		if err := validateEntity(e); err != nil {
			return err
		}
	}
	for _, r := range g.Relations() {
		if err := validateRelation(g, r); err != nil {
			return err
		}
	}
	return nil
}

func validateEntity(e *Entity) error {
	if e.Table == "" {
		return fmt.Errorf("entity %q: missing table name", e.Key)
	}
	if e.ObjectName == "" {
		return fmt.Errorf("entity %q: missing object name", e.Key)
	}

	// Exactly one key property, promoting "Id" when none is marked.
	var keys []*Property
	for _, p := range e.Properties {
		if p.IsKey {
			keys = append(keys, p)
		}
	}
	switch len(keys) {
	case 0:
		fallback := e.PropertyByName(defaultKeyName)
		if fallback == nil {
			return fmt.Errorf("entity %q: no key property and no %q property to promote", e.Key, defaultKeyName)
		}
		fallback.IsKey = true
	case 1:
		// ok
	default:
		return fmt.Errorf("entity %q: multiple key properties", e.Key)
	}

	seen := make(map[string]bool, len(e.Properties))
	for _, p := range e.Properties {
		if p.Name == "" || p.Column == "" {
			return fmt.Errorf("entity %q: property with empty name or column", e.Key)
		}
		lower := strings.ToLower(p.Name)
		if seen[lower] {
			return fmt.Errorf("entity %q: duplicate property name %q", e.Key, p.Name)
		}
		seen[lower] = true
		if p.ReferencesEntity != "" && p.Referenced() == nil {
			return fmt.Errorf("entity %q: property %q references unknown entity %q", e.Key, p.Name, p.ReferencesEntity)
		}
		if p.Default != "" && p.Default != DefaultCurrentUser {
			return fmt.Errorf("entity %q: property %q has unknown default directive %q", e.Key, p.Name, p.Default)
		}
	}

	// Relation collection names share the property namespace.
	for _, s := range e.RelationSides() {
		if !s.Visible {
			continue
		}
		if s.CollectionName == "" {
			return fmt.Errorf("entity %q: relation on %q is visible but has no collection name", e.Key, s.Relation.Table)
		}
		if seen[strings.ToLower(s.CollectionName)] {
			return fmt.Errorf("entity %q: relation collection %q collides with a property name", e.Key, s.CollectionName)
		}
	}

	roles := make(map[string]bool, len(e.Roles))
	for _, r := range e.Roles {
		if r.Role == "" {
			return fmt.Errorf("entity %q: role rule with empty role name", e.Key)
		}
		if roles[r.Role] {
			return fmt.Errorf("entity %q: duplicate role rule for %q", e.Key, r.Role)
		}
		roles[r.Role] = true
		for _, tpl := range []string{r.ViewFilter, r.EditFilter} {
			if tpl == "" {
				continue
			}
			if _, err := parseFilterTemplate(tpl); err != nil {
				return fmt.Errorf("entity %q, role %q: invalid filter template: %w", e.Key, r.Role, err)
			}
		}
	}

	return nil
}

func validateRelation(g *Graph, r *EntityRelation) error {
	if r.Table == "" {
		return fmt.Errorf("relation between %q and %q: missing junction table", r.FirstEntity, r.SecondEntity)
	}
	if r.FirstColumn == "" || r.SecondColumn == "" {
		return fmt.Errorf("relation on %q: missing referencing column", r.Table)
	}
	if g.Entity(r.FirstEntity) == nil || g.Entity(r.SecondEntity) == nil {
		return fmt.Errorf("relation on %q: unknown participating entity", r.Table)
	}
	if !r.FirstVisible && !r.SecondVisible {
		return fmt.Errorf("relation on %q: neither side is visible", r.Table)
	}
	return nil
}
