package trellis

import (
	"strings"
)

// Authorize selects the role rule that lets principal perform capability on
// one of the candidate entities (several entities may share an external
// object name) and returns the chosen entity together with its permission
// filter, ready to be ANDed into the query.
//
// Unauthenticated principals may only select an entity with zero role rules.
// If every candidate is role-restricted the result is Unauthorized; an empty
// candidate set is NotFound. Authenticated principals pick the first rule
// for their role, in declaration order, whose flag for the capability is
// true; no matching rule is Forbidden.
//
// The returned filter is nil when the chosen entity is unrestricted or the
// matching rule carries no template.
func Authorize(p Principal, candidates []*Entity, capability Capability) (*Entity, *Comparer, error) {
	if len(candidates) == 0 {
		return nil, nil, NotFoundf("unknown resource")
	}

	if p == nil || !p.IsAuthenticated() {
		for _, e := range candidates {
			if e.Unrestricted() {
				return e, nil, nil
			}
		}
		return nil, nil, Unauthorizedf("resource %q requires authentication", candidates[0].ObjectName)
	}

	// Public entities need no rule match.
	for _, e := range candidates {
		if e.Unrestricted() {
			return e, nil, nil
		}
	}

	// Rules are evaluated in declaration order; the first rule for the
	// principal's role granting the capability wins.
	for _, e := range candidates {
		for _, rule := range e.Roles {
			if rule.Role != p.Role() || !rule.Allows(capability) {
				continue
			}
			filter, err := ResolvePermissionFilter(rule, capability, p)
			if err != nil {
				return nil, nil, err
			}
			return e, filter, nil
		}
	}

	return nil, nil, Forbiddenf("role %q may not %s %q", p.Role(), capability, candidates[0].ObjectName)
}

// AuthorizeNested resolves the read filter applied when a nested entity is
// pulled in during recursive planning. Only the read capability's view
// filter applies; nested writes are never auto-cascaded. An unrestricted
// nested entity yields a nil filter; a restricted one with no matching read
// rule is Forbidden.
func AuthorizeNested(p Principal, e *Entity) (*Comparer, error) {
	if e.Unrestricted() {
		return nil, nil
	}
	if p == nil || !p.IsAuthenticated() {
		return nil, Unauthorizedf("resource %q requires authentication", e.ObjectName)
	}
	for _, rule := range e.Roles {
		if rule.Role != p.Role() || !rule.ReadAll {
			continue
		}
		return ResolvePermissionFilter(rule, CapabilityReadAll, p)
	}
	return nil, Forbiddenf("role %q may not read %q", p.Role(), e.ObjectName)
}

// ResolvePermissionFilter substitutes the $user and $role tokens in the
// rule's template for the capability and parses the result as a comparer
// tree. The substituted user id is quote-escaped so a crafted id cannot
// change the template's structure.
func ResolvePermissionFilter(rule *EntityRole, capability Capability, p Principal) (*Comparer, error) {
	tpl := rule.FilterTemplate(capability)
	if strings.TrimSpace(tpl) == "" {
		return nil, nil
	}
	tpl = strings.ReplaceAll(tpl, UserToken, escapeToken(p.UserID()))
	tpl = strings.ReplaceAll(tpl, RoleToken, escapeToken(p.Role()))
	return parseFilterTemplate(tpl)
}

// escapeToken neutralizes characters that would terminate a JSON string or
// a compact-form token early.
func escapeToken(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// parseFilterTemplate parses a permission filter template. Templates use the
// same JSON grammar as client filters; as a convenience a compact
// single-comparison form "property operator value" (operator possibly the
// two-word "not null") is also accepted.
func parseFilterTemplate(tpl string) (*Comparer, error) {
	trimmed := strings.TrimSpace(tpl)
	if strings.HasPrefix(trimmed, "{") {
		return ParseComparer([]byte(trimmed))
	}

	fields := strings.Fields(trimmed)
	switch len(fields) {
	case 2:
		// "prop null"
		return &Comparer{Property: fields[0], Operator: Operator(fields[1])}, nil
	case 3:
		if strings.EqualFold(fields[1], "not") && strings.EqualFold(fields[2], "null") {
			return &Comparer{Property: fields[0], Operator: OpNotNull}, nil
		}
		return &Comparer{Property: fields[0], Operator: Operator(fields[1]), Filter: fields[2]}, nil
	}
	return nil, BadRequestf("malformed permission filter template %q", tpl)
}
