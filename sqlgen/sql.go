// Package sqlgen compiles comparer trees and projection requests into
// parameterized SQL. It models this system's query concepts directly rather
// than generic SQL syntax; everything engine-specific is delegated to a
// dialect.Dialect.
package sqlgen

import (
	"fmt"
	"strings"
)

// Param is one named query parameter in compilation order. Names follow the
// Filter_Int{n} scheme; the counter is threaded through every recursive call
// so names never collide across a merged query.
type Param struct {
	Name  string
	Value any
}

// paramName renders the n-th parameter name.
func paramName(n int) string {
	return fmt.Sprintf("Filter_Int%d", n)
}

// sqlf formats SQL with automatic dedenting and blank line removal.
// The SQL shape is visible in the format string.
func sqlf(format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	lines := strings.Split(s, "\n")

	minIndent := 1 << 30
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		if indent := len(line) - len(trimmed); indent < minIndent {
			minIndent = indent
		}
	}

	var result []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) >= minIndent {
			result = append(result, line[minIndent:])
		} else {
			result = append(result, strings.TrimLeft(line, " \t"))
		}
	}
	return strings.Join(result, "\n")
}

// optf returns the formatted string if cond is true, empty string otherwise.
func optf(cond bool, format string, args ...any) string {
	if !cond {
		return ""
	}
	return fmt.Sprintf(format, args...)
}

// qualify prefixes a column with a table alias when one is set.
func qualify(alias, column string) string {
	if alias == "" {
		return column
	}
	return alias + "." + column
}

// exists wraps a subquery body in EXISTS (...).
func exists(body string) string {
	return "EXISTS (" + body + ")"
}

// andJoin joins non-empty fragments with AND.
func andJoin(fragments []string) string {
	var kept []string
	for _, f := range fragments {
		if f != "" {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " AND ")
}
